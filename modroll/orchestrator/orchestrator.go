// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package orchestrator drives one deployment execution through its states:
//
//	Created → Validating → AwaitingApproval? → Acquiring → Executing →
//	Finalizing → {Succeeded, Failed, Cancelled}
//
// Cross-replica isolation comes from the (environment, module) distributed
// lock; at-most-once side effects from the idempotency store consulted
// inside that lock. Durable job row transitions stay with the job processor,
// which owns the row lease.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/modroll/modroll/modroll/approval"
	"github.com/modroll/modroll/modroll/cluster"
	"github.com/modroll/modroll/modroll/event"
	"github.com/modroll/modroll/modroll/idempotency"
	"github.com/modroll/modroll/modroll/lock"
	"github.com/modroll/modroll/modroll/state"
	"github.com/modroll/modroll/modroll/strategy"
	"github.com/modroll/modroll/modroll/structs"
	"github.com/modroll/modroll/modroll/tracker"
)

// Stage names as they appear in the tracker; strategy stages use the
// strategy name itself.
const (
	StageValidating = "validating"
	StageApproval   = "approval"
	StageAcquiring  = "acquiring-lock"
)

// Config tunes the pipeline timeouts.
type Config struct {
	// AcquireTimeout bounds the wait on the deployment lock.
	AcquireTimeout time.Duration

	// ApprovalTimeout is how long an approval request stays pending before
	// it auto-expires.
	ApprovalTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		AcquireTimeout:  30 * time.Second,
		ApprovalTimeout: 15 * time.Minute,
	}
}

// Orchestrator executes deployment pipelines.
type Orchestrator struct {
	cfg        *Config
	registry   *cluster.Registry
	tracker    *tracker.Tracker
	locker     lock.Locker
	approvals  *approval.Service
	idem       idempotency.Store
	strategies *strategy.Set
	store      state.Store
	events     event.Emitter
	logger     hclog.Logger
}

// New wires an orchestrator from its collaborators.
func New(cfg *Config, registry *cluster.Registry, trk *tracker.Tracker,
	locker lock.Locker, approvals *approval.Service, idem idempotency.Store,
	strategies *strategy.Set, store state.Store, events event.Emitter,
	logger hclog.Logger) *Orchestrator {

	return &Orchestrator{
		cfg:        cfg,
		registry:   registry,
		tracker:    trk,
		locker:     locker,
		approvals:  approvals,
		idem:       idem,
		strategies: strategies,
		store:      store,
		events:     events,
		logger:     logger.Named("orchestrator"),
	}
}

// Tracker exposes the replica-local execution index for status reads.
func (o *Orchestrator) Tracker() *tracker.Tracker {
	return o.tracker
}

// Submit validates a request far enough to accept it and writes the pending
// job row. The heavy validation runs again inside Execute; this pass exists
// so obviously broken requests fail at the API boundary.
func (o *Orchestrator) Submit(ctx context.Context, req *structs.DeploymentRequest, maxRetries int) (*structs.DeploymentJob, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}

	job := &structs.DeploymentJob{
		DeploymentID: req.ExecutionID,
		Payload:      req.Copy(),
		MaxRetries:   maxRetries,
	}
	if err := o.store.EnqueueJob(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueueing deployment job: %w", err)
	}

	metrics.IncrCounter([]string{"modroll", "deployment", "submitted"}, 1)
	o.logger.Info("deployment accepted",
		"execution_id", req.ExecutionID,
		"module", req.ModuleName, "version", req.Version,
		"environment", req.Environment, "strategy", req.Strategy)
	return job, nil
}

// Execute runs one claimed job to a terminal pipeline state. The returned
// error classifies the outcome for the job processor: nil means success,
// context.Canceled means the pipeline was cancelled, a permanent error (see
// structs.IsPermanent) must not be retried, anything else is retryable.
func (o *Orchestrator) Execute(ctx context.Context, job *structs.DeploymentJob) error {
	req := job.Payload
	logger := o.logger.With("execution_id", req.ExecutionID, "module", req.ModuleName)
	start := time.Now()
	defer metrics.MeasureSince([]string{"modroll", "pipeline", "execute"}, start)

	o.tracker.StartExecution(req)
	o.tracker.SetStatus(req.ExecutionID, structs.DeploymentStatusRunning)
	o.events.Emit(event.DeploymentStarted, map[string]interface{}{
		"execution_id": req.ExecutionID,
		"module":       req.ModuleName,
		"version":      req.Version,
		"environment":  req.Environment,
		"strategy":     req.Strategy,
		"attempt":      job.RetryCount + 1,
	})

	// Validating.
	o.startStage(req.ExecutionID, StageValidating)
	clust, err := o.validateAndSnapshot(req)
	if err != nil {
		o.failStage(req.ExecutionID, StageValidating, err)
		return o.finalizeFailed(req, start, 0, 0, 0, err)
	}
	o.completeStage(req.ExecutionID, StageValidating, tracker.StageUpdate{Status: structs.StageStatusSucceeded})

	// AwaitingApproval.
	if req.RequireApproval {
		if err := o.awaitApproval(ctx, req); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return o.finalizeCancelled(req, start, clust.Size())
			}
			return o.finalizeFailed(req, start, clust.Size(), 0, 0, err)
		}
	} else {
		o.skipStage(req.ExecutionID, StageApproval)
	}

	// Acquiring.
	o.startStage(req.ExecutionID, StageAcquiring)
	handle, err := o.locker.Acquire(ctx, req.LockResource(), o.cfg.AcquireTimeout)
	if err != nil {
		o.failStage(req.ExecutionID, StageAcquiring, err)
		if errors.Is(err, context.Canceled) {
			return o.finalizeCancelled(req, start, clust.Size())
		}
		return o.finalizeFailed(req, start, clust.Size(), 0, 0, err)
	}
	defer handle.Release()
	o.completeStage(req.ExecutionID, StageAcquiring, tracker.StageUpdate{Status: structs.StageStatusSucceeded})

	// Check-act-mark inside the lock: a redelivered job whose side effects
	// already landed short-circuits to success.
	if done, err := o.idem.HasBeenProcessed(ctx, req.IdempotencyKey()); err != nil {
		logger.Warn("idempotency check failed, proceeding", "error", err)
	} else if done {
		logger.Info("deployment already processed, skipping execution")
		return o.finalizeSucceeded(req, start, clust.Size(), clust.Size(), 0)
	}

	// Executing.
	strat, err := o.strategies.Get(req.Strategy)
	if err != nil {
		return o.finalizeFailed(req, start, clust.Size(), 0, 0, structs.Permanent(err))
	}

	stageName := string(req.Strategy)
	o.startStage(req.ExecutionID, stageName)
	res := strat.Deploy(ctx, req, clust)

	up := tracker.StageUpdate{
		Status:        structs.StageStatusSucceeded,
		NodesDeployed: res.NodesDeployed(),
		NodesFailed:   res.NodesFailed(),
		Message:       res.Message,
	}
	if !res.Success {
		up.Status = structs.StageStatusFailed
	}
	if res.RollbackPerformed {
		ok := res.RollbackSuccessful
		up.RollbackSuccessful = &ok
	}
	o.completeStage(req.ExecutionID, stageName, up)

	// Finalizing.
	switch {
	case ctx.Err() != nil,
		res.Err != nil && (errors.Is(res.Err, context.Canceled) || errors.Is(res.Err, context.DeadlineExceeded)):
		return o.finalizeCancelled(req, start, clust.Size())

	case res.Err != nil:
		// Unexpected condition; the job processor retries with backoff.
		return o.finalizeFailed(req, start, clust.Size(),
			res.NodesDeployed(), res.NodesFailed(), res.Err)

	case !res.Success:
		// Expected strategy failure; rollback already ran per contract.
		return o.finalizeFailed(req, start, clust.Size(),
			res.NodesDeployed(), res.NodesFailed(),
			structs.Permanent(fmt.Errorf("strategy failure: %s", res.Message)))
	}

	if err := o.idem.MarkAsProcessed(ctx, req.IdempotencyKey(), req.ExecutionID); err != nil {
		logger.Warn("failed to mark execution processed", "error", err)
	}
	return o.finalizeSucceeded(req, start, clust.Size(), res.NodesDeployed(), res.NodesFailed())
}

// validate covers the request fields; validateAndSnapshot additionally
// resolves and snapshots the target cluster.
func (o *Orchestrator) validate(req *structs.DeploymentRequest) error {
	if err := req.Validate(); err != nil {
		return structs.Permanent(err)
	}
	if _, err := o.strategies.Get(req.Strategy); err != nil {
		return structs.Permanent(err)
	}
	c, err := o.registry.Get(req.Environment)
	if err != nil {
		return structs.Permanent(err)
	}
	if c.Size() == 0 {
		return structs.Permanent(fmt.Errorf("%w: environment %q has no nodes",
			structs.ErrInvalidRequest, req.Environment))
	}
	return nil
}

func (o *Orchestrator) validateAndSnapshot(req *structs.DeploymentRequest) (*cluster.EnvironmentCluster, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}
	c, _ := o.registry.Get(req.Environment)
	// Pin the membership for the pipeline's lifetime.
	return cluster.NewEnvironmentCluster(c.Environment(), c.Nodes()), nil
}

// awaitApproval creates (or re-finds) the approval request and blocks on
// its terminal state.
func (o *Orchestrator) awaitApproval(ctx context.Context, req *structs.DeploymentRequest) error {
	o.startStage(req.ExecutionID, StageApproval)
	o.tracker.SetStatus(req.ExecutionID, structs.DeploymentStatusAwaitingApproval)

	if _, err := o.approvals.Create(ctx, req, o.cfg.ApprovalTimeout); err != nil {
		// A retried attempt finds the request from the prior attempt.
		if _, gerr := o.approvals.Get(ctx, req.ExecutionID); gerr != nil {
			o.failStage(req.ExecutionID, StageApproval, err)
			return err
		}
	}

	final, err := o.approvals.WaitForApproval(ctx, req.ExecutionID)
	if err != nil {
		o.failStage(req.ExecutionID, StageApproval, err)
		return err
	}

	switch final.Status {
	case structs.ApprovalStatusApproved:
		o.completeStage(req.ExecutionID, StageApproval, tracker.StageUpdate{
			Status:  structs.StageStatusSucceeded,
			Message: fmt.Sprintf("approved by %s", final.RespondedBy),
		})
		o.tracker.SetStatus(req.ExecutionID, structs.DeploymentStatusRunning)
		return nil
	case structs.ApprovalStatusRejected:
		err := structs.Permanent(fmt.Errorf("%w: by %s: %s",
			structs.ErrApprovalRejected, final.RespondedBy, final.ResponseReason))
		o.failStage(req.ExecutionID, StageApproval, err)
		return err
	case structs.ApprovalStatusExpired:
		err := structs.Permanent(fmt.Errorf("%w after %s",
			structs.ErrApprovalExpired, final.TimeoutAt.Sub(final.RequestedAt)))
		o.failStage(req.ExecutionID, StageApproval, err)
		return err
	default:
		return fmt.Errorf("approval wait returned non-terminal status %q", final.Status)
	}
}

func (o *Orchestrator) startStage(executionID, name string) {
	o.tracker.StartStage(executionID, name)
	o.events.Emit(event.Stage(name, "started"), map[string]interface{}{
		"execution_id": executionID,
	})
}

func (o *Orchestrator) completeStage(executionID, name string, up tracker.StageUpdate) {
	o.tracker.CompleteStage(executionID, name, up)
	outcome := "succeeded"
	if up.Status == structs.StageStatusFailed {
		outcome = "failed"
	}
	o.events.Emit(event.Stage(name, outcome), map[string]interface{}{
		"execution_id":   executionID,
		"nodes_deployed": up.NodesDeployed,
		"nodes_failed":   up.NodesFailed,
	})
}

func (o *Orchestrator) failStage(executionID, name string, err error) {
	o.completeStage(executionID, name, tracker.StageUpdate{
		Status:  structs.StageStatusFailed,
		Message: err.Error(),
	})
}

func (o *Orchestrator) skipStage(executionID, name string) {
	o.tracker.StartStage(executionID, name)
	o.tracker.CompleteStage(executionID, name, tracker.StageUpdate{Status: structs.StageStatusSkipped})
}

func (o *Orchestrator) finalizeSucceeded(req *structs.DeploymentRequest, start time.Time, nodeCount, deployed, failed int) error {
	o.tracker.SetStatus(req.ExecutionID, structs.DeploymentStatusSucceeded)
	metrics.IncrCounter([]string{"modroll", "deployment", "succeeded"}, 1)
	o.events.Emit(event.DeploymentSucceeded, o.terminalPayload(req, start, nodeCount, deployed, failed))
	o.logger.Info("deployment succeeded",
		"execution_id", req.ExecutionID, "duration", time.Since(start))
	return nil
}

func (o *Orchestrator) finalizeFailed(req *structs.DeploymentRequest, start time.Time, nodeCount, deployed, failed int, err error) error {
	o.tracker.SetError(req.ExecutionID, err)
	o.tracker.SetStatus(req.ExecutionID, structs.DeploymentStatusFailed)
	metrics.IncrCounter([]string{"modroll", "deployment", "failed"}, 1)
	payload := o.terminalPayload(req, start, nodeCount, deployed, failed)
	payload["error"] = err.Error()
	o.events.Emit(event.DeploymentFailed, payload)
	o.logger.Error("deployment failed",
		"execution_id", req.ExecutionID, "error", err, "duration", time.Since(start))
	return err
}

func (o *Orchestrator) finalizeCancelled(req *structs.DeploymentRequest, start time.Time, nodeCount int) error {
	o.tracker.SetStatus(req.ExecutionID, structs.DeploymentStatusCancelled)
	metrics.IncrCounter([]string{"modroll", "deployment", "cancelled"}, 1)
	o.events.Emit(event.DeploymentCancelled, o.terminalPayload(req, start, nodeCount, 0, 0))
	o.logger.Warn("deployment cancelled", "execution_id", req.ExecutionID)
	return context.Canceled
}

func (o *Orchestrator) terminalPayload(req *structs.DeploymentRequest, start time.Time, nodeCount, deployed, failed int) map[string]interface{} {
	return map[string]interface{}{
		"execution_id":   req.ExecutionID,
		"duration":       time.Since(start),
		"node_count":     nodeCount,
		"nodes_deployed": deployed,
		"nodes_failed":   failed,
	}
}
