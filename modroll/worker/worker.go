// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package worker runs the background job processor. Each orchestrator
// replica runs one: it sweeps orphaned leases, claims runnable job rows
// with skip-locked semantics, drives them through the pipeline in parallel
// and converts escaped failures into retryable rows with exponential
// backoff.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/modroll/modroll/modroll/orchestrator"
	"github.com/modroll/modroll/modroll/state"
	"github.com/modroll/modroll/modroll/structs"
)

// Config tunes the claim loop.
type Config struct {
	// PollInterval is the sleep between claim cycles.
	PollInterval time.Duration

	// MaxConcurrentJobs caps the rows claimed per cycle.
	MaxConcurrentJobs int

	// LeaseDuration is how long a claim holds a row. It must exceed the
	// longest expected pipeline; an expired lease makes the row fair game
	// for the orphan sweep.
	LeaseDuration time.Duration

	// Instance identifies this replica in the lease fields. Defaults to
	// the hostname.
	Instance string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	host, _ := os.Hostname()
	return &Config{
		PollInterval:      5 * time.Second,
		MaxConcurrentJobs: 4,
		LeaseDuration:     30 * time.Minute,
		Instance:          host,
	}
}

// Worker is the long-running job processor.
type Worker struct {
	cfg    *Config
	store  state.Store
	orch   *orchestrator.Orchestrator
	logger hclog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
}

// New returns a worker; call Run to start it.
func New(cfg *Config, store state.Store, orch *orchestrator.Orchestrator, logger hclog.Logger) *Worker {
	if cfg.Instance == "" {
		cfg.Instance, _ = os.Hostname()
	}
	return &Worker{
		cfg:    cfg,
		store:  store,
		orch:   orch,
		logger: logger.Named("worker").With("instance", cfg.Instance),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Run drives claim cycles until ctx is done or Stop is called.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.doneCh)
	w.logger.Info("job processor started",
		"poll_interval", w.cfg.PollInterval, "max_concurrent", w.cfg.MaxConcurrentJobs)

	for {
		w.runCycle(ctx)

		select {
		case <-ctx.Done():
			w.logger.Info("job processor stopping", "reason", ctx.Err())
			return
		case <-w.stopCh:
			w.logger.Info("job processor stopping")
			return
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// Stop terminates the claim loop and waits for in-flight jobs.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

// runCycle performs one sweep-claim-process round.
func (w *Worker) runCycle(ctx context.Context) {
	defer metrics.MeasureSince([]string{"modroll", "worker", "cycle"}, time.Now())

	if recovered, err := w.store.RecoverOrphans(ctx); err != nil {
		w.logger.Error("orphan lease sweep failed", "error", err)
	} else if recovered > 0 {
		metrics.IncrCounter([]string{"modroll", "worker", "orphans_recovered"}, float32(recovered))
	}

	jobs, err := w.store.ClaimJobs(ctx, w.cfg.Instance, w.cfg.MaxConcurrentJobs, w.cfg.LeaseDuration)
	if err != nil {
		w.logger.Error("failed to claim jobs", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}
	metrics.IncrCounter([]string{"modroll", "worker", "claimed"}, float32(len(jobs)))

	var wg sync.WaitGroup
	for _, job := range jobs {
		wg.Add(1)
		go func(job *structs.DeploymentJob) {
			defer wg.Done()
			w.process(ctx, job)
		}(job)
	}
	wg.Wait()
}

// process runs one claimed job and persists its terminal row transition.
func (w *Worker) process(ctx context.Context, job *structs.DeploymentJob) {
	logger := w.logger.With("execution_id", job.DeploymentID, "attempt", job.RetryCount+1)
	logger.Info("processing deployment job")

	err := w.invoke(ctx, job)

	switch {
	case err == nil:
		w.finish(ctx, job, structs.JobStatusSucceeded, "")

	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		w.finish(ctx, job, structs.JobStatusCancelled, err.Error())

	case structs.IsPermanent(err):
		logger.Error("job failed permanently", "error", err)
		w.fail(ctx, job, err, nil)

	default:
		retryCount := job.RetryCount + 1
		if retryCount >= job.MaxRetries {
			logger.Error("job failed, retries exhausted",
				"error", err, "retry_count", retryCount)
			w.fail(ctx, job, err, nil)
			return
		}
		at := time.Now().Add(structs.RetryBackoff(retryCount))
		logger.Warn("job failed, scheduling retry",
			"error", err, "retry_count", retryCount, "next_retry_at", at)
		metrics.IncrCounter([]string{"modroll", "worker", "retries"}, 1)
		w.fail(ctx, job, err, &at)
	}
}

// invoke shields the loop from panics escaping the pipeline; they become
// retryable failures like any other unexpected error.
func (w *Worker) invoke(ctx context.Context, job *structs.DeploymentJob) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	return w.orch.Execute(ctx, job)
}

// finish and fail run on a detached context: the run context is already
// cancelled when shutdown interrupts a pipeline, and the terminal transition
// must still reach the store or the orphan sweep re-queues a pipeline that
// already concluded.
func (w *Worker) finish(ctx context.Context, job *structs.DeploymentJob, status structs.JobStatus, errMsg string) {
	err := w.store.CompleteJob(context.WithoutCancel(ctx), job.DeploymentID, w.cfg.Instance, status, errMsg)
	w.checkLease(job, err)
}

func (w *Worker) fail(ctx context.Context, job *structs.DeploymentJob, cause error, nextRetryAt *time.Time) {
	err := w.store.FailJob(context.WithoutCancel(ctx), job.DeploymentID, w.cfg.Instance, cause.Error(), nextRetryAt)
	w.checkLease(job, err)
}

// checkLease reacts to a row that is no longer ours, either because the
// lease moved on or another replica already finished it; this replica must
// not touch it further.
func (w *Worker) checkLease(job *structs.DeploymentJob, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, structs.ErrLeaseLost) || errors.Is(err, structs.ErrJobDone) {
		metrics.IncrCounter([]string{"modroll", "worker", "lease_lost"}, 1)
		w.logger.Error("job row no longer owned, aborting",
			"execution_id", job.DeploymentID, "error", err)
		return
	}
	w.logger.Error("failed to persist job transition",
		"execution_id", job.DeploymentID, "error", err)
}
