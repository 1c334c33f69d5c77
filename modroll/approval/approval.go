// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package approval gates pipelines on external decisions. Pending requests
// live in the durable store; a periodic sweep expires the ones whose
// deadline passed. Waiters on this replica wake through the in-process
// broker, with a short poll as the cross-replica fallback.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"

	"github.com/modroll/modroll/modroll/event"
	"github.com/modroll/modroll/modroll/state"
	"github.com/modroll/modroll/modroll/structs"
)

const (
	// sweepInterval drives timeout expiry; it also bounds how stale a
	// cross-replica waiter's view can get.
	sweepInterval = time.Second

	// waiterPollInterval is the fallback poll for decisions taken on
	// another replica.
	waiterPollInterval = time.Second
)

// Service manages the approval request lifecycle.
type Service struct {
	store  state.Store
	events event.Emitter
	logger hclog.Logger

	mu      sync.Mutex
	waiters map[string][]chan *structs.ApprovalRequest

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewService returns a service; call Run to start the expiry sweep.
func NewService(store state.Store, events event.Emitter, logger hclog.Logger) *Service {
	return &Service{
		store:   store,
		events:  events,
		logger:  logger.Named("approval"),
		waiters: make(map[string][]chan *structs.ApprovalRequest),
		stopCh:  make(chan struct{}),
	}
}

// Run drives the expiry sweep until ctx is done or Stop is called.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop terminates the sweep loop.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Create registers a pending approval for the request and returns it.
func (s *Service) Create(ctx context.Context, req *structs.DeploymentRequest, timeout time.Duration) (*structs.ApprovalRequest, error) {
	now := time.Now()
	a := &structs.ApprovalRequest{
		ExecutionID:    req.ExecutionID,
		ApprovalID:     uuid.NewString(),
		RequesterEmail: req.RequesterEmail,
		Environment:    req.Environment,
		ModuleName:     req.ModuleName,
		Version:        req.Version,
		Status:         structs.ApprovalStatusPending,
		ApproverEmails: append([]string(nil), req.ApproverEmails...),
		RequestedAt:    now,
		TimeoutAt:      now.Add(timeout),
	}
	if err := s.store.CreateApproval(ctx, a); err != nil {
		return nil, fmt.Errorf("creating approval request: %w", err)
	}

	metrics.IncrCounter([]string{"modroll", "approval", "requested"}, 1)
	s.events.Emit(event.ApprovalRequested, map[string]interface{}{
		"execution_id": a.ExecutionID,
		"approval_id":  a.ApprovalID,
		"environment":  a.Environment,
		"module":       a.ModuleName,
		"version":      a.Version,
		"timeout_at":   a.TimeoutAt,
	})
	s.logger.Info("approval requested",
		"execution_id", a.ExecutionID, "approvers", len(a.ApproverEmails))
	return a.Copy(), nil
}

// Approve records an approval decision by approverEmail.
func (s *Service) Approve(ctx context.Context, executionID, approverEmail, reason string) error {
	return s.decide(ctx, executionID, structs.ApprovalStatusApproved, approverEmail, reason)
}

// Reject records a rejection by approverEmail.
func (s *Service) Reject(ctx context.Context, executionID, approverEmail, reason string) error {
	return s.decide(ctx, executionID, structs.ApprovalStatusRejected, approverEmail, reason)
}

func (s *Service) decide(ctx context.Context, executionID string, status structs.ApprovalStatus, by, reason string) error {
	a, err := s.store.GetApproval(ctx, executionID)
	if err != nil {
		return err
	}
	if !a.Authorized(by) {
		return fmt.Errorf("%w: %s", structs.ErrNotAuthorized, by)
	}
	if a.Status.Terminal() {
		return structs.ErrAlreadyDecided
	}

	decided, err := s.store.DecideApproval(ctx, executionID, status, by, reason, time.Now())
	if err != nil {
		return err
	}

	name := event.ApprovalGranted
	if status == structs.ApprovalStatusRejected {
		name = event.ApprovalRejected
	}
	s.events.Emit(name, map[string]interface{}{
		"execution_id": executionID,
		"responded_by": by,
		"reason":       reason,
	})
	s.logger.Info("approval decided",
		"execution_id", executionID, "status", status, "responded_by", by)

	s.notify(decided)
	return nil
}

// Get returns the approval request for an execution id.
func (s *Service) Get(ctx context.Context, executionID string) (*structs.ApprovalRequest, error) {
	return s.store.GetApproval(ctx, executionID)
}

// WaitForApproval blocks until the request reaches a terminal state and
// returns it. It wakes promptly on local decisions and sweep expirations;
// decisions taken on another replica are picked up by the poll fallback.
func (s *Service) WaitForApproval(ctx context.Context, executionID string) (*structs.ApprovalRequest, error) {
	ch := s.subscribe(executionID)
	defer s.unsubscribe(executionID, ch)

	// The decision may have landed before we subscribed.
	a, err := s.store.GetApproval(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if a.Status.Terminal() {
		return a, nil
	}

	ticker := time.NewTicker(waiterPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case decided := <-ch:
			return decided, nil
		case <-ticker.C:
			a, err := s.store.GetApproval(ctx, executionID)
			if err != nil {
				return nil, err
			}
			if a.Status.Terminal() {
				return a, nil
			}
		}
	}
}

func (s *Service) subscribe(executionID string) chan *structs.ApprovalRequest {
	ch := make(chan *structs.ApprovalRequest, 1)
	s.mu.Lock()
	s.waiters[executionID] = append(s.waiters[executionID], ch)
	s.mu.Unlock()
	return ch
}

func (s *Service) unsubscribe(executionID string, ch chan *structs.ApprovalRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chans := s.waiters[executionID]
	for i, c := range chans {
		if c == ch {
			s.waiters[executionID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(s.waiters[executionID]) == 0 {
		delete(s.waiters, executionID)
	}
}

func (s *Service) notify(a *structs.ApprovalRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.waiters[a.ExecutionID] {
		select {
		case ch <- a.Copy():
		default:
		}
	}
}

// sweep expires pending approvals past their deadline.
func (s *Service) sweep(ctx context.Context) {
	defer metrics.MeasureSince([]string{"modroll", "approval", "sweep"}, time.Now())

	expired, err := s.store.ExpireApprovals(ctx, time.Now())
	if err != nil {
		s.logger.Error("approval expiry sweep failed", "error", err)
		return
	}
	for _, a := range expired {
		metrics.IncrCounter([]string{"modroll", "approval", "expired"}, 1)
		s.events.Emit(event.ApprovalExpired, map[string]interface{}{
			"execution_id": a.ExecutionID,
			"timeout_at":   a.TimeoutAt,
		})
		s.logger.Info("approval expired", "execution_id", a.ExecutionID)
		s.notify(a)
	}
}
