// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/modroll/modroll/modroll/structs"
)

// InmemStore implements Store with process memory. It honors the same
// leasing semantics as the SQL store so the worker and orchestrator behave
// identically against either backend.
type InmemStore struct {
	mu        sync.Mutex
	nextID    int64
	jobs      map[string]*structs.DeploymentJob    // by deployment id
	approvals map[string]*structs.ApprovalRequest  // by execution id
}

// NewInmemStore returns an empty in-memory store.
func NewInmemStore() *InmemStore {
	return &InmemStore{
		jobs:      make(map[string]*structs.DeploymentJob),
		approvals: make(map[string]*structs.ApprovalRequest),
	}
}

func (s *InmemStore) EnqueueJob(_ context.Context, job *structs.DeploymentJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.DeploymentID]; ok {
		return fmt.Errorf("job %q already enqueued", job.DeploymentID)
	}
	s.nextID++
	job.ID = s.nextID
	job.Status = structs.JobStatusPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	s.jobs[job.DeploymentID] = job.Copy()
	return nil
}

func (s *InmemStore) GetJob(_ context.Context, executionID string) (*structs.DeploymentJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[executionID]
	if !ok {
		return nil, structs.ErrDeploymentNotFound
	}
	return job.Copy(), nil
}

func (s *InmemStore) ListJobs(_ context.Context, limit int) ([]*structs.DeploymentJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*structs.DeploymentJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// runnable mirrors the SQL claim predicate.
func runnable(job *structs.DeploymentJob, now time.Time) bool {
	switch job.Status {
	case structs.JobStatusPending:
		return true
	case structs.JobStatusFailed:
		// CompletedAt marks a permanent failure, not just exhausted retries.
		if job.CompletedAt != nil || job.RetriesExhausted() {
			return false
		}
		return job.NextRetryAt == nil || !job.NextRetryAt.After(now)
	}
	return false
}

func (s *InmemStore) ClaimJobs(_ context.Context, instance string, limit int, lease time.Duration) ([]*structs.DeploymentJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	candidates := make([]*structs.DeploymentJob, 0, limit)
	for _, job := range s.jobs {
		if runnable(job, now) {
			candidates = append(candidates, job)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]*structs.DeploymentJob, 0, len(candidates))
	for _, job := range candidates {
		job.Status = structs.JobStatusRunning
		started := now
		job.StartedAt = &started
		until := now.Add(lease)
		job.LockedUntil = &until
		job.ProcessingInstance = instance
		claimed = append(claimed, job.Copy())
	}
	return claimed, nil
}

// leased verifies the caller still owns the row and it is still in flight.
func (s *InmemStore) leased(executionID, instance string, now time.Time) (*structs.DeploymentJob, error) {
	job, ok := s.jobs[executionID]
	if !ok {
		return nil, structs.ErrDeploymentNotFound
	}
	if job.Status.Terminal() {
		return nil, structs.ErrJobDone
	}
	if job.Status != structs.JobStatusRunning ||
		job.ProcessingInstance != instance ||
		job.LockedUntil == nil || !job.LockedUntil.After(now) {
		return nil, structs.ErrLeaseLost
	}
	return job, nil
}

func (s *InmemStore) CompleteJob(_ context.Context, executionID, instance string, status structs.JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	job, err := s.leased(executionID, instance, now)
	if err != nil {
		return err
	}
	job.Status = status
	job.CompletedAt = &now
	job.LockedUntil = nil
	job.ErrorMessage = errMsg
	return nil
}

func (s *InmemStore) FailJob(_ context.Context, executionID, instance string, errMsg string, nextRetryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	job, err := s.leased(executionID, instance, now)
	if err != nil {
		return err
	}
	job.Status = structs.JobStatusFailed
	job.RetryCount++
	job.LockedUntil = nil
	job.ErrorMessage = errMsg
	if nextRetryAt != nil {
		at := *nextRetryAt
		job.NextRetryAt = &at
	} else {
		job.NextRetryAt = nil
		job.CompletedAt = &now
	}
	return nil
}

func (s *InmemStore) RecoverOrphans(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var recovered int
	for _, job := range s.jobs {
		if job.Status != structs.JobStatusRunning ||
			job.LockedUntil == nil || job.LockedUntil.After(now) {
			continue
		}
		job.Status = structs.JobStatusFailed
		job.RetryCount++
		job.LockedUntil = nil
		job.ProcessingInstance = ""
		job.ErrorMessage = OrphanedLeaseError
		if job.RetriesExhausted() {
			job.NextRetryAt = nil
			completed := now
			job.CompletedAt = &completed
		} else {
			at := now.Add(structs.RetryBackoff(job.RetryCount))
			job.NextRetryAt = &at
		}
		recovered++
	}
	return recovered, nil
}

func (s *InmemStore) CreateApproval(_ context.Context, a *structs.ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.approvals[a.ExecutionID]; ok {
		return fmt.Errorf("approval for %q already exists", a.ExecutionID)
	}
	s.approvals[a.ExecutionID] = a.Copy()
	return nil
}

func (s *InmemStore) GetApproval(_ context.Context, executionID string) (*structs.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[executionID]
	if !ok {
		return nil, structs.ErrApprovalNotFound
	}
	return a.Copy(), nil
}

func (s *InmemStore) DecideApproval(_ context.Context, executionID string, status structs.ApprovalStatus, by, reason string, at time.Time) (*structs.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.approvals[executionID]
	if !ok {
		return nil, structs.ErrApprovalNotFound
	}
	if a.Status.Terminal() {
		return nil, structs.ErrAlreadyDecided
	}
	a.Status = status
	a.RespondedAt = &at
	a.RespondedBy = by
	a.ResponseReason = reason
	return a.Copy(), nil
}

func (s *InmemStore) ExpireApprovals(_ context.Context, now time.Time) ([]*structs.ApprovalRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*structs.ApprovalRequest
	for _, a := range s.approvals {
		if a.Status != structs.ApprovalStatusPending || a.TimeoutAt.After(now) {
			continue
		}
		a.Status = structs.ApprovalStatusExpired
		at := now
		a.RespondedAt = &at
		expired = append(expired, a.Copy())
	}
	return expired, nil
}

func (s *InmemStore) Close() error { return nil }
