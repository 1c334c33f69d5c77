// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state persists deployment jobs and approval requests. The SQL
// store is the production backend and carries the cross-replica leasing
// semantics; the in-memory store implements the same contract for dev mode
// and tests.
package state

import (
	"context"
	"time"

	"github.com/modroll/modroll/modroll/structs"
)

// Store is the durable backend shared by orchestrator replicas.
//
// Leasing rules: ClaimJobs hands each claimed row to exactly one instance at
// a time; CompleteJob and FailJob verify the caller still holds the lease
// and return structs.ErrLeaseLost otherwise, at which point the caller must
// abort rather than continue.
type Store interface {
	// EnqueueJob inserts a pending job row and assigns its surrogate id.
	EnqueueJob(ctx context.Context, job *structs.DeploymentJob) error

	// GetJob returns the job for a deployment execution id.
	GetJob(ctx context.Context, executionID string) (*structs.DeploymentJob, error)

	// ListJobs returns up to limit jobs, newest first.
	ListJobs(ctx context.Context, limit int) ([]*structs.DeploymentJob, error)

	// ClaimJobs leases up to limit runnable rows to instance. Runnable
	// means pending, or failed with retry budget left and NextRetryAt due.
	// Rows already leased by another instance are skipped, never blocked on.
	ClaimJobs(ctx context.Context, instance string, limit int, lease time.Duration) ([]*structs.DeploymentJob, error)

	// CompleteJob finishes a leased row with a terminal status.
	CompleteJob(ctx context.Context, executionID, instance string, status structs.JobStatus, errMsg string) error

	// FailJob records a failed attempt on a leased row, incrementing the
	// retry count. A nil nextRetryAt marks the failure permanent.
	FailJob(ctx context.Context, executionID, instance string, errMsg string, nextRetryAt *time.Time) error

	// RecoverOrphans moves rows whose lease expired while Running back to
	// Failed, subject to the retry rules. Returns how many were recovered.
	RecoverOrphans(ctx context.Context) (int, error)

	// CreateApproval inserts a pending approval request.
	CreateApproval(ctx context.Context, a *structs.ApprovalRequest) error

	// GetApproval returns the approval request for an execution id.
	GetApproval(ctx context.Context, executionID string) (*structs.ApprovalRequest, error)

	// DecideApproval transitions a pending approval to the given terminal
	// status. Returns structs.ErrAlreadyDecided if it is no longer pending.
	DecideApproval(ctx context.Context, executionID string, status structs.ApprovalStatus, by, reason string, at time.Time) (*structs.ApprovalRequest, error)

	// ExpireApprovals expires every pending approval whose TimeoutAt has
	// passed and returns them.
	ExpireApprovals(ctx context.Context, now time.Time) ([]*structs.ApprovalRequest, error)

	// Close releases the backend.
	Close() error
}

// OrphanedLeaseError is the error message recorded on rows recovered by the
// orphan sweep.
const OrphanedLeaseError = "orphaned lease: processing instance lost its lease"
