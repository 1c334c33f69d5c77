// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"context"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/modroll/modroll/ci"
	"github.com/modroll/modroll/helper/pointer"
	"github.com/modroll/modroll/modroll/mock"
	"github.com/modroll/modroll/modroll/structs"
)

func TestInmemStore_EnqueueAndGet(t *testing.T) {
	ci.Parallel(t)

	store := NewInmemStore()
	ctx := context.Background()
	job := mock.Job(mock.DeploymentRequest())

	must.NoError(t, store.EnqueueJob(ctx, job))
	must.Error(t, store.EnqueueJob(ctx, job))

	got, err := store.GetJob(ctx, job.DeploymentID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusPending, got.Status)
	must.Eq(t, job.Payload.ModuleName, got.Payload.ModuleName)

	_, err = store.GetJob(ctx, "missing")
	must.ErrorIs(t, err, structs.ErrDeploymentNotFound)
}

func TestInmemStore_ClaimJobs(t *testing.T) {
	ci.Parallel(t)

	store := NewInmemStore()
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		job := mock.Job(mock.DeploymentRequest())
		job.CreatedAt = time.Now().Add(time.Duration(i) * time.Millisecond)
		must.NoError(t, store.EnqueueJob(ctx, job))
		ids = append(ids, job.DeploymentID)
	}

	// Claims are ordered oldest-first and capped at the limit.
	claimed, err := store.ClaimJobs(ctx, "worker-a", 2, time.Minute)
	must.NoError(t, err)
	must.Len(t, 2, claimed)
	must.Eq(t, ids[0], claimed[0].DeploymentID)
	must.Eq(t, ids[1], claimed[1].DeploymentID)
	for _, job := range claimed {
		must.Eq(t, structs.JobStatusRunning, job.Status)
		must.Eq(t, "worker-a", job.ProcessingInstance)
		must.NotNil(t, job.LockedUntil)
	}

	// Claimed rows are invisible to a second claimer.
	rest, err := store.ClaimJobs(ctx, "worker-b", 10, time.Minute)
	must.NoError(t, err)
	must.Len(t, 1, rest)
	must.Eq(t, ids[2], rest[0].DeploymentID)
}

func TestInmemStore_ClaimSkipsBackoff(t *testing.T) {
	ci.Parallel(t)

	store := NewInmemStore()
	ctx := context.Background()
	job := mock.Job(mock.DeploymentRequest())
	must.NoError(t, store.EnqueueJob(ctx, job))

	claimed, err := store.ClaimJobs(ctx, "w", 1, time.Minute)
	must.NoError(t, err)
	must.Len(t, 1, claimed)

	// Fail with a retry scheduled in the future: not yet runnable.
	at := time.Now().Add(time.Hour)
	must.NoError(t, store.FailJob(ctx, job.DeploymentID, "w", "boom", &at))

	claimed, err = store.ClaimJobs(ctx, "w", 1, time.Minute)
	must.NoError(t, err)
	must.Len(t, 0, claimed)

	got, err := store.GetJob(ctx, job.DeploymentID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusFailed, got.Status)
	must.Eq(t, 1, got.RetryCount)
	must.Nil(t, got.CompletedAt)
}

func TestInmemStore_ClaimRunsDueRetry(t *testing.T) {
	ci.Parallel(t)

	store := NewInmemStore()
	ctx := context.Background()
	job := mock.Job(mock.DeploymentRequest())
	must.NoError(t, store.EnqueueJob(ctx, job))

	_, err := store.ClaimJobs(ctx, "w", 1, time.Minute)
	must.NoError(t, err)

	at := time.Now().Add(-time.Second)
	must.NoError(t, store.FailJob(ctx, job.DeploymentID, "w", "boom", &at))

	claimed, err := store.ClaimJobs(ctx, "w", 1, time.Minute)
	must.NoError(t, err)
	must.Len(t, 1, claimed)
	must.Eq(t, 1, claimed[0].RetryCount)
}

func TestInmemStore_PermanentFailureNotRunnable(t *testing.T) {
	ci.Parallel(t)

	store := NewInmemStore()
	ctx := context.Background()
	job := mock.Job(mock.DeploymentRequest())
	must.NoError(t, store.EnqueueJob(ctx, job))

	_, err := store.ClaimJobs(ctx, "w", 1, time.Minute)
	must.NoError(t, err)

	// nil nextRetryAt marks the failure permanent.
	must.NoError(t, store.FailJob(ctx, job.DeploymentID, "w", "bad request", nil))

	claimed, err := store.ClaimJobs(ctx, "w", 1, time.Minute)
	must.NoError(t, err)
	must.Len(t, 0, claimed)

	got, err := store.GetJob(ctx, job.DeploymentID)
	must.NoError(t, err)
	must.NotNil(t, got.CompletedAt)
}

func TestInmemStore_LeaseGuard(t *testing.T) {
	ci.Parallel(t)

	store := NewInmemStore()
	ctx := context.Background()
	job := mock.Job(mock.DeploymentRequest())
	must.NoError(t, store.EnqueueJob(ctx, job))

	// Not yet claimed: no lease to lose, but the row exists.
	err := store.CompleteJob(ctx, job.DeploymentID, "w", structs.JobStatusSucceeded, "")
	must.ErrorIs(t, err, structs.ErrLeaseLost)

	_, err = store.ClaimJobs(ctx, "worker-a", 1, time.Minute)
	must.NoError(t, err)

	// Wrong instance cannot finish the row.
	err = store.CompleteJob(ctx, job.DeploymentID, "worker-b", structs.JobStatusSucceeded, "")
	must.ErrorIs(t, err, structs.ErrLeaseLost)

	// The owner can.
	must.NoError(t, store.CompleteJob(ctx, job.DeploymentID, "worker-a", structs.JobStatusSucceeded, ""))

	// Finished rows report done, not a lost lease.
	err = store.CompleteJob(ctx, job.DeploymentID, "worker-a", structs.JobStatusSucceeded, "")
	must.ErrorIs(t, err, structs.ErrJobDone)
	err = store.FailJob(ctx, job.DeploymentID, "worker-a", "boom", nil)
	must.ErrorIs(t, err, structs.ErrJobDone)

	// An unknown row reports not-found, not a lost lease.
	err = store.CompleteJob(ctx, "missing", "worker-a", structs.JobStatusSucceeded, "")
	must.ErrorIs(t, err, structs.ErrDeploymentNotFound)
}

func TestInmemStore_RecoverOrphans(t *testing.T) {
	ci.Parallel(t)

	store := NewInmemStore()
	ctx := context.Background()

	job := mock.Job(mock.DeploymentRequest())
	must.NoError(t, store.EnqueueJob(ctx, job))

	// Claim with an already-expired lease to simulate a dead worker.
	claimed, err := store.ClaimJobs(ctx, "dead-worker", 1, -time.Second)
	must.NoError(t, err)
	must.Len(t, 1, claimed)

	n, err := store.RecoverOrphans(ctx)
	must.NoError(t, err)
	must.Eq(t, 1, n)

	got, err := store.GetJob(ctx, job.DeploymentID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusFailed, got.Status)
	must.Eq(t, 1, got.RetryCount)
	must.Eq(t, OrphanedLeaseError, got.ErrorMessage)
	must.Eq(t, "", got.ProcessingInstance)
	must.NotNil(t, got.NextRetryAt)

	// A healthy lease is left alone.
	job2 := mock.Job(mock.DeploymentRequest())
	must.NoError(t, store.EnqueueJob(ctx, job2))
	_, err = store.ClaimJobs(ctx, "live-worker", 1, time.Hour)
	must.NoError(t, err)

	n, err = store.RecoverOrphans(ctx)
	must.NoError(t, err)
	must.Eq(t, 0, n)
}

func TestInmemStore_RecoverOrphansExhaustsRetries(t *testing.T) {
	ci.Parallel(t)

	store := NewInmemStore()
	ctx := context.Background()

	job := mock.Job(mock.DeploymentRequest())
	job.MaxRetries = 1
	must.NoError(t, store.EnqueueJob(ctx, job))

	_, err := store.ClaimJobs(ctx, "dead", 1, -time.Second)
	must.NoError(t, err)

	n, err := store.RecoverOrphans(ctx)
	must.NoError(t, err)
	must.Eq(t, 1, n)

	got, err := store.GetJob(ctx, job.DeploymentID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusFailed, got.Status)
	must.Nil(t, got.NextRetryAt)
	must.NotNil(t, got.CompletedAt)

	// Exhausted rows never become runnable again.
	claimed, err := store.ClaimJobs(ctx, "w", 1, time.Minute)
	must.NoError(t, err)
	must.Len(t, 0, claimed)
}

func TestInmemStore_ListJobs(t *testing.T) {
	ci.Parallel(t)

	store := NewInmemStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		job := mock.Job(mock.DeploymentRequest())
		job.CreatedAt = time.Now().Add(time.Duration(i) * time.Millisecond)
		must.NoError(t, store.EnqueueJob(ctx, job))
	}

	jobs, err := store.ListJobs(ctx, 0)
	must.NoError(t, err)
	must.Len(t, 3, jobs)
	// Newest first.
	must.True(t, jobs[0].CreatedAt.After(jobs[2].CreatedAt))

	jobs, err = store.ListJobs(ctx, 2)
	must.NoError(t, err)
	must.Len(t, 2, jobs)
}

func testApproval(executionID string) *structs.ApprovalRequest {
	return &structs.ApprovalRequest{
		ExecutionID:    executionID,
		ApprovalID:     "appr-" + executionID,
		RequesterEmail: "dev@example.com",
		Environment:    structs.EnvProduction,
		ModuleName:     "auth",
		Version:        "1.0.0",
		Status:         structs.ApprovalStatusPending,
		ApproverEmails: []string{"lead@example.com"},
		RequestedAt:    time.Now(),
		TimeoutAt:      time.Now().Add(15 * time.Minute),
	}
}

func TestInmemStore_Approvals(t *testing.T) {
	ci.Parallel(t)

	store := NewInmemStore()
	ctx := context.Background()

	a := testApproval("exec-1")
	must.NoError(t, store.CreateApproval(ctx, a))
	must.Error(t, store.CreateApproval(ctx, a))

	got, err := store.GetApproval(ctx, "exec-1")
	must.NoError(t, err)
	must.Eq(t, structs.ApprovalStatusPending, got.Status)

	_, err = store.GetApproval(ctx, "missing")
	must.ErrorIs(t, err, structs.ErrApprovalNotFound)

	now := time.Now()
	decided, err := store.DecideApproval(ctx, "exec-1", structs.ApprovalStatusApproved, "lead@example.com", "lgtm", now)
	must.NoError(t, err)
	must.Eq(t, structs.ApprovalStatusApproved, decided.Status)
	must.Eq(t, "lead@example.com", decided.RespondedBy)

	// Second decision loses.
	_, err = store.DecideApproval(ctx, "exec-1", structs.ApprovalStatusRejected, "other@example.com", "", now)
	must.ErrorIs(t, err, structs.ErrAlreadyDecided)
}

func TestInmemStore_ExpireApprovals(t *testing.T) {
	ci.Parallel(t)

	store := NewInmemStore()
	ctx := context.Background()

	due := testApproval("exec-due")
	due.TimeoutAt = time.Now().Add(-time.Minute)
	must.NoError(t, store.CreateApproval(ctx, due))

	fresh := testApproval("exec-fresh")
	must.NoError(t, store.CreateApproval(ctx, fresh))

	decided := testApproval("exec-decided")
	decided.TimeoutAt = time.Now().Add(-time.Minute)
	decided.Status = structs.ApprovalStatusApproved
	decided.RespondedAt = pointer.Of(time.Now())
	must.NoError(t, store.CreateApproval(ctx, decided))

	expired, err := store.ExpireApprovals(ctx, time.Now())
	must.NoError(t, err)
	must.Len(t, 1, expired)
	must.Eq(t, "exec-due", expired[0].ExecutionID)
	must.Eq(t, structs.ApprovalStatusExpired, expired[0].Status)

	// Sweep is idempotent.
	expired, err = store.ExpireApprovals(ctx, time.Now())
	must.NoError(t, err)
	must.Len(t, 0, expired)
}
