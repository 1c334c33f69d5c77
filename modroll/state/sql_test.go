// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/shoenig/test/must"

	"github.com/modroll/modroll/ci"
	"github.com/modroll/modroll/helper/testlog"
	"github.com/modroll/modroll/modroll/mock"
	"github.com/modroll/modroll/modroll/structs"
)

func mockStore(t *testing.T) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, sm, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	must.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(sqlx.NewDb(db, "pgx"), testlog.HCLogger(t)), sm
}

func jobRowValues(t *testing.T, job *structs.DeploymentJob) []driver.Value {
	t.Helper()
	payload, err := json.Marshal(job.Payload)
	must.NoError(t, err)
	return []driver.Value{
		job.ID, job.DeploymentID, payload, string(job.Status), job.CreatedAt,
		job.StartedAt, job.CompletedAt, job.RetryCount, job.MaxRetries,
		job.NextRetryAt, job.LockedUntil, job.ProcessingInstance, job.ErrorMessage,
	}
}

var jobCols = []string{
	"id", "deployment_id", "payload", "status", "created_at", "started_at",
	"completed_at", "retry_count", "max_retries", "next_retry_at",
	"locked_until", "processing_instance", "error_message",
}

func TestSQLStore_EnqueueJob(t *testing.T) {
	ci.Parallel(t)

	store, sm := mockStore(t)
	job := mock.Job(mock.DeploymentRequest())

	created := time.Now()
	sm.ExpectQuery(`INSERT INTO deployment_jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), created))

	must.NoError(t, store.EnqueueJob(context.Background(), job))
	must.Eq(t, int64(7), job.ID)
	must.Eq(t, structs.JobStatusPending, job.Status)
	must.NoError(t, sm.ExpectationsWereMet())
}

func TestSQLStore_ClaimJobs(t *testing.T) {
	ci.Parallel(t)

	store, sm := mockStore(t)
	job := mock.Job(mock.DeploymentRequest())
	job.ID = 1
	job.Status = structs.JobStatusRunning
	job.ProcessingInstance = "worker-a"

	sm.ExpectQuery(`WITH claimable AS`).
		WillReturnRows(sqlmock.NewRows(jobCols).AddRow(jobRowValues(t, job)...))

	claimed, err := store.ClaimJobs(context.Background(), "worker-a", 4, 30*time.Minute)
	must.NoError(t, err)
	must.Len(t, 1, claimed)
	must.Eq(t, job.DeploymentID, claimed[0].DeploymentID)
	must.Eq(t, job.Payload.ModuleName, claimed[0].Payload.ModuleName)
	must.NoError(t, sm.ExpectationsWereMet())
}

func TestSQLStore_GetJob_NotFound(t *testing.T) {
	ci.Parallel(t)

	store, sm := mockStore(t)
	sm.ExpectQuery(`SELECT .+ FROM deployment_jobs`).
		WillReturnRows(sqlmock.NewRows(jobCols))

	_, err := store.GetJob(context.Background(), "missing")
	must.ErrorIs(t, err, structs.ErrDeploymentNotFound)
	must.NoError(t, sm.ExpectationsWereMet())
}

func TestSQLStore_CompleteJob_LeaseLost(t *testing.T) {
	ci.Parallel(t)

	store, sm := mockStore(t)

	// Zero rows updated with the row still in flight: the lease moved on.
	sm.ExpectExec(`UPDATE deployment_jobs`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	sm.ExpectQuery(`SELECT status FROM deployment_jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("running"))

	err := store.CompleteJob(context.Background(), "exec-1", "worker-a", structs.JobStatusSucceeded, "")
	must.ErrorIs(t, err, structs.ErrLeaseLost)
	must.NoError(t, sm.ExpectationsWereMet())
}

func TestSQLStore_CompleteJob_AlreadyDone(t *testing.T) {
	ci.Parallel(t)

	store, sm := mockStore(t)

	// Zero rows updated because another replica already finished the row.
	sm.ExpectExec(`UPDATE deployment_jobs`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	sm.ExpectQuery(`SELECT status FROM deployment_jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("succeeded"))

	err := store.CompleteJob(context.Background(), "exec-1", "worker-a", structs.JobStatusSucceeded, "")
	must.ErrorIs(t, err, structs.ErrJobDone)
	must.NoError(t, sm.ExpectationsWereMet())
}

func TestSQLStore_CompleteJob_RowGone(t *testing.T) {
	ci.Parallel(t)

	store, sm := mockStore(t)

	sm.ExpectExec(`UPDATE deployment_jobs`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	sm.ExpectQuery(`SELECT status FROM deployment_jobs`).
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	err := store.CompleteJob(context.Background(), "exec-1", "worker-a", structs.JobStatusSucceeded, "")
	must.ErrorIs(t, err, structs.ErrDeploymentNotFound)
	must.NoError(t, sm.ExpectationsWereMet())
}

func TestSQLStore_FailJob_HeldLease(t *testing.T) {
	ci.Parallel(t)

	store, sm := mockStore(t)

	sm.ExpectExec(`UPDATE deployment_jobs`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	at := time.Now().Add(2 * time.Minute)
	err := store.FailJob(context.Background(), "exec-1", "worker-a", "boom", &at)
	must.NoError(t, err)
	must.NoError(t, sm.ExpectationsWereMet())
}

var approvalCols = []string{
	"execution_id", "approval_id", "requester_email", "environment",
	"module_name", "version", "status", "approver_emails", "requested_at",
	"timeout_at", "responded_at", "responded_by", "response_reason",
}

func TestSQLStore_DecideApproval_AlreadyDecided(t *testing.T) {
	ci.Parallel(t)

	store, sm := mockStore(t)
	now := time.Now()

	// The conditional update misses because the row is already terminal;
	// the follow-up read finds it, so the caller gets the precise error.
	sm.ExpectQuery(`UPDATE approval_requests`).
		WillReturnRows(sqlmock.NewRows(approvalCols))
	sm.ExpectQuery(`SELECT .+ FROM approval_requests`).
		WillReturnRows(sqlmock.NewRows(approvalCols).AddRow(
			"exec-1", "appr-1", "dev@example.com", "production",
			"auth", "1.0.0", "approved", []byte(`["lead@example.com"]`),
			now, now.Add(15*time.Minute), now, "lead@example.com", "lgtm"))

	_, err := store.DecideApproval(context.Background(), "exec-1", structs.ApprovalStatusRejected, "other@example.com", "", now)
	must.ErrorIs(t, err, structs.ErrAlreadyDecided)
	must.NoError(t, sm.ExpectationsWereMet())
}

func TestSQLStore_DecideApproval_NotFound(t *testing.T) {
	ci.Parallel(t)

	store, sm := mockStore(t)
	now := time.Now()

	sm.ExpectQuery(`UPDATE approval_requests`).
		WillReturnRows(sqlmock.NewRows(approvalCols))
	sm.ExpectQuery(`SELECT .+ FROM approval_requests`).
		WillReturnRows(sqlmock.NewRows(approvalCols))

	_, err := store.DecideApproval(context.Background(), "missing", structs.ApprovalStatusApproved, "lead@example.com", "", now)
	must.ErrorIs(t, err, structs.ErrApprovalNotFound)
	must.NoError(t, sm.ExpectationsWereMet())
}

func TestSQLStore_ExpireApprovals(t *testing.T) {
	ci.Parallel(t)

	store, sm := mockStore(t)
	now := time.Now()

	sm.ExpectQuery(`UPDATE approval_requests`).
		WillReturnRows(sqlmock.NewRows(approvalCols).AddRow(
			"exec-1", "appr-1", "dev@example.com", "production",
			"auth", "1.0.0", "expired", []byte(`[]`),
			now.Add(-20*time.Minute), now.Add(-time.Minute), now, "", ""))

	expired, err := store.ExpireApprovals(context.Background(), now)
	must.NoError(t, err)
	must.Len(t, 1, expired)
	must.Eq(t, structs.ApprovalStatusExpired, expired[0].Status)
	must.NoError(t, sm.ExpectationsWereMet())
}
