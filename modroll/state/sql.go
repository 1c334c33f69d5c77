// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/modroll/modroll/modroll/structs"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLStore implements Store on postgres. Claiming uses FOR UPDATE SKIP
// LOCKED so two replicas never lease the same row; every post-claim write is
// guarded by the (instance, locked_until) lease predicate.
type SQLStore struct {
	db     *sqlx.DB
	logger hclog.Logger
}

// Open connects to the database, runs pending migrations and returns the
// store.
func Open(dsn string, logger hclog.Logger) (*SQLStore, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, err
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return NewSQLStore(db, logger), nil
}

// NewSQLStore wraps an existing connection without running migrations.
func NewSQLStore(db *sqlx.DB, logger hclog.Logger) *SQLStore {
	return &SQLStore{db: db, logger: logger.Named("state")}
}

// DB exposes the underlying pool, for sharing it with the advisory locker.
func (s *SQLStore) DB() *sql.DB {
	return s.db.DB
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// jobRow is the scan target for deployment_jobs.
type jobRow struct {
	ID                 int64           `db:"id"`
	DeploymentID       string          `db:"deployment_id"`
	Payload            json.RawMessage `db:"payload"`
	Status             string          `db:"status"`
	CreatedAt          time.Time       `db:"created_at"`
	StartedAt          *time.Time      `db:"started_at"`
	CompletedAt        *time.Time      `db:"completed_at"`
	RetryCount         int             `db:"retry_count"`
	MaxRetries         int             `db:"max_retries"`
	NextRetryAt        *time.Time      `db:"next_retry_at"`
	LockedUntil        *time.Time      `db:"locked_until"`
	ProcessingInstance string          `db:"processing_instance"`
	ErrorMessage       string          `db:"error_message"`
}

const jobColumns = `id, deployment_id, payload, status, created_at, started_at,
	completed_at, retry_count, max_retries, next_retry_at, locked_until,
	processing_instance, error_message`

func (r *jobRow) toStruct() (*structs.DeploymentJob, error) {
	var payload structs.DeploymentRequest
	if err := json.Unmarshal(r.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decoding job payload: %w", err)
	}
	return &structs.DeploymentJob{
		ID:                 r.ID,
		DeploymentID:       r.DeploymentID,
		Payload:            &payload,
		Status:             structs.JobStatus(r.Status),
		CreatedAt:          r.CreatedAt,
		StartedAt:          r.StartedAt,
		CompletedAt:        r.CompletedAt,
		RetryCount:         r.RetryCount,
		MaxRetries:         r.MaxRetries,
		NextRetryAt:        r.NextRetryAt,
		LockedUntil:        r.LockedUntil,
		ProcessingInstance: r.ProcessingInstance,
		ErrorMessage:       r.ErrorMessage,
	}, nil
}

func (s *SQLStore) EnqueueJob(ctx context.Context, job *structs.DeploymentJob) error {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("encoding job payload: %w", err)
	}

	row := s.db.QueryRowxContext(ctx, `
		INSERT INTO deployment_jobs (deployment_id, payload, status, max_retries)
		VALUES ($1, $2, 'pending', $3)
		RETURNING id, created_at`,
		job.DeploymentID, payload, job.MaxRetries)

	job.Status = structs.JobStatusPending
	return row.Scan(&job.ID, &job.CreatedAt)
}

func (s *SQLStore) GetJob(ctx context.Context, executionID string) (*structs.DeploymentJob, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+jobColumns+` FROM deployment_jobs WHERE deployment_id = $1`,
		executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, structs.ErrDeploymentNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toStruct()
}

func (s *SQLStore) ListJobs(ctx context.Context, limit int) ([]*structs.DeploymentJob, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM deployment_jobs ORDER BY created_at DESC LIMIT $1`,
		limit)
	if err != nil {
		return nil, err
	}

	jobs := make([]*structs.DeploymentJob, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toStruct()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *SQLStore) ClaimJobs(ctx context.Context, instance string, limit int, lease time.Duration) ([]*structs.DeploymentJob, error) {
	now := time.Now()
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
		WITH claimable AS (
			SELECT id FROM deployment_jobs
			WHERE (status = 'pending')
			   OR (status = 'failed'
			       AND completed_at IS NULL
			       AND retry_count < max_retries
			       AND (next_retry_at IS NULL OR next_retry_at <= $3))
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		UPDATE deployment_jobs j
		SET status = 'running',
		    started_at = $3,
		    locked_until = $2,
		    processing_instance = $1
		FROM claimable
		WHERE j.id = claimable.id
		RETURNING `+jobColumnsQualified("j"),
		instance, now.Add(lease), now, limit)
	if err != nil {
		return nil, fmt.Errorf("claiming jobs: %w", err)
	}

	jobs := make([]*structs.DeploymentJob, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toStruct()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func jobColumnsQualified(alias string) string {
	return alias + `.id, ` + alias + `.deployment_id, ` + alias + `.payload, ` +
		alias + `.status, ` + alias + `.created_at, ` + alias + `.started_at, ` +
		alias + `.completed_at, ` + alias + `.retry_count, ` + alias + `.max_retries, ` +
		alias + `.next_retry_at, ` + alias + `.locked_until, ` +
		alias + `.processing_instance, ` + alias + `.error_message`
}

// leaseGuard is the predicate every post-claim write carries. Zero rows
// affected with the job present means the lease moved on without us.
const leaseGuard = `deployment_id = $1 AND processing_instance = $2
	AND status = 'running' AND locked_until > $3`

func (s *SQLStore) CompleteJob(ctx context.Context, executionID, instance string, status structs.JobStatus, errMsg string) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployment_jobs
		SET status = $4, completed_at = $3, locked_until = NULL, error_message = $5
		WHERE `+leaseGuard,
		executionID, instance, now, string(status), errMsg)
	if err != nil {
		return err
	}
	return s.checkLease(ctx, res, executionID)
}

func (s *SQLStore) FailJob(ctx context.Context, executionID, instance string, errMsg string, nextRetryAt *time.Time) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE deployment_jobs
		SET status = 'failed',
		    retry_count = retry_count + 1,
		    locked_until = NULL,
		    error_message = $4,
		    next_retry_at = $5,
		    completed_at = CASE WHEN $5::timestamptz IS NULL THEN $3 ELSE completed_at END
		WHERE `+leaseGuard,
		executionID, instance, now, errMsg, nextRetryAt)
	if err != nil {
		return err
	}
	return s.checkLease(ctx, res, executionID)
}

// checkLease converts a zero-row write into the precise failure: row gone,
// already finished, or lease lost.
func (s *SQLStore) checkLease(ctx context.Context, res sql.Result, executionID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var status string
	err = s.db.GetContext(ctx, &status,
		`SELECT status FROM deployment_jobs WHERE deployment_id = $1`,
		executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return structs.ErrDeploymentNotFound
	}
	if err != nil {
		return err
	}
	if structs.JobStatus(status).Terminal() {
		return structs.ErrJobDone
	}
	return structs.ErrLeaseLost
}

func (s *SQLStore) RecoverOrphans(ctx context.Context) (int, error) {
	now := time.Now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var orphans []jobRow
	err = tx.SelectContext(ctx, &orphans, `
		SELECT `+jobColumns+` FROM deployment_jobs
		WHERE status = 'running' AND locked_until < $1
		FOR UPDATE SKIP LOCKED`,
		now)
	if err != nil {
		return 0, err
	}

	for _, row := range orphans {
		retryCount := row.RetryCount + 1
		var nextRetryAt *time.Time
		var completedAt *time.Time
		if retryCount < row.MaxRetries {
			at := now.Add(structs.RetryBackoff(retryCount))
			nextRetryAt = &at
		} else {
			completedAt = &now
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE deployment_jobs
			SET status = 'failed',
			    retry_count = $2,
			    locked_until = NULL,
			    processing_instance = '',
			    error_message = $3,
			    next_retry_at = $4,
			    completed_at = COALESCE($5, completed_at)
			WHERE id = $1`,
			row.ID, retryCount, OrphanedLeaseError, nextRetryAt, completedAt)
		if err != nil {
			return 0, err
		}
		s.logger.Warn("recovered orphaned job lease",
			"deployment_id", row.DeploymentID,
			"instance", row.ProcessingInstance,
			"retry_count", retryCount)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(orphans), nil
}

// approvalRow is the scan target for approval_requests.
type approvalRow struct {
	ExecutionID    string          `db:"execution_id"`
	ApprovalID     string          `db:"approval_id"`
	RequesterEmail string          `db:"requester_email"`
	Environment    string          `db:"environment"`
	ModuleName     string          `db:"module_name"`
	Version        string          `db:"version"`
	Status         string          `db:"status"`
	ApproverEmails json.RawMessage `db:"approver_emails"`
	RequestedAt    time.Time       `db:"requested_at"`
	TimeoutAt      time.Time       `db:"timeout_at"`
	RespondedAt    *time.Time      `db:"responded_at"`
	RespondedBy    string          `db:"responded_by"`
	ResponseReason string          `db:"response_reason"`
}

const approvalColumns = `execution_id, approval_id, requester_email, environment,
	module_name, version, status, approver_emails, requested_at, timeout_at,
	responded_at, responded_by, response_reason`

func (r *approvalRow) toStruct() (*structs.ApprovalRequest, error) {
	var approvers []string
	if err := json.Unmarshal(r.ApproverEmails, &approvers); err != nil {
		return nil, fmt.Errorf("decoding approver emails: %w", err)
	}
	return &structs.ApprovalRequest{
		ExecutionID:    r.ExecutionID,
		ApprovalID:     r.ApprovalID,
		RequesterEmail: r.RequesterEmail,
		Environment:    structs.Environment(r.Environment),
		ModuleName:     r.ModuleName,
		Version:        r.Version,
		Status:         structs.ApprovalStatus(r.Status),
		ApproverEmails: approvers,
		RequestedAt:    r.RequestedAt,
		TimeoutAt:      r.TimeoutAt,
		RespondedAt:    r.RespondedAt,
		RespondedBy:    r.RespondedBy,
		ResponseReason: r.ResponseReason,
	}, nil
}

func (s *SQLStore) CreateApproval(ctx context.Context, a *structs.ApprovalRequest) error {
	approvers, err := json.Marshal(a.ApproverEmails)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO approval_requests
			(execution_id, approval_id, requester_email, environment,
			 module_name, version, status, approver_emails, requested_at, timeout_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8, $9)`,
		a.ExecutionID, a.ApprovalID, a.RequesterEmail, string(a.Environment),
		a.ModuleName, a.Version, approvers, a.RequestedAt, a.TimeoutAt)
	return err
}

func (s *SQLStore) GetApproval(ctx context.Context, executionID string) (*structs.ApprovalRequest, error) {
	var row approvalRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE execution_id = $1`,
		executionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, structs.ErrApprovalNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toStruct()
}

func (s *SQLStore) DecideApproval(ctx context.Context, executionID string, status structs.ApprovalStatus, by, reason string, at time.Time) (*structs.ApprovalRequest, error) {
	var row approvalRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE approval_requests
		SET status = $2, responded_at = $3, responded_by = $4, response_reason = $5
		WHERE execution_id = $1 AND status = 'pending'
		RETURNING `+approvalColumns,
		executionID, string(status), at, by, reason)
	if errors.Is(err, sql.ErrNoRows) {
		// Either decided already or never created.
		if _, gerr := s.GetApproval(ctx, executionID); gerr != nil {
			return nil, gerr
		}
		return nil, structs.ErrAlreadyDecided
	}
	if err != nil {
		return nil, err
	}
	return row.toStruct()
}

func (s *SQLStore) ExpireApprovals(ctx context.Context, now time.Time) ([]*structs.ApprovalRequest, error) {
	var rows []approvalRow
	err := s.db.SelectContext(ctx, &rows, `
		UPDATE approval_requests
		SET status = 'expired', responded_at = $1
		WHERE status = 'pending' AND timeout_at <= $1
		RETURNING `+approvalColumns,
		now)
	if err != nil {
		return nil, err
	}

	out := make([]*structs.ApprovalRequest, 0, len(rows))
	for i := range rows {
		a, err := rows[i].toStruct()
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
