// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs holds the core types shared by the orchestrator, the
// strategies, the durable state store and the HTTP agent.
package structs

import (
	"fmt"
	"strings"
	"time"

	"github.com/modroll/modroll/helper/pointer"
)

// Environment is a deployment target partition. Every cluster of worker
// nodes belongs to exactly one environment.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvQA          Environment = "qa"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// Environments lists the known environments in promotion order.
func Environments() []Environment {
	return []Environment{EnvDevelopment, EnvQA, EnvStaging, EnvProduction}
}

// ParseEnvironment maps a user supplied string onto a known environment.
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "development", "dev":
		return EnvDevelopment, nil
	case "qa":
		return EnvQA, nil
	case "staging":
		return EnvStaging, nil
	case "production", "prod":
		return EnvProduction, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEnvironment, s)
	}
}

// Valid reports whether the environment is one of the known values.
func (e Environment) Valid() bool {
	switch e {
	case EnvDevelopment, EnvQA, EnvStaging, EnvProduction:
		return true
	}
	return false
}

// Strategy selects how a module rollout walks the target cluster.
type Strategy string

const (
	StrategyDirect    Strategy = "direct"
	StrategyRolling   Strategy = "rolling"
	StrategyBlueGreen Strategy = "blue-green"
	StrategyCanary    Strategy = "canary"
)

// ParseStrategy maps a user supplied string onto a known strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "direct":
		return StrategyDirect, nil
	case "rolling":
		return StrategyRolling, nil
	case "blue-green", "bluegreen", "blue_green":
		return StrategyBlueGreen, nil
	case "canary":
		return StrategyCanary, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// Valid reports whether the strategy is one of the known values.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyDirect, StrategyRolling, StrategyBlueGreen, StrategyCanary:
		return true
	}
	return false
}

// DeploymentRequest is the payload of a deployment job. The module version is
// opaque to the orchestrator; nodes interpret it.
type DeploymentRequest struct {
	ExecutionID     string            `json:"execution_id"`
	ModuleName      string            `json:"module_name"`
	Version         string            `json:"version"`
	Environment     Environment       `json:"environment"`
	Strategy        Strategy          `json:"strategy"`
	RequireApproval bool              `json:"require_approval"`
	RequesterEmail  string            `json:"requester_email"`
	ApproverEmails  []string          `json:"approver_emails,omitempty"`
	Description     string            `json:"description,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Validate checks the request fields that can be verified without consulting
// the cluster registry.
func (r *DeploymentRequest) Validate() error {
	switch {
	case r == nil:
		return fmt.Errorf("%w: nil request", ErrInvalidRequest)
	case r.ExecutionID == "":
		return fmt.Errorf("%w: missing execution id", ErrInvalidRequest)
	case r.ModuleName == "":
		return fmt.Errorf("%w: missing module name", ErrInvalidRequest)
	case r.Version == "":
		return fmt.Errorf("%w: missing module version", ErrInvalidRequest)
	case r.RequesterEmail == "":
		return fmt.Errorf("%w: missing requester email", ErrInvalidRequest)
	}
	if !r.Environment.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEnvironment, r.Environment)
	}
	if !r.Strategy.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStrategy, r.Strategy)
	}
	if r.RequireApproval && len(r.ApproverEmails) == 0 {
		return fmt.Errorf("%w: approval required but no approvers listed", ErrInvalidRequest)
	}
	return nil
}

// Copy returns a deep copy of the request.
func (r *DeploymentRequest) Copy() *DeploymentRequest {
	if r == nil {
		return nil
	}
	nr := *r
	nr.ApproverEmails = append([]string(nil), r.ApproverEmails...)
	if r.Metadata != nil {
		nr.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			nr.Metadata[k] = v
		}
	}
	return &nr
}

// LockResource is the name of the distributed lock serializing deployments of
// this module into this environment.
func (r *DeploymentRequest) LockResource() string {
	return fmt.Sprintf("deploy:%s:%s", r.Environment, r.ModuleName)
}

// IdempotencyKey identifies the side effects of this execution in the
// idempotency store.
func (r *DeploymentRequest) IdempotencyKey() string {
	return fmt.Sprintf("deploy:%s", r.ExecutionID)
}

// JobStatus is the lifecycle of a durable deployment job row.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job may never transition again. Failed is
// terminal only once the retry budget is exhausted, which the store tracks
// via NextRetryAt.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusCancelled:
		return true
	}
	return false
}

// DeploymentJob is the durable outbox row that moves a pipeline forward
// across process restarts. Rows are leased by job processors; at most one
// replica owns a row while LockedUntil is in the future.
type DeploymentJob struct {
	ID                 int64
	DeploymentID       string // caller-visible execution id
	Payload            *DeploymentRequest
	Status             JobStatus
	CreatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	RetryCount         int
	MaxRetries         int
	NextRetryAt        *time.Time
	LockedUntil        *time.Time
	ProcessingInstance string
	ErrorMessage       string
}

// Copy returns a deep copy of the job.
func (j *DeploymentJob) Copy() *DeploymentJob {
	if j == nil {
		return nil
	}
	nj := *j
	nj.Payload = j.Payload.Copy()
	nj.StartedAt = pointer.Copy(j.StartedAt)
	nj.CompletedAt = pointer.Copy(j.CompletedAt)
	nj.NextRetryAt = pointer.Copy(j.NextRetryAt)
	nj.LockedUntil = pointer.Copy(j.LockedUntil)
	return &nj
}

// RetriesExhausted reports whether another attempt may be scheduled.
func (j *DeploymentJob) RetriesExhausted() bool {
	return j.RetryCount >= j.MaxRetries
}

// RetryBackoff is the delay before attempt n may be leased again, doubling
// per attempt: 2, 4, 8, 16, ... minutes.
func RetryBackoff(retryCount int) time.Duration {
	return time.Duration(1<<uint(retryCount)) * time.Minute
}

// ApprovalStatus is the lifecycle of an approval request. All states other
// than pending are terminal.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
	ApprovalStatusExpired  ApprovalStatus = "expired"
)

// Terminal reports whether the approval can no longer change.
func (s ApprovalStatus) Terminal() bool {
	return s != ApprovalStatusPending
}

// ApprovalRequest gates a pipeline on an external decision. The row is keyed
// by the deployment execution id; the sweep expires pending rows whose
// TimeoutAt has passed.
type ApprovalRequest struct {
	ExecutionID    string // primary key
	ApprovalID     string
	RequesterEmail string
	Environment    Environment
	ModuleName     string
	Version        string
	Status         ApprovalStatus
	ApproverEmails []string
	RequestedAt    time.Time
	TimeoutAt      time.Time
	RespondedAt    *time.Time
	RespondedBy    string
	ResponseReason string
}

// Copy returns a deep copy of the approval request.
func (a *ApprovalRequest) Copy() *ApprovalRequest {
	if a == nil {
		return nil
	}
	na := *a
	na.ApproverEmails = append([]string(nil), a.ApproverEmails...)
	na.RespondedAt = pointer.Copy(a.RespondedAt)
	return &na
}

// Authorized reports whether email may decide this request.
func (a *ApprovalRequest) Authorized(email string) bool {
	for _, e := range a.ApproverEmails {
		if strings.EqualFold(e, email) {
			return true
		}
	}
	return false
}

// NodeStatus is the coarse health of a worker node.
type NodeStatus string

const (
	NodeStatusHealthy   NodeStatus = "healthy"
	NodeStatusUnhealthy NodeStatus = "unhealthy"
	NodeStatusUnknown   NodeStatus = "unknown"
)

// NodeHealth is the result of probing a single node.
type NodeHealth struct {
	NodeID        string
	IsHealthy     bool
	Status        NodeStatus
	LastHeartbeat time.Time
}

// NodeDeploymentResult records the outcome of DeployModule on one node.
type NodeDeploymentResult struct {
	NodeID   string
	Success  bool
	Message  string
	Duration time.Duration
}

// NodeRollbackResult records the outcome of RollbackModule on one node.
type NodeRollbackResult struct {
	NodeID  string
	Success bool
	Message string
}

// DeploymentResult is the structured outcome of one strategy invocation.
// Expected failures (a node refused, a health gate tripped) are reported
// here rather than as errors; Err carries only unexpected conditions and
// makes the attempt retryable.
type DeploymentResult struct {
	Strategy    Strategy
	Environment Environment
	Success     bool
	Message     string
	StartTime   time.Time
	EndTime     time.Time

	NodeResults []*NodeDeploymentResult

	RollbackPerformed  bool
	RollbackResults    []*NodeRollbackResult
	RollbackSuccessful bool

	Err error
}

// NodesDeployed counts the nodes that accepted the new version.
func (r *DeploymentResult) NodesDeployed() int {
	var n int
	for _, nr := range r.NodeResults {
		if nr.Success {
			n++
		}
	}
	return n
}

// NodesFailed counts the nodes that refused the new version.
func (r *DeploymentResult) NodesFailed() int {
	var n int
	for _, nr := range r.NodeResults {
		if !nr.Success {
			n++
		}
	}
	return n
}

// DeploymentStatus is the pipeline status surfaced by the tracker. The HTTP
// layer maps AwaitingApproval to the wire string "PendingApproval".
type DeploymentStatus string

const (
	DeploymentStatusPending          DeploymentStatus = "pending"
	DeploymentStatusRunning          DeploymentStatus = "running"
	DeploymentStatusAwaitingApproval DeploymentStatus = "awaiting-approval"
	DeploymentStatusSucceeded        DeploymentStatus = "succeeded"
	DeploymentStatusFailed           DeploymentStatus = "failed"
	DeploymentStatusCancelled        DeploymentStatus = "cancelled"
)

// Terminal reports whether the pipeline has reached a final status.
func (s DeploymentStatus) Terminal() bool {
	switch s {
	case DeploymentStatusSucceeded, DeploymentStatusFailed, DeploymentStatusCancelled:
		return true
	}
	return false
}

// StageStatus is the lifecycle of a single pipeline stage.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusSucceeded StageStatus = "succeeded"
	StageStatusFailed    StageStatus = "failed"
	StageStatusSkipped   StageStatus = "skipped"
)

// Terminal reports whether the stage may no longer mutate.
func (s StageStatus) Terminal() bool {
	switch s {
	case StageStatusSucceeded, StageStatusFailed, StageStatusSkipped:
		return true
	}
	return false
}

// StageState is one entry in a pipeline's append-only stage list.
type StageState struct {
	Name          string
	Status        StageStatus
	StartTime     time.Time
	Duration      time.Duration
	NodesDeployed int
	NodesFailed   int
	Message       string

	// RollbackSuccessful is set on strategy stages that performed a
	// rollback; false flags the mixed-state case needing an operator.
	RollbackSuccessful *bool
}

// Copy returns a deep copy of the stage.
func (s *StageState) Copy() *StageState {
	if s == nil {
		return nil
	}
	ns := *s
	ns.RollbackSuccessful = pointer.Copy(s.RollbackSuccessful)
	return &ns
}

// ExecutionState is the tracker's replica-local view of one pipeline.
type ExecutionState struct {
	ExecutionID string
	ModuleName  string
	Version     string
	Environment Environment
	Strategy    Strategy
	Status      DeploymentStatus
	Stages      []*StageState
	Error       string
	StartedAt   time.Time
	LastUpdated time.Time
}

// CurrentStage returns the most recently appended stage, or nil.
func (e *ExecutionState) CurrentStage() *StageState {
	if len(e.Stages) == 0 {
		return nil
	}
	return e.Stages[len(e.Stages)-1]
}

// Duration is the wall time the pipeline has been running, frozen at
// LastUpdated once terminal.
func (e *ExecutionState) Duration() time.Duration {
	if e.Status.Terminal() {
		return e.LastUpdated.Sub(e.StartedAt)
	}
	return time.Since(e.StartedAt)
}

// Copy returns a deep copy of the execution state.
func (e *ExecutionState) Copy() *ExecutionState {
	if e == nil {
		return nil
	}
	ne := *e
	ne.Stages = make([]*StageState, len(e.Stages))
	for i, s := range e.Stages {
		ne.Stages[i] = s.Copy()
	}
	return &ne
}
