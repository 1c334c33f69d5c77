// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import "errors"

// Error kinds surfaced at component boundaries. The HTTP agent maps these
// onto status codes; everything else matches them with errors.Is.
var (
	// ErrInvalidRequest indicates a deployment request with missing or
	// malformed fields.
	ErrInvalidRequest = errors.New("invalid deployment request")

	// ErrUnknownEnvironment indicates an environment with no registered
	// cluster.
	ErrUnknownEnvironment = errors.New("unknown environment")

	// ErrUnknownStrategy indicates a strategy that is not registered.
	ErrUnknownStrategy = errors.New("unknown deployment strategy")

	// ErrDeploymentNotFound indicates an execution id with no tracker entry
	// and no durable job row.
	ErrDeploymentNotFound = errors.New("deployment not found")

	// ErrApprovalNotFound indicates an execution id with no approval row.
	ErrApprovalNotFound = errors.New("approval request not found")

	// ErrLockTimeout indicates the per (environment, module) deploy lock
	// could not be acquired in time; another deploy is in flight.
	ErrLockTimeout = errors.New("timed out acquiring deployment lock")

	// ErrNotAuthorized indicates the responder is not in the approver list.
	ErrNotAuthorized = errors.New("not authorized to respond to approval")

	// ErrAlreadyDecided indicates the approval already reached a terminal
	// state.
	ErrAlreadyDecided = errors.New("approval request already decided")

	// ErrApprovalRejected indicates an approver explicitly rejected the
	// deployment.
	ErrApprovalRejected = errors.New("deployment approval rejected")

	// ErrApprovalExpired indicates the approval timed out with no response.
	ErrApprovalExpired = errors.New("deployment approval expired")

	// ErrRollbackNotAllowed indicates a manual rollback was requested for a
	// deployment that never placed a version on any node.
	ErrRollbackNotAllowed = errors.New("deployment is not eligible for rollback")

	// ErrLeaseLost indicates a job row write was refused because the
	// replica's lease expired; the holder must abort, another replica owns
	// the row.
	ErrLeaseLost = errors.New("job lease lost")

	// ErrJobDone indicates an attempt to re-lease or mutate a job row that
	// already reached a terminal status.
	ErrJobDone = errors.New("job already in a terminal status")
)

// IsTerminalApprovalErr reports whether err is a non-approve terminal
// approval outcome.
func IsTerminalApprovalErr(err error) bool {
	return errors.Is(err, ErrApprovalRejected) || errors.Is(err, ErrApprovalExpired)
}

// permanentError marks a pipeline failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the job processor fails the job without scheduling
// a retry. Used for validation failures, non-approve approval outcomes and
// strategy-reported failures whose rollback already ran.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err carries the no-retry marker.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
