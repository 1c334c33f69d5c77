// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/modroll/modroll/modroll/structs"
)

// deploymentRequestBody is the POST /api/v1/deployments payload.
type deploymentRequestBody struct {
	ModuleName         string            `json:"module_name"`
	Version            string            `json:"version"`
	TargetEnvironment  string            `json:"target_environment"`
	DeploymentStrategy string            `json:"deployment_strategy"`
	RequireApproval    bool              `json:"require_approval"`
	RequesterEmail     string            `json:"requester_email"`
	ApproverEmails     []string          `json:"approver_emails,omitempty"`
	Description        string            `json:"description,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// deploymentAccepted is the 202 response to a submission.
type deploymentAccepted struct {
	ExecutionID       string            `json:"execution_id"`
	Status            string            `json:"status"`
	StartTime         time.Time         `json:"start_time"`
	EstimatedDuration string            `json:"estimated_duration"`
	TraceID           string            `json:"trace_id"`
	Links             map[string]string `json:"links"`
}

// deploymentStatusResponse is the GET /api/v1/deployments/{id} body.
type deploymentStatusResponse struct {
	ExecutionID string        `json:"execution_id"`
	ModuleName  string        `json:"module_name"`
	Version     string        `json:"version"`
	Environment string        `json:"environment"`
	Strategy    string        `json:"strategy"`
	Status      string        `json:"status"`
	Stages      []*stageState `json:"stages"`
	Error       string        `json:"error,omitempty"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    string        `json:"duration"`
	RetryCount  int           `json:"retry_count,omitempty"`
}

type stageState struct {
	Name               string    `json:"name"`
	Status             string    `json:"status"`
	StartTime          time.Time `json:"start_time"`
	Duration           string    `json:"duration"`
	NodesDeployed      int       `json:"nodes_deployed"`
	NodesFailed        int       `json:"nodes_failed"`
	Message            string    `json:"message,omitempty"`
	RollbackSuccessful *bool     `json:"rollback_successful,omitempty"`
}

type deploymentSummary struct {
	ExecutionID string    `json:"execution_id"`
	ModuleName  string    `json:"module_name"`
	Version     string    `json:"version"`
	Environment string    `json:"environment"`
	Strategy    string    `json:"strategy"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

type rollbackResponse struct {
	RollbackID    string                        `json:"rollback_id"`
	ExecutionID   string                        `json:"execution_id"`
	Status        string                        `json:"status"`
	NodesAffected int                           `json:"nodes_affected"`
	NodeResults   []*structs.NodeRollbackResult `json:"node_results,omitempty"`
}

// listLimit caps GET /api/v1/deployments.
const listLimit = 50

func (s *HTTPServer) DeploymentsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodPost:
		return s.deploymentSubmit(resp, req)
	case http.MethodGet:
		return s.deploymentList(resp, req)
	default:
		return nil, CodedError(405, ErrInvalidMethod)
	}
}

func (s *HTTPServer) DeploymentSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	path := strings.TrimPrefix(req.URL.Path, "/api/v1/deployments/")
	if id, ok := strings.CutSuffix(path, "/rollback"); ok {
		if req.Method != http.MethodPost {
			return nil, CodedError(405, ErrInvalidMethod)
		}
		return s.deploymentRollback(resp, req, id)
	}
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	return s.deploymentStatus(resp, req, path)
}

func (s *HTTPServer) deploymentSubmit(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	var body deploymentRequestBody
	if err := decodeBody(req, &body); err != nil {
		return nil, CodedError(400, err.Error())
	}

	env, err := structs.ParseEnvironment(body.TargetEnvironment)
	if err != nil {
		return nil, err
	}
	strat, err := structs.ParseStrategy(body.DeploymentStrategy)
	if err != nil {
		return nil, err
	}

	dreq := &structs.DeploymentRequest{
		ExecutionID:     uuid.NewString(),
		ModuleName:      body.ModuleName,
		Version:         body.Version,
		Environment:     env,
		Strategy:        strat,
		RequireApproval: body.RequireApproval,
		RequesterEmail:  body.RequesterEmail,
		ApproverEmails:  body.ApproverEmails,
		Description:     body.Description,
		Metadata:        body.Metadata,
	}

	job, err := s.agent.orch.Submit(req.Context(), dreq, s.agent.config.Worker.MaxRetries)
	if err != nil {
		return nil, err
	}

	out := &deploymentAccepted{
		ExecutionID:       job.DeploymentID,
		Status:            "Accepted",
		StartTime:         job.CreatedAt,
		EstimatedDuration: s.estimateDuration(dreq).String(),
		TraceID:           uuid.NewString(),
		Links: map[string]string{
			"status":   "/api/v1/deployments/" + job.DeploymentID,
			"rollback": "/api/v1/deployments/" + job.DeploymentID + "/rollback",
		},
	}
	resp.Header().Set("Content-Type", "application/json")
	resp.WriteHeader(http.StatusAccepted)
	return out, nil
}

// estimateDuration gives the caller a rough upper bound from the strategy
// shape and cluster size. It is informational only.
func (s *HTTPServer) estimateDuration(req *structs.DeploymentRequest) time.Duration {
	size := 0
	if clust, err := s.agent.registry.Get(req.Environment); err == nil {
		size = clust.Size()
	}
	pipe := s.agent.config.Pipeline

	est := time.Minute
	switch req.Strategy {
	case structs.StrategyRolling:
		batch := pipe.RollingBatchSize
		if batch < 1 {
			batch = 1
		}
		batches := (size + batch - 1) / batch
		est += time.Duration(batches) * time.Duration(pipe.HealthCheckDelay)
	case structs.StrategyBlueGreen:
		est += 10 * time.Minute
	case structs.StrategyCanary:
		est += time.Duration(len(pipe.CanaryPhases)) * time.Duration(pipe.PhaseObservationWindow)
	}
	if req.RequireApproval {
		est += time.Duration(pipe.ApprovalTimeout)
	}
	return est
}

func (s *HTTPServer) deploymentStatus(resp http.ResponseWriter, req *http.Request, id string) (interface{}, error) {
	if id == "" {
		return nil, CodedError(400, "missing deployment id")
	}

	// The tracker holds live, stage-level state for pipelines this replica
	// has run. Fall back to the durable row for everything else.
	if st, ok := s.agent.orch.Tracker().Get(id); ok {
		return executionStateToWire(st), nil
	}

	job, err := s.agent.store.GetJob(req.Context(), id)
	if err != nil {
		return nil, err
	}
	return jobToWire(job), nil
}

func (s *HTTPServer) deploymentList(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	jobs, err := s.agent.store.ListJobs(req.Context(), listLimit)
	if err != nil {
		return nil, err
	}
	trk := s.agent.orch.Tracker()

	out := make([]*deploymentSummary, 0, len(jobs))
	for _, job := range jobs {
		sum := &deploymentSummary{
			ExecutionID: job.DeploymentID,
			Status:      jobStatusToWire(job),
			CreatedAt:   job.CreatedAt,
		}
		if job.Payload != nil {
			sum.ModuleName = job.Payload.ModuleName
			sum.Version = job.Payload.Version
			sum.Environment = string(job.Payload.Environment)
			sum.Strategy = string(job.Payload.Strategy)
		}
		// Prefer the richer live status when this replica is running it.
		if st, ok := trk.Get(job.DeploymentID); ok {
			sum.Status = statusToWire(st.Status)
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *HTTPServer) deploymentRollback(resp http.ResponseWriter, req *http.Request, id string) (interface{}, error) {
	if id == "" {
		return nil, CodedError(400, "missing deployment id")
	}
	res, err := s.agent.orch.Rollback(req.Context(), id)
	if err != nil {
		return nil, err
	}
	return &rollbackResponse{
		RollbackID:    res.RollbackID,
		ExecutionID:   res.ExecutionID,
		Status:        res.Status,
		NodesAffected: res.NodesAffected,
		NodeResults:   res.NodeResults,
	}, nil
}

// statusToWire maps internal deployment statuses onto the public API
// vocabulary. The only rename is awaiting-approval, which the API has always
// called PendingApproval.
func statusToWire(status structs.DeploymentStatus) string {
	switch status {
	case structs.DeploymentStatusPending:
		return "Pending"
	case structs.DeploymentStatusRunning:
		return "Running"
	case structs.DeploymentStatusAwaitingApproval:
		return "PendingApproval"
	case structs.DeploymentStatusSucceeded:
		return "Succeeded"
	case structs.DeploymentStatusFailed:
		return "Failed"
	case structs.DeploymentStatusCancelled:
		return "Cancelled"
	}
	return string(status)
}

func jobStatusToWire(job *structs.DeploymentJob) string {
	switch job.Status {
	case structs.JobStatusPending:
		return "Pending"
	case structs.JobStatusRunning:
		return "Running"
	case structs.JobStatusSucceeded:
		return "Succeeded"
	case structs.JobStatusFailed:
		return "Failed"
	case structs.JobStatusCancelled:
		return "Cancelled"
	}
	return string(job.Status)
}

func executionStateToWire(st *structs.ExecutionState) *deploymentStatusResponse {
	out := &deploymentStatusResponse{
		ExecutionID: st.ExecutionID,
		ModuleName:  st.ModuleName,
		Version:     st.Version,
		Environment: string(st.Environment),
		Strategy:    string(st.Strategy),
		Status:      statusToWire(st.Status),
		Error:       st.Error,
		StartedAt:   st.StartedAt,
		Duration:    st.Duration().String(),
	}
	for _, stage := range st.Stages {
		out.Stages = append(out.Stages, &stageState{
			Name:               stage.Name,
			Status:             string(stage.Status),
			StartTime:          stage.StartTime,
			Duration:           stage.Duration.String(),
			NodesDeployed:      stage.NodesDeployed,
			NodesFailed:        stage.NodesFailed,
			Message:            stage.Message,
			RollbackSuccessful: stage.RollbackSuccessful,
		})
	}
	return out
}

func jobToWire(job *structs.DeploymentJob) *deploymentStatusResponse {
	out := &deploymentStatusResponse{
		ExecutionID: job.DeploymentID,
		Status:      jobStatusToWire(job),
		Error:       job.ErrorMessage,
		StartedAt:   job.CreatedAt,
		RetryCount:  job.RetryCount,
	}
	if job.Payload != nil {
		out.ModuleName = job.Payload.ModuleName
		out.Version = job.Payload.Version
		out.Environment = string(job.Payload.Environment)
		out.Strategy = string(job.Payload.Strategy)
	}
	if job.CompletedAt != nil {
		out.Duration = job.CompletedAt.Sub(job.CreatedAt).String()
	} else {
		out.Duration = time.Since(job.CreatedAt).String()
	}
	return out
}
