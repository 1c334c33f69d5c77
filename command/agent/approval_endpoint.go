// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
	"strings"
	"time"

	"github.com/modroll/modroll/modroll/structs"
)

// approvalDecisionBody is the approve/reject payload.
type approvalDecisionBody struct {
	ApproverEmail string `json:"approver_email"`
	Reason        string `json:"reason,omitempty"`
}

type approvalResponse struct {
	ExecutionID    string     `json:"execution_id"`
	ApprovalID     string     `json:"approval_id"`
	ModuleName     string     `json:"module_name"`
	Version        string     `json:"version"`
	Environment    string     `json:"environment"`
	RequesterEmail string     `json:"requester_email"`
	Status         string     `json:"status"`
	RequestedAt    time.Time  `json:"requested_at"`
	TimeoutAt      time.Time  `json:"timeout_at"`
	RespondedAt    *time.Time `json:"responded_at,omitempty"`
	RespondedBy    string     `json:"responded_by,omitempty"`
	ResponseReason string     `json:"response_reason,omitempty"`
}

func (s *HTTPServer) ApprovalSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	path := strings.TrimPrefix(req.URL.Path, "/api/v1/approvals/deployments/")

	if id, ok := strings.CutSuffix(path, "/approve"); ok {
		return s.approvalDecide(resp, req, id, true)
	}
	if id, ok := strings.CutSuffix(path, "/reject"); ok {
		return s.approvalDecide(resp, req, id, false)
	}
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	return s.approvalGet(req, path)
}

func (s *HTTPServer) approvalDecide(resp http.ResponseWriter, req *http.Request, id string, approve bool) (interface{}, error) {
	if req.Method != http.MethodPost {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	if id == "" {
		return nil, CodedError(400, "missing deployment id")
	}

	var body approvalDecisionBody
	if err := decodeBody(req, &body); err != nil {
		return nil, CodedError(400, err.Error())
	}
	if body.ApproverEmail == "" {
		return nil, CodedError(400, "missing approver email")
	}

	var err error
	if approve {
		err = s.agent.approvals.Approve(req.Context(), id, body.ApproverEmail, body.Reason)
	} else {
		err = s.agent.approvals.Reject(req.Context(), id, body.ApproverEmail, body.Reason)
	}
	if err != nil {
		return nil, err
	}
	return s.approvalGet(req, id)
}

func (s *HTTPServer) approvalGet(req *http.Request, id string) (interface{}, error) {
	if id == "" {
		return nil, CodedError(400, "missing deployment id")
	}
	a, err := s.agent.approvals.Get(req.Context(), id)
	if err != nil {
		return nil, err
	}
	return approvalToWire(a), nil
}

func approvalToWire(a *structs.ApprovalRequest) *approvalResponse {
	return &approvalResponse{
		ExecutionID:    a.ExecutionID,
		ApprovalID:     a.ApprovalID,
		ModuleName:     a.ModuleName,
		Version:        a.Version,
		Environment:    string(a.Environment),
		RequesterEmail: a.RequesterEmail,
		Status:         string(a.Status),
		RequestedAt:    a.RequestedAt,
		TimeoutAt:      a.TimeoutAt,
		RespondedAt:    a.RespondedAt,
		RespondedBy:    a.RespondedBy,
		ResponseReason: a.ResponseReason,
	}
}
