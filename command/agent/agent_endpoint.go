// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"

	"github.com/modroll/modroll/version"
)

type healthResponse struct {
	OK bool `json:"ok"`
}

type agentSelfResponse struct {
	Version string  `json:"version"`
	Config  *Config `json:"config"`
}

// HealthRequest reports liveness. The job store is the one dependency the
// agent cannot limp along without, so its reachability decides the answer.
func (s *HTTPServer) HealthRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	if _, err := s.agent.store.ListJobs(req.Context(), 1); err != nil {
		return nil, CodedError(http.StatusServiceUnavailable, "job store unreachable: "+err.Error())
	}
	return &healthResponse{OK: true}, nil
}

func (s *HTTPServer) AgentSelfRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	self := &agentSelfResponse{
		Version: version.GetVersion().VersionNumber(),
		Config:  s.agent.config.Redacted(),
	}
	return self, nil
}

func (s *HTTPServer) MetricsRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, ErrInvalidMethod)
	}
	return s.agent.inmemSink.DisplayMetrics(resp, req)
}
