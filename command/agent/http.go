// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/hashicorp/go-hclog"

	"github.com/modroll/modroll/modroll/structs"
)

const (
	// ErrInvalidMethod is used if the HTTP method is not supported
	ErrInvalidMethod = "Invalid method"
)

// HTTPServer is used to wrap an Agent and expose it over an HTTP interface
type HTTPServer struct {
	agent      *Agent
	mux        *http.ServeMux
	listener   net.Listener
	listenerCh chan struct{}
	logger     hclog.Logger
	Addr       string
}

// NewHTTPServer starts a new HTTP server over the agent
func NewHTTPServer(agent *Agent, config *Config) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", config.HTTP.Address)
	if err != nil {
		return nil, err
	}

	srv := &HTTPServer{
		agent:      agent,
		mux:        http.NewServeMux(),
		listener:   ln,
		listenerCh: make(chan struct{}),
		logger:     agent.logger.Named("http"),
		Addr:       ln.Addr().String(),
	}
	srv.registerHandlers()

	accessLog := srv.logger.StandardWriter(&hclog.StandardLoggerOptions{})
	handler := handlers.CombinedLoggingHandler(accessLog, srv.mux)

	go func() {
		defer close(srv.listenerCh)
		http.Serve(ln, handler)
	}()

	return srv, nil
}

// Shutdown is used to shutdown the HTTP server. It blocks until the serve
// loop has returned.
func (s *HTTPServer) Shutdown() {
	if s == nil {
		return
	}
	s.logger.Debug("shutting down http server")
	s.listener.Close()
	<-s.listenerCh
}

// registerHandlers is used to attach our handlers to the mux
func (s *HTTPServer) registerHandlers() {
	s.mux.HandleFunc("/api/v1/deployments", s.wrap(s.DeploymentsRequest))
	s.mux.HandleFunc("/api/v1/deployments/", s.wrap(s.DeploymentSpecificRequest))

	s.mux.HandleFunc("/api/v1/approvals/deployments/", s.wrap(s.ApprovalSpecificRequest))

	s.mux.HandleFunc("/api/v1/clusters", s.wrap(s.ClustersRequest))
	s.mux.HandleFunc("/api/v1/clusters/", s.wrap(s.ClusterSpecificRequest))

	s.mux.HandleFunc("/api/v1/health", s.wrap(s.HealthRequest))
	s.mux.HandleFunc("/api/v1/agent/self", s.wrap(s.AgentSelfRequest))
	s.mux.HandleFunc("/api/v1/metrics", s.wrap(s.MetricsRequest))
}

// HTTPCodedError is used to provide the HTTP error code along with the error
type HTTPCodedError interface {
	error
	Code() int
}

func CodedError(c int, s string) HTTPCodedError {
	return &codedError{s, c}
}

type codedError struct {
	s    string
	code int
}

func (e *codedError) Error() string {
	return e.s
}

func (e *codedError) Code() int {
	return e.code
}

// errCode maps the domain error kinds onto HTTP status codes.
func errCode(err error) int {
	var coded HTTPCodedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	switch {
	case errors.Is(err, structs.ErrInvalidRequest),
		errors.Is(err, structs.ErrUnknownEnvironment),
		errors.Is(err, structs.ErrUnknownStrategy):
		return http.StatusBadRequest
	case errors.Is(err, structs.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, structs.ErrDeploymentNotFound),
		errors.Is(err, structs.ErrApprovalNotFound):
		return http.StatusNotFound
	case errors.Is(err, structs.ErrAlreadyDecided),
		errors.Is(err, structs.ErrLockTimeout):
		return http.StatusConflict
	case errors.Is(err, structs.ErrApprovalRejected),
		errors.Is(err, structs.ErrApprovalExpired),
		errors.Is(err, structs.ErrRollbackNotAllowed):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

// wrap is used to wrap functions to make them more convenient. Handlers
// return an object to encode as JSON plus an error; the error kind picks the
// status code.
func (s *HTTPServer) wrap(handler func(resp http.ResponseWriter, req *http.Request) (interface{}, error)) func(resp http.ResponseWriter, req *http.Request) {
	return func(resp http.ResponseWriter, req *http.Request) {
		start := time.Now()
		obj, err := handler(resp, req)
		s.logger.Trace("request complete",
			"method", req.Method, "path", req.URL.Path,
			"duration", time.Since(start))

		if err != nil {
			code := errCode(err)
			if code >= 500 {
				s.logger.Error("request failed",
					"method", req.Method, "path", req.URL.Path, "error", err)
			}
			resp.WriteHeader(code)
			resp.Write([]byte(err.Error()))
			return
		}

		if obj != nil {
			resp.Header().Set("Content-Type", "application/json")
			enc := json.NewEncoder(resp)
			if err := enc.Encode(obj); err != nil {
				s.logger.Error("failed to encode response", "error", err)
			}
		}
	}
}

// decodeBody decodes the request body into the given interface
func decodeBody(req *http.Request, out interface{}) error {
	dec := json.NewDecoder(req.Body)
	return dec.Decode(out)
}
