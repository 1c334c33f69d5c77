// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/avast/retry-go"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"github.com/sony/gobreaker"

	"github.com/modroll/modroll/modroll/structs"
)

const (
	// nodeRequestTimeout bounds a single HTTP round trip to a node agent.
	nodeRequestTimeout = 30 * time.Second

	// nodeRetryAttempts is the per-operation retry budget for transient
	// transport failures. Node operations are idempotent per
	// (module, version) so retrying a deploy is safe.
	nodeRetryAttempts = 3
)

// HTTPNode talks to a node agent over its HTTP API. Calls flow through a
// circuit breaker so a dead node fails fast instead of eating the pipeline's
// deadline on every operation.
type HTTPNode struct {
	id       string
	hostname string
	port     int
	env      structs.Environment

	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  hclog.Logger
}

// NewHTTPNode builds a node backed by the agent at hostname:port.
func NewHTTPNode(id, hostname string, port int, env structs.Environment, logger hclog.Logger) *HTTPNode {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = nodeRequestTimeout

	n := &HTTPNode{
		id:       id,
		hostname: hostname,
		port:     port,
		env:      env,
		client:   client,
		logger:   logger.Named("node").With("node_id", id, "hostname", hostname),
	}
	n.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    fmt.Sprintf("node:%s", id),
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			n.logger.Warn("node circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return n
}

func (n *HTTPNode) ID() string                       { return n.id }
func (n *HTTPNode) Hostname() string                 { return n.hostname }
func (n *HTTPNode) Environment() structs.Environment { return n.env }

func (n *HTTPNode) url(path string) string {
	return fmt.Sprintf("http://%s:%d%s", n.hostname, n.port, path)
}

// nodeDeployBody is the wire request for a node-level module install.
type nodeDeployBody struct {
	ModuleName  string `json:"module_name"`
	Version     string `json:"version"`
	ExecutionID string `json:"execution_id"`
}

// nodeOpResponse is the wire response shared by deploy and rollback.
type nodeOpResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// DeployModule asks the node agent to install the module version. The
// execution id rides along so the node can deduplicate redelivered requests.
func (n *HTTPNode) DeployModule(ctx context.Context, req *structs.DeploymentRequest) (*structs.NodeDeploymentResult, error) {
	start := time.Now()

	body, err := json.Marshal(&nodeDeployBody{
		ModuleName:  req.ModuleName,
		Version:     req.Version,
		ExecutionID: req.ExecutionID,
	})
	if err != nil {
		return nil, err
	}

	resp, err := n.do(ctx, http.MethodPost, "/v1/modules", body)
	if err != nil {
		return nil, fmt.Errorf("deploy %s@%s on node %s: %w", req.ModuleName, req.Version, n.id, err)
	}

	return &structs.NodeDeploymentResult{
		NodeID:   n.id,
		Success:  resp.Success,
		Message:  resp.Message,
		Duration: time.Since(start),
	}, nil
}

// RollbackModule asks the node agent to revert the module to its previous
// version.
func (n *HTTPNode) RollbackModule(ctx context.Context, moduleName string) (*structs.NodeRollbackResult, error) {
	resp, err := n.do(ctx, http.MethodDelete, "/v1/modules/"+moduleName, nil)
	if err != nil {
		return nil, fmt.Errorf("rollback %s on node %s: %w", moduleName, n.id, err)
	}
	return &structs.NodeRollbackResult{
		NodeID:  n.id,
		Success: resp.Success,
		Message: resp.Message,
	}, nil
}

// nodeHealthResponse is the wire response of the node health endpoint.
type nodeHealthResponse struct {
	Healthy       bool      `json:"healthy"`
	Status        string    `json:"status"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// GetHealth probes the node agent. Probe failures degrade to an unknown
// status rather than an error; the caller treats unknown as not healthy.
func (n *HTTPNode) GetHealth(ctx context.Context) *structs.NodeHealth {
	health := &structs.NodeHealth{NodeID: n.id, Status: structs.NodeStatusUnknown}

	out, err := n.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.url("/v1/health"), nil)
		if err != nil {
			return nil, err
		}
		resp, err := n.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var hr nodeHealthResponse
		if err := json.NewDecoder(resp.Body).Decode(&hr); err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			hr.Healthy = false
			if hr.Status == "" {
				hr.Status = string(structs.NodeStatusUnhealthy)
			}
		}
		return &hr, nil
	})
	if err != nil {
		n.logger.Debug("health probe failed", "error", err)
		return health
	}

	hr := out.(*nodeHealthResponse)
	health.IsHealthy = hr.Healthy
	health.LastHeartbeat = hr.LastHeartbeat
	if hr.Healthy {
		health.Status = structs.NodeStatusHealthy
	} else {
		health.Status = structs.NodeStatusUnhealthy
	}
	return health
}

// do runs one node operation through the breaker with bounded retries.
func (n *HTTPNode) do(ctx context.Context, method, path string, body []byte) (*nodeOpResponse, error) {
	var out nodeOpResponse

	err := retry.Do(
		func() error {
			_, err := n.breaker.Execute(func() (interface{}, error) {
				req, err := http.NewRequestWithContext(ctx, method, n.url(path), bytes.NewReader(body))
				if err != nil {
					return nil, err
				}
				req.Header.Set("Content-Type", "application/json")

				resp, err := n.client.Do(req)
				if err != nil {
					return nil, err
				}
				defer resp.Body.Close()

				if resp.StatusCode >= 500 {
					return nil, fmt.Errorf("node returned %d", resp.StatusCode)
				}
				return nil, json.NewDecoder(resp.Body).Decode(&out)
			})
			return err
		},
		retry.Context(ctx),
		retry.Attempts(nodeRetryAttempts),
		retry.Delay(250*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
