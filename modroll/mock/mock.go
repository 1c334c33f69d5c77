// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package mock provides test fixtures for the deployment pipeline: nodes
// with scriptable failure modes, clusters over them, and canned requests.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modroll/modroll/modroll/cluster"
	"github.com/modroll/modroll/modroll/structs"
)

// Node is a scriptable in-memory node. The zero failure knobs give a
// healthy node that accepts every operation. All counters and version
// records are safe for concurrent use.
type Node struct {
	NodeID   string
	Host     string
	Env      structs.Environment

	mu sync.Mutex

	// FailDeploy makes DeployModule report failure.
	FailDeploy bool

	// FailRollback makes RollbackModule report failure.
	FailRollback bool

	// Unhealthy makes GetHealth report an unhealthy node.
	Unhealthy bool

	// DeployErr, when set, is returned from DeployModule as a transport
	// error.
	DeployErr error

	// DeployDelay stalls DeployModule, for cancellation tests.
	DeployDelay time.Duration

	versions    map[string]string
	previous    map[string]string
	transitions int
	deployCalls int
}

// NewNode returns a healthy mock node.
func NewNode(host string, env structs.Environment) *Node {
	return &Node{
		NodeID:   uuid.NewString(),
		Host:     host,
		Env:      env,
		versions: make(map[string]string),
		previous: make(map[string]string),
	}
}

func (n *Node) ID() string                       { return n.NodeID }
func (n *Node) Hostname() string                 { return n.Host }
func (n *Node) Environment() structs.Environment { return n.Env }

// Preinstall seeds an installed module version without counting a
// transition, standing in for state that predates the test's pipeline.
func (n *Node) Preinstall(module, version string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.versions[module] = version
}

// Version returns the installed version of module, if any.
func (n *Node) Version(module string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.versions[module]
	return v, ok
}

// Transitions counts actual version changes, which stays at one per
// (module, version) no matter how often DeployModule repeats.
func (n *Node) Transitions() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transitions
}

// DeployCalls counts DeployModule invocations.
func (n *Node) DeployCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.deployCalls
}

func (n *Node) DeployModule(ctx context.Context, req *structs.DeploymentRequest) (*structs.NodeDeploymentResult, error) {
	n.mu.Lock()
	delay := n.DeployDelay
	n.deployCalls++
	n.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.DeployErr != nil {
		return nil, n.DeployErr
	}
	if n.FailDeploy {
		return &structs.NodeDeploymentResult{
			NodeID:  n.NodeID,
			Success: false,
			Message: "deploy refused",
		}, nil
	}

	if n.versions[req.ModuleName] != req.Version {
		n.previous[req.ModuleName] = n.versions[req.ModuleName]
		n.versions[req.ModuleName] = req.Version
		n.transitions++
	}
	return &structs.NodeDeploymentResult{
		NodeID:  n.NodeID,
		Success: true,
		Message: fmt.Sprintf("installed %s@%s", req.ModuleName, req.Version),
	}, nil
}

func (n *Node) RollbackModule(ctx context.Context, moduleName string) (*structs.NodeRollbackResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.FailRollback {
		return &structs.NodeRollbackResult{
			NodeID:  n.NodeID,
			Success: false,
			Message: "rollback refused",
		}, nil
	}
	prev, ok := n.previous[moduleName]
	if !ok {
		return &structs.NodeRollbackResult{
			NodeID:  n.NodeID,
			Success: false,
			Message: "no previous version",
		}, nil
	}
	n.versions[moduleName] = prev
	delete(n.previous, moduleName)
	n.transitions++
	return &structs.NodeRollbackResult{
		NodeID:  n.NodeID,
		Success: true,
		Message: fmt.Sprintf("reverted to %q", prev),
	}, nil
}

func (n *Node) GetHealth(ctx context.Context) *structs.NodeHealth {
	n.mu.Lock()
	defer n.mu.Unlock()

	status := structs.NodeStatusHealthy
	healthy := true
	if n.Unhealthy {
		status = structs.NodeStatusUnhealthy
		healthy = false
	}
	return &structs.NodeHealth{
		NodeID:        n.NodeID,
		IsHealthy:     healthy,
		Status:        status,
		LastHeartbeat: time.Now(),
	}
}

// Nodes builds n mock nodes with hostnames node-01, node-02, ...
func Nodes(n int, env structs.Environment) []*Node {
	out := make([]*Node, n)
	for i := range out {
		out[i] = NewNode(fmt.Sprintf("node-%02d", i+1), env)
	}
	return out
}

// Cluster builds an environment cluster over the given mock nodes.
func Cluster(env structs.Environment, nodes []*Node) *cluster.EnvironmentCluster {
	cn := make([]cluster.Node, len(nodes))
	for i, n := range nodes {
		cn[i] = n
	}
	return cluster.NewEnvironmentCluster(env, cn)
}

// DeploymentRequest returns a valid direct-to-development request.
func DeploymentRequest() *structs.DeploymentRequest {
	return &structs.DeploymentRequest{
		ExecutionID:    uuid.NewString(),
		ModuleName:     "auth",
		Version:        "1.0.0",
		Environment:    structs.EnvDevelopment,
		Strategy:       structs.StrategyDirect,
		RequesterEmail: "dev@example.com",
	}
}

// Job wraps a request in a pending deployment job.
func Job(req *structs.DeploymentRequest) *structs.DeploymentJob {
	return &structs.DeploymentJob{
		DeploymentID: req.ExecutionID,
		Payload:      req,
		Status:       structs.JobStatusPending,
		CreatedAt:    time.Now(),
		MaxRetries:   3,
	}
}
