// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modroll/modroll/modroll/structs"
)

// StaticNode is an in-process node used by dev mode agents. It records the
// versions it runs and answers every operation locally, honoring the node
// idempotency contract: a repeated deploy of the installed version is a
// no-op success.
type StaticNode struct {
	id       string
	hostname string
	env      structs.Environment

	mu       sync.Mutex
	versions map[string]string // module -> current version
	previous map[string]string // module -> version before last deploy
}

// NewStaticNode returns a healthy in-process node.
func NewStaticNode(id, hostname string, env structs.Environment) *StaticNode {
	return &StaticNode{
		id:       id,
		hostname: hostname,
		env:      env,
		versions: make(map[string]string),
		previous: make(map[string]string),
	}
}

func (n *StaticNode) ID() string                       { return n.id }
func (n *StaticNode) Hostname() string                 { return n.hostname }
func (n *StaticNode) Environment() structs.Environment { return n.env }

// Version returns the module version currently installed, if any.
func (n *StaticNode) Version(module string) (string, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.versions[module]
	return v, ok
}

func (n *StaticNode) DeployModule(ctx context.Context, req *structs.DeploymentRequest) (*structs.NodeDeploymentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.versions[req.ModuleName] != req.Version {
		n.previous[req.ModuleName] = n.versions[req.ModuleName]
		n.versions[req.ModuleName] = req.Version
	}

	return &structs.NodeDeploymentResult{
		NodeID:   n.id,
		Success:  true,
		Message:  fmt.Sprintf("installed %s@%s", req.ModuleName, req.Version),
		Duration: time.Since(start),
	}, nil
}

func (n *StaticNode) RollbackModule(ctx context.Context, moduleName string) (*structs.NodeRollbackResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	prev, ok := n.previous[moduleName]
	if !ok {
		return &structs.NodeRollbackResult{
			NodeID:  n.id,
			Success: false,
			Message: fmt.Sprintf("no previous version of %s", moduleName),
		}, nil
	}
	n.versions[moduleName] = prev
	delete(n.previous, moduleName)

	return &structs.NodeRollbackResult{
		NodeID:  n.id,
		Success: true,
		Message: fmt.Sprintf("reverted %s to %q", moduleName, prev),
	}, nil
}

func (n *StaticNode) GetHealth(ctx context.Context) *structs.NodeHealth {
	return &structs.NodeHealth{
		NodeID:        n.id,
		IsHealthy:     true,
		Status:        structs.NodeStatusHealthy,
		LastHeartbeat: time.Now(),
	}
}
