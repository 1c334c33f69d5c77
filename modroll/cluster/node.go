// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package cluster holds the environment to cluster mapping and the node
// abstraction deployment strategies operate on.
package cluster

import (
	"context"
	"time"

	"github.com/modroll/modroll/modroll/structs"
)

// Node is one worker node a module can be deployed to. All three operations
// are idempotent per (node, module, version): repeating DeployModule after a
// success reports success without a second version transition. Nodes fail
// individually without affecting siblings.
type Node interface {
	// ID returns the stable node id.
	ID() string

	// Hostname returns the node's hostname. Strategies sort by hostname for
	// deterministic batching.
	Hostname() string

	// Environment returns the environment the node serves.
	Environment() structs.Environment

	// DeployModule installs the requested module version. Expected refusals
	// come back in the result with Success=false; the error covers only
	// transport failures and context cancellation.
	DeployModule(ctx context.Context, req *structs.DeploymentRequest) (*structs.NodeDeploymentResult, error)

	// RollbackModule reverts the node to the version it ran before the
	// current pipeline touched it.
	RollbackModule(ctx context.Context, moduleName string) (*structs.NodeRollbackResult, error)

	// GetHealth probes the node. Read-only.
	GetHealth(ctx context.Context) *structs.NodeHealth
}

// Health is an aggregate health summary for a cluster.
type Health struct {
	Environment    structs.Environment
	TotalNodes     int
	HealthyNodes   int
	UnhealthyNodes int
	UnknownNodes   int
	Nodes          []*structs.NodeHealth
	ProbedAt       time.Time
}

// AllHealthy reports whether every node in the cluster passed its probe.
func (h *Health) AllHealthy() bool {
	return h.TotalNodes > 0 && h.HealthyNodes == h.TotalNodes
}
