// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package cluster

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/modroll/modroll/modroll/structs"
)

// healthProbeQPS bounds the rate of node health probes per cluster so that
// health sweeps from concurrent pipelines do not stampede the nodes.
const healthProbeQPS = 50.0

// EnvironmentCluster is the set of nodes serving one environment. The node
// set is immutable after construction; pipelines snapshot the cluster at
// start so membership churn never changes a running rollout.
type EnvironmentCluster struct {
	env     structs.Environment
	nodes   []Node
	limiter *rate.Limiter
}

// NewEnvironmentCluster builds a cluster over the given nodes, sorted by
// hostname.
func NewEnvironmentCluster(env structs.Environment, nodes []Node) *EnvironmentCluster {
	sorted := append([]Node(nil), nodes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Hostname() < sorted[j].Hostname() })
	return &EnvironmentCluster{
		env:     env,
		nodes:   sorted,
		limiter: rate.NewLimiter(rate.Limit(healthProbeQPS), int(healthProbeQPS)),
	}
}

// Environment returns the environment this cluster serves.
func (c *EnvironmentCluster) Environment() structs.Environment {
	return c.env
}

// Nodes returns the cluster's nodes sorted by hostname.
func (c *EnvironmentCluster) Nodes() []Node {
	return append([]Node(nil), c.nodes...)
}

// Size returns the number of nodes in the cluster.
func (c *EnvironmentCluster) Size() int {
	return len(c.nodes)
}

// GetHealth probes every node in parallel and aggregates the results.
func (c *EnvironmentCluster) GetHealth(ctx context.Context) *Health {
	health := &Health{
		Environment: c.env,
		TotalNodes:  len(c.nodes),
		Nodes:       make([]*structs.NodeHealth, len(c.nodes)),
		ProbedAt:    time.Now(),
	}

	var wg sync.WaitGroup
	for i, node := range c.nodes {
		if err := c.limiter.Wait(ctx); err != nil {
			health.Nodes[i] = &structs.NodeHealth{
				NodeID: node.ID(),
				Status: structs.NodeStatusUnknown,
			}
			continue
		}
		wg.Add(1)
		go func(i int, node Node) {
			defer wg.Done()
			health.Nodes[i] = node.GetHealth(ctx)
		}(i, node)
	}
	wg.Wait()

	for _, nh := range health.Nodes {
		switch nh.Status {
		case structs.NodeStatusHealthy:
			health.HealthyNodes++
		case structs.NodeStatusUnhealthy:
			health.UnhealthyNodes++
		default:
			health.UnknownNodes++
		}
	}
	return health
}

// Registry maps environments onto their clusters. Registration happens at
// agent setup; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	clusters map[structs.Environment]*EnvironmentCluster
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{clusters: make(map[structs.Environment]*EnvironmentCluster)}
}

// Register installs or replaces the cluster for its environment.
func (r *Registry) Register(c *EnvironmentCluster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clusters[c.Environment()] = c
}

// Get returns the cluster for env.
func (r *Registry) Get(env structs.Environment) (*EnvironmentCluster, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clusters[env]
	if !ok {
		return nil, fmt.Errorf("%w: %q", structs.ErrUnknownEnvironment, env)
	}
	return c, nil
}

// List returns all registered clusters ordered by environment name.
func (r *Registry) List() []*EnvironmentCluster {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*EnvironmentCluster, 0, len(r.clusters))
	for _, c := range r.clusters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].env < out[j].env })
	return out
}
