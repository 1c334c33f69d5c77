// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package cluster_test

import (
	"context"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/modroll/modroll/ci"
	"github.com/modroll/modroll/modroll/cluster"
	"github.com/modroll/modroll/modroll/mock"
	"github.com/modroll/modroll/modroll/structs"
)

func TestEnvironmentCluster_SortsNodesByHostname(t *testing.T) {
	ci.Parallel(t)

	nodes := []cluster.Node{
		mock.NewNode("web-03", structs.EnvStaging),
		mock.NewNode("web-01", structs.EnvStaging),
		mock.NewNode("web-02", structs.EnvStaging),
	}
	c := cluster.NewEnvironmentCluster(structs.EnvStaging, nodes)

	must.Eq(t, 3, c.Size())
	got := c.Nodes()
	must.Eq(t, "web-01", got[0].Hostname())
	must.Eq(t, "web-02", got[1].Hostname())
	must.Eq(t, "web-03", got[2].Hostname())
}

func TestEnvironmentCluster_GetHealth(t *testing.T) {
	ci.Parallel(t)

	nodes := mock.Nodes(4, structs.EnvDevelopment)
	nodes[2].Unhealthy = true
	c := mock.Cluster(structs.EnvDevelopment, nodes)

	health := c.GetHealth(context.Background())
	must.Eq(t, 4, health.TotalNodes)
	must.Eq(t, 3, health.HealthyNodes)
	must.Eq(t, 1, health.UnhealthyNodes)
	must.False(t, health.AllHealthy())

	nodes[2].Unhealthy = false
	health = c.GetHealth(context.Background())
	must.True(t, health.AllHealthy())
}

func TestRegistry(t *testing.T) {
	ci.Parallel(t)

	registry := cluster.NewRegistry()
	registry.Register(mock.Cluster(structs.EnvProduction, mock.Nodes(5, structs.EnvProduction)))
	registry.Register(mock.Cluster(structs.EnvDevelopment, mock.Nodes(2, structs.EnvDevelopment)))

	c, err := registry.Get(structs.EnvProduction)
	must.NoError(t, err)
	must.Eq(t, 5, c.Size())

	_, err = registry.Get(structs.EnvQA)
	must.ErrorIs(t, err, structs.ErrUnknownEnvironment)

	// List orders by environment name.
	list := registry.List()
	must.Len(t, 2, list)
	must.Eq(t, structs.EnvDevelopment, list[0].Environment())
	must.Eq(t, structs.EnvProduction, list[1].Environment())
}

func TestHealthMetricsProvider_Snapshot(t *testing.T) {
	ci.Parallel(t)

	nodes := mock.Nodes(4, structs.EnvStaging)
	nodes[0].Unhealthy = true
	registry := cluster.NewRegistry()
	registry.Register(mock.Cluster(structs.EnvStaging, nodes))

	provider := cluster.NewHealthMetricsProvider(registry)

	m, err := provider.Snapshot(context.Background(), structs.EnvStaging)
	must.NoError(t, err)
	must.Eq(t, 4, m.TotalNodes)
	must.Eq(t, 3, m.HealthyNodes)
	must.Eq(t, 0.75, m.HealthyRatio)
	must.Eq(t, 0.25, m.ErrorRate)

	_, err = provider.Snapshot(context.Background(), structs.EnvQA)
	must.ErrorIs(t, err, structs.ErrUnknownEnvironment)
}

func TestHealthMetricsProvider_History(t *testing.T) {
	ci.Parallel(t)

	registry := cluster.NewRegistry()
	registry.Register(mock.Cluster(structs.EnvStaging, mock.Nodes(2, structs.EnvStaging)))
	provider := cluster.NewHealthMetricsProvider(registry)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := provider.Snapshot(ctx, structs.EnvStaging)
		must.NoError(t, err)
	}

	all := provider.History(structs.EnvStaging, time.Time{}, time.Time{})
	must.Len(t, 3, all)

	// Bounds exclude samples outside the window.
	future := provider.History(structs.EnvStaging, time.Now().Add(time.Hour), time.Time{})
	must.Len(t, 0, future)
	past := provider.History(structs.EnvStaging, time.Time{}, time.Now().Add(-time.Hour))
	must.Len(t, 0, past)

	// Other environments have no samples.
	must.Len(t, 0, provider.History(structs.EnvProduction, time.Time{}, time.Time{}))
}

func TestStaticMetricsProvider(t *testing.T) {
	ci.Parallel(t)

	provider := cluster.NewStaticMetricsProvider(
		&cluster.Metrics{ErrorRate: 0.0},
		&cluster.Metrics{ErrorRate: 0.5},
	)
	ctx := context.Background()

	first, err := provider.Snapshot(ctx, structs.EnvDevelopment)
	must.NoError(t, err)
	must.Eq(t, 0.0, first.ErrorRate)

	// The last sample repeats forever.
	for i := 0; i < 3; i++ {
		m, err := provider.Snapshot(ctx, structs.EnvDevelopment)
		must.NoError(t, err)
		must.Eq(t, 0.5, m.ErrorRate)
	}
}

func TestMetrics_WithinTolerance(t *testing.T) {
	ci.Parallel(t)

	baseline := &cluster.Metrics{ErrorRate: 0.02, HealthyRatio: 1.0}

	ok := &cluster.Metrics{ErrorRate: 0.03, HealthyRatio: 0.98}
	must.True(t, ok.WithinTolerance(baseline, 0.05))

	degraded := &cluster.Metrics{ErrorRate: 0.12, HealthyRatio: 1.0}
	must.False(t, degraded.WithinTolerance(baseline, 0.05))

	unhealthy := &cluster.Metrics{ErrorRate: 0.02, HealthyRatio: 0.5}
	must.False(t, unhealthy.WithinTolerance(baseline, 0.05))

	// No baseline means nothing to deviate from.
	must.True(t, degraded.WithinTolerance(nil, 0.05))
}

func TestStaticNode(t *testing.T) {
	ci.Parallel(t)

	node := cluster.NewStaticNode("dev-01", "dev-01", structs.EnvDevelopment)
	ctx := context.Background()

	req := mock.DeploymentRequest()
	res, err := node.DeployModule(ctx, req)
	must.NoError(t, err)
	must.True(t, res.Success)

	v, ok := node.Version("auth")
	must.True(t, ok)
	must.Eq(t, "1.0.0", v)

	// Redeploying the installed version is a no-op success that must not
	// clobber the recorded previous version.
	req2 := mock.DeploymentRequest()
	req2.Version = "1.1.0"
	_, err = node.DeployModule(ctx, req2)
	must.NoError(t, err)
	_, err = node.DeployModule(ctx, req2)
	must.NoError(t, err)

	rb, err := node.RollbackModule(ctx, "auth")
	must.NoError(t, err)
	must.True(t, rb.Success)
	v, _ = node.Version("auth")
	must.Eq(t, "1.0.0", v)

	// Health never degrades on a static node.
	health := node.GetHealth(ctx)
	must.Eq(t, structs.NodeStatusHealthy, health.Status)
}
