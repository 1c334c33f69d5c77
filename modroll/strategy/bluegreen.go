// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/modroll/modroll/modroll/cluster"
	"github.com/modroll/modroll/modroll/structs"
)

// TrafficSwitcher flips traffic onto the green side once it is proven
// healthy. The switch is a single idempotent operation; real installs
// delegate to their load balancer.
type TrafficSwitcher interface {
	Switch(ctx context.Context, env structs.Environment, module, version string) error
}

// LogSwitcher records the switch in the log. The dev-mode stand-in for a
// load balancer integration.
type LogSwitcher struct {
	logger hclog.Logger
}

func (s *LogSwitcher) Switch(_ context.Context, env structs.Environment, module, version string) error {
	s.logger.Info("traffic switched to green",
		"environment", env, "module", module, "version", version)
	return nil
}

// BlueGreen treats the cluster as the standby (green) side: deploy
// everywhere, wait for resource stabilization against a baseline metrics
// snapshot, smoke test, then switch traffic. Failures before the switch
// never roll green back; it was not serving traffic. Without a metrics
// provider the stabilization wait degrades to a fixed delay.
type BlueGreen struct {
	base
	provider cluster.MetricsProvider
	switcher TrafficSwitcher
}

func (b *BlueGreen) Name() structs.Strategy { return structs.StrategyBlueGreen }

func (b *BlueGreen) Deploy(ctx context.Context, req *structs.DeploymentRequest, c *cluster.EnvironmentCluster) *structs.DeploymentResult {
	res := b.newResult(structs.StrategyBlueGreen, req)
	nodes := c.Nodes()

	var baseline *cluster.Metrics
	if b.provider != nil {
		var err error
		baseline, err = b.provider.Snapshot(ctx, req.Environment)
		if err != nil {
			b.logger.Warn("baseline metrics snapshot failed, continuing without",
				"execution_id", req.ExecutionID, "error", err)
		}
	}

	res.NodeResults = b.deployNodes(ctx, nodes, req)
	if anyFailed(res.NodeResults) {
		// Green never took traffic, so there is nothing to undo.
		res.Message = fmt.Sprintf("green deployment failed on %d of %d nodes; traffic not switched",
			res.NodesFailed(), len(nodes))
		res.Err = ctx.Err()
		return b.finish(res)
	}

	if err := b.stabilize(ctx, req, baseline); err != nil {
		res.Message = fmt.Sprintf("green never stabilized: %v; traffic not switched", err)
		res.Err = ctx.Err()
		return b.finish(res)
	}

	if err := b.smokeTest(ctx, c); err != nil {
		res.Message = fmt.Sprintf("smoke test failed: %v; traffic not switched", err)
		res.Err = ctx.Err()
		return b.finish(res)
	}

	if err := b.switcher.Switch(ctx, req.Environment, req.ModuleName, req.Version); err != nil {
		res.Message = fmt.Sprintf("traffic switch failed: %v", err)
		res.Err = ctx.Err()
		return b.finish(res)
	}

	res.Success = true
	res.Message = fmt.Sprintf("blue-green deployment of %s@%s complete, traffic switched",
		req.ModuleName, req.Version)
	return b.finish(res)
}

// stabilize waits until metrics return to within tolerance of baseline for
// the configured number of consecutive samples, or the deadline passes.
func (b *BlueGreen) stabilize(ctx context.Context, req *structs.DeploymentRequest, baseline *cluster.Metrics) error {
	if b.provider == nil {
		// Legacy mode: no telemetry to compare against.
		b.logger.Debug("no metrics provider, using fixed stabilization delay",
			"delay", b.cfg.LegacyStabilizationDelay)
		return sleepCtx(ctx, b.cfg.LegacyStabilizationDelay)
	}

	deadline := time.Now().Add(b.cfg.StabilizationTimeout)
	var consecutive int
	for {
		if time.Now().After(deadline) {
			return fmt.Errorf("metrics did not stabilize within %s", b.cfg.StabilizationTimeout)
		}

		sample, err := b.provider.Snapshot(ctx, req.Environment)
		if err != nil {
			consecutive = 0
		} else if sample.WithinTolerance(baseline, b.cfg.StabilizationTolerance) {
			consecutive++
			if consecutive >= b.cfg.StabilizationSamples {
				return nil
			}
		} else {
			consecutive = 0
		}

		if err := sleepCtx(ctx, b.cfg.StabilizationInterval); err != nil {
			return err
		}
	}
}

// smokeTest sweeps cluster health until every node reports healthy or the
// smoke window closes.
func (b *BlueGreen) smokeTest(ctx context.Context, c *cluster.EnvironmentCluster) error {
	smokeCtx, cancel := context.WithTimeout(ctx, b.cfg.SmokeTestTimeout)
	defer cancel()

	var last *cluster.Health
	for {
		last = c.GetHealth(smokeCtx)
		if last.AllHealthy() {
			return nil
		}

		if err := sleepCtx(smokeCtx, b.cfg.SmokeTestInterval); err != nil {
			return fmt.Errorf("%d of %d nodes healthy at smoke deadline",
				last.HealthyNodes, last.TotalNodes)
		}
	}
}
