// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/modroll/modroll/modroll/cluster"
	"github.com/modroll/modroll/modroll/structs"
)

// Canary rolls out in cumulative percentage phases (10 → 30 → 50 → 100 by
// default). Each phase deploys the next slice of the hostname-sorted node
// list, then observes the cluster for the configured window; if the trip
// predicate fires, every node deployed so far in this pipeline is rolled
// back and the deployment fails. The final phase's success is the
// pipeline's success.
type Canary struct {
	base
	provider cluster.MetricsProvider
}

func (c *Canary) Name() structs.Strategy { return structs.StrategyCanary }

// phaseTarget is how many nodes the phase percentage covers, at least one.
func phaseTarget(total, pct int) int {
	n := (total*pct + 99) / 100
	if n < 1 {
		n = 1
	}
	if n > total {
		n = total
	}
	return n
}

func (c *Canary) Deploy(ctx context.Context, req *structs.DeploymentRequest, cl *cluster.EnvironmentCluster) *structs.DeploymentResult {
	res := c.newResult(structs.StrategyCanary, req)
	nodes := cl.Nodes() // sorted by hostname; phase slices are deterministic

	var deployed []cluster.Node
	covered := 0
	for i, pct := range c.cfg.CanaryPhases {
		if err := ctx.Err(); err != nil {
			return c.abort(ctx, res, req, deployed,
				fmt.Sprintf("cancelled before %d%% phase", pct), err)
		}

		target := phaseTarget(len(nodes), pct)
		phase := nodes[covered:target]
		covered = target

		c.logger.Info("starting canary phase",
			"execution_id", req.ExecutionID, "percent", pct, "nodes", len(phase))

		phaseResults := c.deployNodes(ctx, phase, req)
		res.NodeResults = append(res.NodeResults, phaseResults...)
		deployed = append(deployed, succeededNodes(phase, phaseResults)...)

		if anyFailed(phaseResults) {
			return c.abort(ctx, res, req, deployed,
				fmt.Sprintf("canary phase %d%% failed on %d nodes", pct, res.NodesFailed()), ctx.Err())
		}

		// No observation window after full rollout.
		if i == len(c.cfg.CanaryPhases)-1 {
			break
		}

		if tripped, err := c.observe(ctx, req); err != nil {
			return c.abort(ctx, res, req, deployed,
				fmt.Sprintf("cancelled observing %d%% phase", pct), err)
		} else if tripped {
			return c.abort(ctx, res, req, deployed,
				fmt.Sprintf("canary tripped during %d%% phase observation", pct), nil)
		}
	}

	res.Success = true
	res.Message = fmt.Sprintf("canary rollout of %s@%s complete across %d nodes",
		req.ModuleName, req.Version, len(nodes))
	return c.finish(res)
}

// observe samples the cluster for the phase window and reports whether the
// trip predicate fired. Without a provider the window is a plain wait.
func (c *Canary) observe(ctx context.Context, req *structs.DeploymentRequest) (bool, error) {
	if c.provider == nil {
		return false, sleepCtx(ctx, c.cfg.PhaseObservationWindow)
	}

	deadline := time.Now().Add(c.cfg.PhaseObservationWindow)
	for time.Now().Before(deadline) {
		sample, err := c.provider.Snapshot(ctx, req.Environment)
		if err != nil {
			c.logger.Warn("canary observation sample failed",
				"execution_id", req.ExecutionID, "error", err)
		} else if c.cfg.Trip(sample) {
			c.logger.Warn("canary trip predicate fired",
				"execution_id", req.ExecutionID, "error_rate", sample.ErrorRate)
			return true, nil
		}

		if err := sleepCtx(ctx, c.cfg.ObservationInterval); err != nil {
			return false, err
		}
	}
	return false, nil
}

// abort rolls back every node deployed in this pipeline and finalizes the
// failure. Canary safety: after a successful rollback no node remains on
// the new version.
func (c *Canary) abort(ctx context.Context, res *structs.DeploymentResult, req *structs.DeploymentRequest, deployed []cluster.Node, msg string, err error) *structs.DeploymentResult {
	res.RollbackPerformed = len(deployed) > 0
	res.RollbackResults, res.RollbackSuccessful = c.rollbackNodes(ctx, deployed, req)
	res.Message = msg
	res.Err = err
	return c.finish(res)
}
