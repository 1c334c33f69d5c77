// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package strategy

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"github.com/modroll/modroll/modroll/cluster"
	"github.com/modroll/modroll/modroll/structs"
)

// Rolling deploys in hostname-ordered batches of MaxConcurrent. Each batch
// deploys in parallel; between batches the just-deployed nodes settle for
// HealthCheckDelay and must then probe healthy before the next batch starts.
// Any node failure or failed health gate rolls back every node touched so
// far. Batching is deterministic for a given cluster snapshot.
type Rolling struct {
	base
}

func (r *Rolling) Name() structs.Strategy { return structs.StrategyRolling }

func (r *Rolling) Deploy(ctx context.Context, req *structs.DeploymentRequest, c *cluster.EnvironmentCluster) *structs.DeploymentResult {
	res := r.newResult(structs.StrategyRolling, req)
	nodes := c.Nodes() // sorted by hostname
	batches := lo.Chunk(nodes, r.cfg.MaxConcurrent)

	var deployed []cluster.Node
	for i, batch := range batches {
		if err := ctx.Err(); err != nil {
			return r.abort(ctx, res, req, deployed,
				fmt.Sprintf("cancelled before batch %d of %d", i+1, len(batches)), err)
		}

		batchResults := r.deployNodes(ctx, batch, req)
		res.NodeResults = append(res.NodeResults, batchResults...)
		deployed = append(deployed, succeededNodes(batch, batchResults)...)

		if anyFailed(batchResults) {
			return r.abort(ctx, res, req, deployed,
				fmt.Sprintf("batch %d of %d failed", i+1, len(batches)), ctx.Err())
		}

		// The last batch skips the pre-next-batch health wait.
		if i == len(batches)-1 {
			break
		}

		if err := sleepCtx(ctx, r.cfg.HealthCheckDelay); err != nil {
			return r.abort(ctx, res, req, deployed,
				fmt.Sprintf("cancelled during health settle after batch %d", i+1), err)
		}

		if unhealthy := r.unhealthyIn(ctx, batch); len(unhealthy) > 0 {
			return r.abort(ctx, res, req, deployed,
				fmt.Sprintf("health gate after batch %d failed: %v", i+1, unhealthy), nil)
		}
	}

	res.Success = true
	res.Message = fmt.Sprintf("rolled %s@%s across %d nodes in %d batches",
		req.ModuleName, req.Version, len(nodes), len(batches))
	return r.finish(res)
}

// unhealthyIn probes the batch and returns the ids of nodes that did not
// report healthy.
func (r *Rolling) unhealthyIn(ctx context.Context, batch []cluster.Node) []string {
	var unhealthy []string
	for _, node := range batch {
		if h := node.GetHealth(ctx); !h.IsHealthy {
			unhealthy = append(unhealthy, node.ID())
		}
	}
	return unhealthy
}

// abort rolls back everything deployed so far and finalizes the failure.
func (r *Rolling) abort(ctx context.Context, res *structs.DeploymentResult, req *structs.DeploymentRequest, deployed []cluster.Node, msg string, err error) *structs.DeploymentResult {
	res.RollbackPerformed = len(deployed) > 0
	res.RollbackResults, res.RollbackSuccessful = r.rollbackNodes(ctx, deployed, req)
	res.Message = msg
	res.Err = err
	return r.finish(res)
}
