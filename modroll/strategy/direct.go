// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package strategy

import (
	"context"
	"fmt"

	"github.com/modroll/modroll/modroll/cluster"
	"github.com/modroll/modroll/modroll/structs"
)

// Direct deploys to every node in parallel and rolls all successes back on
// any failure. No batching, no health gating; intended for development
// environments.
type Direct struct {
	base
}

func (d *Direct) Name() structs.Strategy { return structs.StrategyDirect }

func (d *Direct) Deploy(ctx context.Context, req *structs.DeploymentRequest, c *cluster.EnvironmentCluster) *structs.DeploymentResult {
	res := d.newResult(structs.StrategyDirect, req)
	nodes := c.Nodes()

	res.NodeResults = d.deployNodes(ctx, nodes, req)

	if anyFailed(res.NodeResults) {
		deployed := succeededNodes(nodes, res.NodeResults)
		res.RollbackPerformed = len(deployed) > 0
		res.RollbackResults, res.RollbackSuccessful = d.rollbackNodes(ctx, deployed, req)
		res.Message = fmt.Sprintf("direct deployment failed on %d of %d nodes",
			res.NodesFailed(), len(nodes))
		res.Err = ctx.Err()
		return d.finish(res)
	}

	res.Success = true
	res.Message = fmt.Sprintf("deployed %s@%s to %d nodes", req.ModuleName, req.Version, len(nodes))
	return d.finish(res)
}
