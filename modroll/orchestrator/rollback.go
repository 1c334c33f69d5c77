// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/modroll/modroll/modroll/cluster"
	"github.com/modroll/modroll/modroll/event"
	"github.com/modroll/modroll/modroll/structs"
)

// RollbackResult reports a manual rollback of a finished deployment.
type RollbackResult struct {
	RollbackID    string
	ExecutionID   string
	Status        string
	NodesAffected int
	NodeResults   []*structs.NodeRollbackResult
}

// Rollback reverts the module of a terminal deployment across its target
// cluster. Valid on succeeded deployments and on failed ones that left
// nodes on the new version; nodes that never switched report a no-op.
func (o *Orchestrator) Rollback(ctx context.Context, executionID string) (*RollbackResult, error) {
	job, err := o.store.GetJob(ctx, executionID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case structs.JobStatusSucceeded, structs.JobStatusFailed:
	default:
		return nil, fmt.Errorf("%w: job status is %q", structs.ErrRollbackNotAllowed, job.Status)
	}

	req := job.Payload
	clust, err := o.registry.Get(req.Environment)
	if err != nil {
		return nil, err
	}

	// Same isolation as a deploy: no concurrent mutation of this module in
	// this environment.
	handle, err := o.locker.Acquire(ctx, req.LockResource(), o.cfg.AcquireTimeout)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	o.events.Emit(event.RollbackStarted, map[string]interface{}{
		"execution_id": executionID,
		"module":       req.ModuleName,
		"manual":       true,
	})
	o.logger.Info("manual rollback started",
		"execution_id", executionID, "module", req.ModuleName)

	nodes := clust.Nodes()
	results := make([]*structs.NodeRollbackResult, len(nodes))
	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, n cluster.Node) {
			defer wg.Done()
			res, err := n.RollbackModule(ctx, req.ModuleName)
			if err != nil {
				res = &structs.NodeRollbackResult{NodeID: n.ID(), Success: false, Message: err.Error()}
			}
			results[i] = res
		}(i, node)
	}
	wg.Wait()

	var affected int
	for _, res := range results {
		if res.Success {
			affected++
		}
	}

	status := "completed"
	if affected == 0 {
		status = "noop"
	}
	o.events.Emit(event.RollbackCompleted, map[string]interface{}{
		"execution_id":   executionID,
		"module":         req.ModuleName,
		"manual":         true,
		"nodes_affected": affected,
	})

	return &RollbackResult{
		RollbackID:    uuid.NewString(),
		ExecutionID:   executionID,
		Status:        status,
		NodesAffected: affected,
		NodeResults:   results,
	}, nil
}
