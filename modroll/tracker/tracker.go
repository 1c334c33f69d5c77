// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package tracker maintains the replica-local index of pipeline execution
// state. Entries are copies on the way in and out; callers never share
// memory with the tracker. Durable truth lives in the job table; the tracker
// exists so status reads on the owning replica see stage-level progress.
package tracker

import (
	"sort"
	"time"

	"github.com/hashicorp/go-hclog"
	cache "github.com/patrickmn/go-cache"

	"github.com/modroll/modroll/modroll/structs"
)

const (
	// terminalTTL retains finished executions for a day of status reads.
	terminalTTL = 24 * time.Hour

	// inProgressTTL evicts abandoned in-progress entries ahead of terminal
	// ones. Live pipelines refresh it on every update.
	inProgressTTL = 2 * time.Hour
)

// Tracker indexes pipeline execution state by execution id.
type Tracker struct {
	c      *cache.Cache
	logger hclog.Logger
}

// New returns an empty tracker.
func New(logger hclog.Logger) *Tracker {
	return &Tracker{
		c:      cache.New(inProgressTTL, 10*time.Minute),
		logger: logger.Named("tracker"),
	}
}

// StartExecution registers a new pipeline in Pending status.
func (t *Tracker) StartExecution(req *structs.DeploymentRequest) *structs.ExecutionState {
	now := time.Now()
	state := &structs.ExecutionState{
		ExecutionID: req.ExecutionID,
		ModuleName:  req.ModuleName,
		Version:     req.Version,
		Environment: req.Environment,
		Strategy:    req.Strategy,
		Status:      structs.DeploymentStatusPending,
		StartedAt:   now,
		LastUpdated: now,
	}
	t.put(state)
	return state.Copy()
}

// Get returns a copy of the execution state, if tracked on this replica.
func (t *Tracker) Get(executionID string) (*structs.ExecutionState, bool) {
	raw, ok := t.c.Get(executionID)
	if !ok {
		return nil, false
	}
	return raw.(*structs.ExecutionState).Copy(), true
}

// List returns up to limit executions, most recently updated first.
func (t *Tracker) List(limit int) []*structs.ExecutionState {
	items := t.c.Items()
	out := make([]*structs.ExecutionState, 0, len(items))
	for _, item := range items {
		out = append(out, item.Object.(*structs.ExecutionState).Copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUpdated.After(out[j].LastUpdated) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// SetStatus moves the pipeline to status. Terminal statuses are sticky: a
// late writer cannot resurrect a finished pipeline.
func (t *Tracker) SetStatus(executionID string, status structs.DeploymentStatus) {
	t.update(executionID, func(s *structs.ExecutionState) {
		if s.Status.Terminal() {
			t.logger.Warn("ignoring status update on terminal execution",
				"execution_id", executionID, "status", status)
			return
		}
		s.Status = status
	})
}

// SetError records the pipeline error string.
func (t *Tracker) SetError(executionID string, err error) {
	t.update(executionID, func(s *structs.ExecutionState) {
		if err != nil {
			s.Error = err.Error()
		}
	})
}

// StartStage appends a running stage. Stages are append-only; starting a
// stage while the previous one is still running marks it failed first.
func (t *Tracker) StartStage(executionID, name string) {
	t.update(executionID, func(s *structs.ExecutionState) {
		if cur := s.CurrentStage(); cur != nil && !cur.Status.Terminal() {
			cur.Status = structs.StageStatusFailed
			cur.Duration = time.Since(cur.StartTime)
		}
		s.Stages = append(s.Stages, &structs.StageState{
			Name:      name,
			Status:    structs.StageStatusRunning,
			StartTime: time.Now(),
		})
	})
}

// StageUpdate carries the mutable fields of a stage completion.
type StageUpdate struct {
	Status             structs.StageStatus
	NodesDeployed      int
	NodesFailed        int
	Message            string
	RollbackSuccessful *bool
}

// CompleteStage finishes the named stage. Completion of an already-terminal
// stage is ignored, keeping per-stage transitions monotonic.
func (t *Tracker) CompleteStage(executionID, name string, up StageUpdate) {
	t.update(executionID, func(s *structs.ExecutionState) {
		for i := len(s.Stages) - 1; i >= 0; i-- {
			stage := s.Stages[i]
			if stage.Name != name {
				continue
			}
			if stage.Status.Terminal() {
				return
			}
			stage.Status = up.Status
			stage.Duration = time.Since(stage.StartTime)
			stage.NodesDeployed = up.NodesDeployed
			stage.NodesFailed = up.NodesFailed
			stage.Message = up.Message
			stage.RollbackSuccessful = up.RollbackSuccessful
			return
		}
	})
}

// update applies fn to the tracked state under a fresh copy and reindexes
// it with a TTL matching its progress.
func (t *Tracker) update(executionID string, fn func(*structs.ExecutionState)) {
	raw, ok := t.c.Get(executionID)
	if !ok {
		t.logger.Debug("update for untracked execution", "execution_id", executionID)
		return
	}
	state := raw.(*structs.ExecutionState).Copy()
	fn(state)
	state.LastUpdated = time.Now()
	t.put(state)
}

func (t *Tracker) put(state *structs.ExecutionState) {
	ttl := inProgressTTL
	if state.Status.Terminal() {
		ttl = terminalTTL
	}
	t.c.Set(state.ExecutionID, state, ttl)
}
