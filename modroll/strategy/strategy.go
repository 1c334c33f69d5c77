// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package strategy implements the four rollout walks over a cluster: direct,
// rolling, blue-green and canary. All strategies share one rollback
// contract: when a Deploy reports Success=false with RollbackPerformed=true,
// every node that succeeded earlier in that call has been rolled back, in
// parallel, with per-node results recorded. A strategy never leaves a
// cluster partially on the new version without saying so.
package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"

	"github.com/modroll/modroll/modroll/cluster"
	"github.com/modroll/modroll/modroll/event"
	"github.com/modroll/modroll/modroll/structs"
)

// TripFunc decides whether a canary observation sample should abort the
// rollout.
type TripFunc func(*cluster.Metrics) bool

// DefaultTrip fires when the observed error rate exceeds 5%.
func DefaultTrip(m *cluster.Metrics) bool {
	return m.ErrorRate > 0.05
}

// Config tunes all strategies. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	// MaxConcurrent is the rolling batch size.
	MaxConcurrent int

	// HealthCheckDelay is the settle time between a rolling batch and its
	// health gate.
	HealthCheckDelay time.Duration

	// SmokeTestTimeout bounds the blue-green post-deploy health sweep.
	SmokeTestTimeout time.Duration

	// SmokeTestInterval is the sweep retry cadence inside the timeout.
	SmokeTestInterval time.Duration

	// StabilizationTimeout bounds the blue-green wait for metrics to return
	// to baseline.
	StabilizationTimeout time.Duration

	// StabilizationInterval is the sampling cadence during stabilization.
	StabilizationInterval time.Duration

	// StabilizationSamples is how many consecutive in-tolerance samples
	// declare the cluster stable.
	StabilizationSamples int

	// StabilizationTolerance is the allowed deviation from baseline.
	StabilizationTolerance float64

	// LegacyStabilizationDelay replaces the stabilization wait when no
	// metrics provider is configured.
	LegacyStabilizationDelay time.Duration

	// CanaryPhases are the cumulative rollout percentages; the last must
	// be 100.
	CanaryPhases []int

	// PhaseObservationWindow is how long each canary phase is observed
	// before the next one starts.
	PhaseObservationWindow time.Duration

	// ObservationInterval is the sampling cadence inside an observation
	// window.
	ObservationInterval time.Duration

	// Trip aborts a canary when it fires on an observation sample.
	Trip TripFunc

	// RollbackGrace bounds rollback work after the pipeline context is
	// already cancelled.
	RollbackGrace time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrent:            2,
		HealthCheckDelay:         30 * time.Second,
		SmokeTestTimeout:         5 * time.Minute,
		SmokeTestInterval:        10 * time.Second,
		StabilizationTimeout:     10 * time.Minute,
		StabilizationInterval:    10 * time.Second,
		StabilizationSamples:     3,
		StabilizationTolerance:   0.10,
		LegacyStabilizationDelay: 30 * time.Second,
		CanaryPhases:             []int{10, 30, 50, 100},
		PhaseObservationWindow:   5 * time.Minute,
		ObservationInterval:      15 * time.Second,
		Trip:                     DefaultTrip,
		RollbackGrace:            30 * time.Second,
	}
}

// Validate checks the config for values the strategies cannot run with.
func (c *Config) Validate() error {
	var mErr *multierror.Error
	if c.MaxConcurrent < 1 {
		mErr = multierror.Append(mErr, fmt.Errorf("max concurrent must be positive, got %d", c.MaxConcurrent))
	}
	if len(c.CanaryPhases) == 0 || c.CanaryPhases[len(c.CanaryPhases)-1] != 100 {
		mErr = multierror.Append(mErr, fmt.Errorf("canary phases must end at 100, got %v", c.CanaryPhases))
	}
	for i, p := range c.CanaryPhases {
		if p < 1 || p > 100 || (i > 0 && p <= c.CanaryPhases[i-1]) {
			mErr = multierror.Append(mErr, fmt.Errorf("canary phases must be strictly increasing within (0,100], got %v", c.CanaryPhases))
			break
		}
	}
	if c.StabilizationSamples < 1 {
		mErr = multierror.Append(mErr, fmt.Errorf("stabilization samples must be positive, got %d", c.StabilizationSamples))
	}
	return mErr.ErrorOrNil()
}

// Strategy walks a cluster snapshot for one deployment request.
type Strategy interface {
	Name() structs.Strategy
	Deploy(ctx context.Context, req *structs.DeploymentRequest, c *cluster.EnvironmentCluster) *structs.DeploymentResult
}

// Set holds the registered strategies.
type Set struct {
	strategies map[structs.Strategy]Strategy
}

// NewSet builds the four standard strategies. The metrics provider may be
// nil, which puts blue-green in legacy mode and disables canary sampling
// beyond the health-derived default.
func NewSet(cfg *Config, provider cluster.MetricsProvider, switcher TrafficSwitcher, events event.Emitter, logger hclog.Logger) (*Set, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if switcher == nil {
		switcher = &LogSwitcher{logger: logger}
	}

	base := base{cfg: cfg, events: events, logger: logger.Named("strategy")}
	return &Set{strategies: map[structs.Strategy]Strategy{
		structs.StrategyDirect:    &Direct{base: base},
		structs.StrategyRolling:   &Rolling{base: base},
		structs.StrategyBlueGreen: &BlueGreen{base: base, provider: provider, switcher: switcher},
		structs.StrategyCanary:    &Canary{base: base, provider: provider},
	}}, nil
}

// Get returns the strategy registered under name.
func (s *Set) Get(name structs.Strategy) (Strategy, error) {
	st, ok := s.strategies[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", structs.ErrUnknownStrategy, name)
	}
	return st, nil
}

// base carries the shared plumbing of all strategies.
type base struct {
	cfg    *Config
	events event.Emitter
	logger hclog.Logger
}

// newResult seeds a DeploymentResult for one strategy invocation.
func (b *base) newResult(name structs.Strategy, req *structs.DeploymentRequest) *structs.DeploymentResult {
	return &structs.DeploymentResult{
		Strategy:    name,
		Environment: req.Environment,
		StartTime:   time.Now(),
	}
}

// finish stamps the end time and records the per-strategy timing metric.
func (b *base) finish(res *structs.DeploymentResult) *structs.DeploymentResult {
	res.EndTime = time.Now()
	metrics.MeasureSince([]string{"modroll", "strategy", string(res.Strategy)}, res.StartTime)
	if !res.Success {
		metrics.IncrCounter([]string{"modroll", "strategy", "failed"}, 1)
	}
	return res
}

// deployNodes deploys to all nodes in parallel and returns the results in
// node order. A node whose operation errors out (transport failure,
// cancellation) gets a failed result; siblings are unaffected.
func (b *base) deployNodes(ctx context.Context, nodes []cluster.Node, req *structs.DeploymentRequest) []*structs.NodeDeploymentResult {
	results := make([]*structs.NodeDeploymentResult, len(nodes))

	var wg sync.WaitGroup
	for i, node := range nodes {
		if err := ctx.Err(); err != nil {
			// Stop issuing new node operations once cancelled.
			results[i] = &structs.NodeDeploymentResult{
				NodeID:  node.ID(),
				Success: false,
				Message: fmt.Sprintf("not attempted: %v", err),
			}
			continue
		}
		wg.Add(1)
		go func(i int, node cluster.Node) {
			defer wg.Done()
			res, err := node.DeployModule(ctx, req)
			if err != nil {
				res = &structs.NodeDeploymentResult{
					NodeID:  node.ID(),
					Success: false,
					Message: err.Error(),
				}
			}
			results[i] = res
		}(i, node)
	}
	wg.Wait()
	return results
}

// rollbackNodes reverts the given nodes in parallel. Returns the per-node
// results and whether every rollback succeeded. Runs on a grace context so
// rollback still happens after pipeline cancellation.
func (b *base) rollbackNodes(ctx context.Context, nodes []cluster.Node, req *structs.DeploymentRequest) ([]*structs.NodeRollbackResult, bool) {
	if len(nodes) == 0 {
		return nil, true
	}

	graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.RollbackGrace)
	defer cancel()

	b.events.Emit(event.RollbackStarted, map[string]interface{}{
		"execution_id": req.ExecutionID,
		"module":       req.ModuleName,
		"node_count":   len(nodes),
	})
	b.logger.Warn("rolling back deployed nodes",
		"execution_id", req.ExecutionID, "module", req.ModuleName, "nodes", len(nodes))

	results := make([]*structs.NodeRollbackResult, len(nodes))
	var wg sync.WaitGroup
	for i, node := range nodes {
		wg.Add(1)
		go func(i int, node cluster.Node) {
			defer wg.Done()
			res, err := node.RollbackModule(graceCtx, req.ModuleName)
			if err != nil {
				res = &structs.NodeRollbackResult{
					NodeID:  node.ID(),
					Success: false,
					Message: err.Error(),
				}
			}
			results[i] = res
		}(i, node)
	}
	wg.Wait()

	var mErr *multierror.Error
	for _, res := range results {
		if !res.Success {
			mErr = multierror.Append(mErr, fmt.Errorf("node %s: %s", res.NodeID, res.Message))
		}
	}
	ok := mErr.ErrorOrNil() == nil
	if !ok {
		b.logger.Error("rollback left nodes on the new version", "error", mErr)
	}

	b.events.Emit(event.RollbackCompleted, map[string]interface{}{
		"execution_id": req.ExecutionID,
		"module":       req.ModuleName,
		"successful":   ok,
	})
	return results, ok
}

// succeededNodes filters nodes down to those whose deploy result succeeded.
func succeededNodes(nodes []cluster.Node, results []*structs.NodeDeploymentResult) []cluster.Node {
	byID := make(map[string]bool, len(results))
	for _, res := range results {
		if res.Success {
			byID[res.NodeID] = true
		}
	}
	var out []cluster.Node
	for _, node := range nodes {
		if byID[node.ID()] {
			out = append(out, node)
		}
	}
	return out
}

func anyFailed(results []*structs.NodeDeploymentResult) bool {
	for _, res := range results {
		if !res.Success {
			return true
		}
	}
	return false
}

// sleepCtx waits for d unless ctx finishes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
