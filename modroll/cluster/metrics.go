// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package cluster

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/modroll/modroll/modroll/structs"
)

// Metrics is one sample of a cluster's aggregate behavior, consumed by the
// blue-green stabilization wait and the canary trip predicate.
type Metrics struct {
	Environment  structs.Environment `json:"environment"`
	Timestamp    time.Time           `json:"timestamp"`
	ErrorRate    float64             `json:"error_rate"` // 0.0 - 1.0
	HealthyRatio float64             `json:"healthy_ratio"`
	TotalNodes   int                 `json:"total_nodes"`
	HealthyNodes int                 `json:"healthy_nodes"`
}

// WithinTolerance reports whether the sample deviates from baseline by at
// most tolerance on both error rate and healthy ratio.
func (m *Metrics) WithinTolerance(baseline *Metrics, tolerance float64) bool {
	if baseline == nil {
		return true
	}
	return math.Abs(m.ErrorRate-baseline.ErrorRate) <= tolerance &&
		math.Abs(m.HealthyRatio-baseline.HealthyRatio) <= tolerance
}

// MetricsProvider supplies cluster metric samples. The default provider
// derives them from node health probes; deployments with a real telemetry
// backend can inject their own.
type MetricsProvider interface {
	Snapshot(ctx context.Context, env structs.Environment) (*Metrics, error)
}

// metricsHistoryLimit bounds the per-environment sample ring served by the
// cluster metrics endpoint.
const metricsHistoryLimit = 720

// HealthMetricsProvider approximates cluster metrics from health probes: the
// unhealthy fraction stands in for the error rate. Samples are retained in a
// ring for the metrics endpoint.
type HealthMetricsProvider struct {
	registry *Registry

	mu      sync.Mutex
	history map[structs.Environment][]*Metrics
}

// NewHealthMetricsProvider returns a provider over the registry's clusters.
func NewHealthMetricsProvider(registry *Registry) *HealthMetricsProvider {
	return &HealthMetricsProvider{
		registry: registry,
		history:  make(map[structs.Environment][]*Metrics),
	}
}

func (p *HealthMetricsProvider) Snapshot(ctx context.Context, env structs.Environment) (*Metrics, error) {
	c, err := p.registry.Get(env)
	if err != nil {
		return nil, err
	}

	health := c.GetHealth(ctx)
	m := &Metrics{
		Environment:  env,
		Timestamp:    health.ProbedAt,
		TotalNodes:   health.TotalNodes,
		HealthyNodes: health.HealthyNodes,
	}
	if health.TotalNodes > 0 {
		m.HealthyRatio = float64(health.HealthyNodes) / float64(health.TotalNodes)
		m.ErrorRate = float64(health.UnhealthyNodes+health.UnknownNodes) / float64(health.TotalNodes)
	}

	p.mu.Lock()
	ring := append(p.history[env], m)
	if len(ring) > metricsHistoryLimit {
		ring = ring[len(ring)-metricsHistoryLimit:]
	}
	p.history[env] = ring
	p.mu.Unlock()

	return m, nil
}

// History returns the retained samples for env within [from, to]. A zero
// bound is open.
func (p *HealthMetricsProvider) History(env structs.Environment, from, to time.Time) []*Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Metrics
	for _, m := range p.history[env] {
		if !from.IsZero() && m.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && m.Timestamp.After(to) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// StaticMetricsProvider returns a fixed sequence of samples; the last sample
// repeats. Used by tests and the dev mode agent.
type StaticMetricsProvider struct {
	mu      sync.Mutex
	samples []*Metrics
	idx     int
}

// NewStaticMetricsProvider builds a provider over the given samples.
func NewStaticMetricsProvider(samples ...*Metrics) *StaticMetricsProvider {
	return &StaticMetricsProvider{samples: samples}
}

func (p *StaticMetricsProvider) Snapshot(ctx context.Context, env structs.Environment) (*Metrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.samples) == 0 {
		return &Metrics{Environment: env, Timestamp: time.Now()}, nil
	}
	m := p.samples[p.idx]
	if p.idx < len(p.samples)-1 {
		p.idx++
	}
	out := *m
	out.Environment = env
	out.Timestamp = time.Now()
	return &out, nil
}
