// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package agent wires the deployment orchestrator's components into a
// runnable process and exposes them over the HTTP control plane.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/redis/go-redis/v9"

	"github.com/modroll/modroll/modroll/approval"
	"github.com/modroll/modroll/modroll/cluster"
	"github.com/modroll/modroll/modroll/event"
	"github.com/modroll/modroll/modroll/idempotency"
	"github.com/modroll/modroll/modroll/lock"
	"github.com/modroll/modroll/modroll/orchestrator"
	"github.com/modroll/modroll/modroll/state"
	"github.com/modroll/modroll/modroll/strategy"
	"github.com/modroll/modroll/modroll/structs"
	"github.com/modroll/modroll/modroll/tracker"
	"github.com/modroll/modroll/modroll/worker"
)

// Agent is a running orchestrator instance: store, locker, pipeline
// components, job processor and HTTP server.
type Agent struct {
	config *Config
	logger hclog.InterceptLogger

	store     state.Store
	redis     *redis.Client
	locker    lock.Locker
	idem      idempotency.Store
	registry  *cluster.Registry
	provider  *cluster.HealthMetricsProvider
	events    event.Emitter
	approvals *approval.Service
	orch      *orchestrator.Orchestrator
	worker    *worker.Worker

	httpServer *HTTPServer
	inmemSink  *metrics.InmemSink

	runCtx    context.Context
	runCancel context.CancelFunc
	shutdown  bool
}

// NewAgent builds and starts an agent from a validated config.
func NewAgent(config *Config, logger hclog.InterceptLogger) (*Agent, error) {
	a := &Agent{
		config: config,
		logger: logger,
	}
	a.runCtx, a.runCancel = context.WithCancel(context.Background())

	if err := a.setupTelemetry(); err != nil {
		return nil, err
	}
	if err := a.setupStore(); err != nil {
		return nil, err
	}
	if err := a.setupRedis(); err != nil {
		return nil, err
	}
	if err := a.setupLocker(); err != nil {
		return nil, err
	}
	a.setupIdempotency()
	if err := a.setupClusters(); err != nil {
		return nil, err
	}
	if err := a.setupPipeline(); err != nil {
		return nil, err
	}

	go a.approvals.Run(a.runCtx)
	go a.worker.Run(a.runCtx)

	srv, err := NewHTTPServer(a, config)
	if err != nil {
		a.Shutdown()
		return nil, err
	}
	a.httpServer = srv

	a.logger.Info("agent started",
		"http", srv.Addr,
		"database", config.Database.Backend,
		"locks", config.Locks.Backend,
		"dev_mode", config.DevMode)
	return a, nil
}

func (a *Agent) setupTelemetry() error {
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	metrics.DefaultInmemSignal(sink)
	a.inmemSink = sink
	cfg := metrics.DefaultConfig("modroll")
	cfg.EnableHostname = false
	_, err := metrics.NewGlobal(cfg, sink)
	return err
}

func (a *Agent) setupStore() error {
	switch a.config.Database.Backend {
	case "memory":
		a.store = state.NewInmemStore()
	case "postgres":
		store, err := state.Open(a.config.Database.DSN, a.logger)
		if err != nil {
			return fmt.Errorf("opening job store: %w", err)
		}
		a.store = store
	default:
		return fmt.Errorf("unknown database backend %q", a.config.Database.Backend)
	}
	return nil
}

func (a *Agent) setupRedis() error {
	if a.config.Redis == nil {
		return nil
	}
	a.redis = redis.NewClient(&redis.Options{
		Addr:     a.config.Redis.Address,
		Password: a.config.Redis.Password,
		DB:       a.config.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(a.runCtx, 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis at %s: %w", a.config.Redis.Address, err)
	}
	return nil
}

func (a *Agent) setupLocker() error {
	switch a.config.Locks.Backend {
	case "local":
		a.locker = lock.NewLocalLocker(a.logger)
	case "postgres":
		store, ok := a.store.(*state.SQLStore)
		if !ok {
			return fmt.Errorf("postgres lock backend requires the postgres database backend")
		}
		a.locker = lock.NewPostgresLocker(store.DB(), a.logger)
	case "redis":
		if a.redis == nil {
			return fmt.Errorf("redis lock backend requires a redis block")
		}
		a.locker = lock.NewRedisLocker(a.redis, a.logger)
	default:
		return fmt.Errorf("unknown lock backend %q", a.config.Locks.Backend)
	}
	return nil
}

func (a *Agent) setupIdempotency() {
	ttl := time.Duration(a.config.Idempotency.TTL)
	if a.config.Idempotency.Backend == "redis" && a.redis != nil {
		a.idem = idempotency.NewRedisStore(a.redis, ttl)
		return
	}
	a.idem = idempotency.NewMemoryStore(ttl)
}

func (a *Agent) setupClusters() error {
	a.registry = cluster.NewRegistry()
	for _, cc := range a.config.Clusters {
		env, err := structs.ParseEnvironment(cc.Environment)
		if err != nil {
			return err
		}
		nodes := make([]cluster.Node, 0, len(cc.Nodes))
		for i, nc := range cc.Nodes {
			id := fmt.Sprintf("%s-%02d", env, i+1)
			if a.config.DevMode {
				nodes = append(nodes, cluster.NewStaticNode(id, nc.Hostname, env))
			} else {
				nodes = append(nodes, cluster.NewHTTPNode(id, nc.Hostname, nc.Port, env, a.logger))
			}
		}
		a.registry.Register(cluster.NewEnvironmentCluster(env, nodes))
	}
	a.provider = cluster.NewHealthMetricsProvider(a.registry)
	return nil
}

func (a *Agent) setupPipeline() error {
	a.events = event.NewLogEmitter(a.logger)

	pipe := a.config.Pipeline
	scfg := strategy.DefaultConfig()
	scfg.MaxConcurrent = pipe.RollingBatchSize
	scfg.HealthCheckDelay = time.Duration(pipe.HealthCheckDelay)
	scfg.CanaryPhases = append([]int(nil), pipe.CanaryPhases...)
	scfg.PhaseObservationWindow = time.Duration(pipe.PhaseObservationWindow)
	limit := pipe.CanaryErrorRateLimit
	scfg.Trip = func(m *cluster.Metrics) bool { return m.ErrorRate > limit }

	strategies, err := strategy.NewSet(scfg, a.provider, nil, a.events, a.logger)
	if err != nil {
		return fmt.Errorf("building strategies: %w", err)
	}

	a.approvals = approval.NewService(a.store, a.events, a.logger)

	ocfg := &orchestrator.Config{
		AcquireTimeout:  time.Duration(pipe.AcquireTimeout),
		ApprovalTimeout: time.Duration(pipe.ApprovalTimeout),
	}
	a.orch = orchestrator.New(ocfg, a.registry, tracker.New(a.logger), a.locker,
		a.approvals, a.idem, strategies, a.store, a.events, a.logger)

	wcfg := worker.DefaultConfig()
	wcfg.PollInterval = time.Duration(a.config.Worker.PollInterval)
	wcfg.MaxConcurrentJobs = a.config.Worker.MaxConcurrentJobs
	wcfg.LeaseDuration = time.Duration(a.config.Worker.LeaseDuration)
	a.worker = worker.New(wcfg, a.store, a.orch, a.logger)
	return nil
}

// Shutdown stops the background loops and closes external connections. It
// blocks until in-flight jobs have finished their current attempt.
func (a *Agent) Shutdown() {
	if a.shutdown {
		return
	}
	a.shutdown = true
	a.logger.Info("agent shutting down")

	if a.httpServer != nil {
		a.httpServer.Shutdown()
	}
	a.runCancel()
	if a.worker != nil {
		a.worker.Stop()
	}
	if a.approvals != nil {
		a.approvals.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("failed to close job store", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("failed to close redis client", "error", err)
		}
	}
	a.logger.Info("agent shutdown complete")
}
