// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/modroll/modroll/ci"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yaml")
	must.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestConfig_LoadConfig(t *testing.T) {
	ci.Parallel(t)

	path := writeConfigFile(t, `
log_level: DEBUG
log_json: true
http:
  address: 0.0.0.0:9700
database:
  backend: postgres
  dsn: postgres://modroll@db/modroll
redis:
  address: cache:6379
  db: 2
locks:
  backend: redis
idempotency:
  backend: redis
  ttl: 48h
worker:
  poll_interval: 2s
  max_concurrent_jobs: 8
  lease_duration: 45m
  max_retries: 5
pipeline:
  acquire_timeout: 1m
  rolling_batch_size: 3
  canary_phases: [25, 50, 100]
  phase_observation_window: 90s
  canary_error_rate_limit: 0.1
clusters:
  - environment: production
    nodes:
      - hostname: prod-01
        port: 9090
      - hostname: prod-02
        port: 9090
`)

	conf, err := LoadConfig(path)
	must.NoError(t, err)

	must.Eq(t, "DEBUG", conf.LogLevel)
	must.True(t, conf.LogJSON)
	must.Eq(t, "0.0.0.0:9700", conf.HTTP.Address)
	must.Eq(t, "postgres", conf.Database.Backend)
	must.Eq(t, "cache:6379", conf.Redis.Address)
	must.Eq(t, 2, conf.Redis.DB)
	must.Eq(t, "redis", conf.Locks.Backend)
	must.Eq(t, Duration(48*time.Hour), conf.Idempotency.TTL)
	must.Eq(t, Duration(2*time.Second), conf.Worker.PollInterval)
	must.Eq(t, 5, conf.Worker.MaxRetries)
	must.Eq(t, Duration(time.Minute), conf.Pipeline.AcquireTimeout)
	must.Eq(t, []int{25, 50, 100}, conf.Pipeline.CanaryPhases)
	must.Eq(t, Duration(90*time.Second), conf.Pipeline.PhaseObservationWindow)
	must.Eq(t, 0.1, conf.Pipeline.CanaryErrorRateLimit)
	must.Len(t, 1, conf.Clusters)
	must.Len(t, 2, conf.Clusters[0].Nodes)
	must.Eq(t, "prod-01", conf.Clusters[0].Nodes[0].Hostname)
	must.Eq(t, 9090, conf.Clusters[0].Nodes[0].Port)
}

func TestConfig_LoadConfig_BadDuration(t *testing.T) {
	ci.Parallel(t)

	path := writeConfigFile(t, `
worker:
  poll_interval: banana
`)
	_, err := LoadConfig(path)
	must.Error(t, err)
	must.StrContains(t, err.Error(), "banana")
}

func TestConfig_LoadConfig_Missing(t *testing.T) {
	ci.Parallel(t)

	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	must.Error(t, err)
}

func TestConfig_Merge(t *testing.T) {
	ci.Parallel(t)

	base := DefaultConfig()
	overlay := &Config{
		LogLevel: "WARN",
		Database: &DatabaseConfig{Backend: "postgres", DSN: "postgres://x"},
		Worker:   &WorkerConfig{MaxConcurrentJobs: 16},
		Clusters: []*ClusterConfig{
			{Environment: "qa", Nodes: []*NodeConfig{{Hostname: "qa-01", Port: 9090}}},
		},
	}

	merged := base.Merge(overlay)

	must.Eq(t, "WARN", merged.LogLevel)
	must.Eq(t, "postgres", merged.Database.Backend)
	must.Eq(t, 16, merged.Worker.MaxConcurrentJobs)
	// Unset overlay fields keep the base values.
	must.Eq(t, base.Worker.PollInterval, merged.Worker.PollInterval)
	must.Eq(t, base.HTTP.Address, merged.HTTP.Address)
	must.Len(t, 1, merged.Clusters)

	// The base is never mutated.
	must.Eq(t, "INFO", base.LogLevel)
	must.Eq(t, "memory", base.Database.Backend)
	must.Eq(t, 4, base.Worker.MaxConcurrentJobs)
}

func TestConfig_Validate(t *testing.T) {
	ci.Parallel(t)

	valid := func() *Config {
		conf := DefaultConfig()
		conf.Clusters = []*ClusterConfig{
			{Environment: "staging", Nodes: []*NodeConfig{{Hostname: "stage-01", Port: 9090}}},
		}
		return conf
	}
	must.NoError(t, valid().Validate())

	cases := []struct {
		name     string
		mutate   func(*Config)
		contains string
	}{
		{
			name:     "unknown database backend",
			mutate:   func(c *Config) { c.Database.Backend = "etcd" },
			contains: "unknown database backend",
		},
		{
			name:     "postgres without dsn",
			mutate:   func(c *Config) { c.Database.Backend = "postgres" },
			contains: "requires a dsn",
		},
		{
			name:     "postgres locks over memory store",
			mutate:   func(c *Config) { c.Locks.Backend = "postgres" },
			contains: "postgres lock backend",
		},
		{
			name:     "redis locks without redis",
			mutate:   func(c *Config) { c.Locks.Backend = "redis" },
			contains: "redis block",
		},
		{
			name:     "no clusters",
			mutate:   func(c *Config) { c.Clusters = nil },
			contains: "at least one cluster",
		},
		{
			name:     "unknown environment",
			mutate:   func(c *Config) { c.Clusters[0].Environment = "the-moon" },
			contains: "unknown environment",
		},
		{
			name: "duplicate environment",
			mutate: func(c *Config) {
				c.Clusters = append(c.Clusters, c.Clusters[0])
			},
			contains: "duplicate cluster",
		},
		{
			name:     "node without port",
			mutate:   func(c *Config) { c.Clusters[0].Nodes[0].Port = 0 },
			contains: "missing port",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conf := valid()
			tc.mutate(conf)
			err := conf.Validate()
			must.Error(t, err)
			must.StrContains(t, err.Error(), tc.contains)
		})
	}
}

func TestConfig_DevConfig(t *testing.T) {
	ci.Parallel(t)

	conf := DevConfig()
	must.True(t, conf.DevMode)
	must.NoError(t, conf.Validate())
	must.Len(t, 1, conf.Clusters)
	must.Eq(t, "development", conf.Clusters[0].Environment)
}

func TestConfig_Redacted(t *testing.T) {
	ci.Parallel(t)

	conf := DefaultConfig()
	conf.Database.Backend = "postgres"
	conf.Database.DSN = "postgres://user:hunter2@db/modroll"
	conf.Redis = &RedisConfig{Address: "cache:6379", Password: "hunter2"}

	red := conf.Redacted()
	must.Eq(t, "<redacted>", red.Database.DSN)
	must.Eq(t, "<redacted>", red.Redis.Password)
	// The live config keeps its credentials.
	must.StrContains(t, conf.Database.DSN, "hunter2")
	must.Eq(t, "hunter2", conf.Redis.Password)
}
