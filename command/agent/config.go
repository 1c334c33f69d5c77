// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/modroll/modroll/modroll/structs"
)

// Config is the agent configuration, loaded from a YAML file with defaults
// merged underneath.
type Config struct {
	// LogLevel is the verbosity of agent logging (TRACE, DEBUG, INFO, WARN,
	// ERROR).
	LogLevel string `yaml:"log_level"`

	// LogJSON enables JSON log output.
	LogJSON bool `yaml:"log_json"`

	// DevMode runs with in-memory backends and a static development
	// cluster; no external services are required.
	DevMode bool `yaml:"-"`

	HTTP        *HTTPConfig        `yaml:"http"`
	Database    *DatabaseConfig    `yaml:"database"`
	Redis       *RedisConfig       `yaml:"redis"`
	Locks       *LockConfig        `yaml:"locks"`
	Idempotency *IdempotencyConfig `yaml:"idempotency"`
	Worker      *WorkerConfig      `yaml:"worker"`
	Pipeline    *PipelineConfig    `yaml:"pipeline"`
	Clusters    []*ClusterConfig   `yaml:"clusters"`
}

// Duration accepts "30s"-style values in YAML config files.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// HTTPConfig configures the control plane listener.
type HTTPConfig struct {
	// Address is the bind address, e.g. "0.0.0.0:8600".
	Address string `yaml:"address"`
}

// DatabaseConfig selects the durable job store.
type DatabaseConfig struct {
	// Backend is "memory" or "postgres".
	Backend string `yaml:"backend"`

	// DSN is the postgres connection string.
	DSN string `yaml:"dsn"`
}

// RedisConfig configures the optional redis connection used by the redis
// lock and idempotency backends.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LockConfig selects the distributed lock backend.
type LockConfig struct {
	// Backend is "local", "postgres" or "redis".
	Backend string `yaml:"backend"`
}

// IdempotencyConfig selects the idempotency marker backend.
type IdempotencyConfig struct {
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend"`

	// TTL is how long processed markers are retained.
	TTL Duration `yaml:"ttl"`
}

// WorkerConfig tunes the job processor.
type WorkerConfig struct {
	PollInterval      Duration `yaml:"poll_interval"`
	MaxConcurrentJobs int      `yaml:"max_concurrent_jobs"`
	LeaseDuration     Duration `yaml:"lease_duration"`
	MaxRetries        int      `yaml:"max_retries"`
}

// PipelineConfig tunes the orchestrator and strategies.
type PipelineConfig struct {
	AcquireTimeout         Duration `yaml:"acquire_timeout"`
	ApprovalTimeout        Duration `yaml:"approval_timeout"`
	RollingBatchSize       int      `yaml:"rolling_batch_size"`
	HealthCheckDelay       Duration `yaml:"health_check_delay"`
	CanaryPhases           []int    `yaml:"canary_phases"`
	PhaseObservationWindow Duration `yaml:"phase_observation_window"`
	CanaryErrorRateLimit   float64  `yaml:"canary_error_rate_limit"`
}

// ClusterConfig declares the nodes serving one environment.
type ClusterConfig struct {
	Environment string        `yaml:"environment"`
	Nodes       []*NodeConfig `yaml:"nodes"`
}

// NodeConfig is one deployable node.
type NodeConfig struct {
	Hostname string `yaml:"hostname"`

	// Port is the node agent HTTP port.
	Port int `yaml:"port"`
}

// DefaultConfig returns the agent defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "INFO",
		HTTP: &HTTPConfig{
			Address: "127.0.0.1:8600",
		},
		Database: &DatabaseConfig{
			Backend: "memory",
		},
		Locks: &LockConfig{
			Backend: "local",
		},
		Idempotency: &IdempotencyConfig{
			Backend: "memory",
		},
		Worker: &WorkerConfig{
			PollInterval:      Duration(5 * time.Second),
			MaxConcurrentJobs: 4,
			LeaseDuration:     Duration(30 * time.Minute),
			MaxRetries:        3,
		},
		Pipeline: &PipelineConfig{
			AcquireTimeout:         Duration(30 * time.Second),
			ApprovalTimeout:        Duration(15 * time.Minute),
			RollingBatchSize:       2,
			HealthCheckDelay:       Duration(30 * time.Second),
			CanaryPhases:           []int{10, 30, 50, 100},
			PhaseObservationWindow: Duration(5 * time.Minute),
			CanaryErrorRateLimit:   0.05,
		},
	}
}

// DevConfig returns a config for `modroll agent -dev`: everything in memory
// and a static development cluster.
func DevConfig() *Config {
	conf := DefaultConfig()
	conf.DevMode = true
	conf.LogLevel = "DEBUG"
	conf.Clusters = []*ClusterConfig{
		{
			Environment: string(structs.EnvDevelopment),
			Nodes: []*NodeConfig{
				{Hostname: "dev-node-01"},
				{Hostname: "dev-node-02"},
				{Hostname: "dev-node-03"},
			},
		},
	}
	return conf
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}
	conf := &Config{}
	if err := yaml.Unmarshal(raw, conf); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}
	return conf, nil
}

// Merge overlays b on top of c and returns the result. Neither input is
// modified; zero values in b leave c's value in place.
func (c *Config) Merge(b *Config) *Config {
	result := *c

	if b == nil {
		return &result
	}
	if b.LogLevel != "" {
		result.LogLevel = b.LogLevel
	}
	if b.LogJSON {
		result.LogJSON = true
	}
	if b.DevMode {
		result.DevMode = true
	}
	if b.HTTP != nil {
		http := *result.HTTP
		if b.HTTP.Address != "" {
			http.Address = b.HTTP.Address
		}
		result.HTTP = &http
	}
	if b.Database != nil {
		db := *result.Database
		if b.Database.Backend != "" {
			db.Backend = b.Database.Backend
		}
		if b.Database.DSN != "" {
			db.DSN = b.Database.DSN
		}
		result.Database = &db
	}
	if b.Redis != nil {
		redis := *b.Redis
		result.Redis = &redis
	}
	if b.Locks != nil {
		locks := *result.Locks
		if b.Locks.Backend != "" {
			locks.Backend = b.Locks.Backend
		}
		result.Locks = &locks
	}
	if b.Idempotency != nil {
		idem := *result.Idempotency
		if b.Idempotency.Backend != "" {
			idem.Backend = b.Idempotency.Backend
		}
		if b.Idempotency.TTL != 0 {
			idem.TTL = b.Idempotency.TTL
		}
		result.Idempotency = &idem
	}
	if b.Worker != nil {
		worker := *result.Worker
		if b.Worker.PollInterval != 0 {
			worker.PollInterval = b.Worker.PollInterval
		}
		if b.Worker.MaxConcurrentJobs != 0 {
			worker.MaxConcurrentJobs = b.Worker.MaxConcurrentJobs
		}
		if b.Worker.LeaseDuration != 0 {
			worker.LeaseDuration = b.Worker.LeaseDuration
		}
		if b.Worker.MaxRetries != 0 {
			worker.MaxRetries = b.Worker.MaxRetries
		}
		result.Worker = &worker
	}
	if b.Pipeline != nil {
		pipe := *result.Pipeline
		if b.Pipeline.AcquireTimeout != 0 {
			pipe.AcquireTimeout = b.Pipeline.AcquireTimeout
		}
		if b.Pipeline.ApprovalTimeout != 0 {
			pipe.ApprovalTimeout = b.Pipeline.ApprovalTimeout
		}
		if b.Pipeline.RollingBatchSize != 0 {
			pipe.RollingBatchSize = b.Pipeline.RollingBatchSize
		}
		if b.Pipeline.HealthCheckDelay != 0 {
			pipe.HealthCheckDelay = b.Pipeline.HealthCheckDelay
		}
		if len(b.Pipeline.CanaryPhases) != 0 {
			pipe.CanaryPhases = append([]int(nil), b.Pipeline.CanaryPhases...)
		}
		if b.Pipeline.PhaseObservationWindow != 0 {
			pipe.PhaseObservationWindow = b.Pipeline.PhaseObservationWindow
		}
		if b.Pipeline.CanaryErrorRateLimit != 0 {
			pipe.CanaryErrorRateLimit = b.Pipeline.CanaryErrorRateLimit
		}
		result.Pipeline = &pipe
	}
	if len(b.Clusters) != 0 {
		result.Clusters = b.Clusters
	}
	return &result
}

// Redacted returns a copy of the config safe to expose over the API:
// credentials are masked.
func (c *Config) Redacted() *Config {
	out := *c
	if c.Database != nil && c.Database.DSN != "" {
		db := *c.Database
		db.DSN = "<redacted>"
		out.Database = &db
	}
	if c.Redis != nil && c.Redis.Password != "" {
		r := *c.Redis
		r.Password = "<redacted>"
		out.Redis = &r
	}
	return &out
}

// Validate checks the merged config for values the agent cannot start with.
func (c *Config) Validate() error {
	var mErr *multierror.Error

	switch c.Database.Backend {
	case "memory", "postgres":
	default:
		mErr = multierror.Append(mErr, fmt.Errorf("unknown database backend %q", c.Database.Backend))
	}
	if c.Database.Backend == "postgres" && c.Database.DSN == "" {
		mErr = multierror.Append(mErr, fmt.Errorf("postgres database backend requires a dsn"))
	}

	switch c.Locks.Backend {
	case "local", "postgres", "redis":
	default:
		mErr = multierror.Append(mErr, fmt.Errorf("unknown lock backend %q", c.Locks.Backend))
	}
	if c.Locks.Backend == "postgres" && c.Database.Backend != "postgres" {
		mErr = multierror.Append(mErr, fmt.Errorf("postgres lock backend requires the postgres database backend"))
	}
	if c.Locks.Backend == "redis" && c.Redis == nil {
		mErr = multierror.Append(mErr, fmt.Errorf("redis lock backend requires a redis block"))
	}

	switch c.Idempotency.Backend {
	case "memory", "redis":
	default:
		mErr = multierror.Append(mErr, fmt.Errorf("unknown idempotency backend %q", c.Idempotency.Backend))
	}
	if c.Idempotency.Backend == "redis" && c.Redis == nil {
		mErr = multierror.Append(mErr, fmt.Errorf("redis idempotency backend requires a redis block"))
	}

	if len(c.Clusters) == 0 {
		mErr = multierror.Append(mErr, fmt.Errorf("at least one cluster must be configured"))
	}
	seen := make(map[string]bool)
	for _, cc := range c.Clusters {
		if _, err := structs.ParseEnvironment(cc.Environment); err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("cluster %q: %w", cc.Environment, err))
			continue
		}
		if seen[cc.Environment] {
			mErr = multierror.Append(mErr, fmt.Errorf("duplicate cluster for environment %q", cc.Environment))
		}
		seen[cc.Environment] = true
		if len(cc.Nodes) == 0 {
			mErr = multierror.Append(mErr, fmt.Errorf("cluster %q has no nodes", cc.Environment))
		}
		for _, nc := range cc.Nodes {
			if nc.Hostname == "" {
				mErr = multierror.Append(mErr, fmt.Errorf("cluster %q: node missing hostname", cc.Environment))
			}
			if !c.DevMode && nc.Port == 0 {
				mErr = multierror.Append(mErr, fmt.Errorf("cluster %q: node %q missing port", cc.Environment, nc.Hostname))
			}
		}
	}

	return mErr.ErrorOrNil()
}
