// Package config loads coordinator and audit settings from YAML with
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Policies for a completion check that keeps failing to read progress.
const (
	ExhaustedFail  = "fail"
	ExhaustedRetry = "retry"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

type Config struct {
	Coordinator Coordinator `yaml:"coordinator"`
	Store       Store       `yaml:"store"`
	Audit       AuditKnobs  `yaml:"audit"`
	Health      Health      `yaml:"health"`
	Logging     Logging     `yaml:"logging"`
	Tracing     Tracing     `yaml:"tracing"`
}

type Coordinator struct {
	Addr          string `yaml:"addr"`
	NumShards     int    `yaml:"num_shards"`
	PrimaryRegion string `yaml:"primary_region"`
	// ReplicationFactor caps how many nodes are assigned each shard.
	ReplicationFactor int `yaml:"replication_factor"`
}

type Store struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// AuditKnobs tune the audit orchestrator. They may change on reload; each
// audit pass reads them once when it starts.
type AuditKnobs struct {
	RetryCountMax          int           `yaml:"retry_count_max"`
	ConcurrentTaskCountMax int           `yaml:"concurrent_task_count_max"`
	PersistFinishAuditKeep int           `yaml:"persist_finish_audit_count"`
	CheckCompleteRetries   int           `yaml:"check_complete_retries"`
	CheckCompleteInterval  time.Duration `yaml:"check_complete_interval"`
	CheckCompleteExhausted string        `yaml:"check_complete_exhausted"`
	RetryDelay             time.Duration `yaml:"retry_delay"`
	DispatchDelay          time.Duration `yaml:"dispatch_delay"`
	VerifyTimeout          time.Duration `yaml:"verify_timeout"`
	RangeReadLimit         int           `yaml:"range_read_limit"`
	InitMetadataRetries    int           `yaml:"init_metadata_retries"`
	LaunchRetryMax         int           `yaml:"launch_retry_max"`
}

type Health struct {
	Interval    time.Duration `yaml:"interval"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxFailures int           `yaml:"max_failures"`
}

type Logging struct {
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
}

type Tracing struct {
	// Exporter is "stdout" or "none".
	Exporter    string `yaml:"exporter"`
	ServiceName string `yaml:"service_name"`
}

// DefaultAuditKnobs returns the audit settings used when none are configured.
func DefaultAuditKnobs() AuditKnobs {
	return AuditKnobs{
		RetryCountMax:          5,
		ConcurrentTaskCountMax: 50,
		PersistFinishAuditKeep: 10,
		CheckCompleteRetries:   30,
		CheckCompleteInterval:  500 * time.Millisecond,
		CheckCompleteExhausted: ExhaustedFail,
		RetryDelay:             100 * time.Millisecond,
		DispatchDelay:          100 * time.Millisecond,
		VerifyTimeout:          30 * time.Second,
		RangeReadLimit:         100,
		InitMetadataRetries:    50,
		LaunchRetryMax:         5,
	}
}

func Default() *Config {
	return &Config{
		Coordinator: Coordinator{
			Addr:              ":8080",
			NumShards:         4,
			ReplicationFactor: 3,
		},
		Store: Store{Driver: DriverMemory},
		Audit: DefaultAuditKnobs(),
		Health: Health{
			Interval:    5 * time.Second,
			Timeout:     2 * time.Second,
			MaxFailures: 3,
		},
		Logging: Logging{Level: "info", Format: "json"},
		Tracing: Tracing{Exporter: "none", ServiceName: "torua-coordinator"},
	}
}

// Load reads the YAML file at path over the defaults and then applies
// environment overrides. An empty path or a missing file yields the
// defaults. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("COORDINATOR_ADDR"); v != "" {
		c.Coordinator.Addr = v
	}
	if v := os.Getenv("TORUA_STORE_DRIVER"); v != "" {
		c.Store.Driver = v
	}
	if v := os.Getenv("TORUA_STORE_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("TORUA_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AUDIT_RETRY_COUNT_MAX"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AUDIT_RETRY_COUNT_MAX: %w", err)
		}
		c.Audit.RetryCountMax = n
	}
	return nil
}

// Validate rejects settings the coordinator cannot run with.
func (c *Config) Validate() error {
	if c.Coordinator.NumShards <= 0 {
		return fmt.Errorf("coordinator.num_shards must be positive, got %d", c.Coordinator.NumShards)
	}
	if c.Coordinator.ReplicationFactor <= 0 {
		return fmt.Errorf("coordinator.replication_factor must be positive, got %d", c.Coordinator.ReplicationFactor)
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Health.Interval <= 0 || c.Health.MaxFailures <= 0 {
		return errors.New("health.interval and health.max_failures must be positive")
	}
	return c.Audit.Validate()
}

func (k AuditKnobs) Validate() error {
	positive := []struct {
		name  string
		value int
	}{
		{"retry_count_max", k.RetryCountMax},
		{"concurrent_task_count_max", k.ConcurrentTaskCountMax},
		{"check_complete_retries", k.CheckCompleteRetries},
		{"range_read_limit", k.RangeReadLimit},
		{"init_metadata_retries", k.InitMetadataRetries},
		{"launch_retry_max", k.LaunchRetryMax},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("audit.%s must be positive, got %d", p.name, p.value)
		}
	}
	if k.PersistFinishAuditKeep < 0 {
		return fmt.Errorf("audit.persist_finish_audit_count must not be negative, got %d", k.PersistFinishAuditKeep)
	}
	if k.VerifyTimeout <= 0 {
		return fmt.Errorf("audit.verify_timeout must be positive, got %s", k.VerifyTimeout)
	}
	if k.RetryDelay < 0 || k.DispatchDelay < 0 || k.CheckCompleteInterval < 0 {
		return errors.New("audit delays must not be negative")
	}
	switch k.CheckCompleteExhausted {
	case ExhaustedFail, ExhaustedRetry:
	default:
		return fmt.Errorf("audit.check_complete_exhausted must be %q or %q, got %q",
			ExhaustedFail, ExhaustedRetry, k.CheckCompleteExhausted)
	}
	return nil
}
