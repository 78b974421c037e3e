// Package config provides configuration loading and validation for loam.
// Supports YAML and TOML files with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loam-io/loam/internal/purge"
)

// Metadata backends.
const (
	BackendOxia = "oxia"
	BackendBolt = "bolt"
)

// Config holds all configuration for a loam purge worker.
type Config struct {
	Metadata      MetadataConfig      `yaml:"metadata" toml:"metadata"`
	Purge         PurgeConfig         `yaml:"purge" toml:"purge"`
	Lock          LockConfig          `yaml:"lock" toml:"lock"`
	Retry         RetryConfig         `yaml:"retry" toml:"retry"`
	Observability ObservabilityConfig `yaml:"observability" toml:"observability"`
}

type MetadataConfig struct {
	Backend          string `yaml:"backend" toml:"backend" env:"LOAM_METADATA_BACKEND"`
	OxiaEndpoint     string `yaml:"oxiaEndpoint" toml:"oxiaEndpoint" env:"LOAM_OXIA_ENDPOINT"`
	Namespace        string `yaml:"namespace" toml:"namespace" env:"LOAM_OXIA_NAMESPACE"`
	RequestTimeoutMs int64  `yaml:"requestTimeoutMs" toml:"requestTimeoutMs" env:"LOAM_OXIA_REQUEST_TIMEOUT_MS"`
	SessionTimeoutMs int64  `yaml:"sessionTimeoutMs" toml:"sessionTimeoutMs" env:"LOAM_OXIA_SESSION_TIMEOUT_MS"`
	BoltPath         string `yaml:"boltPath" toml:"boltPath" env:"LOAM_BOLT_PATH"`
	StoreID          string `yaml:"storeId" toml:"storeId" env:"LOAM_STORE_ID"`
}

type PurgeConfig struct {
	// MinPurgeAgeDays keeps anything younger; negative disables purging.
	MinPurgeAgeDays      int    `yaml:"minPurgeAgeDays" toml:"minPurgeAgeDays" env:"LOAM_PURGE_MIN_AGE_DAYS"`
	PurgeWindowMs        int64  `yaml:"purgeWindowMs" toml:"purgeWindowMs" env:"LOAM_PURGE_WINDOW_MS"`
	TimeoutSec           int64  `yaml:"timeoutSec" toml:"timeoutSec" env:"LOAM_PURGE_TIMEOUT_SEC"`
	FromCustomCommitTime int64  `yaml:"fromCustomCommitTime" toml:"fromCustomCommitTime" env:"LOAM_PURGE_FROM_COMMIT_TIME"`
	Schedule             string `yaml:"schedule" toml:"schedule" env:"LOAM_PURGE_SCHEDULE"`
	JobName              string `yaml:"jobName" toml:"jobName" env:"LOAM_PURGE_JOB_NAME"`
}

type LockConfig struct {
	TTLSec int64  `yaml:"ttlSec" toml:"ttlSec" env:"LOAM_LOCK_TTL_SEC"`
	Owner  string `yaml:"owner" toml:"owner" env:"LOAM_LOCK_OWNER"`
}

type RetryConfig struct {
	MaxRetries    int   `yaml:"maxRetries" toml:"maxRetries" env:"LOAM_RETRY_MAX"`
	BackoffStepMs int64 `yaml:"backoffStepMs" toml:"backoffStepMs" env:"LOAM_RETRY_BACKOFF_STEP_MS"`
}

type ObservabilityConfig struct {
	MetricsAddr            string `yaml:"metricsAddr" toml:"metricsAddr" env:"LOAM_METRICS_ADDR"`
	HealthAddr             string `yaml:"healthAddr" toml:"healthAddr" env:"LOAM_HEALTH_ADDR"`
	LogLevel               string `yaml:"logLevel" toml:"logLevel" env:"LOAM_LOG_LEVEL"`
	LogFormat              string `yaml:"logFormat" toml:"logFormat" env:"LOAM_LOG_FORMAT"`
	BacklogScanIntervalSec int64  `yaml:"backlogScanIntervalSec" toml:"backlogScanIntervalSec" env:"LOAM_BACKLOG_SCAN_INTERVAL_SEC"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Metadata: MetadataConfig{
			Backend:          BackendOxia,
			OxiaEndpoint:     "localhost:6648",
			Namespace:        "default",
			RequestTimeoutMs: 30000,
			SessionTimeoutMs: 15000,
			BoltPath:         "loam.db",
			StoreID:          "workspace",
		},
		Purge: PurgeConfig{
			MinPurgeAgeDays: 7,
			PurgeWindowMs:   purge.DefaultPurgeWindowMs, // 2 hours
			Schedule:        "0 * * * *",                // hourly
			JobName:         "node-purge",
		},
		Lock: LockConfig{
			TTLSec: 300,
		},
		Retry: RetryConfig{
			MaxRetries:    purge.DefaultMaxRetries,
			BackoffStepMs: purge.DefaultBackoffStep.Milliseconds(),
		},
		Observability: ObservabilityConfig{
			MetricsAddr:            ":9090",
			HealthAddr:             ":9091",
			LogLevel:               "info",
			LogFormat:              "json",
			BacklogScanIntervalSec: 60,
		},
	}
}

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Metadata.Backend {
	case BackendOxia:
		if c.Metadata.OxiaEndpoint == "" {
			fail("metadata.oxiaEndpoint is required for the oxia backend")
		}
		if c.Metadata.Namespace == "" {
			fail("metadata.namespace is required for the oxia backend")
		}
	case BackendBolt:
		if c.Metadata.BoltPath == "" {
			fail("metadata.boltPath is required for the bolt backend")
		}
	default:
		fail("metadata.backend must be %q or %q, got %q", BackendOxia, BackendBolt, c.Metadata.Backend)
	}
	if c.Metadata.StoreID == "" {
		fail("metadata.storeId is required")
	}

	if c.Purge.PurgeWindowMs <= 0 {
		fail("purge.purgeWindowMs must be positive, got %d", c.Purge.PurgeWindowMs)
	}
	if c.Purge.TimeoutSec < 0 {
		fail("purge.timeoutSec must not be negative, got %d", c.Purge.TimeoutSec)
	}
	if c.Purge.JobName == "" {
		fail("purge.jobName is required")
	}
	if c.Purge.Schedule != "" {
		if _, err := cron.ParseStandard(c.Purge.Schedule); err != nil {
			fail("purge.schedule %q: %v", c.Purge.Schedule, err)
		}
	}

	if c.Lock.TTLSec <= 0 {
		fail("lock.ttlSec must be positive, got %d", c.Lock.TTLSec)
	}
	if c.Retry.MaxRetries < 0 {
		fail("retry.maxRetries must not be negative, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BackoffStepMs < 0 {
		fail("retry.backoffStepMs must not be negative, got %d", c.Retry.BackoffStepMs)
	}

	switch c.Observability.LogFormat {
	case "json", "text":
	default:
		fail("observability.logFormat must be json or text, got %q", c.Observability.LogFormat)
	}
	switch c.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		fail("observability.logLevel must be debug, info, warn or error, got %q", c.Observability.LogLevel)
	}
	if c.Observability.BacklogScanIntervalSec < 0 {
		fail("observability.backlogScanIntervalSec must not be negative")
	}

	return errors.Join(errs...)
}

// PurgeSettings converts the purge and retry sections to a purge.Config.
func (c *Config) PurgeSettings() purge.Config {
	return purge.Config{
		MinPurgeAge:          time.Duration(c.Purge.MinPurgeAgeDays) * 24 * time.Hour,
		PurgeWindowMs:        c.Purge.PurgeWindowMs,
		Timeout:              time.Duration(c.Purge.TimeoutSec) * time.Second,
		FromCustomCommitTime: c.Purge.FromCustomCommitTime,
		Retry:                purge.NewRetryPolicy(c.Retry.MaxRetries, time.Duration(c.Retry.BackoffStepMs)*time.Millisecond),
	}
}

// LockTTL returns the job lock time to live.
func (c *Config) LockTTL() time.Duration {
	return time.Duration(c.Lock.TTLSec) * time.Second
}

// BacklogScanInterval returns how often backlog gauges are sampled; zero disables.
func (c *Config) BacklogScanInterval() time.Duration {
	return time.Duration(c.Observability.BacklogScanIntervalSec) * time.Second
}
