// Package config holds the per-replicator tunables: queue sizing, retry
// cadence, decay parameters, and quorum/slow-secondary thresholds. These are
// loaded per replicated partition, distinct from internal/appconfig's
// service-level hosting settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the tunable surface for one Replicator instance.
type Config struct {
	Queue    QueueConfig   `toml:"queue"`
	Sender   SenderConfig  `toml:"sender"`
	Decay    DecayConfig   `toml:"decay"`
	Quorum   QuorumConfig  `toml:"quorum"`
	Features FeatureConfig `toml:"features"`
}

// QueueConfig bounds the OperationQueue's memory footprint.
type QueueConfig struct {
	InitialSize    int   `toml:"initial_size"`
	MaxSize        int   `toml:"max_size"`
	MaxMemoryBytes int64 `toml:"max_memory_bytes"`
}

// SenderConfig tunes the ReliableOperationSender's retry cadence.
type SenderConfig struct {
	RetryInterval time.Duration `toml:"retry_interval"`
}

// DecayConfig tunes the decaying-average latency estimator.
type DecayConfig struct {
	Factor   float64       `toml:"factor"`
	Interval time.Duration `toml:"interval"`
}

// QuorumConfig tunes how ReplicaManager judges slow or absent secondaries.
type QuorumConfig struct {
	SlowSecondaryRestartAtPercent int           `toml:"slow_secondary_restart_at_percent"`
	SlowRestartAtAge              time.Duration `toml:"slow_restart_at_age"`
	AdditionalRetain              int           `toml:"additional_retain"`
	AllowMultipleQuorumSet        bool          `toml:"allow_multiple_quorum_set"`
	WaitForQuorumTimeout          time.Duration `toml:"wait_for_quorum_timeout"`
}

// FeatureConfig toggles optional protocol behavior.
type FeatureConfig struct {
	RequireServiceAck          bool `toml:"require_service_ack"`
	EnableEndOfStreamAck       bool `toml:"enable_end_of_stream_ack"`
	SupportsCopyUntilLatestLSN bool `toml:"supports_copy_until_latest_lsn"`
}

// decodeFile loads TOML into cfg. Duration fields are expressed as
// nanosecond integers in the file (BurntSushi/toml assigns TOML integers
// into any int64-kinded field, time.Duration included, with no custom
// unmarshaler needed).
func decodeFile(path string, cfg *Config) error {
	_, err := toml.DecodeFile(path, cfg)
	return err
}

// Defaults returns the tunables Load starts from before a file or
// environment override is applied.
func Defaults() Config {
	return Config{
		Queue: QueueConfig{
			InitialSize:    64,
			MaxSize:        1 << 16,
			MaxMemoryBytes: 256 << 20,
		},
		Sender: SenderConfig{
			RetryInterval: 3 * time.Second,
		},
		Decay: DecayConfig{
			Factor:   0.95,
			Interval: time.Second,
		},
		Quorum: QuorumConfig{
			SlowSecondaryRestartAtPercent: 50,
			SlowRestartAtAge:              30 * time.Second,
			AdditionalRetain:              0,
			AllowMultipleQuorumSet:        false,
			WaitForQuorumTimeout:          30 * time.Second,
		},
		Features: FeatureConfig{
			RequireServiceAck:          false,
			EnableEndOfStreamAck:      true,
			SupportsCopyUntilLatestLSN: false,
		},
	}
}

// Load builds a Config from defaults, a TOML file at path (skipped if
// empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("REPLICATOR_QUEUE_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxSize = n
		}
	}
	if v := os.Getenv("REPLICATOR_RETRY_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sender.RetryInterval = d
		}
	}
	if v := os.Getenv("REPLICATOR_REQUIRE_SERVICE_ACK"); v != "" {
		cfg.Features.RequireServiceAck = v == "1" || v == "true"
	}
	if v := os.Getenv("REPLICATOR_WAIT_FOR_QUORUM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Quorum.WaitForQuorumTimeout = d
		}
	}
}

// Validate checks that the resolved tunables are internally consistent.
func (c *Config) Validate() error {
	var errs []error
	if c.Queue.InitialSize < 1 {
		errs = append(errs, errors.New("queue initial size must be at least 1"))
	}
	if c.Queue.MaxSize < c.Queue.InitialSize {
		errs = append(errs, errors.New("queue max size must be at least the initial size"))
	}
	if c.Sender.RetryInterval <= 0 {
		errs = append(errs, errors.New("sender retry interval must be positive"))
	}
	if c.Decay.Factor <= 0 || c.Decay.Factor >= 1 {
		errs = append(errs, errors.New("decay factor must be in (0, 1)"))
	}
	if c.Quorum.SlowSecondaryRestartAtPercent < 0 || c.Quorum.SlowSecondaryRestartAtPercent > 100 {
		errs = append(errs, errors.New("slow secondary restart percent must be in [0, 100]"))
	}
	return errors.Join(errs...)
}
