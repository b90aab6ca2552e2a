// Package appconfig loads the hosting daemon's service-level settings: where
// it listens, how it logs, and which partitions (each with its own
// internal/config.Config) it replicates. Distinct from internal/config,
// which holds per-partition replication tunables.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/jfoltran/replicator/internal/config"
)

type ServerConfig struct {
	Listen string `toml:"listen"`
	Port   int    `toml:"port"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "console"
}

// PeerConfig names one other replica in the partition's configuration, as
// passed to Replicator.UpdateConfiguration and dialed by internal/transport.
type PeerConfig struct {
	ID      string `toml:"id"`
	Address string `toml:"address"`
}

// PartitionConfig names one replicated partition, the database it reads
// from and bookkeeps into, its peer replicas, and the tunables its
// Replicator should use.
type PartitionConfig struct {
	ID       string        `toml:"id"`
	Database string        `toml:"database"`
	Peers    []PeerConfig  `toml:"peers"`
	Tuning   config.Config `toml:"tuning"`
}

type Config struct {
	Server     ServerConfig      `toml:"server"`
	Logging    LoggingConfig     `toml:"logging"`
	Partitions []PartitionConfig `toml:"partitions"`
}

func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Listen: "127.0.0.1",
			Port:   7654,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = findConfigFile()
	}

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	for i := range cfg.Partitions {
		cfg.Partitions[i].Tuning = mergeDefaults(cfg.Partitions[i].Tuning)
		if err := cfg.Partitions[i].Tuning.Validate(); err != nil {
			return cfg, fmt.Errorf("partition %s tuning: %w", cfg.Partitions[i].ID, err)
		}
	}
	return cfg, nil
}

// mergeDefaults fills the zero-valued numeric and duration tuning fields
// (queue sizes, sender retry interval, decay, quorum timeouts and slow
// secondary thresholds) with config.Defaults(). Boolean feature flags,
// Quorum.AllowMultipleQuorumSet and Quorum.AdditionalRetain keep the
// decoded value, so an omitted boolean is false even where its default is
// true.
func mergeDefaults(c config.Config) config.Config {
	d := config.Defaults()
	if c.Queue.InitialSize == 0 {
		c.Queue.InitialSize = d.Queue.InitialSize
	}
	if c.Queue.MaxSize == 0 {
		c.Queue.MaxSize = d.Queue.MaxSize
	}
	if c.Queue.MaxMemoryBytes == 0 {
		c.Queue.MaxMemoryBytes = d.Queue.MaxMemoryBytes
	}
	if c.Sender.RetryInterval == 0 {
		c.Sender.RetryInterval = d.Sender.RetryInterval
	}
	if c.Decay.Factor == 0 {
		c.Decay.Factor = d.Decay.Factor
	}
	if c.Decay.Interval == 0 {
		c.Decay.Interval = d.Decay.Interval
	}
	if c.Quorum.WaitForQuorumTimeout == 0 {
		c.Quorum.WaitForQuorumTimeout = d.Quorum.WaitForQuorumTimeout
	}
	if c.Quorum.SlowRestartAtAge == 0 {
		c.Quorum.SlowRestartAtAge = d.Quorum.SlowRestartAtAge
	}
	if c.Quorum.SlowSecondaryRestartAtPercent == 0 {
		c.Quorum.SlowSecondaryRestartAtPercent = d.Quorum.SlowSecondaryRestartAtPercent
	}
	return c
}

func findConfigFile() string {
	var candidates []string

	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".replicator", "config.toml"))
	}
	candidates = append(candidates, "/etc/replicator/config.toml")

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("REPLICATOR_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv("REPLICATOR_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("REPLICATOR_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("REPLICATOR_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}
