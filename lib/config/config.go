// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the fleet coordinator configuration.
//
// Configuration comes from a single YAML file specified by the
// GITMEM_CONFIG environment variable or the --config flag. There are
// no fallbacks or automatic discovery; a single explicit file keeps
// configuration deterministic and auditable. Unknown keys are
// rejected so typos fail loudly instead of silently using defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as
// human-readable strings ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back to its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the coordinator daemon configuration.
type Config struct {
	// PeerID identifies this coordinator in the replication mesh.
	// Used as the origin on every broadcast write and as the
	// tie-break key for equal-timestamp conflicts.
	PeerID string `yaml:"peer_id"`

	// AdminSocket is the Unix socket path for the local admin
	// surface (CLI, operators).
	AdminSocket string `yaml:"admin_socket"`

	// PeerListen is the TCP address the replication listener binds.
	// Empty disables inbound replication.
	PeerListen string `yaml:"peer_listen"`

	// Peers maps peer coordinator ids to their TCP addresses.
	// Broadcasts fan out to every entry.
	Peers map[string]string `yaml:"peers"`

	// Strategy selects the load-balancing strategy: round_robin,
	// least_connections, weighted_round_robin, or resource_based.
	Strategy string `yaml:"strategy"`

	// MaxConnectionsPerWorker is the saturation ceiling; a worker at
	// the ceiling is skipped by selection.
	MaxConnectionsPerWorker int `yaml:"max_connections_per_worker"`

	// ConnectionTimeout evicts connections idle longer than this.
	ConnectionTimeout Duration `yaml:"connection_timeout"`

	// SweepInterval is how often the idle-connection sweeper runs.
	SweepInterval Duration `yaml:"sweep_interval"`

	// HealthInterval is the period of the continuous health loop.
	HealthInterval Duration `yaml:"health_interval"`

	// ProbeTimeout is the hard upper bound on a single probe.
	ProbeTimeout Duration `yaml:"probe_timeout"`

	// ProbeConcurrency caps concurrent probes in one sweep.
	ProbeConcurrency int `yaml:"probe_concurrency"`

	// FailureThreshold is the number of consecutive failed probes
	// before a worker is reported down. 1 reclassifies on every
	// probe; raise it to damp flapping on marginal networks.
	FailureThreshold int `yaml:"failure_threshold"`

	// MemoryFile is the persistence snapshot path.
	MemoryFile string `yaml:"memory_file"`

	// FlushInterval is how often dirty memory state is flushed to
	// MemoryFile. Writes also flush inline; this bounds staleness
	// after read-path mutations (access counting).
	FlushInterval Duration `yaml:"flush_interval"`

	// SnapshotCompression selects the codec for full-state sync
	// payloads: zstd, lz4, or none.
	SnapshotCompression string `yaml:"snapshot_compression"`

	// Manifest is an optional JSONC file of workers to register at
	// boot.
	Manifest string `yaml:"manifest"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration baseline. The config file is
// still required; defaults only guarantee sane values for keys the
// file omits.
func Default() *Config {
	return &Config{
		AdminSocket:             "/run/gitmem/fleetd.sock",
		Strategy:                "least_connections",
		MaxConnectionsPerWorker: 100,
		ConnectionTimeout:       Duration(5 * time.Minute),
		SweepInterval:           Duration(time.Minute),
		HealthInterval:          Duration(30 * time.Second),
		ProbeTimeout:            Duration(5 * time.Second),
		ProbeConcurrency:        8,
		FailureThreshold:        1,
		MemoryFile:              "/var/lib/gitmem/memory.json",
		FlushInterval:           Duration(30 * time.Second),
		SnapshotCompression:     "zstd",
		LogLevel:                "info",
	}
}

// Load reads the config file named by the GITMEM_CONFIG environment
// variable. Fails if the variable is unset; there is no discovery.
func Load() (*Config, error) {
	path := os.Getenv("GITMEM_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("GITMEM_CONFIG environment variable not set; " +
			"set it to the path of your fleetd.yaml, or use --config")
	}
	return LoadFile(path)
}

// LoadFile reads and validates a configuration file. Decoding is
// strict: keys not defined on Config are an error.
func LoadFile(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer file.Close()

	cfg := Default()
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks structural constraints. Strategy and compression
// names are validated by the packages that consume them; Validate
// only guards values that would otherwise fail at some arbitrary
// later moment.
func (c *Config) Validate() error {
	var errs []error

	if c.PeerID == "" {
		errs = append(errs, fmt.Errorf("peer_id is required"))
	}
	if c.AdminSocket == "" {
		errs = append(errs, fmt.Errorf("admin_socket is required"))
	}
	if c.MaxConnectionsPerWorker < 1 {
		errs = append(errs, fmt.Errorf("max_connections_per_worker must be >= 1, got %d", c.MaxConnectionsPerWorker))
	}
	if c.ProbeConcurrency < 1 {
		errs = append(errs, fmt.Errorf("probe_concurrency must be >= 1, got %d", c.ProbeConcurrency))
	}
	if c.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("failure_threshold must be >= 1, got %d", c.FailureThreshold))
	}
	if c.HealthInterval.Std() <= 0 {
		errs = append(errs, fmt.Errorf("health_interval must be positive"))
	}
	if c.ProbeTimeout.Std() <= 0 {
		errs = append(errs, fmt.Errorf("probe_timeout must be positive"))
	}
	if c.MemoryFile == "" {
		errs = append(errs, fmt.Errorf("memory_file is required"))
	}
	for id, addr := range c.Peers {
		if id == "" || addr == "" {
			errs = append(errs, fmt.Errorf("peers entries need both id and address"))
			break
		}
	}
	if c.PeerID != "" {
		if _, ok := c.Peers[c.PeerID]; ok {
			errs = append(errs, fmt.Errorf("peers must not contain this coordinator's own peer_id %q", c.PeerID))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
