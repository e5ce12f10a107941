// Package config loads the node's YAML configuration, with defaults
// for an absent or partial file.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/clawmesh/clawmesh/internal/discovery"
)

// DefaultScanIntervalMs is the default for discovery.scanIntervalMs.
// The value is validated on load; no discovery backend reads it.
const DefaultScanIntervalMs = 30_000

// MinScanIntervalMs is the floor below which a configured interval is
// rejected as too aggressive for a LAN discovery beacon.
const MinScanIntervalMs = 5_000

// Discovery configures how peers are found on the network.
type Discovery struct {
	Enabled        bool             `yaml:"enabled"`
	ScanIntervalMs int              `yaml:"scanIntervalMs"`
	Peers          []discovery.Peer `yaml:"peers"`
}

// Config is the node's top-level configuration.
type Config struct {
	DeviceName     string    `yaml:"deviceName"`
	ListenAddr     string    `yaml:"listenAddr"`
	IdentityPath   string    `yaml:"identityPath"`
	TrustStorePath string    `yaml:"trustStorePath"`
	SnapshotPath   string    `yaml:"snapshotPath"`
	Capabilities   []string  `yaml:"capabilities"`
	Discovery      Discovery `yaml:"discovery"`
}

// Default returns a Config with the node's baseline defaults.
func Default() Config {
	return Config{
		DeviceName:     "clawmesh-node",
		ListenAddr:     ":7777",
		IdentityPath:   "data/device.pem",
		TrustStorePath: "data/trusted-peers.json",
		SnapshotPath:   "data/snapshot.db",
		Discovery: Discovery{
			Enabled:        true,
			ScanIntervalMs: DefaultScanIntervalMs,
		},
	}
}

// Load reads and validates YAML configuration from path, rejecting
// unknown keys and out-of-range values, layering it over Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Discovery.ScanIntervalMs == 0 {
		cfg.Discovery.ScanIntervalMs = DefaultScanIntervalMs
	}
	if cfg.Discovery.ScanIntervalMs < MinScanIntervalMs {
		return Config{}, fmt.Errorf("discovery.scanIntervalMs must be >= %d, got %d", MinScanIntervalMs, cfg.Discovery.ScanIntervalMs)
	}

	return cfg, nil
}
