// Package config loads the engine's YAML configuration, with a
// defaulted struct that CLI flags can layer overrides onto.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level engine configuration, loaded from a YAML file
// on disk (graphengine.yaml by convention) and overridable by CLI flags.
type Config struct {
	DataDir string `yaml:"data_dir"`

	ListenAddr  string `yaml:"listen_addr"`
	ChannelPath string `yaml:"channel_path"`

	// ChannelToken authenticates inbound editor connections. Empty
	// disables authentication, which is only appropriate for local
	// development.
	ChannelToken string `yaml:"channel_token"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatGrace    time.Duration `yaml:"heartbeat_grace"`

	AckTimeout      time.Duration `yaml:"ack_timeout"`
	SagaGracePeriod time.Duration `yaml:"saga_grace_period"`

	SnapshotOpInterval   int           `yaml:"snapshot_op_interval"`
	SnapshotIdleInterval time.Duration `yaml:"snapshot_idle_interval"`
}

// Default returns the configuration used when no file is present and no
// flags override it.
func Default() Config {
	return Config{
		DataDir:              "./data",
		ListenAddr:           ":7488",
		ChannelPath:          "/v1/channel",
		HeartbeatInterval:    30 * time.Second,
		HeartbeatGrace:       10 * time.Second,
		AckTimeout:           30 * time.Second,
		SagaGracePeriod:      2 * time.Minute,
		SnapshotOpInterval:   500,
		SnapshotIdleInterval: 2 * time.Minute,
	}
}

// Load reads path and overlays it onto Default(). A missing file is
// not an error: the defaults are used as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations that would panic or hang downstream
// components at startup rather than surfacing a clear error here.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: data_dir must not be empty")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: heartbeat_interval must be positive")
	}
	if c.AckTimeout <= 0 {
		return fmt.Errorf("config: ack_timeout must be positive")
	}
	return nil
}
