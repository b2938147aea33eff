// Package config loads the monitor declarations from the YAML config file.
package config

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// DefaultHeartbeatInterval is applied when heartbeat_interval is omitted.
const DefaultHeartbeatInterval = 3600 // seconds

// MonitorConfig is one declared monitor: which entity to watch and which
// collector to report to. One of Token or PairingCode must be set.
type MonitorConfig struct {
	CollectorURL      string   `yaml:"collector_url"`
	Token             string   `yaml:"token"`
	PairingCode       string   `yaml:"pairing_code"`
	EntityID          string   `yaml:"entity_id"`
	Attribute         string   `yaml:"attribute"`
	TriggerStates     []string `yaml:"trigger_states"`
	HeartbeatInterval *int     `yaml:"heartbeat_interval"`
}

// HeartbeatSeconds returns the configured interval, the default when the
// field is omitted, and zero (heartbeats disabled) when set to 0 explicitly.
func (m *MonitorConfig) HeartbeatSeconds() int {
	if m.HeartbeatInterval == nil {
		return DefaultHeartbeatInterval
	}
	return *m.HeartbeatInterval
}

// Config is the root of the YAML config file.
type Config struct {
	Monitors []MonitorConfig `yaml:"monitors"`
}

// Load reads and parses the config file at path.
func Load(path string, logger *zap.Logger) (*Config, error) {
	logger.Debug("Loading monitor config", zap.String("path", path))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	logger.Info("Monitor config loaded",
		zap.String("path", path),
		zap.Int("monitors", len(cfg.Monitors)))
	return &cfg, nil
}
