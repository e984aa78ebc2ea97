// Package config provides configuration loading and validation for the
// dual-protocol proxy, mirroring the nested-struct/Default/Load/Validate
// shape used throughout the corpus this proxy was adapted from.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete proxy configuration. Every field corresponds to a
// compile-time constant named in spec.md §6, made runtime-configurable.
type Config struct {
	Listener ListenerConfig `yaml:"listener"`
	Limits   LimitsConfig   `yaml:"limits"`
	UDP      UDPConfig      `yaml:"udp"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ListenerConfig controls the single dual-protocol TCP listener.
type ListenerConfig struct {
	// Address the proxy listens on, e.g. "0.0.0.0:8080".
	Address string `yaml:"address"`

	// ConnectTimeout bounds how long an upstream TCP dial may take.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// IdleTimeout bounds how long an HTTP-mode client connection may take
	// to send its next request; it is applied as a read deadline only, and
	// writes to the client are not bounded by it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// LimitsConfig controls admission and error-reporting bounds.
type LimitsConfig struct {
	// MaxConcurrentConnections caps connections admitted past the
	// concurrency gate. 0 means unlimited.
	MaxConcurrentConnections int `yaml:"max_concurrent_connections"`

	// MaxRecentErrors bounds the in-memory ring of error records surfaced
	// to the statistics collaborator.
	MaxRecentErrors int `yaml:"max_recent_errors"`
}

// UDPConfig controls SOCKS5 UDP ASSOCIATE relay sessions.
type UDPConfig struct {
	// RelayTimeout tears a session down once no datagram crosses it (in
	// either direction) for this long.
	RelayTimeout time.Duration `yaml:"relay_timeout"`

	// MaxOutboundChannels caps distinct per-target outbound sockets a
	// single UDP session may open.
	MaxOutboundChannels int `yaml:"max_outbound_channels"`
}

// LogConfig controls structured logging, mirroring internal/logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics HTTP endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a Config populated with spec.md §6's documented defaults.
func Default() *Config {
	return &Config{
		Listener: ListenerConfig{
			Address:        "0.0.0.0:8080",
			ConnectTimeout: 10 * time.Second,
			IdleTimeout:    120 * time.Second,
		},
		Limits: LimitsConfig{
			MaxConcurrentConnections: 1024,
			MaxRecentErrors:          50,
		},
		UDP: UDPConfig{
			RelayTimeout:        5 * time.Minute,
			MaxOutboundChannels: 256,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: "127.0.0.1:9090",
		},
	}
}

// Load reads, parses, and validates a YAML configuration file at path,
// starting from Default() so unset fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses configuration from YAML bytes, starting from Default().
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first configuration error found, if any.
func (c *Config) Validate() error {
	if c.Listener.Address == "" {
		return fmt.Errorf("config: listener.address must not be empty")
	}
	if c.Listener.ConnectTimeout <= 0 {
		return fmt.Errorf("config: listener.connect_timeout must be positive")
	}
	if c.Limits.MaxConcurrentConnections < 0 {
		return fmt.Errorf("config: limits.max_concurrent_connections must be >= 0")
	}
	if c.Limits.MaxRecentErrors < 0 {
		return fmt.Errorf("config: limits.max_recent_errors must be >= 0")
	}
	if c.UDP.MaxOutboundChannels < 0 {
		return fmt.Errorf("config: udp.max_outbound_channels must be >= 0")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("config: metrics.address must not be empty when metrics.enabled is true")
	}
	return nil
}
