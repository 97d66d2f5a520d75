// Package config provides configuration types and loading for reticle.
//
// The schema is intentionally small: reticle is a spoke-and-hub proxy, not
// a policy engine, so it has no auth/rate-limit/audit sections of its own.
// What it does carry: where the Hub socket lives, how the local listener
// binds, how telemetry is emitted, and where sessions are stored.
package config

import (
	"github.com/spf13/viper"
)

// Config is the top-level reticle configuration.
type Config struct {
	// Server configures the local HTTP listener used by the proxy and
	// http/ws transports.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Hub configures the spoke's connection to the Hub dashboard process.
	Hub HubConfig `yaml:"hub" mapstructure:"hub"`

	// Store configures the durable session store.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Telemetry controls whether this spoke reports to the Hub at all.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// DevMode relaxes the stdio command allow-list so any command may be
	// spawned. It does not change the log level.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP/WS listener for network-transport
// sessions (C7/C8/C9).
type ServerConfig struct {
	// ListenAddr is the local address the proxy binds, e.g. ":7890".
	ListenAddr string `yaml:"listen_addr" mapstructure:"listen_addr"`
	// LogLevel is one of debug/info/warn/error.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error"`
}

// HubConfig configures the spoke's Unix-socket bridge to the Hub.
type HubConfig struct {
	// SocketPath overrides the default Hub socket location.
	SocketPath string `yaml:"socket_path" mapstructure:"socket_path"`
}

// StoreConfig configures the bbolt-backed session store.
type StoreConfig struct {
	// Path is the bbolt database file location.
	Path string `yaml:"path" mapstructure:"path"`
}

// TelemetryConfig controls whether/how the spoke emits to the Hub.
type TelemetryConfig struct {
	// Enabled controls whether the Hub bridge is started at all. Default
	// true; --no-telemetry sets this false.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// SetDefaults fills in zero-valued fields with reticle's defaults. Call
// after Unmarshal and before Validate.
func (c *Config) SetDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":7890"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Store.Path == "" {
		c.Store.Path = "reticle.db"
	}
	if !viper.IsSet("telemetry.enabled") {
		c.Telemetry.Enabled = true
	}
}
