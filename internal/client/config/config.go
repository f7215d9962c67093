// Package config holds runtime settings for the EnvSync CLI, loaded from
// defaults, an optional JSON file, and command-line flags, where later
// sources take precedence.
package config

import "time"

// Config holds runtime settings for the EnvSync CLI.
//
// Fields:
//   - ServerURL: base URL of the sync server HTTP endpoint.
//   - RequestTimeout: per-request timeout for HTTP calls.
type Config struct {
	ServerURL      string
	RequestTimeout time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerURL = "http://127.0.0.1:8080"
	c.RequestTimeout = 10 * time.Second
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present).
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
