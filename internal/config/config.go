// ABOUTME: Host configuration loaded from TOML with env overrides
// ABOUTME: Search order: ~/.hivemindrc, then XDG config dir
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config is the full host configuration.
type Config struct {
	Host      HostConfig      `toml:"host"`
	Dashboard DashboardConfig `toml:"dashboard"`
}

// HostConfig configures the coordination core.
type HostConfig struct {
	Port              int    `toml:"port"`
	Name              string `toml:"name"`
	LookAheadMs       int    `toml:"look_ahead_ms"`
	ChunkMs           int    `toml:"chunk_ms"`
	SampleRate        int    `toml:"sample_rate"`
	Channels          int    `toml:"channels"`
	HeartbeatTimeoutS int    `toml:"heartbeat_timeout_s"`
	MonitorIntervalS  int    `toml:"monitor_interval_s"`
	Compression       bool   `toml:"compression"`
	// Advertisement is on unless explicitly disabled, so nodes can find the
	// host without manual addressing out of the box.
	DisableMDNS        bool    `toml:"disable_mdns"`
	MasterVolume       float64 `toml:"master_volume"`
	CalibrationSettleS int     `toml:"calibration_settle_s"`
}

// DashboardConfig configures the HTTP control plane.
type DashboardConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// Load reads configuration from standard locations with env overrides.
func Load() (*Config, error) {
	cfg := &Config{}

	if path := findConfigFile(); path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.ApplyDefaults()
	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadFrom reads configuration from a specific file path.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	applyEnvOverrides(cfg)
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with working defaults.
func (c *Config) ApplyDefaults() {
	if c.Host.Port == 0 {
		c.Host.Port = 7878
	}
	if c.Host.LookAheadMs == 0 {
		c.Host.LookAheadMs = 500
	}
	if c.Host.ChunkMs == 0 {
		c.Host.ChunkMs = 100
	}
	if c.Host.SampleRate == 0 {
		c.Host.SampleRate = 48000
	}
	if c.Host.Channels == 0 {
		c.Host.Channels = 2
	}
	if c.Host.HeartbeatTimeoutS == 0 {
		c.Host.HeartbeatTimeoutS = 30
	}
	if c.Host.MonitorIntervalS == 0 {
		c.Host.MonitorIntervalS = 10
	}
	if c.Host.MasterVolume == 0 {
		c.Host.MasterVolume = 1.0
	}
	if c.Host.CalibrationSettleS == 0 {
		c.Host.CalibrationSettleS = 2
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 5000
	}
}

// Validate rejects configurations the host cannot run with.
func (c *Config) Validate() error {
	if c.Host.Port < 0 || c.Host.Port > 65535 {
		return fmt.Errorf("host port %d out of range", c.Host.Port)
	}
	if c.Host.LookAheadMs <= 0 {
		return fmt.Errorf("look_ahead_ms must be positive, got %d", c.Host.LookAheadMs)
	}
	if c.Host.ChunkMs <= 0 {
		return fmt.Errorf("chunk_ms must be positive, got %d", c.Host.ChunkMs)
	}
	if c.Host.Channels != 1 && c.Host.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Host.Channels)
	}
	return nil
}

func findConfigFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	paths := []string{filepath.Join(home, ".hivemindrc")}

	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	if xdgConfig == "" {
		xdgConfig = filepath.Join(home, ".config")
	}
	paths = append(paths, filepath.Join(xdgConfig, "hivemind", "config.toml"))

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HIVEMIND_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Host.Port = i
		}
	}
	if v := os.Getenv("HIVEMIND_NAME"); v != "" {
		cfg.Host.Name = v
	}
	if v := os.Getenv("HIVEMIND_LOOK_AHEAD_MS"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Host.LookAheadMs = i
		}
	}
	if v := os.Getenv("HIVEMIND_DASHBOARD_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Dashboard.Port = i
		}
	}
}
