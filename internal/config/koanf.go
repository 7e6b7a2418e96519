// Bedsync - Moonraker Bed Mesh and Probe Telemetry Collector
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bedsync

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where config files are searched, in order.
// The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/bedsync/config.yaml",
	"/etc/bedsync/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all defaults applied. These
// match the long-established knobs of the deployment: 7125 is
// Moonraker's standard port, the periodic sync is a 6-hour fallback
// behind the event trigger, and a failed connection is retried after
// 30 seconds.
func defaultConfig() *Config {
	return &Config{
		Moonraker: MoonrakerConfig{
			Host: "",
			Port: 7125,
		},
		Data: DataConfig{
			ProbeFile:   "",
			MeshFile:    "",
			ZOffsetFile: "",
		},
		Sync: SyncConfig{
			IntervalHours:      6,
			RetryDelaySeconds:  30,
			SettleDelaySeconds: 30,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9517",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load builds the configuration from layered sources:
//  1. Defaults (struct above)
//  2. Optional YAML config file
//  3. Environment variables (highest priority)
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// findConfigFile returns the first config file that exists, or "".
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// legacyEnvMap maps the environment variables the deployment has
// always used onto koanf config paths.
var legacyEnvMap = map[string]string{
	"MOONRAKER_HOST":       "moonraker.host",
	"MOONRAKER_PORT":       "moonraker.port",
	"PROBE_DATA_FILE":      "data.probe_file",
	"MESH_DATA_FILE":       "data.mesh_file",
	"Z_OFFSET_DATA_FILE":   "data.z_offset_file",
	"SYNC_INTERVAL_HOURS":  "sync.interval_hours",
	"RETRY_DELAY_SECONDS":  "sync.retry_delay_seconds",
	"SETTLE_DELAY_SECONDS": "sync.settle_delay_seconds",
	"METRICS_ENABLED":      "metrics.enabled",
	"METRICS_ADDR":         "metrics.addr",
	"LOG_LEVEL":            "logging.level",
	"LOG_FORMAT":           "logging.format",
	"LOG_CALLER":           "logging.caller",
}

// envTransformFunc maps environment variable names to koanf paths.
// Unrecognized variables are dropped so arbitrary process environment
// doesn't leak into the configuration.
func envTransformFunc(key string) string {
	if path, ok := legacyEnvMap[strings.ToUpper(key)]; ok {
		return path
	}
	// BEDSYNC_SYNC_INTERVAL_HOURS -> sync.interval_hours
	if rest, ok := strings.CutPrefix(strings.ToUpper(key), "BEDSYNC_"); ok {
		parts := strings.SplitN(strings.ToLower(rest), "_", 2)
		if len(parts) == 2 {
			return parts[0] + "." + parts[1]
		}
	}
	return ""
}
