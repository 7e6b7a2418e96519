// Bedsync - Moonraker Bed Mesh and Probe Telemetry Collector
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bedsync

// Package config loads Bedsync configuration via Koanf v2 with layered
// sources: built-in defaults, an optional YAML config file, then
// environment variables (highest priority).
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full configuration surface.
type Config struct {
	Moonraker MoonrakerConfig `koanf:"moonraker"`
	Data      DataConfig      `koanf:"data"`
	Sync      SyncConfig      `koanf:"sync"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// MoonrakerConfig locates the printer control daemon.
type MoonrakerConfig struct {
	// Host is required; there is no sensible default printer address.
	Host string `koanf:"host" validate:"required"`
	Port int    `koanf:"port" validate:"gte=1,lte=65535"`
}

// DataConfig names the per-record-kind store files. All three are
// required; a missing path is a startup error, not a silent skip.
type DataConfig struct {
	ProbeFile   string `koanf:"probe_file" validate:"required"`
	MeshFile    string `koanf:"mesh_file" validate:"required"`
	ZOffsetFile string `koanf:"z_offset_file" validate:"required"`
}

// SyncConfig controls the trigger supervisor's timing.
type SyncConfig struct {
	// IntervalHours is the periodic fallback sync interval.
	IntervalHours float64 `koanf:"interval_hours" validate:"gt=0"`

	// RetryDelaySeconds is how long to wait before redialing after a
	// connection epoch fails.
	RetryDelaySeconds int `koanf:"retry_delay_seconds" validate:"gte=1"`

	// SettleDelaySeconds is the wait after a mesh-leveling trigger
	// before refreshing, giving Moonraker time to finish writing mesh
	// data.
	SettleDelaySeconds int `koanf:"settle_delay_seconds" validate:"gte=0"`
}

// MetricsConfig controls the Prometheus/health HTTP listener.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error fatal disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

// Interval returns the periodic sync interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Sync.IntervalHours * float64(time.Hour))
}

// RetryDelay returns the reconnect delay as a duration.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Sync.RetryDelaySeconds) * time.Second
}

// SettleDelay returns the post-trigger settle delay as a duration.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Sync.SettleDelaySeconds) * time.Second
}

// Validate checks the configuration via struct tags.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("config: field %s failed %q validation", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
