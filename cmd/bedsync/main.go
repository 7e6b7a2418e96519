// Bedsync - Moonraker Bed Mesh and Probe Telemetry Collector
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bedsync

// Package main is the entry point for the Bedsync daemon.
//
// Bedsync maintains a persistent JSON-RPC-over-WebSocket connection to
// a Moonraker instance, extracts bed-probe points, z-offset corrections
// and bed-mesh snapshots from its gcode log and printer object state,
// and appends only new records to per-kind JSON stores.
//
// Configuration is loaded via Koanf v2 with layered sources (highest
// priority wins): environment variables, config file (config.yaml),
// built-in defaults. Required settings:
//
//	export MOONRAKER_HOST=192.168.1.50
//	export PROBE_DATA_FILE=/data/probe_data.json
//	export MESH_DATA_FILE=/data/bed_mesh_data.json
//	export Z_OFFSET_DATA_FILE=/data/z_offset_data.json
//	./bedsync
//
// The process shuts down cleanly on SIGINT and SIGTERM; every other
// failure path reconnects after the configured retry delay.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/bedsync/internal/config"
	"github.com/tomtom215/bedsync/internal/logging"
	"github.com/tomtom215/bedsync/internal/metrics"
	"github.com/tomtom215/bedsync/internal/models"
	"github.com/tomtom215/bedsync/internal/store"
	"github.com/tomtom215/bedsync/internal/supervisor"
	"github.com/tomtom215/bedsync/internal/syncer"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Logging is not configured yet; the package default (json to
		// stderr) is good enough for a startup failure.
		logging.Error().Err(err).Msg("Configuration invalid")
		os.Exit(1)
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("host", cfg.Moonraker.Host).
		Int("port", cfg.Moonraker.Port).
		Float64("interval_hours", cfg.Sync.IntervalHours).
		Msg("Bedsync starting")

	stores := syncer.Stores{
		Probes: store.New(cfg.Data.ProbeFile, func(r models.ProbeRecord) float64 {
			return r.Timestamp
		}),
		Offsets: store.New(cfg.Data.ZOffsetFile, func(r models.OffsetRecord) float64 {
			return r.Timestamp
		}),
		Meshes: store.New(cfg.Data.MeshFile, func(r models.MeshSnapshot) float64 {
			return r.Timestamp
		}),
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.Add(supervisor.NewConnectionService(cfg, stores, nil))
	if cfg.Metrics.Enabled {
		tree.Add(metrics.NewServer(cfg.Metrics.Addr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tree.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Supervisor exited")
		os.Exit(1)
	}

	logging.Info().Msg("Shutdown complete")
}
