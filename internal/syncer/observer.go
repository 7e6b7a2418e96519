// Bedsync - Moonraker Bed Mesh and Probe Telemetry Collector
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bedsync

package syncer

import (
	"github.com/tomtom215/bedsync/internal/logging"
	"github.com/tomtom215/bedsync/internal/metrics"
)

// Record kinds as reported to observers and metrics.
const (
	KindProbes  = "probes"
	KindOffsets = "offsets"
	KindMesh    = "mesh"
)

// Observer receives the outcome of each sync operation. The engine
// reports through this interface instead of logging directly so tests
// can assert on outcomes without capturing text output.
type Observer interface {
	// Saved is called after new records were appended to a store.
	Saved(kind string, newRecords int)

	// NoNewData is called when a sync completed with nothing to add.
	// This is a normal outcome, not an error.
	NoNewData(kind string)

	// Failed is called when a sync operation errored before saving.
	Failed(kind string, err error)
}

// LogObserver logs outcomes through the global logger and updates the
// Prometheus counters. It is the production observer.
type LogObserver struct{}

func (LogObserver) Saved(kind string, newRecords int) {
	metrics.SyncRuns.WithLabelValues(kind, "saved").Inc()
	metrics.RecordsSaved.WithLabelValues(kind).Add(float64(newRecords))
	logging.Info().
		Str("kind", kind).
		Int("new_records", newRecords).
		Msg("Sync saved new records")
}

func (LogObserver) NoNewData(kind string) {
	metrics.SyncRuns.WithLabelValues(kind, "no_new_data").Inc()
	logging.Debug().
		Str("kind", kind).
		Msg("Sync found no new data")
}

func (LogObserver) Failed(kind string, err error) {
	metrics.SyncRuns.WithLabelValues(kind, "error").Inc()
	logging.Error().
		Str("kind", kind).
		Err(err).
		Msg("Sync failed")
}
