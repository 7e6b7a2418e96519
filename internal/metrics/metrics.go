// Bedsync - Moonraker Bed Mesh and Probe Telemetry Collector
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bedsync

// Package metrics provides Prometheus instrumentation for the sync
// pipeline: RPC call latency, per-kind sync outcomes, record counts
// and connection churn.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RPCCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bedsync_rpc_call_duration_seconds",
			Help:    "Duration of Moonraker JSON-RPC calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	RPCCallErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bedsync_rpc_call_errors_total",
			Help: "Total number of failed Moonraker JSON-RPC calls",
		},
		[]string{"method"},
	)

	SyncRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bedsync_sync_runs_total",
			Help: "Total number of sync operations by kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: "saved", "no_new_data", "error"
	)

	RecordsSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bedsync_records_saved_total",
			Help: "Total number of new records appended to stores",
		},
		[]string{"kind"},
	)

	NotificationsSeen = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bedsync_notifications_total",
			Help: "Total number of Moonraker notifications observed",
		},
	)

	TriggersDetected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bedsync_mesh_triggers_total",
			Help: "Total number of mesh-leveling-complete triggers detected",
		},
	)

	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bedsync_reconnects_total",
			Help: "Total number of connection epochs started",
		},
	)

	Connected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "bedsync_connected",
			Help: "Whether a live Moonraker connection exists (0 or 1)",
		},
	)
)

// ObserveRPCCall records the latency and outcome of one RPC call.
func ObserveRPCCall(method string, start time.Time, err error) {
	RPCCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	if err != nil {
		RPCCallErrors.WithLabelValues(method).Inc()
	}
}
