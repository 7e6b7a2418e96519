// Bedsync - Moonraker Bed Mesh and Probe Telemetry Collector
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bedsync

// Package extract maps raw Moonraker payloads into typed records.
//
// The functions here are pure: they never touch the network or disk,
// and entries that do not match are skipped, not errors. The textual
// patterns are fixed contracts with Klipper's console output.
package extract

import (
	"regexp"
	"strconv"
	"time"

	"github.com/tomtom215/bedsync/internal/models"
)

var (
	// probePattern matches a probe measurement at the start of a
	// console line, e.g. "probe at 1.0,2.0 is z=-0.05".
	probePattern = regexp.MustCompile(`^probe at ([\d\.]+),([\d\.]+) is z=([-\d\.]+)`)

	// offsetPattern matches a z-offset report anywhere in a message;
	// PROBE_CALIBRATE output spans multiple lines.
	offsetPattern = regexp.MustCompile(`probe: z_offset: ([-\d\.]+)`)
)

// Probes extracts every probe measurement from the gcode store.
// Non-matching entries are silently skipped.
func Probes(entries []models.GcodeStoreEntry) []models.ProbeRecord {
	var records []models.ProbeRecord
	for _, entry := range entries {
		m := probePattern.FindStringSubmatch(entry.Message)
		if m == nil {
			continue
		}
		x, errX := strconv.ParseFloat(m[1], 64)
		y, errY := strconv.ParseFloat(m[2], 64)
		z, errZ := strconv.ParseFloat(m[3], 64)
		if errX != nil || errY != nil || errZ != nil {
			continue
		}
		records = append(records, models.ProbeRecord{
			X:         x,
			Y:         y,
			Z:         z,
			Timestamp: entry.Time,
		})
	}
	return records
}

// Offsets extracts every z-offset correction from the gcode store.
// The pattern is searched anywhere in the message since the report may
// be embedded in a multi-line response.
func Offsets(entries []models.GcodeStoreEntry) []models.OffsetRecord {
	var records []models.OffsetRecord
	for _, entry := range entries {
		m := offsetPattern.FindStringSubmatch(entry.Message)
		if m == nil {
			continue
		}
		z, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		records = append(records, models.OffsetRecord{
			ZOffset:   z,
			Timestamp: entry.Time,
		})
	}
	return records
}

// Mesh builds a snapshot from a printer.objects.query result. ok is
// false when no bed_mesh object is present or it carries no probed
// matrix. Moonraker does not timestamp the object, so the snapshot is
// stamped with capturedAt (the client's wall clock).
func Mesh(res *models.ObjectsQueryResult, capturedAt time.Time) (models.MeshSnapshot, bool) {
	if res == nil || res.Status.BedMesh == nil || res.Status.BedMesh.ProbedMatrix == nil {
		return models.MeshSnapshot{}, false
	}

	bm := res.Status.BedMesh
	return models.MeshSnapshot{
		Timestamp:    float64(capturedAt.UnixNano()) / float64(time.Second),
		ProfileName:  bm.ProfileName,
		MeshMin:      bm.MeshMin,
		MeshMax:      bm.MeshMax,
		ProbedMatrix: bm.ProbedMatrix,
	}, true
}
