// Bedsync - Moonraker Bed Mesh and Probe Telemetry Collector
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bedsync

// Package models defines the record types Bedsync persists and the
// Moonraker payload shapes it consumes.
//
// Timestamps are float64 epoch seconds: probe and offset records carry the
// server-side time of the gcode log entry that produced them, mesh snapshots
// carry the client wall-clock time at capture (Moonraker does not timestamp
// the bed_mesh object).
package models

// ProbeRecord is a single bed-probe measurement extracted from the
// gcode console log. Identity key is Timestamp.
type ProbeRecord struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Timestamp float64 `json:"timestamp"`
}

// OffsetRecord is a nozzle z-offset correction extracted from the
// gcode console log. Identity key is Timestamp.
type OffsetRecord struct {
	ZOffset   float64 `json:"z_offset"`
	Timestamp float64 `json:"timestamp"`
}

// MeshSnapshot is a point-in-time copy of the printer's bed mesh.
//
// Unlike probe and offset records its identity is not the timestamp:
// two snapshots are the same record iff their ProbedMatrix values are
// equal. Timestamp is client-generated at capture time.
type MeshSnapshot struct {
	Timestamp    float64     `json:"timestamp"`
	ProfileName  string      `json:"profile_name"`
	MeshMin      [2]float64  `json:"mesh_min"`
	MeshMax      [2]float64  `json:"mesh_max"`
	ProbedMatrix [][]float64 `json:"probed_matrix"`
}

// MatrixEqual reports whether the snapshot's probed matrix is value-equal
// to other's. Dimensions and every cell must match exactly.
func (m MeshSnapshot) MatrixEqual(other MeshSnapshot) bool {
	if len(m.ProbedMatrix) != len(other.ProbedMatrix) {
		return false
	}
	for i, row := range m.ProbedMatrix {
		if len(row) != len(other.ProbedMatrix[i]) {
			return false
		}
		for j, v := range row {
			if v != other.ProbedMatrix[i][j] {
				return false
			}
		}
	}
	return true
}
