// Bedsync - Moonraker Bed Mesh and Probe Telemetry Collector
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bedsync

package models

// GcodeStoreEntry is one line of Moonraker's cached gcode console log,
// as returned by the server.gcode_store RPC method. Message may contain
// embedded newlines for multi-line console responses.
type GcodeStoreEntry struct {
	Message string  `json:"message"`
	Time    float64 `json:"time"`
	Type    string  `json:"type"`
}

// GcodeStoreResult is the result payload of server.gcode_store.
type GcodeStoreResult struct {
	GcodeStore []GcodeStoreEntry `json:"gcode_store"`
}

// BedMeshStatus is the bed_mesh object inside a printer.objects.query
// result. ProbedMatrix is nil when the printer has no active mesh.
type BedMeshStatus struct {
	ProfileName  string      `json:"profile_name"`
	MeshMin      [2]float64  `json:"mesh_min"`
	MeshMax      [2]float64  `json:"mesh_max"`
	ProbedMatrix [][]float64 `json:"probed_matrix"`
}

// ObjectsQueryResult is the result payload of printer.objects.query.
// Only the bed_mesh object is requested; other printer objects are
// absent from Status.
type ObjectsQueryResult struct {
	EventTime float64           `json:"eventtime"`
	Status    ObjectsQueryState `json:"status"`
}

// ObjectsQueryState holds the queried printer objects.
type ObjectsQueryState struct {
	BedMesh *BedMeshStatus `json:"bed_mesh"`
}
