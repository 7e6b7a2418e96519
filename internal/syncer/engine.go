// Bedsync - Moonraker Bed Mesh and Probe Telemetry Collector
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bedsync

// Package syncer orchestrates fetch, extract and merge for each record
// kind.
//
// Each operation is independently idempotent: re-running it against an
// upstream that returns identical data leaves the store byte-identical.
// A full refresh composes the three sequentially and stops at the first
// failure; stores already written earlier in the same refresh keep
// their data.
package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/bedsync/internal/extract"
	"github.com/tomtom215/bedsync/internal/models"
	"github.com/tomtom215/bedsync/internal/store"
)

// RPC methods consumed from Moonraker.
const (
	methodGcodeStore   = "server.gcode_store"
	methodObjectsQuery = "printer.objects.query"
)

// objectsQueryParams requests only the bed_mesh object.
type objectsQueryParams struct {
	Objects struct {
		BedMesh *struct{} `json:"bed_mesh"`
	} `json:"objects"`
}

// Engine runs the three sync operations against a shared connection.
type Engine struct {
	caller  Caller
	probes  *store.Store[models.ProbeRecord]
	offsets *store.Store[models.OffsetRecord]
	meshes  *store.Store[models.MeshSnapshot]
	obs     Observer
	now     func() time.Time
}

// Stores bundles the three per-kind stores the engine merges into.
type Stores struct {
	Probes  *store.Store[models.ProbeRecord]
	Offsets *store.Store[models.OffsetRecord]
	Meshes  *store.Store[models.MeshSnapshot]
}

// New creates an engine. obs may be nil, in which case outcomes are
// reported through the default LogObserver.
func New(caller Caller, stores Stores, obs Observer) *Engine {
	if obs == nil {
		obs = LogObserver{}
	}
	return &Engine{
		caller:  caller,
		probes:  stores.Probes,
		offsets: stores.Offsets,
		meshes:  stores.Meshes,
		obs:     obs,
		now:     time.Now,
	}
}

// SyncProbes fetches the gcode store and appends any probe measurements
// not yet persisted.
func (e *Engine) SyncProbes(ctx context.Context) error {
	entries, err := e.fetchGcodeStore(ctx)
	if err != nil {
		e.obs.Failed(KindProbes, err)
		return err
	}

	incoming := extract.Probes(entries)
	if len(incoming) == 0 {
		e.obs.NoNewData(KindProbes)
		return nil
	}

	var added int
	changed, err := e.probes.Update(func(existing []models.ProbeRecord) ([]models.ProbeRecord, bool) {
		fresh := store.MergeByTimestamp(existing, incoming, func(r models.ProbeRecord) float64 { return r.Timestamp })
		if len(fresh) == 0 {
			return nil, false
		}
		added = len(fresh)
		return append(existing, fresh...), true
	})
	if err != nil {
		e.obs.Failed(KindProbes, err)
		return err
	}

	if changed {
		e.obs.Saved(KindProbes, added)
	} else {
		e.obs.NoNewData(KindProbes)
	}
	return nil
}

// SyncOffsets fetches the gcode store and appends any z-offset
// corrections not yet persisted.
func (e *Engine) SyncOffsets(ctx context.Context) error {
	entries, err := e.fetchGcodeStore(ctx)
	if err != nil {
		e.obs.Failed(KindOffsets, err)
		return err
	}

	incoming := extract.Offsets(entries)
	if len(incoming) == 0 {
		e.obs.NoNewData(KindOffsets)
		return nil
	}

	var added int
	changed, err := e.offsets.Update(func(existing []models.OffsetRecord) ([]models.OffsetRecord, bool) {
		fresh := store.MergeByTimestamp(existing, incoming, func(r models.OffsetRecord) float64 { return r.Timestamp })
		if len(fresh) == 0 {
			return nil, false
		}
		added = len(fresh)
		return append(existing, fresh...), true
	})
	if err != nil {
		e.obs.Failed(KindOffsets, err)
		return err
	}

	if changed {
		e.obs.Saved(KindOffsets, added)
	} else {
		e.obs.NoNewData(KindOffsets)
	}
	return nil
}

// SyncMesh queries the current bed mesh and appends a snapshot when its
// probed matrix differs from the most recently saved one.
func (e *Engine) SyncMesh(ctx context.Context) error {
	raw, err := e.caller.Call(ctx, methodObjectsQuery, objectsQueryParams{})
	if err != nil {
		e.obs.Failed(KindMesh, err)
		return fmt.Errorf("syncer: %s: %w", methodObjectsQuery, err)
	}

	var res models.ObjectsQueryResult
	if err := json.Unmarshal(raw, &res); err != nil {
		err = fmt.Errorf("syncer: decode %s result: %w", methodObjectsQuery, err)
		e.obs.Failed(KindMesh, err)
		return err
	}

	snapshot, ok := extract.Mesh(&res, e.now())
	if !ok {
		e.obs.NoNewData(KindMesh)
		return nil
	}

	changed, err := e.meshes.Update(func(existing []models.MeshSnapshot) ([]models.MeshSnapshot, bool) {
		if !store.MergeMeshByContent(existing, snapshot) {
			return nil, false
		}
		return append(existing, snapshot), true
	})
	if err != nil {
		e.obs.Failed(KindMesh, err)
		return err
	}

	if changed {
		e.obs.Saved(KindMesh, 1)
	} else {
		e.obs.NoNewData(KindMesh)
	}
	return nil
}

// Refresh runs all three sync operations in order, stopping at the
// first failure so the reconnect policy can decide what to do. Stores
// saved by earlier operations are unaffected by a later failure.
func (e *Engine) Refresh(ctx context.Context) error {
	if err := e.SyncProbes(ctx); err != nil {
		return err
	}
	if err := e.SyncMesh(ctx); err != nil {
		return err
	}
	return e.SyncOffsets(ctx)
}

// fetchGcodeStore retrieves and decodes the cached gcode console log.
func (e *Engine) fetchGcodeStore(ctx context.Context) ([]models.GcodeStoreEntry, error) {
	raw, err := e.caller.Call(ctx, methodGcodeStore, nil)
	if err != nil {
		return nil, fmt.Errorf("syncer: %s: %w", methodGcodeStore, err)
	}

	var res models.GcodeStoreResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("syncer: decode %s result: %w", methodGcodeStore, err)
	}
	return res.GcodeStore, nil
}
