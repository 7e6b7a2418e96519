// Bedsync - Moonraker Bed Mesh and Probe Telemetry Collector
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bedsync

package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/bedsync/internal/models"
	"github.com/tomtom215/bedsync/internal/store"
)

// fakeCaller serves canned results per RPC method and can be told to
// fail specific methods.
type fakeCaller struct {
	mu      sync.Mutex
	results map[string]interface{}
	fail    map[string]error
	calls   []string
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		results: make(map[string]interface{}),
		fail:    make(map[string]error),
	}
}

func (f *fakeCaller) Call(_ context.Context, method string, _ interface{}) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, method)

	if err := f.fail[method]; err != nil {
		return nil, err
	}
	raw, err := json.Marshal(f.results[method])
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// recordingObserver records outcomes for assertions.
type recordingObserver struct {
	mu        sync.Mutex
	saved     map[string]int
	noNewData map[string]int
	failed    map[string]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		saved:     make(map[string]int),
		noNewData: make(map[string]int),
		failed:    make(map[string]int),
	}
}

func (o *recordingObserver) Saved(kind string, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.saved[kind] += n
}

func (o *recordingObserver) NoNewData(kind string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.noNewData[kind]++
}

func (o *recordingObserver) Failed(kind string, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failed[kind]++
}

type engineTestSetup struct {
	caller *fakeCaller
	obs    *recordingObserver
	stores Stores
	engine *Engine
}

func setupEngineTest(t *testing.T) *engineTestSetup {
	t.Helper()
	dir := t.TempDir()

	stores := Stores{
		Probes: store.New(filepath.Join(dir, "probe_data.json"), func(r models.ProbeRecord) float64 {
			return r.Timestamp
		}),
		Offsets: store.New(filepath.Join(dir, "z_offset_data.json"), func(r models.OffsetRecord) float64 {
			return r.Timestamp
		}),
		Meshes: store.New(filepath.Join(dir, "bed_mesh_data.json"), func(r models.MeshSnapshot) float64 {
			return r.Timestamp
		}),
	}

	caller := newFakeCaller()
	obs := newRecordingObserver()
	engine := New(caller, stores, obs)
	engine.now = func() time.Time { return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC) }

	return &engineTestSetup{caller: caller, obs: obs, stores: stores, engine: engine}
}

func gcodeStoreWith(entries ...models.GcodeStoreEntry) models.GcodeStoreResult {
	return models.GcodeStoreResult{GcodeStore: entries}
}

func meshQueryWith(matrix [][]float64) models.ObjectsQueryResult {
	return models.ObjectsQueryResult{
		Status: models.ObjectsQueryState{
			BedMesh: &models.BedMeshStatus{
				ProfileName:  "default",
				MeshMin:      [2]float64{5, 5},
				MeshMax:      [2]float64{215, 215},
				ProbedMatrix: matrix,
			},
		},
	}
}

func TestSyncProbesSavesNewRecords(t *testing.T) {
	s := setupEngineTest(t)
	s.caller.results[methodGcodeStore] = gcodeStoreWith(
		models.GcodeStoreEntry{Message: "probe at 1.0,2.0 is z=-0.05", Time: 100},
		models.GcodeStoreEntry{Message: "unrelated line", Time: 101},
	)

	if err := s.engine.SyncProbes(context.Background()); err != nil {
		t.Fatalf("SyncProbes() failed: %v", err)
	}

	records := s.stores.Probes.Load()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if s.obs.saved[KindProbes] != 1 {
		t.Errorf("observer saw %d saved probes", s.obs.saved[KindProbes])
	}
}

func TestRefreshIdempotent(t *testing.T) {
	s := setupEngineTest(t)
	s.caller.results[methodGcodeStore] = gcodeStoreWith(
		models.GcodeStoreEntry{Message: "probe at 1.0,2.0 is z=-0.05", Time: 100},
		models.GcodeStoreEntry{Message: "probe: z_offset: -0.123", Time: 200},
	)
	s.caller.results[methodObjectsQuery] = meshQueryWith([][]float64{{0.1, 0.2}, {0.3, 0.4}})

	if err := s.engine.Refresh(context.Background()); err != nil {
		t.Fatalf("first Refresh() failed: %v", err)
	}

	readAll := func() map[string]string {
		t.Helper()
		out := make(map[string]string)
		for _, st := range []string{
			s.stores.Probes.Path(),
			s.stores.Offsets.Path(),
			s.stores.Meshes.Path(),
		} {
			data, err := os.ReadFile(st)
			if err != nil {
				t.Fatalf("read %s: %v", st, err)
			}
			out[st] = string(data)
		}
		return out
	}
	before := readAll()

	// Upstream returns identical data; all three stores must remain
	// byte-identical.
	if err := s.engine.Refresh(context.Background()); err != nil {
		t.Fatalf("second Refresh() failed: %v", err)
	}
	after := readAll()

	for path, content := range before {
		if after[path] != content {
			t.Errorf("store %s changed on idempotent refresh", path)
		}
	}
}

func TestRefreshPartialFailurePreservesEarlierSaves(t *testing.T) {
	s := setupEngineTest(t)
	s.caller.results[methodGcodeStore] = gcodeStoreWith(
		models.GcodeStoreEntry{Message: "probe at 1.0,2.0 is z=-0.05", Time: 100},
	)
	s.caller.fail[methodObjectsQuery] = errors.New("socket reset")

	err := s.engine.Refresh(context.Background())
	if err == nil {
		t.Fatal("Refresh() should propagate the mesh failure")
	}

	// The probe store was written before the mesh call failed and must
	// survive intact.
	records := s.stores.Probes.Load()
	if len(records) != 1 {
		t.Fatalf("probe store corrupted: expected 1 record, got %d", len(records))
	}
	if s.obs.failed[KindMesh] != 1 {
		t.Errorf("observer saw %d mesh failures", s.obs.failed[KindMesh])
	}

	// The offset sync never ran; refresh stops at the first failure.
	if _, err := os.Stat(s.stores.Offsets.Path()); !os.IsNotExist(err) {
		t.Error("offset store should not exist after aborted refresh")
	}
}

func TestSyncMeshRejectsRepeatOfLastMatrix(t *testing.T) {
	s := setupEngineTest(t)
	matrix := [][]float64{{0.1, 0.2}, {0.3, 0.4}}
	s.caller.results[methodObjectsQuery] = meshQueryWith(matrix)

	if err := s.engine.SyncMesh(context.Background()); err != nil {
		t.Fatalf("first SyncMesh() failed: %v", err)
	}
	if err := s.engine.SyncMesh(context.Background()); err != nil {
		t.Fatalf("second SyncMesh() failed: %v", err)
	}

	snapshots := s.stores.Meshes.Load()
	if len(snapshots) != 1 {
		t.Fatalf("expected 1 snapshot, got %d", len(snapshots))
	}
	if s.obs.noNewData[KindMesh] != 1 {
		t.Errorf("observer saw %d mesh no-ops", s.obs.noNewData[KindMesh])
	}
}

func TestSyncMeshAcceptsChangedMatrix(t *testing.T) {
	s := setupEngineTest(t)
	s.caller.results[methodObjectsQuery] = meshQueryWith([][]float64{{0.1}})
	if err := s.engine.SyncMesh(context.Background()); err != nil {
		t.Fatal(err)
	}

	s.caller.results[methodObjectsQuery] = meshQueryWith([][]float64{{0.9}})
	if err := s.engine.SyncMesh(context.Background()); err != nil {
		t.Fatal(err)
	}

	if snapshots := s.stores.Meshes.Load(); len(snapshots) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snapshots))
	}
}

func TestSyncMeshNoMeshObject(t *testing.T) {
	s := setupEngineTest(t)
	s.caller.results[methodObjectsQuery] = models.ObjectsQueryResult{}

	if err := s.engine.SyncMesh(context.Background()); err != nil {
		t.Fatalf("SyncMesh() failed: %v", err)
	}
	if _, err := os.Stat(s.stores.Meshes.Path()); !os.IsNotExist(err) {
		t.Error("mesh store should not be created for an absent mesh")
	}
	if s.obs.noNewData[KindMesh] != 1 {
		t.Errorf("observer saw %d mesh no-ops", s.obs.noNewData[KindMesh])
	}
}

func TestSyncOffsetsMultilineMessage(t *testing.T) {
	s := setupEngineTest(t)
	s.caller.results[methodGcodeStore] = gcodeStoreWith(
		models.GcodeStoreEntry{
			Message: "PROBE_CALIBRATE\nprobe: z_offset: -0.321\ndone",
			Time:    500,
		},
	)

	if err := s.engine.SyncOffsets(context.Background()); err != nil {
		t.Fatalf("SyncOffsets() failed: %v", err)
	}

	records := s.stores.Offsets.Load()
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].ZOffset != -0.321 {
		t.Errorf("z_offset: got %v", records[0].ZOffset)
	}
}
