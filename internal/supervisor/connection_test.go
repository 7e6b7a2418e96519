// Bedsync - Moonraker Bed Mesh and Probe Telemetry Collector
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bedsync

package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/tomtom215/bedsync/internal/config"
	"github.com/tomtom215/bedsync/internal/models"
	"github.com/tomtom215/bedsync/internal/store"
	"github.com/tomtom215/bedsync/internal/syncer"
)

// scriptedMoonraker answers the two RPC methods the engine uses and
// lets tests push notifications and kill the connection.
type scriptedMoonraker struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu         sync.Mutex
	conn       *websocket.Conn
	gcodeCalls int
	entries    []models.GcodeStoreEntry
	matrix     [][]float64
}

func newScriptedMoonraker(t *testing.T) *scriptedMoonraker {
	t.Helper()
	mock := &scriptedMoonraker{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		entries: []models.GcodeStoreEntry{
			{Message: "probe at 1.0,2.0 is z=-0.05", Time: 100},
			{Message: "probe: z_offset: -0.123", Time: 200},
		},
		matrix: [][]float64{{0.1, 0.2}, {0.3, 0.4}},
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/websocket" {
			http.NotFound(w, r)
			return
		}
		conn, err := mock.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mock.mu.Lock()
		mock.conn = conn
		mock.mu.Unlock()
		go mock.serveConn(conn)
	}))
	t.Cleanup(mock.server.Close)

	return mock
}

func (m *scriptedMoonraker) serveConn(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req struct {
			Method string `json:"method"`
			ID     uint64 `json:"id"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}

		var result interface{}
		switch req.Method {
		case "server.gcode_store":
			m.mu.Lock()
			m.gcodeCalls++
			result = models.GcodeStoreResult{GcodeStore: m.entries}
			m.mu.Unlock()
		case "printer.objects.query":
			m.mu.Lock()
			result = models.ObjectsQueryResult{
				Status: models.ObjectsQueryState{
					BedMesh: &models.BedMeshStatus{
						ProfileName:  "default",
						ProbedMatrix: m.matrix,
					},
				},
			}
			m.mu.Unlock()
		default:
			result = map[string]interface{}{}
		}

		reply, err := json.Marshal(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
		})
		if err != nil {
			continue
		}
		m.mu.Lock()
		_ = conn.WriteMessage(websocket.TextMessage, reply)
		m.mu.Unlock()
	}
}

func (m *scriptedMoonraker) sendNotification(t *testing.T, line string) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		t.Fatal("no active connection")
	}
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"method":  "notify_gcode_response",
		"params":  []string{line},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("notification write failed: %v", err)
	}
}

func (m *scriptedMoonraker) killConnection(t *testing.T) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		t.Fatal("no active connection")
	}
	m.conn.Close()
}

func (m *scriptedMoonraker) gcodeCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gcodeCalls
}

func testConfig(t *testing.T, mock *scriptedMoonraker) *config.Config {
	t.Helper()
	u, err := url.Parse(mock.server.URL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	return &config.Config{
		Moonraker: config.MoonrakerConfig{Host: u.Hostname(), Port: port},
		Data: config.DataConfig{
			ProbeFile:   filepath.Join(dir, "probe_data.json"),
			MeshFile:    filepath.Join(dir, "bed_mesh_data.json"),
			ZOffsetFile: filepath.Join(dir, "z_offset_data.json"),
		},
		Sync: config.SyncConfig{
			IntervalHours:      1000, // keep the ticker out of the way
			RetryDelaySeconds:  1,
			SettleDelaySeconds: 0,
		},
	}
}

func testStores(cfg *config.Config) syncer.Stores {
	return syncer.Stores{
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
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectionServiceInitialSyncAndTrigger(t *testing.T) {
	mock := newScriptedMoonraker(t)
	cfg := testConfig(t, mock)
	stores := testStores(cfg)

	svc := NewConnectionService(cfg, stores, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	// Initial refresh populates all three stores: two gcode_store
	// fetches (probes, offsets) plus the mesh query.
	waitFor(t, 5*time.Second, func() bool {
		return mock.gcodeCallCount() >= 2
	}, "initial sync never completed")
	waitFor(t, 5*time.Second, func() bool {
		return len(stores.Probes.Load()) == 1 && len(stores.Offsets.Load()) == 1
	}, "stores not populated by initial sync")

	// A mesh trigger notification drives another full refresh.
	mock.sendNotification(t, "Mesh Bed Leveling Complete")
	waitFor(t, 5*time.Second, func() bool {
		return mock.gcodeCallCount() >= 4
	}, "trigger never caused a refresh")

	// Unrelated notifications are ignored.
	mock.sendNotification(t, "echo: unrelated chatter")

	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not stop on cancellation")
	}
}

func TestConnectionServiceReturnsErrorOnTransportFailure(t *testing.T) {
	mock := newScriptedMoonraker(t)
	cfg := testConfig(t, mock)
	stores := testStores(cfg)

	svc := NewConnectionService(cfg, stores, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()

	waitFor(t, 5*time.Second, func() bool {
		return mock.gcodeCallCount() >= 2
	}, "initial sync never completed")

	// Stores written before the failure must survive it.
	waitFor(t, 5*time.Second, func() bool {
		return len(stores.Probes.Load()) == 1
	}, "probe store not written")

	mock.killConnection(t)

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("Serve() should return the transport error for the supervisor to restart")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve() never returned after transport failure")
	}

	if records := stores.Probes.Load(); len(records) != 1 {
		t.Errorf("probe store corrupted by failure: %d records", len(records))
	}
}

func TestConnectionServiceDialFailure(t *testing.T) {
	mock := newScriptedMoonraker(t)
	cfg := testConfig(t, mock)
	stores := testStores(cfg)
	mock.server.Close()

	svc := NewConnectionService(cfg, stores, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := svc.Serve(ctx); err == nil {
		t.Fatal("Serve() should fail when Moonraker is unreachable")
	}
}
