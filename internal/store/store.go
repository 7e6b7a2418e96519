// Bedsync - Moonraker Bed Mesh and Probe Telemetry Collector
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/bedsync

// Package store persists ordered, deduplicated record collections, one
// JSON document per record kind.
//
// A store is append-only in intent: records are never rewritten or
// deleted, only merged in. Every save rewrites the whole document
// atomically (temp file + rename), so a crash mid-save never corrupts
// previously durable data. A missing or unparseable file loads as an
// empty collection; that is a recoverable condition, not an error.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/goccy/go-json"

	"github.com/tomtom215/bedsync/internal/logging"
	"github.com/tomtom215/bedsync/internal/models"
)

// Store holds one record kind at a fixed path. key extracts the
// timestamp used for the ascending sort invariant.
//
// All mutation goes through Update, which holds the store's lock across
// load-merge-save so two racing refreshes of the same kind serialize
// instead of interleaving their writes.
type Store[T any] struct {
	path string
	key  func(T) float64

	mu sync.Mutex
}

// New creates a store backed by path. The file is not touched until the
// first save.
func New[T any](path string, key func(T) float64) *Store[T] {
	return &Store[T]{path: path, key: key}
}

// Path returns the backing file path.
func (s *Store[T]) Path() string { return s.path }

// Load reads the full collection. A missing, unreadable or invalid file
// yields an empty collection.
func (s *Store[T]) Load() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store[T]) load() []T {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			logging.Warn().Str("path", s.path).Err(err).Msg("Store unreadable, treating as empty")
		}
		return nil
	}

	var records []T
	if err := json.Unmarshal(data, &records); err != nil {
		logging.Warn().Str("path", s.path).Err(err).Msg("Store unparseable, treating as empty")
		return nil
	}
	return records
}

// Save persists the full collection, re-sorted ascending by timestamp.
func (s *Store[T]) Save(records []T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(records)
}

func (s *Store[T]) save(records []T) error {
	sort.SliceStable(records, func(i, j int) bool {
		return s.key(records[i]) < s.key(records[j])
	})

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", s.path, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("store: create temp for %s: %w", s.path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("store: sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: close %s: %w", tmpName, err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("store: rename %s: %w", s.path, err)
	}
	return nil
}

// Update runs fn against the current collection under the store's
// exclusive lock and saves the result when fn reports a change.
// Returns whether a save happened.
func (s *Store[T]) Update(fn func(existing []T) (updated []T, changed bool)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	updated, changed := fn(s.load())
	if !changed {
		return false, nil
	}
	if err := s.save(updated); err != nil {
		return false, err
	}
	return true, nil
}

// MergeByTimestamp returns the incoming records whose timestamp does
// not already exist in existing. Idempotent: feeding the same incoming
// set twice yields nothing new the second time.
func MergeByTimestamp[T any](existing, incoming []T, key func(T) float64) []T {
	seen := make(map[float64]struct{}, len(existing))
	for _, r := range existing {
		seen[key(r)] = struct{}{}
	}

	var fresh []T
	for _, r := range incoming {
		if _, dup := seen[key(r)]; dup {
			continue
		}
		seen[key(r)] = struct{}{}
		fresh = append(fresh, r)
	}
	return fresh
}

// MergeMeshByContent reports whether incoming is a new snapshot: true
// when existing is empty or incoming's probed matrix differs from the
// most recent existing snapshot's.
//
// Only the last snapshot is compared. A matrix that reappears after an
// intervening different matrix counts as new again; the store tracks
// mesh edits, not mesh history membership.
func MergeMeshByContent(existing []models.MeshSnapshot, incoming models.MeshSnapshot) bool {
	if len(existing) == 0 {
		return true
	}
	return !existing[len(existing)-1].MatrixEqual(incoming)
}
