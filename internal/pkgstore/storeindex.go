// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pkgstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// StoreIndex implements C5: the persistent Identity -> StoreEntry
// mapping that lets the Fetch Coordinator answer "is this identity already
// materialized" without touching the filesystem tree itself. Reads don't
// block each other; writes are serialized and each one durably persists the
// whole table, matching the teacher's small-index-file conventions.
type StoreIndex struct {
	path string

	mu      sync.RWMutex
	entries map[Identity]StoreEntry
}

// storeIndexFile is the on-disk JSON shape of a StoreIndex.
type storeIndexFile struct {
	Entries map[Identity]StoreEntry `json:"entries"`
}

// OpenStoreIndex loads path if it exists, or starts empty if it doesn't.
func OpenStoreIndex(path string) (*StoreIndex, error) {
	idx := &StoreIndex{path: path, entries: make(map[Identity]StoreEntry)}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return idx, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading store index")
	}
	var f storeIndexFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "parsing store index")
	}
	if f.Entries != nil {
		idx.entries = f.Entries
	}
	return idx, nil
}

// Has reports whether id is recorded in the index.
func (s *StoreIndex) Has(id Identity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}

// Get returns the recorded entry for id.
func (s *StoreIndex) Get(id Identity) (StoreEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// Record persists entry for id, overwriting any prior record, and flushes
// the whole table to disk before returning.
func (s *StoreIndex) Record(id Identity, entry StoreEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = entry
	return s.flushLocked()
}

// Forget removes id from the index, e.g. after an integrity failure forces
// a refetch. It flushes before returning.
func (s *StoreIndex) Forget(id Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return s.flushLocked()
}

func (s *StoreIndex) flushLocked() error {
	if s.path == "" {
		return nil
	}
	b, err := json.MarshalIndent(storeIndexFile{Entries: s.entries}, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling store index")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return errors.Wrap(err, "creating store index directory")
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return errors.Wrap(err, "writing store index")
	}
	return os.Rename(tmp, s.path)
}
