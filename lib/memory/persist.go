// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// PersistenceError reports a failed snapshot read or write. The
// in-memory store is unaffected: it remains the source of truth until
// the next successful flush. Callers extract it with errors.As.
type PersistenceError struct {
	// Op is "save" or "load".
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("memory %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsPersistenceError reports whether err is a *PersistenceError.
func IsPersistenceError(err error) bool {
	var persistenceErr *PersistenceError
	return errors.As(err, &persistenceErr)
}

// Snapshot renders the store as its persistence format: a JSON object
// keyed by entry key with Entry records as values. The same bytes are
// written to the snapshot file and shipped to bootstrapping peers.
func (s *Store) Snapshot() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return marshalEntries(s.entries)
}

// marshalEntries renders entries with stable formatting. Caller must
// hold s.mu (read or write).
func marshalEntries(entries map[string]*Entry) ([]byte, error) {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling memory snapshot: %w", err)
	}
	// Trailing newline for clean file content.
	return append(data, '\n'), nil
}

// ParseSnapshot decodes persistence-format bytes. Used by Load and by
// the coordinator when applying a peer's full-state sync.
func ParseSnapshot(data []byte) (map[string]*Entry, error) {
	var entries map[string]*Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parsing memory snapshot: %w", err)
	}
	for key, entry := range entries {
		if entry == nil {
			delete(entries, key)
			continue
		}
		// The map key is authoritative; tolerate hand-edited files
		// where the embedded key drifted.
		entry.Key = key
	}
	return entries, nil
}

// Save flushes the store to the snapshot file. A no-op without a
// configured path.
func (s *Store) Save() error { return s.flush() }

// flush writes the snapshot atomically. Concurrent flushes serialize
// on persistMu so their temp-file renames cannot interleave; each
// writer re-snapshots under the lock, so the last rename always
// carries the newest state it observed.
func (s *Store) flush() error {
	if s.path == "" {
		return nil
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	data, err := s.Snapshot()
	if err != nil {
		return &PersistenceError{Op: "save", Path: s.path, Err: err}
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return &PersistenceError{Op: "save", Path: s.path, Err: err}
	}
	return nil
}

// Load replaces the store contents from the snapshot file. Entries
// already expired at load time are dropped. A missing file is a clean
// first boot, not an error.
func (s *Store) Load() error {
	if s.path == "" {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &PersistenceError{Op: "load", Path: s.path, Err: err}
	}

	entries, err := ParseSnapshot(data)
	if err != nil {
		return &PersistenceError{Op: "load", Path: s.path, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	s.entries = make(map[string]*Entry, len(entries))
	for key, entry := range entries {
		if entry.expired(now) {
			continue
		}
		s.entries[key] = entry
	}
	return nil
}

// writeFileAtomic writes data to a temporary file in the target's
// directory, fsyncs it, and renames it into place so readers never
// observe a partial snapshot. The parent directory is synced after
// the rename for durability across power loss.
func writeFileAtomic(path string, data []byte) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary snapshot: %w", err)
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary snapshot: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary snapshot: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary snapshot: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming snapshot into place: %w", err)
	}

	if parent, err := os.Open(filepath.Dir(path)); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}
