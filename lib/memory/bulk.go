// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"encoding/json"
)

// BulkSetItem is one upsert in a BulkSet batch.
type BulkSetItem struct {
	Key        string          `json:"key" cbor:"key"`
	Value      json.RawMessage `json:"value" cbor:"value"`
	TTLSeconds int64           `json:"ttlSeconds,omitempty" cbor:"ttlSeconds,omitempty"`
	Tags       []string        `json:"tags,omitempty" cbor:"tags,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty" cbor:"metadata,omitempty"`
}

// BulkSetOutcome reports one item's result. A failed item never
// aborts the rest of the batch.
type BulkSetOutcome struct {
	Key   string `json:"key" cbor:"key"`
	OK    bool   `json:"ok" cbor:"ok"`
	Error string `json:"error,omitempty" cbor:"error,omitempty"`
}

// BulkGetOutcome reports one key's lookup result.
type BulkGetOutcome struct {
	Key   string          `json:"key" cbor:"key"`
	Found bool            `json:"found" cbor:"found"`
	Value json.RawMessage `json:"value,omitempty" cbor:"value,omitempty"`
}

// BulkDeleteOutcome reports one key's deletion result.
type BulkDeleteOutcome struct {
	Key     string `json:"key" cbor:"key"`
	Deleted bool   `json:"deleted" cbor:"deleted"`
}

// BulkSet applies every item, collecting a per-item outcome, then
// flushes once. The returned error is a flush *PersistenceError (or
// nil); it applies to the batch as a whole, not to individual items,
// whose in-memory writes all stand.
func (s *Store) BulkSet(items []BulkSetItem, origin string) ([]BulkSetOutcome, error) {
	outcomes := make([]BulkSetOutcome, 0, len(items))

	s.mu.Lock()
	now := s.clk.Now()
	for _, item := range items {
		if item.Key == "" {
			outcomes = append(outcomes, BulkSetOutcome{Key: item.Key, Error: "empty key"})
			continue
		}
		s.setLocked(item.Key, item.Value, now, SetOptions{
			TTLSeconds: item.TTLSeconds,
			Tags:       item.Tags,
			Metadata:   item.Metadata,
			Origin:     origin,
		})
		outcomes = append(outcomes, BulkSetOutcome{Key: item.Key, OK: true})
	}
	s.mu.Unlock()

	return outcomes, s.flush()
}

// BulkGet looks up every key, reporting found/absent per key. Like
// Get, found entries count as accessed and expired entries are
// reclaimed.
func (s *Store) BulkGet(keys []string) []BulkGetOutcome {
	outcomes := make([]BulkGetOutcome, 0, len(keys))
	for _, key := range keys {
		entry, ok := s.GetEntry(key)
		if !ok {
			outcomes = append(outcomes, BulkGetOutcome{Key: key})
			continue
		}
		outcomes = append(outcomes, BulkGetOutcome{Key: key, Found: true, Value: entry.Value})
	}
	return outcomes
}

// BulkDelete removes every key, reporting per key whether a live
// entry existed, then flushes once; the returned error carries the
// flush outcome as in BulkSet.
func (s *Store) BulkDelete(keys []string) ([]BulkDeleteOutcome, error) {
	outcomes := make([]BulkDeleteOutcome, 0, len(keys))

	s.mu.Lock()
	now := s.clk.Now()
	for _, key := range keys {
		entry, ok := s.entries[key]
		deleted := ok && !entry.expired(now)
		delete(s.entries, key)
		outcomes = append(outcomes, BulkDeleteOutcome{Key: key, Deleted: deleted})
	}
	s.mu.Unlock()

	return outcomes, s.flush()
}
