// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

// Package memory implements the replicated key/value memory store:
// TTL-bounded entries, regex and tag queries, token-overlap similarity
// search, bulk operations, derived analysis reports, and a JSON
// snapshot file for durability.
//
// The store is the unit of replication. Local writes are broadcast by
// the coordinator; remote writes arrive through ApplyRemoteSet and
// ApplyRemoteDelete, which resolve conflicts last-write-wins.
package memory

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/clock"
)

// Entry is one memory record. Entries round-trip through the JSON
// snapshot file and travel between peers inside replication payloads.
type Entry struct {
	Key         string          `json:"key" cbor:"key"`
	Value       json.RawMessage `json:"value" cbor:"value"`
	Tags        []string        `json:"tags,omitempty" cbor:"tags,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty" cbor:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt" cbor:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt" cbor:"updatedAt"`
	TTLSeconds  int64           `json:"ttlSeconds,omitempty" cbor:"ttlSeconds,omitempty"`
	AccessCount int64           `json:"accessCount" cbor:"accessCount"`

	// Origin is the peer id that produced the latest write. Equal
	// UpdatedAt conflicts resolve by lexicographic origin order.
	Origin string `json:"origin,omitempty" cbor:"origin,omitempty"`
}

// expired reports whether the entry's TTL has elapsed at now. The TTL
// counts from the last update.
func (e *Entry) expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.After(e.UpdatedAt.Add(time.Duration(e.TTLSeconds) * time.Second))
}

// clone returns a deep copy so callers can hold results without
// racing against later mutations.
func (e *Entry) clone() *Entry {
	copied := *e
	if e.Value != nil {
		copied.Value = append(json.RawMessage(nil), e.Value...)
	}
	if e.Metadata != nil {
		copied.Metadata = append(json.RawMessage(nil), e.Metadata...)
	}
	if e.Tags != nil {
		copied.Tags = append([]string(nil), e.Tags...)
	}
	return &copied
}

// SetOptions carries the optional attributes of a Set. A Set replaces
// every attribute except CreatedAt and AccessCount, so omitted options
// clear previous values.
type SetOptions struct {
	TTLSeconds int64
	Tags       []string
	Metadata   json.RawMessage

	// Origin identifies the writer. The coordinator stamps its own
	// peer id on local writes and the sender's id on remote applies.
	Origin string
}

// Store is the memory store. All state lives behind a single RWMutex;
// reads that mutate bookkeeping (access counting, lazy expiry) take
// the write lock.
type Store struct {
	clk  clock.Clock
	path string

	mu      sync.RWMutex
	entries map[string]*Entry

	// persistMu serializes snapshot writes so concurrent flushes
	// cannot interleave their temp-file renames.
	persistMu sync.Mutex
}

// New creates a store persisting to path. An empty path disables
// persistence (every flush becomes a no-op), which is how the
// balancer tests and ephemeral deployments run.
func New(path string, clk clock.Clock) *Store {
	return &Store{
		clk:     clk,
		path:    path,
		entries: make(map[string]*Entry),
	}
}

// Set upserts an entry. CreatedAt and AccessCount survive updates;
// everything else is replaced. The write is flushed to the snapshot
// file before Set returns; a flush failure is reported as a
// *PersistenceError while the in-memory write stays applied; memory
// remains the source of truth until the next successful flush.
func (s *Store) Set(key string, value json.RawMessage, opts SetOptions) (*Entry, error) {
	if key == "" {
		return nil, fmt.Errorf("memory: empty key")
	}

	s.mu.Lock()
	now := s.clk.Now()
	entry := s.setLocked(key, value, now, opts)
	result := entry.clone()
	s.mu.Unlock()

	if err := s.flush(); err != nil {
		return result, err
	}
	return result, nil
}

// setLocked applies an upsert. Caller must hold s.mu.
func (s *Store) setLocked(key string, value json.RawMessage, now time.Time, opts SetOptions) *Entry {
	entry := &Entry{
		Key:        key,
		Value:      append(json.RawMessage(nil), value...),
		Tags:       append([]string(nil), opts.Tags...),
		Metadata:   append(json.RawMessage(nil), opts.Metadata...),
		CreatedAt:  now,
		UpdatedAt:  now,
		TTLSeconds: opts.TTLSeconds,
		Origin:     opts.Origin,
	}

	if previous, ok := s.entries[key]; ok && !previous.expired(now) {
		entry.CreatedAt = previous.CreatedAt
		entry.AccessCount = previous.AccessCount
	}

	s.entries[key] = entry
	return entry
}

// Get returns the entry's value, or def when the key is absent or its
// TTL has expired. An expired entry is deleted as a side effect. A
// successful read bumps AccessCount and refreshes UpdatedAt.
func (s *Store) Get(key string, def json.RawMessage) json.RawMessage {
	entry, ok := s.GetEntry(key)
	if !ok {
		return def
	}
	return entry.Value
}

// GetEntry is Get for callers that need the full record.
func (s *Store) GetEntry(key string) (*Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	now := s.clk.Now()
	if entry.expired(now) {
		delete(s.entries, key)
		return nil, false
	}

	entry.AccessCount++
	entry.UpdatedAt = now
	return entry.clone(), true
}

// Peek returns the live entry without counting an access. Replication
// uses it to read state it is about to broadcast; operator reads go
// through GetEntry.
func (s *Store) Peek(key string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[key]
	if !ok || entry.expired(s.clk.Now()) {
		return nil, false
	}
	return entry.clone(), true
}

// Delete removes an entry, reporting whether a live entry was
// present. Deleting an absent or already-expired key is a no-op that
// returns false. The deletion is flushed; flush failures are reported
// the same way as Set.
func (s *Store) Delete(key string) (bool, error) {
	s.mu.Lock()
	entry, ok := s.entries[key]
	existed := ok && !entry.expired(s.clk.Now())
	delete(s.entries, key)
	s.mu.Unlock()

	if !ok {
		return false, nil
	}
	if err := s.flush(); err != nil {
		return existed, err
	}
	return existed, nil
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clk.Now()
	n := 0
	for _, entry := range s.entries {
		if !entry.expired(now) {
			n++
		}
	}
	return n
}

// Keys returns the live keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	now := s.clk.Now()
	keys := make([]string, 0, len(s.entries))
	for key, entry := range s.entries {
		if !entry.expired(now) {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()

	sort.Strings(keys)
	return keys
}

// QueryOptions filters and paginates a Query.
type QueryOptions struct {
	// Pattern is a regular expression matched against keys. Empty
	// matches every key.
	Pattern string

	// Tags restricts results to entries whose tag set intersects.
	// Empty imposes no tag constraint.
	Tags []string

	// Limit caps the result count; 0 means no cap.
	Limit int

	// Offset skips that many matches in key order.
	Offset int
}

// newKeyMatcher compiles the pattern into a key predicate. An empty
// pattern matches everything.
func newKeyMatcher(pattern string) (func(string) bool, error) {
	if pattern == "" {
		return func(string) bool { return true }, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("memory: invalid key pattern %q: %w", pattern, err)
	}
	return re.MatchString, nil
}

// Query returns live entries matching the options, in key order.
// Expired entries encountered during the scan are reclaimed.
func (s *Store) Query(opts QueryOptions) ([]*Entry, error) {
	matcher, err := newKeyMatcher(opts.Pattern)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	now := s.clk.Now()
	var matched []*Entry
	var expiredKeys []string
	for key, entry := range s.entries {
		if entry.expired(now) {
			expiredKeys = append(expiredKeys, key)
			continue
		}
		if !matcher(key) {
			continue
		}
		if len(opts.Tags) > 0 && !tagsIntersect(entry.Tags, opts.Tags) {
			continue
		}
		matched = append(matched, entry.clone())
	}
	s.mu.RUnlock()

	s.reclaim(expiredKeys)

	sort.Slice(matched, func(i, j int) bool { return matched[i].Key < matched[j].Key })

	if opts.Offset > 0 {
		if opts.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[opts.Offset:]
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}
	return matched, nil
}

// reclaim deletes entries that a read path observed as expired. The
// expiry is re-checked under the write lock: a Set may have revived
// the key between the scan and the reclaim.
func (s *Store) reclaim(keys []string) {
	if len(keys) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	for _, key := range keys {
		if entry, ok := s.entries[key]; ok && entry.expired(now) {
			delete(s.entries, key)
		}
	}
}

// tagsIntersect reports whether the two tag sets share any member.
func tagsIntersect(entryTags, queryTags []string) bool {
	for _, queryTag := range queryTags {
		for _, entryTag := range entryTags {
			if entryTag == queryTag {
				return true
			}
		}
	}
	return false
}

// ApplyRemoteSet applies a peer's upsert under last-write-wins. The
// remote entry wins when its UpdatedAt is later than the local one,
// or at equal timestamps when its origin orders lexicographically
// after the local origin. Returns false when the local entry wins;
// the caller logs the resolved conflict.
//
// Remote applies do not bump AccessCount and are flushed like local
// writes.
func (s *Store) ApplyRemoteSet(remote *Entry) (bool, error) {
	if remote == nil || remote.Key == "" {
		return false, fmt.Errorf("memory: remote entry missing key")
	}

	s.mu.Lock()
	local, ok := s.entries[remote.Key]
	if ok && !local.expired(s.clk.Now()) && !remoteWins(remote.UpdatedAt, remote.Origin, local.UpdatedAt, local.Origin) {
		s.mu.Unlock()
		return false, nil
	}
	s.entries[remote.Key] = remote.clone()
	s.mu.Unlock()

	if err := s.flush(); err != nil {
		return true, err
	}
	return true, nil
}

// ApplyRemoteDelete applies a peer's delete under the same rule.
// Without a live local entry the delete is a no-op.
func (s *Store) ApplyRemoteDelete(key string, updatedAt time.Time, origin string) (bool, error) {
	s.mu.Lock()
	local, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	if local.expired(s.clk.Now()) {
		delete(s.entries, key)
		s.mu.Unlock()
		return false, nil
	}
	if !remoteWins(updatedAt, origin, local.UpdatedAt, local.Origin) {
		s.mu.Unlock()
		return false, nil
	}
	delete(s.entries, key)
	s.mu.Unlock()

	if err := s.flush(); err != nil {
		return true, err
	}
	return true, nil
}

// remoteWins is the last-write-wins rule: later timestamp wins, equal
// timestamps fall back to lexicographic origin order. Equal timestamp
// and equal origin is an idempotent re-apply and also wins.
func remoteWins(remoteAt time.Time, remoteOrigin string, localAt time.Time, localOrigin string) bool {
	if remoteAt.After(localAt) {
		return true
	}
	if localAt.After(remoteAt) {
		return false
	}
	return remoteOrigin >= localOrigin
}
