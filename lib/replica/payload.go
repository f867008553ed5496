// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

package replica

// Ops carried in memory.write payloads.
const (
	OpSet    = "set"
	OpDelete = "delete"
)

// MemoryWrite replicates one store write. Timestamps travel as unix
// milliseconds, which round-trip exactly through CBOR regardless of
// encoder time options.
type MemoryWrite struct {
	Op          string   `cbor:"op"`
	Key         string   `cbor:"key"`
	Value       []byte   `cbor:"value,omitempty"`
	Tags        []string `cbor:"tags,omitempty"`
	Metadata    []byte   `cbor:"metadata,omitempty"`
	TTLSeconds  int64    `cbor:"ttlSeconds,omitempty"`
	Origin      string   `cbor:"origin"`
	CreatedAtMS int64    `cbor:"createdAtMs,omitempty"`
	UpdatedAtMS int64    `cbor:"updatedAtMs"`
}

// Ops carried in fleet.workers payloads.
const (
	OpRegister   = "register"
	OpUnregister = "unregister"
)

// WorkerAnnouncement replicates one fleet membership change.
type WorkerAnnouncement struct {
	Op       string `cbor:"op"`
	ID       string `cbor:"id"`
	PID      int    `cbor:"pid,omitempty"`
	Addr     string `cbor:"addr,omitempty"`
	Category string `cbor:"category,omitempty"`
	Weight   int    `cbor:"weight,omitempty"`
}
