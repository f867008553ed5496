// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

// Package replica defines the envelope and payload schema peers
// exchange: memory writes, fleet membership announcements, and full
// memory snapshots. Every payload travels CBOR-encoded inside an
// Envelope that carries origin, timestamp, optional compression, and
// a BLAKE3 digest verified on receipt.
package replica

import (
	"bytes"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/clock"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/codec"
)

// Channels carried by replication envelopes.
const (
	// ChannelMemoryWrite carries one MemoryWrite per envelope.
	ChannelMemoryWrite = "memory.write"

	// ChannelFleetWorkers carries WorkerAnnouncement membership
	// changes.
	ChannelFleetWorkers = "fleet.workers"

	// ChannelMemorySync carries a full store snapshot in the
	// persistence JSON format, used when a peer bootstraps.
	ChannelMemorySync = "memory.sync"
)

const envelopeVersion = 1

// payloadDomain separates replication digests from any other BLAKE3
// use of the same bytes.
const payloadDomain = "gitmemory.replica.payload"

// Envelope wraps one replication payload. Digest covers the
// uncompressed payload bound to its channel, so corruption anywhere
// between Seal and Open is caught.
type Envelope struct {
	V           int    `cbor:"v"`
	Channel     string `cbor:"channel"`
	Origin      string `cbor:"origin"`
	SentAtMS    int64  `cbor:"sentAtMs"`
	Compression uint8  `cbor:"compression"`
	Digest      []byte `cbor:"digest"`
	Payload     []byte `cbor:"payload"`
}

func digest(channel string, payload []byte) []byte {
	h := blake3.New()
	h.Write([]byte(payloadDomain))
	h.Write([]byte{0})
	h.Write([]byte(channel))
	h.Write([]byte{0})
	h.Write(payload)
	return h.Sum(nil)
}

// Sealer produces envelopes stamped with this peer's identity.
type Sealer struct {
	origin string
	codec  Codec
	clk    clock.Clock
}

func NewSealer(origin string, compression Codec, clk clock.Clock) *Sealer {
	if clk == nil {
		clk = clock.System()
	}
	return &Sealer{origin: origin, codec: compression, clk: clk}
}

// Seal encodes payload as CBOR, compresses it, and wraps it in an
// envelope ready for the peer socket.
func (s *Sealer) Seal(channel string, payload any) ([]byte, error) {
	raw, err := codec.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("replica: encoding %s payload: %w", channel, err)
	}
	compressed, used, err := compress(s.codec, raw)
	if err != nil {
		return nil, err
	}

	env := &Envelope{
		V:           envelopeVersion,
		Channel:     channel,
		Origin:      s.origin,
		SentAtMS:    s.clk.Now().UnixMilli(),
		Compression: uint8(used),
		Digest:      digest(channel, raw),
		Payload:     compressed,
	}
	data, err := codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("replica: encoding envelope: %w", err)
	}
	return data, nil
}

// Open unwraps a sealed envelope and returns it alongside the
// verified, decompressed CBOR payload.
func Open(data []byte) (*Envelope, []byte, error) {
	var env Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("replica: decoding envelope: %w", err)
	}
	if env.V != envelopeVersion {
		return nil, nil, fmt.Errorf("replica: unsupported envelope version %d", env.V)
	}

	raw, err := decompress(Codec(env.Compression), env.Payload)
	if err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(digest(env.Channel, raw), env.Digest) {
		return nil, nil, fmt.Errorf("replica: digest mismatch on %s envelope from %q", env.Channel, env.Origin)
	}
	return &env, raw, nil
}
