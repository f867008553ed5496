// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/clock"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/codec"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/health"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/memory"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/replica"
)

// Peer socket actions, registered by the daemon and called by the
// coordinator.
const (
	ActionReplicaApply    = "replica/apply"
	ActionReplicaSnapshot = "replica/snapshot"
)

// broadcastTimeout bounds one fire-and-forget peer send.
const broadcastTimeout = 10 * time.Second

// PeerClient is the slice of the wire client the coordinator uses to
// reach one peer.
type PeerClient interface {
	Call(ctx context.Context, action string, fields map[string]any, result any) error
	Notify(ctx context.Context, action string, fields map[string]any) error
}

// CoordinatorOptions wires a Coordinator. PeerID, Balancer, Store,
// and Sealer are required.
type CoordinatorOptions struct {
	PeerID   string
	Balancer *Balancer
	Store    *memory.Store
	Sealer   *replica.Sealer
	Peers    map[string]PeerClient
	Logger   *slog.Logger
	Clock    clock.Clock

	// Forget drops health bookkeeping for a departed worker.
	Forget func(workerID string)
}

// Coordinator ties the balancer and memory store to the rest of the
// fleet. Local mutations are broadcast to every peer fire-and-forget;
// remote envelopes arrive through ApplyEnvelope.
type Coordinator struct {
	peerID   string
	balancer *Balancer
	store    *memory.Store
	sealer   *replica.Sealer
	logger   *slog.Logger
	clk      clock.Clock
	forget   func(string)
	peers    map[string]PeerClient

	broadcasts sync.WaitGroup
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.PeerID == "" {
		return nil, fmt.Errorf("fleet: coordinator peer id required")
	}
	if opts.Balancer == nil || opts.Store == nil || opts.Sealer == nil {
		return nil, fmt.Errorf("fleet: coordinator needs a balancer, a store, and a sealer")
	}
	c := &Coordinator{
		peerID:   opts.PeerID,
		balancer: opts.Balancer,
		store:    opts.Store,
		sealer:   opts.Sealer,
		logger:   opts.Logger,
		clk:      opts.Clock,
		forget:   opts.Forget,
		peers:    make(map[string]PeerClient, len(opts.Peers)),
	}
	for id, client := range opts.Peers {
		c.peers[id] = client
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.clk == nil {
		c.clk = clock.System()
	}
	return c, nil
}

// Balancer exposes the underlying balancer for read paths that need
// no coordination.
func (c *Coordinator) Balancer() *Balancer { return c.balancer }

// Store exposes the underlying memory store likewise.
func (c *Coordinator) Store() *memory.Store { return c.store }

// Wait blocks until in-flight peer broadcasts drain. Call at
// shutdown.
func (c *Coordinator) Wait() { c.broadcasts.Wait() }

// --- fleet membership ---

// RegisterWorker adds a worker and announces it to the fleet.
func (c *Coordinator) RegisterWorker(ctx context.Context, spec WorkerSpec) error {
	if err := c.balancer.RegisterWorker(spec); err != nil {
		return err
	}
	c.broadcastAnnouncement(ctx, &replica.WorkerAnnouncement{
		Op:       replica.OpRegister,
		ID:       spec.ID,
		PID:      spec.PID,
		Addr:     spec.Addr,
		Category: spec.Category,
		Weight:   spec.Weight,
	})
	return nil
}

// UnregisterWorker removes a worker, drops its health bookkeeping,
// and announces the departure.
func (c *Coordinator) UnregisterWorker(ctx context.Context, id string) (*RedistributionReport, error) {
	report, err := c.balancer.UnregisterWorker(id)
	if err != nil {
		return nil, err
	}
	if c.forget != nil {
		c.forget(id)
	}
	c.broadcastAnnouncement(ctx, &replica.WorkerAnnouncement{
		Op: replica.OpUnregister,
		ID: id,
	})
	return report, nil
}

// Targets lists probe targets for the monitor, optionally filtered by
// category.
func (c *Coordinator) Targets(category string) []health.Target {
	stats := c.balancer.Stats()
	targets := make([]health.Target, 0, len(stats.Workers))
	for _, w := range stats.Workers {
		if category != "" && w.Category != category {
			continue
		}
		targets = append(targets, health.Target{
			WorkerID: w.ID,
			Addr:     w.Addr,
			Category: w.Category,
		})
	}
	return targets
}

// OnHealthResult feeds one probe outcome into the balancer. Results
// for workers that left between probe and delivery are dropped.
func (c *Coordinator) OnHealthResult(result health.Result) {
	status := HealthStatus{
		Healthy:        result.Status == health.StatusHealthy,
		CPUUsage:       result.CPUUsage,
		MemoryUsage:    result.MemoryUsage,
		ResponseTimeMS: result.ResponseTimeMS,
		CheckedAt:      result.CheckedAt,
	}
	if _, err := c.balancer.UpdateWorkerHealth(result.WorkerID, status); err != nil {
		c.logger.Debug("dropping health result", "worker", result.WorkerID, "err", err)
	}
}

// HealthSink adapts OnHealthResult to the monitor's round callback.
func (c *Coordinator) HealthSink(results []health.Result, percentage float64) {
	for _, result := range results {
		c.OnHealthResult(result)
	}
	c.logger.Debug("health round complete", "fleet_health_pct", percentage)
}

// --- replicated memory ---

// SetMemory writes locally and broadcasts the write. A persistence
// failure is returned alongside the applied entry; the in-memory
// write stands and is still replicated.
func (c *Coordinator) SetMemory(ctx context.Context, key string, value json.RawMessage, opts memory.SetOptions) (*memory.Entry, error) {
	opts.Origin = c.peerID
	entry, err := c.store.Set(key, value, opts)
	if entry != nil {
		c.broadcastMemoryWrite(ctx, &replica.MemoryWrite{
			Op:          replica.OpSet,
			Key:         entry.Key,
			Value:       entry.Value,
			Tags:        entry.Tags,
			Metadata:    entry.Metadata,
			TTLSeconds:  entry.TTLSeconds,
			Origin:      entry.Origin,
			CreatedAtMS: entry.CreatedAt.UnixMilli(),
			UpdatedAtMS: entry.UpdatedAt.UnixMilli(),
		})
	}
	return entry, err
}

// DeleteMemory deletes locally and broadcasts the deletion. Deleting
// an absent key stays a local no-op; nothing is announced.
func (c *Coordinator) DeleteMemory(ctx context.Context, key string) (bool, error) {
	existed, err := c.store.Delete(key)
	if existed {
		c.broadcastMemoryWrite(ctx, &replica.MemoryWrite{
			Op:          replica.OpDelete,
			Key:         key,
			Origin:      c.peerID,
			UpdatedAtMS: c.clk.Now().UnixMilli(),
		})
	}
	return existed, err
}

// BulkSetMemory applies a batch locally (one flush) and broadcasts
// every applied item. Per-item failures are reported in the outcomes
// and never abort the batch.
func (c *Coordinator) BulkSetMemory(ctx context.Context, items []memory.BulkSetItem) ([]memory.BulkSetOutcome, error) {
	outcomes, err := c.store.BulkSet(items, c.peerID)
	for _, outcome := range outcomes {
		if !outcome.OK {
			continue
		}
		entry, ok := c.store.Peek(outcome.Key)
		if !ok {
			continue
		}
		c.broadcastMemoryWrite(ctx, &replica.MemoryWrite{
			Op:          replica.OpSet,
			Key:         entry.Key,
			Value:       entry.Value,
			Tags:        entry.Tags,
			Metadata:    entry.Metadata,
			TTLSeconds:  entry.TTLSeconds,
			Origin:      entry.Origin,
			CreatedAtMS: entry.CreatedAt.UnixMilli(),
			UpdatedAtMS: entry.UpdatedAt.UnixMilli(),
		})
	}
	return outcomes, err
}

// BulkDeleteMemory deletes a batch locally and broadcasts each real
// deletion. Absent keys report Deleted=false and announce nothing.
func (c *Coordinator) BulkDeleteMemory(ctx context.Context, keys []string) ([]memory.BulkDeleteOutcome, error) {
	outcomes, err := c.store.BulkDelete(keys)
	deletedAt := c.clk.Now().UnixMilli()
	for _, outcome := range outcomes {
		if !outcome.Deleted {
			continue
		}
		c.broadcastMemoryWrite(ctx, &replica.MemoryWrite{
			Op:          replica.OpDelete,
			Key:         outcome.Key,
			Origin:      c.peerID,
			UpdatedAtMS: deletedAt,
		})
	}
	return outcomes, err
}

func (c *Coordinator) broadcastMemoryWrite(ctx context.Context, write *replica.MemoryWrite) {
	sealed, err := c.sealer.Seal(replica.ChannelMemoryWrite, write)
	if err != nil {
		c.logger.Error("sealing memory write", "key", write.Key, "err", err)
		return
	}
	c.Broadcast(ctx, sealed)
}

func (c *Coordinator) broadcastAnnouncement(ctx context.Context, ann *replica.WorkerAnnouncement) {
	sealed, err := c.sealer.Seal(replica.ChannelFleetWorkers, ann)
	if err != nil {
		c.logger.Error("sealing worker announcement", "worker", ann.ID, "err", err)
		return
	}
	c.Broadcast(ctx, sealed)
}

// Broadcast sends a sealed envelope to every peer, fire-and-forget.
// Sends outlive the caller's request context but not the broadcast
// timeout; failures are logged and never propagate.
func (c *Coordinator) Broadcast(ctx context.Context, envelope []byte) {
	for id, client := range c.peers {
		c.broadcasts.Add(1)
		go func(id string, client PeerClient) {
			defer c.broadcasts.Done()
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), broadcastTimeout)
			defer cancel()
			if err := client.Notify(sendCtx, ActionReplicaApply, map[string]any{"envelope": envelope}); err != nil {
				c.logger.Warn("peer broadcast failed", "peer", id, "err", err)
			}
		}(id, client)
	}
}

// --- replication ingress ---

// ApplyEnvelope applies one sealed envelope received from a peer.
// Memory writes merge last-write-wins; membership announcements apply
// idempotently. The fleet's own echoes are ignored.
func (c *Coordinator) ApplyEnvelope(data []byte) error {
	env, raw, err := replica.Open(data)
	if err != nil {
		return err
	}
	if env.Origin == c.peerID {
		return nil
	}

	switch env.Channel {
	case replica.ChannelMemoryWrite:
		var write replica.MemoryWrite
		if err := codec.Unmarshal(raw, &write); err != nil {
			return fmt.Errorf("fleet: decoding memory write from %q: %w", env.Origin, err)
		}
		c.applyMemoryWrite(&write)
		return nil

	case replica.ChannelFleetWorkers:
		var ann replica.WorkerAnnouncement
		if err := codec.Unmarshal(raw, &ann); err != nil {
			return fmt.Errorf("fleet: decoding worker announcement from %q: %w", env.Origin, err)
		}
		c.applyAnnouncement(&ann)
		return nil

	case replica.ChannelMemorySync:
		return c.applySnapshotPayload(raw)
	}
	return fmt.Errorf("fleet: unknown replication channel %q", env.Channel)
}

func (c *Coordinator) applyMemoryWrite(write *replica.MemoryWrite) {
	switch write.Op {
	case replica.OpSet:
		entry := &memory.Entry{
			Key:        write.Key,
			Value:      json.RawMessage(write.Value),
			Tags:       write.Tags,
			Metadata:   json.RawMessage(write.Metadata),
			TTLSeconds: write.TTLSeconds,
			Origin:     write.Origin,
			CreatedAt:  time.UnixMilli(write.CreatedAtMS).UTC(),
			UpdatedAt:  time.UnixMilli(write.UpdatedAtMS).UTC(),
		}
		applied, err := c.store.ApplyRemoteSet(entry)
		if err != nil {
			c.logger.Warn("persisting remote write", "key", write.Key, "err", err)
		}
		if !applied {
			c.logger.Info("replication conflict resolved for local write",
				"key", write.Key, "remote_origin", write.Origin)
		}

	case replica.OpDelete:
		applied, err := c.store.ApplyRemoteDelete(write.Key, time.UnixMilli(write.UpdatedAtMS).UTC(), write.Origin)
		if err != nil {
			c.logger.Warn("persisting remote delete", "key", write.Key, "err", err)
		}
		if !applied {
			c.logger.Debug("remote delete not applied", "key", write.Key, "remote_origin", write.Origin)
		}

	default:
		c.logger.Warn("unknown memory write op", "op", write.Op)
	}
}

func (c *Coordinator) applyAnnouncement(ann *replica.WorkerAnnouncement) {
	switch ann.Op {
	case replica.OpRegister:
		err := c.balancer.RegisterWorker(WorkerSpec{
			ID:       ann.ID,
			PID:      ann.PID,
			Addr:     ann.Addr,
			Category: ann.Category,
			Weight:   ann.Weight,
		})
		if err != nil && !IsCode(err, CodeDuplicateWorker) {
			c.logger.Warn("applying worker announcement", "worker", ann.ID, "err", err)
		}

	case replica.OpUnregister:
		_, err := c.balancer.UnregisterWorker(ann.ID)
		if err != nil {
			if !IsCode(err, CodeUnknownWorker) {
				c.logger.Warn("applying worker departure", "worker", ann.ID, "err", err)
			}
			return
		}
		if c.forget != nil {
			c.forget(ann.ID)
		}

	default:
		c.logger.Warn("unknown worker announcement op", "op", ann.Op)
	}
}

// --- snapshots ---

// Snapshot seals the full memory store for a bootstrapping peer.
func (c *Coordinator) Snapshot() ([]byte, error) {
	snapshot, err := c.store.Snapshot()
	if err != nil {
		return nil, err
	}
	return c.sealer.Seal(replica.ChannelMemorySync, snapshot)
}

func (c *Coordinator) applySnapshotPayload(raw []byte) error {
	var snapshot []byte
	if err := codec.Unmarshal(raw, &snapshot); err != nil {
		return fmt.Errorf("fleet: decoding snapshot payload: %w", err)
	}
	entries, err := memory.ParseSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("fleet: parsing peer snapshot: %w", err)
	}

	applied := 0
	for _, entry := range entries {
		ok, err := c.store.ApplyRemoteSet(entry)
		if err != nil {
			c.logger.Warn("persisting snapshot entry", "key", entry.Key, "err", err)
			continue
		}
		if ok {
			applied++
		}
	}
	c.logger.Info("merged peer snapshot", "entries", len(entries), "applied", applied)
	return nil
}

// SyncFromPeers pulls a memory snapshot from the first peer that
// answers and merges it. Peers are tried in id order. With no peers
// configured this is a no-op.
func (c *Coordinator) SyncFromPeers(ctx context.Context) error {
	ids := make([]string, 0, len(c.peers))
	for id := range c.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var lastErr error
	for _, id := range ids {
		var result struct {
			Envelope []byte `cbor:"envelope"`
		}
		if err := c.peers[id].Call(ctx, ActionReplicaSnapshot, nil, &result); err != nil {
			lastErr = err
			c.logger.Warn("snapshot pull failed", "peer", id, "err", err)
			continue
		}
		if err := c.ApplyEnvelope(result.Envelope); err != nil {
			lastErr = err
			c.logger.Warn("snapshot merge failed", "peer", id, "err", err)
			continue
		}
		c.logger.Info("bootstrapped memory from peer", "peer", id)
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("fleet: no peer snapshot available: %w", lastErr)
	}
	return nil
}
