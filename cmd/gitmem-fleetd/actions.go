// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/codec"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/fleet"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/health"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/memory"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/wire"
)

// registerAdminActions registers the operator-facing actions on the
// unix admin socket. No authentication: socket file permissions are
// the access control, as with every local daemon surface.
func (d *daemon) registerAdminActions(server *wire.Server) {
	server.Handle("status", d.handleStatus)
	server.Handle("workers", d.handleWorkers)
	server.Handle("worker/register", d.handleWorkerRegister)
	server.Handle("worker/unregister", d.handleWorkerUnregister)
	server.Handle("worker/redistribute", d.handleWorkerRedistribute)
	server.Handle("strategy/set", d.handleStrategySet)
	server.Handle("connections", d.handleConnections)
	server.Handle("connection/assign", d.handleConnectionAssign)
	server.Handle("connection/release", d.handleConnectionRelease)
	server.Handle("connection/touch", d.handleConnectionTouch)
	server.Handle("memory/set", d.handleMemorySet)
	server.Handle("memory/get", d.handleMemoryGet)
	server.Handle("memory/delete", d.handleMemoryDelete)
	server.Handle("memory/query", d.handleMemoryQuery)
	server.Handle("memory/search", d.handleMemorySearch)
	server.Handle("memory/bulk", d.handleMemoryBulk)
	server.Handle("memory/analyze", d.handleMemoryAnalyze)
	server.Handle("health/report", d.handleHealthReport)
}

// registerPeerActions registers the replication actions on the tcp
// peer listener.
func (d *daemon) registerPeerActions(server *wire.Server) {
	server.Handle(fleet.ActionReplicaApply, d.handleReplicaApply)
	server.Handle(fleet.ActionReplicaSnapshot, d.handleReplicaSnapshot)
}

// --- status ---

type statusResponse struct {
	PeerID           string  `cbor:"peerId"`
	UptimeSeconds    int64   `cbor:"uptimeSeconds"`
	Strategy         string  `cbor:"strategy"`
	Workers          int     `cbor:"workers"`
	HealthyWorkers   int     `cbor:"healthyWorkers"`
	TotalConnections int     `cbor:"totalConnections"`
	MemoryKeys       int     `cbor:"memoryKeys"`
	Peers            int     `cbor:"peers"`
}

func (d *daemon) handleStatus(ctx context.Context, raw []byte) (any, error) {
	stats := d.balancer.Stats()
	return statusResponse{
		PeerID:           d.cfg.PeerID,
		UptimeSeconds:    int64(d.clk.Now().Sub(d.startedAt).Seconds()),
		Strategy:         string(stats.Strategy),
		Workers:          len(stats.Workers),
		HealthyWorkers:   stats.HealthyWorkers,
		TotalConnections: stats.TotalConnections,
		MemoryKeys:       d.store.Len(),
		Peers:            len(d.cfg.Peers),
	}, nil
}

// --- workers ---

func (d *daemon) handleWorkers(ctx context.Context, raw []byte) (any, error) {
	return d.balancer.Stats(), nil
}

// --- worker lifecycle ---

type workerRegisterRequest struct {
	ID       string `cbor:"id"`
	PID      int    `cbor:"pid"`
	Addr     string `cbor:"addr"`
	Category string `cbor:"category"`
	Weight   int    `cbor:"weight"`
}

func (d *daemon) handleWorkerRegister(ctx context.Context, raw []byte) (any, error) {
	var request workerRegisterRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	err := d.coordinator.RegisterWorker(ctx, fleet.WorkerSpec{
		ID:       request.ID,
		PID:      request.PID,
		Addr:     request.Addr,
		Category: request.Category,
		Weight:   request.Weight,
	})
	if err != nil {
		return nil, err
	}
	info, _ := d.balancer.Worker(request.ID)
	return info, nil
}

type workerUnregisterRequest struct {
	ID string `cbor:"id"`
}

func (d *daemon) handleWorkerUnregister(ctx context.Context, raw []byte) (any, error) {
	var request workerUnregisterRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	if request.ID == "" {
		return nil, fmt.Errorf("missing required field: id")
	}
	report, err := d.coordinator.UnregisterWorker(ctx, request.ID)
	if err != nil {
		return nil, err
	}
	return report, nil
}

type workerRedistributeRequest struct {
	ID string `cbor:"id"`
}

func (d *daemon) handleWorkerRedistribute(ctx context.Context, raw []byte) (any, error) {
	var request workerRedistributeRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	if request.ID == "" {
		return nil, fmt.Errorf("missing required field: id")
	}
	return d.balancer.RedistributeConnections(request.ID)
}

// --- strategy ---

type strategySetRequest struct {
	Strategy string `cbor:"strategy"`
}

func (d *daemon) handleStrategySet(ctx context.Context, raw []byte) (any, error) {
	var request strategySetRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	strategy, err := fleet.ParseStrategy(request.Strategy)
	if err != nil {
		return nil, err
	}
	if err := d.balancer.SetStrategy(strategy); err != nil {
		return nil, err
	}
	return nil, nil
}

// --- connections ---

type connectionsResponse struct {
	Connections []fleet.ConnectionInfo `cbor:"connections"`
}

func (d *daemon) handleConnections(ctx context.Context, raw []byte) (any, error) {
	return connectionsResponse{Connections: d.balancer.Connections()}, nil
}

type connectionAssignRequest struct {
	// ConnectionID is optional; the daemon generates one when empty.
	ConnectionID string            `cbor:"connectionId"`
	ClientInfo   map[string]string `cbor:"clientInfo"`
}

func (d *daemon) handleConnectionAssign(ctx context.Context, raw []byte) (any, error) {
	var request connectionAssignRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	return d.balancer.AssignConnection(request.ConnectionID, request.ClientInfo)
}

type connectionRequest struct {
	ConnectionID string `cbor:"connectionId"`
}

func (d *daemon) handleConnectionRelease(ctx context.Context, raw []byte) (any, error) {
	var request connectionRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	if request.ConnectionID == "" {
		return nil, fmt.Errorf("missing required field: connectionId")
	}
	return nil, d.balancer.RemoveConnection(request.ConnectionID)
}

func (d *daemon) handleConnectionTouch(ctx context.Context, raw []byte) (any, error) {
	var request connectionRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	if request.ConnectionID == "" {
		return nil, fmt.Errorf("missing required field: connectionId")
	}
	return nil, d.balancer.TouchConnection(request.ConnectionID)
}

// --- memory ---

// memorySetRequest carries the JSON value and metadata as raw bytes:
// the admin protocol is CBOR, the stored values are JSON.
type memorySetRequest struct {
	Key        string   `cbor:"key"`
	Value      []byte   `cbor:"value"`
	TTLSeconds int64    `cbor:"ttlSeconds"`
	Tags       []string `cbor:"tags"`
	Metadata   []byte   `cbor:"metadata"`
}

func (d *daemon) handleMemorySet(ctx context.Context, raw []byte) (any, error) {
	var request memorySetRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	if !json.Valid(request.Value) {
		return nil, fmt.Errorf("value must be valid JSON")
	}
	if len(request.Metadata) > 0 && !json.Valid(request.Metadata) {
		return nil, fmt.Errorf("metadata must be valid JSON")
	}
	entry, err := d.coordinator.SetMemory(ctx, request.Key, request.Value, memory.SetOptions{
		TTLSeconds: request.TTLSeconds,
		Tags:       request.Tags,
		Metadata:   request.Metadata,
	})
	if err != nil {
		// The in-memory write stands; report the persistence failure
		// without losing the entry.
		d.logger.Warn("memory set persisted in memory only", "key", request.Key, "error", err)
	}
	return entry, nil
}

type memoryKeyRequest struct {
	Key string `cbor:"key"`
}

type memoryGetResponse struct {
	Found bool          `cbor:"found"`
	Entry *memory.Entry `cbor:"entry,omitempty"`
}

func (d *daemon) handleMemoryGet(ctx context.Context, raw []byte) (any, error) {
	var request memoryKeyRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	if request.Key == "" {
		return nil, fmt.Errorf("missing required field: key")
	}
	entry, found := d.store.GetEntry(request.Key)
	return memoryGetResponse{Found: found, Entry: entry}, nil
}

type memoryDeleteResponse struct {
	Deleted bool `cbor:"deleted"`
}

func (d *daemon) handleMemoryDelete(ctx context.Context, raw []byte) (any, error) {
	var request memoryKeyRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	if request.Key == "" {
		return nil, fmt.Errorf("missing required field: key")
	}
	deleted, err := d.coordinator.DeleteMemory(ctx, request.Key)
	if err != nil {
		d.logger.Warn("memory delete persisted in memory only", "key", request.Key, "error", err)
	}
	return memoryDeleteResponse{Deleted: deleted}, nil
}

type memoryQueryRequest struct {
	Pattern string   `cbor:"pattern"`
	Tags    []string `cbor:"tags"`
	Limit   int      `cbor:"limit"`
	Offset  int      `cbor:"offset"`
}

type memoryQueryResponse struct {
	Entries []*memory.Entry `cbor:"entries"`
}

func (d *daemon) handleMemoryQuery(ctx context.Context, raw []byte) (any, error) {
	var request memoryQueryRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	entries, err := d.store.Query(memory.QueryOptions{
		Pattern: request.Pattern,
		Tags:    request.Tags,
		Limit:   request.Limit,
		Offset:  request.Offset,
	})
	if err != nil {
		return nil, err
	}
	return memoryQueryResponse{Entries: entries}, nil
}

type memorySearchRequest struct {
	Query string `cbor:"query"`
	Fuzzy bool   `cbor:"fuzzy"`
	Limit int    `cbor:"limit"`
}

type memorySearchResponse struct {
	Results []memory.SearchResult `cbor:"results"`
}

func (d *daemon) handleMemorySearch(ctx context.Context, raw []byte) (any, error) {
	var request memorySearchRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	if request.Query == "" {
		return nil, fmt.Errorf("missing required field: query")
	}
	return memorySearchResponse{Results: d.store.Search(request.Query, request.Fuzzy, request.Limit)}, nil
}

// memoryBulkRequest selects exactly one batched operation via Op.
type memoryBulkRequest struct {
	Op    string               `cbor:"op"`
	Items []memory.BulkSetItem `cbor:"items"`
	Keys  []string             `cbor:"keys"`
}

type memoryBulkResponse struct {
	Set    []memory.BulkSetOutcome    `cbor:"set,omitempty"`
	Get    []memory.BulkGetOutcome    `cbor:"get,omitempty"`
	Delete []memory.BulkDeleteOutcome `cbor:"delete,omitempty"`
}

func (d *daemon) handleMemoryBulk(ctx context.Context, raw []byte) (any, error) {
	var request memoryBulkRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	switch request.Op {
	case "set":
		// Invalid JSON fails its own item, never the batch.
		outcomes := make([]memory.BulkSetOutcome, len(request.Items))
		valid := make([]memory.BulkSetItem, 0, len(request.Items))
		validIndex := make([]int, 0, len(request.Items))
		for i, item := range request.Items {
			if !json.Valid(item.Value) {
				outcomes[i] = memory.BulkSetOutcome{Key: item.Key, Error: "value must be valid JSON"}
				continue
			}
			if len(item.Metadata) > 0 && !json.Valid(item.Metadata) {
				outcomes[i] = memory.BulkSetOutcome{Key: item.Key, Error: "metadata must be valid JSON"}
				continue
			}
			valid = append(valid, item)
			validIndex = append(validIndex, i)
		}
		applied, err := d.coordinator.BulkSetMemory(ctx, valid)
		if err != nil {
			d.logger.Warn("bulk set persisted in memory only", "error", err)
		}
		for j, outcome := range applied {
			outcomes[validIndex[j]] = outcome
		}
		return memoryBulkResponse{Set: outcomes}, nil
	case "get":
		return memoryBulkResponse{Get: d.store.BulkGet(request.Keys)}, nil
	case "delete":
		outcomes, err := d.coordinator.BulkDeleteMemory(ctx, request.Keys)
		if err != nil {
			d.logger.Warn("bulk delete persisted in memory only", "error", err)
		}
		return memoryBulkResponse{Delete: outcomes}, nil
	default:
		return nil, fmt.Errorf("unknown bulk op %q (want set, get, or delete)", request.Op)
	}
}

type memoryAnalyzeRequest struct {
	Kind string `cbor:"kind"`
}

func (d *daemon) handleMemoryAnalyze(ctx context.Context, raw []byte) (any, error) {
	var request memoryAnalyzeRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	return d.store.Analyze(request.Kind)
}

// --- health ---

type healthReportRequest struct {
	// Category restricts the probe set; empty probes every worker.
	Category string `cbor:"category"`
}

// handleHealthReport runs a fresh probe round over the (optionally
// filtered) worker set and returns the assembled report. Results also
// feed the coordinator, so an on-demand report updates routing the
// same way the periodic loop does.
func (d *daemon) handleHealthReport(ctx context.Context, raw []byte) (any, error) {
	var request healthReportRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	targets := d.coordinator.Targets(request.Category)
	results, percentage := d.monitor.CheckAll(ctx, targets)
	d.coordinator.HealthSink(results, percentage)
	return health.BuildReport(d.clk.Now(), results), nil
}

// --- replication ---

type replicaApplyRequest struct {
	Envelope []byte `cbor:"envelope"`
}

func (d *daemon) handleReplicaApply(ctx context.Context, raw []byte) (any, error) {
	var request replicaApplyRequest
	if err := codec.Unmarshal(raw, &request); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}
	if len(request.Envelope) == 0 {
		return nil, fmt.Errorf("missing required field: envelope")
	}
	return nil, d.coordinator.ApplyEnvelope(request.Envelope)
}

type replicaSnapshotResponse struct {
	Envelope []byte `cbor:"envelope"`
}

func (d *daemon) handleReplicaSnapshot(ctx context.Context, raw []byte) (any, error) {
	envelope, err := d.coordinator.Snapshot()
	if err != nil {
		return nil, err
	}
	return replicaSnapshotResponse{Envelope: envelope}, nil
}
