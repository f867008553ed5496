// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/clock"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/config"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/fleet"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/health"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/memory"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/replica"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/wire"
)

// daemonEpoch is the fixed time all test daemons start at.
var daemonEpoch = time.Date(2026, 8, 4, 9, 0, 0, 0, time.UTC)

// --- test infrastructure ---

type testDaemon struct {
	daemon  *daemon
	client  *wire.Client
	cfg     *config.Config
	cancel  context.CancelFunc
	done    chan error
	stopped bool
}

// startDaemon boots a full daemon on temp-dir paths and returns it
// with an admin client. The daemon shuts down at test cleanup; tests
// that need an orderly mid-test shutdown call stop.
func startDaemon(t *testing.T, mutate func(*config.Config)) *testDaemon {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.PeerID = "coordinator-test"
	cfg.AdminSocket = filepath.Join(dir, "admin.sock")
	cfg.MemoryFile = filepath.Join(dir, "memory.json")
	if mutate != nil {
		mutate(cfg)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d, err := newDaemon(cfg, clock.Fake(daemonEpoch), logger)
	if err != nil {
		t.Fatalf("newDaemon() error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()

	ready := []<-chan struct{}{d.admin.Ready()}
	if d.peer != nil {
		ready = append(ready, d.peer.Ready())
	}
	for _, ch := range ready {
		select {
		case <-ch:
		case err := <-done:
			cancel()
			t.Fatalf("daemon exited during startup: %v", err)
		case <-time.After(5 * time.Second):
			cancel()
			t.Fatal("daemon listeners did not come up")
		}
	}

	td := &testDaemon{
		daemon: d,
		client: wire.NewClient("unix", cfg.AdminSocket),
		cfg:    cfg,
		cancel: cancel,
		done:   done,
	}
	t.Cleanup(func() {
		if td.stopped {
			return
		}
		td.cancel()
		if err := <-td.done; err != nil {
			t.Errorf("daemon shutdown error: %v", err)
		}
	})
	return td
}

// stop shuts the daemon down mid-test and asserts a clean exit.
func (td *testDaemon) stop(t *testing.T) {
	t.Helper()
	td.cancel()
	if err := <-td.done; err != nil {
		t.Fatalf("daemon shutdown error: %v", err)
	}
	td.stopped = true
}

// call invokes an admin action and fails the test on any error.
func (td *testDaemon) call(t *testing.T, action string, fields map[string]any, result any) {
	t.Helper()
	if err := td.client.Call(context.Background(), action, fields, result); err != nil {
		t.Fatalf("call %s: %v", action, err)
	}
}

// callErr invokes an admin action that must fail and returns the
// server's error message.
func (td *testDaemon) callErr(t *testing.T, action string, fields map[string]any) string {
	t.Helper()
	err := td.client.Call(context.Background(), action, fields, nil)
	if err == nil {
		t.Fatalf("call %s unexpectedly succeeded", action)
	}
	callError, ok := err.(*wire.CallError)
	if !ok {
		t.Fatalf("call %s failed with transport error: %v", action, err)
	}
	return callError.Message
}

// registerWorker registers a worker through the admin surface.
func (td *testDaemon) registerWorker(t *testing.T, id, addr, category string) {
	t.Helper()
	td.call(t, "worker/register", map[string]any{
		"id": id, "addr": addr, "category": category,
	}, nil)
}

// waitFor polls a condition; broadcasts are fire-and-forget, so
// cross-daemon assertions need a grace window.
func waitFor(t *testing.T, condition func() bool, message string) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if condition() {
			return
		}
		time.Sleep(2 * time.Millisecond) //nolint:realclock — polling for async delivery
	}
	t.Fatal(message)
}

// healthyWorkerAddr serves a passing healthz endpoint for the
// daemon's HTTP prober.
func healthyWorkerAddr(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"ok","cpuUsage":12.5,"memoryUsage":40.0,"uptimeSeconds":3}`)
	}))
	t.Cleanup(server.Close)
	return strings.TrimPrefix(server.URL, "http://")
}

// deadWorkerAddr returns an address nothing listens on.
func deadWorkerAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserving port: %v", err)
	}
	addr := listener.Addr().String()
	listener.Close()
	return addr
}

// --- status and workers ---

func TestStatusAction(t *testing.T) {
	td := startDaemon(t, nil)
	td.registerWorker(t, "worker-a", "127.0.0.1:9001", "git")

	fake := td.daemon.clk.(*clock.FakeClock)
	fake.Advance(90 * time.Second)

	var status statusResponse
	td.call(t, "status", nil, &status)
	if status.PeerID != "coordinator-test" {
		t.Errorf("PeerID = %q, want coordinator-test", status.PeerID)
	}
	if status.UptimeSeconds != 90 {
		t.Errorf("UptimeSeconds = %d, want 90", status.UptimeSeconds)
	}
	if status.Workers != 1 || status.HealthyWorkers != 1 {
		t.Errorf("workers = %d/%d healthy, want 1/1", status.Workers, status.HealthyWorkers)
	}
	if status.Strategy != "least_connections" {
		t.Errorf("Strategy = %q, want the configured default", status.Strategy)
	}
}

func TestWorkersAction(t *testing.T) {
	td := startDaemon(t, nil)
	td.registerWorker(t, "worker-a", "127.0.0.1:9001", "git")
	td.registerWorker(t, "worker-b", "127.0.0.1:9002", "search")

	var stats fleet.Stats
	td.call(t, "workers", nil, &stats)
	if len(stats.Workers) != 2 {
		t.Fatalf("Workers = %d, want 2", len(stats.Workers))
	}
	if stats.Workers[0].ID != "worker-a" || stats.Workers[1].ID != "worker-b" {
		t.Errorf("worker order = %s, %s; want registration order",
			stats.Workers[0].ID, stats.Workers[1].ID)
	}
	if stats.Workers[0].Weight != 1 {
		t.Errorf("Weight = %d, want normalized 1", stats.Workers[0].Weight)
	}
}

func TestUnknownAction(t *testing.T) {
	td := startDaemon(t, nil)
	if message := td.callErr(t, "bogus/action", nil); !strings.Contains(message, "unknown action") {
		t.Errorf("error = %q, want unknown action", message)
	}
}

// --- worker lifecycle ---

func TestWorkerRegisterDuplicate(t *testing.T) {
	td := startDaemon(t, nil)
	td.registerWorker(t, "worker-a", "127.0.0.1:9001", "")

	message := td.callErr(t, "worker/register", map[string]any{
		"id": "worker-a", "addr": "127.0.0.1:9001",
	})
	if !strings.Contains(message, "DUPLICATE_WORKER") {
		t.Errorf("error = %q, want DUPLICATE_WORKER", message)
	}
}

func TestWorkerUnregister(t *testing.T) {
	td := startDaemon(t, nil)
	td.registerWorker(t, "worker-a", "127.0.0.1:9001", "")

	var report fleet.RedistributionReport
	td.call(t, "worker/unregister", map[string]any{"id": "worker-a"}, &report)
	if report.WorkerID != "worker-a" {
		t.Errorf("WorkerID = %q, want worker-a", report.WorkerID)
	}

	message := td.callErr(t, "worker/unregister", map[string]any{"id": "worker-a"})
	if !strings.Contains(message, "UNKNOWN_WORKER") {
		t.Errorf("error = %q, want UNKNOWN_WORKER", message)
	}
}

// --- strategy ---

func TestStrategySet(t *testing.T) {
	td := startDaemon(t, nil)

	td.call(t, "strategy/set", map[string]any{"strategy": "round_robin"}, nil)
	var status statusResponse
	td.call(t, "status", nil, &status)
	if status.Strategy != "round_robin" {
		t.Errorf("Strategy = %q, want round_robin", status.Strategy)
	}

	message := td.callErr(t, "strategy/set", map[string]any{"strategy": "fastest_first"})
	if !strings.Contains(message, "INVALID_STRATEGY") {
		t.Errorf("error = %q, want INVALID_STRATEGY", message)
	}
}

// --- connections ---

func TestConnectionLifecycle(t *testing.T) {
	td := startDaemon(t, nil)
	td.registerWorker(t, "worker-a", "127.0.0.1:9001", "")

	var assignment fleet.Assignment
	td.call(t, "connection/assign", nil, &assignment)
	if assignment.WorkerID != "worker-a" {
		t.Errorf("WorkerID = %q, want worker-a", assignment.WorkerID)
	}
	if _, err := uuid.Parse(assignment.ConnectionID); err != nil {
		t.Errorf("generated connection id %q is not a UUID", assignment.ConnectionID)
	}

	var named fleet.Assignment
	td.call(t, "connection/assign", map[string]any{
		"connectionId": "conn-1",
		"clientInfo":   map[string]string{"agent": "gitmem-cli/1.2"},
	}, &named)
	if named.ConnectionID != "conn-1" {
		t.Errorf("ConnectionID = %q, want conn-1", named.ConnectionID)
	}

	message := td.callErr(t, "connection/assign", map[string]any{"connectionId": "conn-1"})
	if !strings.Contains(message, "DUPLICATE_CONNECTION") {
		t.Errorf("error = %q, want DUPLICATE_CONNECTION", message)
	}

	td.call(t, "connection/touch", map[string]any{"connectionId": "conn-1"}, nil)

	var listing connectionsResponse
	td.call(t, "connections", nil, &listing)
	var found *fleet.ConnectionInfo
	for i := range listing.Connections {
		if listing.Connections[i].ID == "conn-1" {
			found = &listing.Connections[i]
		}
	}
	if found == nil {
		t.Fatalf("connections listing %v is missing conn-1", listing.Connections)
	}
	if found.Requests != 1 {
		t.Errorf("Requests = %d, want 1 after a single touch", found.Requests)
	}
	if found.ClientInfo["agent"] != "gitmem-cli/1.2" {
		t.Errorf("ClientInfo = %v, want the submitted agent string", found.ClientInfo)
	}

	td.call(t, "connection/release", map[string]any{"connectionId": "conn-1"}, nil)

	message = td.callErr(t, "connection/release", map[string]any{"connectionId": "conn-1"})
	if !strings.Contains(message, "UNKNOWN_CONNECTION") {
		t.Errorf("error = %q, want UNKNOWN_CONNECTION", message)
	}
}

func TestConnectionAssignNoWorkers(t *testing.T) {
	td := startDaemon(t, nil)
	message := td.callErr(t, "connection/assign", nil)
	if !strings.Contains(message, "NO_AVAILABLE_WORKERS") {
		t.Errorf("error = %q, want NO_AVAILABLE_WORKERS", message)
	}
}

func TestWorkerRedistribute(t *testing.T) {
	td := startDaemon(t, nil)
	td.registerWorker(t, "worker-a", "127.0.0.1:9001", "")
	td.call(t, "connection/assign", map[string]any{"connectionId": "conn-1"}, nil)
	td.call(t, "connection/assign", map[string]any{"connectionId": "conn-2"}, nil)
	td.registerWorker(t, "worker-b", "127.0.0.1:9002", "")

	var report fleet.RedistributionReport
	td.call(t, "worker/redistribute", map[string]any{"id": "worker-a"}, &report)
	if len(report.Moved) != 2 || len(report.Failed) != 0 {
		t.Fatalf("report = %+v, want both connections moved", report)
	}

	var listing connectionsResponse
	td.call(t, "connections", nil, &listing)
	for _, conn := range listing.Connections {
		if conn.WorkerID != "worker-b" {
			t.Errorf("connection %s on %s, want worker-b", conn.ID, conn.WorkerID)
		}
	}

	message := td.callErr(t, "worker/redistribute", map[string]any{"id": "ghost"})
	if !strings.Contains(message, "UNKNOWN_WORKER") {
		t.Errorf("error = %q, want UNKNOWN_WORKER", message)
	}
}

// --- memory ---

func TestMemorySetGetDelete(t *testing.T) {
	td := startDaemon(t, nil)

	var entry memory.Entry
	td.call(t, "memory/set", map[string]any{
		"key":        "repo/head",
		"value":      []byte(`{"sha":"abc123"}`),
		"tags":       []string{"git"},
		"ttlSeconds": int64(3600),
	}, &entry)
	if entry.Origin != "coordinator-test" {
		t.Errorf("Origin = %q, want the daemon's peer id", entry.Origin)
	}
	if entry.TTLSeconds != 3600 {
		t.Errorf("TTLSeconds = %d, want 3600", entry.TTLSeconds)
	}

	var got memoryGetResponse
	td.call(t, "memory/get", map[string]any{"key": "repo/head"}, &got)
	if !got.Found {
		t.Fatal("memory/get missed a live entry")
	}
	if string(got.Entry.Value) != `{"sha":"abc123"}` {
		t.Errorf("Value = %s, want the stored JSON", got.Entry.Value)
	}
	if got.Entry.AccessCount != 1 {
		t.Errorf("AccessCount = %d, want 1", got.Entry.AccessCount)
	}

	var deleted memoryDeleteResponse
	td.call(t, "memory/delete", map[string]any{"key": "repo/head"}, &deleted)
	if !deleted.Deleted {
		t.Error("memory/delete reported an absent key")
	}
	td.call(t, "memory/get", map[string]any{"key": "repo/head"}, &got)
	if got.Found {
		t.Error("entry survived deletion")
	}
}

func TestMemorySetRejectsInvalidJSON(t *testing.T) {
	td := startDaemon(t, nil)
	message := td.callErr(t, "memory/set", map[string]any{
		"key": "k", "value": []byte(`{"unterminated`),
	})
	if !strings.Contains(message, "valid JSON") {
		t.Errorf("error = %q, want a JSON validation failure", message)
	}
}

func TestMemoryQueryAndSearch(t *testing.T) {
	td := startDaemon(t, nil)
	td.call(t, "memory/set", map[string]any{
		"key": "repo/alpha", "value": []byte(`"git clone repository"`), "tags": []string{"git"},
	}, nil)
	td.call(t, "memory/set", map[string]any{
		"key": "repo/beta", "value": []byte(`"unrelated"`), "tags": []string{"git"},
	}, nil)
	td.call(t, "memory/set", map[string]any{
		"key": "note/gamma", "value": []byte(`"clone notes"`), "tags": []string{"docs"},
	}, nil)

	var queried memoryQueryResponse
	td.call(t, "memory/query", map[string]any{"pattern": "^repo/"}, &queried)
	if len(queried.Entries) != 2 {
		t.Fatalf("query matched %d entries, want 2", len(queried.Entries))
	}
	if queried.Entries[0].Key != "repo/alpha" {
		t.Errorf("first key = %q, want sorted order", queried.Entries[0].Key)
	}

	td.call(t, "memory/query", map[string]any{"tags": []string{"docs"}}, &queried)
	if len(queried.Entries) != 1 || queried.Entries[0].Key != "note/gamma" {
		t.Errorf("tag query = %v, want [note/gamma]", queried.Entries)
	}

	message := td.callErr(t, "memory/query", map[string]any{"pattern": "[unclosed"})
	if !strings.Contains(message, "invalid key pattern") {
		t.Errorf("error = %q, want invalid key pattern", message)
	}

	var searched memorySearchResponse
	td.call(t, "memory/search", map[string]any{"query": "git clone"}, &searched)
	if len(searched.Results) == 0 {
		t.Fatal("search found nothing")
	}
	if searched.Results[0].Entry.Key != "repo/alpha" {
		t.Errorf("top hit = %q, want repo/alpha", searched.Results[0].Entry.Key)
	}
}

func TestMemoryBulk(t *testing.T) {
	td := startDaemon(t, nil)

	var bulk memoryBulkResponse
	td.call(t, "memory/bulk", map[string]any{
		"op": "set",
		"items": []memory.BulkSetItem{
			{Key: "a", Value: []byte(`1`)},
			{Key: "bad", Value: []byte(`{"unterminated`)},
			{Key: "c", Value: []byte(`3`)},
		},
	}, &bulk)
	if len(bulk.Set) != 3 {
		t.Fatalf("set outcomes = %d, want 3", len(bulk.Set))
	}
	if !bulk.Set[0].OK || bulk.Set[1].OK || !bulk.Set[2].OK {
		t.Errorf("outcomes = %+v, want ok/fail/ok", bulk.Set)
	}
	if !strings.Contains(bulk.Set[1].Error, "valid JSON") {
		t.Errorf("item error = %q, want a JSON validation failure", bulk.Set[1].Error)
	}

	td.call(t, "memory/bulk", map[string]any{
		"op": "get", "keys": []string{"a", "ghost"},
	}, &bulk)
	if len(bulk.Get) != 2 || !bulk.Get[0].Found || bulk.Get[1].Found {
		t.Errorf("get outcomes = %+v, want found/absent", bulk.Get)
	}

	td.call(t, "memory/bulk", map[string]any{
		"op": "delete", "keys": []string{"a", "ghost"},
	}, &bulk)
	if len(bulk.Delete) != 2 || !bulk.Delete[0].Deleted || bulk.Delete[1].Deleted {
		t.Errorf("delete outcomes = %+v, want deleted/absent", bulk.Delete)
	}

	message := td.callErr(t, "memory/bulk", map[string]any{"op": "rename"})
	if !strings.Contains(message, "unknown bulk op") {
		t.Errorf("error = %q, want unknown bulk op", message)
	}
}

func TestMemoryAnalyze(t *testing.T) {
	td := startDaemon(t, nil)
	td.call(t, "memory/set", map[string]any{
		"key": "a", "value": []byte(`"one"`), "tags": []string{"git"},
	}, nil)
	td.call(t, "memory/set", map[string]any{
		"key": "b", "value": []byte(`"two"`), "tags": []string{"git"},
	}, nil)

	var report memory.Report
	td.call(t, "memory/analyze", map[string]any{"kind": "patterns"}, &report)
	if report.Patterns == nil || report.Patterns.EntryCount != 2 {
		t.Fatalf("patterns report = %+v, want 2 entries", report.Patterns)
	}
	if report.Patterns.TagFrequency["git"] != 2 {
		t.Errorf("TagFrequency[git] = %d, want 2", report.Patterns.TagFrequency["git"])
	}

	message := td.callErr(t, "memory/analyze", map[string]any{"kind": "entropy"})
	if !strings.Contains(message, "unknown analysis kind") {
		t.Errorf("error = %q, want unknown analysis kind", message)
	}
}

func TestMemorySurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	share := func(cfg *config.Config) {
		cfg.AdminSocket = filepath.Join(dir, "admin.sock")
		cfg.MemoryFile = filepath.Join(dir, "memory.json")
	}

	first := startDaemon(t, share)
	first.call(t, "memory/set", map[string]any{"key": "persisted", "value": []byte(`{"n":1}`)}, nil)
	first.stop(t)

	second := startDaemon(t, share)
	var got memoryGetResponse
	second.call(t, "memory/get", map[string]any{"key": "persisted"}, &got)
	if !got.Found || string(got.Entry.Value) != `{"n":1}` {
		t.Fatalf("restarted daemon lost the entry: %+v", got)
	}
}

// --- manifest seeding ---

func TestManifestSeedsWorkers(t *testing.T) {
	manifestPath := filepath.Join(t.TempDir(), "fleet.jsonc")
	contents := `{
	// Deploy tooling writes this file; comments and trailing commas
	// are allowed.
	"workers": [
		{"id": "worker-a", "addr": "127.0.0.1:9001", "category": "git", "weight": 3},
		{"id": "worker-b", "addr": "127.0.0.1:9002"},
	],
}`
	if err := os.WriteFile(manifestPath, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}

	td := startDaemon(t, func(cfg *config.Config) { cfg.Manifest = manifestPath })

	var stats fleet.Stats
	td.call(t, "workers", nil, &stats)
	if len(stats.Workers) != 2 {
		t.Fatalf("Workers = %d, want the 2 seeded", len(stats.Workers))
	}
	if stats.Workers[0].Category != "git" || stats.Workers[0].Weight != 3 {
		t.Errorf("worker-a = %+v, want category git weight 3", stats.Workers[0])
	}
	if stats.Workers[1].Weight != 1 {
		t.Errorf("worker-b weight = %d, want normalized 1", stats.Workers[1].Weight)
	}
}

// --- health ---

func TestHealthReportAction(t *testing.T) {
	td := startDaemon(t, nil)
	td.registerWorker(t, "worker-a", healthyWorkerAddr(t), "git")
	td.registerWorker(t, "worker-b", deadWorkerAddr(t), "search")

	var report health.Report
	td.call(t, "health/report", nil, &report)
	if report.Summary.TotalServers != 2 {
		t.Fatalf("TotalServers = %d, want 2", report.Summary.TotalServers)
	}
	if report.Summary.HealthyServers != 1 || report.Summary.UnreachableServers != 1 {
		t.Errorf("summary = %+v, want 1 healthy 1 unreachable", report.Summary)
	}
	if report.Summary.HealthPercentage != 50 {
		t.Errorf("HealthPercentage = %v, want 50", report.Summary.HealthPercentage)
	}
	if len(report.Details.Healthy) != 1 || report.Details.Healthy[0].WorkerID != "worker-a" {
		t.Errorf("Healthy = %+v, want [worker-a]", report.Details.Healthy)
	}

	// The probe round also feeds routing: the dead worker leaves the
	// healthy pool.
	var status statusResponse
	td.call(t, "status", nil, &status)
	if status.HealthyWorkers != 1 {
		t.Errorf("HealthyWorkers after report = %d, want 1", status.HealthyWorkers)
	}

	// Category filter restricts the probe set.
	td.call(t, "health/report", map[string]any{"category": "git"}, &report)
	if report.Summary.TotalServers != 1 || report.Summary.HealthPercentage != 100 {
		t.Errorf("git-only report = %+v, want 1 server at 100%%", report.Summary)
	}
}

// --- replication ---

func TestReplicationBetweenCoordinators(t *testing.T) {
	a := startDaemon(t, func(cfg *config.Config) {
		cfg.PeerID = "coordinator-a"
		cfg.PeerListen = "127.0.0.1:0"
	})
	a.call(t, "memory/set", map[string]any{"key": "seed", "value": []byte(`"from-a"`)}, nil)
	peerAddr := a.daemon.peer.Addr().String()

	b := startDaemon(t, func(cfg *config.Config) {
		cfg.PeerID = "coordinator-b"
		cfg.Peers = map[string]string{"coordinator-a": peerAddr}
	})

	// B's startup sync pulls A's snapshot.
	waitFor(t, func() bool {
		_, ok := b.daemon.store.Peek("seed")
		return ok
	}, "startup sync did not pull the seed entry")

	var got memoryGetResponse
	b.call(t, "memory/get", map[string]any{"key": "seed"}, &got)
	if string(got.Entry.Value) != `"from-a"` || got.Entry.Origin != "coordinator-a" {
		t.Fatalf("synced entry = %+v, want from-a by coordinator-a", got.Entry)
	}

	// B's writes broadcast to A fire-and-forget.
	b.call(t, "memory/set", map[string]any{"key": "live", "value": []byte(`"from-b"`)}, nil)
	waitFor(t, func() bool {
		entry, ok := a.daemon.store.Peek("live")
		return ok && string(entry.Value) == `"from-b"`
	}, "replicated write did not reach coordinator-a")

	entry, _ := a.daemon.store.Peek("live")
	if entry.Origin != "coordinator-b" {
		t.Errorf("Origin = %q, want coordinator-b", entry.Origin)
	}

	// B's deletions replicate too.
	b.call(t, "memory/delete", map[string]any{"key": "live"}, nil)
	waitFor(t, func() bool {
		_, ok := a.daemon.store.Peek("live")
		return !ok
	}, "replicated delete did not reach coordinator-a")
}

func TestReplicaApplyAction(t *testing.T) {
	td := startDaemon(t, func(cfg *config.Config) {
		cfg.PeerID = "coordinator-a"
		cfg.PeerListen = "127.0.0.1:0"
	})
	peerClient := wire.NewClient("tcp", td.daemon.peer.Addr().String())

	sealer := replica.NewSealer("coordinator-remote", replica.CodecNone, clock.Fake(daemonEpoch))
	envelope, err := sealer.Seal(replica.ChannelMemoryWrite, &replica.MemoryWrite{
		Op:          replica.OpSet,
		Key:         "pushed",
		Value:       []byte(`"remote"`),
		Origin:      "coordinator-remote",
		CreatedAtMS: daemonEpoch.UnixMilli(),
		UpdatedAtMS: daemonEpoch.UnixMilli(),
	})
	if err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	if err := peerClient.Call(context.Background(), "replica/apply",
		map[string]any{"envelope": envelope}, nil); err != nil {
		t.Fatalf("replica/apply: %v", err)
	}

	var got memoryGetResponse
	td.call(t, "memory/get", map[string]any{"key": "pushed"}, &got)
	if !got.Found || got.Entry.Origin != "coordinator-remote" {
		t.Fatalf("applied entry = %+v, want origin coordinator-remote", got.Entry)
	}

	// Tampered envelopes are rejected.
	envelope[len(envelope)/2] ^= 0xff
	err = peerClient.Call(context.Background(), "replica/apply",
		map[string]any{"envelope": envelope}, nil)
	if err == nil {
		t.Fatal("tampered envelope was accepted")
	}
}

func TestReplicaSnapshotAction(t *testing.T) {
	td := startDaemon(t, func(cfg *config.Config) {
		cfg.PeerID = "coordinator-a"
		cfg.PeerListen = "127.0.0.1:0"
	})
	td.call(t, "memory/set", map[string]any{"key": "k", "value": []byte(`1`)}, nil)

	peerClient := wire.NewClient("tcp", td.daemon.peer.Addr().String())
	var response replicaSnapshotResponse
	if err := peerClient.Call(context.Background(), "replica/snapshot", nil, &response); err != nil {
		t.Fatalf("replica/snapshot: %v", err)
	}

	env, _, err := replica.Open(response.Envelope)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	if env.Channel != replica.ChannelMemorySync || env.Origin != "coordinator-a" {
		t.Errorf("envelope = %s from %s, want memory.sync from coordinator-a",
			env.Channel, env.Origin)
	}
}
