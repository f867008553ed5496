// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/codec"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/health"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/wire"
)

var reportEpoch = time.Date(2026, 8, 5, 16, 0, 0, 0, time.UTC)

// sampleReport builds the canned daemon response: three healthy, one
// unreachable, 75%, just below the exit-0 threshold.
func sampleReport() *health.Report {
	results := []health.Result{
		{WorkerID: "worker-a", Category: "git", Status: health.StatusHealthy, ResponseTimeMS: 12, CPUUsage: 12.5, MemoryUsage: 40, CheckedAt: reportEpoch},
		{WorkerID: "worker-b", Category: "git", Status: health.StatusHealthy, ResponseTimeMS: 8, CPUUsage: 30, MemoryUsage: 55, CheckedAt: reportEpoch},
		{WorkerID: "worker-c", Category: "search", Status: health.StatusHealthy, ResponseTimeMS: 20, CPUUsage: 70, MemoryUsage: 62, CheckedAt: reportEpoch},
		{WorkerID: "worker-d", Category: "search", Status: health.StatusUnreachable, ResponseTimeMS: 5000, Error: "probe timed out", CheckedAt: reportEpoch},
	}
	return health.BuildReport(reportEpoch, results)
}

// startStubDaemon serves health/report on a unix socket, returning
// the canned report and recording the category filter it was asked
// for.
func startStubDaemon(t *testing.T, report *health.Report) (socketPath string, categories func() []string) {
	t.Helper()

	socketPath = filepath.Join(t.TempDir(), "fleetd.sock")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := wire.NewServer("unix", socketPath, logger)

	var mu sync.Mutex
	var seen []string
	categories = func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), seen...)
	}
	server.Handle("health/report", func(ctx context.Context, raw []byte) (any, error) {
		var request struct {
			Category string `cbor:"category"`
		}
		if err := codec.Unmarshal(raw, &request); err != nil {
			return nil, err
		}
		mu.Lock()
		seen = append(seen, request.Category)
		mu.Unlock()
		return report, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()
	select {
	case <-server.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("stub daemon failed to start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return socketPath, categories
}

func TestRunBelowThresholdExitsOne(t *testing.T) {
	socketPath, _ := startStubDaemon(t, sampleReport())

	var stdout, stderr bytes.Buffer
	code := run([]string{"--socket", socketPath}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1 for 75%% health (stderr: %s)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "fleet health: 75.0% (3/4 healthy)") {
		t.Errorf("summary output:\n%s", stdout.String())
	}
	if !strings.Contains(stdout.String(), "unreachable: 1") {
		t.Errorf("summary missing unreachable count:\n%s", stdout.String())
	}
}

func TestRunHealthyFleetExitsZero(t *testing.T) {
	results := []health.Result{
		{WorkerID: "worker-a", Status: health.StatusHealthy, ResponseTimeMS: 3, CheckedAt: reportEpoch},
	}
	socketPath, _ := startStubDaemon(t, health.BuildReport(reportEpoch, results))

	var stdout, stderr bytes.Buffer
	code := run([]string{"--socket", socketPath}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 (stderr: %s)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "fleet health: 100.0% (1/1 healthy)") {
		t.Errorf("summary output:\n%s", stdout.String())
	}
}

func TestRunDetailedOutput(t *testing.T) {
	socketPath, _ := startStubDaemon(t, sampleReport())

	var stdout, stderr bytes.Buffer
	run([]string{"--socket", socketPath, "--detailed"}, &stdout, &stderr)

	output := stdout.String()
	if !strings.Contains(output, "worker-a") || !strings.Contains(output, "cpu  12.5%") {
		t.Errorf("healthy detail line missing:\n%s", output)
	}
	if !strings.Contains(output, "worker-d") || !strings.Contains(output, "probe timed out") {
		t.Errorf("unreachable detail line missing:\n%s", output)
	}
}

func TestRunCategoryFilterForwarded(t *testing.T) {
	socketPath, categories := startStubDaemon(t, sampleReport())

	var stdout, stderr bytes.Buffer
	run([]string{"--socket", socketPath, "--category", "git"}, &stdout, &stderr)
	if got := categories(); len(got) != 1 || got[0] != "git" {
		t.Errorf("daemon saw categories %v, want [git]", got)
	}
}

func TestRunWritesReportArtifact(t *testing.T) {
	socketPath, _ := startStubDaemon(t, sampleReport())
	outputPath := filepath.Join(t.TempDir(), "health-report.json")

	var stdout, stderr bytes.Buffer
	code := run([]string{"--socket", socketPath, "--report", "--output", outputPath}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1 (stderr: %s)", code, stderr.String())
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}
	var parsed struct {
		Timestamp time.Time `json:"timestamp"`
		Summary   struct {
			TotalServers     int     `json:"totalServers"`
			HealthPercentage float64 `json:"healthPercentage"`
		} `json:"summary"`
		Details struct {
			Healthy     []json.RawMessage `json:"healthy"`
			Unreachable []json.RawMessage `json:"unreachable"`
		} `json:"details"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("artifact is not valid JSON: %v", err)
	}
	if !parsed.Timestamp.Equal(reportEpoch) {
		t.Errorf("timestamp = %v, want %v", parsed.Timestamp, reportEpoch)
	}
	if parsed.Summary.TotalServers != 4 || parsed.Summary.HealthPercentage != 75 {
		t.Errorf("summary = %+v, want 4 servers at 75", parsed.Summary)
	}
	if len(parsed.Details.Healthy) != 3 || len(parsed.Details.Unreachable) != 1 {
		t.Errorf("details = %d healthy, %d unreachable; want 3 and 1",
			len(parsed.Details.Healthy), len(parsed.Details.Unreachable))
	}
	if !strings.Contains(string(data), `"workerId"`) {
		t.Error("detail records should use camelCase field names")
	}
}

func TestRunTransportErrorExitsTwo(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run([]string{"--socket", filepath.Join(t.TempDir(), "absent.sock")}, &stdout, &stderr)
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "error:") {
		t.Errorf("stderr = %q, want an error line", stderr.String())
	}
}

func TestRunUsageErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--no-such-flag"}, &stdout, &stderr); code != 2 {
		t.Errorf("unknown flag exit code = %d, want 2", code)
	}

	stdout.Reset()
	stderr.Reset()
	if code := run([]string{"extra-arg"}, &stdout, &stderr); code != 2 {
		t.Errorf("stray argument exit code = %d, want 2", code)
	}
}

func TestRunHelpExitsZero(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--help"}, &stdout, &stderr); code != 0 {
		t.Errorf("--help exit code = %d, want 0", code)
	}
}

func TestRunVersionExitsZero(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--version"}, &stdout, &stderr); code != 0 {
		t.Errorf("--version exit code = %d, want 0", code)
	}
	if !strings.Contains(stdout.String(), "gitmem-health") {
		t.Errorf("version output = %q", stdout.String())
	}
}
