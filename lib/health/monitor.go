// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

// Package health probes fleet workers and classifies each as healthy,
// unhealthy, or unreachable. A probe that completes but reports
// failure is unhealthy; a probe that times out or cannot connect is
// unreachable. Probe failures are outcomes, not errors; nothing in
// this package returns an error for a failing worker.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/clock"
)

// Status classifies one worker after a probe.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusUnhealthy   Status = "unhealthy"
	StatusUnreachable Status = "unreachable"
)

// Result is the outcome of probing one worker.
type Result struct {
	WorkerID       string    `json:"workerId" cbor:"workerId"`
	Category       string    `json:"category,omitempty" cbor:"category,omitempty"`
	Status         Status    `json:"status" cbor:"status"`
	ResponseTimeMS int64     `json:"responseTimeMs" cbor:"responseTimeMs"`
	CPUUsage       float64   `json:"cpuUsage" cbor:"cpuUsage"`
	MemoryUsage    float64   `json:"memoryUsage" cbor:"memoryUsage"`
	CheckedAt      time.Time `json:"checkedAt" cbor:"checkedAt"`
	Error          string    `json:"error,omitempty" cbor:"error,omitempty"`
}

// Options configures a Monitor. Zero fields take defaults.
type Options struct {
	Prober Prober
	Clock  clock.Clock
	Logger *slog.Logger

	// Timeout is the hard bound on one probe. A probe still running
	// when it expires is classified unreachable.
	Timeout time.Duration

	// Concurrency bounds how many probes CheckAll runs at once.
	Concurrency int

	// Threshold is how many consecutive failed probes it takes to
	// stop reporting a worker healthy. At the default of 1, a single
	// failure flips the status immediately.
	Threshold int
}

const (
	defaultTimeout     = 5 * time.Second
	defaultConcurrency = 8
)

// Monitor runs health probes against the fleet.
type Monitor struct {
	prober      Prober
	clk         clock.Clock
	logger      *slog.Logger
	timeout     time.Duration
	concurrency int
	threshold   int

	mu       sync.Mutex
	failures map[string]int
	last     map[string]Status
}

func NewMonitor(opts Options) *Monitor {
	if opts.Prober == nil {
		panic("health: Options.Prober is required")
	}
	m := &Monitor{
		prober:      opts.Prober,
		clk:         opts.Clock,
		logger:      opts.Logger,
		timeout:     opts.Timeout,
		concurrency: opts.Concurrency,
		threshold:   opts.Threshold,
		failures:    make(map[string]int),
		last:        make(map[string]Status),
	}
	if m.clk == nil {
		m.clk = clock.System()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.timeout <= 0 {
		m.timeout = defaultTimeout
	}
	if m.concurrency < 1 {
		m.concurrency = defaultConcurrency
	}
	if m.threshold < 1 {
		m.threshold = 1
	}
	return m
}

// CheckWorker probes one worker and classifies the raw outcome. The
// probe is bounded by the monitor's timeout regardless of how the
// prober behaves.
func (m *Monitor) CheckWorker(ctx context.Context, target Target) Result {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := m.clk.Now()
	report, err := m.prober.Probe(ctx, target)
	elapsed := m.clk.Now().Sub(start)

	result := Result{
		WorkerID:       target.WorkerID,
		Category:       target.Category,
		ResponseTimeMS: elapsed.Milliseconds(),
		CheckedAt:      start,
	}
	switch {
	case err != nil:
		result.Status = StatusUnreachable
		if errors.Is(err, context.DeadlineExceeded) {
			result.Error = "probe timed out"
		} else {
			result.Error = err.Error()
		}
	case report.Healthy:
		result.Status = StatusHealthy
		result.CPUUsage = report.CPUUsage
		result.MemoryUsage = report.MemoryUsage
	default:
		result.Status = StatusUnhealthy
		result.CPUUsage = report.CPUUsage
		result.MemoryUsage = report.MemoryUsage
	}
	return result
}

// observe applies the consecutive-failure threshold to a raw result.
// A failing probe below the threshold keeps reporting the worker's
// last effective status; a success resets the count.
func (m *Monitor) observe(result Result) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	if result.Status == StatusHealthy {
		delete(m.failures, result.WorkerID)
		m.last[result.WorkerID] = StatusHealthy
		return result
	}

	m.failures[result.WorkerID]++
	if m.failures[result.WorkerID] >= m.threshold {
		m.last[result.WorkerID] = result.Status
		return result
	}

	previous, ok := m.last[result.WorkerID]
	if !ok {
		previous = StatusHealthy
	}
	m.logger.Debug("suppressing probe failure below threshold",
		"worker", result.WorkerID,
		"status", result.Status,
		"failures", m.failures[result.WorkerID],
		"threshold", m.threshold)
	result.Status = previous
	return result
}

// Forget drops threshold bookkeeping for a worker that left the
// fleet.
func (m *Monitor) Forget(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.failures, workerID)
	delete(m.last, workerID)
}

// CheckAll probes every target with bounded concurrency and returns
// per-worker results ordered by worker ID, plus the fleet health
// percentage. An empty fleet is 100% healthy.
func (m *Monitor) CheckAll(ctx context.Context, targets []Target) ([]Result, float64) {
	if len(targets) == 0 {
		return nil, 100
	}

	sem := make(chan struct{}, m.concurrency)
	results := make([]Result, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func(i int, target Target) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = m.observe(m.CheckWorker(ctx, target))
		}(i, target)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool {
		return results[i].WorkerID < results[j].WorkerID
	})

	healthy := 0
	for _, result := range results {
		if result.Status == StatusHealthy {
			healthy++
		}
	}
	return results, float64(healthy) / float64(len(results)) * 100
}

// Run probes the fleet immediately and then on every interval tick
// until ctx is cancelled. targets is consulted each round so the
// monitor follows fleet membership; sink receives each completed
// round.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, targets func() []Target, sink func([]Result, float64)) {
	ticker := m.clk.NewTicker(interval)
	defer ticker.Stop()

	for {
		results, percentage := m.CheckAll(ctx, targets())
		if sink != nil {
			sink(results, percentage)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
