// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

// Package fleet coordinates the worker fleet: the balancer spreads
// connections across workers under a configurable strategy, and the
// coordinator ties the balancer to the memory store, the health
// monitor, and the replication mesh.
package fleet

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/clock"
)

// Strategy selects how connections spread across workers.
type Strategy string

const (
	RoundRobin         Strategy = "round_robin"
	LeastConnections   Strategy = "least_connections"
	WeightedRoundRobin Strategy = "weighted_round_robin"
	ResourceBased      Strategy = "resource_based"
)

// ParseStrategy validates a strategy name from config or the admin
// API.
func ParseStrategy(name string) (Strategy, error) {
	switch Strategy(name) {
	case RoundRobin, LeastConnections, WeightedRoundRobin, ResourceBased:
		return Strategy(name), nil
	}
	return "", newError(CodeInvalidStrategy, "unknown balancing strategy %q", name)
}

// Resource scoring weights. Connection pressure dominates; CPU and
// memory split the remainder.
const (
	scoreConnWeight = 0.4
	scoreCPUWeight  = 0.3
	scoreMemWeight  = 0.3
)

const defaultMaxConnectionsPerWorker = 100

// WorkerSpec describes a worker at registration. PID is the launcher's
// process handle, recorded for operators and never dereferenced here.
// A weight below one is normalized to one, so an unset manifest weight
// means an equal share.
type WorkerSpec struct {
	ID       string `json:"id" cbor:"id"`
	PID      int    `json:"pid,omitempty" cbor:"pid,omitempty"`
	Addr     string `json:"addr" cbor:"addr"`
	Category string `json:"category,omitempty" cbor:"category,omitempty"`
	Weight   int    `json:"weight,omitempty" cbor:"weight,omitempty"`
}

// WorkerInfo is a point-in-time snapshot of one worker.
type WorkerInfo struct {
	ID                    string    `json:"id" cbor:"id"`
	PID                   int       `json:"pid,omitempty" cbor:"pid,omitempty"`
	Addr                  string    `json:"addr" cbor:"addr"`
	Category              string    `json:"category,omitempty" cbor:"category,omitempty"`
	Weight                int       `json:"weight" cbor:"weight"`
	Healthy               bool      `json:"healthy" cbor:"healthy"`
	CPUUsage              float64   `json:"cpuUsage" cbor:"cpuUsage"`
	MemoryUsage           float64   `json:"memoryUsage" cbor:"memoryUsage"`
	AverageResponseTimeMS float64   `json:"averageResponseTimeMs" cbor:"averageResponseTimeMs"`
	LastHealthCheck       time.Time `json:"lastHealthCheck,omitempty" cbor:"lastHealthCheck,omitempty"`
	Connections           int       `json:"connections" cbor:"connections"`
}

// HealthStatus carries one probe outcome into the worker table.
type HealthStatus struct {
	Healthy        bool
	CPUUsage       float64
	MemoryUsage    float64
	ResponseTimeMS int64
	CheckedAt      time.Time
}

// Assignment records where a connection landed.
type Assignment struct {
	ConnectionID string    `json:"connectionId" cbor:"connectionId"`
	WorkerID     string    `json:"workerId" cbor:"workerId"`
	AssignedAt   time.Time `json:"assignedAt" cbor:"assignedAt"`
}

// ConnectionInfo is a point-in-time snapshot of one connection.
type ConnectionInfo struct {
	ID           string            `json:"id" cbor:"id"`
	WorkerID     string            `json:"workerId" cbor:"workerId"`
	ClientInfo   map[string]string `json:"clientInfo,omitempty" cbor:"clientInfo,omitempty"`
	AssignedAt   time.Time         `json:"assignedAt" cbor:"assignedAt"`
	LastActivity time.Time         `json:"lastActivity" cbor:"lastActivity"`
	Requests     int               `json:"requests" cbor:"requests"`
}

// MovedConnection is one re-homed connection in a redistribution.
type MovedConnection struct {
	ConnectionID string `json:"connectionId" cbor:"connectionId"`
	From         string `json:"from" cbor:"from"`
	To           string `json:"to" cbor:"to"`
}

// RedistributionReport accounts for every connection touched when a
// worker leaves rotation. Moved connections found a new home. Failed
// connections had nowhere to go and were dropped; the source worker
// always ends the pass with zero connections.
type RedistributionReport struct {
	WorkerID string            `json:"workerId,omitempty" cbor:"workerId,omitempty"`
	Moved    []MovedConnection `json:"moved,omitempty" cbor:"moved,omitempty"`
	Failed   []string          `json:"failed,omitempty" cbor:"failed,omitempty"`
}

// Stats is a snapshot of the whole balancer.
type Stats struct {
	Strategy         Strategy     `json:"strategy" cbor:"strategy"`
	UptimeSeconds    int64        `json:"uptimeSeconds" cbor:"uptimeSeconds"`
	TotalConnections int          `json:"totalConnections" cbor:"totalConnections"`
	HealthyWorkers   int          `json:"healthyWorkers" cbor:"healthyWorkers"`
	Workers          []WorkerInfo `json:"workers" cbor:"workers"`
}

// EventKind names a balancer state change.
type EventKind string

const (
	EventWorkerRegistered    EventKind = "workerRegistered"
	EventWorkerUnregistered  EventKind = "workerUnregistered"
	EventWorkerHealthChanged EventKind = "workerHealthChanged"
	EventConnectionAssigned  EventKind = "connectionAssigned"
	EventConnectionRemoved   EventKind = "connectionRemoved"
	EventRedistribution      EventKind = "redistribution"
)

// Event describes one balancer state change. Events are delivered
// after the balancer lock is released, so handlers may call back into
// the balancer.
type Event struct {
	Kind         EventKind
	WorkerID     string
	ConnectionID string
	Healthy      bool
	Moved        int
	At           time.Time
}

type connection struct {
	id         string
	workerID   string
	clientInfo map[string]string
	assignedAt time.Time
	lastActive time.Time
	requests   int
}

type worker struct {
	spec          WorkerSpec
	healthy       bool
	cpuUsage      float64
	memoryUsage   float64
	avgResponseMS float64
	probes        int
	lastCheck     time.Time
	connections   map[string]*connection
}

func (w *worker) info() WorkerInfo {
	return WorkerInfo{
		ID:                    w.spec.ID,
		PID:                   w.spec.PID,
		Addr:                  w.spec.Addr,
		Category:              w.spec.Category,
		Weight:                w.spec.Weight,
		Healthy:               w.healthy,
		CPUUsage:              w.cpuUsage,
		MemoryUsage:           w.memoryUsage,
		AverageResponseTimeMS: w.avgResponseMS,
		LastHealthCheck:       w.lastCheck,
		Connections:           len(w.connections),
	}
}

// Options configures a Balancer. Zero fields take defaults.
type Options struct {
	Strategy                Strategy
	MaxConnectionsPerWorker int
	Clock                   clock.Clock
	Logger                  *slog.Logger
	OnEvent                 func(Event)

	// Seed makes weighted selection reproducible. Zero seeds from
	// the clock.
	Seed int64
}

// Balancer spreads connections across registered workers. All state
// lives behind one mutex; workers keep registration order so
// tie-breaks are stable.
type Balancer struct {
	clk          clock.Clock
	logger       *slog.Logger
	onEvent      func(Event)
	maxPerWorker int
	startedAt    time.Time

	mu       sync.Mutex
	strategy Strategy
	workers  map[string]*worker
	order    []string
	conns    map[string]*connection
	rrNext   uint64
	rng      *rand.Rand
}

func NewBalancer(opts Options) (*Balancer, error) {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = LeastConnections
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxPer := opts.MaxConnectionsPerWorker
	if maxPer < 1 {
		maxPer = defaultMaxConnectionsPerWorker
	}
	seed := opts.Seed
	if seed == 0 {
		seed = clk.Now().UnixNano()
	}

	return &Balancer{
		clk:          clk,
		logger:       logger,
		onEvent:      opts.OnEvent,
		maxPerWorker: maxPer,
		startedAt:    clk.Now(),
		strategy:     strategy,
		workers:      make(map[string]*worker),
		conns:        make(map[string]*connection),
		// Selection jitter does not need cryptographic randomness.
		rng: rand.New(rand.NewSource(seed)), //nolint:gosec
	}, nil
}

func (b *Balancer) emit(events ...Event) {
	if b.onEvent == nil {
		return
	}
	for _, event := range events {
		b.onEvent(event)
	}
}

// RegisterWorker adds a worker to rotation. New workers start healthy
// until the first probe says otherwise.
func (b *Balancer) RegisterWorker(spec WorkerSpec) error {
	if spec.ID == "" {
		return fmt.Errorf("fleet: worker id required")
	}
	if spec.Addr == "" {
		return fmt.Errorf("fleet: worker %q has no address", spec.ID)
	}
	if spec.Weight < 1 {
		spec.Weight = 1
	}

	b.mu.Lock()
	if _, ok := b.workers[spec.ID]; ok {
		b.mu.Unlock()
		return newError(CodeDuplicateWorker, "worker %q is already registered", spec.ID)
	}
	b.workers[spec.ID] = &worker{
		spec:        spec,
		healthy:     true,
		connections: make(map[string]*connection),
	}
	b.order = append(b.order, spec.ID)
	now := b.clk.Now()
	b.mu.Unlock()

	b.logger.Info("worker registered", "worker", spec.ID, "addr", spec.Addr, "category", spec.Category)
	b.emit(Event{Kind: EventWorkerRegistered, WorkerID: spec.ID, At: now})
	return nil
}

// UnregisterWorker removes a worker and re-homes its connections onto
// the remaining workers. Connections nothing can take are dropped and
// reported.
func (b *Balancer) UnregisterWorker(id string) (*RedistributionReport, error) {
	b.mu.Lock()
	departing, ok := b.workers[id]
	if !ok {
		b.mu.Unlock()
		return nil, newError(CodeUnknownWorker, "worker %q is not registered", id)
	}
	delete(b.workers, id)
	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	report := b.drainLocked(departing)
	now := b.clk.Now()
	b.mu.Unlock()

	b.logger.Info("worker unregistered",
		"worker", id,
		"moved", len(report.Moved),
		"failed", len(report.Failed))
	events := redistributionEvents(report, now)
	events = append(events, Event{Kind: EventWorkerUnregistered, WorkerID: id, At: now})
	b.emit(events...)
	return report, nil
}

// eligibleLocked returns workers that can accept a connection, in
// registration order. Caller must hold b.mu.
func (b *Balancer) eligibleLocked() []*worker {
	eligible := make([]*worker, 0, len(b.order))
	for _, id := range b.order {
		w := b.workers[id]
		if w.healthy && len(w.connections) < b.maxPerWorker {
			eligible = append(eligible, w)
		}
	}
	return eligible
}

// pickTargetLocked is the redistribution policy: least-loaded
// eligible worker, registration order breaking ties. Caller must hold
// b.mu.
func (b *Balancer) pickTargetLocked() *worker {
	eligible := b.eligibleLocked()
	if len(eligible) == 0 {
		return nil
	}
	best := eligible[0]
	for _, w := range eligible[1:] {
		if len(w.connections) < len(best.connections) {
			best = w
		}
	}
	return best
}

// selectLocked picks a worker under the current strategy. Caller must
// hold b.mu.
func (b *Balancer) selectLocked() (*worker, error) {
	eligible := b.eligibleLocked()
	if len(eligible) == 0 {
		return nil, newError(CodeNoAvailableWorkers,
			"no healthy worker with capacity (%d registered)", len(b.workers))
	}

	switch b.strategy {
	case RoundRobin:
		// The counter persists across calls and membership changes;
		// only its remainder tracks the current rotation size.
		w := eligible[b.rrNext%uint64(len(eligible))]
		b.rrNext++
		return w, nil

	case LeastConnections:
		best := eligible[0]
		for _, w := range eligible[1:] {
			if len(w.connections) < len(best.connections) {
				best = w
			}
		}
		return best, nil

	case WeightedRoundRobin:
		total := 0
		for _, w := range eligible {
			total += w.spec.Weight
		}
		pick := b.rng.Intn(total)
		for _, w := range eligible {
			pick -= w.spec.Weight
			if pick < 0 {
				return w, nil
			}
		}
		return eligible[len(eligible)-1], nil

	case ResourceBased:
		best := eligible[0]
		bestScore := b.score(best)
		for _, w := range eligible[1:] {
			if s := b.score(w); s < bestScore {
				best, bestScore = w, s
			}
		}
		return best, nil
	}
	return nil, newError(CodeInvalidStrategy, "unknown balancing strategy %q", b.strategy)
}

// score is the resource-based load figure; lower is better. Usage
// percentages are normalized to [0,1] alongside connection pressure.
func (b *Balancer) score(w *worker) float64 {
	connPressure := float64(len(w.connections)) / float64(b.maxPerWorker)
	return scoreConnWeight*connPressure +
		scoreCPUWeight*(w.cpuUsage/100) +
		scoreMemWeight*(w.memoryUsage/100)
}

// SelectWorker reports which worker would serve the next connection
// without assigning one.
func (b *Balancer) SelectWorker() (WorkerInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, err := b.selectLocked()
	if err != nil {
		return WorkerInfo{}, err
	}
	return w.info(), nil
}

// AssignConnection selects a worker under the current strategy and
// records the connection on it. An empty connID gets a generated
// UUID; clientInfo is opaque session metadata kept for operators.
func (b *Balancer) AssignConnection(connID string, clientInfo map[string]string) (*Assignment, error) {
	b.mu.Lock()
	if connID == "" {
		connID = uuid.NewString()
	} else if _, ok := b.conns[connID]; ok {
		b.mu.Unlock()
		return nil, newError(CodeDuplicateConnection, "connection %q is already assigned", connID)
	}

	w, err := b.selectLocked()
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	now := b.clk.Now()
	conn := &connection{
		id:         connID,
		workerID:   w.spec.ID,
		clientInfo: clientInfo,
		assignedAt: now,
		lastActive: now,
	}
	w.connections[connID] = conn
	b.conns[connID] = conn
	assignment := &Assignment{ConnectionID: connID, WorkerID: w.spec.ID, AssignedAt: now}
	b.mu.Unlock()

	b.emit(Event{Kind: EventConnectionAssigned, WorkerID: assignment.WorkerID, ConnectionID: connID, At: now})
	return assignment, nil
}

// RemoveConnection releases a connection.
func (b *Balancer) RemoveConnection(connID string) error {
	b.mu.Lock()
	conn, ok := b.conns[connID]
	if !ok {
		b.mu.Unlock()
		return newError(CodeUnknownConnection, "connection %q is not assigned", connID)
	}
	delete(b.conns, connID)
	if w, ok := b.workers[conn.workerID]; ok {
		delete(w.connections, connID)
	}
	now := b.clk.Now()
	b.mu.Unlock()

	b.emit(Event{Kind: EventConnectionRemoved, WorkerID: conn.workerID, ConnectionID: connID, At: now})
	return nil
}

// TouchConnection marks a connection active, so the idle sweeper
// leaves it alone, and counts the request against it.
func (b *Balancer) TouchConnection(connID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	conn, ok := b.conns[connID]
	if !ok {
		return newError(CodeUnknownConnection, "connection %q is not assigned", connID)
	}
	conn.lastActive = b.clk.Now()
	conn.requests++
	return nil
}

// SweepIdleConnections removes connections idle longer than maxIdle
// and returns their ids.
func (b *Balancer) SweepIdleConnections(maxIdle time.Duration) []string {
	b.mu.Lock()
	now := b.clk.Now()
	cutoff := now.Add(-maxIdle)

	var removed []string
	var events []Event
	for id, conn := range b.conns {
		if conn.lastActive.After(cutoff) {
			continue
		}
		delete(b.conns, id)
		if w, ok := b.workers[conn.workerID]; ok {
			delete(w.connections, id)
		}
		removed = append(removed, id)
		events = append(events, Event{Kind: EventConnectionRemoved, WorkerID: conn.workerID, ConnectionID: id, At: now})
	}
	b.mu.Unlock()

	if len(removed) > 0 {
		sort.Strings(removed)
		b.logger.Info("swept idle connections", "count", len(removed), "max_idle", maxIdle)
	}
	b.emit(events...)
	return removed
}

// UpdateWorkerHealth applies a probe outcome. A healthy-to-unhealthy
// transition drains the worker's connections onto the rest of the
// fleet; the report is nil when nothing moved.
func (b *Balancer) UpdateWorkerHealth(id string, status HealthStatus) (*RedistributionReport, error) {
	b.mu.Lock()
	w, ok := b.workers[id]
	if !ok {
		b.mu.Unlock()
		return nil, newError(CodeUnknownWorker, "worker %q is not registered", id)
	}
	was := w.healthy
	w.healthy = status.Healthy
	w.cpuUsage = status.CPUUsage
	w.memoryUsage = status.MemoryUsage
	w.probes++
	w.avgResponseMS += (float64(status.ResponseTimeMS) - w.avgResponseMS) / float64(w.probes)
	w.lastCheck = status.CheckedAt
	if w.lastCheck.IsZero() {
		w.lastCheck = b.clk.Now()
	}
	now := b.clk.Now()

	var report *RedistributionReport
	var events []Event
	if was != status.Healthy {
		events = append(events, Event{Kind: EventWorkerHealthChanged, WorkerID: id, Healthy: status.Healthy, At: now})
	}
	if was && !status.Healthy && len(w.connections) > 0 {
		report = b.drainLocked(w)
		events = append(events, redistributionEvents(report, now)...)
	}
	b.mu.Unlock()

	if was != status.Healthy {
		b.logger.Info("worker health changed", "worker", id, "healthy", status.Healthy)
	}
	b.emit(events...)
	return report, nil
}

// drainLocked re-homes every connection on w. Connections with no
// eligible target are dropped and reported; w always ends with zero
// connections either way. Caller must hold b.mu.
func (b *Balancer) drainLocked(w *worker) *RedistributionReport {
	report := &RedistributionReport{WorkerID: w.spec.ID}
	for _, conn := range sortedConnections(w.connections) {
		delete(w.connections, conn.id)
		target := b.pickTargetLocked()
		if target == nil {
			delete(b.conns, conn.id)
			report.Failed = append(report.Failed, conn.id)
			continue
		}
		conn.workerID = target.spec.ID
		target.connections[conn.id] = conn
		report.Moved = append(report.Moved, MovedConnection{ConnectionID: conn.id, From: w.spec.ID, To: target.spec.ID})
	}
	return report
}

// redistributionEvents expands a drain report into the events it
// implies: one removal per dropped connection plus the aggregate.
func redistributionEvents(report *RedistributionReport, at time.Time) []Event {
	var events []Event
	for _, connID := range report.Failed {
		events = append(events, Event{Kind: EventConnectionRemoved, WorkerID: report.WorkerID, ConnectionID: connID, At: at})
	}
	if len(report.Moved) > 0 || len(report.Failed) > 0 {
		events = append(events, Event{Kind: EventRedistribution, WorkerID: report.WorkerID, Moved: len(report.Moved), At: at})
	}
	return events
}

// RedistributeConnections drains one worker explicitly, for operators
// re-homing load off a degraded worker ahead of maintenance. The
// worker stays registered.
func (b *Balancer) RedistributeConnections(id string) (*RedistributionReport, error) {
	b.mu.Lock()
	w, ok := b.workers[id]
	if !ok {
		b.mu.Unlock()
		return nil, newError(CodeUnknownWorker, "worker %q is not registered", id)
	}
	// Exclude the drained worker from candidates for the pass even if
	// it is still marked healthy.
	was := w.healthy
	w.healthy = false
	report := b.drainLocked(w)
	w.healthy = was
	now := b.clk.Now()
	b.mu.Unlock()

	b.emit(redistributionEvents(report, now)...)
	return report, nil
}

// SetStrategy switches the balancing strategy. The round-robin
// counter is deliberately not reset.
func (b *Balancer) SetStrategy(strategy Strategy) error {
	parsed, err := ParseStrategy(string(strategy))
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.strategy = parsed
	b.mu.Unlock()

	b.logger.Info("balancing strategy changed", "strategy", parsed)
	return nil
}

// Connections snapshots every assigned connection, ordered by id.
func (b *Balancer) Connections() []ConnectionInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ConnectionInfo, 0, len(b.conns))
	for _, conn := range sortedConnections(b.conns) {
		out = append(out, ConnectionInfo{
			ID:           conn.id,
			WorkerID:     conn.workerID,
			ClientInfo:   conn.clientInfo,
			AssignedAt:   conn.assignedAt,
			LastActivity: conn.lastActive,
			Requests:     conn.requests,
		})
	}
	return out
}

// Worker returns a snapshot of one worker.
func (b *Balancer) Worker(id string) (WorkerInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.workers[id]
	if !ok {
		return WorkerInfo{}, false
	}
	return w.info(), true
}

// Stats snapshots the whole balancer, workers in registration order.
func (b *Balancer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := Stats{
		Strategy:      b.strategy,
		UptimeSeconds: int64(b.clk.Now().Sub(b.startedAt).Seconds()),
		Workers:       make([]WorkerInfo, 0, len(b.order)),
	}
	for _, id := range b.order {
		info := b.workers[id].info()
		stats.Workers = append(stats.Workers, info)
		stats.TotalConnections += info.Connections
		if info.Healthy {
			stats.HealthyWorkers++
		}
	}
	return stats
}

func sortedConnections(conns map[string]*connection) []*connection {
	out := make([]*connection, 0, len(conns))
	for _, conn := range conns {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
