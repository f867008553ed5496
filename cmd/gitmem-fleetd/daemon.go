// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/clock"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/config"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/fleet"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/health"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/manifest"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/memory"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/replica"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/wire"
)

// daemon wires the coordinator's components together and owns their
// lifecycles.
type daemon struct {
	cfg    *config.Config
	clk    clock.Clock
	logger *slog.Logger

	store       *memory.Store
	balancer    *fleet.Balancer
	monitor     *health.Monitor
	coordinator *fleet.Coordinator

	admin *wire.Server

	// peer is nil when peer_listen is unset; the daemon then neither
	// accepts replication traffic nor serves snapshots, but still
	// broadcasts to its configured peers.
	peer *wire.Server

	startedAt time.Time
}

func newDaemon(cfg *config.Config, clk clock.Clock, logger *slog.Logger) (*daemon, error) {
	strategy, err := fleet.ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}
	compression, err := replica.ParseCodec(cfg.SnapshotCompression)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.MemoryFile), 0o700); err != nil {
		return nil, fmt.Errorf("creating memory directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.AdminSocket), 0o755); err != nil {
		return nil, fmt.Errorf("creating socket directory: %w", err)
	}

	store := memory.New(cfg.MemoryFile, clk)
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("loading memory snapshot: %w", err)
	}

	balancer, err := fleet.NewBalancer(fleet.Options{
		Strategy:                strategy,
		MaxConnectionsPerWorker: cfg.MaxConnectionsPerWorker,
		Clock:                   clk,
		Logger:                  logger,
	})
	if err != nil {
		return nil, err
	}

	monitor := health.NewMonitor(health.Options{
		Prober:      &health.HTTPProber{Client: &http.Client{Timeout: cfg.ProbeTimeout.Std()}},
		Clock:       clk,
		Logger:      logger,
		Timeout:     cfg.ProbeTimeout.Std(),
		Concurrency: cfg.ProbeConcurrency,
		Threshold:   cfg.FailureThreshold,
	})

	peers := make(map[string]fleet.PeerClient, len(cfg.Peers))
	for id, addr := range cfg.Peers {
		peers[id] = wire.NewClient("tcp", addr)
	}

	coordinator, err := fleet.NewCoordinator(fleet.CoordinatorOptions{
		PeerID:   cfg.PeerID,
		Balancer: balancer,
		Store:    store,
		Sealer:   replica.NewSealer(cfg.PeerID, compression, clk),
		Peers:    peers,
		Logger:   logger,
		Clock:    clk,
		Forget:   monitor.Forget,
	})
	if err != nil {
		return nil, err
	}

	d := &daemon{
		cfg:         cfg,
		clk:         clk,
		logger:      logger,
		store:       store,
		balancer:    balancer,
		monitor:     monitor,
		coordinator: coordinator,
		startedAt:   clk.Now(),
	}

	d.admin = wire.NewServer("unix", cfg.AdminSocket, logger)
	d.registerAdminActions(d.admin)

	if cfg.PeerListen != "" {
		d.peer = wire.NewServer("tcp", cfg.PeerListen, logger)
		d.registerPeerActions(d.peer)
	}

	return d, nil
}

// run serves until ctx is cancelled, then drains handlers, waits for
// in-flight broadcasts, and writes the final memory snapshot.
func (d *daemon) run(ctx context.Context) error {
	if err := d.seedManifest(ctx); err != nil {
		return err
	}

	adminDone := make(chan error, 1)
	go func() { adminDone <- d.admin.Serve(ctx) }()
	select {
	case <-d.admin.Ready():
	case err := <-adminDone:
		return fmt.Errorf("admin listener: %w", err)
	}

	peerDone := make(chan error, 1)
	if d.peer != nil {
		go func() { peerDone <- d.peer.Serve(ctx) }()
		select {
		case <-d.peer.Ready():
		case err := <-peerDone:
			return fmt.Errorf("peer listener: %w", err)
		}
	}

	if err := d.coordinator.SyncFromPeers(ctx); err != nil {
		d.logger.Warn("peer sync failed, starting from local snapshot", "error", err)
	}

	go d.monitor.Run(ctx, d.cfg.HealthInterval.Std(), func() []health.Target {
		return d.coordinator.Targets("")
	}, d.coordinator.HealthSink)
	go d.sweepLoop(ctx)
	go d.flushLoop(ctx)

	d.logger.Info("fleet coordinator running",
		"peer_id", d.cfg.PeerID,
		"admin_socket", d.cfg.AdminSocket,
		"peer_listen", d.cfg.PeerListen,
		"strategy", d.cfg.Strategy,
		"workers", len(d.balancer.Stats().Workers),
		"memory_keys", d.store.Len(),
	)

	<-ctx.Done()
	d.logger.Info("shutting down")

	if err := <-adminDone; err != nil {
		d.logger.Error("admin server error", "error", err)
	}
	if d.peer != nil {
		if err := <-peerDone; err != nil {
			d.logger.Error("peer server error", "error", err)
		}
	}

	// Let in-flight replication broadcasts finish before the final
	// flush so shutdown does not silently drop writes on peers.
	d.coordinator.Wait()

	if err := d.store.Save(); err != nil {
		return fmt.Errorf("final memory flush: %w", err)
	}
	return nil
}

// seedManifest registers the manifest's workers. Runs before the
// listeners start, so seeding never races admin registrations.
func (d *daemon) seedManifest(ctx context.Context) error {
	if d.cfg.Manifest == "" {
		return nil
	}
	m, err := manifest.ReadFile(d.cfg.Manifest)
	if err != nil {
		return err
	}
	for _, w := range m.Workers {
		spec := fleet.WorkerSpec{ID: w.ID, Addr: w.Addr, Category: w.Category, Weight: w.Weight}
		if err := d.coordinator.RegisterWorker(ctx, spec); err != nil {
			return fmt.Errorf("seeding worker %s: %w", w.ID, err)
		}
	}
	d.logger.Info("seeded manifest workers", "manifest", d.cfg.Manifest, "workers", len(m.Workers))
	return nil
}

// sweepLoop evicts idle connections on sweep_interval.
func (d *daemon) sweepLoop(ctx context.Context) {
	interval := d.cfg.SweepInterval.Std()
	maxIdle := d.cfg.ConnectionTimeout.Std()
	if interval <= 0 || maxIdle <= 0 {
		d.logger.Info("idle connection sweeper disabled")
		return
	}
	ticker := d.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := d.balancer.SweepIdleConnections(maxIdle)
			if len(removed) > 0 {
				d.logger.Info("swept idle connections", "count", len(removed))
			}
		}
	}
}

// flushLoop persists read-path mutations (access counts) that do not
// flush inline. Failures leave memory as the source of truth.
func (d *daemon) flushLoop(ctx context.Context) {
	interval := d.cfg.FlushInterval.Std()
	if interval <= 0 {
		d.logger.Info("periodic memory flush disabled")
		return
	}
	ticker := d.clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.store.Save(); err != nil {
				d.logger.Warn("periodic memory flush failed", "error", err)
			}
		}
	}
}
