// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/cpu"
	"github.com/shirou/gopsutil/mem"
	"github.com/spf13/pflag"

	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/clock"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/process"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var addr string
	var category string
	var fail bool
	var showVersion bool

	flagSet := pflag.NewFlagSet("gitmem-worker", pflag.ContinueOnError)
	flagSet.StringVar(&addr, "addr", "127.0.0.1:9090", "address to serve /healthz on")
	flagSet.StringVar(&category, "category", "", "worker category label, logged at startup")
	flagSet.BoolVar(&fail, "fail", false, "serve failing health responses, for failover drills")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print("gitmem-worker")
		return nil
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := newWorker(category, fail, clock.System(), logger)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return worker.serve(ctx, listener)
}

// worker serves the health endpoint a Git Memory coordinator probes.
// Real tool servers mount the same handler next to their tool routes.
type worker struct {
	category  string
	fail      bool
	sample    func() (cpuPct, memPct float64)
	clk       clock.Clock
	startedAt time.Time
	logger    *slog.Logger
}

func newWorker(category string, fail bool, clk clock.Clock, logger *slog.Logger) *worker {
	return &worker{
		category:  category,
		fail:      fail,
		sample:    systemSample,
		clk:       clk,
		startedAt: clk.Now(),
		logger:    logger,
	}
}

func (w *worker) serve(ctx context.Context, listener net.Listener) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", w.handleHealthz)
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveDone := make(chan error, 1)
	go func() { serveDone <- server.Serve(listener) }()
	w.logger.Info("worker serving",
		"addr", listener.Addr(),
		"category", w.category,
		"fail", w.fail)

	select {
	case err := <-serveDone:
		return fmt.Errorf("healthz listener: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		w.logger.Warn("shutdown incomplete", "error", err)
	}
	if err := <-serveDone; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	w.logger.Info("worker stopped")
	return nil
}

// healthzResponse is the body the coordinator's prober parses. Field
// names are wire contract; the prober treats any status other than
// "ok" as failing.
type healthzResponse struct {
	Status        string  `json:"status"`
	CPUUsage      float64 `json:"cpuUsage"`
	MemoryUsage   float64 `json:"memoryUsage"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
}

func (w *worker) handleHealthz(rw http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cpuPct, memPct := w.sample()
	response := healthzResponse{
		Status:        "ok",
		CPUUsage:      cpuPct,
		MemoryUsage:   memPct,
		UptimeSeconds: w.clk.Now().Sub(w.startedAt).Seconds(),
	}
	code := http.StatusOK
	if w.fail {
		response.Status = "failing"
		code = http.StatusServiceUnavailable
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	if err := json.NewEncoder(rw).Encode(response); err != nil {
		w.logger.Warn("writing healthz response", "error", err)
	}
}

// systemSample reads live CPU and memory use. Sampling errors read as
// zero load; a probe target that cannot introspect itself should still
// answer.
func systemSample() (float64, float64) {
	var cpuPct, memPct float64
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		cpuPct = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memPct = vm.UsedPercent
	}
	return cpuPct, memPct
}
