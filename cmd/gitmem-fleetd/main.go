// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/clock"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/config"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/process"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var showVersion bool

	flagSet := pflag.NewFlagSet("gitmem-fleetd", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to fleetd.yaml (overrides GITMEM_CONFIG)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if showVersion {
		version.Print("gitmem-fleetd")
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(os.Stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	daemon, err := newDaemon(cfg, clock.System(), logger)
	if err != nil {
		return err
	}
	return daemon.run(ctx)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// newLogger builds the daemon's structured logger. Unknown level
// names fall back to info rather than failing startup.
func newLogger(w io.Writer, level string) *slog.Logger {
	var slogLevel slog.Level
	unknown := slogLevel.UnmarshalText([]byte(level)) != nil
	if unknown {
		slogLevel = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slogLevel}))
	if unknown {
		logger.Warn("unknown log_level, using info", "log_level", level)
	}
	return logger
}
