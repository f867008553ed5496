// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/health"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/version"
	"github.com/nirutyodjai/git-memory-mcp-server-sub017/lib/wire"
)

const defaultSocketPath = "/run/gitmem/fleetd.sock"

// healthyThreshold is the fleet health percentage below which the
// check exits 1.
const healthyThreshold = 80.0

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var (
		socketPath  string
		category    string
		detailed    bool
		writeReport bool
		outputPath  string
		timeout     time.Duration
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("gitmem-health", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&socketPath, "socket", "", "admin socket path (default $GITMEM_SOCKET or "+defaultSocketPath+")")
	flagSet.StringVar(&category, "category", "", "probe only workers in this category")
	flagSet.BoolVar(&detailed, "detailed", false, "print one line per worker")
	flagSet.BoolVar(&writeReport, "report", false, "write the JSON report artifact")
	flagSet.StringVar(&outputPath, "output", "health-report.json", "report artifact path")
	flagSet.DurationVar(&timeout, "timeout", 30*time.Second, "overall request timeout")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}
	if showVersion {
		fmt.Fprintf(stdout, "gitmem-health %s\n", version.Info())
		return 0
	}
	if extra := flagSet.Args(); len(extra) > 0 {
		fmt.Fprintf(stderr, "error: unexpected argument: %s\n", extra[0])
		flagSet.Usage()
		return 2
	}

	if socketPath == "" {
		socketPath = os.Getenv("GITMEM_SOCKET")
	}
	if socketPath == "" {
		socketPath = defaultSocketPath
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fields := map[string]any{}
	if category != "" {
		fields["category"] = category
	}

	var report health.Report
	client := wire.NewClient("unix", socketPath)
	if err := client.Call(ctx, "health/report", fields, &report); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}

	render(stdout, &report, detailed)

	if writeReport {
		if err := writeArtifact(outputPath, &report); err != nil {
			fmt.Fprintf(stderr, "error: %v\n", err)
			return 2
		}
		fmt.Fprintf(stdout, "report written to %s\n", outputPath)
	}

	if report.Summary.HealthPercentage >= healthyThreshold {
		return 0
	}
	return 1
}

// render prints the summary and, when detailed, one line per worker
// grouped by status.
func render(w io.Writer, report *health.Report, detailed bool) {
	summary := report.Summary
	fmt.Fprintf(w, "fleet health: %.1f%% (%d/%d healthy)\n",
		summary.HealthPercentage, summary.HealthyServers, summary.TotalServers)
	fmt.Fprintf(w, "  healthy:     %d\n", summary.HealthyServers)
	fmt.Fprintf(w, "  unhealthy:   %d\n", summary.UnhealthyServers)
	fmt.Fprintf(w, "  unreachable: %d\n", summary.UnreachableServers)

	if !detailed {
		return
	}
	fmt.Fprintln(w)
	groups := [][]health.Result{
		report.Details.Healthy,
		report.Details.Unhealthy,
		report.Details.Unreachable,
	}
	for _, group := range groups {
		for _, result := range group {
			category := result.Category
			if category == "" {
				category = "-"
			}
			fmt.Fprintf(w, "  %-24s %-10s %-12s %5dms",
				result.WorkerID, category, string(result.Status), result.ResponseTimeMS)
			if result.Status == health.StatusHealthy {
				fmt.Fprintf(w, "  cpu %5.1f%%  mem %5.1f%%", result.CPUUsage, result.MemoryUsage)
			}
			if result.Error != "" {
				fmt.Fprintf(w, "  %s", result.Error)
			}
			fmt.Fprintln(w)
		}
	}
}

// writeArtifact persists the report as indented JSON for dashboards
// and CI archives.
func writeArtifact(path string, report *health.Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}
