// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

package health

import "time"

// Summary aggregates one probe round.
type Summary struct {
	TotalServers       int     `json:"totalServers" cbor:"totalServers"`
	HealthyServers     int     `json:"healthyServers" cbor:"healthyServers"`
	UnhealthyServers   int     `json:"unhealthyServers" cbor:"unhealthyServers"`
	UnreachableServers int     `json:"unreachableServers" cbor:"unreachableServers"`
	HealthPercentage   float64 `json:"healthPercentage" cbor:"healthPercentage"`
}

// Details groups per-worker results by status. The slices are always
// non-nil so the report serializes with arrays, not nulls.
type Details struct {
	Healthy     []Result `json:"healthy" cbor:"healthy"`
	Unhealthy   []Result `json:"unhealthy" cbor:"unhealthy"`
	Unreachable []Result `json:"unreachable" cbor:"unreachable"`
}

// Report is the full fleet health report served over the admin
// socket and written by the health CLI.
type Report struct {
	Timestamp time.Time `json:"timestamp" cbor:"timestamp"`
	Summary   Summary   `json:"summary" cbor:"summary"`
	Details   Details   `json:"details" cbor:"details"`
}

// BuildReport assembles a report from one probe round. Results keep
// the order CheckAll produced.
func BuildReport(now time.Time, results []Result) *Report {
	report := &Report{
		Timestamp: now,
		Details: Details{
			Healthy:     []Result{},
			Unhealthy:   []Result{},
			Unreachable: []Result{},
		},
	}
	report.Summary.TotalServers = len(results)

	for _, result := range results {
		switch result.Status {
		case StatusHealthy:
			report.Summary.HealthyServers++
			report.Details.Healthy = append(report.Details.Healthy, result)
		case StatusUnhealthy:
			report.Summary.UnhealthyServers++
			report.Details.Unhealthy = append(report.Details.Unhealthy, result)
		case StatusUnreachable:
			report.Summary.UnreachableServers++
			report.Details.Unreachable = append(report.Details.Unreachable, result)
		}
	}

	if len(results) == 0 {
		report.Summary.HealthPercentage = 100
	} else {
		report.Summary.HealthPercentage =
			float64(report.Summary.HealthyServers) / float64(len(results)) * 100
	}
	return report
}
