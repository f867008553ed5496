// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Target identifies one worker to probe.
type Target struct {
	WorkerID string
	Addr     string
	Category string
}

// ProbeReport is the raw outcome of a completed probe. A probe that
// reached the worker but found it failing reports Healthy=false with
// a nil error; only transport-level failures surface as errors.
type ProbeReport struct {
	Healthy     bool
	CPUUsage    float64
	MemoryUsage float64
}

// Prober performs one health probe against a worker. Implementations
// must honor ctx cancellation; the monitor imposes the hard timeout.
type Prober interface {
	Probe(ctx context.Context, target Target) (ProbeReport, error)
}

// maxHealthBody bounds how much of a health response we read.
const maxHealthBody = 64 << 10

// HTTPProber probes workers over GET /healthz. A 200 response with a
// parseable body reports the worker's own load figures; any other
// completed response means the worker is up but failing.
type HTTPProber struct {
	// Client is the HTTP client used for probes. The monitor's
	// per-probe context carries the timeout, so the client itself
	// needs none.
	Client *http.Client
}

// healthzBody is the JSON shape workers serve on /healthz.
type healthzBody struct {
	Status      string  `json:"status"`
	CPUUsage    float64 `json:"cpuUsage"`
	MemoryUsage float64 `json:"memoryUsage"`
	Uptime      float64 `json:"uptimeSeconds"`
}

func (p *HTTPProber) Probe(ctx context.Context, target Target) (ProbeReport, error) {
	url := fmt.Sprintf("http://%s/healthz", target.Addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ProbeReport{}, fmt.Errorf("building probe request for %s: %w", target.WorkerID, err)
	}

	client := p.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return ProbeReport{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody))
	if err != nil {
		return ProbeReport{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return ProbeReport{}, nil
	}

	// A 200 with an unparseable body still counts as a completed
	// probe: the worker responded, it just isn't well.
	var parsed healthzBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ProbeReport{}, nil
	}
	return ProbeReport{
		Healthy:     parsed.Status == "ok",
		CPUUsage:    parsed.CPUUsage,
		MemoryUsage: parsed.MemoryUsage,
	}, nil
}
