// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

// Package manifest parses the fleet manifest: the JSONC file listing
// workers the coordinator registers at boot. JSONC (JSON extended
// with // line comments, /* block comments */, and trailing commas)
// lets operators annotate and comment out entries without breaking
// the file.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// Manifest is the parsed fleet manifest.
type Manifest struct {
	// Workers are registered in file order at daemon startup.
	Workers []Worker `json:"workers"`
}

// Worker is one seed registration.
type Worker struct {
	// ID is the worker's unique identity.
	ID string `json:"id"`

	// Addr is the probe endpoint (host:port of the worker's health
	// listener).
	Addr string `json:"addr"`

	// PID is the launcher-owned process handle, recorded for
	// operator reference only.
	PID int `json:"pid,omitempty"`

	// Category groups workers for filtered health checks
	// (e.g. git, memory, search).
	Category string `json:"category,omitempty"`

	// Weight is the relative capacity for weighted selection.
	// Omitted or zero means 1.
	Weight int `json:"weight,omitempty"`
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals the result and validates it.
func Parse(data []byte) (*Manifest, error) {
	stripped := jsonc.ToJSON(data)

	var m Manifest
	if err := json.Unmarshal(stripped, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// ReadFile reads and parses a JSONC manifest from disk.
func ReadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// validate checks that every worker has an id and address, ids are
// unique, and weights are non-negative.
func (m *Manifest) validate() error {
	seen := make(map[string]bool, len(m.Workers))
	for i, w := range m.Workers {
		if w.ID == "" {
			return fmt.Errorf("workers[%d]: missing id", i)
		}
		if w.Addr == "" {
			return fmt.Errorf("workers[%d] (%s): missing addr", i, w.ID)
		}
		if w.Weight < 0 {
			return fmt.Errorf("workers[%d] (%s): negative weight %d", i, w.ID, w.Weight)
		}
		if seen[w.ID] {
			return fmt.Errorf("duplicate worker id %q", w.ID)
		}
		seen[w.ID] = true
	}
	return nil
}
