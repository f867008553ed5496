// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseStripsComments(t *testing.T) {
	m, err := Parse([]byte(`{
		// git tool servers
		"workers": [
			{"id": "git-1", "addr": "127.0.0.1:7101", "category": "git", "weight": 2},
			/* temporarily out of rotation
			{"id": "git-2", "addr": "127.0.0.1:7102", "category": "git"},
			*/
			{"id": "search-1", "addr": "127.0.0.1:7201", "category": "search"},
		],
	}`))
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if len(m.Workers) != 2 {
		t.Fatalf("len(Workers) = %d, want 2", len(m.Workers))
	}
	if m.Workers[0].ID != "git-1" || m.Workers[0].Weight != 2 {
		t.Errorf("Workers[0] = %+v, want id git-1 weight 2", m.Workers[0])
	}
	if m.Workers[1].Category != "search" {
		t.Errorf("Workers[1].Category = %q, want search", m.Workers[1].Category)
	}
}

func TestParseRejectsDuplicateIDs(t *testing.T) {
	_, err := Parse([]byte(`{"workers": [
		{"id": "a", "addr": "x:1"},
		{"id": "a", "addr": "x:2"}
	]}`))
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("Parse() error = %v, want duplicate id rejection", err)
	}
}

func TestParseRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"missing id", `{"workers": [{"addr": "x:1"}]}`, "missing id"},
		{"missing addr", `{"workers": [{"id": "a"}]}`, "missing addr"},
		{"negative weight", `{"workers": [{"id": "a", "addr": "x:1", "weight": -1}]}`, "negative weight"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.in))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Parse() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workers.jsonc")
	contents := `{"workers": [{"id": "w", "addr": "127.0.0.1:7000"}]} // fleet`
	if err := os.WriteFile(path, []byte(contents), 0600); err != nil {
		t.Fatalf("writing manifest: %v", err)
	}

	m, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error: %v", err)
	}
	if len(m.Workers) != 1 || m.Workers[0].ID != "w" {
		t.Errorf("ReadFile() = %+v, want one worker w", m.Workers)
	}
}

func TestReadFileMissing(t *testing.T) {
	if _, err := ReadFile(filepath.Join(t.TempDir(), "absent.jsonc")); err == nil {
		t.Fatal("ReadFile() succeeded on a missing file")
	}
}
