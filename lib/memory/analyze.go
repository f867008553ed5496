// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"fmt"
	"sort"
	"time"
)

// Analysis kinds accepted by Analyze.
const (
	AnalyzePatterns = "patterns"
	AnalyzeTimeline = "timeline"
)

// Report is the result of an Analyze call. Exactly one of Patterns
// and Timeline is set, matching Kind.
type Report struct {
	Kind        string          `json:"kind" cbor:"kind"`
	GeneratedAt time.Time       `json:"generatedAt" cbor:"generatedAt"`
	Patterns    *PatternsReport `json:"patterns,omitempty" cbor:"patterns,omitempty"`
	Timeline    *TimelineReport `json:"timeline,omitempty" cbor:"timeline,omitempty"`
}

// PatternsReport summarizes what the store holds: how tags are used,
// how large values run, and which keys are read most.
type PatternsReport struct {
	EntryCount   int            `json:"entryCount" cbor:"entryCount"`
	TagFrequency map[string]int `json:"tagFrequency" cbor:"tagFrequency"`
	ValueLengths LengthStats    `json:"valueLengths" cbor:"valueLengths"`
	TopAccessed  []AccessStat   `json:"topAccessed" cbor:"topAccessed"`
}

// LengthStats describes the distribution of value sizes in bytes.
type LengthStats struct {
	Count int     `json:"count" cbor:"count"`
	Min   int     `json:"min" cbor:"min"`
	Max   int     `json:"max" cbor:"max"`
	Mean  float64 `json:"mean" cbor:"mean"`
}

// AccessStat pairs a key with its access count.
type AccessStat struct {
	Key         string `json:"key" cbor:"key"`
	AccessCount int64  `json:"accessCount" cbor:"accessCount"`
}

// TimelineReport lists entries chronologically by creation.
type TimelineReport struct {
	Events []TimelineEvent `json:"events" cbor:"events"`

	// PerDay counts creations per UTC day ("2026-08-22").
	PerDay map[string]int `json:"perDay" cbor:"perDay"`
}

// TimelineEvent is one entry's lifecycle timestamps.
type TimelineEvent struct {
	Key       string    `json:"key" cbor:"key"`
	CreatedAt time.Time `json:"createdAt" cbor:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt" cbor:"updatedAt"`
}

// topAccessedLimit bounds the most-accessed list in pattern reports.
const topAccessedLimit = 10

// Analyze produces a derived, read-only report. It never mutates
// entry bookkeeping (analysis is not access), though expired entries
// observed during the scan are still reclaimed.
func (s *Store) Analyze(kind string) (*Report, error) {
	switch kind {
	case AnalyzePatterns, AnalyzeTimeline:
	default:
		return nil, fmt.Errorf("memory: unknown analysis kind %q (want %q or %q)",
			kind, AnalyzePatterns, AnalyzeTimeline)
	}

	s.mu.RLock()
	now := s.clk.Now()
	live := make([]*Entry, 0, len(s.entries))
	var expiredKeys []string
	for key, entry := range s.entries {
		if entry.expired(now) {
			expiredKeys = append(expiredKeys, key)
			continue
		}
		live = append(live, entry.clone())
	}
	s.mu.RUnlock()

	s.reclaim(expiredKeys)

	report := &Report{Kind: kind, GeneratedAt: now}
	switch kind {
	case AnalyzePatterns:
		report.Patterns = buildPatterns(live)
	case AnalyzeTimeline:
		report.Timeline = buildTimeline(live)
	}
	return report, nil
}

func buildPatterns(entries []*Entry) *PatternsReport {
	report := &PatternsReport{
		EntryCount:   len(entries),
		TagFrequency: make(map[string]int),
	}

	totalLength := 0
	for i, entry := range entries {
		for _, tag := range entry.Tags {
			report.TagFrequency[tag]++
		}

		length := len(entry.Value)
		totalLength += length
		if i == 0 || length < report.ValueLengths.Min {
			report.ValueLengths.Min = length
		}
		if length > report.ValueLengths.Max {
			report.ValueLengths.Max = length
		}
	}
	report.ValueLengths.Count = len(entries)
	if len(entries) > 0 {
		report.ValueLengths.Mean = float64(totalLength) / float64(len(entries))
	}

	byAccess := append([]*Entry(nil), entries...)
	sort.Slice(byAccess, func(i, j int) bool {
		if byAccess[i].AccessCount != byAccess[j].AccessCount {
			return byAccess[i].AccessCount > byAccess[j].AccessCount
		}
		return byAccess[i].Key < byAccess[j].Key
	})
	for _, entry := range byAccess {
		if len(report.TopAccessed) == topAccessedLimit {
			break
		}
		report.TopAccessed = append(report.TopAccessed, AccessStat{
			Key:         entry.Key,
			AccessCount: entry.AccessCount,
		})
	}
	return report
}

func buildTimeline(entries []*Entry) *TimelineReport {
	report := &TimelineReport{PerDay: make(map[string]int)}

	sorted := append([]*Entry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].Key < sorted[j].Key
	})

	for _, entry := range sorted {
		report.Events = append(report.Events, TimelineEvent{
			Key:       entry.Key,
			CreatedAt: entry.CreatedAt,
			UpdatedAt: entry.UpdatedAt,
		})
		report.PerDay[entry.CreatedAt.UTC().Format("2006-01-02")]++
	}
	return report
}
