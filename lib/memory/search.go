// Copyright 2026 The Git Memory Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"regexp"
	"sort"
	"strings"
)

// SearchResult is one similarity hit.
type SearchResult struct {
	Entry *Entry  `json:"entry" cbor:"entry"`
	Score float64 `json:"score" cbor:"score"`
}

// Search ranks live entries by Jaccard token overlap with the query:
// |intersection| / |union| over the case-folded, punctuation-stripped,
// stemmed token sets of the query and of the entry's key, value, and
// tags. Entries scoring 0 are excluded. Results sort by score
// descending, ties by recency (UpdatedAt descending, then key).
//
// With fuzzy enabled, a query token and entry token also count as
// overlapping when one contains the other, so "tok" matches
// "tokenizer" without an exact stem hit.
//
// Returned entries count as accessed: their AccessCount is bumped and
// UpdatedAt refreshed, like Get.
func (s *Store) Search(query string, fuzzy bool, limit int) []SearchResult {
	queryTokens := tokenSet(query)
	if len(queryTokens) == 0 {
		return nil
	}

	type scored struct {
		key   string
		score float64
	}

	s.mu.RLock()
	now := s.clk.Now()
	var hits []scored
	var expiredKeys []string
	for key, entry := range s.entries {
		if entry.expired(now) {
			expiredKeys = append(expiredKeys, key)
			continue
		}
		score := jaccard(queryTokens, entryTokens(entry), fuzzy)
		if score > 0 {
			hits = append(hits, scored{key: key, score: score})
		}
	}
	recency := make(map[string]int64, len(hits))
	for _, hit := range hits {
		recency[hit.key] = s.entries[hit.key].UpdatedAt.UnixNano()
	}
	s.mu.RUnlock()

	s.reclaim(expiredKeys)

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		if recency[hits[i].key] != recency[hits[j].key] {
			return recency[hits[i].key] > recency[hits[j].key]
		}
		return hits[i].key < hits[j].key
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}

	// Bump the returned entries under the write lock. An entry may
	// have been deleted since the scan; skip those.
	results := make([]SearchResult, 0, len(hits))
	s.mu.Lock()
	bumpTime := s.clk.Now()
	for _, hit := range hits {
		entry, ok := s.entries[hit.key]
		if !ok || entry.expired(bumpTime) {
			continue
		}
		entry.AccessCount++
		entry.UpdatedAt = bumpTime
		results = append(results, SearchResult{Entry: entry.clone(), Score: hit.score})
	}
	s.mu.Unlock()

	return results
}

// wordPattern splits text into lowercase alphanumeric runs; all
// punctuation and JSON syntax falls away.
var wordPattern = regexp.MustCompile(`[a-z0-9]+`)

// tokenSet tokenizes text into the set of stemmed tokens. Tokens
// shorter than two characters are noise and dropped.
func tokenSet(text string) map[string]struct{} {
	matches := wordPattern.FindAllString(strings.ToLower(text), -1)
	set := make(map[string]struct{}, len(matches))
	for _, match := range matches {
		if len(match) < 2 {
			continue
		}
		set[stem(match)] = struct{}{}
	}
	return set
}

// entryTokens builds the entry's token set from its key, raw value
// text, and tags.
func entryTokens(entry *Entry) map[string]struct{} {
	var builder strings.Builder
	builder.WriteString(entry.Key)
	builder.WriteByte(' ')
	builder.Write(entry.Value)
	for _, tag := range entry.Tags {
		builder.WriteByte(' ')
		builder.WriteString(tag)
	}
	return tokenSet(builder.String())
}

// stem strips common English suffixes so "commits", "committed", and
// "committing" collapse toward a shared stem. This is deliberately a
// light-weight suffix stripper, not a full Porter stemmer; identical
// treatment of query and entry tokens is what matters for overlap
// scoring, not linguistic accuracy.
func stem(token string) string {
	for _, suffix := range []string{"ing", "ies", "ed", "es", "s"} {
		if strings.HasSuffix(token, suffix) && len(token)-len(suffix) >= 3 {
			return token[:len(token)-len(suffix)]
		}
	}
	return token
}

// jaccard computes |intersection| / |union| of the two token sets.
// In fuzzy mode a pair of tokens where one contains the other counts
// toward the intersection even without an exact match.
func jaccard(query, entry map[string]struct{}, fuzzy bool) float64 {
	if len(query) == 0 || len(entry) == 0 {
		return 0
	}

	intersection := 0
	for token := range query {
		if _, ok := entry[token]; ok {
			intersection++
			continue
		}
		if fuzzy && fuzzyContains(entry, token) {
			intersection++
		}
	}

	union := len(query) + len(entry) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// fuzzyContains reports whether any entry token contains the query
// token or vice versa.
func fuzzyContains(entry map[string]struct{}, queryToken string) bool {
	for entryToken := range entry {
		if strings.Contains(entryToken, queryToken) || strings.Contains(queryToken, entryToken) {
			return true
		}
	}
	return false
}
