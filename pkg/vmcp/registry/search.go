// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"sort"
	"strings"
)

// SearchResult is one scored hit from the fuzzy index.
type SearchResult struct {
	NsID        string
	Kind        CapabilityKind
	Name        string
	Description string
	BackendID   string
	Score       float64
}

// indexEntry is the searchable projection of a registry entry.
type indexEntry struct {
	nsID        string
	kind        CapabilityKind
	name        string
	description string
	backendID   string
}

type searchIndex struct {
	entries []indexEntry
}

// rebuildIndexLocked reprojects the index from the live entry maps.
// Callers hold the writer lock.
func (r *Registry) rebuildIndexLocked() {
	var entries []indexEntry
	for id, rec := range r.backends {
		for nsID, t := range rec.tools {
			entries = append(entries, indexEntry{
				nsID: nsID, kind: KindTool, name: rec.natives[nsID],
				description: t.Description, backendID: id,
			})
		}
		for nsID, p := range rec.prompts {
			entries = append(entries, indexEntry{
				nsID: nsID, kind: KindPrompt, name: rec.natives[nsID],
				description: p.Description, backendID: id,
			})
		}
		for nsURI, res := range rec.resources {
			entries = append(entries, indexEntry{
				nsID: nsURI, kind: KindResource, name: rec.natives[nsURI],
				description: res.Description, backendID: id,
			})
		}
		for nsID, rt := range rec.templates {
			entries = append(entries, indexEntry{
				nsID: nsID, kind: KindResourceTemplate, name: rec.natives[nsID],
				description: rt.Description, backendID: id,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].nsID < entries[j].nsID })
	r.index = searchIndex{entries: entries}
}

// nameBoost weights name matches over description matches.
const nameBoost = 2.0

// Search scores registry entries against the query using prefix,
// substring and bounded edit-distance matching. Results descend by
// score with lexicographic nsId tie-breaks. An empty kinds slice
// searches everything.
func (r *Registry) Search(query string, kinds ...CapabilityKind) []SearchResult {
	r.mu.RLock()
	entries := r.index.entries
	r.mu.RUnlock()

	kindSet := make(map[CapabilityKind]bool, len(kinds))
	for _, k := range kinds {
		kindSet[k] = true
	}

	var results []SearchResult
	for _, e := range entries {
		if len(kindSet) > 0 && !kindSet[e.kind] {
			continue
		}
		score := nameBoost*fieldScore(query, e.name) + fieldScore(query, e.description)
		if score <= 0 {
			continue
		}
		results = append(results, SearchResult{
			NsID: e.nsID, Kind: e.kind, Name: e.name,
			Description: e.description, BackendID: e.backendID, Score: score,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].NsID < results[j].NsID
	})
	return results
}

// fieldScore rates how well query matches one field in [0, 1].
// Exact > prefix > substring > fuzzy within the edit-distance budget
// (0.2 x query length, minimum 1).
func fieldScore(query, field string) float64 {
	if query == "" || field == "" {
		return 0
	}
	q := strings.ToLower(query)
	f := strings.ToLower(field)

	switch {
	case f == q:
		return 1.0
	case strings.HasPrefix(f, q):
		return 0.9
	case strings.Contains(f, q):
		return 0.7
	}

	budget := len(q) / 5
	if budget < 1 {
		budget = 1
	}
	candidates := strings.FieldsFunc(f, func(r rune) bool {
		return r == ' ' || r == '_' || r == '-' || r == '/' || r == '.' || r == ':'
	})
	candidates = append(candidates, f)
	best := budget + 1
	for _, token := range candidates {
		if d := boundedEditDistance(q, token, budget); d < best {
			best = d
		}
	}
	if best > budget {
		return 0
	}
	return 0.6 * (1.0 - float64(best)/float64(len(q)))
}

// boundedEditDistance computes Levenshtein distance between a and b,
// giving up (returning bound+1) as soon as the distance must exceed
// bound.
func boundedEditDistance(a, b string, bound int) int {
	if abs(len(a)-len(b)) > bound {
		return bound + 1
	}
	if a == b {
		return 0
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		rowMin := curr[0]
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
			if curr[j] < rowMin {
				rowMin = curr[j]
			}
		}
		if rowMin > bound {
			return bound + 1
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
