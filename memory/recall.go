package memory

import (
	"math"
	"sort"
	"strings"

	"github.com/daringsby/psyche/core"
)

// tokenize lowercases and splits text into word tokens, dropping very short
// fragments that carry no recall signal.
func tokenize(text string) map[string]int {
	tokens := make(map[string]int)
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if len(f) < 2 {
			continue
		}
		tokens[f]++
	}
	return tokens
}

// overlapScore is a cosine-like token overlap between query and candidate.
// It is deliberately cheap: good enough to surface related impressions
// without an embedding index.
func overlapScore(query, candidate map[string]int) float64 {
	if len(query) == 0 || len(candidate) == 0 {
		return 0
	}
	var dot, qn, cn float64
	for _, n := range query {
		qn += float64(n * n)
	}
	for _, n := range candidate {
		cn += float64(n * n)
	}
	for tok, n := range query {
		if m, ok := candidate[tok]; ok {
			dot += float64(n * m)
		}
	}
	if dot == 0 {
		return 0
	}
	return dot / (math.Sqrt(qn) * math.Sqrt(cn))
}

// rankImpressions scores candidates against the query and returns the top
// limit excerpts, best first. Zero-score candidates are dropped.
func rankImpressions(query string, candidates []core.Impression, limit int) []core.Excerpt {
	qTokens := tokenize(query)
	excerpts := make([]core.Excerpt, 0, len(candidates))
	for _, imp := range candidates {
		score := overlapScore(qTokens, tokenize(imp.Narrative))
		if score == 0 {
			continue
		}
		excerpts = append(excerpts, core.Excerpt{ID: imp.ID, Text: imp.Narrative, Score: score})
	}
	sort.SliceStable(excerpts, func(i, j int) bool { return excerpts[i].Score > excerpts[j].Score })
	if limit > 0 && len(excerpts) > limit {
		excerpts = excerpts[:limit]
	}
	return excerpts
}
