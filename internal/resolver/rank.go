package resolver

import (
	"math"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/trackline/trackline/internal/track"
)

// Relevance weights, highest first
const (
	weightExactTitle   = 100.0
	weightTitlePrefix  = 60.0
	weightTitleContain = 40.0
	weightWordOverlap  = 30.0
	weightPlayable     = 10.0
	weightPopularity   = 1.5
	penaltyNegative    = 50.0

	// maxPopularity keeps view counts below provider preference
	maxPopularity = weightPlayable - 1
)

// Match weights for resolveForPlayback, summing to 1
const (
	matchTitleWeight    = 0.45
	matchAuthorWeight   = 0.35
	matchDurationWeight = 0.20
)

type candidate struct {
	track *track.Track
	score float64
	order int
}

// relevance scores t against a free-text query
func relevance(query string, t *track.Track, negativeHints []string) float64 {
	q := track.Normalize(query)
	title := track.Normalize(t.Title)
	if q == "" || title == "" {
		return 0
	}

	var score float64
	switch {
	case title == q:
		score += weightExactTitle
	case strings.HasPrefix(title, q):
		score += weightTitlePrefix
	case strings.Contains(title, q):
		score += weightTitleContain
	}

	score += coverage(track.Tokens(query), track.Tokens(t.Title+" "+t.Author)) * weightWordOverlap

	if t.Provider.Playable() {
		score += weightPlayable
	}
	if t.ViewCount > 0 {
		score += math.Min(math.Log10(float64(t.ViewCount)+1)*weightPopularity, maxPopularity)
	}

	for _, hint := range negativeHints {
		if containsPhrase(title, hint) && !containsPhrase(q, hint) {
			score -= penaltyNegative
		}
	}
	return score
}

// coverage is the fraction of want tokens present in have
func coverage(want, have []string) float64 {
	if len(want) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(have))
	for _, h := range have {
		set[h] = struct{}{}
	}
	hits := 0
	for _, w := range want {
		if _, ok := set[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(want))
}

// containsPhrase matches whole words of the normalized phrase inside normalized text
func containsPhrase(text, phrase string) bool {
	phrase = track.Normalize(phrase)
	if phrase == "" {
		return false
	}
	return strings.Contains(" "+text+" ", " "+phrase+" ")
}

// rankResults merges per-provider results: duplicates by normalized
// (title, author) keep their best-scoring copy, then order by score.
func rankResults(query string, results []*track.Track, negativeHints []string, limit int) []*track.Track {
	best := make(map[string]*candidate)
	order := 0
	for _, t := range results {
		if t == nil || t.Title == "" {
			continue
		}
		c := &candidate{track: t, score: relevance(query, t, negativeHints), order: order}
		order++

		key := t.DedupeKey()
		if prev, ok := best[key]; ok && prev.score >= c.score {
			continue
		} else if ok {
			c.order = prev.order
		}
		best[key] = c
	}

	ranked := make([]*candidate, 0, len(best))
	for _, c := range best {
		ranked = append(ranked, c)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].order < ranked[j].order
	})

	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]*track.Track, len(ranked))
	for i, c := range ranked {
		out[i] = c.track
	}
	return out
}

// durationTolerance is max(6s, 8% of the target)
func durationTolerance(targetMs int64) int64 {
	tol := targetMs * 8 / 100
	if tol < 6000 {
		tol = 6000
	}
	return tol
}

// matchScore rates cand as a playable stand-in for target, from 0 to 1
func matchScore(target, cand *track.Track) float64 {
	titleScore := coverage(track.Tokens(target.Title), track.Tokens(cand.Title))

	// uploaders often carry the artist in the title instead ("Artist - Song")
	authorScore := coverage(track.Tokens(target.Author), track.Tokens(cand.Author+" "+cand.Title))
	if target.Author == "" {
		authorScore = titleScore
	}

	score := titleScore*matchTitleWeight + authorScore*matchAuthorWeight
	if target.DurationMs > 0 && cand.DurationMs > 0 {
		diff := target.DurationMs - cand.DurationMs
		if diff < 0 {
			diff = -diff
		}
		if diff <= durationTolerance(target.DurationMs) {
			score += matchDurationWeight
		}
	}
	return score
}

// bestMatch picks the highest matchScore; ties go to the closer title by
// edit distance, then to the earlier candidate
func bestMatch(target *track.Track, cands []*track.Track) (*track.Track, float64) {
	var best *track.Track
	bestScore, bestDist := -1.0, 0
	want := track.Normalize(target.Title)

	for _, c := range cands {
		score := matchScore(target, c)
		dist := fuzzy.LevenshteinDistance(want, track.Normalize(c.Title))
		if score > bestScore || (score == bestScore && dist < bestDist) {
			best, bestScore, bestDist = c, score, dist
		}
	}
	return best, bestScore
}
