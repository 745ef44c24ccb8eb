package symcache

import (
	"context"
	"slices"
	"strings"

	"github.com/hbollon/go-edlib"
)

const (
	defaultSuggestions = 5
	// minSimilarity is the Jaro-Winkler score a name needs to be suggested.
	minSimilarity = 0.8
)

// Suggest returns up to limit indexed names similar to name, best first.
// It is meant for "did you mean" hints after an empty search.
func (e *Engine) Suggest(ctx context.Context, name string, limit int) ([]string, error) {
	ap, release, err := e.acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	if limit <= 0 {
		limit = defaultSuggestions
	}
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return nil, nil
	}

	type scored struct {
		name  string
		score float32
	}
	var hits []scored
	for _, cand := range ap.index.Names() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		lc := strings.ToLower(cand)
		if lc == needle {
			continue
		}
		score, err := edlib.StringsSimilarity(needle, lc, edlib.JaroWinkler)
		if err != nil || score < minSimilarity {
			continue
		}
		hits = append(hits, scored{cand, score})
	}
	slices.SortFunc(hits, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return strings.Compare(a.name, b.name)
	})

	out := make([]string, 0, min(limit, len(hits)))
	for _, h := range hits[:min(limit, len(hits))] {
		out = append(out, h.name)
	}
	return out, nil
}
