package analysis

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/feedlens/pkg/models"
)

// Update pairs a persisted cluster with the freshly computed cluster replacing it.
type Update struct {
	OldID   uuid.UUID
	Cluster models.Cluster
}

// Diff is the reconciliation plan between persisted and freshly computed clusters.
// Orphans are persisted clusters with no successor; they are left untouched.
type Diff struct {
	Updates []Update
	Creates []models.Cluster
	Orphans []uuid.UUID
}

// Matcher decides which fresh cluster continues which persisted one.
type Matcher interface {
	Match(existing []*models.Cluster, fresh []models.Cluster) Diff
}

// NewMatcher returns the matcher registered under name ("theme" or "positional").
func NewMatcher(name string, threshold float64) (Matcher, error) {
	switch name {
	case "", "theme":
		return ThemeMatcher{Threshold: threshold}, nil
	case "positional":
		return PositionalMatcher{}, nil
	default:
		return nil, fmt.Errorf("unknown cluster matcher %q", name)
	}
}

// PositionalMatcher pairs the i-th fresh cluster with the i-th persisted one.
// Identity therefore depends on the order both lists come in.
type PositionalMatcher struct{}

func (PositionalMatcher) Match(existing []*models.Cluster, fresh []models.Cluster) Diff {
	var d Diff
	for i, c := range fresh {
		if i < len(existing) {
			d.Updates = append(d.Updates, Update{OldID: existing[i].ID, Cluster: c})
			continue
		}
		d.Creates = append(d.Creates, c)
	}
	for i := len(fresh); i < len(existing); i++ {
		d.Orphans = append(d.Orphans, existing[i].ID)
	}
	return d
}

// DefaultThemeThreshold is the minimum theme similarity for two clusters to be
// considered the same.
const DefaultThemeThreshold = 0.25

// ThemeMatcher pairs clusters by Jaccard similarity of their theme tokens,
// taking the most similar pairs first.
type ThemeMatcher struct {
	Threshold float64
}

func (m ThemeMatcher) Match(existing []*models.Cluster, fresh []models.Cluster) Diff {
	type pair struct {
		old, new int
		score    float64
	}

	oldTokens := make([]map[string]struct{}, len(existing))
	for i, c := range existing {
		oldTokens[i] = ThemeTokens(c.Theme)
	}

	var pairs []pair
	for j, c := range fresh {
		nt := ThemeTokens(c.Theme)
		for i := range existing {
			if s := Jaccard(oldTokens[i], nt); s > 0 && s >= m.Threshold {
				pairs = append(pairs, pair{old: i, new: j, score: s})
			}
		}
	}
	sort.SliceStable(pairs, func(a, b int) bool {
		if pairs[a].score != pairs[b].score {
			return pairs[a].score > pairs[b].score
		}
		if pairs[a].old != pairs[b].old {
			return pairs[a].old < pairs[b].old
		}
		return pairs[a].new < pairs[b].new
	})

	oldTaken := make([]bool, len(existing))
	matchOf := make([]int, len(fresh))
	for j := range matchOf {
		matchOf[j] = -1
	}
	for _, p := range pairs {
		if oldTaken[p.old] || matchOf[p.new] >= 0 {
			continue
		}
		oldTaken[p.old] = true
		matchOf[p.new] = p.old
	}

	var d Diff
	for j, c := range fresh {
		if i := matchOf[j]; i >= 0 {
			d.Updates = append(d.Updates, Update{OldID: existing[i].ID, Cluster: c})
		} else {
			d.Creates = append(d.Creates, c)
		}
	}
	for i, taken := range oldTaken {
		if !taken {
			d.Orphans = append(d.Orphans, existing[i].ID)
		}
	}
	return d
}
