package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"daybreak/internal/models"
)

// MergeFragments combines two ranked fragment lists by id. Primary entries
// win ties, relative order is primary-then-secondary (no re-sort by
// relevance), and the result is truncated to limit. Pure and total.
func MergeFragments(primary, secondary []models.SourceFragment, limit int) []models.SourceFragment {
	if limit <= 0 {
		return nil
	}

	merged := make([]models.SourceFragment, 0, limit)
	seen := make(map[string]bool)

	for _, frag := range primary {
		if seen[frag.ID] {
			continue
		}
		seen[frag.ID] = true
		merged = append(merged, frag)
		if len(merged) == limit {
			return merged
		}
	}
	for _, frag := range secondary {
		if seen[frag.ID] {
			continue
		}
		seen[frag.ID] = true
		merged = append(merged, frag)
		if len(merged) == limit {
			return merged
		}
	}
	return merged
}

// SearchRelevantFragments queries the vector oracle, drops empty-text
// results, and sorts descending by relevance. The topK budget is enforced in
// the oracle call, not here; the oracle also excludes fragments dated on or
// after beforeDate.
func SearchRelevantFragments(ctx context.Context, vector *VectorService, userID, query, beforeDate string, topK int) ([]models.SourceFragment, error) {
	results, err := vector.Search(ctx, VectorSearchRequest{
		Namespace:  userID,
		Query:      query,
		TopK:       topK,
		BeforeDate: beforeDate,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	fragments := make([]models.SourceFragment, 0, len(results))
	for _, frag := range results {
		if strings.TrimSpace(frag.Text) == "" {
			continue
		}
		fragments = append(fragments, frag)
	}

	sort.SliceStable(fragments, func(i, j int) bool {
		return fragments[i].Relevance > fragments[j].Relevance
	})
	return fragments, nil
}

// recencyFragments builds the fallback fragment list from recent entries,
// newest first, with relevance decaying linearly by position.
func recencyFragments(entries []models.DiaryEntry) []models.SourceFragment {
	n := len(entries)
	fragments := make([]models.SourceFragment, 0, n)
	for i, entry := range entries {
		fragments = append(fragments, models.SourceFragment{
			ID:        fragmentID(entry.UserID, entry.Date),
			Date:      entry.Date,
			Relevance: 1 - float64(i)/float64(n),
			Text:      entry.DisplayText(),
		})
	}
	return fragments
}

// fragmentID derives the stable fragment identity for an entry. The vector
// index uses the same scheme, so merged lists deduplicate correctly.
func fragmentID(userID, date string) string {
	return userID + ":" + date
}

// truncateText bounds fragment text for prompting without splitting the
// final word. Cuts land on rune boundaries so multi-byte text stays valid.
func truncateText(text string, max int) string {
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	cut := runes[:max]
	for i := len(cut) - 1; i > max/2; i-- {
		if cut[i] == ' ' {
			cut = cut[:i]
			break
		}
	}
	return string(cut)
}
