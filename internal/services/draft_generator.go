package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"daybreak/internal/crypto"
	"daybreak/internal/logging"
	"daybreak/internal/models"
)

// Retrieval and prompting budgets.
const (
	recentEntryLimit    = 20  // entries loaded for the recency fallback list
	seedEntryLimit      = 3   // entries seeding the vector query
	indexEntryLimit     = 5   // entries handed to background re-indexing
	mergedFragmentLimit = 10  // merged list cap
	promptFragmentLimit = 5   // fragments shown to the oracle
	promptFragmentChars = 600 // per-fragment text budget
)

// draftSystemPrompt holds the fixed safety and style constraints for the
// model tier. Drafts describe a day that has not happened; the oracle must
// never present them as fact.
const draftSystemPrompt = `You are a diary drafting assistant. Write a short first-person diary draft for a day that has NOT happened yet.

RULES:
- Never assert anything as fact. The day is in the future; write in a tentative, anticipating voice ("I might...", "perhaps...").
- Paraphrase themes from the provided keywords. Never quote or copy prior diary text.
- Respect the requested tone and paragraph count.
- Keep it personal and plain. No lists, no headings, no advice.
- Return JSON with a short optional title and the draft body.`

// DraftGenerator orchestrates retrieval, the text-completion oracle, and the
// deterministic and static fallback tiers. The fallback chain is an ordered
// sequence of fallible steps; the final tier cannot fail.
type DraftGenerator struct {
	completion *CompletionService // nil when no oracle is configured
	vector     *VectorService     // nil when no index is configured
	entries    EntryStore
	safety     *crypto.SafetyService
}

// NewDraftGenerator creates a draft generator. completion and vector may be
// nil; generation then starts at the deterministic tier with recency-only
// retrieval.
func NewDraftGenerator(completion *CompletionService, vector *VectorService, entries EntryStore, safety *crypto.SafetyService) *DraftGenerator {
	return &DraftGenerator{
		completion: completion,
		vector:     vector,
		entries:    entries,
		safety:     safety,
	}
}

// BuildFutureDiaryDraft produces the draft for (userID, date). The only
// returned errors are caller-configuration bugs (ErrInvalidStyleHints) and
// storage failures; oracle and retrieval problems degrade through the tiers.
func (g *DraftGenerator) BuildFutureDiaryDraft(ctx context.Context, userID, date, timezone string, hints models.StyleHints) (*models.GeneratedDraft, error) {
	start := time.Now()
	safetyID := g.safety.SafetyIdentifier(userID)
	glog := logging.WithGeneration(safetyID, date)

	// Recency fallback list: most recent entries strictly before the target
	// date. This is the floor the pipeline always has.
	recent, err := g.entries.ListBefore(ctx, userID, date, recentEntryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent entries: %w", err)
	}
	recencyList := recencyFragments(recent)

	// Vector retrieval is best-effort and never fatal.
	var vectorList []models.SourceFragment
	if g.vector != nil {
		if query := seedQuery(recent); query != "" {
			vectorList, err = SearchRelevantFragments(ctx, g.vector, userID, query, date, g.vector.TopK())
			if err != nil {
				log.Printf("⚠️ [GENERATOR] Vector retrieval failed for %s/%s: %v (continuing with recency list)", safetyID, date, err)
				if m := GetMetrics(); m != nil {
					m.GenerationFailures.WithLabelValues("retrieval").Inc()
				}
				vectorList = nil
			}
		}
	}

	merged := MergeFragments(vectorList, recencyList, mergedFragmentLimit)

	count := len(merged)
	if count > promptFragmentLimit {
		count = promptFragmentLimit
	}
	promptFragments := make([]models.SourceFragment, count)
	copy(promptFragments, merged[:count])
	for i := range promptFragments {
		promptFragments[i].Text = truncateText(promptFragments[i].Text, promptFragmentChars)
	}

	// Re-index the freshest sources regardless of which tier wins below.
	indexDates := make([]string, 0, indexEntryLimit)
	for i, entry := range recent {
		if i == indexEntryLimit {
			break
		}
		indexDates = append(indexDates, entry.Date)
	}

	// Tier 1: model generation.
	if g.completion != nil {
		draft := g.tryModelDraft(ctx, safetyID, date, timezone, hints, promptFragments)
		if draft != nil {
			g.observe(start, models.DraftSourceLLM)
			glog.Debug("draft generated", "source", models.DraftSourceLLM, "fragments", len(promptFragments))
			return &models.GeneratedDraft{
				Source:               models.DraftSourceLLM,
				Draft:                *draft,
				SourceEntriesToIndex: indexDates,
			}, nil
		}
	}

	// Tier 2: deterministic rendering from the merged fragments.
	draft, err := buildDeterministicDraft(merged, date, hints)
	if err == nil {
		g.observe(start, models.DraftSourceDeterministic)
		glog.Debug("draft generated", "source", models.DraftSourceDeterministic, "fragments", len(merged))
		return &models.GeneratedDraft{
			Source:               models.DraftSourceDeterministic,
			Draft:                *draft,
			SourceEntriesToIndex: indexDates,
		}, nil
	}
	if !errors.Is(err, ErrNoSource) {
		// Invalid style hints are a caller-configuration bug, not a
		// fallback condition.
		return nil, err
	}

	// Tier 3: static template. Cannot fail.
	g.observe(start, models.DraftSourceFallback)
	glog.Debug("draft generated", "source", models.DraftSourceFallback)
	return &models.GeneratedDraft{
		Source:               models.DraftSourceFallback,
		Draft:                staticFallbackDraft(hints),
		SourceEntriesToIndex: indexDates,
	}, nil
}

// tryModelDraft runs the oracle tier. Every failure is soft: logged with the
// safety identifier and answered with nil so the caller falls through.
func (g *DraftGenerator) tryModelDraft(ctx context.Context, safetyID, date, timezone string, hints models.StyleHints, fragments []models.SourceFragment) *models.DraftContent {
	userPrompt := buildUserPrompt(date, timezone, hints, fragments)

	result, err := g.completion.CompleteDraft(ctx, draftSystemPrompt, userPrompt, safetyID)
	if err != nil {
		log.Printf("⚠️ [GENERATOR] Oracle tier failed for %s/%s: %v (falling back)", safetyID, date, err)
		if m := GetMetrics(); m != nil {
			m.GenerationFailures.WithLabelValues("oracle").Inc()
		}
		return nil
	}

	ids := make([]string, 0, len(fragments))
	for _, frag := range fragments {
		ids = append(ids, frag.ID)
	}
	return &models.DraftContent{
		Title:             strings.TrimSpace(result.Title),
		Body:              strings.TrimSpace(result.Body),
		SourceFragmentIDs: ids,
	}
}

func (g *DraftGenerator) observe(start time.Time, source string) {
	if m := GetMetrics(); m != nil {
		m.GenerationsTotal.WithLabelValues(source).Inc()
		m.GenerationDuration.Observe(time.Since(start).Seconds())
	}
}

// seedQuery builds the vector query from the most recent source entries.
// Empty when the user has no usable history.
func seedQuery(recent []models.DiaryEntry) string {
	var parts []string
	for i, entry := range recent {
		if i == seedEntryLimit {
			break
		}
		text := strings.TrimSpace(entry.DisplayText())
		if text == "" {
			continue
		}
		parts = append(parts, truncateText(text, 200))
	}
	return strings.Join(parts, "\n")
}

// buildUserPrompt embeds date, timezone, style hints, and keyword-only
// fragment summaries. Raw fragment text never reaches the oracle, which
// deters verbatim copying.
func buildUserPrompt(date, timezone string, hints models.StyleHints, fragments []models.SourceFragment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Draft a diary entry for %s", date)
	if timezone != "" {
		fmt.Fprintf(&b, " (timezone %s)", timezone)
	}
	b.WriteString(".\n")
	if hints.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s.\n", hints.Tone)
	}
	if hints.MaxParagraphs > 0 {
		fmt.Fprintf(&b, "At most %d short paragraphs.\n", hints.MaxParagraphs)
	}

	if len(fragments) == 0 {
		b.WriteString("\nNo prior diary themes are available. Write a gentle, open-ended draft.\n")
		return b.String()
	}

	b.WriteString("\nThemes from recent diary days (keywords only):\n")
	for _, frag := range fragments {
		keywords := keywordSummary(frag.Text, 8)
		if len(keywords) == 0 {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", frag.Date, strings.Join(keywords, ", "))
	}
	return b.String()
}

// stopwords excluded from keyword summaries.
var keywordStopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "was": true, "were": true, "have": true, "had": true,
	"but": true, "not": true, "you": true, "all": true, "she": true,
	"him": true, "her": true, "his": true, "they": true, "them": true,
	"from": true, "then": true, "than": true, "out": true, "about": true,
	"into": true, "just": true, "some": true, "what": true, "when": true,
	"been": true, "would": true, "could": true, "there": true, "today": true,
	"really": true, "very": true, "will": true, "because": true,
}

// keywordSummary reduces fragment text to its distinctive words, in original
// order, deduplicated, at most max entries.
func keywordSummary(text string, max int) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'')
	})

	var keywords []string
	seen := make(map[string]bool)
	for _, word := range words {
		word = strings.Trim(word, "'")
		if utf8.RuneCountInString(word) < 4 || keywordStopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		keywords = append(keywords, word)
		if len(keywords) == max {
			break
		}
	}
	return keywords
}

// buildDeterministicDraft renders merged fragments into a fixed-shape draft:
// the most relevant fragments become one short paragraph each, sandwiched
// between the configured opening and closing phrases. Deterministic for
// identical input.
func buildDeterministicDraft(fragments []models.SourceFragment, date string, hints models.StyleHints) (*models.DraftContent, error) {
	if hints.MaxParagraphs <= 0 {
		return nil, ErrInvalidStyleHints
	}

	ranked := make([]models.SourceFragment, 0, len(fragments))
	for _, frag := range fragments {
		if strings.TrimSpace(frag.Text) != "" {
			ranked = append(ranked, frag)
		}
	}
	if len(ranked) == 0 {
		return nil, ErrNoSource
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Relevance > ranked[j].Relevance
	})
	if len(ranked) > hints.MaxParagraphs {
		ranked = ranked[:hints.MaxParagraphs]
	}

	paragraphs := make([]string, 0, len(ranked)+2)
	paragraphs = append(paragraphs, hints.OpeningPhrase)
	ids := make([]string, 0, len(ranked))
	for _, frag := range ranked {
		paragraphs = append(paragraphs, renderFragmentParagraph(frag))
		ids = append(ids, frag.ID)
	}
	paragraphs = append(paragraphs, hints.ClosingPhrase)

	return &models.DraftContent{
		Title:             "Draft for " + date,
		Body:              strings.Join(paragraphs, "\n\n"),
		SourceFragmentIDs: ids,
	}, nil
}

// renderFragmentParagraph turns one fragment into a one-to-two sentence
// forward-looking paragraph built from its keywords.
func renderFragmentParagraph(frag models.SourceFragment) string {
	keywords := keywordSummary(frag.Text, 4)
	if len(keywords) == 0 {
		return fmt.Sprintf("Maybe the day will echo %s in some small way.", frag.Date)
	}
	if len(keywords) == 1 {
		return fmt.Sprintf("Perhaps %s will come up again, like it did on %s.", keywords[0], frag.Date)
	}
	last := keywords[len(keywords)-1]
	rest := strings.Join(keywords[:len(keywords)-1], ", ")
	return fmt.Sprintf("Perhaps %s and %s will come up again, like they did on %s. It might feel different this time.", rest, last, frag.Date)
}

// staticFallbackDraft is the terminal tier: opening phrase, a fixed
// placeholder line, closing phrase. It cannot fail.
func staticFallbackDraft(hints models.StyleHints) models.DraftContent {
	return models.DraftContent{
		Title: "",
		Body: strings.Join([]string{
			hints.OpeningPhrase,
			hints.PlaceholderLine,
			hints.ClosingPhrase,
		}, "\n\n"),
		SourceFragmentIDs: []string{},
	}
}
