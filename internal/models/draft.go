package models

// SourceFragment is a scored snippet of prior diary content used as
// generation material. Ephemeral: lives only for one generation call.
type SourceFragment struct {
	ID        string  `json:"id"`
	Date      string  `json:"date"`      // YYYY-MM-DD of the source entry
	Relevance float64 `json:"relevance"` // 0.0-1.0
	Text      string  `json:"text"`
}

// DraftContent is the draft body produced by any generation tier.
type DraftContent struct {
	Title             string   `json:"title"`
	Body              string   `json:"body"`
	SourceFragmentIDs []string `json:"sourceFragmentIds"`
}

// GeneratedDraft is the generation pipeline's output before persistence.
// SourceEntriesToIndex names the recent entries to feed into background
// re-indexing regardless of which tier produced the draft.
type GeneratedDraft struct {
	Source               string       `json:"source"` // "llm", "deterministic", "fallback"
	Draft                DraftContent `json:"draft"`
	SourceEntriesToIndex []string     `json:"sourceEntriesToIndex"` // entry dates (YYYY-MM-DD)
}

// StyleHints configures the deterministic and fallback generation tiers and
// the prompt for the model tier.
type StyleHints struct {
	Tone            string `json:"tone" yaml:"tone"`
	OpeningPhrase   string `json:"opening_phrase" yaml:"opening_phrase"`
	ClosingPhrase   string `json:"closing_phrase" yaml:"closing_phrase"`
	PlaceholderLine string `json:"placeholder_line" yaml:"placeholder_line"`
	MaxParagraphs   int    `json:"max_paragraphs" yaml:"max_paragraphs"`
}
