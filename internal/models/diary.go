package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Entry status constants (user-facing lifecycle)
const (
	EntryStatusDraft     = "draft"
	EntryStatusConfirmed = "confirmed"
)

// Generation status constants (pipeline lifecycle)
const (
	GenerationStatusCreated    = "created"
	GenerationStatusProcessing = "processing"
	GenerationStatusFailed     = "failed"
	GenerationStatusCompleted  = "completed"
)

// Draft source constants (which tier produced the text)
const (
	DraftSourceLLM           = "llm"
	DraftSourceDeterministic = "deterministic"
	DraftSourceFallback      = "fallback"
)

// DiaryEntry is one diary entry per (userId, date). Created as a placeholder
// the first time a draft is requested, mutated by the generation pipeline and
// by user edits. FinalText, once set, always wins over GeneratedText for
// display.
type DiaryEntry struct {
	ID     primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID string             `bson:"userId" json:"user_id"`
	Date   string             `bson:"date" json:"date"` // YYYY-MM-DD

	Status           string `bson:"status" json:"status"`                     // "draft" or "confirmed"
	GenerationStatus string `bson:"generationStatus" json:"generation_status"` // "created", "processing", "failed", "completed"
	GenerationError  string `bson:"generationError,omitempty" json:"generation_error,omitempty"`

	GeneratedTitle    string   `bson:"generatedTitle,omitempty" json:"generated_title,omitempty"`
	GeneratedText     string   `bson:"generatedText,omitempty" json:"generated_text,omitempty"`
	GenerationSource  string   `bson:"generationSource,omitempty" json:"generation_source,omitempty"` // "llm", "deterministic", "fallback"
	SourceFragmentIDs []string `bson:"sourceFragmentIds,omitempty" json:"source_fragment_ids,omitempty"`

	// FinalText is the user's own account. Nil means the user has not edited
	// the entry yet; empty string is a deliberate blank edit.
	FinalText *string `bson:"finalText,omitempty" json:"final_text,omitempty"`

	CreatedAt time.Time `bson:"createdAt" json:"created_at"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updated_at"`
}

// DisplayText resolves the body shown to the user: the user's edit always
// wins over the generated draft.
func (e *DiaryEntry) DisplayText() string {
	if e.FinalText != nil {
		return *e.FinalText
	}
	return e.GeneratedText
}

// Revision kind constants
const (
	RevisionKindGenerated = "generated"
	RevisionKindEdited    = "edited"
)

// EntryRevision is an immutable record of each write to an entry's body.
type EntryRevision struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	RevisionID string             `bson:"revisionId" json:"revision_id"` // UUID, stable across re-reads
	UserID     string             `bson:"userId" json:"user_id"`
	Date       string             `bson:"date" json:"date"`
	Kind       string             `bson:"kind" json:"kind"` // "generated" or "edited"
	Title      string             `bson:"title,omitempty" json:"title,omitempty"`
	Body       string             `bson:"body" json:"body"`
	Source     string             `bson:"source,omitempty" json:"source,omitempty"` // generation tier for "generated" revisions
	CreatedAt  time.Time          `bson:"createdAt" json:"created_at"`
}
