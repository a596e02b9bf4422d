package services

import "errors"

// Sentinel errors shared across the generation pipeline. Configuration
// errors (ErrInvalidStyleHints) are never retried; ErrNoSource is handled by
// the static-fallback tier and never reaches callers.
var (
	// ErrEntryNotFound means no diary entry exists for the (user, date) pair.
	ErrEntryNotFound = errors.New("diary entry not found")

	// ErrNoSource means the deterministic tier had zero non-empty fragments
	// to write from.
	ErrNoSource = errors.New("no usable source fragments")

	// ErrInvalidStyleHints means the configured style hints cannot produce a
	// draft (maxParagraphs <= 0). A caller-configuration bug: propagated,
	// not swallowed.
	ErrInvalidStyleHints = errors.New("invalid style hints: maxParagraphs must be positive")

	// ErrAlreadyCompleted means the entry already carries a finished draft.
	// Returned by SetProcessing when the completed guard blocks the
	// transition; callers must keep the existing draft instead of
	// regenerating.
	ErrAlreadyCompleted = errors.New("draft generation already completed")
)

// truncateError bounds persisted error messages. Raw internals stay in logs;
// the user-visible message is a few hundred characters at most.
func truncateError(err error) string {
	const maxLen = 300
	msg := err.Error()
	if len(msg) > maxLen {
		return msg[:maxLen]
	}
	return msg
}
