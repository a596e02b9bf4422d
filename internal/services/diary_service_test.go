package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"daybreak/internal/crypto"
	"daybreak/internal/models"
)

func newTestDiaryService(store *fakeEntryStore, queue Queue, lock Locker, gen Generator) *DiaryService {
	return NewDiaryService(newFakeUserStore(), store, queue, lock, gen, nil, nil, 10*time.Minute)
}

func TestRequestDraft_InlineEndToEnd(t *testing.T) {
	store := newFakeEntryStore()
	// Real generator, no oracle, no history: the static tier must carry it.
	gen := NewDraftGenerator(nil, nil, store, crypto.NewSafetyService(""))
	svc := newTestDiaryService(store, nil, &fakeLocker{}, gen)

	resp, err := svc.RequestDraft(context.Background(), "user-1", "2026-09-01", "Asia/Tokyo")
	if err != nil {
		t.Fatalf("RequestDraft failed: %v", err)
	}

	if resp.Meta.GenerationStatus != models.GenerationStatusCompleted {
		t.Fatalf("Inline generation should complete, got %s", resp.Meta.GenerationStatus)
	}
	if resp.Meta.Source != models.DraftSourceFallback {
		t.Errorf("New user with no history should get the fallback tier, got %s", resp.Meta.Source)
	}
	if resp.Draft.Body == "" {
		t.Error("Completed draft should have a body")
	}
	if resp.Meta.PollAfterMs != 0 {
		t.Errorf("Completed response should not ask the client to poll, got %d", resp.Meta.PollAfterMs)
	}
	if resp.Meta.Cached {
		t.Error("First response should not be cache-served")
	}

	if store.revisionCount("user-1", "2026-09-01") != 1 {
		t.Error("Inline generation should record one generated revision")
	}
}

func TestRequestDraft_SecondRequestServedFromCache(t *testing.T) {
	store := newFakeEntryStore()
	gen := &fakeGenerator{}
	svc := newTestDiaryService(store, nil, &fakeLocker{}, gen)

	first, err := svc.RequestDraft(context.Background(), "user-1", "2026-09-01", "")
	if err != nil {
		t.Fatalf("First request failed: %v", err)
	}

	second, err := svc.RequestDraft(context.Background(), "user-1", "2026-09-01", "")
	if err != nil {
		t.Fatalf("Second request failed: %v", err)
	}

	if !second.Meta.Cached {
		t.Error("Second request should be cache-served")
	}
	if second.Draft.Body != first.Draft.Body {
		t.Error("Cached response must match the generated draft")
	}
	if gen.callCount() != 1 {
		t.Errorf("Generation should run once, ran %d times", gen.callCount())
	}
	if store.revisionCount("user-1", "2026-09-01") != 1 {
		t.Error("No duplicate revisions on re-request")
	}
}

func TestRequestDraft_QueuePathEnqueues(t *testing.T) {
	store := newFakeEntryStore()
	queue := &fakeQueue{}
	gen := &fakeGenerator{}
	svc := newTestDiaryService(store, queue, &fakeLocker{}, gen)

	resp, err := svc.RequestDraft(context.Background(), "user-1", "2026-09-01", "Europe/Berlin")
	if err != nil {
		t.Fatalf("RequestDraft failed: %v", err)
	}

	if resp.Meta.GenerationStatus != models.GenerationStatusCreated {
		t.Errorf("Queued request should report created, got %s", resp.Meta.GenerationStatus)
	}
	if resp.Meta.PollAfterMs != 1500 {
		t.Errorf("Pending response should carry the poll hint, got %d", resp.Meta.PollAfterMs)
	}
	if queue.countKind(models.QueueKindFutureDraftGenerate) != 1 {
		t.Error("Queued request should enqueue exactly one generation job")
	}
	if gen.callCount() != 0 {
		t.Error("Queued request must not generate inline")
	}

	if queue.messages[0].Timezone != "Europe/Berlin" {
		t.Errorf("Enqueued message should carry the timezone, got %q", queue.messages[0].Timezone)
	}
}

func TestRequestDraft_EnqueueFailureFallsBackInline(t *testing.T) {
	store := newFakeEntryStore()
	queue := &fakeQueue{err: errors.New("queue transport down")}
	gen := &fakeGenerator{}
	svc := newTestDiaryService(store, queue, &fakeLocker{}, gen)

	resp, err := svc.RequestDraft(context.Background(), "user-1", "2026-09-01", "")
	if err != nil {
		t.Fatalf("RequestDraft failed: %v", err)
	}

	if resp.Meta.GenerationStatus != models.GenerationStatusCompleted {
		t.Errorf("Enqueue failure should fall back to inline generation, got %s", resp.Meta.GenerationStatus)
	}
	if gen.callCount() != 1 {
		t.Errorf("Inline fallback should generate once, ran %d times", gen.callCount())
	}
}

func TestRequestDraft_LockHeldReportsCurrentState(t *testing.T) {
	store := newFakeEntryStore()
	lock := &fakeLocker{held: true}
	gen := &fakeGenerator{}
	svc := newTestDiaryService(store, nil, lock, gen)

	resp, err := svc.RequestDraft(context.Background(), "user-1", "2026-09-01", "")
	if err != nil {
		t.Fatalf("RequestDraft failed: %v", err)
	}

	if gen.callCount() != 0 {
		t.Error("Held lock must prevent inline generation")
	}
	if resp.Meta.GenerationStatus != models.GenerationStatusCreated {
		t.Errorf("Expected the placeholder state while another worker generates, got %s", resp.Meta.GenerationStatus)
	}
	if resp.Meta.PollAfterMs == 0 {
		t.Error("Client should be told to poll while the lock is held")
	}
}

func TestRequestDraft_CompletionDuringLockGrantIsServed(t *testing.T) {
	store := newFakeEntryStore()
	lock := &completeOnAcquireLocker{store: store, userID: "user-1", date: "2026-09-01"}
	gen := &fakeGenerator{}
	svc := newTestDiaryService(store, nil, lock, gen)

	resp, err := svc.RequestDraft(context.Background(), "user-1", "2026-09-01", "")
	if err != nil {
		t.Fatalf("RequestDraft failed: %v", err)
	}

	if gen.callCount() != 0 {
		t.Error("A draft finished by another holder must not be regenerated")
	}
	if resp.Meta.GenerationStatus != models.GenerationStatusCompleted {
		t.Fatalf("Expected completed status, got %s", resp.Meta.GenerationStatus)
	}
	if resp.Draft.Body != "The earlier holder's finished draft." {
		t.Errorf("Finished draft was overwritten, got %q", resp.Draft.Body)
	}
	if store.revisionCount("user-1", "2026-09-01") != 1 {
		t.Errorf("Expected only the earlier holder's revision, got %d", store.revisionCount("user-1", "2026-09-01"))
	}
}

func TestRequestDraft_InlineReindexesDraftSources(t *testing.T) {
	store := newFakeEntryStore()
	// Only generation enqueues fail, forcing the inline path while leaving
	// re-index enqueues observable.
	queue := &fakeQueue{err: errors.New("queue refused"), failKind: models.QueueKindFutureDraftGenerate}
	gen := &fakeGenerator{draft: &models.GeneratedDraft{
		Source: models.DraftSourceDeterministic,
		Draft: models.DraftContent{
			Title: "Draft for 2026-09-01",
			Body:  "A canned draft body.",
		},
		SourceEntriesToIndex: []string{"2026-08-31", "2026-08-30"},
	}}
	svc := newTestDiaryService(store, queue, &fakeLocker{}, gen)

	resp, err := svc.RequestDraft(context.Background(), "user-1", "2026-09-01", "")
	if err != nil {
		t.Fatalf("RequestDraft failed: %v", err)
	}
	if resp.Meta.GenerationStatus != models.GenerationStatusCompleted {
		t.Fatalf("Inline generation should complete, got %s", resp.Meta.GenerationStatus)
	}

	if got := queue.countKind(models.QueueKindVectorizeUpsert); got != 3 {
		t.Fatalf("Expected re-index jobs for the draft and both sources, got %d", got)
	}
	indexed := make(map[string]bool)
	for _, msg := range queue.messages {
		if msg.Kind == models.QueueKindVectorizeUpsert {
			indexed[msg.Date] = true
		}
	}
	for _, date := range []string{"2026-09-01", "2026-08-31", "2026-08-30"} {
		if !indexed[date] {
			t.Errorf("Missing re-index job for %s", date)
		}
	}
}

func TestRequestDraft_FailureReportsFailedState(t *testing.T) {
	store := newFakeEntryStore()
	gen := &fakeGenerator{err: errors.New("oracle exploded")}
	svc := newTestDiaryService(store, nil, &fakeLocker{}, gen)

	resp, err := svc.RequestDraft(context.Background(), "user-1", "2026-09-01", "")
	if err != nil {
		t.Fatalf("Inline failure should map to a failed-state response, not an error: %v", err)
	}

	if resp.Meta.GenerationStatus != models.GenerationStatusFailed {
		t.Errorf("Expected failed status, got %s", resp.Meta.GenerationStatus)
	}
	if resp.Meta.GenerationError == "" {
		t.Error("Failed response should carry the error message")
	}
}

func TestRequestDraft_FailedEntryRetriesOnDemand(t *testing.T) {
	store := newFakeEntryStore()
	store.Create(context.Background(), &models.DiaryEntry{
		UserID:           "user-1",
		Date:             "2026-09-01",
		Status:           models.EntryStatusDraft,
		GenerationStatus: models.GenerationStatusFailed,
		GenerationError:  "previous terminal failure",
	})
	gen := &fakeGenerator{}
	svc := newTestDiaryService(store, nil, &fakeLocker{}, gen)

	resp, err := svc.RequestDraft(context.Background(), "user-1", "2026-09-01", "")
	if err != nil {
		t.Fatalf("RequestDraft failed: %v", err)
	}

	if resp.Meta.GenerationStatus != models.GenerationStatusCompleted {
		t.Errorf("A failed entry should regenerate on demand, got %s", resp.Meta.GenerationStatus)
	}
	if gen.callCount() != 1 {
		t.Error("Retry should run the generator")
	}
}

func TestRequestDraft_InvalidHintsSurfaceAsError(t *testing.T) {
	store := newFakeEntryStore()
	gen := &fakeGenerator{err: ErrInvalidStyleHints}
	svc := newTestDiaryService(store, nil, &fakeLocker{}, gen)

	_, err := svc.RequestDraft(context.Background(), "user-1", "2026-09-01", "")
	if !errors.Is(err, ErrInvalidStyleHints) {
		t.Fatalf("Expected ErrInvalidStyleHints, got %v", err)
	}

	entry, getErr := store.Get(context.Background(), "user-1", "2026-09-01")
	if getErr != nil {
		t.Fatalf("Entry should exist: %v", getErr)
	}
	if entry.GenerationStatus != models.GenerationStatusFailed {
		t.Errorf("Configuration errors should persist a failed state, got %s", entry.GenerationStatus)
	}
}

func TestEditEntry_FinalTextWins(t *testing.T) {
	store := newFakeEntryStore()
	gen := &fakeGenerator{}
	svc := newTestDiaryService(store, nil, &fakeLocker{}, gen)

	if _, err := svc.RequestDraft(context.Background(), "user-1", "2026-09-01", ""); err != nil {
		t.Fatalf("Draft generation failed: %v", err)
	}

	edited := "What actually happened: we stayed in and played cards."
	entry, err := svc.EditEntry(context.Background(), "user-1", "2026-09-01", edited, true)
	if err != nil {
		t.Fatalf("EditEntry failed: %v", err)
	}

	if entry.DisplayText() != edited {
		t.Errorf("Edited text must win over the draft, got %q", entry.DisplayText())
	}
	if entry.Status != models.EntryStatusConfirmed {
		t.Errorf("Confirm should flip entry status, got %s", entry.Status)
	}
	if entry.GeneratedText == "" {
		t.Error("The generated draft should survive an edit")
	}

	// The edit must invalidate the cached draft response
	resp, err := svc.RequestDraft(context.Background(), "user-1", "2026-09-01", "")
	if err != nil {
		t.Fatalf("Post-edit request failed: %v", err)
	}
	if resp.Draft.Body != edited {
		t.Errorf("Post-edit response should serve the edited text, got %q", resp.Draft.Body)
	}

	revisions, err := svc.ListRevisions(context.Background(), "user-1", "2026-09-01")
	if err != nil {
		t.Fatalf("ListRevisions failed: %v", err)
	}
	if len(revisions) != 2 {
		t.Fatalf("Expected generated + edited revisions, got %d", len(revisions))
	}
	if revisions[0].Kind != models.RevisionKindEdited {
		t.Errorf("Newest revision should be the edit, got %s", revisions[0].Kind)
	}
}

func TestEditEntry_MissingEntry(t *testing.T) {
	svc := newTestDiaryService(newFakeEntryStore(), nil, &fakeLocker{}, &fakeGenerator{})

	_, err := svc.EditEntry(context.Background(), "user-1", "2026-09-01", "text", false)
	if !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("Expected ErrEntryNotFound, got %v", err)
	}
}

func TestListEntries_RangeOrder(t *testing.T) {
	store := newFakeEntryStore()
	for _, date := range []string{"2026-09-03", "2026-09-01", "2026-09-02", "2026-08-25"} {
		store.Create(context.Background(), &models.DiaryEntry{
			UserID: "user-1", Date: date,
			Status: models.EntryStatusDraft, GenerationStatus: models.GenerationStatusCompleted,
		})
	}
	svc := newTestDiaryService(store, nil, &fakeLocker{}, &fakeGenerator{})

	entries, err := svc.ListEntries(context.Background(), "user-1", "2026-09-01", "2026-09-30")
	if err != nil {
		t.Fatalf("ListEntries failed: %v", err)
	}

	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries in range, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].Date < entries[i-1].Date {
			t.Errorf("Entries should be oldest first: %s before %s", entries[i-1].Date, entries[i].Date)
		}
	}
}
