package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"daybreak/internal/lockservice"
	"daybreak/internal/models"
)

func generateDelivery(t *testing.T, attempt int, userID, date string) *fakeDelivery {
	t.Helper()
	payload, err := json.Marshal(models.GenerationQueueMessage{
		Kind:     models.QueueKindFutureDraftGenerate,
		UserID:   userID,
		Date:     date,
		Timezone: "Asia/Tokyo",
	})
	if err != nil {
		t.Fatalf("Failed to marshal message: %v", err)
	}
	return &fakeDelivery{payload: payload, attempt: attempt}
}

func newTestWorker(store *fakeEntryStore, users *fakeUserStore, lock *fakeLocker, gen *fakeGenerator, queue *fakeQueue) *GenerationWorker {
	return NewGenerationWorker(users, store, lock, gen, queue, nil, nil, nil, 10*time.Minute, 5)
}

func TestHandleDelivery_GeneratesAndAcks(t *testing.T) {
	store := newFakeEntryStore()
	users := newFakeUserStore()
	lock := &fakeLocker{}
	gen := &fakeGenerator{}
	queue := &fakeQueue{}
	worker := newTestWorker(store, users, lock, gen, queue)

	d := generateDelivery(t, 1, "user-1", "2026-09-01")
	worker.HandleDelivery(context.Background(), d)

	if !d.acked {
		t.Fatal("Successful generation should ack")
	}
	if d.retried {
		t.Fatal("Successful generation should not retry")
	}

	entry, err := store.Get(context.Background(), "user-1", "2026-09-01")
	if err != nil {
		t.Fatalf("Entry should exist after generation: %v", err)
	}
	if entry.GenerationStatus != models.GenerationStatusCompleted {
		t.Errorf("Expected completed status, got %s", entry.GenerationStatus)
	}
	if entry.GeneratedText == "" {
		t.Error("Completed entry should carry the draft body")
	}
	if lock.releases != 1 {
		t.Errorf("Lock should be released exactly once, got %d", lock.releases)
	}
	if store.revisionCount("user-1", "2026-09-01") != 1 {
		t.Error("Generation should record one revision")
	}
	if queue.countKind(models.QueueKindVectorizeUpsert) == 0 {
		t.Error("Generation should enqueue a re-index job")
	}
}

func TestHandleDelivery_CompletedEntryIsIdempotent(t *testing.T) {
	store := newFakeEntryStore()
	store.Create(context.Background(), &models.DiaryEntry{
		UserID:           "user-1",
		Date:             "2026-09-01",
		Status:           models.EntryStatusDraft,
		GenerationStatus: models.GenerationStatusCompleted,
		GeneratedText:    "already done",
	})
	gen := &fakeGenerator{}
	worker := newTestWorker(store, newFakeUserStore(), &fakeLocker{}, gen, &fakeQueue{})

	d := generateDelivery(t, 2, "user-1", "2026-09-01")
	worker.HandleDelivery(context.Background(), d)

	if !d.acked {
		t.Fatal("Redelivered completed entry should ack")
	}
	if gen.callCount() != 0 {
		t.Error("Completed entry must not regenerate")
	}
	if store.revisionCount("user-1", "2026-09-01") != 0 {
		t.Error("Redelivery must not duplicate revisions")
	}
}

// completeOnAcquireLocker finishes the entry at grant time, standing in for
// a previous lease holder that completed between the caller's status read
// and the lock acquisition.
type completeOnAcquireLocker struct {
	store  *fakeEntryStore
	userID string
	date   string
}

func (l *completeOnAcquireLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (lockservice.AcquireResult, error) {
	if err := l.store.SetCompleted(ctx, l.userID, l.date, models.DraftContent{
		Title: "Draft for " + l.date,
		Body:  "The earlier holder's finished draft.",
	}, models.DraftSourceLLM); err != nil {
		return lockservice.AcquireResult{}, err
	}
	if err := l.store.AppendRevision(ctx, &models.EntryRevision{
		RevisionID: "rev-earlier",
		UserID:     l.userID,
		Date:       l.date,
		Kind:       models.RevisionKindGenerated,
		Body:       "The earlier holder's finished draft.",
		Source:     models.DraftSourceLLM,
	}); err != nil {
		return lockservice.AcquireResult{}, err
	}
	return lockservice.AcquireResult{Acquired: true, LockedUntilMs: time.Now().Add(ttl).UnixMilli()}, nil
}

func (l *completeOnAcquireLocker) Release(context.Context, string) error { return nil }

func TestHandleDelivery_LateCompletionByEarlierHolderWins(t *testing.T) {
	store := newFakeEntryStore()
	store.Create(context.Background(), &models.DiaryEntry{
		UserID:           "user-1",
		Date:             "2026-09-01",
		Status:           models.EntryStatusDraft,
		GenerationStatus: models.GenerationStatusProcessing,
	})
	lock := &completeOnAcquireLocker{store: store, userID: "user-1", date: "2026-09-01"}
	gen := &fakeGenerator{}
	worker := NewGenerationWorker(newFakeUserStore(), store, lock, gen, &fakeQueue{}, nil, nil, nil, 10*time.Minute, 5)

	d := generateDelivery(t, 2, "user-1", "2026-09-01")
	worker.HandleDelivery(context.Background(), d)

	if !d.acked {
		t.Fatal("A completed entry should ack the redelivery")
	}
	if gen.callCount() != 0 {
		t.Error("The earlier holder's completion must prevent regeneration")
	}

	entry, err := store.Get(context.Background(), "user-1", "2026-09-01")
	if err != nil {
		t.Fatalf("Entry should exist: %v", err)
	}
	if entry.GeneratedText != "The earlier holder's finished draft." {
		t.Errorf("Finished draft was overwritten, got %q", entry.GeneratedText)
	}
	if store.revisionCount("user-1", "2026-09-01") != 1 {
		t.Errorf("Expected only the earlier holder's revision, got %d", store.revisionCount("user-1", "2026-09-01"))
	}
}

func TestHandleDelivery_ReindexesDraftSources(t *testing.T) {
	store := newFakeEntryStore()
	gen := &fakeGenerator{draft: &models.GeneratedDraft{
		Source: models.DraftSourceDeterministic,
		Draft: models.DraftContent{
			Title: "Draft for 2026-09-01",
			Body:  "A canned draft body.",
		},
		SourceEntriesToIndex: []string{"2026-08-31", "2026-08-30"},
	}}
	queue := &fakeQueue{}
	worker := newTestWorker(store, newFakeUserStore(), &fakeLocker{}, gen, queue)

	d := generateDelivery(t, 1, "user-1", "2026-09-01")
	worker.HandleDelivery(context.Background(), d)

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

func TestHandleDelivery_UnknownKindDropped(t *testing.T) {
	worker := newTestWorker(newFakeEntryStore(), newFakeUserStore(), &fakeLocker{}, &fakeGenerator{}, &fakeQueue{})

	d := &fakeDelivery{payload: []byte(`{"kind":"mystery","userId":"u","date":"2026-09-01"}`), attempt: 1}
	worker.HandleDelivery(context.Background(), d)

	if !d.acked {
		t.Error("Unknown message kinds should ack and drop")
	}
	if d.retried {
		t.Error("Unknown message kinds should never retry")
	}
}

func TestHandleDelivery_MalformedPayloadDropped(t *testing.T) {
	worker := newTestWorker(newFakeEntryStore(), newFakeUserStore(), &fakeLocker{}, &fakeGenerator{}, &fakeQueue{})

	d := &fakeDelivery{payload: []byte(`{not json`), attempt: 1}
	worker.HandleDelivery(context.Background(), d)

	if !d.acked {
		t.Error("Malformed payloads should ack and drop")
	}
}

func TestHandleDelivery_FailureRetriesWithBackoff(t *testing.T) {
	for attempt := 1; attempt <= 4; attempt++ {
		store := newFakeEntryStore()
		gen := &fakeGenerator{err: errors.New("transient storage failure")}
		worker := newTestWorker(store, newFakeUserStore(), &fakeLocker{}, gen, &fakeQueue{})

		d := generateDelivery(t, attempt, "user-1", "2026-09-01")
		worker.HandleDelivery(context.Background(), d)

		if !d.retried {
			t.Fatalf("Attempt %d should retry", attempt)
		}
		if d.acked {
			t.Fatalf("Attempt %d should not ack", attempt)
		}

		want := time.Duration(attempt) * 5 * time.Second
		if d.retryDelay != want {
			t.Errorf("Attempt %d: expected delay %s, got %s", attempt, want, d.retryDelay)
		}

		entry, err := store.Get(context.Background(), "user-1", "2026-09-01")
		if err != nil {
			t.Fatalf("Entry should exist: %v", err)
		}
		if entry.GenerationStatus != models.GenerationStatusCreated {
			t.Errorf("Retryable failure should reset to created, got %s", entry.GenerationStatus)
		}
		if entry.GenerationError == "" {
			t.Error("Retryable failure should record the error")
		}
	}
}

func TestHandleDelivery_TerminalFailureAfterMaxAttempts(t *testing.T) {
	store := newFakeEntryStore()
	gen := &fakeGenerator{err: errors.New("persistent failure")}
	worker := newTestWorker(store, newFakeUserStore(), &fakeLocker{}, gen, &fakeQueue{})

	d := generateDelivery(t, 5, "user-1", "2026-09-01")
	worker.HandleDelivery(context.Background(), d)

	if !d.acked {
		t.Fatal("Final attempt should ack so the message stops redelivering")
	}
	if d.retried {
		t.Fatal("Final attempt should not retry")
	}

	entry, err := store.Get(context.Background(), "user-1", "2026-09-01")
	if err != nil {
		t.Fatalf("Entry should exist: %v", err)
	}
	if entry.GenerationStatus != models.GenerationStatusFailed {
		t.Errorf("Expected failed status, got %s", entry.GenerationStatus)
	}
	if entry.GenerationError == "" {
		t.Error("Failed entry should record the error")
	}
}

func TestHandleDelivery_ConfigErrorFailsImmediately(t *testing.T) {
	store := newFakeEntryStore()
	gen := &fakeGenerator{err: ErrInvalidStyleHints}
	worker := newTestWorker(store, newFakeUserStore(), &fakeLocker{}, gen, &fakeQueue{})

	// First attempt: a configuration error skips the retry budget entirely
	d := generateDelivery(t, 1, "user-1", "2026-09-01")
	worker.HandleDelivery(context.Background(), d)

	if !d.acked {
		t.Fatal("Configuration errors should ack immediately")
	}
	if d.retried {
		t.Fatal("Retrying cannot fix a configuration error")
	}

	entry, _ := store.Get(context.Background(), "user-1", "2026-09-01")
	if entry.GenerationStatus != models.GenerationStatusFailed {
		t.Errorf("Expected failed status, got %s", entry.GenerationStatus)
	}
}

func TestHandleDelivery_LockHeldBacksOff(t *testing.T) {
	store := newFakeEntryStore()
	lock := &fakeLocker{held: true, heldUntilMs: time.Now().Add(30 * time.Second).UnixMilli()}
	gen := &fakeGenerator{}
	worker := newTestWorker(store, newFakeUserStore(), lock, gen, &fakeQueue{})

	d := generateDelivery(t, 1, "user-1", "2026-09-01")
	worker.HandleDelivery(context.Background(), d)

	if !d.retried {
		t.Fatal("Held lock should schedule a redelivery")
	}
	if d.acked {
		t.Fatal("Held lock should not ack")
	}
	if gen.callCount() != 0 {
		t.Error("Held lock must prevent generation")
	}
	if d.retryDelay < 5*time.Second {
		t.Errorf("Backoff should be at least 5s, got %s", d.retryDelay)
	}
	if lock.releases != 0 {
		t.Error("A lock we never held must not be released")
	}
}

func TestHandleDelivery_LockTransportFailureRetries(t *testing.T) {
	lock := &fakeLocker{transportErr: errors.New("connection refused")}
	worker := newTestWorker(newFakeEntryStore(), newFakeUserStore(), lock, &fakeGenerator{}, &fakeQueue{})

	d := generateDelivery(t, 1, "user-1", "2026-09-01")
	worker.HandleDelivery(context.Background(), d)

	if !d.retried {
		t.Fatal("Unreachable lock transport should redeliver")
	}
	if d.retryDelay != 10*time.Second {
		t.Errorf("Expected 10s transport-failure delay, got %s", d.retryDelay)
	}
}

func TestHandleDelivery_VectorizeWithoutServiceAcks(t *testing.T) {
	worker := newTestWorker(newFakeEntryStore(), newFakeUserStore(), &fakeLocker{}, &fakeGenerator{}, &fakeQueue{})

	payload, _ := json.Marshal(models.GenerationQueueMessage{
		Kind:   models.QueueKindVectorizeUpsert,
		UserID: "user-1",
		Date:   "2026-09-01",
	})
	d := &fakeDelivery{payload: payload, attempt: 1}
	worker.HandleDelivery(context.Background(), d)

	if !d.acked {
		t.Error("Indexing without a vector service should ack and drop")
	}
}

func TestRetryDelay_LinearWithCap(t *testing.T) {
	cases := map[int]time.Duration{
		1:  5 * time.Second,
		2:  10 * time.Second,
		4:  20 * time.Second,
		12: 60 * time.Second,
		50: 60 * time.Second,
	}
	for attempt, want := range cases {
		if got := retryDelay(attempt); got != want {
			t.Errorf("retryDelay(%d): expected %s, got %s", attempt, want, got)
		}
	}
}
