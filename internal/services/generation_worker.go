package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"daybreak/internal/config"
	"daybreak/internal/lockservice"
	"daybreak/internal/models"
)

// Locker is the lock service contract the worker coordinates through. An
// error means the lock transport itself was unreachable.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (lockservice.AcquireResult, error)
	Release(ctx context.Context, key string) error
}

// Generator produces the draft for one (user, date) pair.
type Generator interface {
	BuildFutureDiaryDraft(ctx context.Context, userID, date, timezone string, hints models.StyleHints) (*models.GeneratedDraft, error)
}

// Worker retry policy.
const (
	lockRetryDelay   = 10 * time.Second // lock transport unreachable
	lockHeldMinDelay = 5 * time.Second  // lock held by another worker
	maxRetryDelay    = 60 * time.Second
	retryDelayPerTry = 5 * time.Second
)

// GenerationWorker consumes the generation queue. Handlers are stateless and
// idempotent: coordination with concurrent workers happens only through the
// lock service and the entry's persisted generationStatus.
type GenerationWorker struct {
	users       UserStore
	entries     EntryStore
	lock        Locker
	generator   Generator
	queue       Queue              // for re-index enqueues, never nil in worker mode
	vector      *VectorService     // nil disables vectorize_upsert handling
	pubsub      *PubSubService     // nil disables completion events
	styles      *config.StyleStore
	lockTTL     time.Duration
	maxAttempts int
}

// NewGenerationWorker creates the queue consumer.
func NewGenerationWorker(
	users UserStore,
	entries EntryStore,
	lock Locker,
	generator Generator,
	queue Queue,
	vector *VectorService,
	pubsub *PubSubService,
	styles *config.StyleStore,
	lockTTL time.Duration,
	maxAttempts int,
) *GenerationWorker {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &GenerationWorker{
		users:       users,
		entries:     entries,
		lock:        lock,
		generator:   generator,
		queue:       queue,
		vector:      vector,
		pubsub:      pubsub,
		styles:      styles,
		lockTTL:     lockTTL,
		maxAttempts: maxAttempts,
	}
}

// HandleDelivery dispatches one delivered message by kind. Unknown shapes
// are acked and dropped. A panic anywhere in handling falls back to the same
// attempt-counted backoff-then-ack policy as ordinary failures.
func (w *GenerationWorker) HandleDelivery(ctx context.Context, d Delivery) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("❌ [WORKER] Panic in message handler: %v", r)
			w.retryOrDrop(ctx, d, "panic", fmt.Errorf("handler panic: %v", r))
		}
	}()

	msg, err := models.ParseQueueMessage(d.Payload())
	if err != nil {
		log.Printf("⚠️ [WORKER] Dropping unrecognized message: %v", err)
		w.ack(ctx, d)
		return
	}

	switch msg.Kind {
	case models.QueueKindFutureDraftGenerate:
		w.handleGenerate(ctx, d, msg)
	case models.QueueKindVectorizeUpsert:
		w.handleVectorize(ctx, d, msg)
	}
}

// handleGenerate drives one future_draft_generate message to completion.
func (w *GenerationWorker) handleGenerate(ctx context.Context, d Delivery, msg models.GenerationQueueMessage) {
	user, err := w.users.Upsert(ctx, msg.UserID, msg.Timezone)
	if err != nil {
		w.failGeneration(ctx, d, msg, fmt.Errorf("failed to ensure user: %w", err))
		return
	}

	entry, err := w.ensureEntry(ctx, msg.UserID, msg.Date)
	if err != nil {
		w.failGeneration(ctx, d, msg, err)
		return
	}

	// Idempotency guard: at-least-once delivery means the same message may
	// arrive twice. A completed entry is a no-op.
	if entry.GenerationStatus == models.GenerationStatusCompleted {
		w.ack(ctx, d)
		return
	}

	lockKey := generationLockKey(msg.UserID, msg.Date)
	res, err := w.lock.Acquire(ctx, lockKey, w.lockTTL)
	if err != nil {
		// Lock transport unreachable: redeliver without touching the entry.
		log.Printf("⚠️ [WORKER] Lock acquire failed for %s: %v (redelivering)", lockKey, err)
		w.retry(ctx, d, msg.Kind, lockRetryDelay)
		return
	}
	if !res.Acquired {
		if m := GetMetrics(); m != nil {
			m.LockContention.Inc()
		}
		delay := time.Until(time.UnixMilli(res.LockedUntilMs))
		if delay < lockHeldMinDelay {
			delay = lockHeldMinDelay
		}
		w.retry(ctx, d, msg.Kind, delay)
		return
	}

	// Release regardless of outcome. A fresh context so cancellation of the
	// delivery context cannot leak the lease until TTL expiry.
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.lock.Release(releaseCtx, lockKey); err != nil {
			log.Printf("⚠️ [WORKER] Lock release failed for %s: %v (lease expires on its own)", lockKey, err)
		}
	}()

	if err := w.runGeneration(ctx, msg, user); err != nil {
		w.failGeneration(ctx, d, msg, err)
		return
	}
	w.ack(ctx, d)
}

// runGeneration does the locked part of draft generation.
func (w *GenerationWorker) runGeneration(ctx context.Context, msg models.GenerationQueueMessage, user *models.User) error {
	// Guarded transition: a previous lease holder may have finished after
	// our pre-lock read (TTL expiry mid-generation). Its draft stays.
	if err := w.entries.SetProcessing(ctx, msg.UserID, msg.Date); err != nil {
		if errors.Is(err, ErrAlreadyCompleted) {
			return nil
		}
		return fmt.Errorf("failed to mark entry processing: %w", err)
	}

	draft, err := w.generator.BuildFutureDiaryDraft(ctx, msg.UserID, msg.Date, msg.Timezone, w.resolveHints(user))
	if err != nil {
		return err
	}

	if err := w.entries.SetCompleted(ctx, msg.UserID, msg.Date, draft.Draft, draft.Source); err != nil {
		return fmt.Errorf("failed to persist draft: %w", err)
	}

	// Revision logging, re-indexing, and completion events are best-effort:
	// they never abort a finished generation.
	rev := &models.EntryRevision{
		RevisionID: uuid.New().String(),
		UserID:     msg.UserID,
		Date:       msg.Date,
		Kind:       models.RevisionKindGenerated,
		Title:      draft.Draft.Title,
		Body:       draft.Draft.Body,
		Source:     draft.Source,
	}
	if err := w.entries.AppendRevision(ctx, rev); err != nil {
		log.Printf("⚠️ [WORKER] Failed to record generated revision for %s: %v", msg.Date, err)
	}

	// The fresh draft and the source entries that informed it go back
	// through the index together, whichever tier produced the draft.
	for _, reindexDate := range append([]string{msg.Date}, draft.SourceEntriesToIndex...) {
		if err := w.queue.Enqueue(ctx, models.GenerationQueueMessage{
			Kind:   models.QueueKindVectorizeUpsert,
			UserID: msg.UserID,
			Date:   reindexDate,
		}); err != nil {
			log.Printf("⚠️ [WORKER] Failed to enqueue re-index for %s: %v", reindexDate, err)
		}
	}

	if w.pubsub != nil {
		if err := w.pubsub.Publish(ctx, &DiaryEvent{
			Type:   EventGenerationCompleted,
			UserID: msg.UserID,
			Date:   msg.Date,
			Source: draft.Source,
		}); err != nil {
			log.Printf("⚠️ [WORKER] Failed to publish completion event: %v", err)
		}
	}

	return nil
}

// handleVectorize upserts one entry's text into the vector index. Indexing
// is not user-blocking: every no-op condition acks, and permanent failure is
// silently accepted after the attempt budget.
func (w *GenerationWorker) handleVectorize(ctx context.Context, d Delivery, msg models.GenerationQueueMessage) {
	if w.vector == nil {
		w.ack(ctx, d)
		return
	}

	entry, err := w.entries.Get(ctx, msg.UserID, msg.Date)
	if errors.Is(err, ErrEntryNotFound) {
		w.ack(ctx, d)
		return
	}
	if err != nil {
		w.retryOrDrop(ctx, d, msg.Kind, err)
		return
	}

	text := entry.DisplayText()
	if text == "" {
		w.ack(ctx, d)
		return
	}

	err = w.vector.Upsert(ctx, VectorUpsertRequest{
		Namespace: msg.UserID,
		ID:        fragmentID(msg.UserID, msg.Date),
		Date:      msg.Date,
		Text:      text,
	})
	if err != nil {
		w.retryOrDrop(ctx, d, msg.Kind, err)
		return
	}
	w.ack(ctx, d)
}

// ensureEntry loads the entry, creating the placeholder on first contact. A
// create race with another worker resolves with a re-read.
func (w *GenerationWorker) ensureEntry(ctx context.Context, userID, date string) (*models.DiaryEntry, error) {
	entry, err := w.entries.Get(ctx, userID, date)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, ErrEntryNotFound) {
		return nil, err
	}

	placeholder := &models.DiaryEntry{
		UserID:           userID,
		Date:             date,
		Status:           models.EntryStatusDraft,
		GenerationStatus: models.GenerationStatusCreated,
	}
	if createErr := w.entries.Create(ctx, placeholder); createErr != nil {
		// Likely lost a create race; the re-read settles it.
		entry, err = w.entries.Get(ctx, userID, date)
		if err != nil {
			return nil, fmt.Errorf("failed to create entry placeholder: %w", createErr)
		}
		return entry, nil
	}
	return placeholder, nil
}

// failGeneration applies the attempt-counted policy to a failed generation,
// recording the error on the entry. Configuration errors are terminal
// immediately: retrying cannot fix them.
func (w *GenerationWorker) failGeneration(ctx context.Context, d Delivery, msg models.GenerationQueueMessage, genErr error) {
	errMsg := truncateError(genErr)
	attempt := d.Attempt()

	if errors.Is(genErr, ErrInvalidStyleHints) {
		log.Printf("❌ [WORKER] Configuration error for %s/%s: %v (not retrying)", msg.UserID, msg.Date, genErr)
		w.markFailed(ctx, msg, errMsg)
		w.ack(ctx, d)
		return
	}

	if attempt < w.maxAttempts {
		log.Printf("⚠️ [WORKER] Generation attempt %d/%d failed for %s: %v (redelivering)", attempt, w.maxAttempts, msg.Date, genErr)
		if err := w.entries.ResetToCreated(ctx, msg.UserID, msg.Date, errMsg); err != nil {
			log.Printf("⚠️ [WORKER] Failed to reset entry %s: %v", msg.Date, err)
		}
		w.retry(ctx, d, msg.Kind, retryDelay(attempt))
		return
	}

	log.Printf("❌ [WORKER] Generation failed terminally for %s after %d attempts: %v", msg.Date, attempt, genErr)
	if m := GetMetrics(); m != nil {
		m.GenerationFailures.WithLabelValues("terminal").Inc()
		m.QueueDropped.WithLabelValues(msg.Kind).Inc()
	}
	w.markFailed(ctx, msg, errMsg)
	w.ack(ctx, d)
}

// retryOrDrop applies the attempt policy without entry bookkeeping (indexing
// and panic paths).
func (w *GenerationWorker) retryOrDrop(ctx context.Context, d Delivery, kind string, err error) {
	attempt := d.Attempt()
	if attempt < w.maxAttempts {
		log.Printf("⚠️ [WORKER] Attempt %d/%d failed (%s): %v (redelivering)", attempt, w.maxAttempts, kind, err)
		w.retry(ctx, d, kind, retryDelay(attempt))
		return
	}
	log.Printf("⚠️ [WORKER] Dropping message (%s) after %d attempts: %v", kind, attempt, err)
	if m := GetMetrics(); m != nil {
		m.QueueDropped.WithLabelValues(kind).Inc()
	}
	w.ack(ctx, d)
}

func (w *GenerationWorker) markFailed(ctx context.Context, msg models.GenerationQueueMessage, errMsg string) {
	if err := w.entries.SetFailed(ctx, msg.UserID, msg.Date, errMsg); err != nil {
		log.Printf("⚠️ [WORKER] Failed to mark entry %s failed: %v", msg.Date, err)
	}
}

func (w *GenerationWorker) ack(ctx context.Context, d Delivery) {
	if err := d.Ack(ctx); err != nil {
		log.Printf("⚠️ [WORKER] Ack failed: %v (message will redeliver)", err)
	}
}

func (w *GenerationWorker) retry(ctx context.Context, d Delivery, kind string, delay time.Duration) {
	if m := GetMetrics(); m != nil {
		m.QueueRetries.WithLabelValues(kind).Inc()
	}
	if err := d.Retry(ctx, delay); err != nil {
		log.Printf("⚠️ [WORKER] Retry scheduling failed: %v (lease expiry will redeliver)", err)
	}
}

// resolveHints merges the global style template with per-user preferences.
func (w *GenerationWorker) resolveHints(user *models.User) models.StyleHints {
	hints := config.DefaultStyleHints
	if w.styles != nil {
		hints = w.styles.Hints()
	}
	if user != nil {
		if user.Preferences.Tone != "" {
			hints.Tone = user.Preferences.Tone
		}
		if user.Preferences.MaxParagraphs > 0 {
			hints.MaxParagraphs = user.Preferences.MaxParagraphs
		}
	}
	return hints
}

// retryDelay is the linear backoff for attempt-counted redelivery, capped at
// maxRetryDelay.
func retryDelay(attempt int) time.Duration {
	delay := time.Duration(attempt) * retryDelayPerTry
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay
}

// generationLockKey is the logical task key serializing draft generation for
// one (user, date) pair.
func generationLockKey(userID, date string) string {
	return fmt.Sprintf("draft:%s:%s", userID, date)
}
