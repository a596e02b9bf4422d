package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/google/uuid"

	"daybreak/internal/config"
	"daybreak/internal/models"
)

// pollInterval is the hint returned to polling clients while generation is
// still pending.
const pollIntervalMs = 1500

// responseCacheTTL bounds how long completed draft responses are served from
// memory. Cross-instance edits invalidate through pub/sub events.
const responseCacheTTL = 5 * time.Minute

// DraftResponse is the draft-request endpoint's payload.
type DraftResponse struct {
	Draft DraftPayload `json:"draft"`
	Meta  DraftMeta    `json:"meta"`
}

// DraftPayload is the displayable draft. Body resolves finalText over
// generatedText.
type DraftPayload struct {
	Title             string   `json:"title"`
	Body              string   `json:"body"`
	SourceFragmentIDs []string `json:"sourceFragmentIds"`
}

// DraftMeta describes the entry's generation state for the polling client.
type DraftMeta struct {
	Status           string `json:"status"`
	GenerationStatus string `json:"generationStatus"`
	GenerationError  string `json:"generationError,omitempty"`
	Cached           bool   `json:"cached"`
	Source           string `json:"source,omitempty"`
	PollAfterMs      int    `json:"pollAfterMs"`
}

// DiaryService is the HTTP-facing orchestrator: it creates placeholders,
// enqueues generation work when a queue is available, and otherwise runs the
// generation pipeline inline under the same lock.
type DiaryService struct {
	users     UserStore
	entries   EntryStore
	queue     Queue  // nil means no queue configured: generate synchronously
	lock      Locker
	generator Generator
	styles    *config.StyleStore
	pubsub    *PubSubService // nil disables cross-instance events
	cache     *gocache.Cache
	lockTTL   time.Duration
}

// NewDiaryService creates the diary orchestrator. queue and pubsub may be
// nil.
func NewDiaryService(
	users UserStore,
	entries EntryStore,
	queue Queue,
	lock Locker,
	generator Generator,
	styles *config.StyleStore,
	pubsub *PubSubService,
	lockTTL time.Duration,
) *DiaryService {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	s := &DiaryService{
		users:     users,
		entries:   entries,
		queue:     queue,
		lock:      lock,
		generator: generator,
		styles:    styles,
		pubsub:    pubsub,
		cache:     gocache.New(responseCacheTTL, 10*time.Minute),
		lockTTL:   lockTTL,
	}

	// Remote completions and edits must not leave stale cached responses on
	// this instance.
	if pubsub != nil {
		invalidate := func(event *DiaryEvent) {
			s.cache.Delete(draftCacheKey(event.UserID, event.Date))
		}
		pubsub.Subscribe(EventGenerationCompleted, invalidate)
		pubsub.Subscribe(EventEntryEdited, invalidate)
	}

	return s
}

// RequestDraft serves a draft request for (userID, date): placeholder
// creation, enqueue-or-inline generation, and the current displayable state.
func (s *DiaryService) RequestDraft(ctx context.Context, userID, date, timezone string) (*DraftResponse, error) {
	if cached, found := s.cache.Get(draftCacheKey(userID, date)); found {
		resp := cached.(*DraftResponse)
		return resp, nil
	}

	user, err := s.users.Upsert(ctx, userID, timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure user: %w", err)
	}

	entry, err := s.ensureEntry(ctx, userID, date)
	if err != nil {
		return nil, err
	}

	if entry.GenerationStatus == models.GenerationStatusCompleted {
		resp := buildDraftResponse(entry, true)
		s.cache.Set(draftCacheKey(userID, date), resp, responseCacheTTL)
		return resp, nil
	}

	// A failed entry retries on demand.
	if entry.GenerationStatus == models.GenerationStatusFailed {
		if err := s.entries.ResetToCreated(ctx, userID, date, ""); err != nil {
			return nil, fmt.Errorf("failed to reset entry: %w", err)
		}
		entry.GenerationStatus = models.GenerationStatusCreated
		entry.GenerationError = ""
	}

	if s.queue != nil {
		if err := s.queue.Enqueue(ctx, models.GenerationQueueMessage{
			Kind:     models.QueueKindFutureDraftGenerate,
			UserID:   userID,
			Date:     date,
			Timezone: timezone,
		}); err == nil {
			return buildDraftResponse(entry, false), nil
		} else {
			// A real transport failure, not absence of a queue: fall through
			// to synchronous generation so the user still gets a draft.
			log.Printf("⚠️ [DIARY] Enqueue failed for %s: %v (generating inline)", date, err)
		}
	}

	return s.generateInline(ctx, user, userID, date, timezone)
}

// generateInline runs the generation pipeline inside the request, guarded by
// the same lock as the queue path. No retry loop: a failure is persisted and
// reported immediately.
func (s *DiaryService) generateInline(ctx context.Context, user *models.User, userID, date, timezone string) (*DraftResponse, error) {
	lockKey := generationLockKey(userID, date)
	res, err := s.lock.Acquire(ctx, lockKey, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock service unavailable: %w", err)
	}
	if !res.Acquired {
		// Another worker is generating; report the current state and let the
		// client poll.
		if m := GetMetrics(); m != nil {
			m.LockContention.Inc()
		}
		entry, err := s.entries.Get(ctx, userID, date)
		if err != nil {
			return nil, err
		}
		return buildDraftResponse(entry, false), nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.lock.Release(releaseCtx, lockKey); err != nil {
			log.Printf("⚠️ [DIARY] Lock release failed for %s: %v (lease expires on its own)", lockKey, err)
		}
	}()

	// Guarded transition: if another holder finished between our read and
	// the lock grant, its draft is served instead of regenerated.
	if err := s.entries.SetProcessing(ctx, userID, date); err != nil {
		if errors.Is(err, ErrAlreadyCompleted) {
			entry, getErr := s.entries.Get(ctx, userID, date)
			if getErr != nil {
				return nil, getErr
			}
			return buildDraftResponse(entry, true), nil
		}
		return nil, fmt.Errorf("failed to mark entry processing: %w", err)
	}

	draft, err := s.generator.BuildFutureDiaryDraft(ctx, userID, date, timezone, s.resolveHints(user))
	if err != nil {
		if errors.Is(err, ErrInvalidStyleHints) {
			// Configuration bug: surface it, don't persist a retryable state.
			s.persistFailure(ctx, userID, date, err)
			return nil, err
		}
		s.persistFailure(ctx, userID, date, err)
		entry, getErr := s.entries.Get(ctx, userID, date)
		if getErr != nil {
			return nil, getErr
		}
		return buildDraftResponse(entry, false), nil
	}

	if err := s.entries.SetCompleted(ctx, userID, date, draft.Draft, draft.Source); err != nil {
		return nil, fmt.Errorf("failed to persist draft: %w", err)
	}

	rev := &models.EntryRevision{
		RevisionID: uuid.New().String(),
		UserID:     userID,
		Date:       date,
		Kind:       models.RevisionKindGenerated,
		Title:      draft.Draft.Title,
		Body:       draft.Draft.Body,
		Source:     draft.Source,
	}
	if err := s.entries.AppendRevision(ctx, rev); err != nil {
		log.Printf("⚠️ [DIARY] Failed to record generated revision for %s: %v", date, err)
	}

	// The fresh draft and its source entries re-index together, same as the
	// queue-driven path.
	if s.queue != nil {
		for _, reindexDate := range append([]string{date}, draft.SourceEntriesToIndex...) {
			if err := s.queue.Enqueue(ctx, models.GenerationQueueMessage{
				Kind:   models.QueueKindVectorizeUpsert,
				UserID: userID,
				Date:   reindexDate,
			}); err != nil {
				log.Printf("⚠️ [DIARY] Failed to enqueue re-index for %s: %v", reindexDate, err)
			}
		}
	}

	s.publishEvent(ctx, EventGenerationCompleted, userID, date, draft.Source)

	entry, err := s.entries.Get(ctx, userID, date)
	if err != nil {
		return nil, err
	}
	resp := buildDraftResponse(entry, false)
	s.cache.Set(draftCacheKey(userID, date), cachedCopy(resp), responseCacheTTL)
	return resp, nil
}

func (s *DiaryService) persistFailure(ctx context.Context, userID, date string, genErr error) {
	if err := s.entries.SetFailed(ctx, userID, date, truncateError(genErr)); err != nil {
		log.Printf("⚠️ [DIARY] Failed to mark entry %s failed: %v", date, err)
	}
	if m := GetMetrics(); m != nil {
		m.GenerationFailures.WithLabelValues("terminal").Inc()
	}
}

// EditEntry writes the user's own account. FinalText overrides the generated
// draft from here on; confirm also flips the entry status.
func (s *DiaryService) EditEntry(ctx context.Context, userID, date, finalText string, confirm bool) (*models.DiaryEntry, error) {
	if err := s.entries.SaveFinalText(ctx, userID, date, finalText, confirm); err != nil {
		return nil, err
	}

	rev := &models.EntryRevision{
		RevisionID: uuid.New().String(),
		UserID:     userID,
		Date:       date,
		Kind:       models.RevisionKindEdited,
		Body:       finalText,
	}
	if err := s.entries.AppendRevision(ctx, rev); err != nil {
		log.Printf("⚠️ [DIARY] Failed to record edit revision for %s: %v", date, err)
	}

	s.cache.Delete(draftCacheKey(userID, date))

	if s.queue != nil {
		if err := s.queue.Enqueue(ctx, models.GenerationQueueMessage{
			Kind:   models.QueueKindVectorizeUpsert,
			UserID: userID,
			Date:   date,
		}); err != nil {
			log.Printf("⚠️ [DIARY] Failed to enqueue re-index for %s: %v", date, err)
		}
	}

	s.publishEvent(ctx, EventEntryEdited, userID, date, "")

	return s.entries.Get(ctx, userID, date)
}

// GetEntry loads one entry.
func (s *DiaryService) GetEntry(ctx context.Context, userID, date string) (*models.DiaryEntry, error) {
	return s.entries.Get(ctx, userID, date)
}

// ListEntries returns entries in [from, to], oldest first.
func (s *DiaryService) ListEntries(ctx context.Context, userID, from, to string) ([]models.DiaryEntry, error) {
	return s.entries.ListRange(ctx, userID, from, to)
}

// ListRevisions returns an entry's revision history, newest first.
func (s *DiaryService) ListRevisions(ctx context.Context, userID, date string) ([]models.EntryRevision, error) {
	return s.entries.ListRevisions(ctx, userID, date)
}

func (s *DiaryService) publishEvent(ctx context.Context, eventType, userID, date, source string) {
	if s.pubsub == nil {
		return
	}
	if err := s.pubsub.Publish(ctx, &DiaryEvent{
		Type:   eventType,
		UserID: userID,
		Date:   date,
		Source: source,
	}); err != nil {
		log.Printf("⚠️ [DIARY] Failed to publish %s event: %v", eventType, err)
	}
}

func (s *DiaryService) ensureEntry(ctx context.Context, userID, date string) (*models.DiaryEntry, error) {
	entry, err := s.entries.Get(ctx, userID, date)
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
	if createErr := s.entries.Create(ctx, placeholder); createErr != nil {
		entry, err = s.entries.Get(ctx, userID, date)
		if err != nil {
			return nil, fmt.Errorf("failed to create entry placeholder: %w", createErr)
		}
		return entry, nil
	}
	return placeholder, nil
}

func (s *DiaryService) resolveHints(user *models.User) models.StyleHints {
	hints := config.DefaultStyleHints
	if s.styles != nil {
		hints = s.styles.Hints()
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

// buildDraftResponse resolves the displayable state for the client.
func buildDraftResponse(entry *models.DiaryEntry, cached bool) *DraftResponse {
	pollAfter := pollIntervalMs
	if entry.GenerationStatus == models.GenerationStatusCompleted {
		pollAfter = 0
	}

	return &DraftResponse{
		Draft: DraftPayload{
			Title:             entry.GeneratedTitle,
			Body:              entry.DisplayText(),
			SourceFragmentIDs: entry.SourceFragmentIDs,
		},
		Meta: DraftMeta{
			Status:           entry.Status,
			GenerationStatus: entry.GenerationStatus,
			GenerationError:  entry.GenerationError,
			Cached:           cached,
			Source:           entry.GenerationSource,
			PollAfterMs:      pollAfter,
		},
	}
}

// cachedCopy marks a response as cache-served for later requests.
func cachedCopy(resp *DraftResponse) *DraftResponse {
	c := *resp
	c.Meta.Cached = true
	return &c
}

func draftCacheKey(userID, date string) string {
	return "draft:" + userID + ":" + date
}
