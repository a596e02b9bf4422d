package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"daybreak/internal/lockservice"
	"daybreak/internal/models"
)

// fakeEntryStore is an in-memory EntryStore for pipeline tests.
type fakeEntryStore struct {
	mu        sync.Mutex
	entries   map[string]*models.DiaryEntry
	revisions []models.EntryRevision

	failSetProcessing error
}

func newFakeEntryStore() *fakeEntryStore {
	return &fakeEntryStore{entries: make(map[string]*models.DiaryEntry)}
}

func entryKey(userID, date string) string {
	return userID + "|" + date
}

func (s *fakeEntryStore) Get(_ context.Context, userID, date string) (*models.DiaryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryKey(userID, date)]
	if !ok {
		return nil, ErrEntryNotFound
	}
	copied := *entry
	return &copied, nil
}

func (s *fakeEntryStore) Create(_ context.Context, entry *models.DiaryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := entryKey(entry.UserID, entry.Date)
	if _, exists := s.entries[key]; exists {
		return errors.New("duplicate key")
	}
	entry.CreatedAt = time.Now()
	entry.UpdatedAt = entry.CreatedAt
	copied := *entry
	s.entries[key] = &copied
	return nil
}

func (s *fakeEntryStore) ListBefore(_ context.Context, userID, date string, limit int) ([]models.DiaryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DiaryEntry
	for _, entry := range s.entries {
		if entry.UserID == userID && entry.Date < date {
			out = append(out, *entry)
		}
	}
	// newest first
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Date > out[i].Date {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeEntryStore) ListRange(_ context.Context, userID, from, to string) ([]models.DiaryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.DiaryEntry
	for _, entry := range s.entries {
		if entry.UserID == userID && entry.Date >= from && entry.Date <= to {
			out = append(out, *entry)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].Date < out[i].Date {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (s *fakeEntryStore) update(userID, date string, fn func(*models.DiaryEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryKey(userID, date)]
	if !ok {
		return ErrEntryNotFound
	}
	fn(entry)
	entry.UpdatedAt = time.Now()
	return nil
}

func (s *fakeEntryStore) SetProcessing(_ context.Context, userID, date string) error {
	if s.failSetProcessing != nil {
		return s.failSetProcessing
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[entryKey(userID, date)]
	if !ok {
		return ErrEntryNotFound
	}
	if entry.GenerationStatus == models.GenerationStatusCompleted {
		return ErrAlreadyCompleted
	}
	entry.GenerationStatus = models.GenerationStatusProcessing
	entry.GenerationError = ""
	entry.UpdatedAt = time.Now()
	return nil
}

func (s *fakeEntryStore) SetCompleted(_ context.Context, userID, date string, draft models.DraftContent, source string) error {
	return s.update(userID, date, func(e *models.DiaryEntry) {
		e.GenerationStatus = models.GenerationStatusCompleted
		e.GenerationError = ""
		e.GeneratedTitle = draft.Title
		e.GeneratedText = draft.Body
		e.GenerationSource = source
		e.SourceFragmentIDs = draft.SourceFragmentIDs
	})
}

func (s *fakeEntryStore) SetFailed(_ context.Context, userID, date, errMsg string) error {
	return s.update(userID, date, func(e *models.DiaryEntry) {
		e.GenerationStatus = models.GenerationStatusFailed
		e.GenerationError = errMsg
	})
}

func (s *fakeEntryStore) ResetToCreated(_ context.Context, userID, date, errMsg string) error {
	return s.update(userID, date, func(e *models.DiaryEntry) {
		e.GenerationStatus = models.GenerationStatusCreated
		e.GenerationError = errMsg
	})
}

func (s *fakeEntryStore) SaveFinalText(_ context.Context, userID, date, finalText string, confirm bool) error {
	return s.update(userID, date, func(e *models.DiaryEntry) {
		text := finalText
		e.FinalText = &text
		if confirm {
			e.Status = models.EntryStatusConfirmed
		}
	})
}

func (s *fakeEntryStore) AppendRevision(_ context.Context, rev *models.EntryRevision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev.CreatedAt = time.Now()
	s.revisions = append(s.revisions, *rev)
	return nil
}

func (s *fakeEntryStore) ListRevisions(_ context.Context, userID, date string) ([]models.EntryRevision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EntryRevision
	for i := len(s.revisions) - 1; i >= 0; i-- {
		if s.revisions[i].UserID == userID && s.revisions[i].Date == date {
			out = append(out, s.revisions[i])
		}
	}
	return out, nil
}

func (s *fakeEntryStore) revisionCount(userID, date string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rev := range s.revisions {
		if rev.UserID == userID && rev.Date == date {
			count++
		}
	}
	return count
}

// fakeUserStore satisfies UserStore without persistence.
type fakeUserStore struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[string]*models.User)}
}

func (s *fakeUserStore) Upsert(_ context.Context, userID, timezone string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		user = &models.User{UserID: userID, CreatedAt: time.Now()}
		s.users[userID] = user
	}
	if timezone != "" {
		user.Timezone = timezone
	}
	user.LastActiveAt = time.Now()
	copied := *user
	return &copied, nil
}

func (s *fakeUserStore) Get(_ context.Context, userID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return nil, errors.New("user not found")
	}
	copied := *user
	return &copied, nil
}

func (s *fakeUserStore) ListActiveSince(_ context.Context, since time.Time) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.User
	for _, user := range s.users {
		if !user.LastActiveAt.Before(since) {
			out = append(out, *user)
		}
	}
	return out, nil
}

// fakeQueue records enqueued messages. err fails every Enqueue, or only the
// failKind messages when failKind is set.
type fakeQueue struct {
	mu       sync.Mutex
	messages []models.GenerationQueueMessage
	err      error
	failKind string
}

func (q *fakeQueue) Enqueue(_ context.Context, msg models.GenerationQueueMessage) error {
	if q.err != nil && (q.failKind == "" || msg.Kind == q.failKind) {
		return q.err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, msg)
	return nil
}

func (q *fakeQueue) countKind(kind string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	count := 0
	for _, msg := range q.messages {
		if msg.Kind == kind {
			count++
		}
	}
	return count
}

// fakeDelivery is one delivered message with a recorded outcome.
type fakeDelivery struct {
	payload    []byte
	attempt    int
	acked      bool
	retried    bool
	retryDelay time.Duration
}

func (d *fakeDelivery) Payload() []byte { return d.payload }
func (d *fakeDelivery) Attempt() int    { return d.attempt }

func (d *fakeDelivery) Ack(_ context.Context) error {
	d.acked = true
	return nil
}

func (d *fakeDelivery) Retry(_ context.Context, delay time.Duration) error {
	d.retried = true
	d.retryDelay = delay
	return nil
}

// fakeLocker grants every acquire unless told otherwise.
type fakeLocker struct {
	mu           sync.Mutex
	held         bool
	heldUntilMs  int64
	transportErr error
	acquires     int
	releases     int
}

func (l *fakeLocker) Acquire(_ context.Context, key string, ttl time.Duration) (lockservice.AcquireResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.transportErr != nil {
		return lockservice.AcquireResult{}, l.transportErr
	}
	l.acquires++
	if l.held {
		until := l.heldUntilMs
		if until == 0 {
			until = time.Now().Add(time.Minute).UnixMilli()
		}
		return lockservice.AcquireResult{Acquired: false, LockedUntilMs: until}, nil
	}
	return lockservice.AcquireResult{Acquired: true, LockedUntilMs: time.Now().Add(ttl).UnixMilli()}, nil
}

func (l *fakeLocker) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releases++
	return nil
}

// fakeGenerator returns a canned draft or error and counts calls.
type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	draft *models.GeneratedDraft
	err   error
}

func (g *fakeGenerator) BuildFutureDiaryDraft(_ context.Context, userID, date, timezone string, hints models.StyleHints) (*models.GeneratedDraft, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	if g.draft != nil {
		return g.draft, nil
	}
	return &models.GeneratedDraft{
		Source: models.DraftSourceDeterministic,
		Draft: models.DraftContent{
			Title: "Draft for " + date,
			Body:  "A canned draft body.",
		},
	}, nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}
