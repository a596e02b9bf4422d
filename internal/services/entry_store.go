package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"daybreak/internal/database"
	"daybreak/internal/models"
)

// EntryStore abstracts diary entry persistence so the pipeline can be tested
// against an in-memory store. The Mongo implementation is MongoEntryStore.
type EntryStore interface {
	Get(ctx context.Context, userID, date string) (*models.DiaryEntry, error)
	Create(ctx context.Context, entry *models.DiaryEntry) error

	// ListBefore returns up to limit entries strictly before date, most
	// recent first.
	ListBefore(ctx context.Context, userID, date string, limit int) ([]models.DiaryEntry, error)
	ListRange(ctx context.Context, userID, from, to string) ([]models.DiaryEntry, error)

	SetProcessing(ctx context.Context, userID, date string) error
	SetCompleted(ctx context.Context, userID, date string, draft models.DraftContent, source string) error
	SetFailed(ctx context.Context, userID, date, errMsg string) error
	ResetToCreated(ctx context.Context, userID, date, errMsg string) error

	SaveFinalText(ctx context.Context, userID, date, finalText string, confirm bool) error

	AppendRevision(ctx context.Context, rev *models.EntryRevision) error
	ListRevisions(ctx context.Context, userID, date string) ([]models.EntryRevision, error)
}

// MongoEntryStore persists diary entries and revisions in MongoDB.
type MongoEntryStore struct {
	entries   *mongo.Collection
	revisions *mongo.Collection
}

// NewMongoEntryStore creates the Mongo-backed entry store.
func NewMongoEntryStore(mongodb *database.MongoDB) *MongoEntryStore {
	return &MongoEntryStore{
		entries:   mongodb.Collection(database.CollectionDiaryEntries),
		revisions: mongodb.Collection(database.CollectionEntryRevisions),
	}
}

// Get loads the entry for (userID, date).
func (s *MongoEntryStore) Get(ctx context.Context, userID, date string) (*models.DiaryEntry, error) {
	var entry models.DiaryEntry
	err := s.entries.FindOne(ctx, bson.M{"userId": userID, "date": date}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entry: %w", err)
	}
	return &entry, nil
}

// Create inserts a new entry. The unique (userId, date) index turns a
// concurrent double-create into a duplicate-key error the caller resolves
// with a re-read.
func (s *MongoEntryStore) Create(ctx context.Context, entry *models.DiaryEntry) error {
	if entry.ID.IsZero() {
		entry.ID = primitive.NewObjectID()
	}
	now := time.Now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	if _, err := s.entries.InsertOne(ctx, entry); err != nil {
		return fmt.Errorf("failed to create entry: %w", err)
	}
	return nil
}

// ListBefore returns up to limit entries strictly before date, newest first.
// Dates are YYYY-MM-DD strings, so lexical order is chronological order.
func (s *MongoEntryStore) ListBefore(ctx context.Context, userID, date string, limit int) ([]models.DiaryEntry, error) {
	filter := bson.M{"userId": userID, "date": bson.M{"$lt": date}}
	opts := options.Find().
		SetSort(bson.D{{Key: "date", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.entries.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []models.DiaryEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode entries: %w", err)
	}
	return entries, nil
}

// ListRange returns entries with from <= date <= to, oldest first.
func (s *MongoEntryStore) ListRange(ctx context.Context, userID, from, to string) ([]models.DiaryEntry, error) {
	filter := bson.M{"userId": userID, "date": bson.M{"$gte": from, "$lte": to}}
	opts := options.Find().SetSort(bson.D{{Key: "date", Value: 1}})

	cursor, err := s.entries.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []models.DiaryEntry
	if err := cursor.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode entries: %w", err)
	}
	return entries, nil
}

// SetProcessing marks the generation pipeline as running on the entry. The
// transition is guarded: an entry that is already completed stays completed,
// so a finished draft cannot be clobbered by a worker whose pre-lock read is
// stale. Returns ErrAlreadyCompleted when the guard blocks the write.
func (s *MongoEntryStore) SetProcessing(ctx context.Context, userID, date string) error {
	res, err := s.entries.UpdateOne(ctx,
		bson.M{
			"userId":           userID,
			"date":             date,
			"generationStatus": bson.M{"$ne": models.GenerationStatusCompleted},
		},
		bson.M{"$set": bson.M{
			"generationStatus": models.GenerationStatusProcessing,
			"generationError":  "",
			"updatedAt":        time.Now(),
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}
	if res.MatchedCount == 0 {
		// Either the entry is missing or the guard excluded it.
		if _, getErr := s.Get(ctx, userID, date); getErr != nil {
			return getErr
		}
		return ErrAlreadyCompleted
	}
	return nil
}

// SetCompleted persists the generated draft and transitions to completed.
func (s *MongoEntryStore) SetCompleted(ctx context.Context, userID, date string, draft models.DraftContent, source string) error {
	return s.updateGeneration(ctx, userID, date, bson.M{
		"generationStatus":  models.GenerationStatusCompleted,
		"generationError":   "",
		"generatedTitle":    draft.Title,
		"generatedText":     draft.Body,
		"generationSource":  source,
		"sourceFragmentIds": draft.SourceFragmentIDs,
	})
}

// SetFailed records a terminal, user-visible generation failure.
func (s *MongoEntryStore) SetFailed(ctx context.Context, userID, date, errMsg string) error {
	return s.updateGeneration(ctx, userID, date, bson.M{
		"generationStatus": models.GenerationStatusFailed,
		"generationError":  errMsg,
	})
}

// ResetToCreated puts the entry back in the retryable starting state.
func (s *MongoEntryStore) ResetToCreated(ctx context.Context, userID, date, errMsg string) error {
	return s.updateGeneration(ctx, userID, date, bson.M{
		"generationStatus": models.GenerationStatusCreated,
		"generationError":  errMsg,
	})
}

func (s *MongoEntryStore) updateGeneration(ctx context.Context, userID, date string, fields bson.M) error {
	fields["updatedAt"] = time.Now()
	res, err := s.entries.UpdateOne(ctx,
		bson.M{"userId": userID, "date": date},
		bson.M{"$set": fields},
	)
	if err != nil {
		return fmt.Errorf("failed to update entry: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// SaveFinalText writes the user's own account. FinalText always wins over
// GeneratedText from here on.
func (s *MongoEntryStore) SaveFinalText(ctx context.Context, userID, date, finalText string, confirm bool) error {
	fields := bson.M{
		"finalText": finalText,
		"updatedAt": time.Now(),
	}
	if confirm {
		fields["status"] = models.EntryStatusConfirmed
	}

	res, err := s.entries.UpdateOne(ctx,
		bson.M{"userId": userID, "date": date},
		bson.M{"$set": fields},
	)
	if err != nil {
		return fmt.Errorf("failed to save final text: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// AppendRevision records an immutable revision. Best-effort callers log and
// continue on failure.
func (s *MongoEntryStore) AppendRevision(ctx context.Context, rev *models.EntryRevision) error {
	if rev.ID.IsZero() {
		rev.ID = primitive.NewObjectID()
	}
	if rev.CreatedAt.IsZero() {
		rev.CreatedAt = time.Now()
	}

	if _, err := s.revisions.InsertOne(ctx, rev); err != nil {
		return fmt.Errorf("failed to append revision: %w", err)
	}
	return nil
}

// ListRevisions returns the revision history for an entry, newest first.
func (s *MongoEntryStore) ListRevisions(ctx context.Context, userID, date string) ([]models.EntryRevision, error) {
	filter := bson.M{"userId": userID, "date": date}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})

	cursor, err := s.revisions.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}
	defer cursor.Close(ctx)

	var revisions []models.EntryRevision
	if err := cursor.All(ctx, &revisions); err != nil {
		return nil, fmt.Errorf("failed to decode revisions: %w", err)
	}
	return revisions, nil
}
