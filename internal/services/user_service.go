package services

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"daybreak/internal/database"
	"daybreak/internal/models"
)

// UserStore abstracts user persistence for the pipeline and the scheduler.
type UserStore interface {
	// Upsert creates the user row if missing and refreshes lastActiveAt.
	Upsert(ctx context.Context, userID, timezone string) (*models.User, error)
	Get(ctx context.Context, userID string) (*models.User, error)
	ListActiveSince(ctx context.Context, since time.Time) ([]models.User, error)
}

// UserService is the Mongo-backed user store. Users are created lazily on
// first draft request; there is no registration flow here (auth is handled
// upstream).
type UserService struct {
	users *mongo.Collection
}

// NewUserService creates a new user service
func NewUserService(mongodb *database.MongoDB) *UserService {
	return &UserService{
		users: mongodb.Collection(database.CollectionUsers),
	}
}

// Upsert creates the user if missing and refreshes lastActiveAt and timezone.
func (s *UserService) Upsert(ctx context.Context, userID, timezone string) (*models.User, error) {
	now := time.Now()

	set := bson.M{"lastActiveAt": now}
	if timezone != "" {
		set["timezone"] = timezone
	}
	update := bson.M{
		"$set": set,
		"$setOnInsert": bson.M{
			"_id":       primitive.NewObjectID(),
			"userId":    userID,
			"createdAt": now,
		},
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var user models.User
	if err := s.users.FindOneAndUpdate(ctx, bson.M{"userId": userID}, update, opts).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return &user, nil
}

// Get loads a user by external id.
func (s *UserService) Get(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	if err := s.users.FindOne(ctx, bson.M{"userId": userID}).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}

// ListActiveSince returns users active since the cutoff, for nightly
// pre-generation.
func (s *UserService) ListActiveSince(ctx context.Context, since time.Time) ([]models.User, error) {
	cursor, err := s.users.Find(ctx, bson.M{"lastActiveAt": bson.M{"$gte": since}})
	if err != nil {
		return nil, fmt.Errorf("failed to list active users: %w", err)
	}
	defer cursor.Close(ctx)

	var users []models.User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("failed to decode users: %w", err)
	}
	return users, nil
}
