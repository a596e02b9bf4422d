package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoDB wraps the MongoDB client and database
type MongoDB struct {
	client   *mongo.Client
	database *mongo.Database
	dbName   string
}

// Collection names
const (
	CollectionUsers          = "users"
	CollectionDiaryEntries   = "diary_entries"
	CollectionEntryRevisions = "entry_revisions"
	CollectionGenerationJobs = "generation_jobs"
)

// NewMongoDB creates a new MongoDB connection with connection pooling
func NewMongoDB(uri string) (*MongoDB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientOptions := options.Client().
		ApplyURI(uri).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetMaxConnIdleTime(30 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetConnectTimeout(10 * time.Second)

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	dbName := "daybreak"
	db := client.Database(dbName)

	return &MongoDB{
		client:   client,
		database: db,
		dbName:   dbName,
	}, nil
}

// Collection returns a handle to the named collection
func (m *MongoDB) Collection(name string) *mongo.Collection {
	return m.database.Collection(name)
}

// Ping checks the MongoDB connection
func (m *MongoDB) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the MongoDB client
func (m *MongoDB) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

// EnsureIndexes creates the indexes the pipeline depends on. Idempotent.
func (m *MongoDB) EnsureIndexes(ctx context.Context) error {
	entryIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "date", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := m.Collection(CollectionDiaryEntries).Indexes().CreateMany(ctx, entryIndexes); err != nil {
		return fmt.Errorf("failed to create diary entry indexes: %w", err)
	}

	userIndexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "userId", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}
	if _, err := m.Collection(CollectionUsers).Indexes().CreateMany(ctx, userIndexes); err != nil {
		return fmt.Errorf("failed to create user indexes: %w", err)
	}

	revisionIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "userId", Value: 1}, {Key: "date", Value: 1}, {Key: "createdAt", Value: -1}},
		},
	}
	if _, err := m.Collection(CollectionEntryRevisions).Indexes().CreateMany(ctx, revisionIndexes); err != nil {
		return fmt.Errorf("failed to create revision indexes: %w", err)
	}

	jobIndexes := []mongo.IndexModel{
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "notBefore", Value: 1}},
		},
	}
	if _, err := m.Collection(CollectionGenerationJobs).Indexes().CreateMany(ctx, jobIndexes); err != nil {
		return fmt.Errorf("failed to create queue indexes: %w", err)
	}

	log.Println("✅ MongoDB indexes ensured")
	return nil
}
