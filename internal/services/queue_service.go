package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"daybreak/internal/database"
	"daybreak/internal/models"
)

// Queue is the enqueue side of the generation queue. A nil Queue means no
// queue is configured and callers fall back to synchronous generation.
type Queue interface {
	Enqueue(ctx context.Context, msg models.GenerationQueueMessage) error
}

// Delivery is one delivered queue message. The transport supplies the
// attempt count; handlers decide Ack or Retry per message, and one message's
// fate never blocks another's.
type Delivery interface {
	Payload() []byte
	Attempt() int
	Ack(ctx context.Context) error
	Retry(ctx context.Context, delay time.Duration) error
}

// DeliveryHandler processes one delivered message. It must call Ack or Retry
// exactly once.
type DeliveryHandler func(ctx context.Context, d Delivery)

// leaseDuration bounds how long an inflight delivery stays invisible. A
// crashed worker's messages become deliverable again after this; it must
// exceed the lock TTL so a live holder is never raced by its own redelivery.
const leaseDuration = 15 * time.Minute

// QueueService is the Mongo-backed queue transport: a collection of delayed
// jobs polled by the worker. Delivery is at-least-once; the deliveryCount
// field is the attempt envelope.
type QueueService struct {
	jobs         *mongo.Collection
	pollInterval time.Duration
}

// NewQueueService creates the Mongo-backed queue.
func NewQueueService(mongodb *database.MongoDB, pollInterval time.Duration) *QueueService {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &QueueService{
		jobs:         mongodb.Collection(database.CollectionGenerationJobs),
		pollInterval: pollInterval,
	}
}

// Enqueue appends a message for immediate delivery.
func (q *QueueService) Enqueue(ctx context.Context, msg models.GenerationQueueMessage) error {
	return q.EnqueueDelayed(ctx, msg, 0)
}

// EnqueueDelayed appends a message that becomes deliverable after delay.
func (q *QueueService) EnqueueDelayed(ctx context.Context, msg models.GenerationQueueMessage, delay time.Duration) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	job := models.QueueJob{
		ID:        primitive.NewObjectID(),
		Payload:   string(payload),
		Status:    models.QueueJobStatusPending,
		NotBefore: time.Now().Add(delay),
		CreatedAt: time.Now(),
	}

	if _, err := q.jobs.InsertOne(ctx, job); err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// Run polls for deliverable messages and feeds them to the handler one at a
// time until the context is cancelled. Messages within one poll are handled
// sequentially; ack/retry is per message.
func (q *QueueService) Run(ctx context.Context, handler DeliveryHandler) {
	log.Printf("⚙️ [QUEUE] Worker started (poll interval: %v)", q.pollInterval)

	for {
		delivery, err := q.dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Println("🛑 [QUEUE] Worker stopped")
				return
			}
			log.Printf("⚠️ [QUEUE] Dequeue failed: %v", err)
		}

		if delivery != nil {
			handler(ctx, delivery)
			continue
		}

		select {
		case <-ctx.Done():
			log.Println("🛑 [QUEUE] Worker stopped")
			return
		case <-time.After(q.pollInterval):
		}
	}
}

// dequeue claims the oldest deliverable message. Messages whose lease has
// expired (worker crashed mid-handling) are claimed again - at-least-once.
func (q *QueueService) dequeue(ctx context.Context) (*mongoDelivery, error) {
	now := time.Now()
	filter := bson.M{
		"$or": []bson.M{
			{"status": models.QueueJobStatusPending, "notBefore": bson.M{"$lte": now}},
			{"status": models.QueueJobStatusInflight, "leasedUntil": bson.M{"$lt": now}},
		},
	}
	update := bson.M{
		"$set": bson.M{
			"status":      models.QueueJobStatusInflight,
			"leasedUntil": now.Add(leaseDuration),
		},
		"$inc": bson.M{"deliveryCount": 1},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "notBefore", Value: 1}}).
		SetReturnDocument(options.After)

	var job models.QueueJob
	err := q.jobs.FindOneAndUpdate(ctx, filter, update, opts).Decode(&job)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim message: %w", err)
	}

	return &mongoDelivery{queue: q, job: job}, nil
}

// mongoDelivery is one claimed message.
type mongoDelivery struct {
	queue *QueueService
	job   models.QueueJob
}

func (d *mongoDelivery) Payload() []byte {
	return []byte(d.job.Payload)
}

// Attempt returns the transport's delivery count, defaulting to 1 when the
// envelope is missing it.
func (d *mongoDelivery) Attempt() int {
	if d.job.DeliveryCount < 1 {
		return 1
	}
	return d.job.DeliveryCount
}

// Ack marks the message done so it stops recirculating.
func (d *mongoDelivery) Ack(ctx context.Context) error {
	now := time.Now()
	_, err := d.queue.jobs.UpdateOne(ctx,
		bson.M{"_id": d.job.ID},
		bson.M{"$set": bson.M{
			"status": models.QueueJobStatusDone,
			"doneAt": now,
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to ack message: %w", err)
	}
	return nil
}

// Retry schedules redelivery after delay.
func (d *mongoDelivery) Retry(ctx context.Context, delay time.Duration) error {
	_, err := d.queue.jobs.UpdateOne(ctx,
		bson.M{"_id": d.job.ID},
		bson.M{"$set": bson.M{
			"status":    models.QueueJobStatusPending,
			"notBefore": time.Now().Add(delay),
		}},
	)
	if err != nil {
		return fmt.Errorf("failed to schedule redelivery: %w", err)
	}
	return nil
}
