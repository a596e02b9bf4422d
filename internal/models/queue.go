package models

import (
	"encoding/json"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Queue message kinds. The message payload is a closed tagged union: anything
// whose kind does not match one of these is dropped at the dispatch site.
const (
	QueueKindFutureDraftGenerate = "future_draft_generate"
	QueueKindVectorizeUpsert     = "vectorize_upsert"
)

// GenerationQueueMessage is the wire shape of a queued generation or indexing
// job. Immutable once enqueued; the delivery envelope (not the message)
// carries the attempt count.
type GenerationQueueMessage struct {
	Kind     string `json:"kind"`
	UserID   string `json:"userId"`
	Date     string `json:"date"`               // YYYY-MM-DD
	Timezone string `json:"timezone,omitempty"` // IANA name, only for future_draft_generate
}

// ParseQueueMessage decodes a payload and rejects unknown kinds.
func ParseQueueMessage(payload []byte) (GenerationQueueMessage, error) {
	var msg GenerationQueueMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, fmt.Errorf("malformed queue payload: %w", err)
	}
	switch msg.Kind {
	case QueueKindFutureDraftGenerate, QueueKindVectorizeUpsert:
	default:
		return msg, fmt.Errorf("unknown queue message kind %q", msg.Kind)
	}
	if msg.UserID == "" || msg.Date == "" {
		return msg, fmt.Errorf("queue message missing userId or date")
	}
	return msg, nil
}

// Queue job status constants (Mongo-backed queue transport)
const (
	QueueJobStatusPending  = "pending"
	QueueJobStatusInflight = "inflight"
	QueueJobStatusDone     = "done"
)

// QueueJob is one delivery unit in the Mongo-backed queue collection. The
// payload is stored as raw JSON so unknown shapes still round-trip to the
// consumer, which acks and drops them.
type QueueJob struct {
	ID            primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Payload       string             `bson:"payload" json:"payload"`
	Status        string             `bson:"status" json:"status"`
	DeliveryCount int                `bson:"deliveryCount" json:"delivery_count"`
	NotBefore     time.Time          `bson:"notBefore" json:"not_before"`
	LeasedUntil   time.Time          `bson:"leasedUntil,omitempty" json:"leased_until,omitempty"`
	CreatedAt     time.Time          `bson:"createdAt" json:"created_at"`
	DoneAt        *time.Time         `bson:"doneAt,omitempty" json:"done_at,omitempty"`
}
