package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// User represents a diary owner. Users are created lazily the first time a
// draft is requested for them, so most fields are optional.
type User struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	UserID       string             `bson:"userId" json:"user_id"` // External identity (auth is handled upstream)
	Timezone     string             `bson:"timezone,omitempty" json:"timezone,omitempty"`
	CreatedAt    time.Time          `bson:"createdAt" json:"created_at"`
	LastActiveAt time.Time          `bson:"lastActiveAt" json:"last_active_at"`

	// Per-user style preferences (override the global style template)
	Preferences UserPreferences `bson:"preferences" json:"preferences"`
}

// UserPreferences holds user-specific draft generation settings
type UserPreferences struct {
	Tone          string `bson:"tone,omitempty" json:"tone,omitempty"`                   // e.g. "reflective", "upbeat"
	MaxParagraphs int    `bson:"maxParagraphs,omitempty" json:"max_paragraphs,omitempty"` // 0 = use global default
}
