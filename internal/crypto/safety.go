package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SafetyService produces one-way safety identifiers for users. The raw user
// id must never reach logs or the completion oracle; the identifier lets
// abuse reports and log lines be correlated without exposing identity.
type SafetyService struct {
	key []byte
}

// NewSafetyService creates a safety service. An empty key falls back to plain
// SHA-256, which is fine for single-tenant deployments; set SAFETY_HASH_KEY
// in production so identifiers cannot be precomputed from known user ids.
func NewSafetyService(key string) *SafetyService {
	return &SafetyService{key: []byte(key)}
}

// SafetyIdentifier returns the hashed identifier for a user id, hex-encoded
// and truncated to 32 characters.
func (s *SafetyService) SafetyIdentifier(userID string) string {
	var sum []byte
	if len(s.key) > 0 {
		mac := hmac.New(sha256.New, s.key)
		mac.Write([]byte(userID))
		sum = mac.Sum(nil)
	} else {
		h := sha256.Sum256([]byte(userID))
		sum = h[:]
	}
	return hex.EncodeToString(sum)[:32]
}
