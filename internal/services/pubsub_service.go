package services

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Event channel for cross-instance diary notifications
const diaryEventsChannel = "diary:events"

// Diary event types
const (
	EventGenerationCompleted = "generation_completed"
	EventEntryEdited         = "entry_edited"
)

// DiaryEvent is a cross-instance notification published when an entry's
// displayable body changes, so other instances can drop their cached draft
// responses.
type DiaryEvent struct {
	Type       string `json:"type"`
	UserID     string `json:"userId"`
	Date       string `json:"date"`
	Source     string `json:"source,omitempty"` // generation tier, for completion events
	InstanceID string `json:"instanceId"`       // source instance, to skip own messages
}

// EventHandler is a callback for handling diary events
type EventHandler func(event *DiaryEvent)

// PubSubService manages Redis pub/sub for cross-instance communication
type PubSubService struct {
	redis      *RedisService
	pubsub     *redis.PubSub
	handlers   map[string][]EventHandler
	mu         sync.RWMutex
	instanceID string
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewPubSubService creates a new pub/sub service
func NewPubSubService(redisService *RedisService, instanceID string) *PubSubService {
	ctx, cancel := context.WithCancel(context.Background())
	return &PubSubService{
		redis:      redisService,
		handlers:   make(map[string][]EventHandler),
		instanceID: instanceID,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Subscribe registers a handler for an event type
func (s *PubSubService) Subscribe(eventType string, handler EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handlers[eventType] = append(s.handlers[eventType], handler)
	log.Printf("📡 [PUBSUB] Subscribed to event type: %s", eventType)
}

// Start begins listening for diary events
func (s *PubSubService) Start() error {
	client := s.redis.Client()

	s.pubsub = client.Subscribe(s.ctx, diaryEventsChannel)

	// Wait for subscription confirmation
	if _, err := s.pubsub.Receive(s.ctx); err != nil {
		return err
	}

	go s.processMessages()

	log.Printf("✅ [PUBSUB] Started listening for diary events (instance: %s)", s.instanceID)
	return nil
}

// Publish sends a diary event to all instances. Best-effort: callers treat
// failures as a warning, never as a generation failure.
func (s *PubSubService) Publish(ctx context.Context, event *DiaryEvent) error {
	event.InstanceID = s.instanceID

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return s.redis.Publish(ctx, diaryEventsChannel, payload)
}

// Stop shuts down the subscription
func (s *PubSubService) Stop() {
	s.cancel()
	if s.pubsub != nil {
		s.pubsub.Close()
	}
}

func (s *PubSubService) processMessages() {
	ch := s.pubsub.Channel()

	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleMessage(msg)
		}
	}
}

func (s *PubSubService) handleMessage(msg *redis.Message) {
	var event DiaryEvent
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		log.Printf("⚠️ [PUBSUB] Failed to unmarshal event: %v", err)
		return
	}

	// Skip messages from this instance (avoid loops)
	if event.InstanceID == s.instanceID {
		return
	}

	s.mu.RLock()
	handlers := s.handlers[event.Type]
	s.mu.RUnlock()

	for _, handler := range handlers {
		go handler(&event)
	}
}
