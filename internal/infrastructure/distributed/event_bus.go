package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"castroom/internal/core/domain"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type EventType string

const (
	EventRoomUpdated EventType = "room.updated"
	EventChatMessage EventType = "chat.message"
)

const eventsChannel = "castroom:events"

// Event is one cross-instance notification.
type Event struct {
	Type       EventType       `json:"type"`
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	RoomID     domain.RoomID   `json:"room_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventBus relays events between castroom instances over Redis pub/sub.
// Events published by this instance are not delivered back to it.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	logger     *zap.SugaredLogger
	channel    string

	mu       sync.RWMutex
	handlers map[EventType][]func(*Event)
	running  bool
}

func NewEventBus(client redis.UniversalClient, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		channel:    eventsChannel,
		handlers:   make(map[EventType][]func(*Event)),
	}
}

func (eb *EventBus) InstanceID() string {
	return eb.instanceID
}

func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now().UTC()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"room_id", event.RoomID,
	)
	return nil
}

// Handle registers fn for remote events of type t. Handlers run on the
// Run goroutine and must not block.
func (eb *EventBus) Handle(t EventType, fn func(*Event)) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.handlers[t] = append(eb.handlers[t], fn)
}

// Run receives events until ctx is done.
func (eb *EventBus) Run(ctx context.Context) error {
	eb.mu.Lock()
	if eb.running {
		eb.mu.Unlock()
		return errors.New("event bus already running")
	}
	eb.running = true
	eb.mu.Unlock()

	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}
	ch := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.dispatch(msg.Payload)
		}
	}
}

func (eb *EventBus) dispatch(payload string) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event",
			"error", err,
			"payload", payload,
		)
		return
	}
	if event.InstanceID == eb.instanceID {
		return
	}

	eb.mu.RLock()
	handlers := eb.handlers[event.Type]
	eb.mu.RUnlock()

	for _, fn := range handlers {
		fn(&event)
	}
}
