package distributed

import (
	"context"
	"encoding/json"
	"fmt"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
	"castroom/internal/infrastructure/repositories/memory"

	"go.uber.org/zap"
)

// Feed delivers values to local subscribers immediately and to other
// instances through the EventBus.
type Feed[T any] struct {
	bus       *EventBus
	eventType EventType
	local     *memory.Feed[T]
	logger    *zap.SugaredLogger
}

func NewFeed[T any](bus *EventBus, eventType EventType, logger *zap.SugaredLogger) ports.Feed[T] {
	f := &Feed[T]{
		bus:       bus,
		eventType: eventType,
		local:     memory.NewFeed[T](),
		logger:    logger,
	}
	bus.Handle(eventType, f.onRemote)
	return f
}

func (f *Feed[T]) Publish(ctx context.Context, roomID domain.RoomID, v T) error {
	f.local.Publish(ctx, roomID, v)

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", f.eventType, err)
	}
	return f.bus.Publish(ctx, &Event{
		Type:    f.eventType,
		RoomID:  roomID,
		Payload: payload,
	})
}

func (f *Feed[T]) Subscribe(roomID domain.RoomID, fn func(T)) func() {
	return f.local.Subscribe(roomID, fn)
}

func (f *Feed[T]) onRemote(event *Event) {
	var v T
	if err := json.Unmarshal(event.Payload, &v); err != nil {
		f.logger.Warnw("dropping malformed event",
			"type", event.Type,
			"room_id", event.RoomID,
			"error", err,
		)
		return
	}
	f.local.Publish(context.Background(), event.RoomID, v)
}
