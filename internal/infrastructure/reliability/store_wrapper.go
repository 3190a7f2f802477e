package reliability

import (
	"context"
	"errors"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
	"castroom/pkg/circuitbreaker"
	"castroom/pkg/retry"

	"go.uber.org/zap"
)

// domainErrors are answers, not outages. They neither trip the breaker nor
// get retried.
var domainErrors = []error{
	domain.ErrRoomNotFound,
	domain.ErrRoomFull,
	domain.ErrRoomInactive,
	domain.ErrCodeTaken,
	domain.ErrUserNotFound,
	domain.ErrEmailTaken,
}

func isOutage(err error) bool {
	for _, target := range domainErrors {
		if errors.Is(err, target) {
			return false
		}
	}
	return true
}

func newBreaker(name string, cfg circuitbreaker.Config, logger *zap.SugaredLogger) *circuitbreaker.CircuitBreaker {
	cfg.Name = name
	cfg.IsFailure = isOutage
	cb := circuitbreaker.New(cfg)
	cb.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("circuit breaker state changed",
			"store", name,
			"from", from.String(),
			"to", to.String(),
		)
	})
	return cb
}

func readRetry(cfg retry.Config) retry.Config {
	cfg.NonRetryableErrors = append(append([]error(nil), cfg.NonRetryableErrors...), domainErrors...)
	cfg.NonRetryableErrors = append(cfg.NonRetryableErrors, circuitbreaker.ErrOpen, context.Canceled)
	return cfg
}

// RoomStoreWrapper guards a RoomStore with a circuit breaker. Reads are also
// retried; writes are not, since Create is not idempotent.
type RoomStoreWrapper struct {
	store   ports.RoomStore
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
}

var _ ports.RoomStore = (*RoomStoreWrapper)(nil)

func NewRoomStoreWrapper(
	store ports.RoomStore,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *RoomStoreWrapper {
	return &RoomStoreWrapper{
		store:   store,
		retry:   readRetry(retryConfig),
		breaker: newBreaker("room_store", cbConfig, logger),
	}
}

func (w *RoomStoreWrapper) read(ctx context.Context, fn func() (*domain.Room, error)) (*domain.Room, error) {
	return retry.RetryWithResult(ctx, w.retry, func() (*domain.Room, error) {
		return circuitbreaker.Do(ctx, w.breaker, fn)
	})
}

func (w *RoomStoreWrapper) write(ctx context.Context, fn func() (*domain.Room, error)) (*domain.Room, error) {
	return circuitbreaker.Do(ctx, w.breaker, fn)
}

func (w *RoomStoreWrapper) Create(ctx context.Context, room *domain.Room) error {
	return w.breaker.Execute(ctx, func() error {
		return w.store.Create(ctx, room)
	})
}

func (w *RoomStoreWrapper) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	return w.read(ctx, func() (*domain.Room, error) {
		return w.store.GetByID(ctx, id)
	})
}

func (w *RoomStoreWrapper) GetActiveByCode(ctx context.Context, code string) (*domain.Room, error) {
	return w.read(ctx, func() (*domain.Room, error) {
		return w.store.GetActiveByCode(ctx, code)
	})
}

func (w *RoomStoreWrapper) AddParticipant(ctx context.Context, id domain.RoomID, p domain.Participant) (*domain.Room, error) {
	return w.write(ctx, func() (*domain.Room, error) {
		return w.store.AddParticipant(ctx, id, p)
	})
}

func (w *RoomStoreWrapper) RemoveParticipant(ctx context.Context, id domain.RoomID, userID domain.UserID) (*domain.Room, error) {
	return w.write(ctx, func() (*domain.Room, error) {
		return w.store.RemoveParticipant(ctx, id, userID)
	})
}

func (w *RoomStoreWrapper) End(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	return w.write(ctx, func() (*domain.Room, error) {
		return w.store.End(ctx, id)
	})
}

func (w *RoomStoreWrapper) ListByUser(ctx context.Context, userID domain.UserID) ([]*domain.Room, error) {
	return retry.RetryWithResult(ctx, w.retry, func() ([]*domain.Room, error) {
		return circuitbreaker.Do(ctx, w.breaker, func() ([]*domain.Room, error) {
			return w.store.ListByUser(ctx, userID)
		})
	})
}

// GetCircuitBreakerStats returns circuit breaker statistics
func (w *RoomStoreWrapper) GetCircuitBreakerStats() circuitbreaker.Stats {
	return w.breaker.GetStats()
}

// MessageStoreWrapper guards the chat log the same way.
type MessageStoreWrapper struct {
	store   ports.MessageStore
	retry   retry.Config
	breaker *circuitbreaker.CircuitBreaker
}

var _ ports.MessageStore = (*MessageStoreWrapper)(nil)

func NewMessageStoreWrapper(
	store ports.MessageStore,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *MessageStoreWrapper {
	return &MessageStoreWrapper{
		store:   store,
		retry:   readRetry(retryConfig),
		breaker: newBreaker("message_store", cbConfig, logger),
	}
}

// Append is not retried: a lost acknowledgement would duplicate the message.
func (w *MessageStoreWrapper) Append(ctx context.Context, msg *domain.ChatMessage) error {
	return w.breaker.Execute(ctx, func() error {
		return w.store.Append(ctx, msg)
	})
}

func (w *MessageStoreWrapper) List(ctx context.Context, roomID domain.RoomID) ([]domain.ChatMessage, error) {
	return retry.RetryWithResult(ctx, w.retry, func() ([]domain.ChatMessage, error) {
		return circuitbreaker.Do(ctx, w.breaker, func() ([]domain.ChatMessage, error) {
			return w.store.List(ctx, roomID)
		})
	})
}

func (w *MessageStoreWrapper) GetCircuitBreakerStats() circuitbreaker.Stats {
	return w.breaker.GetStats()
}
