package reliability

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
	"castroom/internal/infrastructure/repositories/memory"
	"castroom/pkg/circuitbreaker"
	"castroom/pkg/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// flakyRooms fails the first n GetByID calls with a transport error.
type flakyRooms struct {
	ports.RoomStore

	mu    sync.Mutex
	fails int
	calls int
}

var errConnReset = errors.New("connection reset by peer")

func (f *flakyRooms) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.fails
	f.mu.Unlock()
	if fail {
		return nil, errConnReset
	}
	return f.RoomStore.GetByID(ctx, id)
}

func (f *flakyRooms) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testRetry() retry.Config {
	return retry.Config{
		Enabled:      true,
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
		MaxDelay:     time.Millisecond,
		Multiplier:   1,
	}
}

func seedRoom(t *testing.T, store ports.RoomStore) *domain.Room {
	t.Helper()
	room := &domain.Room{
		ID:              "room-1",
		Code:            "ABC123",
		HostID:          "host",
		MaxParticipants: 2,
		IsActive:        true,
		CreatedAt:       time.Now(),
	}
	require.NoError(t, store.Create(context.Background(), room))
	return room
}

func TestRoomStoreWrapper_RetriesTransientReads(t *testing.T) {
	flaky := &flakyRooms{RoomStore: memory.NewMemoryRoomRepository(), fails: 2}
	w := NewRoomStoreWrapper(flaky, testRetry(), circuitbreaker.DefaultConfig(), zap.NewNop().Sugar())
	seedRoom(t, w)

	room, err := w.GetByID(context.Background(), "room-1")
	require.NoError(t, err)
	assert.Equal(t, "ABC123", room.Code)
	assert.Equal(t, 3, flaky.callCount())
}

func TestRoomStoreWrapper_DomainErrorsPassThrough(t *testing.T) {
	flaky := &flakyRooms{RoomStore: memory.NewMemoryRoomRepository()}
	cb := circuitbreaker.DefaultConfig()
	cb.FailureThreshold = 1
	w := NewRoomStoreWrapper(flaky, testRetry(), cb, zap.NewNop().Sugar())

	for i := 0; i < 3; i++ {
		_, err := w.GetByID(context.Background(), "missing")
		assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	}
	assert.Equal(t, 3, flaky.callCount(), "not found is never retried")
	assert.Equal(t, circuitbreaker.StateClosed, w.GetCircuitBreakerStats().State)

	seedRoom(t, w)
	_, err := w.GetActiveByCode(context.Background(), "ABC123")
	require.NoError(t, err)
}

func TestRoomStoreWrapper_OpensOnOutage(t *testing.T) {
	flaky := &flakyRooms{RoomStore: memory.NewMemoryRoomRepository(), fails: 100}
	cb := circuitbreaker.DefaultConfig()
	cb.FailureThreshold = 2
	cb.Timeout = time.Hour
	w := NewRoomStoreWrapper(flaky, testRetry(), cb, zap.NewNop().Sugar())

	_, err := w.GetByID(context.Background(), "room-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, 2, flaky.callCount(), "the open circuit short-circuits the last attempt")
	assert.Equal(t, circuitbreaker.StateOpen, w.GetCircuitBreakerStats().State)
}

func TestMessageStoreWrapper(t *testing.T) {
	w := NewMessageStoreWrapper(memory.NewMemoryMessageRepository(), testRetry(), circuitbreaker.DefaultConfig(), zap.NewNop().Sugar())
	ctx := context.Background()

	require.NoError(t, w.Append(ctx, &domain.ChatMessage{ID: "m1", RoomID: "room-1", Text: "hi", Kind: domain.MessageUser}))
	msgs, err := w.List(ctx, "room-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, int64(1), msgs[0].Seq)
}
