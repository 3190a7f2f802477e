package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
	"castroom/internal/infrastructure/repositories/memory"
	apperrors "castroom/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestPresence(rooms ports.RoomStore) *PresenceController {
	if rooms == nil {
		rooms = memory.NewMemoryRoomRepository()
	}
	return NewPresenceController(rooms, memory.NewKeyedLocker(), memory.NewFeed[domain.Room](),
		PresenceConfig{CodeLength: 6, CodeAttempts: 3, MaxParticipantsLimit: 50},
		zap.NewNop().Sugar(), nil)
}

func testUser(n int) domain.User {
	return domain.User{
		ID:    domain.UserID(fmt.Sprintf("user-%d", n)),
		Name:  fmt.Sprintf("User %d", n),
		Email: fmt.Sprintf("user%d@example.com", n),
	}
}

func TestPresence_CreateRoom(t *testing.T) {
	p := newTestPresence(nil)
	host := testUser(0)

	room, err := p.CreateRoom(context.Background(), "  Standup  ", 4, host)
	require.NoError(t, err)

	assert.Equal(t, "Standup", room.Name)
	assert.Len(t, room.Code, 6)
	assert.True(t, room.IsActive)
	assert.Equal(t, host.Name, room.HostName)
	require.Len(t, room.Participants, 1)
	assert.True(t, room.Participants[0].IsHost)
	assert.Equal(t, room.ID, p.Cached(room.ID).ID)
}

func TestPresence_CreateRoomValidation(t *testing.T) {
	p := newTestPresence(nil)

	_, err := p.CreateRoom(context.Background(), "room", 0, testUser(0))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	_, err = p.CreateRoom(context.Background(), "   ", 2, testUser(0))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))

	_, err = p.CreateRoom(context.Background(), "room", 51, testUser(0))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestPresence_CreateRoomRetriesCodeCollisions(t *testing.T) {
	p := newTestPresence(nil)
	codes := []string{"AAAAAA", "AAAAAA", "BBBBBB"}
	p.newCode = func(int) (string, error) {
		c := codes[0]
		codes = codes[1:]
		return c, nil
	}

	first, err := p.CreateRoom(context.Background(), "one", 2, testUser(0))
	require.NoError(t, err)
	second, err := p.CreateRoom(context.Background(), "two", 2, testUser(1))
	require.NoError(t, err)

	assert.Equal(t, "AAAAAA", first.Code)
	assert.Equal(t, "BBBBBB", second.Code)

	p.newCode = func(int) (string, error) { return "AAAAAA", nil }
	_, err = p.CreateRoom(context.Background(), "three", 2, testUser(2))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeConflict))
}

func TestPresence_ConcurrentJoinsNeverExceedCapacity(t *testing.T) {
	const capacity = 5
	p := newTestPresence(nil)
	room, err := p.CreateRoom(context.Background(), "busy", capacity, testUser(0))
	require.NoError(t, err)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		joined int
		full   int
	)
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := p.JoinRoom(context.Background(), room.Code, testUser(i))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				joined++
			case apperrors.HasCode(err, apperrors.ErrCodeRoomFull):
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, capacity-1, joined)
	assert.Equal(t, 20-(capacity-1), full)

	fresh, err := p.Refresh(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Len(t, fresh.Participants, capacity)
}

func TestPresence_JoinIsIdempotent(t *testing.T) {
	p := newTestPresence(nil)
	room, err := p.CreateRoom(context.Background(), "room", 3, testUser(0))
	require.NoError(t, err)

	first, joined, err := p.JoinRoom(context.Background(), room.Code, testUser(1))
	require.NoError(t, err)
	assert.True(t, joined)

	second, joined, err := p.JoinRoom(context.Background(), " "+room.Code+" ", testUser(1))
	require.NoError(t, err)
	assert.False(t, joined)
	assert.Equal(t, first.Participants, second.Participants)
}

func TestPresence_ThirdJoinIntoFullRoom(t *testing.T) {
	p := newTestPresence(nil)
	room, err := p.CreateRoom(context.Background(), "pair", 2, testUser(0))
	require.NoError(t, err)
	_, _, err = p.JoinRoom(context.Background(), room.Code, testUser(1))
	require.NoError(t, err)

	_, _, err = p.JoinRoom(context.Background(), room.Code, testUser(2))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRoomFull))

	fresh, err := p.Refresh(context.Background(), room.ID)
	require.NoError(t, err)
	assert.Len(t, fresh.Participants, 2)
}

func TestPresence_JoinUnknownCode(t *testing.T) {
	p := newTestPresence(nil)
	_, _, err := p.JoinRoom(context.Background(), "ZZZZZZ", testUser(1))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))

	_, _, err = p.JoinRoom(context.Background(), "!!", testUser(1))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestPresence_LeaveRoom(t *testing.T) {
	p := newTestPresence(nil)
	host := testUser(0)
	room, err := p.CreateRoom(context.Background(), "room", 3, host)
	require.NoError(t, err)
	_, _, err = p.JoinRoom(context.Background(), room.Code, testUser(1))
	require.NoError(t, err)

	after, left, err := p.LeaveRoom(context.Background(), room.ID, testUser(1).ID)
	require.NoError(t, err)
	assert.True(t, left)
	assert.False(t, after.IsMember(testUser(1).ID))

	_, left, err = p.LeaveRoom(context.Background(), room.ID, testUser(1).ID)
	require.NoError(t, err, "leaving twice is a no-op")
	assert.False(t, left)

	_, _, err = p.LeaveRoom(context.Background(), room.ID, host.ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestPresence_EndRoom(t *testing.T) {
	p := newTestPresence(nil)
	host := testUser(0)
	room, err := p.CreateRoom(context.Background(), "room", 3, host)
	require.NoError(t, err)
	_, _, err = p.JoinRoom(context.Background(), room.Code, testUser(1))
	require.NoError(t, err)

	_, err = p.EndRoom(context.Background(), room.ID, testUser(1).ID)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnauthorized))

	ended, err := p.EndRoom(context.Background(), room.ID, host.ID)
	require.NoError(t, err)
	assert.False(t, ended.IsActive)
	assert.Len(t, ended.Participants, 2, "participants kept for history")

	_, err = p.EndRoom(context.Background(), room.ID, host.ID)
	require.NoError(t, err, "ending twice is a no-op")

	fresh, err := p.Refresh(context.Background(), room.ID)
	require.NoError(t, err)
	assert.False(t, fresh.IsActive)

	_, _, err = p.JoinRoom(context.Background(), room.Code, testUser(2))
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNotFound))
}

func TestPresence_FailedCommitRestoresCache(t *testing.T) {
	rooms := &failingRooms{RoomStore: memory.NewMemoryRoomRepository()}
	p := newTestPresence(rooms)
	host := testUser(0)
	room, err := p.CreateRoom(context.Background(), "room", 3, host)
	require.NoError(t, err)
	before := p.Cached(room.ID)

	rooms.failAdd = true
	_, _, err = p.JoinRoom(context.Background(), room.Code, testUser(1))
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeNetwork))
	assert.Equal(t, before, p.Cached(room.ID))

	rooms.failEnd = true
	_, err = p.EndRoom(context.Background(), room.ID, host.ID)
	require.Error(t, err)
	assert.True(t, p.Cached(room.ID).IsActive)
}

// slowRooms holds AddParticipant until gate is closed.
type slowRooms struct {
	ports.RoomStore
	entered chan struct{}
	gate    chan struct{}
}

func (r *slowRooms) AddParticipant(ctx context.Context, id domain.RoomID, p domain.Participant) (*domain.Room, error) {
	r.entered <- struct{}{}
	<-r.gate
	return r.RoomStore.AddParticipant(ctx, id, p)
}

func TestPresence_CacheOnlyShowsCommittedRooms(t *testing.T) {
	rooms := &slowRooms{
		RoomStore: memory.NewMemoryRoomRepository(),
		entered:   make(chan struct{}, 1),
		gate:      make(chan struct{}),
	}
	p := newTestPresence(rooms)
	room, err := p.CreateRoom(context.Background(), "room", 3, testUser(0))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := p.JoinRoom(context.Background(), room.Code, testUser(1))
		done <- err
	}()

	select {
	case <-rooms.entered:
	case <-time.After(time.Second):
		t.Fatal("commit never started")
	}
	assert.Len(t, p.Cached(room.ID).Participants, 1, "the pending join is not visible")

	close(rooms.gate)
	require.NoError(t, <-done)
	assert.Len(t, p.Cached(room.ID).Participants, 2)
}

func TestPresence_WatchSeesCommittedStates(t *testing.T) {
	p := newTestPresence(nil)
	room, err := p.CreateRoom(context.Background(), "room", 3, testUser(0))
	require.NoError(t, err)

	var seen []int
	dispose := p.Watch(room.ID, func(r *domain.Room) { seen = append(seen, len(r.Participants)) })

	_, _, err = p.JoinRoom(context.Background(), room.Code, testUser(1))
	require.NoError(t, err)
	_, _, err = p.LeaveRoom(context.Background(), room.ID, testUser(1).ID)
	require.NoError(t, err)
	dispose()
	_, _, err = p.JoinRoom(context.Background(), room.Code, testUser(2))
	require.NoError(t, err)

	assert.Equal(t, []int{2, 1}, seen)
}

func TestPresence_UserRooms(t *testing.T) {
	p := newTestPresence(nil)
	host := testUser(0)
	first, err := p.CreateRoom(context.Background(), "first", 3, host)
	require.NoError(t, err)
	second, err := p.CreateRoom(context.Background(), "second", 3, host)
	require.NoError(t, err)

	rooms, err := p.UserRooms(context.Background(), host.ID)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.ElementsMatch(t, []domain.RoomID{first.ID, second.ID}, []domain.RoomID{rooms[0].ID, rooms[1].ID})
}
