package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"castroom/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRoom(id, code string, max int) *domain.Room {
	host := domain.User{ID: "host", Name: "Host"}
	return &domain.Room{
		ID:              domain.RoomID(id),
		Code:            code,
		Name:            "demo",
		HostID:          host.ID,
		MaxParticipants: max,
		IsActive:        true,
		CreatedAt:       time.Now(),
		Participants:    []domain.Participant{domain.NewParticipant(host, true, time.Now())},
	}
}

func TestRoomRepository_CodeUniqueWhileActive(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRoomRepository()

	require.NoError(t, repo.Create(ctx, newRoom("r1", "ABCD23", 3)))
	assert.ErrorIs(t, repo.Create(ctx, newRoom("r2", "ABCD23", 3)), domain.ErrCodeTaken)

	_, err := repo.End(ctx, "r1")
	require.NoError(t, err)

	_, err = repo.GetActiveByCode(ctx, "ABCD23")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
	assert.NoError(t, repo.Create(ctx, newRoom("r2", "ABCD23", 3)), "ended rooms release their code")

	ended, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ended.IsActive)
	assert.Len(t, ended.Participants, 1, "participants survive end")
}

func TestRoomRepository_AddParticipantEnforcesCapacity(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRoomRepository()
	require.NoError(t, repo.Create(ctx, newRoom("r1", "ABCD23", 3)))

	var wg sync.WaitGroup
	results := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u := domain.User{ID: domain.UserID(rune('a' + i))}
			_, err := repo.AddParticipant(ctx, "r1", domain.NewParticipant(u, false, time.Now()))
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	ok := 0
	for err := range results {
		if err == nil {
			ok++
		} else {
			assert.ErrorIs(t, err, domain.ErrRoomFull)
		}
	}
	assert.Equal(t, 2, ok)

	room, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, room.Participants, 3)
}

func TestRoomRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRoomRepository()
	require.NoError(t, repo.Create(ctx, newRoom("r1", "ABCD23", 3)))

	got, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	got.Participants = nil
	got.Name = "mutated"

	again, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "demo", again.Name)
	assert.Len(t, again.Participants, 1)
}

func TestRoomRepository_ListByUserNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRoomRepository()

	older := newRoom("r1", "AAAA22", 2)
	older.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, repo.Create(ctx, older))
	require.NoError(t, repo.Create(ctx, newRoom("r2", "BBBB33", 2)))

	rooms, err := repo.ListByUser(ctx, "host")
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, domain.RoomID("r2"), rooms[0].ID)

	none, err := repo.ListByUser(ctx, "stranger")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMessageRepository_MonotonicSeqAndTime(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := newMemoryMessageRepository(func() time.Time { return fixed })
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.Append(ctx, &domain.ChatMessage{ID: domain.MessageID(rune('c' - i)), RoomID: "r1", Text: "hi"}))
	}
	require.NoError(t, repo.Append(ctx, &domain.ChatMessage{ID: "x", RoomID: "r2", Text: "other"}))

	msgs, err := repo.List(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.EqualValues(t, i+1, m.Seq)
		if i > 0 {
			assert.True(t, m.CreatedAt.After(msgs[i-1].CreatedAt), "created_at must strictly increase with a frozen clock")
		}
	}

	other, err := repo.List(ctx, "r2")
	require.NoError(t, err)
	assert.EqualValues(t, 1, other[0].Seq)
}

func TestUserRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryUserRepository()
	cred := &domain.Credentials{User: domain.User{ID: "u1", Name: "Ana", Email: "Ana@Example.com"}, PasswordHash: []byte("h")}

	require.NoError(t, repo.Create(ctx, cred))
	assert.ErrorIs(t, repo.Create(ctx, &domain.Credentials{User: domain.User{ID: "u2", Email: "ana@example.com"}}), domain.ErrEmailTaken)

	got, err := repo.GetByEmail(ctx, "ANA@example.com")
	require.NoError(t, err)
	assert.Equal(t, domain.UserID("u1"), got.User.ID)

	_, err = repo.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestKeyedLocker(t *testing.T) {
	locker := NewKeyedLocker()
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, "room:1")
	require.NoError(t, err)

	// other keys are independent
	unlockOther, err := locker.Lock(ctx, "room:2")
	require.NoError(t, err)
	unlockOther()

	timeout, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = locker.Lock(timeout, "room:1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()
	unlock() // idempotent

	again, err := locker.Lock(ctx, "room:1")
	require.NoError(t, err)
	again()

	assert.Empty(t, locker.(*KeyedLocker).locks)
}

func TestFeed_SubscribeAndDispose(t *testing.T) {
	feed := NewFeed[int]()
	var got []int
	dispose := feed.Subscribe("r1", func(v int) { got = append(got, v) })

	require.NoError(t, feed.Publish(context.Background(), "r1", 1))
	require.NoError(t, feed.Publish(context.Background(), "r2", 99))
	dispose()
	dispose()
	require.NoError(t, feed.Publish(context.Background(), "r1", 2))

	assert.Equal(t, []int{1}, got)
	assert.Empty(t, feed.subs)
}
