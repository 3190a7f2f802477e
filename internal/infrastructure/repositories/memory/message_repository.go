package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
)

type roomLog struct {
	messages []domain.ChatMessage
	lastSeq  int64
	lastAt   time.Time
}

type MemoryMessageRepository struct {
	logs map[domain.RoomID]*roomLog
	now  func() time.Time
	mu   sync.Mutex
}

func NewMemoryMessageRepository() ports.MessageStore {
	return newMemoryMessageRepository(time.Now)
}

func newMemoryMessageRepository(now func() time.Time) *MemoryMessageRepository {
	return &MemoryMessageRepository{
		logs: make(map[domain.RoomID]*roomLog),
		now:  now,
	}
}

func (r *MemoryMessageRepository) Append(ctx context.Context, msg *domain.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	log, ok := r.logs[msg.RoomID]
	if !ok {
		log = &roomLog{}
		r.logs[msg.RoomID] = log
	}

	at := r.now().UTC()
	if !at.After(log.lastAt) {
		at = log.lastAt.Add(time.Microsecond)
	}
	log.lastSeq++
	log.lastAt = at

	msg.Seq = log.lastSeq
	msg.CreatedAt = at
	log.messages = append(log.messages, *msg)
	return nil
}

func (r *MemoryMessageRepository) List(ctx context.Context, roomID domain.RoomID) ([]domain.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log, ok := r.logs[roomID]
	if !ok {
		return nil, nil
	}
	return slices.Clone(log.messages), nil
}
