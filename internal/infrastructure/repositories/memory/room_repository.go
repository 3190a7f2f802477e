package memory

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"

	"castroom/internal/core/domain"
	"castroom/internal/core/ports"
)

type MemoryRoomRepository struct {
	rooms map[domain.RoomID]*domain.Room
	codes map[string]domain.RoomID // active rooms only
	mu    sync.RWMutex
}

func NewMemoryRoomRepository() ports.RoomStore {
	return &MemoryRoomRepository{
		rooms: make(map[domain.RoomID]*domain.Room),
		codes: make(map[string]domain.RoomID),
	}
}

func (r *MemoryRoomRepository) Create(ctx context.Context, room *domain.Room) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[room.ID]; exists {
		return fmt.Errorf("room already exists: %s", room.ID)
	}
	if _, taken := r.codes[room.Code]; taken {
		return domain.ErrCodeTaken
	}

	r.rooms[room.ID] = room.Clone()
	if room.IsActive {
		r.codes[room.Code] = room.ID
	}
	return nil
}

func (r *MemoryRoomRepository) GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	return room.Clone(), nil
}

func (r *MemoryRoomRepository) GetActiveByCode(ctx context.Context, code string) (*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.codes[code]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	return r.rooms[id].Clone(), nil
}

func (r *MemoryRoomRepository) AddParticipant(ctx context.Context, id domain.RoomID, p domain.Participant) (*domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[id]
	switch {
	case !exists:
		return nil, domain.ErrRoomNotFound
	case !room.IsActive:
		return nil, domain.ErrRoomInactive
	case room.IsMember(p.ID):
		return room.Clone(), nil
	case room.IsFull():
		return nil, domain.ErrRoomFull
	}

	r.rooms[id] = room.WithParticipant(p)
	return r.rooms[id].Clone(), nil
}

func (r *MemoryRoomRepository) RemoveParticipant(ctx context.Context, id domain.RoomID, userID domain.UserID) (*domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}

	r.rooms[id] = room.WithoutParticipant(userID)
	return r.rooms[id].Clone(), nil
}

func (r *MemoryRoomRepository) End(ctx context.Context, id domain.RoomID) (*domain.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	if room.IsActive {
		room.IsActive = false
		if r.codes[room.Code] == id {
			delete(r.codes, room.Code)
		}
	}
	return room.Clone(), nil
}

func (r *MemoryRoomRepository) ListByUser(ctx context.Context, userID domain.UserID) ([]*domain.Room, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var rooms []*domain.Room
	for _, room := range r.rooms {
		if room.HostID == userID || room.IsMember(userID) {
			rooms = append(rooms, room.Clone())
		}
	}
	slices.SortFunc(rooms, func(a, b *domain.Room) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return rooms, nil
}
