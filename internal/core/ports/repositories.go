package ports

import (
	"context"

	"castroom/internal/core/domain"
)

// RoomStore is the authoritative room/participant persistence.
type RoomStore interface {
	// Create fails with domain.ErrCodeTaken when another active room owns the code.
	Create(ctx context.Context, room *domain.Room) error
	GetByID(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	GetActiveByCode(ctx context.Context, code string) (*domain.Room, error)
	// AddParticipant inserts p unless already present, enforcing MaxParticipants
	// atomically. Fails with domain.ErrRoomFull or domain.ErrRoomInactive.
	AddParticipant(ctx context.Context, id domain.RoomID, p domain.Participant) (*domain.Room, error)
	RemoveParticipant(ctx context.Context, id domain.RoomID, userID domain.UserID) (*domain.Room, error)
	// End marks the room inactive and releases its code. Participants are kept.
	End(ctx context.Context, id domain.RoomID) (*domain.Room, error)
	// ListByUser returns rooms the user hosts or joined, newest first.
	ListByUser(ctx context.Context, userID domain.UserID) ([]*domain.Room, error)
}

// MessageStore is the append-only chat log.
type MessageStore interface {
	// Append assigns Seq and CreatedAt. CreatedAt is strictly increasing per
	// room in Seq order.
	Append(ctx context.Context, msg *domain.ChatMessage) error
	List(ctx context.Context, roomID domain.RoomID) ([]domain.ChatMessage, error)
}

type UserStore interface {
	// Create fails with domain.ErrEmailTaken.
	Create(ctx context.Context, cred *domain.Credentials) error
	GetByEmail(ctx context.Context, email string) (*domain.Credentials, error)
	GetByID(ctx context.Context, id domain.UserID) (*domain.User, error)
}

// Locker serializes critical sections by key, in process or across processes.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Feed fans out per-room values to subscribers, possibly across processes.
// Delivery is at-least-once; consumers de-duplicate.
type Feed[T any] interface {
	Publish(ctx context.Context, roomID domain.RoomID, v T) error
	Subscribe(roomID domain.RoomID, fn func(T)) (unsubscribe func())
}
