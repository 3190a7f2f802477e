package domain

import (
	"cmp"
	"time"
)

type MessageID string

type MessageKind string

const (
	MessageUser   MessageKind = "user"
	MessageSystem MessageKind = "system"
)

type ChatMessage struct {
	ID         MessageID   `json:"id"`
	RoomID     RoomID      `json:"room_id"`
	AuthorID   *UserID     `json:"author_id"`
	AuthorName string      `json:"author_name,omitempty"`
	Text       string      `json:"text"`
	Kind       MessageKind `json:"kind"`
	// Seq is the per-room commit counter assigned by the store.
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// CompareMessages orders by CreatedAt, then ID.
func CompareMessages(a, b ChatMessage) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
