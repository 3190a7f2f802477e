package domain

import (
	"slices"
	"time"
)

type RoomID string

type Room struct {
	ID              RoomID        `json:"id"`
	Code            string        `json:"code"`
	Name            string        `json:"name"`
	HostID          UserID        `json:"host_id"`
	HostName        string        `json:"host_name"`
	MaxParticipants int           `json:"max_participants"`
	IsActive        bool          `json:"is_active"`
	CreatedAt       time.Time     `json:"created_at"`
	Participants    []Participant `json:"participants"`
}

type Participant struct {
	ID       UserID    `json:"id"`
	Name     string    `json:"name"`
	Email    string    `json:"email"`
	JoinedAt time.Time `json:"joined_at"`
	IsHost   bool      `json:"is_host"`
}

// NewParticipant builds the membership record for u. isHost must only be
// true for the user matching Room.HostID.
func NewParticipant(u User, isHost bool, now time.Time) Participant {
	return Participant{
		ID:       u.ID,
		Name:     u.Name,
		Email:    u.Email,
		JoinedAt: now,
		IsHost:   isHost,
	}
}

func (r *Room) IsMember(id UserID) bool {
	return r.indexOf(id) >= 0
}

func (r *Room) IsHost(id UserID) bool {
	return r.HostID == id
}

func (r *Room) IsFull() bool {
	return len(r.Participants) >= r.MaxParticipants
}

func (r *Room) indexOf(id UserID) int {
	return slices.IndexFunc(r.Participants, func(p Participant) bool { return p.ID == id })
}

// WithParticipant returns a copy of r with p appended unless already present.
func (r *Room) WithParticipant(p Participant) *Room {
	c := r.Clone()
	if c.indexOf(p.ID) < 0 {
		c.Participants = append(c.Participants, p)
	}
	return c
}

// WithoutParticipant returns a copy of r without id.
func (r *Room) WithoutParticipant(id UserID) *Room {
	c := r.Clone()
	c.Participants = slices.DeleteFunc(c.Participants, func(p Participant) bool { return p.ID == id })
	return c
}

// Clone deep-copies the participant slice so callers never share backing arrays with a cache.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	c.Participants = slices.Clone(r.Participants)
	return &c
}
