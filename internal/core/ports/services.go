package ports

import (
	"context"

	"castroom/internal/core/domain"
)

type MediaService interface {
	StartCapture(ctx context.Context) (CaptureSource, error)
	StopCapture()
	SetAudioEnabled(enabled bool) bool
	SetQuality(q domain.Quality) (domain.MediaSettings, error)
	OnTrackEnded(fn func(err error)) (dispose func())
	Settings() domain.MediaSettings
	Active() bool
}

type PeerService interface {
	AttachLocalStream(ctx context.Context, roomID domain.RoomID, source CaptureSource) error
	Retune(ctx context.Context) error
	ConnectToHost(ctx context.Context, roomID domain.RoomID) (<-chan domain.ConnectionStatus, error)
	Disconnect(ctx context.Context) error
	ActiveLinks() int
	Links() []domain.LinkInfo
}

type PresenceService interface {
	CreateRoom(ctx context.Context, name string, maxParticipants int, host domain.User) (*domain.Room, error)
	// JoinRoom reports joined=false for an idempotent rejoin.
	JoinRoom(ctx context.Context, code string, user domain.User) (room *domain.Room, joined bool, err error)
	// LeaveRoom reports left=false when the user was not a member.
	LeaveRoom(ctx context.Context, roomID domain.RoomID, userID domain.UserID) (room *domain.Room, left bool, err error)
	EndRoom(ctx context.Context, roomID domain.RoomID, requester domain.UserID) (*domain.Room, error)
	Refresh(ctx context.Context, roomID domain.RoomID) (*domain.Room, error)
	UserRooms(ctx context.Context, userID domain.UserID) ([]*domain.Room, error)
	Watch(roomID domain.RoomID, fn func(*domain.Room)) (dispose func())
}

type ChatService interface {
	PostMessage(ctx context.Context, roomID domain.RoomID, author domain.User, text string) (*domain.ChatMessage, error)
	PostSystemMessage(ctx context.Context, roomID domain.RoomID, text string) (*domain.ChatMessage, error)
	History(ctx context.Context, roomID domain.RoomID) ([]domain.ChatMessage, error)
	// Subscribe streams messages with Seq > afterSeq in Seq order, each once.
	Subscribe(ctx context.Context, roomID domain.RoomID, afterSeq int64) (<-chan domain.ChatMessage, func(), error)
}

type Authenticator interface {
	CurrentUser() *domain.User
	SignIn(ctx context.Context, email, password string) (*domain.User, string, error)
	SignUp(ctx context.Context, name, email, password string) (*domain.User, string, error)
	SignOut(ctx context.Context) error
	OnSessionChange(fn func(user *domain.User)) (dispose func())
}

// Metrics receives service-level counters. Implementations must be safe for concurrent use.
type Metrics interface {
	RoomCreated()
	RoomJoin(result string)
	RoomEnded()
	MessagePosted(kind domain.MessageKind)
	CaptureActive(active bool)
	LinkTransition(from, to domain.LinkState)
	NegotiationAttempt(result string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) RoomCreated()                         {}
func (NopMetrics) RoomJoin(string)                      {}
func (NopMetrics) RoomEnded()                           {}
func (NopMetrics) MessagePosted(domain.MessageKind)     {}
func (NopMetrics) CaptureActive(bool)                   {}
func (NopMetrics) LinkTransition(_, _ domain.LinkState) {}
func (NopMetrics) NegotiationAttempt(string)            {}
