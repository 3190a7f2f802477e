package ports

import (
	"context"

	"castroom/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// CaptureDevice acquires a screen capture. Acquire may block on a user prompt
// and fails with PERMISSION_DENIED, UNSUPPORTED or UNKNOWN.
type CaptureDevice interface {
	Acquire(ctx context.Context, c domain.Constraints, withAudio bool) (CaptureSource, error)
}

// CaptureSource is a live capture stream.
type CaptureSource interface {
	ID() string
	Tracks() []webrtc.TrackLocal
	// ApplyConstraints retargets the video track in place.
	ApplyConstraints(c domain.Constraints) error
	// SetAudioEnabled gates the microphone track and returns the effective state.
	SetAudioEnabled(enabled bool) bool
	// Ended is closed when the capture stops for any reason.
	Ended() <-chan struct{}
	Stop()
}

// Negotiator establishes single peer links over a signaling channel.
type Negotiator interface {
	// AwaitViewer blocks until a viewer asks to join the hosted room.
	AwaitViewer(ctx context.Context, roomID domain.RoomID) (viewerID string, err error)
	// Offer links the host to viewerID carrying tracks.
	Offer(ctx context.Context, roomID domain.RoomID, viewerID string, tracks []webrtc.TrackLocal) (Transport, error)
	// Answer links a viewer to the room's host.
	Answer(ctx context.Context, roomID domain.RoomID) (Transport, error)
	Close() error
}

// Transport is one established peer link.
type Transport interface {
	PeerID() string
	// Done is closed when the link is lost or closed. Err explains why.
	Done() <-chan struct{}
	Err() error
	// ReplaceTracks swaps outgoing tracks without renegotiating SDP.
	ReplaceTracks(tracks []webrtc.TrackLocal) error
	Close() error
}

// Signaling is a message channel to the relay.
type Signaling interface {
	Send(ctx context.Context, s domain.Signal) error
	Receive() <-chan domain.Signal
	Close() error
}
