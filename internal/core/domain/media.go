package domain

import (
	"fmt"
	"time"
)

type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// Constraints are the capture targets for a quality preset.
type Constraints struct {
	Width     int `json:"width"`
	Height    int `json:"height"`
	FrameRate int `json:"frame_rate"`
}

var qualityConstraints = map[Quality]Constraints{
	QualityLow:    {Width: 1280, Height: 720, FrameRate: 30},
	QualityMedium: {Width: 1920, Height: 1080, FrameRate: 30},
	QualityHigh:   {Width: 2560, Height: 1440, FrameRate: 30},
}

func ParseQuality(s string) (Quality, error) {
	q := Quality(s)
	if _, ok := qualityConstraints[q]; !ok {
		return "", fmt.Errorf("unknown quality %q", s)
	}
	return q, nil
}

func (q Quality) Constraints() Constraints {
	return qualityConstraints[q]
}

func (q Quality) Label() string {
	return fmt.Sprintf("%dp", q.Constraints().Height)
}

type MediaSettings struct {
	Quality      Quality `json:"quality"`
	AudioEnabled bool    `json:"audio_enabled"`
}

type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
)

// LinkState is the per-viewer peer link state machine.
type LinkState string

const (
	LinkIdle         LinkState = "idle"
	LinkNegotiating  LinkState = "negotiating"
	LinkConnected    LinkState = "connected"
	LinkDisconnected LinkState = "disconnected"
	LinkFailed       LinkState = "failed"
)

var linkTransitions = map[LinkState][]LinkState{
	LinkIdle:         {LinkNegotiating, LinkDisconnected},
	LinkNegotiating:  {LinkConnected, LinkDisconnected, LinkFailed},
	LinkConnected:    {LinkDisconnected, LinkFailed},
	LinkDisconnected: {LinkNegotiating},
	LinkFailed:       {LinkNegotiating},
}

// CanTransition reports whether s -> next is a legal link transition.
func (s LinkState) CanTransition(next LinkState) bool {
	for _, allowed := range linkTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Status maps a link state onto the coarse connection status.
func (s LinkState) Status() ConnectionStatus {
	switch s {
	case LinkConnected:
		return StatusConnected
	case LinkIdle, LinkNegotiating:
		return StatusConnecting
	default:
		return StatusDisconnected
	}
}

type Role string

const (
	RoleIdle    Role = "idle"
	RoleHosting Role = "hosting"
	RoleViewing Role = "viewing"
)

// LinkInfo describes one peer link for observers.
type LinkInfo struct {
	PeerID   string    `json:"peer_id"`
	State    LinkState `json:"state"`
	Attempts int       `json:"attempts"`
	Since    time.Time `json:"since"`
}
