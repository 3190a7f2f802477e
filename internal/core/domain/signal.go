package domain

// SignalType enumerates relay messages exchanged between hosts and viewers.
type SignalType string

const (
	SignalRegisterHost SignalType = "register_host"
	SignalJoin         SignalType = "join"
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalLeave        SignalType = "leave"
	SignalHostLeft     SignalType = "host_left"
	SignalError        SignalType = "error"
)

// Signal is one relay message. From is filled in by the relay.
type Signal struct {
	Type    SignalType `json:"type"`
	RoomID  RoomID     `json:"room_id"`
	From    string     `json:"from,omitempty"`
	To      string     `json:"to,omitempty"`
	SDP     string     `json:"sdp,omitempty"`
	Message string     `json:"message,omitempty"`
}
