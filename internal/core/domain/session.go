package domain

// SessionSnapshot is everything the presentation layer renders for one
// signed-in user. Chat is delivered on its own stream.
type SessionSnapshot struct {
	User     User             `json:"user"`
	Role     Role             `json:"role"`
	Status   ConnectionStatus `json:"status"`
	Room     *Room            `json:"room,omitempty"`
	Settings MediaSettings    `json:"settings"`
	Links    []LinkInfo       `json:"links,omitempty"`
	Error    *SessionError    `json:"error,omitempty"`
}

// SessionError is the last failure of a session operation. CanRetry is set
// when the share or the view can be retried in place.
type SessionError struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	CanRetry bool   `json:"can_retry"`
}
