package domain

import "errors"

var (
	ErrRoomNotFound    = errors.New("room not found")
	ErrRoomFull        = errors.New("room is full")
	ErrRoomInactive    = errors.New("room is not active")
	ErrCodeTaken       = errors.New("room code already in use")
	ErrUserNotFound    = errors.New("user not found")
	ErrEmailTaken      = errors.New("email already registered")
	ErrNotHost         = errors.New("only the host can perform this action")
	ErrNoActiveCapture = errors.New("no active capture")
)
