package domain

import "time"

type UserID string

type User struct {
	ID        UserID    `json:"id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

// Credentials is a stored account: the public user plus its password hash.
type Credentials struct {
	User         User   `json:"user"`
	PasswordHash []byte `json:"password_hash"`
}
