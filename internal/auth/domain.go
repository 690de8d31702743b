package auth

import "time"

// User represents a portal account able to sign in.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	IsActive     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
