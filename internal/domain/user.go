package domain

import (
	"context"
	"time"
)

// User is a registered account.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	LastLogin    *time.Time
}

// AuthStore is the port for registration and credential checks.
type AuthStore interface {
	// Register creates a user and returns its ID, or ErrDuplicateUser.
	Register(ctx context.Context, username, password string) (int64, error)
	// Verify reports whether password matches username's credentials.
	// An unknown username is not an error.
	Verify(ctx context.Context, username, password string) (bool, error)
	// TouchLogin records a login time. Unknown usernames are ignored.
	TouchLogin(ctx context.Context, username string, at time.Time) error
	// ListUsers returns every registered username, sorted.
	ListUsers(ctx context.Context) ([]string, error)
}
