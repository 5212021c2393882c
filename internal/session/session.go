// Package session keeps dashboard login state on the server. Clients hold a
// signed cookie naming an opaque session id; the record behind it decides
// whether the client is authenticated.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for unknown, deleted or expired sessions.
var ErrNotFound = errors.New("session not found")

// Session is a logged-in dashboard client.
type Session struct {
	CreatedAt time.Time
	ExpiresAt time.Time
	ID        string
}

// Expired reports whether the session is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Store persists sessions.
type Store interface {
	Create(ctx context.Context, s *Session) error
	// Get returns ErrNotFound for missing or expired sessions.
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
