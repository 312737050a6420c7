// Package auth is the authentication boundary: sessions, password sign-in,
// sign-up and sign-out, and auth state notifications.
package auth

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrUserExists         = errors.New("user already exists")
	ErrInvalidEmail       = errors.New("invalid email")
	ErrWeakPassword       = errors.New("password too short")
)

const MinPasswordLength = 8

type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}

type Session struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	User        User      `json:"user"`
}

func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

type Event string

const (
	EventSignedIn  Event = "SIGNED_IN"
	EventSignedOut Event = "SIGNED_OUT"
)

// StateListener receives auth transitions. session is nil on sign-out.
type StateListener func(event Event, session *Session)

type Provider interface {
	// GetSession resolves an access token. Unknown or expired tokens yield
	// shared.ErrUnauthorized.
	GetSession(ctx context.Context, token string) (*Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, email, password string) (*User, error)
	SignOut(ctx context.Context, token string) error
	// OnAuthStateChange registers fn and returns a function removing it.
	OnAuthStateChange(fn StateListener) (unsubscribe func())
}
