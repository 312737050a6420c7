package auth

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/bt-bridge/lingua-realtime/shared"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const DefaultSessionTTL = 24 * time.Hour

type account struct {
	user User
	hash []byte
}

// MemoryProvider keeps accounts and sessions in process memory. Passwords
// are stored as bcrypt hashes; access tokens are random UUIDs.
type MemoryProvider struct {
	logger shared.LoggerAdapter
	ttl    time.Duration
	cost   int
	now    func() time.Time

	mu       sync.Mutex
	accounts map[string]*account
	sessions map[string]*Session

	listeners listeners
}

var _ Provider = (*MemoryProvider)(nil)

type MemoryOption func(*MemoryProvider)

func WithSessionTTL(ttl time.Duration) MemoryOption {
	return func(p *MemoryProvider) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

func WithBcryptCost(cost int) MemoryOption {
	return func(p *MemoryProvider) {
		if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
			p.cost = cost
		}
	}
}

func withClock(now func() time.Time) MemoryOption {
	return func(p *MemoryProvider) { p.now = now }
}

func NewMemoryProvider(logger shared.LoggerAdapter, opts ...MemoryOption) (*MemoryProvider, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	p := &MemoryProvider{
		logger:   logger.With(zap.String("component", "auth")),
		ttl:      DefaultSessionTTL,
		cost:     bcrypt.DefaultCost,
		now:      time.Now,
		accounts: make(map[string]*account),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func (p *MemoryProvider) SignUp(_ context.Context, email, password string) (*User, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	if len(password) < MinPasswordLength {
		return nil, ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.cost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.accounts[email]; ok {
		return nil, ErrUserExists
	}
	u := User{ID: uuid.NewString(), Email: email, CreatedAt: p.now().UTC()}
	p.accounts[email] = &account{user: u, hash: hash}
	p.logger.Info("user signed up", zap.String("user_id", u.ID))
	return &u, nil
}

func (p *MemoryProvider) SignInWithPassword(_ context.Context, email, password string) (*Session, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	p.mu.Lock()
	acc, ok := p.accounts[email]
	p.mu.Unlock()
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acc.hash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	s := &Session{
		AccessToken: uuid.NewString(),
		ExpiresAt:   p.now().Add(p.ttl).UTC(),
		User:        acc.user,
	}
	p.mu.Lock()
	p.sessions[s.AccessToken] = s
	p.mu.Unlock()

	p.logger.Info("user signed in", zap.String("user_id", s.User.ID))
	out := *s
	p.listeners.emit(EventSignedIn, &out)
	return &out, nil
}

func (p *MemoryProvider) GetSession(_ context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, shared.ErrUnauthorized
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[token]
	if !ok {
		return nil, shared.ErrUnauthorized
	}
	if s.Expired(p.now()) {
		delete(p.sessions, token)
		return nil, shared.ErrUnauthorized
	}
	out := *s
	return &out, nil
}

// SignOut revokes token. Unknown tokens are not an error.
func (p *MemoryProvider) SignOut(_ context.Context, token string) error {
	p.mu.Lock()
	s, ok := p.sessions[token]
	delete(p.sessions, token)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	p.logger.Info("user signed out", zap.String("user_id", s.User.ID))
	p.listeners.emit(EventSignedOut, nil)
	return nil
}

func (p *MemoryProvider) OnAuthStateChange(fn StateListener) func() {
	if fn == nil {
		return func() {}
	}
	return p.listeners.add(fn)
}
