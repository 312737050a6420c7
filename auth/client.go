package auth

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bt-bridge/lingua-realtime/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Client talks to the server's /auth endpoints and remembers the session of
// the last successful sign-in.
type Client struct {
	logger  shared.LoggerAdapter
	baseURL *url.URL
	http    *fasthttp.Client

	mu      sync.Mutex
	current *Session

	listeners listeners
}

var _ Provider = (*Client)(nil)

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type errorBody struct {
	Error string `json:"error"`
}

func NewClient(logger shared.LoggerAdapter, baseURL string) (*Client, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing auth base URL: %w", err)
	}
	return &Client{
		logger:  logger.With(zap.String("component", "auth-client")),
		baseURL: u,
		http: &fasthttp.Client{
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

// Token returns the current access token, or "" when signed out. It fits
// realtime.TokenSource.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || c.current.Expired(time.Now()) {
		return ""
	}
	return c.current.AccessToken
}

// Current returns the remembered session.
func (c *Client) Current() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil
	}
	out := *c.current
	return &out
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.baseURL.JoinPath(path).String())
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		b, err := sonic.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(b)
	}

	if err := shared.DoWithContext(ctx, c.http, req, resp); err != nil {
		return fmt.Errorf("performing HTTP request: %w", err)
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		var e errorBody
		_ = sonic.Unmarshal(resp.Body(), &e)
		return statusError(code, e.Error)
	}
	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// statusError maps server error messages back onto the package errors.
func statusError(code int, msg string) error {
	for _, known := range []error{ErrInvalidCredentials, ErrUserExists, ErrInvalidEmail, ErrWeakPassword} {
		if msg == known.Error() {
			return known
		}
	}
	switch code {
	case fasthttp.StatusUnauthorized:
		return shared.ErrUnauthorized
	case fasthttp.StatusForbidden:
		return shared.ErrForbidden
	}
	return fmt.Errorf("unexpected status code: %d, error: %s", code, msg)
}

func (c *Client) SignUp(ctx context.Context, email, password string) (*User, error) {
	var u User
	if err := c.do(ctx, fasthttp.MethodPost, "auth/signup", "", credentials{email, password}, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	var s Session
	if err := c.do(ctx, fasthttp.MethodPost, "auth/login", "", credentials{email, password}, &s); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.current = &s
	c.mu.Unlock()
	c.logger.Info("signed in", zap.String("user_id", s.User.ID))
	out := s
	c.listeners.emit(EventSignedIn, &out)
	return &s, nil
}

// GetSession asks the server to resolve token; an empty token means the
// remembered one.
func (c *Client) GetSession(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		token = c.Token()
	}
	if token == "" {
		return nil, shared.ErrUnauthorized
	}
	var s Session
	if err := c.do(ctx, fasthttp.MethodGet, "auth/session", token, nil, &s); err != nil {
		return nil, err
	}
	s.AccessToken = token
	return &s, nil
}

func (c *Client) SignOut(ctx context.Context, token string) error {
	if token == "" {
		token = c.Token()
	}
	c.mu.Lock()
	wasCurrent := c.current != nil && c.current.AccessToken == token
	if wasCurrent {
		c.current = nil
	}
	c.mu.Unlock()
	if token == "" {
		return nil
	}
	err := c.do(ctx, fasthttp.MethodPost, "auth/logout", token, nil, nil)
	if wasCurrent {
		c.listeners.emit(EventSignedOut, nil)
	}
	return err
}

func (c *Client) OnAuthStateChange(fn StateListener) func() {
	if fn == nil {
		return func() {}
	}
	return c.listeners.add(fn)
}
