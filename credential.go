package realtime

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/bt-bridge/lingua-realtime/scenario"
	"github.com/bt-bridge/lingua-realtime/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Credential is an ephemeral bearer token scoped to one scenario/level pair.
// A new one is fetched for every negotiation attempt.
type Credential struct {
	Value      string
	ExpiresAt  time.Time
	Model      string
	ScenarioID int
	Level      int
	// Session is the structured session payload returned with the secret.
	Session map[string]any
}

func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

type CredentialFetcher interface {
	Fetch(ctx context.Context, scenarioID string, level int) (*Credential, error)
}

// TokenSource yields the access token of the signed-in user. Empty means
// the request goes out unauthenticated.
type TokenSource func() string

// credentialPayload covers both shapes the negotiation endpoint relays:
// client secrets ({"value", "expires_at", "session"}) and the older
// sessions API ({"client_secret": {"value", "expires_at"}, ...}).
type credentialPayload struct {
	Value        string         `json:"value"`
	ExpiresAt    int64          `json:"expires_at"`
	Session      map[string]any `json:"session"`
	Model        string         `json:"model"`
	ClientSecret *struct {
		Value     string `json:"value"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"client_secret"`
}

type HTTPCredentialFetcher struct {
	logger   shared.LoggerAdapter
	endpoint *url.URL
	client   *fasthttp.Client
	catalog  *scenario.Catalog
	token    TokenSource
}

var _ CredentialFetcher = (*HTTPCredentialFetcher)(nil)

func NewHTTPCredentialFetcher(logger shared.LoggerAdapter, endpoint string, token TokenSource) (*HTTPCredentialFetcher, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing negotiation endpoint: %w", err)
	}
	return &HTTPCredentialFetcher{
		logger:   logger.With(zap.String("component", "credential")),
		endpoint: u,
		client: &fasthttp.Client{
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		catalog: scenario.Default(),
		token:   token,
	}, nil
}

// RequestURI returns the negotiation URL for a scenario and level after
// fallback and clamping.
func (f *HTTPCredentialFetcher) RequestURI(scenarioID string, level int) string {
	s := f.catalog.Resolve(scenarioID)
	q := url.Values{}
	q.Set("id", strconv.Itoa(s.ID))
	q.Set("level", strconv.Itoa(scenario.ClampLevel(level)))
	u := *f.endpoint
	u.RawQuery = q.Encode()
	return u.String()
}

func (f *HTTPCredentialFetcher) Fetch(ctx context.Context, scenarioID string, level int) (*Credential, error) {
	s := f.catalog.Resolve(scenarioID)
	level = scenario.ClampLevel(level)

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(f.RequestURI(strconv.Itoa(s.ID), level))
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set("Accept", "application/json")
	if f.token != nil {
		if tok := f.token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	if err := shared.DoWithContext(ctx, f.client, req, resp); err != nil {
		return nil, fmt.Errorf("%w: requesting credential: %w", shared.ErrCredentialUnavailable, err)
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		return nil, fmt.Errorf("%w: negotiation endpoint status %d: %s",
			shared.ErrCredentialUnavailable, code, string(resp.Body()))
	}

	var payload credentialPayload
	if err := sonic.Unmarshal(resp.Body(), &payload); err != nil {
		return nil, fmt.Errorf("%w: decoding credential: %w", shared.ErrCredentialUnavailable, err)
	}
	cred := &Credential{
		Value:      payload.Value,
		Session:    payload.Session,
		Model:      payload.Model,
		ScenarioID: s.ID,
		Level:      level,
	}
	expires := payload.ExpiresAt
	if payload.ClientSecret != nil && payload.ClientSecret.Value != "" {
		cred.Value = payload.ClientSecret.Value
		expires = payload.ClientSecret.ExpiresAt
	}
	if expires > 0 {
		cred.ExpiresAt = time.Unix(expires, 0)
	}
	if cred.Model == "" {
		if m, ok := cred.Session["model"].(string); ok {
			cred.Model = m
		}
	}
	if cred.Value == "" {
		return nil, fmt.Errorf("%w: response carries no credential value", shared.ErrCredentialUnavailable)
	}
	f.logger.Debug(
		"credential fetched",
		zap.Int("scenario", s.ID),
		zap.Int("level", level),
		zap.Time("expires_at", cred.ExpiresAt),
	)
	return cred, nil
}
