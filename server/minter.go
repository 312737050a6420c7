package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/bt-bridge/lingua-realtime/metrics"
	"github.com/bt-bridge/lingua-realtime/shared"
	"github.com/openai/openai-go/v3/packages/param"
	"github.com/openai/openai-go/v3/realtime"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// UpstreamError is a non-2xx answer from the realtime API.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.Status, e.Body)
}

// SecretMinter issues ephemeral realtime credentials for a set of
// instructions and returns the upstream JSON body unchanged.
type SecretMinter interface {
	Mint(ctx context.Context, instructions string) ([]byte, error)
}

type MinterConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string
	TTL     time.Duration
	// TranscriptionModel enables learner transcripts when set.
	TranscriptionModel string
	// Language of the learner's speech, ISO-639-1.
	Language string
}

// Minter calls POST /realtime/client_secrets with the long-lived API key.
type Minter struct {
	logger   shared.LoggerAdapter
	metrics  *metrics.Metrics
	client   *fasthttp.Client
	endpoint string
	cfg      MinterConfig
}

var _ SecretMinter = (*Minter)(nil)

func NewMinter(logger shared.LoggerAdapter, cfg MinterConfig, m *metrics.Metrics) (*Minter, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.APIKey == "" {
		return nil, shared.ErrNoAPIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-realtime"
	}
	if cfg.Voice == "" {
		cfg.Voice = "sage"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	return &Minter{
		logger:  logger.With(zap.String("component", "minter")),
		metrics: m,
		client: &fasthttp.Client{
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		endpoint: u.JoinPath("realtime", "client_secrets").String(),
		cfg:      cfg,
	}, nil
}

// SessionConfig is the realtime session every tutor conversation runs with.
func (m *Minter) SessionConfig(instructions string) realtime.RealtimeSessionCreateRequestParam {
	session := realtime.RealtimeSessionCreateRequestParam{
		Instructions: param.NewOpt(instructions),
		Model:        m.cfg.Model,
		Audio: realtime.RealtimeAudioConfigParam{
			Output: realtime.RealtimeAudioConfigOutputParam{
				Voice: realtime.RealtimeAudioConfigOutputVoice(m.cfg.Voice),
			},
		},
	}
	if m.cfg.TranscriptionModel != "" {
		tr := realtime.AudioTranscriptionParam{
			Model: realtime.AudioTranscriptionModel(m.cfg.TranscriptionModel),
		}
		if m.cfg.Language != "" {
			tr.Language = param.NewOpt(m.cfg.Language)
		}
		session.Audio.Input = realtime.RealtimeAudioConfigInputParam{Transcription: tr}
	}
	return session
}

func (m *Minter) Mint(ctx context.Context, instructions string) ([]byte, error) {
	session := m.SessionConfig(instructions)
	params := realtime.ClientSecretNewParams{
		ExpiresAfter: realtime.ClientSecretNewParamsExpiresAfter{
			Seconds: param.NewOpt(int64(m.cfg.TTL / time.Second)),
			Anchor:  "created_at",
		},
		Session: realtime.ClientSecretNewParamsSessionUnion{OfRealtime: &session},
	}
	body, err := params.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshaling client secret request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(m.endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	if err := shared.DoWithContext(ctx, m.client, req, resp); err != nil {
		m.metrics.CredentialMinted("transport_error")
		return nil, fmt.Errorf("performing HTTP request: %w", err)
	}
	if code := resp.StatusCode(); code < 200 || code > 299 {
		m.metrics.CredentialMinted("rejected")
		return nil, &UpstreamError{Status: code, Body: string(resp.Body())}
	}
	if len(resp.Body()) == 0 {
		m.metrics.CredentialMinted("rejected")
		return nil, errors.New("empty client secret response")
	}
	m.metrics.CredentialMinted("ok")
	m.logger.Debug("client secret minted", zap.String("model", m.cfg.Model))
	return append([]byte(nil), resp.Body()...), nil
}
