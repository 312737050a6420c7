package usage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bt-bridge/lingua-realtime/shared"
	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
)

// Reporter posts finished sessions to the server's usage endpoint.
type Reporter struct {
	endpoint string
	token    func() string
	client   *fasthttp.Client
}

func NewReporter(endpoint string, token func() string) (*Reporter, error) {
	if endpoint == "" {
		return nil, errors.New("no usage endpoint provided")
	}
	return &Reporter{
		endpoint: endpoint,
		token:    token,
		client: &fasthttp.Client{
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
	}, nil
}

// Report sends e. The server fills in the user from the access token.
func (r *Reporter) Report(ctx context.Context, e Event) error {
	tok := ""
	if r.token != nil {
		tok = r.token()
	}
	if tok == "" {
		return shared.ErrUnauthorized
	}
	body, err := sonic.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling usage event: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(r.endpoint)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.Header.Set("Authorization", "Bearer "+tok)
	req.SetBody(body)

	if err := shared.DoWithContext(ctx, r.client, req, resp); err != nil {
		return fmt.Errorf("performing HTTP request: %w", err)
	}
	switch code := resp.StatusCode(); {
	case code == fasthttp.StatusUnauthorized:
		return shared.ErrUnauthorized
	case code < 200 || code > 299:
		return fmt.Errorf("unexpected status code: %d, body: %s", code, string(resp.Body()))
	}
	return nil
}
