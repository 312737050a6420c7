package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/bt-bridge/lingua-realtime/metrics"
	"github.com/bt-bridge/lingua-realtime/shared"
	"github.com/pion/webrtc/v4"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL          = "https://api.openai.com/v1"
	DefaultModel            = "gpt-realtime"
	DefaultDataChannelLabel = "oai-events"
	DefaultGatherTimeout    = 5 * time.Second
)

type NegotiatorConfig struct {
	// BaseURL of the realtime API; the offer is posted to BaseURL/realtime/calls.
	BaseURL string
	// Model used when the credential does not name one.
	Model            string
	DataChannelLabel string
	// GatherTimeout bounds the wait for ICE candidates before the offer is sent.
	GatherTimeout time.Duration
	// Greeting, when set, is sent as response.create instructions as soon as
	// the data channel opens so the tutor speaks first.
	Greeting string
}

// Negotiator builds peer connections and runs the offer/answer exchange.
// It is the only component that touches a PeerConnection.
type Negotiator struct {
	logger  shared.LoggerAdapter
	metrics *metrics.Metrics
	factory PeerFactory
	client  *fasthttp.Client
	baseURL *url.URL
	cfg     NegotiatorConfig
}

func NewNegotiator(logger shared.LoggerAdapter, factory PeerFactory, cfg NegotiatorConfig, m *metrics.Metrics) (*Negotiator, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if factory == nil {
		return nil, shared.ErrNoPeerFactory
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.DataChannelLabel == "" {
		cfg.DataChannelLabel = DefaultDataChannelLabel
	}
	if cfg.GatherTimeout <= 0 {
		cfg.GatherTimeout = DefaultGatherTimeout
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	return &Negotiator{
		logger:  logger.With(zap.String("component", "negotiator")),
		metrics: m,
		factory: factory,
		client: &fasthttp.Client{
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
		},
		baseURL: u,
		cfg:     cfg,
	}, nil
}

// Link is one negotiated connection: the peer connection, its event data
// channel, and the relay feeding the host's message handler.
type Link struct {
	logger    shared.LoggerAdapter
	pc        PeerConnection
	dc        DataChannel
	relay     *eventRelay
	closeOnce sync.Once
	closeErr  error
}

func (l *Link) activate() {
	l.relay.activate()
}

// Send writes a client event to the data channel.
func (l *Link) Send(ev *Event) error {
	if l.dc == nil {
		return errors.New("data channel not open")
	}
	b, err := ev.MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshaling client event: %w", err)
	}
	return l.dc.Send(b)
}

// Close closes the peer connection; the data channel goes with it.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.relay.close()
		if err := l.pc.Close(); err != nil {
			l.logger.Error("closing peer connection failed", err)
			l.closeErr = err
		}
	})
	return l.closeErr
}

// PeerStateHandler observes the connection after negotiation.
type PeerStateHandler func(state webrtc.PeerConnectionState)

// Negotiate creates a fresh peer connection, wires remote audio to sink and
// the local audio track and event channel into it, and completes one
// offer/answer round trip authenticated with cred. On any failure the peer
// connection is closed before returning; the stream stays with the caller.
func (n *Negotiator) Negotiate(
	ctx context.Context,
	cred *Credential,
	stream LocalStream,
	sink PlaybackSink,
	onMessage MessageHandler,
	onState PeerStateHandler,
) (*Link, error) {
	if cred == nil || cred.Value == "" {
		return nil, fmt.Errorf("%w: empty credential", shared.ErrCredentialUnavailable)
	}
	tracks := stream.AudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: %w", shared.ErrNoDeviceAvailable, shared.ErrNoAudioTrack)
	}

	pc, err := n.factory()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrNegotiationFailed, err)
	}
	link := &Link{
		logger: n.logger,
		pc:     pc,
		relay:  newEventRelay(n.logger, n.metrics, onMessage),
	}
	fail := func(step string, err error) (*Link, error) {
		_ = link.Close()
		if ctxErr := context.Cause(ctx); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", step, ctxErr)
		}
		if errors.Is(err, shared.ErrNegotiationFailed) {
			return nil, fmt.Errorf("%s: %w", step, err)
		}
		return nil, fmt.Errorf("%w: %s: %w", shared.ErrNegotiationFailed, step, err)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		n.logger.Trace("peer connection state changed", zap.String("state", state.String()))
		if onState != nil {
			onState(state)
		}
	})

	pc.OnTrack(func(track RemoteTrack) {
		n.logger.Info("received remote track", zap.String("track_id", track.ID()), zap.String("codec", track.Codec().MimeType))
		if sink != nil {
			sink.Attach(track)
		}
	})

	if err := pc.AddTrack(tracks[0]); err != nil {
		return fail("adding local audio track", err)
	}

	dc, err := pc.CreateDataChannel(n.cfg.DataChannelLabel)
	if err != nil {
		return fail("creating data channel", err)
	}
	link.dc = dc
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		link.relay.push(msg.Data)
	})
	if n.cfg.Greeting != "" {
		greeting := n.cfg.Greeting
		dc.OnOpen(func() {
			ev := NewClientEvent(ClientEventTypeResponseCreate, map[string]any{
				"response": map[string]any{"instructions": greeting},
			})
			if err := link.Send(ev); err != nil {
				n.logger.Error("sending greeting", err)
				return
			}
			n.logger.Info("data channel opened and greeting sent")
		})
	}

	if err := respectCtx(ctx); err != nil {
		return fail("before offer", err)
	}
	offer, err := pc.CreateOffer()
	if err != nil {
		return fail("creating offer", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fail("setting local description", err)
	}
	local, err := n.awaitLocalDescription(ctx, pc, offer)
	if err != nil {
		return fail("gathering candidates", err)
	}

	model := cred.Model
	if model == "" {
		model = n.cfg.Model
	}
	answer, err := n.exchange(ctx, cred.Value, model, local.SDP)
	if err != nil {
		return fail("exchanging session description", err)
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answer,
	}); err != nil {
		return fail("setting remote description", err)
	}
	n.logger.Info("session negotiated", zap.String("model", model))
	return link, nil
}

func (n *Negotiator) awaitLocalDescription(ctx context.Context, pc PeerConnection, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	timer := time.NewTimer(n.cfg.GatherTimeout)
	defer timer.Stop()
	select {
	case <-pc.GatheringComplete():
	case <-timer.C:
		n.logger.Warn("ICE gathering timed out, sending offer with candidates gathered so far")
	case <-ctx.Done():
		return webrtc.SessionDescription{}, context.Cause(ctx)
	}
	if ld := pc.LocalDescription(); ld != nil {
		return *ld, nil
	}
	return offer, nil
}

// exchange posts the offer and returns the answer SDP.
func (n *Negotiator) exchange(ctx context.Context, secret, model, offer string) (string, error) {
	u := n.baseURL.JoinPath("realtime", "calls")
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(u.String())
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.Set("Authorization", "Bearer "+secret)
	req.Header.SetContentType("application/sdp")
	req.SetBodyString(offer)

	if err := shared.DoWithContext(ctx, n.client, req, resp); err != nil {
		return "", fmt.Errorf("performing HTTP request: %w", err)
	}
	code := resp.StatusCode()
	if code != fasthttp.StatusOK && code != fasthttp.StatusCreated {
		return "", fmt.Errorf("%w: unexpected status code: %d, body: %s", shared.ErrNegotiationFailed, code, string(resp.Body()))
	}
	if len(resp.Body()) == 0 {
		return "", fmt.Errorf("%w: empty answer", shared.ErrNegotiationFailed)
	}
	return string(resp.Body()), nil
}

func respectCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return context.Cause(ctx)
	default:
	}
	return nil
}
