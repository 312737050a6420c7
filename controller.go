package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/lingua-realtime/metrics"
	"github.com/bt-bridge/lingua-realtime/shared"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// FailureNotice is the single user-visible message for every failed start.
const FailureNotice = "Failed to start conversation – check logs for details."

// MediaAcquirer grants exclusive access to one audio input device.
type MediaAcquirer interface {
	Acquire(ctx context.Context) (LocalStream, error)
}

// Notifier surfaces a message to the user.
type Notifier interface {
	Notify(msg string)
}

type NotifierFunc func(msg string)

func (f NotifierFunc) Notify(msg string) { f(msg) }

type ControllerConfig struct {
	Fetcher    CredentialFetcher
	Acquirer   MediaAcquirer
	Negotiator *Negotiator
	// Sink receives remote audio. Optional.
	Sink PlaybackSink
	// Notifier receives the failure notice. Optional.
	Notifier Notifier
	// OnMessage receives data channel messages once the session is active. Optional.
	OnMessage MessageHandler
	Metrics   *metrics.Metrics
}

// Controller owns the session state and every resource a session acquires.
// Start and Stop are safe to call from any goroutine; Stop is idempotent.
type Controller struct {
	logger     shared.LoggerAdapter
	fetcher    CredentialFetcher
	acquirer   MediaAcquirer
	negotiator *Negotiator
	sink       PlaybackSink
	notifier   Notifier
	onMessage  MessageHandler
	metrics    *metrics.Metrics
	now        func() time.Time

	mu        sync.Mutex
	state     SessionState
	gen       uint64
	cancel    context.CancelCauseFunc
	link      *Link
	stream    LocalStream
	startedAt time.Time
	activeAt  time.Time
	observers []StateObserver
	// transitions are delivered to observers in the order they happened;
	// emitting is set while one goroutine is delivering them.
	transitions []transition
	emitting    bool
}

type transition struct {
	prev, next SessionState
}

func NewController(logger shared.LoggerAdapter, cfg ControllerConfig) (*Controller, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.Fetcher == nil {
		return nil, shared.ErrNoFetcher
	}
	if cfg.Acquirer == nil {
		return nil, shared.ErrNoAcquirer
	}
	if cfg.Negotiator == nil {
		return nil, errors.New("no negotiator provided")
	}
	return &Controller{
		logger:     logger.With(zap.String("component", "controller")),
		fetcher:    cfg.Fetcher,
		acquirer:   cfg.Acquirer,
		negotiator: cfg.Negotiator,
		sink:       cfg.Sink,
		notifier:   cfg.Notifier,
		onMessage:  cfg.OnMessage,
		metrics:    cfg.Metrics,
		now:        time.Now,
	}, nil
}

func (c *Controller) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers an observer for every state transition.
func (c *Controller) OnStateChange(fn StateObserver) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Send writes a client event to the active session.
func (c *Controller) Send(ev *Event) error {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil {
		return errors.New("no active session")
	}
	return link.Send(ev)
}

// Toggle is the single UI affordance: it starts a session from Idle and
// stops it from any other state.
func (c *Controller) Toggle(ctx context.Context, scenarioID string, level int) error {
	if c.State() != StateIdle {
		c.Stop()
		return nil
	}
	return c.Start(ctx, scenarioID, level)
}

// Start runs the whole negotiation and returns once the session is active or
// the attempt failed. A failure leaves the controller Idle with nothing held
// and produces one notice. Calling Start while a session is connecting or
// active returns ErrSessionAlreadyRunning.
func (c *Controller) Start(ctx context.Context, scenarioID string, level int) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return shared.ErrSessionAlreadyRunning
	}
	c.gen++
	gen := c.gen
	actx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	c.cancel = cancel
	c.startedAt = c.now()
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()
	c.emit()
	c.metrics.SessionStarted()

	c.logger.Info("starting session", zap.String("scenario", scenarioID), zap.Int("level", level))
	if err := c.run(actx, gen, scenarioID, level); err != nil {
		return c.fail(gen, err)
	}
	return nil
}

func (c *Controller) run(ctx context.Context, gen uint64, scenarioID string, level int) error {
	cred, err := c.fetcher.Fetch(ctx, scenarioID, level)
	if err != nil {
		return err
	}
	if cred.Expired(c.now()) {
		return fmt.Errorf("%w: credential already expired", shared.ErrCredentialUnavailable)
	}
	if err := respectCtx(ctx); err != nil {
		return err
	}

	stream, err := c.acquirer.Acquire(ctx)
	if err != nil {
		return err
	}
	if !c.adoptStream(gen, stream) {
		releaseStream(c.logger, stream)
		return shared.ErrSessionStopped
	}

	link, err := c.negotiator.Negotiate(ctx, cred, stream, c.sink, c.onMessage, func(state webrtc.PeerConnectionState) {
		c.onPeerState(gen, state)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if gen != c.gen || c.state != StateConnecting {
		c.mu.Unlock()
		_ = link.Close()
		return shared.ErrSessionStopped
	}
	c.link = link
	c.activeAt = c.now()
	negotiation := c.activeAt.Sub(c.startedAt)
	c.setStateLocked(StateActive)
	c.mu.Unlock()

	c.metrics.SessionActivated(negotiation.Seconds())
	c.logger.Info("session active", zap.Duration("negotiation", negotiation))
	c.emit()

	// Flushed messages reach the host handler, which may stop the session.
	link.activate()
	c.mu.Lock()
	stopped := gen != c.gen
	c.mu.Unlock()
	if stopped {
		return shared.ErrSessionStopped
	}
	return nil
}

func (c *Controller) adoptStream(gen uint64, stream LocalStream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen {
		return false
	}
	c.stream = stream
	return true
}

// fail tears down after a failed attempt. Results of attempts that were
// already stopped are discarded quietly.
func (c *Controller) fail(gen uint64, err error) error {
	if !c.release("start failed", &gen) {
		c.logger.Debug("discarding result of stopped attempt", zap.Error(err))
		return shared.ErrSessionStopped
	}
	kind := failureKind(err)
	c.metrics.SessionFailed(kind)
	c.logger.Error("starting session failed", err, zap.String("kind", kind))
	if c.notifier != nil {
		c.notifier.Notify(FailureNotice)
	}
	return err
}

// Stop releases everything the controller holds, in order: state goes Idle,
// the peer connection is closed, every local track is stopped, and the
// playback sink is detached. It is safe before any Start and when repeated.
func (c *Controller) Stop() {
	c.release("stop requested", nil)
}

// Close stops the session. Hosts defer it so nothing outlives them.
func (c *Controller) Close() error {
	c.Stop()
	return nil
}

// release tears down the current session. With a non-nil gen it only acts
// when that attempt is still the current one.
func (c *Controller) release(reason string, gen *uint64) bool {
	c.mu.Lock()
	if gen != nil && *gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.gen++
	wasActive := c.state == StateActive
	activeFor := c.now().Sub(c.activeAt)
	prev := c.setStateLocked(StateIdle)
	cancel := c.cancel
	c.cancel = nil
	link := c.link
	c.link = nil
	stream := c.stream
	c.stream = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel(shared.ErrSessionStopped)
	}
	if link != nil {
		_ = link.Close()
	}
	if stream != nil {
		releaseStream(c.logger, stream)
	}
	if c.sink != nil {
		c.sink.Detach()
	}
	if wasActive {
		c.metrics.SessionEnded(activeFor.Seconds())
	}
	if prev != StateIdle {
		c.logger.Info("session stopped", zap.String("reason", reason), zap.String("from", prev.String()))
	}
	c.emit()
	return true
}

func (c *Controller) onPeerState(gen uint64, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
	case webrtc.PeerConnectionStateDisconnected:
		c.logger.Warn("peer connection disconnected")
		return
	default:
		return
	}
	c.mu.Lock()
	current := gen == c.gen && c.state == StateActive
	c.mu.Unlock()
	if !current {
		return
	}
	c.logger.Warn("peer connection lost", zap.String("state", state.String()))
	c.release("peer connection "+state.String(), &gen)
}

// setStateLocked records the transition for the next emit.
func (c *Controller) setStateLocked(next SessionState) SessionState {
	prev := c.state
	c.state = next
	if prev != next {
		c.transitions = append(c.transitions, transition{prev, next})
	}
	return prev
}

func (c *Controller) observersLocked() []StateObserver {
	if len(c.observers) == 0 {
		return nil
	}
	out := make([]StateObserver, len(c.observers))
	copy(out, c.observers)
	return out
}

// emit delivers recorded transitions in order. A call made while another
// goroutine (or an observer further up the stack) is delivering leaves its
// transitions to that delivery loop.
func (c *Controller) emit() {
	c.mu.Lock()
	if c.emitting {
		c.mu.Unlock()
		return
	}
	c.emitting = true
	for len(c.transitions) > 0 {
		t := c.transitions[0]
		c.transitions = c.transitions[1:]
		observers := c.observersLocked()
		c.mu.Unlock()
		for _, fn := range observers {
			fn(t.prev, t.next)
		}
		c.mu.Lock()
	}
	c.transitions = nil
	c.emitting = false
	c.mu.Unlock()
}

func releaseStream(logger shared.LoggerAdapter, stream LocalStream) {
	for _, track := range stream.AudioTracks() {
		if err := track.Close(); err != nil {
			logger.Error("stopping local track", err, zap.String("track_id", track.ID()))
		}
	}
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, shared.ErrCredentialUnavailable):
		return "credential"
	case errors.Is(err, shared.ErrMediaAccessDenied):
		return "media_denied"
	case errors.Is(err, shared.ErrNoDeviceAvailable):
		return "no_device"
	case errors.Is(err, shared.ErrNegotiationFailed):
		return "negotiation"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
