package realtime

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bt-bridge/lingua-realtime/shared"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopBeforeStart(t *testing.T) {
	h := newHarness(t)

	assert.NotPanics(t, func() { h.ctrl.Stop() })
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, 0, h.peerCount())
	assert.Equal(t, 0, h.notices.count())
	_, detached := h.sink.counts()
	assert.Equal(t, 1, detached)
}

func TestStartEndToEnd(t *testing.T) {
	h := newHarness(t)
	rec := new(stateRecorder)
	h.ctrl.OnStateChange(rec.observe)

	require.NoError(t, h.ctrl.Start(context.Background(), "2", 3))

	assert.Equal(t, "id=2&level=3", h.up.lastQuery())
	assert.Equal(t, StateActive, h.ctrl.State())
	assert.Equal(t, []SessionState{StateConnecting, StateActive}, rec.list())
	require.Equal(t, 1, h.peerCount())
	offers, auth := h.up.requests()
	assert.Equal(t, []string{"Bearer ek_test"}, auth)
	assert.Equal(t, []string{"v=0 fake-offer"}, offers)

	p := h.peer(0)
	remote := p.remoteDescription()
	require.NotNil(t, remote)
	assert.Equal(t, webrtc.SDPTypeAnswer, remote.Type)
	assert.Equal(t, "v=0 fake-answer", remote.SDP)

	h.ctrl.Stop()
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, []SessionState{StateConnecting, StateActive, StateIdle}, rec.list())
	assert.Equal(t, 1, p.closedCount())
	assert.Equal(t, 1, h.track.closedCount(), "microphone must be released")
	_, detached := h.sink.counts()
	assert.Equal(t, 1, detached)
	assert.Equal(t, 0, h.notices.count())
}

func TestNegotiationOrdering(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(context.Background(), "1", 1))

	idx := h.log.index
	for _, step := range []string{"onTrack", "addTrack", "createDataChannel"} {
		assert.Less(t, idx(step), idx("createOffer"), "%s must precede the offer", step)
	}
	assert.Less(t, idx("onTrack"), idx("addTrack"))
	assert.Less(t, idx("createOffer"), idx("setLocalDescription"))
	assert.Less(t, idx("setLocalDescription"), idx("postOffer"))
	assert.Less(t, idx("postOffer"), idx("setRemoteDescription"))
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(context.Background(), "1", 2))

	h.ctrl.Stop()
	h.ctrl.Stop()

	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, 1, h.peer(0).closedCount())
	assert.Equal(t, 1, h.track.closedCount())
}

func TestCredentialUnauthorized(t *testing.T) {
	h := newHarness(t)
	h.up.setSessionStatus(http.StatusUnauthorized)
	rec := new(stateRecorder)
	h.ctrl.OnStateChange(rec.observe)

	err := h.ctrl.Start(context.Background(), "1", 1)

	require.ErrorIs(t, err, shared.ErrCredentialUnavailable)
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, []SessionState{StateConnecting, StateIdle}, rec.list())
	assert.Equal(t, 0, h.acquirer.callCount(), "no stream may be acquired")
	assert.Equal(t, 0, h.peerCount(), "no peer connection may be created")
	assert.Equal(t, []string{FailureNotice}, h.notices.list())
}

func TestMediaFailuresTearDown(t *testing.T) {
	for _, cause := range []error{shared.ErrMediaAccessDenied, shared.ErrNoDeviceAvailable} {
		t.Run(cause.Error(), func(t *testing.T) {
			h := newHarness(t)
			h.acquirer.err = cause

			err := h.ctrl.Start(context.Background(), "3", 1)

			require.ErrorIs(t, err, cause)
			assert.Equal(t, StateIdle, h.ctrl.State())
			assert.Equal(t, 0, h.peerCount())
			assert.Equal(t, 1, h.notices.count())
		})
	}
}

func TestNegotiationRejected(t *testing.T) {
	h := newHarness(t)
	h.up.setCallStatus(http.StatusBadRequest)

	err := h.ctrl.Start(context.Background(), "1", 1)

	require.ErrorIs(t, err, shared.ErrNegotiationFailed)
	assert.Equal(t, StateIdle, h.ctrl.State())
	require.Equal(t, 1, h.peerCount())
	assert.Equal(t, 1, h.peer(0).closedCount())
	assert.Equal(t, -1, h.log.index("setRemoteDescription"))
	assert.Equal(t, 1, h.track.closedCount())
	_, detached := h.sink.counts()
	assert.Equal(t, 1, detached)
	assert.Equal(t, 1, h.notices.count())
}

func TestOfferFailureTearsDown(t *testing.T) {
	h := newHarness(t)
	h.configurePeer = func(p *fakePeer) { p.offerErr = errors.New("no codecs") }

	err := h.ctrl.Start(context.Background(), "1", 1)

	require.ErrorIs(t, err, shared.ErrNegotiationFailed)
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, 1, h.peer(0).closedCount())
	assert.Equal(t, 1, h.track.closedCount())
	assert.Equal(t, -1, h.log.index("postOffer"))
}

func TestSecondStartIsRejected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(context.Background(), "1", 1))

	err := h.ctrl.Start(context.Background(), "2", 1)
	assert.ErrorIs(t, err, shared.ErrSessionAlreadyRunning)
	assert.Equal(t, 1, h.peerCount())
	assert.Equal(t, StateActive, h.ctrl.State())
}

func TestToggle(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.ctrl.Toggle(context.Background(), "1", 1))
	assert.Equal(t, StateActive, h.ctrl.State())

	require.NoError(t, h.ctrl.Toggle(context.Background(), "1", 1))
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, 1, h.peerCount(), "toggle while active must stop, not start")
	assert.Equal(t, 1, h.track.closedCount())

	require.NoError(t, h.ctrl.Toggle(context.Background(), "1", 1))
	assert.Equal(t, 2, h.peerCount(), "every attempt gets a fresh peer connection")
}

func TestStopWhileAcquiringMedia(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.acquirer.gate = gate

	errC := make(chan error, 1)
	go func() { errC <- h.ctrl.Start(context.Background(), "1", 1) }()

	require.Eventually(t, func() bool { return h.acquirer.callCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateConnecting, h.ctrl.State())
	h.ctrl.Stop()
	assert.Equal(t, StateIdle, h.ctrl.State())
	close(gate)

	err := <-errC
	require.ErrorIs(t, err, shared.ErrSessionStopped)
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, 1, h.track.closedCount(), "stream acquired after stop must be released")
	assert.Equal(t, 0, h.peerCount())
	assert.Equal(t, 0, h.notices.count(), "a user stop is not a failure")
}

func TestStopWhileNegotiating(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.configurePeer = func(p *fakePeer) {
		p.beforeRemote = func(*fakePeer) { <-release }
	}

	errC := make(chan error, 1)
	go func() { errC <- h.ctrl.Start(context.Background(), "1", 1) }()

	require.Eventually(t, func() bool { return h.log.index("setRemoteDescription") >= 0 }, time.Second, 5*time.Millisecond)
	h.ctrl.Stop()
	close(release)

	require.ErrorIs(t, <-errC, shared.ErrSessionStopped)
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, 1, h.peer(0).closedCount())
	assert.Equal(t, 1, h.track.closedCount())
	assert.Equal(t, 0, h.notices.count())
}

func TestMessagesBeforeActiveAreQueued(t *testing.T) {
	h := newHarness(t)
	h.configurePeer = func(p *fakePeer) {
		p.beforeRemote = func(p *fakePeer) {
			p.channel().deliver(`{"type":"assistant","text":"¡Hola! ¿Qué tal?"}`)
			p.channel().deliver(`not json at all`)
		}
	}

	require.NoError(t, h.ctrl.Start(context.Background(), "1", 1))

	msgs := h.messages.list()
	require.Len(t, msgs, 2)
	require.True(t, msgs[0].IsEvent())
	tr, ok := msgs[0].Event.Transcript()
	require.True(t, ok)
	assert.Equal(t, "¡Hola! ¿Qué tal?", tr.Text)
	assert.False(t, msgs[1].IsEvent())
	assert.Equal(t, "not json at all", msgs[1].Text)
	for _, s := range h.messages.deliveredIn() {
		assert.Equal(t, StateActive, s, "messages must only be delivered once active")
	}

	h.peer(0).channel().deliver(`{"type":"response.done","response":{}}`)
	assert.Len(t, h.messages.list(), 3)
}

func TestStopFromQueuedMessageEndsIdle(t *testing.T) {
	h := newHarness(t)
	h.configurePeer = func(p *fakePeer) {
		p.beforeRemote = func(p *fakePeer) {
			p.channel().deliver(`{"type":"error","error":{"message":"session expired"}}`)
		}
	}
	h.onMessage = func(msg Message) {
		if !msg.IsEvent() {
			return
		}
		if _, ok := msg.Event.ErrorMessage(); ok {
			h.ctrl.Stop()
		}
	}
	rec := new(stateRecorder)
	h.ctrl.OnStateChange(rec.observe)

	err := h.ctrl.Start(context.Background(), "1", 1)
	require.ErrorIs(t, err, shared.ErrSessionStopped)

	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, []SessionState{StateConnecting, StateActive, StateIdle}, rec.list())
	assert.Len(t, h.messages.list(), 1)
	assert.Equal(t, 1, h.peer(0).closedCount())
	assert.Equal(t, 1, h.track.closedCount())
	assert.Equal(t, 0, h.notices.count(), "a stop is not a failure")
}

func TestObserverStopKeepsTransitionOrder(t *testing.T) {
	h := newHarness(t)
	rec := new(stateRecorder)
	h.ctrl.OnStateChange(func(prev, next SessionState) {
		rec.observe(prev, next)
		if next == StateActive {
			h.ctrl.Stop()
		}
	})

	err := h.ctrl.Start(context.Background(), "1", 1)
	require.ErrorIs(t, err, shared.ErrSessionStopped)
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, []SessionState{StateConnecting, StateActive, StateIdle}, rec.list())
	assert.Equal(t, 1, h.track.closedCount())
}

func TestMessagesDroppedWhenStartFails(t *testing.T) {
	h := newHarness(t)
	h.up.setCallStatus(http.StatusForbidden)

	err := h.ctrl.Start(context.Background(), "1", 1)
	require.ErrorIs(t, err, shared.ErrNegotiationFailed)
	h.peer(0).channel().deliver(`{"type":"assistant","text":"late"}`)
	assert.Empty(t, h.messages.list())
}

func TestGreetingSentWhenChannelOpens(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(context.Background(), "1", 1))

	dc := h.peer(0).channel()
	dc.open()

	sent := dc.sentPayloads()
	require.Len(t, sent, 1)
	msg := ParseMessage(sent[0])
	require.True(t, msg.IsEvent())
	assert.Equal(t, ClientEventTypeResponseCreate, msg.Event.Type)
	response, ok := msg.Event.Param["response"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Saluda al estudiante.", response["instructions"])
}

func TestPeerFailureAfterActiveStops(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(context.Background(), "1", 1))

	h.peer(0).setState(webrtc.PeerConnectionStateDisconnected)
	assert.Equal(t, StateActive, h.ctrl.State())

	h.peer(0).setState(webrtc.PeerConnectionStateFailed)
	assert.Equal(t, StateIdle, h.ctrl.State())
	assert.Equal(t, 1, h.track.closedCount())
	assert.Equal(t, 0, h.notices.count())
}

func TestRemoteTrackAttachesToSink(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ctrl.Start(context.Background(), "1", 1))

	onTrack := h.peer(0).trackHandler()
	onTrack(stubRemoteTrack{})
	onTrack(stubRemoteTrack{})

	attached, _ := h.sink.counts()
	assert.Equal(t, 2, attached)
}

func TestSendRequiresActiveSession(t *testing.T) {
	h := newHarness(t)
	assert.Error(t, h.ctrl.Send(NewClientEvent(ClientEventTypeInputAudioBufferClear, nil)))

	require.NoError(t, h.ctrl.Start(context.Background(), "1", 1))
	require.NoError(t, h.ctrl.Send(NewClientEvent(ClientEventTypeInputAudioBufferClear, nil)))
}

func TestNewControllerValidates(t *testing.T) {
	_, err := NewController(nil, ControllerConfig{})
	assert.ErrorIs(t, err, shared.ErrNoLogger)

	_, err = NewController(shared.NewNopLogger(), ControllerConfig{})
	assert.ErrorIs(t, err, shared.ErrNoFetcher)
}
