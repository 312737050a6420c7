package realtime

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/bt-bridge/lingua-realtime/shared"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

// callLog records the order of operations across the fake peer and the
// fake realtime endpoint.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *callLog) index(call string) int {
	for i, c := range l.list() {
		if c == call {
			return i
		}
	}
	return -1
}

type fakeTrack struct {
	mu     sync.Mutex
	id     string
	closed int
}

func (t *fakeTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *fakeTrack) Unbind(webrtc.TrackLocalContext) error { return nil }
func (t *fakeTrack) ID() string                            { return t.id }
func (t *fakeTrack) RID() string                           { return "" }
func (t *fakeTrack) StreamID() string                      { return "mic" }
func (t *fakeTrack) Kind() webrtc.RTPCodecType             { return webrtc.RTPCodecTypeAudio }

func (t *fakeTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *fakeTrack) closedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeStream struct {
	tracks []AudioTrack
}

func (s *fakeStream) AudioTracks() []AudioTrack { return s.tracks }

func newFakeStream() (*fakeStream, *fakeTrack) {
	tr := &fakeTrack{id: "audio"}
	return &fakeStream{tracks: []AudioTrack{tr}}, tr
}

type fakeAcquirer struct {
	mu     sync.Mutex
	stream LocalStream
	err    error
	calls  int
	// gate, when set, blocks Acquire until it is closed.
	gate chan struct{}
}

func (a *fakeAcquirer) Acquire(ctx context.Context) (LocalStream, error) {
	a.mu.Lock()
	a.calls++
	gate := a.gate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if a.err != nil {
		return nil, a.err
	}
	return a.stream, nil
}

func (a *fakeAcquirer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeDC struct {
	mu        sync.Mutex
	onOpen    func()
	onMessage func(webrtc.DataChannelMessage)
	sent      [][]byte
}

func (d *fakeDC) Label() string { return DefaultDataChannelLabel }

func (d *fakeDC) OnOpen(f func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onOpen = f
}

func (d *fakeDC) OnMessage(f func(webrtc.DataChannelMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onMessage = f
}

func (d *fakeDC) Send(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, data)
	return nil
}

func (d *fakeDC) Close() error { return nil }

func (d *fakeDC) deliver(payload string) {
	d.mu.Lock()
	f := d.onMessage
	d.mu.Unlock()
	f(webrtc.DataChannelMessage{IsString: true, Data: []byte(payload)})
}

type fakePeer struct {
	log *callLog

	mu      sync.Mutex
	onTrack func(RemoteTrack)
	onState func(webrtc.PeerConnectionState)
	dc      *fakeDC
	local   *webrtc.SessionDescription
	remote  *webrtc.SessionDescription
	closed  int
	// beforeRemote runs inside SetRemoteDescription, i.e. before the session
	// is active.
	beforeRemote func(p *fakePeer)
	offerErr     error
}

func (p *fakePeer) OnTrack(f func(RemoteTrack)) {
	p.log.add("onTrack")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = f
}

func (p *fakePeer) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = f
}

func (p *fakePeer) AddTrack(AudioTrack) error {
	p.log.add("addTrack")
	return nil
}

func (p *fakePeer) CreateDataChannel(label string) (DataChannel, error) {
	p.log.add("createDataChannel")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dc = &fakeDC{}
	return p.dc, nil
}

func (p *fakePeer) CreateOffer() (webrtc.SessionDescription, error) {
	p.log.add("createOffer")
	if p.offerErr != nil {
		return webrtc.SessionDescription{}, p.offerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 fake-offer"}, nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.log.add("setLocalDescription")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.local = &desc
	return nil
}

func (p *fakePeer) GatheringComplete() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}

func (p *fakePeer) LocalDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	p.log.add("setRemoteDescription")
	p.mu.Lock()
	p.remote = &desc
	hook := p.beforeRemote
	p.mu.Unlock()
	if hook != nil {
		hook(p)
	}
	return nil
}

func (p *fakePeer) Close() error {
	p.log.add("close")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakePeer) closedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePeer) setState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	f(s)
}

type fakeSink struct {
	mu       sync.Mutex
	attached int
	detached int
}

func (s *fakeSink) Attach(RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached++
}

func (s *fakeSink) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached++
}

func (s *fakeSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attached, s.detached
}

type noticeRecorder struct {
	mu      sync.Mutex
	notices []string
}

func (n *noticeRecorder) Notify(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, msg)
}

func (n *noticeRecorder) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notices)
}

// upstream plays both the negotiation endpoint and the realtime endpoint.
type upstream struct {
	*httptest.Server
	log *callLog

	mu            sync.Mutex
	sessionStatus int
	callStatus    int
	queries       []string
	offers        []string
	auth          []string
}

func newUpstream(t *testing.T, log *callLog) *upstream {
	t.Helper()
	u := &upstream{log: log, sessionStatus: http.StatusOK, callStatus: http.StatusCreated}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/session", func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.queries = append(u.queries, r.URL.RawQuery)
		status := u.sessionStatus
		u.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"OpenAI request failed","status":` + strconv.Itoa(status) + `}`))
			return
		}
		exp := time.Now().Add(time.Minute).Unix()
		_, _ = w.Write([]byte(`{"value":"ek_test","expires_at":` + strconv.FormatInt(exp, 10) + `,"session":{"type":"realtime","model":"gpt-realtime"}}`))
	})
	mux.HandleFunc("POST /v1/realtime/calls", func(w http.ResponseWriter, r *http.Request) {
		log.add("postOffer")
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.offers = append(u.offers, string(body))
		u.auth = append(u.auth, r.Header.Get("Authorization"))
		status := u.callStatus
		u.mu.Unlock()
		if r.Header.Get("Content-Type") != "application/sdp" || r.URL.Query().Get("model") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(status)
		if status == http.StatusCreated {
			_, _ = w.Write([]byte("v=0 fake-answer"))
		}
	})
	u.Server = httptest.NewServer(mux)
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) setSessionStatus(code int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.sessionStatus = code
}

func (u *upstream) setCallStatus(code int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.callStatus = code
}

func (u *upstream) lastQuery() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.queries) == 0 {
		return ""
	}
	return u.queries[len(u.queries)-1]
}

// harness wires a Controller to fakes and an upstream.
type harness struct {
	log      *callLog
	up       *upstream
	peers    []*fakePeer
	peersMu  sync.Mutex
	acquirer *fakeAcquirer
	track    *fakeTrack
	sink     *fakeSink
	notices  *noticeRecorder
	messages *messageRecorder
	ctrl     *Controller

	configurePeer func(p *fakePeer)
	// onMessage runs after a delivered message is recorded.
	onMessage func(msg Message)
}

type messageRecorder struct {
	mu     sync.Mutex
	msgs   []Message
	states []SessionState
}

func (m *messageRecorder) list() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.msgs...)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		log:      new(callLog),
		sink:     new(fakeSink),
		notices:  new(noticeRecorder),
		messages: new(messageRecorder),
	}
	h.up = newUpstream(t, h.log)
	stream, track := newFakeStream()
	h.track = track
	h.acquirer = &fakeAcquirer{stream: stream}

	logger := shared.NewNopLogger()
	fetcher, err := NewHTTPCredentialFetcher(logger, h.up.URL+"/api/session", nil)
	require.NoError(t, err)

	factory := func() (PeerConnection, error) {
		p := &fakePeer{log: h.log}
		if h.configurePeer != nil {
			h.configurePeer(p)
		}
		h.peersMu.Lock()
		h.peers = append(h.peers, p)
		h.peersMu.Unlock()
		return p, nil
	}
	neg, err := NewNegotiator(logger, factory, NegotiatorConfig{
		BaseURL:       h.up.URL + "/v1",
		GatherTimeout: time.Second,
		Greeting:      "Saluda al estudiante.",
	}, nil)
	require.NoError(t, err)

	h.ctrl, err = NewController(logger, ControllerConfig{
		Fetcher:    fetcher,
		Acquirer:   h.acquirer,
		Negotiator: neg,
		Sink:       h.sink,
		Notifier:   h.notices,
		OnMessage: func(msg Message) {
			h.messages.mu.Lock()
			h.messages.msgs = append(h.messages.msgs, msg)
			h.messages.states = append(h.messages.states, h.ctrl.State())
			h.messages.mu.Unlock()
			if h.onMessage != nil {
				h.onMessage(msg)
			}
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.ctrl.Close() })
	return h
}

func (h *harness) peerCount() int {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	return len(h.peers)
}

func (h *harness) peer(i int) *fakePeer {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	return h.peers[i]
}

// stateRecorder collects transitions.
type stateRecorder struct {
	mu     sync.Mutex
	states []SessionState
}

func (r *stateRecorder) observe(_, next SessionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, next)
}

func (r *stateRecorder) list() []SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SessionState(nil), r.states...)
}

func (u *upstream) requests() (offers, auth []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.offers...), append([]string(nil), u.auth...)
}

func (p *fakePeer) channel() *fakeDC {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dc
}

func (p *fakePeer) remoteDescription() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *fakePeer) trackHandler() func(RemoteTrack) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onTrack
}

func (d *fakeDC) sentPayloads() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([][]byte(nil), d.sent...)
}

func (d *fakeDC) open() {
	d.mu.Lock()
	f := d.onOpen
	d.mu.Unlock()
	if f != nil {
		f()
	}
}

func (n *noticeRecorder) list() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.notices...)
}

func (m *messageRecorder) deliveredIn() []SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SessionState(nil), m.states...)
}

type stubRemoteTrack struct{}

func (stubRemoteTrack) ID() string                { return "remote-audio" }
func (stubRemoteTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }
func (stubRemoteTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}}
}
func (stubRemoteTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	return nil, nil, io.EOF
}
