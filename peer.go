package realtime

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// AudioTrack is a local capture track. mediadevices.Track satisfies it.
type AudioTrack interface {
	webrtc.TrackLocal
	Close() error
}

// LocalStream is the captured microphone stream.
type LocalStream interface {
	AudioTracks() []AudioTrack
}

// RemoteTrack is an incoming media track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// PlaybackSink consumes remote audio. Attach may be called several times per
// session; Detach releases whatever the sink holds and must be idempotent.
type PlaybackSink interface {
	Attach(track RemoteTrack)
	Detach()
}

// DataChannel is the part of *webrtc.DataChannel the negotiator uses.
type DataChannel interface {
	Label() string
	OnOpen(f func())
	OnMessage(f func(msg webrtc.DataChannelMessage))
	Send(data []byte) error
	Close() error
}

// PeerConnection is the part of *webrtc.PeerConnection the negotiator uses.
type PeerConnection interface {
	OnTrack(f func(track RemoteTrack))
	OnConnectionStateChange(f func(state webrtc.PeerConnectionState))
	AddTrack(track AudioTrack) error
	CreateDataChannel(label string) (DataChannel, error)
	CreateOffer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	// GatheringComplete is closed once ICE candidate gathering finished.
	GatheringComplete() <-chan struct{}
	LocalDescription() *webrtc.SessionDescription
	SetRemoteDescription(desc webrtc.SessionDescription) error
	Close() error
}

// PeerFactory creates a fresh peer connection per negotiation attempt.
type PeerFactory func() (PeerConnection, error)

type pionPeer struct {
	pc       *webrtc.PeerConnection
	gathered <-chan struct{}
}

var _ PeerConnection = (*pionPeer)(nil)

// NewPionPeerFactory builds peer connections on pion/webrtc.
func NewPionPeerFactory(cfg webrtc.Configuration) PeerFactory {
	return func() (PeerConnection, error) {
		pc, err := webrtc.NewPeerConnection(cfg)
		if err != nil {
			return nil, fmt.Errorf("creating peer connection: %w", err)
		}
		return &pionPeer{pc: pc}, nil
	}
}

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}

func (p *pionPeer) OnTrack(f func(track RemoteTrack)) {
	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if track.Kind() == webrtc.RTPCodecTypeAudio {
			go f(track)
		}
	})
}

func (p *pionPeer) OnConnectionStateChange(f func(state webrtc.PeerConnectionState)) {
	p.pc.OnConnectionStateChange(f)
}

func (p *pionPeer) AddTrack(track AudioTrack) error {
	_, err := p.pc.AddTrack(track)
	return err
}

func (p *pionPeer) CreateDataChannel(label string) (DataChannel, error) {
	dc, err := p.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, err
	}
	return dc, nil
}

func (p *pionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *pionPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	// The promise must exist before gathering starts.
	p.gathered = webrtc.GatheringCompletePromise(p.pc)
	return p.pc.SetLocalDescription(desc)
}

func (p *pionPeer) GatheringComplete() <-chan struct{} {
	if p.gathered == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return p.gathered
}

func (p *pionPeer) LocalDescription() *webrtc.SessionDescription {
	return p.pc.LocalDescription()
}

func (p *pionPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(desc)
}

func (p *pionPeer) Close() error {
	return p.pc.Close()
}
