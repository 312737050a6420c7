// Package devices acquires the local microphone through pion/mediadevices.
//
// Drivers and encoders are registered by the host: import
// github.com/pion/mediadevices/pkg/driver/microphone for capture and pass a
// codec selector carrying an Opus encoder. Both need cgo.
package devices

import (
	"context"
	"fmt"
	"sync"
	"time"

	realtime "github.com/bt-bridge/lingua-realtime"
	"github.com/bt-bridge/lingua-realtime/shared"
	"github.com/bt-bridge/lingua-realtime/tools"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	DefaultSampleRate    = 48000
	DefaultChannelCount  = 1
	DefaultFrameDuration = 20 * time.Millisecond
	streamID             = "lingua-mic"
)

type Config struct {
	// Codec must carry an Opus encoder.
	Codec         *mediadevices.CodecSelector
	SampleRate    int
	ChannelCount  int
	FrameDuration time.Duration
}

// source is the part of mediadevices.Track the microphone uses.
type source interface {
	ID() string
	NewEncodedReader(codecName string) (mediadevices.EncodedReadCloser, error)
	Close() error
}

// Microphone implements realtime.MediaAcquirer.
type Microphone struct {
	logger shared.LoggerAdapter
	cfg    Config

	enumerate    func() []mediadevices.MediaDeviceInfo
	getUserMedia func(mediadevices.MediaStreamConstraints) (mediadevices.MediaStream, error)
}

var _ realtime.MediaAcquirer = (*Microphone)(nil)

func NewMicrophone(logger shared.LoggerAdapter, cfg Config) (*Microphone, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.Codec == nil {
		return nil, fmt.Errorf("%w: no codec selector", shared.ErrNoConfig)
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.ChannelCount <= 0 {
		cfg.ChannelCount = DefaultChannelCount
	}
	if cfg.FrameDuration <= 0 {
		cfg.FrameDuration = DefaultFrameDuration
	}
	return &Microphone{
		logger:       logger.With(zap.String("component", "microphone")),
		cfg:          cfg,
		enumerate:    mediadevices.EnumerateDevices,
		getUserMedia: mediadevices.GetUserMedia,
	}, nil
}

// Acquire opens the default audio input. It fails with
// shared.ErrNoDeviceAvailable when no input exists and with
// shared.ErrMediaAccessDenied when capture cannot be opened.
func (m *Microphone) Acquire(ctx context.Context) (realtime.LocalStream, error) {
	inputs := 0
	for _, d := range m.enumerate() {
		if d.Kind == mediadevices.AudioInput {
			inputs++
			m.logger.Debug("audio input", zap.String("label", d.Label), zap.String("device_id", d.DeviceID))
		}
	}
	if inputs == 0 {
		return nil, shared.ErrNoDeviceAvailable
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream, err := m.getUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(m.cfg.SampleRate)
			c.ChannelCount = prop.Int(m.cfg.ChannelCount)
			c.SampleSize = prop.Int(16)
		},
		Codec: m.cfg.Codec,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrMediaAccessDenied, err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		for _, t := range stream.GetTracks() {
			_ = t.Close()
		}
		return nil, fmt.Errorf("%w: %w", shared.ErrNoDeviceAvailable, shared.ErrNoAudioTrack)
	}
	// Only the first track is sent; the rest are released right away.
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}

	track, err := m.newTrack(tracks[0])
	if err != nil {
		_ = tracks[0].Close()
		return nil, fmt.Errorf("%w: %w", shared.ErrMediaAccessDenied, err)
	}
	m.logger.Info("microphone acquired", zap.String("track_id", tracks[0].ID()))
	return &Stream{tracks: []realtime.AudioTrack{track}}, nil
}

// newTrack pumps encoded frames from src into a sample track the peer
// connection can send. The pump lives until the track is closed.
func (m *Microphone) newTrack(src source) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("creating local track: %w", err)
	}
	reader, err := src.NewEncodedReader(webrtc.MimeTypeOpus)
	if err != nil {
		return nil, fmt.Errorf("creating media track reader: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Track{
		TrackLocalStaticSample: local,
		logger:                 m.logger,
		src:                    src,
		reader:                 reader,
		cancel:                 cancel,
		done:                   make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		tools.StreamLocalAudio(ctx, m.logger, local, reader, 48000, m.cfg.FrameDuration)
	}()
	return t, nil
}

// Track is a captured microphone track. Close stops capture and releases the
// device.
type Track struct {
	*webrtc.TrackLocalStaticSample
	logger shared.LoggerAdapter
	src    source
	reader mediadevices.EncodedReadCloser
	cancel context.CancelFunc
	done   chan struct{}

	once     sync.Once
	closeErr error
}

var _ realtime.AudioTrack = (*Track)(nil)

func (t *Track) Close() error {
	t.once.Do(func() {
		t.cancel()
		if err := t.src.Close(); err != nil {
			t.closeErr = err
		}
		if err := t.reader.Close(); err != nil && t.closeErr == nil {
			t.closeErr = err
		}
		select {
		case <-t.done:
		case <-time.After(time.Second):
			t.logger.Warn("microphone pump did not stop in time")
		}
		t.logger.Info("microphone released")
	})
	return t.closeErr
}

// Stream is the acquired local stream.
type Stream struct {
	tracks []realtime.AudioTrack
}

var _ realtime.LocalStream = (*Stream)(nil)

func (s *Stream) AudioTracks() []realtime.AudioTrack { return s.tracks }
