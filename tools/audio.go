package tools

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/bt-bridge/lingua-realtime/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

// EncodedReader yields encoded frames from a capture track.
// mediadevices.EncodedReadCloser satisfies it.
type EncodedReader interface {
	Read() (mediadevices.EncodedBuffer, func(), error)
}

// SampleWriter accepts encoded samples. *webrtc.TrackLocalStaticSample
// satisfies it.
type SampleWriter interface {
	WriteSample(s media.Sample) error
}

// StreamLocalAudio copies encoded microphone frames into track until ctx is
// done or the reader is exhausted. Sample durations come from the frame's
// sample count at clockRate; frameDuration is used when a frame does not
// carry one.
func StreamLocalAudio(ctx context.Context, logger shared.LoggerAdapter, track SampleWriter, reader EncodedReader, clockRate int, frameDuration time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if release != nil {
				release()
			}
			if errors.Is(err, io.EOF) {
				logger.Debug("local audio source ended")
				return
			}
			logger.Error("reading from media track", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(frameDuration):
			}
			continue
		}
		if buf.Samples == 0 || len(buf.Data) == 0 {
			release()
			continue
		}
		duration := SampleDuration(buf.Samples, clockRate)
		if duration == 0 {
			duration = frameDuration
		}
		err = track.WriteSample(media.Sample{
			Data:     buf.Data,
			Duration: duration,
		})
		release()
		if err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return
			}
			logger.Warn("failed to write sample to track", zap.Error(err))
		}
	}
}
