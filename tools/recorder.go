package tools

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	realtime "github.com/bt-bridge/lingua-realtime"
	"github.com/bt-bridge/lingua-realtime/shared"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"go.uber.org/zap"
)

// Opus over RTP always runs a 48 kHz clock; the realtime endpoint sends stereo.
const (
	oggSampleRate   = 48000
	oggChannelCount = 2
)

// OpenFunc opens the destination for one remote track.
type OpenFunc func(trackID string) (io.WriteCloser, error)

// FileOpener writes one Ogg file per remote track into dir.
func FileOpener(dir string) OpenFunc {
	return func(trackID string) (io.WriteCloser, error) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		name := fmt.Sprintf("session-%s-%s.ogg", time.Now().Format("20060102-150405"), trackID)
		return os.Create(filepath.Join(dir, name))
	}
}

// OggRecorder is a playback sink that stores remote Opus audio as Ogg. Every
// attached track gets its own writer; Detach closes all of them.
type OggRecorder struct {
	logger shared.LoggerAdapter
	open   OpenFunc

	mu         sync.Mutex
	recordings []*recording
	wg         sync.WaitGroup
}

var _ realtime.PlaybackSink = (*OggRecorder)(nil)

type recording struct {
	mu      sync.Mutex
	writer  *oggwriter.OggWriter
	packets int
	closed  bool
}

func NewOggRecorder(logger shared.LoggerAdapter, open OpenFunc) (*OggRecorder, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if open == nil {
		return nil, errors.New("no opener provided")
	}
	return &OggRecorder{
		logger: logger.With(zap.String("component", "recorder")),
		open:   open,
	}, nil
}

func (r *OggRecorder) Attach(track realtime.RemoteTrack) {
	codec := track.Codec()
	if codec.MimeType != "" && codec.MimeType != webrtc.MimeTypeOpus {
		r.logger.Warn("ignoring remote track with unsupported codec", zap.String("codec", codec.MimeType))
		return
	}
	out, err := r.open(track.ID())
	if err != nil {
		r.logger.Error("opening recording", err, zap.String("track_id", track.ID()))
		return
	}
	w, err := oggwriter.NewWith(out, oggSampleRate, oggChannelCount)
	if err != nil {
		_ = out.Close()
		r.logger.Error("creating ogg writer", err)
		return
	}
	rec := &recording{writer: w}

	r.mu.Lock()
	r.recordings = append(r.recordings, rec)
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("recording remote audio", zap.String("track_id", track.ID()))
	go func() {
		defer r.wg.Done()
		r.copy(track, rec)
	}()
}

func (r *OggRecorder) copy(track realtime.RemoteTrack, rec *recording) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.logger.Debug("remote track read ended", zap.Error(err))
			}
			rec.close(r.logger)
			return
		}
		rec.mu.Lock()
		if rec.closed {
			rec.mu.Unlock()
			return
		}
		if err := rec.writer.WriteRTP(pkt); err != nil {
			r.logger.Warn("writing RTP packet", zap.Error(err))
		} else {
			rec.packets++
		}
		rec.mu.Unlock()
	}
}

func (rec *recording) close(logger shared.LoggerAdapter) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.closed {
		return
	}
	rec.closed = true
	if err := rec.writer.Close(); err != nil {
		logger.Error("closing recording", err)
		return
	}
	logger.Info("recording closed", zap.Int("packets", rec.packets))
}

// Detach closes every open recording. Readers still blocked on a track exit
// once the peer connection closes it.
func (r *OggRecorder) Detach() {
	r.mu.Lock()
	recs := r.recordings
	r.recordings = nil
	r.mu.Unlock()
	for _, rec := range recs {
		rec.close(r.logger)
	}
}

// Wait blocks until every reader goroutine has returned.
func (r *OggRecorder) Wait() {
	r.wg.Wait()
}
