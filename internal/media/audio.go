package media

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
)

const frameDuration = 20 * time.Millisecond

// Opus packet that decodes to 20ms of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// SilenceSource emits Opus silence frames at the codec frame rate. It
// stands in for a microphone pipeline.
type SilenceSource struct {
	ticker *time.Ticker
	closed chan struct{}
	once   sync.Once
}

func NewSilenceSource() *SilenceSource {
	return &SilenceSource{
		ticker: time.NewTicker(frameDuration),
		closed: make(chan struct{}),
	}
}

func (s *SilenceSource) ReadSample(ctx context.Context) (pionmedia.Sample, error) {
	select {
	case <-ctx.Done():
		return pionmedia.Sample{}, ctx.Err()
	case <-s.closed:
		return pionmedia.Sample{}, io.EOF
	case <-s.ticker.C:
		return pionmedia.Sample{Data: opusSilence, Duration: frameDuration}, nil
	}
}

func (s *SilenceSource) Close() error {
	s.once.Do(func() {
		s.ticker.Stop()
		close(s.closed)
	})
	return nil
}

type pionAudioTrack struct {
	track   *webrtc.TrackLocalStaticSample
	sender  *webrtc.RTPSender
	enabled atomic.Bool
	cancel  context.CancelFunc
	once    sync.Once
}

func newPionAudioTrack(track *webrtc.TrackLocalStaticSample, sender *webrtc.RTPSender, src AudioSource, logger *slog.Logger) *pionAudioTrack {
	ctx, cancel := context.WithCancel(context.Background())
	a := &pionAudioTrack{track: track, sender: sender, cancel: cancel}

	go func() {
		for {
			sample, err := src.ReadSample(ctx)
			if err != nil {
				return
			}
			if !a.enabled.Load() {
				continue
			}
			if err := track.WriteSample(sample); err != nil {
				logger.Debug("write audio sample", "error", err)
			}
		}
	}()

	return a
}

func (a *pionAudioTrack) SetEnabled(enabled bool) { a.enabled.Store(enabled) }

func (a *pionAudioTrack) Enabled() bool { return a.enabled.Load() }

func (a *pionAudioTrack) Close() error {
	var err error
	a.once.Do(func() {
		a.enabled.Store(false)
		a.cancel()
		err = a.sender.Stop()
	})
	return err
}
