package devices

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/moodcall/internal/core"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

const frameDuration = 20 * time.Millisecond

// silentOpus is one 20ms Opus frame of silence.
var silentOpus = []byte{0xf8, 0xff, 0xfe}

// Synthetic opens tracks without touching hardware. Audio carries silent
// Opus frames; video tracks carry no frames and exist for negotiation.
type Synthetic struct {
	Clock clock.Clock
	// ShareLimit, when set, ends each screen share after that long as if
	// the user stopped it from the system.
	ShareLimit time.Duration
	// Deny fails the matching kind ("mic", "camera", "screen") with
	// ErrPermissionDenied.
	Deny map[string]bool
}

var _ core.DeviceProvider = (*Synthetic)(nil)

// SyntheticTrack is a Track that counts the frames it wrote.
type SyntheticTrack struct {
	*Track
	frames atomic.Int64
}

func (t *SyntheticTrack) Frames() int64 { return t.frames.Load() }

func (s *Synthetic) clock() clock.Clock {
	if s.Clock == nil {
		return clock.New()
	}
	return s.Clock
}

func (s *Synthetic) open(kind string, codec webrtc.RTPCodecType) (*SyntheticTrack, error) {
	if s.Deny[kind] {
		return nil, fmt.Errorf("%s: %w", kind, core.ErrPermissionDenied)
	}
	mime := webrtc.MimeTypeOpus
	if codec == webrtc.RTPCodecTypeVideo {
		mime = webrtc.MimeTypeVP8
	}
	id := kind + "-" + uuid.NewString()[:8]
	local, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "moodcall")
	if err != nil {
		return nil, classify(kind, err)
	}
	st := &SyntheticTrack{Track: newTrack(local, nil)}
	if codec == webrtc.RTPCodecTypeAudio {
		go s.pump(st, local)
	}
	log.Debug().Str("module", "devices").Str("track_id", id).Msg("synthetic track opened")
	return st, nil
}

func (s *Synthetic) pump(t *SyntheticTrack, local *webrtc.TrackLocalStaticSample) {
	ticker := s.clock().Ticker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-t.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			if t.enabled && !t.stopped {
				if err := local.WriteSample(media.Sample{Data: silentOpus, Duration: frameDuration}); err != nil {
					log.Debug().Err(err).Str("module", "devices").Msg("write sample")
				}
				t.frames.Add(1)
			}
			t.mu.Unlock()
		}
	}
}

func (s *Synthetic) Microphone(context.Context) (core.LocalTrack, error) {
	return s.open("mic", webrtc.RTPCodecTypeAudio)
}

func (s *Synthetic) Camera(context.Context) (core.LocalTrack, error) {
	return s.open("camera", webrtc.RTPCodecTypeVideo)
}

func (s *Synthetic) Display(context.Context) (core.LocalTrack, error) {
	t, err := s.open("screen", webrtc.RTPCodecTypeVideo)
	if err != nil {
		return nil, err
	}
	if s.ShareLimit > 0 {
		timer := s.clock().AfterFunc(s.ShareLimit, t.End)
		go func() {
			<-t.Done()
			timer.Stop()
		}()
	}
	return t, nil
}
