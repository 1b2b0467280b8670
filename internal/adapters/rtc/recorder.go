package rtc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dkeye/moodcall/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"
)

var ErrUnsupportedCodec = errors.New("unsupported codec")

// rtpSource is the reading side of a remote track. *webrtc.TrackRemote
// satisfies it.
type rtpSource interface {
	core.RemoteTrack
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
	Codec() webrtc.RTPCodecParameters
}

// Recorder writes remote tracks to disk: Opus into .ogg, VP8 into .ivf.
type Recorder struct {
	dir string

	mu    sync.Mutex
	wg    sync.WaitGroup
	files []string
}

func NewRecorder(dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder dir: %w", err)
	}
	return &Recorder{dir: dir}, nil
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// Record starts copying t into a new file and returns its path. The copy
// ends when the track ends.
func (r *Recorder) Record(prefix string, t core.RemoteTrack) (string, error) {
	src, ok := t.(rtpSource)
	if !ok {
		return "", fmt.Errorf("record %s: track is not readable", t.ID())
	}
	mime := src.Codec().MimeType
	base := filepath.Join(r.dir, safeName(prefix)+"-"+safeName(t.ID()))

	var (
		w    media.Writer
		path string
		err  error
	)
	switch {
	case strings.EqualFold(mime, webrtc.MimeTypeOpus):
		path = base + ".ogg"
		w, err = oggwriter.New(path, 48000, 2)
	case strings.EqualFold(mime, webrtc.MimeTypeVP8):
		path = base + ".ivf"
		w, err = ivfwriter.New(path)
	default:
		return "", fmt.Errorf("record %s: %w: %s", t.ID(), ErrUnsupportedCodec, mime)
	}
	if err != nil {
		return "", fmt.Errorf("record %s: %w", t.ID(), err)
	}

	r.mu.Lock()
	r.files = append(r.files, path)
	r.mu.Unlock()
	r.wg.Add(1)
	go r.copy(src, w, path)
	log.Info().Str("module", "recorder").Str("path", path).Str("codec", mime).Msg("recording")
	return path, nil
}

func (r *Recorder) copy(src rtpSource, w media.Writer, path string) {
	defer r.wg.Done()
	defer func() {
		if err := w.Close(); err != nil {
			log.Warn().Err(err).Str("module", "recorder").Str("path", path).Msg("close")
		}
	}()
	n := 0
	for {
		pkt, _, err := src.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("module", "recorder").Str("path", path).Msg("track read ended")
			}
			log.Info().Str("module", "recorder").Str("path", path).Int("packets", n).Msg("recording finished")
			return
		}
		if err := w.WriteRTP(pkt); err != nil {
			log.Warn().Err(err).Str("module", "recorder").Str("path", path).Msg("write")
			continue
		}
		n++
	}
}

// Files lists every file started so far.
func (r *Recorder) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.files...)
}

// Wait blocks until all recordings are finished.
func (r *Recorder) Wait() { r.wg.Wait() }

// Drain reads and discards t until it ends. Unread remote tracks stall
// the receiver's buffers.
func Drain(t core.RemoteTrack) {
	src, ok := t.(rtpSource)
	if !ok {
		return
	}
	go func() {
		for {
			if _, _, err := src.ReadRTP(); err != nil {
				return
			}
		}
	}()
}
