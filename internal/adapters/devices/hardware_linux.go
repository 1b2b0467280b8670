//go:build linux

package devices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"

	"github.com/dkeye/moodcall/internal/core"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const mtu = 1200

// Hardware captures the microphone (malgo) and camera (V4L2) through
// pion/mediadevices. Screen capture is not available in this build.
type Hardware struct {
	selector *mediadevices.CodecSelector
}

var (
	_ core.DeviceProvider = (*Hardware)(nil)
	_ core.CodecRegistrar = (*Hardware)(nil)
)

func NewHardware() (*Hardware, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	for _, d := range mediadevices.EnumerateDevices() {
		log.Debug().Str("module", "devices").Str("kind", fmt.Sprint(d.Kind)).Str("label", d.Label).Msg("media device")
	}
	return &Hardware{selector: mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)}, nil
}

// RegisterCodecs registers exactly the encoders the selector produces.
func (h *Hardware) RegisterCodecs(me *webrtc.MediaEngine) error {
	h.selector.Populate(me)
	return nil
}

func (h *Hardware) Microphone(context.Context) (core.LocalTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(*mediadevices.MediaTrackConstraints) {},
		Codec: h.selector,
	})
	if err != nil {
		return nil, classify("mic", err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("mic: %w", core.ErrDeviceUnavailable)
	}
	return bridge("mic", tracks[0], webrtc.MimeTypeOpus)
}

func (h *Hardware) Camera(context.Context) (core.LocalTrack, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// MJPEG nodes of some cameras emit frames the VP8 encoder rejects
			c.FrameFormat = prop.FrameFormatOneOf{frame.FormatYUYV, frame.FormatI420}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		},
		Codec: h.selector,
	})
	if err != nil {
		return nil, classify("camera", err)
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("camera: %w", core.ErrDeviceUnavailable)
	}
	return bridge("camera", tracks[0], webrtc.MimeTypeVP8)
}

func (h *Hardware) Display(context.Context) (core.LocalTrack, error) {
	return nil, fmt.Errorf("screen: %w: not supported by this build", core.ErrDeviceUnavailable)
}

type rtpReader interface {
	Read() ([]*rtp.Packet, func(), error)
}

// bridge copies encoded packets from a capture track into a static RTP
// track so muting can drop packets without touching the device.
func bridge(kind string, src mediadevices.Track, mime string) (core.LocalTrack, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: mime}, kind+"-"+src.ID(), "moodcall")
	if err != nil {
		_ = src.Close()
		return nil, classify(kind, err)
	}
	_, codecName, _ := strings.Cut(mime, "/")
	reader, err := src.NewRTPReader(codecName, rand.Uint32(), mtu)
	if err != nil {
		_ = src.Close()
		return nil, classify(kind, err)
	}

	t := newTrack(local, func() error {
		return errors.Join(reader.Close(), src.Close())
	})
	src.OnEnded(func(err error) {
		if err != nil {
			log.Warn().Err(err).Str("module", "devices").Str("kind", kind).Msg("capture ended")
		}
		t.End()
	})
	go pumpRTP(t, reader, local)
	log.Info().Str("module", "devices").Str("kind", kind).Str("track_id", local.ID()).Msg("capture started")
	return t, nil
}

func pumpRTP(t *Track, r rtpReader, local *webrtc.TrackLocalStaticRTP) {
	for {
		pkts, release, err := r.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("module", "devices").Msg("rtp read")
			}
			return
		}
		if t.Enabled() {
			for _, p := range pkts {
				if err := local.WriteRTP(p); err != nil && !errors.Is(err, io.ErrClosedPipe) {
					log.Debug().Err(err).Str("module", "devices").Msg("write rtp")
				}
			}
		}
		if release != nil {
			release()
		}
	}
}
