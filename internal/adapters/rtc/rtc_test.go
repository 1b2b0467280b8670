package rtc

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/moodcall/internal/core/coretest"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAudioTrack(t *testing.T, id string) *webrtc.TrackLocalStaticSample {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "moodcall")
	require.NoError(t, err)
	return tr
}

func TestFactoryOfferAnswer(t *testing.T) {
	f, err := NewFactory(Options{})
	require.NoError(t, err)

	caller, err := f.NewPeerConnection("s1")
	require.NoError(t, err)
	defer caller.Close()
	callee, err := f.NewPeerConnection("s1")
	require.NoError(t, err)
	defer callee.Close()

	_, err = caller.AddTrack(newAudioTrack(t, "mic"))
	require.NoError(t, err)

	offer, err := caller.CreateOffer()
	require.NoError(t, err)
	assert.Contains(t, offer.SDP, "m=audio")
	assert.Contains(t, strings.ToLower(offer.SDP), "opus")
	require.NoError(t, caller.SetLocalDescription(offer))

	require.NoError(t, callee.SetRemoteDescription(offer))
	answer, err := callee.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, callee.SetLocalDescription(answer))
	require.NoError(t, caller.SetRemoteDescription(answer))
}

func TestRemoveTrack(t *testing.T) {
	f, err := NewFactory(Options{ICEServers: []string{"stun:127.0.0.1:3478"}})
	require.NoError(t, err)
	pc, err := f.NewPeerConnection("s2")
	require.NoError(t, err)
	defer pc.Close()

	sender, err := pc.AddTrack(newAudioTrack(t, "mic"))
	require.NoError(t, err)
	assert.Equal(t, "mic", sender.Track().ID())
	require.NoError(t, pc.RemoveTrack(sender))

	err = pc.RemoveTrack(coretest.NewFakeSender(nil))
	require.ErrorIs(t, err, errForeignSender)
}

type fakeSource struct {
	mu   sync.Mutex
	id   string
	mime string
	pkts []*rtp.Packet
}

func (s *fakeSource) ID() string                { return s.id }
func (s *fakeSource) StreamID() string          { return "remote" }
func (s *fakeSource) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeAudio }
func (s *fakeSource) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: s.mime}}
}

func (s *fakeSource) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pkts) == 0 {
		return nil, nil, io.EOF
	}
	p := s.pkts[0]
	s.pkts = s.pkts[1:]
	return p, nil, nil
}

func opusPackets(n int) []*rtp.Packet {
	out := make([]*rtp.Packet, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    111,
				SequenceNumber: uint16(i),
				Timestamp:      uint32(i * 960),
				SSRC:           1,
			},
			Payload: []byte{0xf8, 0xff, 0xfe},
		})
	}
	return out
}

func TestRecorderWritesOgg(t *testing.T) {
	r, err := NewRecorder(filepath.Join(t.TempDir(), "rec"))
	require.NoError(t, err)

	path, err := r.Record("call/1", &fakeSource{id: "{mic}", mime: webrtc.MimeTypeOpus, pkts: opusPackets(5)})
	require.NoError(t, err)
	r.Wait()

	assert.Equal(t, "call_1-_mic_.ogg", filepath.Base(path))
	assert.Equal(t, []string{path}, r.Files())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("OggS")))
	assert.Contains(t, string(data), "OpusHead")
}

func TestRecorderRejectsUnknownCodec(t *testing.T) {
	dir := t.TempDir()
	r, err := NewRecorder(dir)
	require.NoError(t, err)

	_, err = r.Record("s", &fakeSource{id: "v", mime: webrtc.MimeTypeH264})
	require.ErrorIs(t, err, ErrUnsupportedCodec)

	_, err = r.Record("s", coretest.FakeRemoteTrack{TrackID: "x"})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDrainConsumesTrack(t *testing.T) {
	src := &fakeSource{id: "a", mime: webrtc.MimeTypeOpus, pkts: opusPackets(10)}
	Drain(src)
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return len(src.pkts) == 0
	}, waitFor, tick)
}

func TestLoggerFactory(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Logger
	log.Logger = zerolog.New(&buf).Level(zerolog.DebugLevel)
	defer func() { log.Logger = prev }()

	l := LoggerFactory{}.NewLogger("ice")
	l.Debugf("checking %d pairs", 3)
	l.Warn("srflx failed")
	l.Trace("dropped")

	out := buf.String()
	assert.Contains(t, out, `"scope":"ice"`)
	assert.Contains(t, out, "checking 3 pairs")
	assert.Contains(t, out, `"level":"warn"`)
	assert.NotContains(t, out, "dropped")
}

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)
