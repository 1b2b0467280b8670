package coretest

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/moodcall/internal/core"
	"github.com/pion/webrtc/v4"
)

// FakeTrack is a LocalTrack over a real static sample track that never
// touches hardware.
type FakeTrack struct {
	*webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	stopped bool
	onEnded func()
}

var _ core.LocalTrack = (*FakeTrack)(nil)

func NewFakeTrack(id string, kind webrtc.RTPCodecType) *FakeTrack {
	mime := webrtc.MimeTypeOpus
	if kind == webrtc.RTPCodecTypeVideo {
		mime = webrtc.MimeTypeVP8
	}
	t, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "moodcall")
	if err != nil {
		panic(err)
	}
	return &FakeTrack{TrackLocalStaticSample: t, enabled: true}
}

func (t *FakeTrack) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = on
}

func (t *FakeTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *FakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

func (t *FakeTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *FakeTrack) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = fn
}

// End simulates the source ending out of band.
func (t *FakeTrack) End() {
	t.mu.Lock()
	fn := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// FakeDevices is a DeviceProvider with scriptable failures.
type FakeDevices struct {
	mu      sync.Mutex
	n       int
	opened  []*FakeTrack
	MicErr  error
	CamErr  error
	DispErr error
}

var _ core.DeviceProvider = (*FakeDevices)(nil)

func (d *FakeDevices) open(prefix string, kind webrtc.RTPCodecType, err error) (core.LocalTrack, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	d.n++
	t := NewFakeTrack(fmt.Sprintf("%s-%d", prefix, d.n), kind)
	d.opened = append(d.opened, t)
	return t, nil
}

func (d *FakeDevices) Microphone(context.Context) (core.LocalTrack, error) {
	return d.open("mic", webrtc.RTPCodecTypeAudio, d.MicErr)
}

func (d *FakeDevices) Camera(context.Context) (core.LocalTrack, error) {
	return d.open("camera", webrtc.RTPCodecTypeVideo, d.CamErr)
}

func (d *FakeDevices) Display(context.Context) (core.LocalTrack, error) {
	return d.open("screen", webrtc.RTPCodecTypeVideo, d.DispErr)
}

// Opened returns every track handed out so far.
func (d *FakeDevices) Opened() []*FakeTrack {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeTrack(nil), d.opened...)
}

// Live counts opened tracks that have not been stopped.
func (d *FakeDevices) Live() int {
	n := 0
	for _, t := range d.Opened() {
		if !t.Stopped() {
			n++
		}
	}
	return n
}
