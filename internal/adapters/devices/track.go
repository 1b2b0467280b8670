// Package devices provides capture sources for the call core: a synthetic
// provider that needs no hardware and a pion/mediadevices one.
package devices

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/dkeye/moodcall/internal/core"
	"github.com/pion/webrtc/v4"
)

// Track is the LocalTrack shared by all providers. Outbound media is
// written by a pump goroutine that checks Enabled before every write.
type Track struct {
	webrtc.TrackLocal

	mu      sync.Mutex
	enabled bool
	stopped bool
	onEnded func()
	done    chan struct{}
	release func() error
}

var _ core.LocalTrack = (*Track)(nil)

func newTrack(local webrtc.TrackLocal, release func() error) *Track {
	return &Track{TrackLocal: local, enabled: true, done: make(chan struct{}), release: release}
}

func (t *Track) SetEnabled(on bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = on
}

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

// Done is closed once the track is stopped or ended.
func (t *Track) Done() <-chan struct{} { return t.done }

func (t *Track) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.onEnded = nil
	close(t.done)
	release := t.release
	t.mu.Unlock()
	if release != nil {
		return release()
	}
	return nil
}

func (t *Track) OnEnded(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onEnded = fn
}

// End stops the track as if its source went away and fires OnEnded.
func (t *Track) End() {
	t.mu.Lock()
	fn := t.onEnded
	t.mu.Unlock()
	_ = t.Stop()
	if fn != nil {
		fn()
	}
}

// classify maps a capture error onto the core device errors.
func classify(kind string, err error) error {
	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%s: %w: %v", kind, core.ErrPermissionDenied, err)
	}
	return fmt.Errorf("%s: %w: %v", kind, core.ErrDeviceUnavailable, err)
}
