// Package media owns the local capture tracks of one call and maps the
// user's toggles onto senders of the peer session.
package media

import (
	"context"
	"fmt"
	"sync"

	"github.com/dkeye/moodcall/internal/core"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// TrackSink is where local tracks are attached. *peer.Session satisfies it.
type TrackSink interface {
	AddTrack(ctx context.Context, t webrtc.TrackLocal) (core.Sender, error)
	RemoveTrack(ctx context.Context, s core.Sender) error
	ReplaceTrack(s core.Sender, t webrtc.TrackLocal) error
}

type VideoSource int

const (
	VideoNone VideoSource = iota
	VideoCamera
	VideoScreen
)

func (v VideoSource) String() string {
	switch v {
	case VideoCamera:
		return "camera"
	case VideoScreen:
		return "screen"
	default:
		return "none"
	}
}

// State is a snapshot of the local media.
type State struct {
	Audio bool
	MicOn bool
	Video VideoSource
}

// Manager keeps at most one video source (camera xor screen). Audio, once
// acquired, stays attached for the life of the call and is only muted.
type Manager struct {
	mu      sync.Mutex
	devices core.DeviceProvider
	sink    TrackSink

	mic       core.LocalTrack
	micSender core.Sender

	video       core.LocalTrack
	videoSender core.Sender
	source      VideoSource

	stopped  bool
	onChange func(State)
}

func NewManager(devices core.DeviceProvider, sink TrackSink) *Manager {
	return &Manager{devices: devices, sink: sink}
}

// OnChange registers a callback fired after every state change.
func (m *Manager) OnChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) snapshot() State {
	st := State{Audio: m.mic != nil, Video: m.source}
	if m.mic != nil {
		st.MicOn = m.mic.Enabled()
	}
	return st
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot()
}

// changed must be called with mu held; it unlocks.
func (m *Manager) changed() {
	st, fn := m.snapshot(), m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (m *Manager) live() error {
	if m.stopped {
		return core.ErrSessionClosed
	}
	return nil
}

func stopTrack(t core.LocalTrack, what string) {
	if err := t.Stop(); err != nil {
		log.Warn().Err(err).Str("module", "media").Str("track", what).Msg("stop track")
	}
}

// AcquireAudio opens the microphone and attaches it. Calling it again is a
// no-op.
func (m *Manager) AcquireAudio(ctx context.Context) error {
	m.mu.Lock()
	if err := m.live(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.mic != nil {
		m.mu.Unlock()
		return nil
	}
	mic, err := m.devices.Microphone(ctx)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("acquire audio: %w", err)
	}
	sender, err := m.sink.AddTrack(ctx, mic)
	if err != nil {
		stopTrack(mic, "mic")
		m.mu.Unlock()
		return fmt.Errorf("attach audio: %w", err)
	}
	m.mic, m.micSender = mic, sender
	log.Info().Str("module", "media").Str("track_id", mic.ID()).Msg("audio acquired")
	m.changed()
	return nil
}

// ToggleMic mutes or unmutes the microphone without renegotiating.
func (m *Manager) ToggleMic(enabled bool) error {
	m.mu.Lock()
	if err := m.live(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.mic == nil {
		m.mu.Unlock()
		return fmt.Errorf("toggle mic: %w", core.ErrDeviceUnavailable)
	}
	m.mic.SetEnabled(enabled)
	m.changed()
	return nil
}

// EnableCamera turns the camera on. It is rejected while a screen share is
// the active video source.
func (m *Manager) EnableCamera(ctx context.Context) error {
	m.mu.Lock()
	if err := m.live(); err != nil {
		m.mu.Unlock()
		return err
	}
	switch m.source {
	case VideoCamera:
		m.mu.Unlock()
		return nil
	case VideoScreen:
		m.mu.Unlock()
		return fmt.Errorf("enable camera: %w", core.ErrScreenShareActive)
	}
	cam, err := m.devices.Camera(ctx)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("enable camera: %w", err)
	}
	if err := m.attachVideo(ctx, cam); err != nil {
		stopTrack(cam, "camera")
		m.mu.Unlock()
		return fmt.Errorf("enable camera: %w", err)
	}
	m.video, m.source = cam, VideoCamera
	log.Info().Str("module", "media").Msg("camera on")
	m.changed()
	return nil
}

// attachVideo reuses an idle video sender if one exists. Caller holds mu.
func (m *Manager) attachVideo(ctx context.Context, t core.LocalTrack) error {
	if m.videoSender != nil {
		return m.sink.ReplaceTrack(m.videoSender, t)
	}
	s, err := m.sink.AddTrack(ctx, t)
	if err != nil {
		return err
	}
	m.videoSender = s
	return nil
}

// DisableCamera detaches and releases the camera.
func (m *Manager) DisableCamera(ctx context.Context) error {
	m.mu.Lock()
	if err := m.live(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.source != VideoCamera {
		m.mu.Unlock()
		return nil
	}
	if err := m.detachVideo(ctx); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("disable camera: %w", err)
	}
	log.Info().Str("module", "media").Msg("camera off")
	m.changed()
	return nil
}

// detachVideo removes the video sender and stops the active video track.
// Caller holds mu.
func (m *Manager) detachVideo(ctx context.Context) error {
	if m.videoSender != nil {
		if err := m.sink.RemoveTrack(ctx, m.videoSender); err != nil {
			return err
		}
	}
	stopTrack(m.video, m.source.String())
	m.video, m.videoSender, m.source = nil, nil, VideoNone
	return nil
}

// StartScreenShare replaces the camera in place when it is on, otherwise
// adds a new video sender.
func (m *Manager) StartScreenShare(ctx context.Context) error {
	m.mu.Lock()
	if err := m.live(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.source == VideoScreen {
		m.mu.Unlock()
		return nil
	}
	screen, err := m.devices.Display(ctx)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("start screen share: %w", err)
	}
	if err := m.attachVideo(ctx, screen); err != nil {
		stopTrack(screen, "screen")
		m.mu.Unlock()
		return fmt.Errorf("start screen share: %w", err)
	}
	if m.source == VideoCamera {
		stopTrack(m.video, "camera")
	}
	m.video, m.source = screen, VideoScreen
	screen.OnEnded(func() { go m.screenEnded(screen) })
	log.Info().Str("module", "media").Msg("screen share on")
	m.changed()
	return nil
}

// StopScreenShare turns video off. The camera is not restored.
func (m *Manager) StopScreenShare(ctx context.Context) error {
	m.mu.Lock()
	if err := m.live(); err != nil {
		m.mu.Unlock()
		return err
	}
	if m.source != VideoScreen {
		m.mu.Unlock()
		return nil
	}
	if err := m.detachVideo(ctx); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("stop screen share: %w", err)
	}
	log.Info().Str("module", "media").Msg("screen share off")
	m.changed()
	return nil
}

// screenEnded handles the share being stopped outside the app.
func (m *Manager) screenEnded(t core.LocalTrack) {
	m.mu.Lock()
	current := m.video == t && !m.stopped
	m.mu.Unlock()
	if !current {
		return
	}
	log.Info().Str("module", "media").Msg("screen share ended by the system")
	if err := m.StopScreenShare(context.Background()); err != nil {
		log.Error().Err(err).Str("module", "media").Msg("stop ended screen share")
	}
}

// StopAll releases every capture device. Senders are left to the closing
// connection. The manager is unusable afterwards.
func (m *Manager) StopAll() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	if m.mic != nil {
		stopTrack(m.mic, "mic")
	}
	if m.video != nil {
		stopTrack(m.video, m.source.String())
	}
	m.mic, m.micSender = nil, nil
	m.video, m.videoSender, m.source = nil, nil, VideoNone
	log.Info().Str("module", "media").Msg("all tracks stopped")
	m.changed()
}
