// Package call orchestrates signaling, media and the peer session of the
// one call a user can be in at a time.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/moodcall/internal/app/media"
	"github.com/dkeye/moodcall/internal/app/peer"
	"github.com/dkeye/moodcall/internal/app/signaling"
	"github.com/dkeye/moodcall/internal/core"
	"github.com/dkeye/moodcall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultAnswerTimeout = 45 * time.Second

	teardownTimeout = 5 * time.Second
)

type Config struct {
	Self     domain.User
	Store    core.DocStore
	Notifier core.Notifier
	Factory  core.PeerConnectionFactory
	Devices  core.DeviceProvider
	Clock    clock.Clock

	// Grace is the disconnect grace period handed to the peer session.
	Grace time.Duration
	// AnswerTimeout bounds how long a caller rings. Zero means
	// DefaultAnswerTimeout.
	AnswerTimeout time.Duration

	OnStatus      func(Event)
	OnRemoteTrack func(domain.SessionID, core.RemoteTrack)
}

type activeCall struct {
	sid  domain.SessionID
	role domain.Role
	log  zerolog.Logger

	ch    *signaling.Channel
	peer  *peer.Session
	media *media.Manager

	unsub    core.Unsubscribe
	timer    *clock.Timer
	answered bool
	status   Status
	ended    bool
}

// Controller is the only entry point the application uses. It holds at
// most one call.
type Controller struct {
	cfg Config

	mu        sync.Mutex
	active    *activeCall
	last      Snapshot
	minimized bool
}

func NewController(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = DefaultAnswerTimeout
	}
	return &Controller{cfg: cfg}
}

// reserve claims the single call slot.
func (c *Controller) reserve(sid domain.SessionID, role domain.Role) (*activeCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != nil {
		return nil, core.ErrCallInProgress
	}
	ac := &activeCall{
		sid:  sid,
		role: role,
		log:  log.With().Str("module", "call").Str("sid", string(sid)).Str("role", string(role)).Logger(),
		ch:   signaling.New(c.cfg.Store, sid, role),
	}
	c.active = ac
	c.minimized = false
	return ac, nil
}

// open builds the connection and peer session and starts audio.
func (c *Controller) open(ctx context.Context, ac *activeCall) error {
	pc, err := c.cfg.Factory.NewPeerConnection(string(ac.sid))
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}
	ps := peer.New(pc, ac.ch, peer.Options{
		Role:  ac.role,
		Clock: c.cfg.Clock,
		Grace: c.cfg.Grace,
		OnRemoteTrack: func(t core.RemoteTrack) {
			if c.cfg.OnRemoteTrack != nil {
				c.cfg.OnRemoteTrack(ac.sid, t)
			}
		},
		OnHealth: func(h peer.Health) { c.onHealth(ac, h) },
	})
	mm := media.NewManager(c.cfg.Devices, ps)

	c.mu.Lock()
	if ac.ended {
		c.mu.Unlock()
		if err := ps.Close(); err != nil {
			ac.log.Warn().Err(err).Msg("close peer connection")
		}
		return core.ErrSessionClosed
	}
	ac.peer, ac.media = ps, mm
	c.mu.Unlock()

	return mm.AcquireAudio(ctx)
}

func (c *Controller) isEnded(ac *activeCall) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ac.ended
}

// dropRecord deletes a record written after the call was already torn down.
func (c *Controller) dropRecord(ac *activeCall) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := ac.ch.EndSession(ctx); err != nil && !errors.Is(err, core.ErrSessionNotFound) {
		ac.log.Warn().Err(err).Msg("drop orphaned session")
	}
}

// subscribe watches the session for the life of the call; end stops it.
func (c *Controller) subscribe(ac *activeCall) error {
	unsub, err := ac.ch.Subscribe(context.Background(), signaling.Handlers{
		OnSession: func(s *domain.CallSession) { c.onSession(ac, s) },
		OnRemoteCandidate: func(id string, ci webrtc.ICECandidateInit) {
			ac.peer.AddRemoteCandidate(id, ci)
		},
		OnRemoteNegotiation: ac.peer.HandleNegotiation,
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	if ac.ended {
		c.mu.Unlock()
		unsub()
		return core.ErrSessionClosed
	}
	ac.unsub = unsub
	c.mu.Unlock()
	return nil
}

// StartCall places a call to callee and returns the new session id. It
// returns once the session record and the invite are written.
func (c *Controller) StartCall(ctx context.Context, callee domain.UserID) (domain.SessionID, error) {
	if callee == "" || callee == c.cfg.Self.ID {
		return "", fmt.Errorf("start call to %q: %w", callee, core.ErrForbidden)
	}
	ac, err := c.reserve(domain.NewSessionID(), domain.RoleCaller)
	if err != nil {
		return "", fmt.Errorf("start call: %w", err)
	}
	ac.log.Info().Str("callee", string(callee)).Msg("starting call")

	fail := func(err error, created bool) (domain.SessionID, error) {
		c.end(ac, err, created, false)
		return "", fmt.Errorf("start call: %w", err)
	}

	if err := c.open(ctx, ac); err != nil {
		return fail(err, false)
	}
	self := c.cfg.Self
	err = ac.peer.Offer(ctx, func(ctx context.Context, d domain.Description) error {
		return ac.ch.CreateSession(ctx, domain.NewCallSession(ac.sid, &self, callee, d))
	})
	if err != nil {
		if c.isEnded(ac) {
			c.dropRecord(ac)
		}
		return fail(err, false)
	}
	if c.isEnded(ac) {
		c.dropRecord(ac)
		return fail(core.ErrSessionClosed, false)
	}
	if err := c.subscribe(ac); err != nil {
		if errors.Is(err, core.ErrSessionClosed) {
			c.dropRecord(ac)
		}
		return fail(err, true)
	}

	invite := domain.CallInvite{
		Type:       domain.NotificationCallInvite,
		SessionID:  ac.sid,
		CallerID:   self.ID,
		CallerName: self.Username,
	}
	if err := c.cfg.Notifier.NotifyCallInvite(ctx, callee, invite); err != nil {
		return fail(fmt.Errorf("notify %s: %w", callee, err), true)
	}

	c.mu.Lock()
	if !ac.ended && !ac.answered {
		ac.timer = c.cfg.Clock.AfterFunc(c.cfg.AnswerTimeout, func() {
			ac.log.Info().Dur("timeout", c.cfg.AnswerTimeout).Msg("no answer")
			c.end(ac, core.ErrAnswerTimeout, true, false)
		})
	}
	c.mu.Unlock()

	c.setStatus(ac, StatusCalling, nil)
	return ac.sid, nil
}

// JoinCall answers the session a received invite points at.
func (c *Controller) JoinCall(ctx context.Context, sid domain.SessionID) error {
	ac, err := c.reserve(sid, domain.RoleCallee)
	if err != nil {
		return fmt.Errorf("join call: %w", err)
	}
	fail := func(err error) error {
		c.end(ac, err, false, false)
		return fmt.Errorf("join call %s: %w", sid, err)
	}

	rec, err := ac.ch.GetSession(ctx)
	if err != nil {
		return fail(err)
	}
	if rec.CalleeID != c.cfg.Self.ID {
		return fail(core.ErrForbidden)
	}
	if rec.Offer == nil {
		return fail(core.ErrSessionNotFound)
	}
	if rec.Answer != nil {
		return fail(core.ErrNegotiationConflict)
	}
	ac.log.Info().Str("caller", string(rec.CallerID)).Msg("joining call")

	if err := c.open(ctx, ac); err != nil {
		return fail(err)
	}
	if err := c.subscribe(ac); err != nil {
		return fail(err)
	}
	if err := ac.peer.Answer(ctx, *rec.Offer, ac.ch.SubmitAnswer); err != nil {
		return fail(err)
	}
	c.mu.Lock()
	ac.answered = true
	c.mu.Unlock()
	c.setStatus(ac, StatusConnecting, nil)
	return nil
}

func (c *Controller) onSession(ac *activeCall, s *domain.CallSession) {
	if s == nil {
		ac.log.Info().Msg("session record removed")
		c.end(ac, nil, false, true)
		return
	}
	if ac.role != domain.RoleCaller {
		return
	}
	if s.CalleeLeft {
		ac.log.Info().Msg("callee left")
		c.end(ac, nil, true, true)
		return
	}
	if s.Answer == nil {
		return
	}

	c.mu.Lock()
	if ac.ended {
		c.mu.Unlock()
		return
	}
	first := !ac.answered
	ac.answered = true
	if ac.timer != nil {
		ac.timer.Stop()
		ac.timer = nil
	}
	c.mu.Unlock()

	if err := ac.peer.ApplyAnswer(*s.Answer); err != nil {
		if errors.Is(err, core.ErrSessionClosed) {
			return
		}
		ac.log.Error().Err(err).Msg("apply answer")
		c.end(ac, err, true, false)
		return
	}
	if first {
		c.setStatus(ac, StatusConnecting, nil)
	}
}

func (c *Controller) onHealth(ac *activeCall, h peer.Health) {
	switch h {
	case peer.HealthConnected:
		c.setStatus(ac, StatusConnected, nil)
	case peer.HealthReconnecting:
		c.setStatus(ac, StatusReconnecting, nil)
	case peer.HealthLost:
		c.setStatus(ac, StatusConnectionLost, core.ErrConnectionLost)
	}
}

func (c *Controller) setStatus(ac *activeCall, st Status, err error) {
	c.mu.Lock()
	if ac.ended && st != StatusEnded {
		c.mu.Unlock()
		return
	}
	// Calling and Connecting are entry phases and never overwrite a later one.
	if ac.status == st || (st <= StatusConnecting && ac.status >= st) {
		c.mu.Unlock()
		return
	}
	ac.status = st
	c.last.Status, c.last.SessionID, c.last.Role = st, ac.sid, ac.role
	fn := c.cfg.OnStatus
	c.mu.Unlock()

	ac.log.Info().Str("status", st.String()).AnErr("cause", err).Msg("call status")
	if fn != nil {
		fn(Event{Status: st, SessionID: ac.sid, Role: ac.role, Err: err})
	}
}

// end tears the call down: local tracks, listeners, connection, then the
// shared state. notify writes the role's leave marker (the caller deletes
// the record, the callee sets calleeLeft).
func (c *Controller) end(ac *activeCall, cause error, notify, remote bool) error {
	c.mu.Lock()
	if ac.ended {
		c.mu.Unlock()
		return nil
	}
	ac.ended = true
	if c.active == ac {
		c.active = nil
		c.minimized = false
	}
	if ac.timer != nil {
		ac.timer.Stop()
		ac.timer = nil
	}
	mm, ps, unsub := ac.media, ac.peer, ac.unsub
	c.mu.Unlock()

	if mm != nil {
		mm.StopAll()
	}
	if unsub != nil {
		unsub()
	}
	if ps != nil {
		if err := ps.Close(); err != nil {
			ac.log.Warn().Err(err).Msg("close peer connection")
		}
	}

	var err error
	if notify {
		ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
		if ac.role == domain.RoleCaller {
			err = ac.ch.EndSession(ctx)
		} else {
			err = ac.ch.MarkCalleeLeft(ctx)
		}
		cancel()
		if errors.Is(err, core.ErrSessionNotFound) {
			err = nil
		}
		if err != nil {
			ac.log.Warn().Err(err).Msg("leave session")
		}
	}

	c.mu.Lock()
	ac.status = StatusEnded
	c.last = Snapshot{Status: StatusEnded, SessionID: ac.sid, Role: ac.role}
	fn := c.cfg.OnStatus
	c.mu.Unlock()

	ac.log.Info().AnErr("cause", cause).Bool("remote", remote).Msg("call ended")
	if fn != nil {
		fn(Event{Status: StatusEnded, SessionID: ac.sid, Role: ac.role, Remote: remote, Err: cause})
	}
	return err
}

func (c *Controller) current() (*activeCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil || c.active.media == nil {
		return nil, core.ErrNoActiveCall
	}
	return c.active, nil
}

// HangUp ends the current call locally and tells the other side.
func (c *Controller) HangUp(ctx context.Context) error {
	c.mu.Lock()
	ac := c.active
	c.mu.Unlock()
	if ac == nil {
		return core.ErrNoActiveCall
	}
	ac.log.Info().Msg("hang up")
	if err := c.end(ac, nil, true, false); err != nil {
		return fmt.Errorf("hang up: %w", err)
	}
	return nil
}

// ToggleMic flips mute and returns whether the mic is now on.
func (c *Controller) ToggleMic() (bool, error) {
	ac, err := c.current()
	if err != nil {
		return false, err
	}
	on := !ac.media.State().MicOn
	if err := ac.media.ToggleMic(on); err != nil {
		return false, err
	}
	return on, nil
}

// ToggleCamera flips the camera and returns whether it is now on. It fails
// with ErrScreenShareActive while sharing.
func (c *Controller) ToggleCamera(ctx context.Context) (bool, error) {
	ac, err := c.current()
	if err != nil {
		return false, err
	}
	if ac.media.State().Video == media.VideoCamera {
		return false, ac.media.DisableCamera(ctx)
	}
	if err := ac.media.EnableCamera(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ToggleScreenShare flips screen sharing and returns whether it is now on.
func (c *Controller) ToggleScreenShare(ctx context.Context) (bool, error) {
	ac, err := c.current()
	if err != nil {
		return false, err
	}
	if ac.media.State().Video == media.VideoScreen {
		return false, ac.media.StopScreenShare(ctx)
	}
	if err := ac.media.StartScreenShare(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Minimize hides the call view. Media and signaling keep running.
func (c *Controller) Minimize() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return core.ErrNoActiveCall
	}
	c.minimized = true
	return nil
}

func (c *Controller) Restore() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return core.ErrNoActiveCall
	}
	c.minimized = false
	return nil
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := c.last
	var mm *media.Manager
	if ac := c.active; ac != nil {
		snap = Snapshot{Status: ac.status, SessionID: ac.sid, Role: ac.role, Minimized: c.minimized}
		mm = ac.media
	}
	c.mu.Unlock()
	if mm != nil {
		snap.Media = mm.State()
	}
	return snap
}

// ListenForInvites reports call invites addressed to this user until ctx
// ends or the returned func is called.
func (c *Controller) ListenForInvites(ctx context.Context, fn func(domain.CallInvite)) (core.Unsubscribe, error) {
	return c.cfg.Notifier.WatchInvites(ctx, c.cfg.Self.ID, func(inv domain.CallInvite) {
		if inv.Type != domain.NotificationCallInvite {
			return
		}
		log.Info().Str("module", "call").Str("sid", string(inv.SessionID)).Str("caller", string(inv.CallerID)).Msg("incoming call")
		fn(inv)
	})
}
