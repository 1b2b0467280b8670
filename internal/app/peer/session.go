package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/moodcall/internal/core"
	"github.com/dkeye/moodcall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultGrace = 10 * time.Second
	// DefaultRoundTimeout bounds how long a renegotiation offer may wait for
	// the remote answer.
	DefaultRoundTimeout = 15 * time.Second
)

// Publisher carries this side's candidates and renegotiation messages to
// the remote peer. *signaling.Channel satisfies it.
type Publisher interface {
	PublishCandidate(ctx context.Context, c webrtc.ICECandidateInit) error
	PublishNegotiation(ctx context.Context, n domain.Negotiation) error
}

// PublishFunc delivers the initial offer or answer.
type PublishFunc func(ctx context.Context, d domain.Description) error

type Options struct {
	Role  domain.Role
	Clock clock.Clock
	// Grace is how long a disconnected or failed transport may take to
	// recover before HealthLost is reported.
	Grace time.Duration
	// RoundTimeout is how long a renegotiation offer waits for its answer
	// before it is rolled back.
	RoundTimeout  time.Duration
	OnRemoteTrack func(core.RemoteTrack)
	OnHealth      func(Health)
}

type negotiationItem struct {
	id string
	n  domain.Negotiation
}

// Session owns one peer connection and its negotiation state machine:
//
//	Idle -> Offering | Answering -> Connected <-> Renegotiating -> Closed
//
// Remote candidates are buffered until a remote description is set and
// then applied in arrival order, each at most once. Local candidates are
// held until the initial offer or answer has been published.
type Session struct {
	mu     sync.Mutex
	pubMu  sync.Mutex
	pc     core.PeerConnection
	pub    Publisher
	opts   Options
	polite bool
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state        State
	remoteSet    bool
	remoteAnswer string

	pending []webrtc.ICECandidateInit
	seen    map[string]bool
	seenNeg map[string]bool

	localReady bool
	outbox     []webrtc.ICECandidateInit

	localRound      int
	pendingRound    int
	lastRemoteRound int
	reoffer         bool
	dirty           bool
	deferred        []negotiationItem
	roundTimer      *clock.Timer
	roundGen        int

	health   Health
	grace    *clock.Timer
	graceGen int
}

func New(pc core.PeerConnection, pub Publisher, opts Options) *Session {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.RoundTimeout <= 0 {
		opts.RoundTimeout = DefaultRoundTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		pc:      pc,
		pub:     pub,
		opts:    opts,
		polite:  opts.Role == domain.RoleCallee,
		log:     log.With().Str("module", "peer").Str("role", string(opts.Role)).Logger(),
		ctx:     ctx,
		cancel:  cancel,
		seen:    make(map[string]bool),
		seenNeg: make(map[string]bool),
	}
	pc.OnICECandidate(s.onLocalCandidate)
	pc.OnTrack(func(t core.RemoteTrack) {
		s.log.Info().Str("kind", t.Kind().String()).Str("track_id", t.ID()).Msg("remote track")
		if s.opts.OnRemoteTrack != nil {
			s.opts.OnRemoteTrack(t)
		}
	})
	pc.OnConnectionStateChange(s.onConnectionState)
	return s
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Health() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

func (s *Session) conflict(op string) error {
	err := fmt.Errorf("%s in state %s: %w", op, s.state, core.ErrNegotiationConflict)
	s.log.Error().Err(err).Msg("negotiation conflict")
	return err
}

func toSDP(d domain.Description) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(d.Type), SDP: d.SDP}
}

func fromSDP(d webrtc.SessionDescription) domain.Description {
	return domain.Description{Type: d.Type.String(), SDP: d.SDP}
}

// Offer creates and publishes the initial offer. The session then waits in
// Offering for ApplyAnswer.
func (s *Session) Offer(ctx context.Context, publish PublishFunc) error {
	s.mu.Lock()
	if s.state != StateIdle {
		defer s.mu.Unlock()
		return s.conflict("offer")
	}
	s.state = StateOffering
	offer, err := s.pc.CreateOffer()
	if err == nil {
		err = s.pc.SetLocalDescription(offer)
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}

	if err := publish(ctx, fromSDP(offer)); err != nil {
		return err
	}
	s.log.Info().Msg("offer published")
	s.releaseCandidates()
	return nil
}

// Answer applies the remote offer, publishes the answer and moves to
// Connected.
func (s *Session) Answer(ctx context.Context, offer domain.Description, publish PublishFunc) error {
	s.mu.Lock()
	if s.state != StateIdle {
		defer s.mu.Unlock()
		return s.conflict("answer")
	}
	s.state = StateAnswering
	if err := s.pc.SetRemoteDescription(toSDP(offer)); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("apply offer: %w", err)
	}
	s.remoteSet = true
	s.flushPending()
	answer, err := s.pc.CreateAnswer()
	if err == nil {
		err = s.pc.SetLocalDescription(answer)
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}

	if err := publish(ctx, fromSDP(answer)); err != nil {
		return err
	}
	s.mu.Lock()
	if s.state == StateAnswering {
		s.state = StateConnected
	}
	deferred := s.takeDeferred()
	s.mu.Unlock()

	s.log.Info().Msg("answer published")
	s.releaseCandidates()
	s.settled(deferred)
	return nil
}

// ApplyAnswer sets the remote answer exactly once. Re-delivery of the same
// answer is ignored; a different one is a conflict.
func (s *Session) ApplyAnswer(answer domain.Description) error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return core.ErrSessionClosed
	}
	if s.remoteSet {
		defer s.mu.Unlock()
		if answer.SDP == s.remoteAnswer {
			return nil
		}
		return s.conflict("apply answer")
	}
	if s.state != StateOffering {
		defer s.mu.Unlock()
		return s.conflict("apply answer")
	}
	if err := s.pc.SetRemoteDescription(toSDP(answer)); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("apply answer: %w", err)
	}
	s.remoteSet = true
	s.remoteAnswer = answer.SDP
	s.state = StateConnected
	s.flushPending()
	deferred := s.takeDeferred()
	s.mu.Unlock()

	s.log.Info().Msg("answer applied")
	s.settled(deferred)
	return nil
}

// AddRemoteCandidate applies c once a remote description exists. Entries
// are identified by id so a re-delivered candidate is applied only once.
func (s *Session) AddRemoteCandidate(id string, c webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	if id != "" {
		if s.seen[id] {
			return
		}
		s.seen[id] = true
	}
	if !s.remoteSet {
		s.pending = append(s.pending, c)
		return
	}
	if err := s.pc.AddICECandidate(c); err != nil {
		s.log.Warn().Err(err).Msg("add remote candidate")
	}
}

// flushPending applies buffered candidates in arrival order. Caller holds mu.
func (s *Session) flushPending() {
	for _, c := range s.pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.log.Warn().Err(err).Msg("add buffered candidate")
		}
	}
	if n := len(s.pending); n > 0 {
		s.log.Debug().Int("count", n).Msg("flushed buffered candidates")
	}
	s.pending = nil
}

func (s *Session) onLocalCandidate(c webrtc.ICECandidateInit) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	if !s.localReady {
		s.outbox = append(s.outbox, c)
		s.mu.Unlock()
		return
	}
	ctx := s.ctx
	s.mu.Unlock()

	if err := s.pub.PublishCandidate(ctx, c); err != nil {
		s.log.Warn().Err(err).Msg("publish candidate")
	}
}

func (s *Session) releaseCandidates() {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	s.localReady = true
	out := s.outbox
	s.outbox = nil
	ctx := s.ctx
	s.mu.Unlock()

	for _, c := range out {
		if err := s.pub.PublishCandidate(ctx, c); err != nil {
			s.log.Warn().Err(err).Msg("publish candidate")
		}
	}
}

func (s *Session) takeDeferred() []negotiationItem {
	d := s.deferred
	s.deferred = nil
	return d
}

// settled runs once the initial handshake completes: it replays remote
// renegotiations that arrived early and offers any sender change made
// while the handshake was in flight.
func (s *Session) settled(items []negotiationItem) {
	for _, it := range items {
		s.handleNegotiation(it.id, it.n)
	}
	s.mu.Lock()
	if !s.dirty || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.dirty = false
	if err := s.renegotiate(s.ctx, nil); err != nil {
		s.log.Error().Err(err).Msg("renegotiate deferred sender change")
	}
}

// Close stops the grace timer and closes the connection. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.stopGrace()
	s.stopRound()
	s.cancel()
	s.pending = nil
	s.outbox = nil
	s.deferred = nil
	s.mu.Unlock()

	s.log.Info().Msg("closing peer connection")
	return s.pc.Close()
}
