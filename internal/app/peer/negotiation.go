package peer

import (
	"context"
	"fmt"

	"github.com/dkeye/moodcall/internal/core"
	"github.com/dkeye/moodcall/internal/domain"
	"github.com/pion/webrtc/v4"
)

// HandleNegotiation processes one message from the remote negotiation
// stream. Messages are identified by id and handled at most once.
func (s *Session) HandleNegotiation(id string, n domain.Negotiation) {
	s.mu.Lock()
	if id != "" {
		if s.seenNeg[id] {
			s.mu.Unlock()
			return
		}
		s.seenNeg[id] = true
	}
	s.mu.Unlock()
	s.handleNegotiation(id, n)
}

func (s *Session) handleNegotiation(id string, n domain.Negotiation) {
	switch n.Type {
	case webrtc.SDPTypeOffer.String():
		s.handleRemoteOffer(id, n)
	case webrtc.SDPTypeAnswer.String():
		s.handleRemoteAnswer(n)
	case webrtc.SDPTypeRollback.String():
		s.handleRemoteReject(n)
	default:
		s.log.Warn().Str("type", n.Type).Msg("unknown negotiation type")
	}
}

func (s *Session) handleRemoteOffer(id string, n domain.Negotiation) {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return
	case StateIdle, StateOffering, StateAnswering:
		// the initial handshake has not settled yet
		s.deferred = append(s.deferred, negotiationItem{id: id, n: n})
		s.mu.Unlock()
		return
	}
	if n.Round <= s.lastRemoteRound {
		s.mu.Unlock()
		s.log.Debug().Int("round", n.Round).Msg("stale remote offer ignored")
		return
	}
	s.lastRemoteRound = n.Round

	if s.state == StateRenegotiating {
		if !s.polite {
			s.mu.Unlock()
			s.log.Info().Int("round", n.Round).Msg("glare: ignoring remote offer")
			return
		}
		s.log.Info().Int("round", n.Round).Msg("glare: rolling back local offer")
		if err := s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			s.mu.Unlock()
			s.log.Error().Err(err).Msg("rollback local offer")
			return
		}
		s.stopRound()
		s.state = StateConnected
		s.pendingRound = 0
		s.reoffer = true
	}

	var answer webrtc.SessionDescription
	err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: n.SDP})
	applied := err == nil
	if err == nil {
		answer, err = s.pc.CreateAnswer()
	}
	if err == nil {
		err = s.pc.SetLocalDescription(answer)
	}
	if err != nil && applied {
		if rbErr := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); rbErr != nil {
			s.log.Error().Err(rbErr).Msg("rollback remote offer")
		}
	}
	reoffer := s.reoffer
	s.reoffer = false
	ctx := s.ctx
	s.mu.Unlock()

	reply := domain.Negotiation{Type: webrtc.SDPTypeAnswer.String(), SDP: answer.SDP, Round: n.Round}
	if err != nil {
		// tell the offerer to roll back this round
		s.log.Error().Err(err).Int("round", n.Round).Msg("answer renegotiation")
		reply = domain.Negotiation{Type: webrtc.SDPTypeRollback.String(), Round: n.Round}
	}
	if err := s.pub.PublishNegotiation(ctx, reply); err != nil {
		s.log.Error().Err(err).Int("round", n.Round).Str("type", reply.Type).Msg("publish renegotiation reply")
	} else {
		s.log.Info().Int("round", n.Round).Str("type", reply.Type).Msg("renegotiation replied")
	}

	if reoffer {
		s.mu.Lock()
		if s.state != StateConnected {
			s.mu.Unlock()
			return
		}
		if err := s.renegotiate(ctx, nil); err != nil {
			s.log.Error().Err(err).Msg("re-offer after glare")
		}
	}
}

func (s *Session) handleRemoteAnswer(n domain.Negotiation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRenegotiating || n.Round != s.pendingRound {
		s.log.Debug().Int("round", n.Round).Int("pending", s.pendingRound).Msg("unexpected renegotiation answer ignored")
		return
	}
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: n.SDP}); err != nil {
		s.log.Error().Err(err).Int("round", n.Round).Msg("apply renegotiation answer")
		s.dropRound(n.Round)
		return
	}
	s.stopRound()
	s.state = StateConnected
	s.pendingRound = 0
	s.log.Info().Int("round", n.Round).Msg("renegotiation complete")
}

func (s *Session) handleRemoteReject(n domain.Negotiation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropRound(n.Round) {
		s.log.Warn().Int("round", n.Round).Msg("remote rejected renegotiation")
	}
}

// dropRound abandons the pending local offer for round and returns to
// Connected. Senders keep their tracks; the next round offers them again.
// Caller holds mu.
func (s *Session) dropRound(round int) bool {
	if s.state != StateRenegotiating || s.pendingRound != round {
		return false
	}
	s.stopRound()
	if err := s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		s.log.Error().Err(err).Int("round", round).Msg("rollback local offer")
	}
	s.state = StateConnected
	s.pendingRound = 0
	return true
}

// armRound starts the answer timer for round. Caller holds mu.
func (s *Session) armRound(round int) {
	s.stopRound()
	gen := s.roundGen
	s.roundTimer = s.opts.Clock.AfterFunc(s.opts.RoundTimeout, func() { s.roundExpired(gen, round) })
}

// stopRound cancels the answer timer. Caller holds mu.
func (s *Session) stopRound() {
	if s.roundTimer != nil {
		s.roundTimer.Stop()
		s.roundTimer = nil
	}
	s.roundGen++
}

func (s *Session) roundExpired(gen, round int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.roundGen || s.state == StateClosed {
		return
	}
	s.roundTimer = nil
	if s.dropRound(round) {
		s.log.Warn().Int("round", round).Dur("timeout", s.opts.RoundTimeout).Msg("renegotiation unanswered")
	}
}

// renegotiate publishes a fresh offer for the current sender set. It is
// entered with mu held and returns with mu released. On failure the local
// offer is rolled back and undo, if set, reverts the sender change.
func (s *Session) renegotiate(ctx context.Context, undo func()) error {
	s.localRound++
	round := s.localRound
	s.state = StateRenegotiating
	s.pendingRound = round

	offer, err := s.pc.CreateOffer()
	if err == nil {
		err = s.pc.SetLocalDescription(offer)
	}
	if err != nil {
		s.state = StateConnected
		s.pendingRound = 0
		if undo != nil {
			undo()
		}
		s.mu.Unlock()
		return fmt.Errorf("renegotiate: %w", err)
	}
	s.armRound(round)
	s.mu.Unlock()

	err = s.pub.PublishNegotiation(ctx, domain.Negotiation{
		Type:  webrtc.SDPTypeOffer.String(),
		SDP:   offer.SDP,
		Round: round,
	})
	if err == nil {
		s.log.Info().Int("round", round).Msg("renegotiation offer published")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropRound(round) && undo != nil {
		undo()
	}
	return fmt.Errorf("renegotiate: %w", err)
}

// mutable reports whether a sender change is allowed now and whether it
// needs renegotiation right away. Changes during the initial handshake are
// renegotiated once it settles. Caller holds mu.
func (s *Session) mutable(op string) (renegotiate bool, err error) {
	switch s.state {
	case StateClosed:
		return false, core.ErrSessionClosed
	case StateIdle:
		return false, nil
	case StateOffering, StateAnswering:
		s.dirty = true
		return false, nil
	case StateConnected:
		return true, nil
	default:
		return false, s.conflict(op)
	}
}

// AddTrack attaches a new sender. After the handshake it renegotiates.
func (s *Session) AddTrack(ctx context.Context, t webrtc.TrackLocal) (core.Sender, error) {
	s.mu.Lock()
	reneg, err := s.mutable("add track")
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	sender, err := s.pc.AddTrack(t)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("add track: %w", err)
	}
	if !reneg {
		s.mu.Unlock()
		return sender, nil
	}
	undo := func() {
		if err := s.pc.RemoveTrack(sender); err != nil {
			s.log.Error().Err(err).Msg("undo add track")
		}
	}
	if err := s.renegotiate(ctx, undo); err != nil {
		return nil, err
	}
	return sender, nil
}

// RemoveTrack detaches a sender. After the handshake it renegotiates.
func (s *Session) RemoveTrack(ctx context.Context, sender core.Sender) error {
	s.mu.Lock()
	reneg, err := s.mutable("remove track")
	if err != nil {
		s.mu.Unlock()
		return err
	}
	track := sender.Track()
	if err := s.pc.RemoveTrack(sender); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("remove track: %w", err)
	}
	if !reneg {
		s.mu.Unlock()
		return nil
	}
	undo := func() {
		if track == nil {
			return
		}
		if _, err := s.pc.AddTrack(track); err != nil {
			s.log.Error().Err(err).Msg("undo remove track")
		}
	}
	return s.renegotiate(ctx, undo)
}

// ReplaceTrack swaps the track on an existing sender in place. It never
// renegotiates.
func (s *Session) ReplaceTrack(sender core.Sender, t webrtc.TrackLocal) error {
	s.mu.Lock()
	closed := s.state == StateClosed
	s.mu.Unlock()
	if closed {
		return core.ErrSessionClosed
	}
	if err := sender.ReplaceTrack(t); err != nil {
		return fmt.Errorf("replace track: %w", err)
	}
	return nil
}
