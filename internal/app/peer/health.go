package peer

import "github.com/pion/webrtc/v4"

func (s *Session) onConnectionState(st webrtc.PeerConnectionState) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	prev := s.health
	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.stopGrace()
		s.health = HealthConnected
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		if s.health == HealthLost {
			break
		}
		if s.grace == nil {
			s.graceGen++
			gen := s.graceGen
			s.grace = s.opts.Clock.AfterFunc(s.opts.Grace, func() { s.expire(gen) })
		}
		s.health = HealthReconnecting
	case webrtc.PeerConnectionStateNew, webrtc.PeerConnectionStateConnecting:
		if s.health != HealthReconnecting && s.health != HealthLost {
			s.health = HealthConnecting
		}
	}
	cur := s.health
	s.mu.Unlock()

	s.log.Info().Str("peer_connection_state", st.String()).Str("health", cur.String()).Msg("Peer state")
	if cur != prev {
		s.emitHealth(cur)
	}
}

func (s *Session) expire(gen int) {
	s.mu.Lock()
	if s.state == StateClosed || gen != s.graceGen || s.grace == nil {
		s.mu.Unlock()
		return
	}
	s.grace = nil
	s.health = HealthLost
	s.mu.Unlock()

	s.log.Warn().Dur("grace", s.opts.Grace).Msg("connection lost")
	s.emitHealth(HealthLost)
}

// stopGrace cancels a running grace timer. Caller holds mu.
func (s *Session) stopGrace() {
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
		s.graceGen++
	}
}

func (s *Session) emitHealth(h Health) {
	if s.opts.OnHealth != nil {
		s.opts.OnHealth(h)
	}
}
