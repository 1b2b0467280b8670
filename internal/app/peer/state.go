package peer

// State is the negotiation phase of a session.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAnswering
	StateConnected
	StateRenegotiating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateRenegotiating:
		return "renegotiating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Health is the transport view of the connection, independent of the
// negotiation phase.
type Health int

const (
	HealthConnecting Health = iota
	HealthConnected
	// HealthReconnecting means the transport dropped and the grace timer runs.
	HealthReconnecting
	// HealthLost means the grace period expired without recovery.
	HealthLost
)

func (h Health) String() string {
	switch h {
	case HealthConnecting:
		return "connecting"
	case HealthConnected:
		return "connected"
	case HealthReconnecting:
		return "reconnecting"
	case HealthLost:
		return "lost"
	default:
		return "unknown"
	}
}
