package call

import (
	"github.com/dkeye/moodcall/internal/app/media"
	"github.com/dkeye/moodcall/internal/domain"
)

// Status is the user-facing phase of the current call.
type Status int

const (
	StatusIdle Status = iota
	// StatusCalling means the record and invite are out and the caller
	// waits for an answer.
	StatusCalling
	StatusConnecting
	StatusConnected
	StatusReconnecting
	// StatusConnectionLost keeps local media running; the user decides
	// whether to hang up.
	StatusConnectionLost
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusCalling:
		return "calling"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusConnectionLost:
		return "connection_lost"
	case StatusEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// Event is published on every status change.
type Event struct {
	Status    Status
	SessionID domain.SessionID
	Role      domain.Role
	// Remote is set when the other side ended the call.
	Remote bool
	Err    error
}

// Snapshot describes the controller at one instant.
type Snapshot struct {
	Status    Status
	SessionID domain.SessionID
	Role      domain.Role
	Media     media.State
	Minimized bool
}
