package app

import "github.com/dkeye/moodcall/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickClient
)

// Policy decides what happens when a client's outbound queue is full.
type Policy interface {
	OnBackPressure(uid domain.UserID, pending int) BackpressureAction
}

// SimplePolicy kicks slow clients. Listener streams are ordered, so a
// dropped frame would leave the client with a silently diverged view.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.UserID, int) BackpressureAction {
	return KickClient
}
