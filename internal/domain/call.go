package domain

import (
	"time"

	"github.com/google/uuid"
)

type SessionID string

// NewSessionID returns a fresh id for one call attempt. Ids are never reused,
// not even between the same two peers.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// Role is the side a peer plays in a call session.
type Role string

const (
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// Remote returns the opposite role.
func (r Role) Remote() Role {
	if r == RoleCaller {
		return RoleCallee
	}
	return RoleCaller
}

func (r Role) Valid() bool { return r == RoleCaller || r == RoleCallee }

// Description is a session description payload (offer or answer).
type Description struct {
	Type string `mapstructure:"type" json:"type"`
	SDP  string `mapstructure:"sdp" json:"sdp"`
}

// CallSession is the shared record of one 1:1 call attempt.
// The caller owns creation and deletion, the callee owns Answer and CalleeLeft.
type CallSession struct {
	ID           SessionID    `mapstructure:"-" json:"id"`
	CallerID     UserID       `mapstructure:"callerId" json:"callerId"`
	CalleeID     UserID       `mapstructure:"calleeId" json:"calleeId"`
	CallerName   string       `mapstructure:"callerName" json:"callerName,omitempty"`
	Participants []UserID     `mapstructure:"participants" json:"participants"`
	Offer        *Description `mapstructure:"offer" json:"offer,omitempty"`
	Answer       *Description `mapstructure:"answer" json:"answer,omitempty"`
	CalleeLeft   bool         `mapstructure:"calleeLeft" json:"calleeLeft,omitempty"`
	CreatedAt    int64        `mapstructure:"createdAt" json:"createdAt"`
}

// NewCallSession builds the record the caller persists when initiating a call.
func NewCallSession(id SessionID, caller *User, callee UserID, offer Description) CallSession {
	return CallSession{
		ID:           id,
		CallerID:     caller.ID,
		CalleeID:     callee,
		CallerName:   caller.Username,
		Participants: []UserID{caller.ID, callee},
		Offer:        &offer,
		CreatedAt:    time.Now().UnixMilli(),
	}
}

// Candidate is an opaque network-candidate descriptor.
type Candidate struct {
	Candidate        string  `mapstructure:"candidate" json:"candidate"`
	SDPMid           *string `mapstructure:"sdpMid" json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `mapstructure:"sdpMLineIndex" json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `mapstructure:"usernameFragment" json:"usernameFragment,omitempty"`
}

// Negotiation is one renegotiation message. Offers carry the author's own
// round counter (the record offer is round 0); answers and rollbacks carry
// the round of the offer they reply to. A rollback tells the offerer its
// offer could not be applied.
type Negotiation struct {
	Type  string `mapstructure:"type" json:"type"`
	SDP   string `mapstructure:"sdp" json:"sdp"`
	Round int    `mapstructure:"round" json:"round"`
}

const NotificationCallInvite = "call_invite"

// CallInvite is the entry written into the callee's notification inbox.
type CallInvite struct {
	Type       string    `mapstructure:"type" json:"type"`
	SessionID  SessionID `mapstructure:"sessionId" json:"sessionId"`
	CallerID   UserID    `mapstructure:"callerId" json:"callerId"`
	CallerName string    `mapstructure:"callerName" json:"callerName"`
}
