// Package signaling scopes the document store to one call session and one
// role. It is the only code that knows the session document layout.
package signaling

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/moodcall/internal/core"
	"github.com/dkeye/moodcall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	callsRoot = "calls"

	candidatesSuffix  = "Candidates"
	negotiationSuffix = "Negotiation"
)

// Handlers are the subscription callbacks. Any may be nil.
type Handlers struct {
	// OnSession fires on every record mutation with the decoded record, and
	// with nil once the record is deleted.
	OnSession func(*domain.CallSession)
	// OnRemoteCandidate fires once per candidate published by the other role.
	OnRemoteCandidate func(id string, c webrtc.ICECandidateInit)
	// OnRemoteNegotiation fires once per renegotiation message from the
	// other role.
	OnRemoteNegotiation func(id string, n domain.Negotiation)
}

type Channel struct {
	store core.DocStore
	sid   domain.SessionID
	role  domain.Role
}

func New(store core.DocStore, sid domain.SessionID, role domain.Role) *Channel {
	return &Channel{store: store, sid: sid, role: role}
}

func SessionPath(sid domain.SessionID) string {
	return callsRoot + "/" + string(sid)
}

func (ch *Channel) SessionID() domain.SessionID { return ch.sid }
func (ch *Channel) Role() domain.Role           { return ch.role }

func (ch *Channel) docPath() string { return SessionPath(ch.sid) }

func (ch *Channel) collection(role domain.Role, suffix string) string {
	return ch.docPath() + "/" + string(role) + suffix
}

func (ch *Channel) require(role domain.Role, op string) error {
	if ch.role != role {
		return fmt.Errorf("%s: %w: %s only", op, core.ErrForbidden, role)
	}
	return nil
}

// wrap maps store failures onto the signaling taxonomy. Not found on the
// record becomes ErrSessionNotFound; transport faults become
// ErrSignalingUnavailable.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrNotFound):
		return fmt.Errorf("%s: %w", op, core.ErrSessionNotFound)
	case errors.Is(err, core.ErrAlreadyExists),
		errors.Is(err, core.ErrForbidden),
		errors.Is(err, core.ErrRateLimited),
		errors.Is(err, core.ErrSignalingUnavailable),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return fmt.Errorf("%s: %w: %v", op, core.ErrSignalingUnavailable, err)
	}
}

// CreateSession persists the record. Caller only.
func (ch *Channel) CreateSession(ctx context.Context, s domain.CallSession) error {
	if err := ch.require(domain.RoleCaller, "create session"); err != nil {
		return err
	}
	if s.Offer == nil {
		return fmt.Errorf("create session: offer missing")
	}
	return wrap("create session", ch.store.Create(ctx, ch.docPath(), sessionFields(s)))
}

func (ch *Channel) GetSession(ctx context.Context) (*domain.CallSession, error) {
	f, err := ch.store.Get(ctx, ch.docPath())
	if err != nil {
		return nil, wrap("get session", err)
	}
	s, err := decodeSession(ch.sid, f)
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

// SubmitAnswer writes the answer exactly once. Callee only.
func (ch *Channel) SubmitAnswer(ctx context.Context, answer domain.Description) error {
	if err := ch.require(domain.RoleCallee, "submit answer"); err != nil {
		return err
	}
	s, err := ch.GetSession(ctx)
	if err != nil {
		return err
	}
	if s.Offer == nil {
		return fmt.Errorf("submit answer: %w: record has no offer", core.ErrSessionNotFound)
	}
	if s.Answer != nil {
		return fmt.Errorf("submit answer: %w: already answered", core.ErrNegotiationConflict)
	}
	err = ch.store.Update(ctx, ch.docPath(), core.Fields{"answer": descriptionFields(answer)})
	if errors.Is(err, core.ErrAlreadyExists) {
		return fmt.Errorf("submit answer: %w: %v", core.ErrNegotiationConflict, err)
	}
	return wrap("submit answer", err)
}

// MarkCalleeLeft records that the callee hung up so the caller can delete
// the record. Callee only.
func (ch *Channel) MarkCalleeLeft(ctx context.Context) error {
	if err := ch.require(domain.RoleCallee, "mark callee left"); err != nil {
		return err
	}
	return wrap("mark callee left", ch.store.Update(ctx, ch.docPath(), core.Fields{"calleeLeft": true}))
}

// PublishCandidate appends to this role's candidate stream.
func (ch *Channel) PublishCandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	_, err := ch.store.Append(ctx, ch.collection(ch.role, candidatesSuffix), candidateFields(c))
	return wrap("publish candidate", err)
}

func (ch *Channel) PublishNegotiation(ctx context.Context, n domain.Negotiation) error {
	_, err := ch.store.Append(ctx, ch.collection(ch.role, negotiationSuffix), negotiationFields(n))
	return wrap("publish negotiation", err)
}

// EndSession deletes the record and its streams. Caller only.
func (ch *Channel) EndSession(ctx context.Context) error {
	if err := ch.require(domain.RoleCaller, "end session"); err != nil {
		return err
	}
	return wrap("end session", ch.store.Delete(ctx, ch.docPath()))
}

// Subscribe watches the record and the other role's streams. The returned
// func stops all three listeners.
func (ch *Channel) Subscribe(ctx context.Context, h Handlers) (core.Unsubscribe, error) {
	var unsubs []core.Unsubscribe
	stopAll := func() {
		for _, u := range unsubs {
			u()
		}
	}
	l := log.With().Str("module", "signaling").Str("sid", string(ch.sid)).Str("role", string(ch.role)).Logger()

	u, err := ch.store.WatchDoc(ctx, ch.docPath(), func(ev core.DocEvent) {
		if h.OnSession == nil {
			return
		}
		if !ev.Exists {
			h.OnSession(nil)
			return
		}
		s, err := decodeSession(ch.sid, ev.Fields)
		if err != nil {
			l.Error().Err(err).Msg("malformed session record")
			return
		}
		h.OnSession(s)
	})
	if err != nil {
		return nil, wrap("subscribe session", err)
	}
	unsubs = append(unsubs, u)

	remote := ch.role.Remote()
	u, err = ch.store.WatchCollection(ctx, ch.collection(remote, candidatesSuffix), func(e core.Entry) {
		if h.OnRemoteCandidate == nil {
			return
		}
		c, err := decodeCandidate(e.Fields)
		if err != nil {
			l.Error().Err(err).Str("entry", e.ID).Msg("malformed candidate")
			return
		}
		h.OnRemoteCandidate(e.ID, c)
	})
	if err != nil {
		stopAll()
		return nil, wrap("subscribe candidates", err)
	}
	unsubs = append(unsubs, u)

	u, err = ch.store.WatchCollection(ctx, ch.collection(remote, negotiationSuffix), func(e core.Entry) {
		if h.OnRemoteNegotiation == nil {
			return
		}
		n, err := decodeNegotiation(e.Fields)
		if err != nil {
			l.Error().Err(err).Str("entry", e.ID).Msg("malformed negotiation")
			return
		}
		h.OnRemoteNegotiation(e.ID, n)
	})
	if err != nil {
		stopAll()
		return nil, wrap("subscribe negotiation", err)
	}
	unsubs = append(unsubs, u)

	return stopAll, nil
}
