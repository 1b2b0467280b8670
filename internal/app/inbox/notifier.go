// Package inbox writes and watches the per-user notification collection
// that carries call invites.
package inbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/moodcall/internal/app/signaling"
	"github.com/dkeye/moodcall/internal/core"
	"github.com/dkeye/moodcall/internal/domain"
	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog/log"
)

const root = "inbox"

func Path(uid domain.UserID) string { return root + "/" + string(uid) }

// Notifier implements core.Notifier over the document store.
type Notifier struct {
	store core.DocStore
}

var _ core.Notifier = (*Notifier)(nil)

func New(store core.DocStore) *Notifier {
	return &Notifier{store: store}
}

func (n *Notifier) NotifyCallInvite(ctx context.Context, to domain.UserID, inv domain.CallInvite) error {
	if inv.Type == "" {
		inv.Type = domain.NotificationCallInvite
	}
	_, err := n.store.Append(ctx, Path(to), core.Fields{
		"type":       inv.Type,
		"sessionId":  string(inv.SessionID),
		"callerId":   string(inv.CallerID),
		"callerName": inv.CallerName,
	})
	if err != nil {
		return fmt.Errorf("notify call invite: %w", err)
	}
	return nil
}

// WatchInvites delivers call invites for user. Invites whose session is
// gone or already answered are dropped, so replayed history is harmless.
func (n *Notifier) WatchInvites(ctx context.Context, user domain.UserID, fn func(domain.CallInvite)) (core.Unsubscribe, error) {
	l := log.With().Str("module", "inbox").Str("user", string(user)).Logger()
	unsub, err := n.store.WatchCollection(ctx, Path(user), func(e core.Entry) {
		var inv domain.CallInvite
		if err := mapstructure.WeakDecode(e.Fields, &inv); err != nil {
			l.Error().Err(err).Str("entry", e.ID).Msg("malformed notification")
			return
		}
		if inv.Type != domain.NotificationCallInvite {
			return
		}
		live, err := n.live(ctx, inv.SessionID)
		if err != nil {
			l.Warn().Err(err).Str("sid", string(inv.SessionID)).Msg("check invite")
			return
		}
		if !live {
			l.Debug().Str("sid", string(inv.SessionID)).Msg("stale invite")
			return
		}
		fn(inv)
	})
	if err != nil {
		return nil, fmt.Errorf("watch invites: %w", err)
	}
	return unsub, nil
}

func (n *Notifier) live(ctx context.Context, sid domain.SessionID) (bool, error) {
	if sid == "" {
		return false, nil
	}
	f, err := n.store.Get(ctx, signaling.SessionPath(sid))
	if errors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return f["answer"] == nil, nil
}
