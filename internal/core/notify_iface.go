package core

import (
	"context"

	"github.com/dkeye/moodcall/internal/domain"
)

//go:generate mockgen -destination=mocks/notifier_mock.go -package=mocks github.com/dkeye/moodcall/internal/core Notifier

// Notifier is the out-of-band side channel into a user's notification inbox.
type Notifier interface {
	NotifyCallInvite(ctx context.Context, to domain.UserID, invite domain.CallInvite) error
	WatchInvites(ctx context.Context, user domain.UserID, fn func(domain.CallInvite)) (Unsubscribe, error)
}
