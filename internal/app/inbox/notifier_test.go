package inbox

import (
	"context"
	"testing"
	"time"

	"github.com/dkeye/moodcall/internal/adapters/store"
	"github.com/dkeye/moodcall/internal/app/signaling"
	"github.com/dkeye/moodcall/internal/core"
	"github.com/dkeye/moodcall/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, n *Notifier, user domain.UserID) <-chan domain.CallInvite {
	t.Helper()
	ch := make(chan domain.CallInvite, 8)
	unsub, err := n.WatchInvites(context.Background(), user, func(inv domain.CallInvite) { ch <- inv })
	require.NoError(t, err)
	t.Cleanup(unsub)
	return ch
}

func recv(t *testing.T, ch <-chan domain.CallInvite) domain.CallInvite {
	t.Helper()
	select {
	case inv := <-ch:
		return inv
	case <-time.After(2 * time.Second):
		t.Fatal("no invite")
		return domain.CallInvite{}
	}
}

func TestInviteDelivered(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	n := New(st)
	require.NoError(t, st.Create(ctx, signaling.SessionPath("s1"), core.Fields{"callerId": "alice"}))

	got := collect(t, n, "bob")
	require.NoError(t, n.NotifyCallInvite(ctx, "bob", domain.CallInvite{SessionID: "s1", CallerID: "alice", CallerName: "Alice"}))

	assert.Equal(t, domain.CallInvite{
		Type:       domain.NotificationCallInvite,
		SessionID:  "s1",
		CallerID:   "alice",
		CallerName: "Alice",
	}, recv(t, got))
}

func TestInvitesAreAddressed(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	n := New(st)
	require.NoError(t, st.Create(ctx, signaling.SessionPath("s1"), core.Fields{}))

	carol := collect(t, n, "carol")
	bob := collect(t, n, "bob")
	require.NoError(t, n.NotifyCallInvite(ctx, "bob", domain.CallInvite{SessionID: "s1", CallerID: "alice"}))

	assert.Equal(t, domain.SessionID("s1"), recv(t, bob).SessionID)
	assert.Never(t, func() bool { return len(carol) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestStaleInvitesDropped(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	n := New(st)

	// ended call, answered call, live call, unrelated notification
	require.NoError(t, n.NotifyCallInvite(ctx, "bob", domain.CallInvite{SessionID: "gone"}))
	require.NoError(t, st.Create(ctx, signaling.SessionPath("answered"), core.Fields{"answer": map[string]any{"type": "answer", "sdp": "x"}}))
	require.NoError(t, n.NotifyCallInvite(ctx, "bob", domain.CallInvite{SessionID: "answered"}))
	_, err := st.Append(ctx, Path("bob"), core.Fields{"type": "friend_request"})
	require.NoError(t, err)
	require.NoError(t, st.Create(ctx, signaling.SessionPath("live"), core.Fields{}))
	require.NoError(t, n.NotifyCallInvite(ctx, "bob", domain.CallInvite{SessionID: "live"}))

	got := collect(t, n, "bob")
	assert.Equal(t, domain.SessionID("live"), recv(t, got).SessionID)
	assert.Never(t, func() bool { return len(got) > 0 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestWatchStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	st := store.NewMemory()
	n := New(st)

	_, err := n.WatchInvites(ctx, "bob", func(domain.CallInvite) {})
	require.NoError(t, err)
	require.Equal(t, 1, st.Listeners())
	cancel()
	require.Eventually(t, func() bool { return st.Listeners() == 0 }, 2*time.Second, 5*time.Millisecond)
}
