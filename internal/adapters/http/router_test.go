package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dkeye/moodcall/internal/adapters/store"
	"github.com/dkeye/moodcall/internal/app"
	"github.com/dkeye/moodcall/internal/config"
	"github.com/dkeye/moodcall/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relay struct {
	srv   *httptest.Server
	store *store.Store
	reg   *app.Registry
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{
		Mode:       "test",
		Secret:     "test-secret",
		ReadLimit:  1 << 20,
		PingPeriod: time.Minute,
		RateLimit:  config.RateLimitConfig{Limit: 2, Interval: time.Minute},
	}
	st := store.NewMemory()
	reg := app.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	srv := httptest.NewServer(SetupRouter(ctx, cfg, st, reg))
	t.Cleanup(func() {
		cancel()
		srv.Close()
		_ = st.Close()
	})
	return &relay{srv: srv, store: st, reg: reg}
}

func (r *relay) dial(t *testing.T, uid string) *store.Remote {
	t.Helper()
	url := "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/api/ws/store?uid=" + uid
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := store.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func callRecord(caller, callee string) core.Fields {
	return core.Fields{
		"callerId":     caller,
		"calleeId":     callee,
		"participants": []string{caller, callee},
		"offer":        map[string]any{"type": "offer", "sdp": "v=0"},
	}
}

func TestRelayRoundTrip(t *testing.T) {
	r := newRelay(t)
	ctx := context.Background()
	alice := r.dial(t, "alice")
	bob := r.dial(t, "bob")

	require.NoError(t, alice.Create(ctx, "calls/s1", callRecord("alice", "bob")))
	err := alice.Create(ctx, "calls/s1", callRecord("alice", "bob"))
	assert.ErrorIs(t, err, core.ErrAlreadyExists)

	events := make(chan core.DocEvent, 8)
	unsub, err := alice.WatchDoc(ctx, "calls/s1", func(ev core.DocEvent) { events <- ev })
	require.NoError(t, err)
	defer unsub()

	got, err := bob.Get(ctx, "calls/s1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got["callerId"])

	require.NoError(t, bob.Update(ctx, "calls/s1", core.Fields{
		"answer": map[string]any{"type": "answer", "sdp": "v=0"},
	}))

	var last core.DocEvent
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				last = ev
				if _, ok := ev.Fields["answer"]; ok {
					return true
				}
			default:
				return false
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, last.Exists)

	entries := make(chan core.Entry, 8)
	unsubC, err := bob.WatchCollection(ctx, "calls/s1/callerCandidates", func(e core.Entry) { entries <- e })
	require.NoError(t, err)
	defer unsubC()

	id, err := alice.Append(ctx, "calls/s1/callerCandidates", core.Fields{"candidate": "c1"})
	require.NoError(t, err)
	select {
	case e := <-entries:
		assert.Equal(t, id, e.ID)
		assert.Equal(t, "c1", e.Fields["candidate"])
	case <-time.After(2 * time.Second):
		t.Fatal("no candidate entry")
	}

	require.NoError(t, alice.Delete(ctx, "calls/s1"))
	require.Eventually(t, func() bool {
		select {
		case ev := <-events:
			return !ev.Exists
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayEnforcesRules(t *testing.T) {
	r := newRelay(t)
	ctx := context.Background()
	alice := r.dial(t, "alice")
	bob := r.dial(t, "bob")
	mallory := r.dial(t, "mallory")

	require.NoError(t, alice.Create(ctx, "calls/s1", callRecord("alice", "bob")))

	assert.ErrorIs(t, bob.Delete(ctx, "calls/s1"), core.ErrForbidden)
	_, err := mallory.Get(ctx, "calls/s1")
	assert.ErrorIs(t, err, core.ErrForbidden)
	_, err = bob.Append(ctx, "calls/s1/callerCandidates", core.Fields{"candidate": "spoof"})
	assert.ErrorIs(t, err, core.ErrForbidden)
	_, err = mallory.WatchCollection(ctx, "inbox/bob", func(core.Entry) {})
	assert.ErrorIs(t, err, core.ErrForbidden)

	_, err = mallory.Get(ctx, "calls/none")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRelayAcceptsOneAnswer(t *testing.T) {
	r := newRelay(t)
	ctx := context.Background()
	alice := r.dial(t, "alice")
	bobs := []*store.Remote{r.dial(t, "bob"), r.dial(t, "bob"), r.dial(t, "bob")}

	require.NoError(t, alice.Create(ctx, "calls/s1", callRecord("alice", "bob")))

	errs := make(chan error, len(bobs))
	for i, b := range bobs {
		go func(i int, b *store.Remote) {
			errs <- b.Update(ctx, "calls/s1", core.Fields{
				"answer": map[string]any{"type": "answer", "sdp": fmt.Sprintf("v=%d", i)},
			})
		}(i, b)
	}
	var ok, taken int
	for range bobs {
		err := <-errs
		switch {
		case err == nil:
			ok++
		case errors.Is(err, core.ErrAlreadyExists):
			taken++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, len(bobs)-1, taken)

	assert.ErrorIs(t, alice.Update(ctx, "calls/s1", core.Fields{
		"offer": map[string]any{"type": "offer", "sdp": "v=9"},
	}), core.ErrForbidden)
}

func TestRelayDeniesWatchBeforeCreate(t *testing.T) {
	r := newRelay(t)
	ctx := context.Background()
	mallory := r.dial(t, "mallory")

	_, err := mallory.WatchDoc(ctx, "calls/soon", func(core.DocEvent) {})
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = mallory.WatchCollection(ctx, "calls/soon/callerCandidates", func(core.Entry) {})
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestRelayRateLimitsCallCreation(t *testing.T) {
	r := newRelay(t)
	ctx := context.Background()
	alice := r.dial(t, "alice")

	require.NoError(t, alice.Create(ctx, "calls/a", callRecord("alice", "bob")))
	require.NoError(t, alice.Create(ctx, "calls/b", callRecord("alice", "bob")))
	err := alice.Create(ctx, "calls/c", callRecord("alice", "bob"))
	assert.ErrorIs(t, err, core.ErrRateLimited)
}

func TestRelayDisconnectDropsWatches(t *testing.T) {
	r := newRelay(t)
	ctx := context.Background()
	bob := r.dial(t, "bob")

	_, err := bob.WatchCollection(ctx, "inbox/bob", func(core.Entry) {})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return r.store.Listeners() == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, r.reg.Count())

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool {
		return r.store.Listeners() == 0 && r.reg.Count() == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err = bob.Get(ctx, "inbox/bob")
	assert.ErrorIs(t, err, core.ErrSignalingUnavailable)
}

func TestDocsEndpoint(t *testing.T) {
	r := newRelay(t)
	require.NoError(t, r.store.Create(context.Background(), "calls/s1", callRecord("alice", "bob")))

	resp, err := http.Get(r.srv.URL + "/api/docs/calls/s1?uid=alice")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Path   string         `json:"path"`
		Fields map[string]any `json:"fields"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "calls/s1", body.Path)
	assert.Equal(t, "bob", body.Fields["calleeId"])

	resp2, err := http.Get(r.srv.URL + "/api/docs/calls/s1?uid=mallory")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)
}

func TestHealthz(t *testing.T) {
	r := newRelay(t)
	resp, err := http.Get(r.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	var h struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
}
