package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/moodcall/internal/adapters/store"
	"github.com/dkeye/moodcall/internal/app/inbox"
	"github.com/dkeye/moodcall/internal/app/media"
	"github.com/dkeye/moodcall/internal/app/signaling"
	"github.com/dkeye/moodcall/internal/core"
	"github.com/dkeye/moodcall/internal/core/coretest"
	"github.com/dkeye/moodcall/internal/core/mocks"
	"github.com/dkeye/moodcall/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Status)
	}
	return out
}

func (r *recorder) find(st Status) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Status == st {
			return e, true
		}
	}
	return Event{}, false
}

func (r *recorder) wait(t *testing.T, st Status) Event {
	t.Helper()
	var ev Event
	require.Eventually(t, func() bool {
		var ok bool
		ev, ok = r.find(st)
		return ok
	}, waitFor, tick, "status %s never reported", st)
	return ev
}

type side struct {
	ctl     *Controller
	factory *coretest.FakeFactory
	devices *coretest.FakeDevices
	events  *recorder
	tracks  chan core.RemoteTrack
}

func newSide(st core.DocStore, n core.Notifier, clk clock.Clock, id domain.UserID, name string) *side {
	s := &side{
		factory: &coretest.FakeFactory{},
		devices: &coretest.FakeDevices{},
		events:  &recorder{},
		tracks:  make(chan core.RemoteTrack, 16),
	}
	s.ctl = NewController(Config{
		Self:     domain.User{ID: id, Username: name},
		Store:    st,
		Notifier: n,
		Factory:  s.factory,
		Devices:  s.devices,
		Clock:    clk,
		OnStatus: s.events.add,
		OnRemoteTrack: func(_ domain.SessionID, t core.RemoteTrack) {
			s.tracks <- t
		},
	})
	return s
}

func (s *side) pc() *coretest.FakePeerConnection { return s.factory.Last() }

func (s *side) waitTrack(t *testing.T, id string) core.RemoteTrack {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case tr := <-s.tracks:
			if tr.ID() == id {
				return tr
			}
		case <-deadline:
			t.Fatalf("remote track %s never arrived", id)
			return nil
		}
	}
}

type fixture struct {
	st         *store.Store
	clk        *clock.Mock
	alice, bob *side
}

func newFixture(t *testing.T) *fixture {
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	clk := clock.NewMock()
	n := inbox.New(st)
	return &fixture{
		st:    st,
		clk:   clk,
		alice: newSide(st, n, clk, "alice", "Alice"),
		bob:   newSide(st, n, clk, "bob", "Bob"),
	}
}

// connect runs alice -> bob up to the applied answer.
func (f *fixture) connect(t *testing.T) domain.SessionID {
	t.Helper()
	ctx := context.Background()
	sid, err := f.alice.ctl.StartCall(ctx, "bob")
	require.NoError(t, err)
	require.NoError(t, f.bob.ctl.JoinCall(ctx, sid))
	f.alice.events.wait(t, StatusConnecting)
	return sid
}

func TestCallHandshake(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	invites := make(chan domain.CallInvite, 1)
	unsub, err := f.bob.ctl.ListenForInvites(ctx, func(inv domain.CallInvite) { invites <- inv })
	require.NoError(t, err)
	defer unsub()

	sid, err := f.alice.ctl.StartCall(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, StatusCalling, f.alice.ctl.Snapshot().Status)

	var inv domain.CallInvite
	select {
	case inv = <-invites:
	case <-time.After(waitFor):
		t.Fatal("invite not delivered")
	}
	assert.Equal(t, sid, inv.SessionID)
	assert.Equal(t, domain.UserID("alice"), inv.CallerID)
	assert.Equal(t, "Alice", inv.CallerName)

	require.NoError(t, f.bob.ctl.JoinCall(ctx, inv.SessionID))
	assert.Equal(t, StatusConnecting, f.bob.ctl.Snapshot().Status)
	f.alice.events.wait(t, StatusConnecting)

	require.Equal(t, webrtc.SDPTypeAnswer, f.alice.pc().RemoteDescription().Type)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, f.bob.waitTrack(t, "mic-1").Kind())
	f.alice.waitTrack(t, "mic-1")

	f.alice.pc().EmitCandidate(webrtc.ICECandidateInit{Candidate: "candidate:alice"})
	f.bob.pc().EmitCandidate(webrtc.ICECandidateInit{Candidate: "candidate:bob"})
	require.Eventually(t, func() bool { return len(f.bob.pc().AppliedCandidates()) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(f.alice.pc().AppliedCandidates()) == 1 }, waitFor, tick)
	assert.Equal(t, "candidate:alice", f.bob.pc().AppliedCandidates()[0].Candidate)
	assert.Equal(t, "candidate:bob", f.alice.pc().AppliedCandidates()[0].Candidate)

	f.alice.pc().EmitState(webrtc.PeerConnectionStateConnected)
	f.bob.pc().EmitState(webrtc.PeerConnectionStateConnected)
	f.alice.events.wait(t, StatusConnected)
	f.bob.events.wait(t, StatusConnected)

	assert.Equal(t, []Status{StatusCalling, StatusConnecting, StatusConnected}, f.alice.events.statuses())
	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, f.bob.events.statuses())

	snap := f.bob.ctl.Snapshot()
	assert.Equal(t, sid, snap.SessionID)
	assert.Equal(t, domain.RoleCallee, snap.Role)
	assert.Equal(t, media.State{Audio: true, MicOn: true, Video: media.VideoNone}, snap.Media)
}

func TestCallerHangUpDeletesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sid := f.connect(t)

	require.NoError(t, f.alice.ctl.HangUp(ctx))

	_, err := f.st.Get(ctx, signaling.SessionPath(sid))
	require.ErrorIs(t, err, core.ErrNotFound)
	assert.True(t, f.alice.pc().Closed())
	assert.Zero(t, f.alice.devices.Live())

	ev := f.bob.events.wait(t, StatusEnded)
	assert.True(t, ev.Remote)
	assert.NoError(t, ev.Err)
	assert.True(t, f.bob.pc().Closed())
	assert.Zero(t, f.bob.devices.Live())
	require.Eventually(t, func() bool { return f.st.Listeners() == 0 }, waitFor, tick)

	require.ErrorIs(t, f.alice.ctl.HangUp(ctx), core.ErrNoActiveCall)
}

func TestCalleeHangUpLetsCallerCleanUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sid := f.connect(t)

	require.NoError(t, f.bob.ctl.HangUp(ctx))
	assert.True(t, f.bob.pc().Closed())
	bobEnd, ok := f.bob.events.find(StatusEnded)
	require.True(t, ok)
	assert.False(t, bobEnd.Remote)

	ev := f.alice.events.wait(t, StatusEnded)
	assert.True(t, ev.Remote)
	require.Eventually(t, func() bool {
		_, err := f.st.Get(ctx, signaling.SessionPath(sid))
		return errors.Is(err, core.ErrNotFound)
	}, waitFor, tick)
	assert.True(t, f.alice.pc().Closed())
	assert.Zero(t, f.alice.devices.Live())
}

func TestAnswerTimeout(t *testing.T) {
	st := store.NewMemory()
	clk := clock.NewMock()
	ctrl := gomock.NewController(t)
	n := mocks.NewMockNotifier(ctrl)
	n.EXPECT().NotifyCallInvite(gomock.Any(), domain.UserID("bob"), gomock.Any()).Return(nil)

	alice := newSide(st, n, clk, "alice", "Alice")
	ctx := context.Background()
	sid, err := alice.ctl.StartCall(ctx, "bob")
	require.NoError(t, err)

	clk.Add(DefaultAnswerTimeout - time.Second)
	_, ended := alice.events.find(StatusEnded)
	assert.False(t, ended)

	clk.Add(time.Second)
	ev := alice.events.wait(t, StatusEnded)
	assert.ErrorIs(t, ev.Err, core.ErrAnswerTimeout)

	_, err = st.Get(ctx, signaling.SessionPath(sid))
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Zero(t, alice.devices.Live())
}

func TestNotifyFailureRollsBack(t *testing.T) {
	st := store.NewMemory()
	ctrl := gomock.NewController(t)
	n := mocks.NewMockNotifier(ctrl)
	boom := errors.New("inbox down")
	gomock.InOrder(
		n.EXPECT().NotifyCallInvite(gomock.Any(), domain.UserID("bob"), gomock.Any()).Return(boom),
		n.EXPECT().NotifyCallInvite(gomock.Any(), domain.UserID("bob"), gomock.Any()).Return(nil),
	)

	alice := newSide(st, n, clock.NewMock(), "alice", "Alice")
	ctx := context.Background()
	_, err := alice.ctl.StartCall(ctx, "bob")
	require.ErrorIs(t, err, boom)
	assert.Zero(t, alice.devices.Live())
	assert.True(t, alice.pc().Closed())
	assert.Equal(t, StatusEnded, alice.ctl.Snapshot().Status)

	sid, err := alice.ctl.StartCall(ctx, "bob")
	require.NoError(t, err)
	_, err = st.Get(ctx, signaling.SessionPath(sid))
	assert.NoError(t, err)
}

func TestOneCallAtATime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.connect(t)

	_, err := f.alice.ctl.StartCall(ctx, "carol")
	require.ErrorIs(t, err, core.ErrCallInProgress)
	require.ErrorIs(t, f.bob.ctl.JoinCall(ctx, first), core.ErrCallInProgress)

	require.NoError(t, f.alice.ctl.HangUp(ctx))
	f.bob.events.wait(t, StatusEnded)

	second, err := f.alice.ctl.StartCall(ctx, "bob")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestStartCallRejectsSelf(t *testing.T) {
	f := newFixture(t)
	_, err := f.alice.ctl.StartCall(context.Background(), "alice")
	require.ErrorIs(t, err, core.ErrForbidden)
	assert.Nil(t, f.alice.pc())
}

func TestJoinCallErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.bob.ctl.JoinCall(ctx, "missing")
	require.ErrorIs(t, err, core.ErrSessionNotFound)
	assert.Nil(t, f.bob.pc())

	sid, err := f.alice.ctl.StartCall(ctx, "bob")
	require.NoError(t, err)
	carol := newSide(f.st, inbox.New(f.st), f.clk, "carol", "Carol")
	require.ErrorIs(t, carol.ctl.JoinCall(ctx, sid), core.ErrForbidden)
	assert.Zero(t, carol.devices.Live())

	// the slot is free again after a failed join
	require.NoError(t, f.bob.ctl.JoinCall(ctx, sid))
}

func TestJoinFailsWithoutMicrophone(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sid, err := f.alice.ctl.StartCall(ctx, "bob")
	require.NoError(t, err)

	f.bob.devices.MicErr = core.ErrPermissionDenied
	require.ErrorIs(t, f.bob.ctl.JoinCall(ctx, sid), core.ErrPermissionDenied)
	assert.True(t, f.bob.pc().Closed())

	rec, err := signaling.New(f.st, sid, domain.RoleCaller).GetSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec.Answer)
}

func TestMediaToggles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.alice.ctl.ToggleMic()
	require.ErrorIs(t, err, core.ErrNoActiveCall)
	f.connect(t)

	on, err := f.alice.ctl.ToggleMic()
	require.NoError(t, err)
	assert.False(t, on)
	assert.False(t, f.alice.devices.Opened()[0].Enabled())

	on, err = f.alice.ctl.ToggleCamera(ctx)
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, f.bob.waitTrack(t, "camera-2").Kind())
	require.Eventually(t, func() bool { return f.alice.pc().Count("SetRemoteDescription:answer") == 2 }, waitFor, tick)

	on, err = f.alice.ctl.ToggleScreenShare(ctx)
	require.NoError(t, err)
	assert.True(t, on)
	assert.Equal(t, []string{"mic-1", "screen-3"}, f.alice.pc().SenderTracks())
	assert.Equal(t, 2, f.alice.pc().Count("SetRemoteDescription:answer"), "replacing the camera does not renegotiate")

	_, err = f.alice.ctl.ToggleCamera(ctx)
	require.ErrorIs(t, err, core.ErrScreenShareActive)

	on, err = f.alice.ctl.ToggleScreenShare(ctx)
	require.NoError(t, err)
	assert.False(t, on)
	assert.Equal(t, []string{"mic-1"}, f.alice.pc().SenderTracks())

	assert.Equal(t, media.State{Audio: true, MicOn: false, Video: media.VideoNone}, f.alice.ctl.Snapshot().Media)
	assert.Equal(t, 1, f.alice.devices.Live())
}

func TestConnectionLostKeepsMedia(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.connect(t)

	pc := f.alice.pc()
	pc.EmitState(webrtc.PeerConnectionStateConnected)
	f.alice.events.wait(t, StatusConnected)
	pc.EmitState(webrtc.PeerConnectionStateFailed)
	f.alice.events.wait(t, StatusReconnecting)

	f.clk.Add(10 * time.Second)
	ev := f.alice.events.wait(t, StatusConnectionLost)
	assert.ErrorIs(t, ev.Err, core.ErrConnectionLost)
	assert.Equal(t, 1, f.alice.devices.Live())
	assert.False(t, pc.Closed())

	require.NoError(t, f.alice.ctl.HangUp(ctx))
	f.alice.events.wait(t, StatusEnded)
	assert.Zero(t, f.alice.devices.Live())
}

func TestReconnectRecovers(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	pc := f.alice.pc()
	pc.EmitState(webrtc.PeerConnectionStateConnected)
	pc.EmitState(webrtc.PeerConnectionStateDisconnected)
	f.alice.events.wait(t, StatusReconnecting)
	pc.EmitState(webrtc.PeerConnectionStateConnected)
	require.Eventually(t, func() bool { return f.alice.ctl.Snapshot().Status == StatusConnected }, waitFor, tick)

	f.clk.Add(time.Minute)
	_, lost := f.alice.events.find(StatusConnectionLost)
	assert.False(t, lost)
}

func TestMinimizeRestore(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.alice.ctl.Minimize(), core.ErrNoActiveCall)
	f.connect(t)

	require.NoError(t, f.alice.ctl.Minimize())
	assert.True(t, f.alice.ctl.Snapshot().Minimized)
	assert.Equal(t, StatusConnecting, f.alice.ctl.Snapshot().Status)

	require.NoError(t, f.alice.ctl.Restore())
	assert.False(t, f.alice.ctl.Snapshot().Minimized)
}

func TestListenForInvitesFiltersType(t *testing.T) {
	ctrl := gomock.NewController(t)
	n := mocks.NewMockNotifier(ctrl)
	n.EXPECT().WatchInvites(gomock.Any(), domain.UserID("bob"), gomock.Any()).
		DoAndReturn(func(_ context.Context, _ domain.UserID, fn func(domain.CallInvite)) (core.Unsubscribe, error) {
			fn(domain.CallInvite{Type: "friend_request"})
			fn(domain.CallInvite{Type: domain.NotificationCallInvite, SessionID: "s1", CallerID: "alice"})
			return func() {}, nil
		})

	bob := newSide(store.NewMemory(), n, clock.NewMock(), "bob", "Bob")
	var got []domain.CallInvite
	_, err := bob.ctl.ListenForInvites(context.Background(), func(inv domain.CallInvite) { got = append(got, inv) })
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, domain.SessionID("s1"), got[0].SessionID)
}

// gatedFactory blocks NewPeerConnection until release is closed.
type gatedFactory struct {
	*coretest.FakeFactory
	entered chan struct{}
	release chan struct{}
}

func (g *gatedFactory) NewPeerConnection(sid string) (core.PeerConnection, error) {
	close(g.entered)
	<-g.release
	return g.FakeFactory.NewPeerConnection(sid)
}

// gatedStore blocks the first Create until release is closed.
type gatedStore struct {
	*store.Store
	once    sync.Once
	entered chan string
	release chan struct{}
}

func (g *gatedStore) Create(ctx context.Context, path string, f core.Fields) error {
	g.once.Do(func() {
		g.entered <- path
		<-g.release
	})
	return g.Store.Create(ctx, path, f)
}

func TestHangUpWhileConnectionIsBuilt(t *testing.T) {
	st := store.NewMemory()
	t.Cleanup(func() { _ = st.Close() })
	alice := newSide(st, inbox.New(st), clock.NewMock(), "alice", "Alice")
	gate := &gatedFactory{FakeFactory: alice.factory, entered: make(chan struct{}), release: make(chan struct{})}
	alice.ctl.cfg.Factory = gate

	errc := make(chan error, 1)
	go func() {
		_, err := alice.ctl.StartCall(context.Background(), "bob")
		errc <- err
	}()
	<-gate.entered
	require.NoError(t, alice.ctl.HangUp(context.Background()))
	close(gate.release)

	err := <-errc
	require.ErrorIs(t, err, core.ErrSessionClosed)
	assert.Zero(t, alice.devices.Live())
	require.NotNil(t, alice.pc())
	assert.True(t, alice.pc().Closed())
	assert.Equal(t, 0, alice.pc().Count("SetLocalDescription:offer"))
	assert.Equal(t, StatusEnded, alice.ctl.Snapshot().Status)
}

func TestHangUpWhileRecordIsWritten(t *testing.T) {
	mem := store.NewMemory()
	t.Cleanup(func() { _ = mem.Close() })
	gs := &gatedStore{Store: mem, entered: make(chan string, 1), release: make(chan struct{})}
	alice := newSide(gs, inbox.New(gs), clock.NewMock(), "alice", "Alice")

	errc := make(chan error, 1)
	go func() {
		_, err := alice.ctl.StartCall(context.Background(), "bob")
		errc <- err
	}()
	path := <-gs.entered
	require.NoError(t, alice.ctl.HangUp(context.Background()))
	assert.Zero(t, alice.devices.Live())
	assert.True(t, alice.pc().Closed())
	close(gs.release)

	require.Error(t, <-errc)
	_, err := mem.Get(context.Background(), path)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Zero(t, alice.devices.Live())

	_, err = alice.ctl.StartCall(context.Background(), "bob")
	assert.NoError(t, err, "slot is free again")
}
