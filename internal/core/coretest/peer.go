// Package coretest holds in-memory fakes of the call ports for tests.
package coretest

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/moodcall/internal/core"
	"github.com/pion/webrtc/v4"
)

var ErrNoRemoteDescription = errors.New("fake: remote description not set")

// FakePeerConnection mimics a peer connection well enough to drive the
// negotiation state machine. Its SDP lists one "a=track:<id> <kind>" line
// per attached sender so the remote fake can raise OnTrack.
type FakePeerConnection struct {
	mu sync.Mutex

	id          string
	version     int
	local       *webrtc.SessionDescription
	stableLocal *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	prevRemote  *webrtc.SessionDescription
	senders     []*FakeSender
	applied     []webrtc.ICECandidateInit
	remoteSeen  map[string]bool
	ops         []string
	failures    map[string]error
	closed      bool

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(core.RemoteTrack)
	onState func(webrtc.PeerConnectionState)
}

var _ core.PeerConnection = (*FakePeerConnection)(nil)

func NewFakePeerConnection(id string) *FakePeerConnection {
	return &FakePeerConnection{
		id:         id,
		remoteSeen: make(map[string]bool),
		failures:   make(map[string]error),
	}
}

// Fail makes the next call to op ("CreateOffer", "SetRemoteDescription", ...)
// return err.
func (f *FakePeerConnection) Fail(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = err
}

func (f *FakePeerConnection) enter(op string) error {
	f.ops = append(f.ops, op)
	if f.closed {
		return fmt.Errorf("fake %s: closed", op)
	}
	if err, ok := f.failures[op]; ok {
		delete(f.failures, op)
		return err
	}
	return nil
}

func (f *FakePeerConnection) sdp(kind string) string {
	f.version++
	var b strings.Builder
	fmt.Fprintf(&b, "v=0\r\no=%s %d\r\ns=%s\r\n", f.id, f.version, kind)
	for _, s := range f.senders {
		if t := s.Track(); t != nil {
			fmt.Fprintf(&b, "a=track:%s %s\r\n", t.ID(), t.Kind())
		}
	}
	return b.String()
}

func (f *FakePeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateOffer"); err != nil {
		return webrtc.SessionDescription{}, err
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: f.sdp("offer")}, nil
}

func (f *FakePeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("CreateAnswer"); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if f.remote == nil || f.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("fake: no remote offer to answer")
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: f.sdp("answer")}, nil
}

func (f *FakePeerConnection) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("SetLocalDescription:" + d.Type.String()); err != nil {
		return err
	}
	switch d.Type {
	case webrtc.SDPTypeRollback:
		f.local = f.stableLocal
	case webrtc.SDPTypeAnswer:
		f.local = &d
		f.stableLocal = &d
	default:
		f.local = &d
	}
	return nil
}

func (f *FakePeerConnection) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	if err := f.enter("SetRemoteDescription:" + d.Type.String()); err != nil {
		f.mu.Unlock()
		return err
	}
	if d.Type == webrtc.SDPTypeRollback {
		f.remote = f.prevRemote
		f.mu.Unlock()
		return nil
	}
	f.prevRemote, f.remote = f.remote, &d
	if d.Type == webrtc.SDPTypeAnswer {
		f.stableLocal = f.local
	}
	var fresh []core.RemoteTrack
	for _, line := range strings.Split(d.SDP, "\r\n") {
		rest, ok := strings.CutPrefix(line, "a=track:")
		if !ok {
			continue
		}
		id, kind, _ := strings.Cut(rest, " ")
		if f.remoteSeen[id] {
			continue
		}
		f.remoteSeen[id] = true
		fresh = append(fresh, FakeRemoteTrack{TrackID: id, Stream: f.id + "-remote", CodecKind: webrtc.NewRTPCodecType(kind)})
	}
	cb := f.onTrack
	f.mu.Unlock()

	if cb != nil {
		for _, t := range fresh {
			go cb(t)
		}
	}
	return nil
}

func (f *FakePeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AddICECandidate"); err != nil {
		return err
	}
	if f.remote == nil {
		return ErrNoRemoteDescription
	}
	f.applied = append(f.applied, c)
	return nil
}

func (f *FakePeerConnection) AddTrack(t webrtc.TrackLocal) (core.Sender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("AddTrack"); err != nil {
		return nil, err
	}
	s := &FakeSender{track: t}
	f.senders = append(f.senders, s)
	return s, nil
}

func (f *FakePeerConnection) RemoveTrack(s core.Sender) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("RemoveTrack"); err != nil {
		return err
	}
	for i, cur := range f.senders {
		if cur == s {
			f.senders = append(f.senders[:i], f.senders[i+1:]...)
			return nil
		}
	}
	return errors.New("fake: unknown sender")
}

func (f *FakePeerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICE = fn
}

func (f *FakePeerConnection) OnTrack(fn func(core.RemoteTrack)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *FakePeerConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *FakePeerConnection) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "Close")
	f.closed = true
	return nil
}

// EmitCandidate raises a locally gathered candidate on the caller's goroutine.
func (f *FakePeerConnection) EmitCandidate(c webrtc.ICECandidateInit) {
	f.mu.Lock()
	cb := f.onICE
	f.mu.Unlock()
	if cb != nil {
		cb(c)
	}
}

// EmitState raises a connection state change on the caller's goroutine.
func (f *FakePeerConnection) EmitState(s webrtc.PeerConnectionState) {
	f.mu.Lock()
	cb := f.onState
	f.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (f *FakePeerConnection) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *FakePeerConnection) RemoteDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remote
}

func (f *FakePeerConnection) AppliedCandidates() []webrtc.ICECandidateInit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), f.applied...)
}

// SenderTracks lists the ids of the tracks currently attached.
func (f *FakePeerConnection) SenderTracks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.senders {
		if t := s.Track(); t != nil {
			out = append(out, t.ID())
		}
	}
	return out
}

// Count reports how often op was called (prefix match).
func (f *FakePeerConnection) Count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.ops {
		if strings.HasPrefix(o, op) {
			n++
		}
	}
	return n
}

func (f *FakePeerConnection) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

type FakeSender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
}

func NewFakeSender(t webrtc.TrackLocal) *FakeSender { return &FakeSender{track: t} }

func (s *FakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = t
	return nil
}

func (s *FakeSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

type FakeRemoteTrack struct {
	TrackID   string
	Stream    string
	CodecKind webrtc.RTPCodecType
}

func (t FakeRemoteTrack) ID() string                { return t.TrackID }
func (t FakeRemoteTrack) StreamID() string          { return t.Stream }
func (t FakeRemoteTrack) Kind() webrtc.RTPCodecType { return t.CodecKind }

// FakeFactory hands out FakePeerConnections and remembers them.
type FakeFactory struct {
	mu    sync.Mutex
	conns []*FakePeerConnection
	Err   error
}

func (f *FakeFactory) NewPeerConnection(sid string) (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	pc := NewFakePeerConnection(fmt.Sprintf("%s-%d", sid, len(f.conns)))
	f.conns = append(f.conns, pc)
	return pc, nil
}

// Last returns the most recently created connection, or nil.
func (f *FakeFactory) Last() *FakePeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}
