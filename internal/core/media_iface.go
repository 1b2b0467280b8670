package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// PeerConnection is the subset of the negotiation primitives the call core
// orchestrates. The pion adapter is the production implementation.
type PeerConnection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate. It fails when no remote
	// description has been set.
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) (Sender, error)
	RemoveTrack(Sender) error
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback invoked when a remote track arrives.
	OnTrack(func(RemoteTrack))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// PeerConnectionFactory creates one connection per call session.
type PeerConnectionFactory interface {
	NewPeerConnection(sid string) (PeerConnection, error)
}

// Sender is one outbound media track slot on a connection.
type Sender interface {
	ReplaceTrack(webrtc.TrackLocal) error
	Track() webrtc.TrackLocal
}

// RemoteTrack is an inbound track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// LocalTrack is a hardware-backed (or synthetic) outbound track.
type LocalTrack interface {
	webrtc.TrackLocal
	// SetEnabled mutes or unmutes the track without removing it.
	SetEnabled(bool)
	Enabled() bool
	// Stop releases the underlying device. It is idempotent.
	Stop() error
	// OnEnded fires once when the source ends out of band (e.g. the user
	// stopped a screen share from the OS chrome). It does not fire on Stop.
	OnEnded(func())
}

// DeviceProvider opens capture devices. Errors are ErrPermissionDenied or
// ErrDeviceUnavailable.
type DeviceProvider interface {
	Microphone(ctx context.Context) (LocalTrack, error)
	Camera(ctx context.Context) (LocalTrack, error)
	Display(ctx context.Context) (LocalTrack, error)
}

// CodecRegistrar is implemented by device providers whose encoders need a
// specific media engine setup.
type CodecRegistrar interface {
	RegisterCodecs(*webrtc.MediaEngine) error
}
