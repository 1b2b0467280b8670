// Package rtc builds pion peer connections for the call core.
package rtc

import (
	"fmt"
	"time"

	"github.com/dkeye/moodcall/internal/core"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

const (
	DefaultDisconnectedTimeout = 5 * time.Second
	DefaultFailedTimeout       = 25 * time.Second
	DefaultKeepAlive           = 2 * time.Second
)

var DefaultICEServers = []string{"stun:stun.l.google.com:19302"}

type Options struct {
	ICEServers []string
	// Codecs overrides the default codec set. Device providers with their
	// own encoders pass themselves here.
	Codecs core.CodecRegistrar

	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAlive           time.Duration
}

// Factory creates connections sharing one configured API.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

var _ core.PeerConnectionFactory = (*Factory)(nil)

func NewFactory(opts Options) (*Factory, error) {
	me := &webrtc.MediaEngine{}
	if opts.Codecs != nil {
		if err := opts.Codecs.RegisterCodecs(me); err != nil {
			return nil, fmt.Errorf("register codecs: %w", err)
		}
	} else if err := me.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: LoggerFactory{}}
	se.SetICETimeouts(
		orDefault(opts.DisconnectedTimeout, DefaultDisconnectedTimeout),
		orDefault(opts.FailedTimeout, DefaultFailedTimeout),
		orDefault(opts.KeepAlive, DefaultKeepAlive),
	)

	servers := opts.ICEServers
	if len(servers) == 0 {
		servers = DefaultICEServers
	}
	return &Factory{
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(me),
			webrtc.WithInterceptorRegistry(ir),
			webrtc.WithSettingEngine(se),
		),
		cfg: webrtc.Configuration{ICEServers: []webrtc.ICEServer{{URLs: servers}}},
	}, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (f *Factory) NewPeerConnection(sid string) (core.PeerConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newConnection(pc, sid), nil
}
