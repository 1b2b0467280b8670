package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/moodcall/internal/adapters/devices"
	"github.com/dkeye/moodcall/internal/adapters/rtc"
	"github.com/dkeye/moodcall/internal/adapters/store"
	"github.com/dkeye/moodcall/internal/app/call"
	"github.com/dkeye/moodcall/internal/app/inbox"
	"github.com/dkeye/moodcall/internal/config"
	"github.com/dkeye/moodcall/internal/core"
	"github.com/dkeye/moodcall/internal/domain"
	"github.com/rs/zerolog/log"
)

const hangUpTimeout = 5 * time.Second

const help = "commands: m mute/unmute, c camera, s screen share, min minimize, r restore, st status, h hang up"

// peer wires one user's controller to the relay.
type peer struct {
	remote   *store.Remote
	ctl      *call.Controller
	recorder *rtc.Recorder
	events   chan call.Event
	lines    chan string
}

func relayURL(raw string, user domain.UserID) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("relay url: %w", err)
	}
	q := u.Query()
	q.Set("uid", string(user))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func newPeer(ctx context.Context, cfg *config.Config) (*peer, error) {
	self, err := domain.NewUser(domain.UserID(cfg.Call.User), cfg.Call.Name)
	if err != nil {
		return nil, err
	}
	addr, err := relayURL(cfg.Call.RelayURL, self.ID)
	if err != nil {
		return nil, err
	}
	remote, err := store.Dial(ctx, addr, http.Header{})
	if err != nil {
		return nil, err
	}

	clk := clock.New()
	provider, codecs, err := devices.Open(cfg.Call.Devices, clk)
	if err != nil {
		_ = remote.Close()
		return nil, err
	}
	factory, err := rtc.NewFactory(rtc.Options{ICEServers: cfg.Call.ICEServers, Codecs: codecs})
	if err != nil {
		_ = remote.Close()
		return nil, err
	}

	p := &peer{
		remote: remote,
		events: make(chan call.Event, 16),
		lines:  make(chan string),
	}
	if cfg.Call.Record != "" {
		if p.recorder, err = rtc.NewRecorder(cfg.Call.Record); err != nil {
			_ = remote.Close()
			return nil, err
		}
	}

	p.ctl = call.NewController(call.Config{
		Self:          *self,
		Store:         remote,
		Notifier:      inbox.New(remote),
		Factory:       factory,
		Devices:       provider,
		Clock:         clk,
		Grace:         cfg.Call.DisconnectGrace,
		AnswerTimeout: cfg.Call.AnswerTimeout,
		OnStatus: func(ev call.Event) {
			select {
			case p.events <- ev:
			default:
			}
		},
		OnRemoteTrack: p.onRemoteTrack,
	})
	go p.readLines()
	log.Info().Str("module", "cli").Str("user", string(self.ID)).Str("relay", cfg.Call.RelayURL).Msg("connected to relay")
	return p, nil
}

func (p *peer) onRemoteTrack(sid domain.SessionID, t core.RemoteTrack) {
	fmt.Printf("remote %s track %s\n", t.Kind(), t.ID())
	if p.recorder == nil {
		rtc.Drain(t)
		return
	}
	if _, err := p.recorder.Record(string(sid), t); err != nil {
		log.Warn().Err(err).Str("module", "cli").Msg("record")
		rtc.Drain(t)
	}
}

func (p *peer) readLines() {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		p.lines <- strings.TrimSpace(sc.Text())
	}
	close(p.lines)
}

// control runs the interactive loop for the current call until it ends.
func (p *peer) control(ctx context.Context) error {
	fmt.Println(help)
	for {
		select {
		case <-ctx.Done():
			p.hangUp()
			return nil
		case <-p.remote.Done():
			return fmt.Errorf("relay: %w", p.remote.Err())
		case ev := <-p.events:
			printEvent(ev)
			if ev.Status == call.StatusEnded {
				return ev.Err
			}
		case line, ok := <-p.lines:
			if !ok {
				p.hangUp()
				return nil
			}
			if err := p.command(ctx, line); err != nil {
				fmt.Println("error:", err)
			}
		}
	}
}

func (p *peer) command(ctx context.Context, line string) error {
	switch line {
	case "":
		return nil
	case "m":
		on, err := p.ctl.ToggleMic()
		if err == nil {
			fmt.Println("mic on:", on)
		}
		return err
	case "c":
		on, err := p.ctl.ToggleCamera(ctx)
		if err == nil {
			fmt.Println("camera on:", on)
		}
		return err
	case "s":
		on, err := p.ctl.ToggleScreenShare(ctx)
		if err == nil {
			fmt.Println("sharing:", on)
		}
		return err
	case "min":
		return p.ctl.Minimize()
	case "r":
		return p.ctl.Restore()
	case "st":
		s := p.ctl.Snapshot()
		fmt.Printf("%s %s as %s, mic=%t video=%s minimized=%t\n",
			s.Status, s.SessionID, s.Role, s.Media.MicOn, s.Media.Video, s.Minimized)
		return nil
	case "h":
		return p.ctl.HangUp(ctx)
	default:
		fmt.Println(help)
		return nil
	}
}

func (p *peer) hangUp() {
	ctx, cancel := context.WithTimeout(context.Background(), hangUpTimeout)
	defer cancel()
	if err := p.ctl.HangUp(ctx); err != nil && !errors.Is(err, core.ErrNoActiveCall) {
		log.Warn().Err(err).Str("module", "cli").Msg("hang up")
	}
}

// listen waits for invites; each accepted invite runs a call to completion.
func (p *peer) listen(ctx context.Context, auto bool) error {
	invites := make(chan domain.CallInvite, 4)
	unsub, err := p.ctl.ListenForInvites(ctx, func(inv domain.CallInvite) {
		select {
		case invites <- inv:
		default:
			log.Warn().Str("module", "cli").Str("sid", string(inv.SessionID)).Msg("invite dropped")
		}
	})
	if err != nil {
		return err
	}
	defer unsub()

	fmt.Println("waiting for calls")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.remote.Done():
			return fmt.Errorf("relay: %w", p.remote.Err())
		case inv := <-invites:
			fmt.Printf("incoming call from %s (%s)\n", inv.CallerName, inv.CallerID)
			if !auto && !p.confirm() {
				continue
			}
			if err := p.ctl.JoinCall(ctx, inv.SessionID); err != nil {
				fmt.Println("join failed:", err)
				continue
			}
			if err := p.control(ctx); err != nil && !errors.Is(err, core.ErrConnectionLost) {
				fmt.Println("call ended:", err)
			}
			fmt.Println("waiting for calls")
		}
	}
}

func (p *peer) confirm() bool {
	fmt.Print("answer? [y/N] ")
	line, ok := <-p.lines
	return ok && strings.EqualFold(line, "y")
}

func printEvent(ev call.Event) {
	switch {
	case ev.Status == call.StatusEnded && ev.Remote:
		fmt.Println("the other side hung up")
	case ev.Err != nil:
		fmt.Printf("%s: %v\n", ev.Status, ev.Err)
	default:
		fmt.Println(ev.Status)
	}
}

func (p *peer) Close() {
	p.hangUp()
	if p.recorder != nil {
		p.recorder.Wait()
	}
	if err := p.remote.Close(); err != nil {
		log.Debug().Err(err).Str("module", "cli").Msg("close relay")
	}
}
