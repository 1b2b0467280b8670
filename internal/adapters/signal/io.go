package signal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dkeye/moodcall/internal/adapters/store"
	"github.com/dkeye/moodcall/internal/app"
	"github.com/dkeye/moodcall/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var errDuplicateSub = fmt.Errorf("%w: duplicate subscription id", store.ErrBadRequest)

func (ctl *StoreWSController) writePump(ctx context.Context, c *WsStoreConn) {
	period := ctl.PingPeriod
	if period <= 0 {
		period = 54 * time.Second
	}
	ticker := time.NewTicker(period)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			log.Info().Str("module", "signal").Str("conn", c.id).Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("conn", c.id).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *StoreWSController) readPump(ctx context.Context, cancel context.CancelFunc, c *WsStoreConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", c.id).Str("uid", string(c.uid)).Msg("readPump closing")
		cancel()
		c.dropAll()
		c.Close()
		ctl.Registry.Unbind(c.id)
	}()

	wait := ctl.PingPeriod * 10 / 9
	if wait <= 0 {
		wait = 60 * time.Second
	}
	_ = c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Error().Err(err).Str("module", "signal").Str("conn", c.id).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wait))
		ctl.handleFrame(ctx, c, data)
	}
}

func (ctl *StoreWSController) handleFrame(ctx context.Context, c *WsStoreConn, data []byte) {
	f, err := store.DecodeFrame(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad frame")
		ctl.reply(c, &store.Frame{Op: store.OpError, Code: store.CodeBadRequest, Error: err.Error()})
		return
	}

	var resp *store.Frame
	switch f.Op {
	case store.OpCreate:
		err = ctl.handleCreate(ctx, c, f)
	case store.OpGet:
		resp, err = ctl.handleGet(ctx, c, f)
	case store.OpUpdate:
		err = ctl.handleUpdate(ctx, c, f)
	case store.OpDelete:
		err = ctl.check(ctx, c, app.AccessDelete, f)
		if err == nil {
			err = ctl.Store.Delete(ctx, f.Path)
		}
	case store.OpAppend:
		resp, err = ctl.handleAppend(ctx, c, f)
	case store.OpWatchDoc:
		err = ctl.handleWatchDoc(ctx, c, f)
	case store.OpWatchColl:
		err = ctl.handleWatchColl(ctx, c, f)
	case store.OpUnwatch:
		c.dropWatch(f.Sub)
		return
	default:
		log.Warn().Str("module", "signal").Str("op", f.Op).Msg("unknown op")
		err = fmt.Errorf("%w: unknown op %q", store.ErrBadRequest, f.Op)
	}

	if err != nil {
		code := store.ErrorCode(err)
		if code == store.CodeInternal {
			log.Error().Err(err).Str("module", "signal").Str("op", f.Op).Str("path", f.Path).Msg("store op failed")
		}
		ctl.reply(c, &store.Frame{ID: f.ID, Op: store.OpError, Code: code, Error: err.Error()})
		return
	}
	if resp == nil {
		resp = &store.Frame{}
	}
	resp.ID, resp.Op = f.ID, store.OpOK
	ctl.reply(c, resp)
}

func (ctl *StoreWSController) check(ctx context.Context, c *WsStoreConn, a app.Access, f *store.Frame) error {
	return ctl.Rules.Check(ctx, c.uid, a, f.Path, f.Fields)
}

func (ctl *StoreWSController) handleCreate(ctx context.Context, c *WsStoreConn, f *store.Frame) error {
	if err := ctl.check(ctx, c, app.AccessCreate, f); err != nil {
		return err
	}
	if strings.HasPrefix(f.Path, "calls/") && !ctl.Limiter.Allow(c.uid) {
		log.Warn().Str("module", "signal").Str("uid", string(c.uid)).Msg("call creation rate limited")
		return core.ErrRateLimited
	}
	return ctl.Store.Create(ctx, f.Path, f.Fields)
}

// handleUpdate checks and writes under one lock so rules that depend on the
// stored record, like answer being set once, hold across connections.
func (ctl *StoreWSController) handleUpdate(ctx context.Context, c *WsStoreConn, f *store.Frame) error {
	ctl.writeMu.Lock()
	defer ctl.writeMu.Unlock()
	if err := ctl.check(ctx, c, app.AccessUpdate, f); err != nil {
		return err
	}
	return ctl.Store.Update(ctx, f.Path, f.Fields)
}

func (ctl *StoreWSController) handleGet(ctx context.Context, c *WsStoreConn, f *store.Frame) (*store.Frame, error) {
	if err := ctl.check(ctx, c, app.AccessRead, f); err != nil {
		return nil, err
	}
	fields, err := ctl.Store.Get(ctx, f.Path)
	if err != nil {
		return nil, err
	}
	return &store.Frame{Fields: fields}, nil
}

func (ctl *StoreWSController) handleAppend(ctx context.Context, c *WsStoreConn, f *store.Frame) (*store.Frame, error) {
	if err := ctl.check(ctx, c, app.AccessAppend, f); err != nil {
		return nil, err
	}
	id, err := ctl.Store.Append(ctx, f.Path, f.Fields)
	if err != nil {
		return nil, err
	}
	return &store.Frame{EntryID: id}, nil
}

func (ctl *StoreWSController) handleWatchDoc(ctx context.Context, c *WsStoreConn, f *store.Frame) error {
	if err := ctl.check(ctx, c, app.AccessRead, f); err != nil {
		return err
	}
	sub := f.Sub
	unsub, err := ctl.Store.WatchDoc(ctx, f.Path, func(ev core.DocEvent) {
		ctl.reply(c, &store.Frame{Op: store.OpDocEvent, Sub: sub, Doc: &ev})
	})
	if err != nil {
		return err
	}
	if !c.addWatch(sub, unsub) {
		unsub()
		return errDuplicateSub
	}
	return nil
}

func (ctl *StoreWSController) handleWatchColl(ctx context.Context, c *WsStoreConn, f *store.Frame) error {
	if err := ctl.check(ctx, c, app.AccessRead, f); err != nil {
		return err
	}
	sub := f.Sub
	unsub, err := ctl.Store.WatchCollection(ctx, f.Path, func(e core.Entry) {
		ctl.reply(c, &store.Frame{Op: store.OpEntryEvent, Sub: sub, Entry: &e})
	})
	if err != nil {
		return err
	}
	if !c.addWatch(sub, unsub) {
		unsub()
		return errDuplicateSub
	}
	return nil
}

func (ctl *StoreWSController) reply(c *WsStoreConn, f *store.Frame) {
	b, err := store.EncodeFrame(f)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("reply marshal")
		return
	}
	if err := c.TrySend(b); errors.Is(err, ErrBackpressure) {
		ctl.onBackpressure(c)
	}
}
