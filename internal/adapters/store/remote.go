package store

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dkeye/moodcall/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

type remoteSub struct {
	l   *listener
	doc func(core.DocEvent)
	ent func(core.Entry)
}

// Remote is a core.DocStore backed by a relay server over a websocket.
type Remote struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan *Frame
	subs    map[uint64]*remoteSub
	err     error

	closeOnce sync.Once
}

var _ core.DocStore = (*Remote)(nil)

// Dial connects to the relay websocket at url. header may carry the client
// token cookie.
func Dial(ctx context.Context, url string, header http.Header) (*Remote, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w: %v", core.ErrSignalingUnavailable, err)
	}
	r := &Remote{
		conn:    conn,
		send:    make(chan []byte, 64),
		done:    make(chan struct{}),
		pending: make(map[uint64]chan *Frame),
		subs:    make(map[uint64]*remoteSub),
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go r.readPump()
	go r.writePump()
	log.Info().Str("module", "store.remote").Str("url", url).Msg("connected")
	return r, nil
}

// Done is closed once the connection is gone.
func (r *Remote) Done() <-chan struct{} { return r.done }

// Err reports why the connection ended.
func (r *Remote) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Remote) readPump() {
	defer r.shutdown(core.ErrSignalingUnavailable)

	_ = r.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("module", "store.remote").Msg("read pump closing")
			return
		}
		f, err := DecodeFrame(data)
		if err != nil {
			log.Error().Err(err).Str("module", "store.remote").Msg("bad frame")
			continue
		}
		r.dispatch(f)
	}
}

func (r *Remote) dispatch(f *Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch f.Op {
	case OpOK, OpError:
		if ch, ok := r.pending[f.ID]; ok {
			delete(r.pending, f.ID)
			ch <- f
		}
	case OpDocEvent:
		s, ok := r.subs[f.Sub]
		if ok && s.doc != nil && f.Doc != nil {
			ev, fn := *f.Doc, s.doc
			s.l.push(func() { fn(ev) })
		}
	case OpEntryEvent:
		s, ok := r.subs[f.Sub]
		if ok && s.ent != nil && f.Entry != nil {
			ent, fn := *f.Entry, s.ent
			s.l.push(func() { fn(ent) })
		}
	default:
		log.Warn().Str("module", "store.remote").Str("op", f.Op).Msg("unknown op")
	}
}

func (r *Remote) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		r.conn.Close()
	}()

	for {
		select {
		case data := <-r.send:
			_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				r.shutdown(core.ErrSignalingUnavailable)
				return
			}
		case <-ticker.C:
			_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := r.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				r.shutdown(core.ErrSignalingUnavailable)
				return
			}
		case <-r.done:
			_ = r.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = r.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (r *Remote) shutdown(cause error) {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.err = cause
		pending := r.pending
		subs := r.subs
		r.pending = make(map[uint64]chan *Frame)
		r.subs = make(map[uint64]*remoteSub)
		close(r.done)
		r.mu.Unlock()

		for _, ch := range pending {
			close(ch)
		}
		for _, s := range subs {
			s.l.stop()
		}
	})
}

// Close ends the connection. Outstanding calls fail with
// ErrSignalingUnavailable.
func (r *Remote) Close() error {
	r.shutdown(core.ErrSignalingUnavailable)
	return nil
}

func (r *Remote) enqueue(ctx context.Context, f *Frame) error {
	data, err := EncodeFrame(f)
	if err != nil {
		return err
	}
	select {
	case r.send <- data:
		return nil
	case <-r.done:
		return core.ErrSignalingUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call sends f and waits for its response. register runs under the lock
// before the request leaves so subscriptions never miss their first event.
func (r *Remote) call(ctx context.Context, f *Frame, register func()) (*Frame, error) {
	ch := make(chan *Frame, 1)
	r.mu.Lock()
	select {
	case <-r.done:
		r.mu.Unlock()
		return nil, core.ErrSignalingUnavailable
	default:
	}
	r.nextID++
	f.ID = r.nextID
	r.pending[f.ID] = ch
	if register != nil {
		register()
	}
	r.mu.Unlock()

	if err := r.enqueue(ctx, f); err != nil {
		r.forget(f.ID)
		return nil, err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, core.ErrSignalingUnavailable
		}
		if resp.Op == OpError {
			return nil, CodeError(resp.Code, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		r.forget(f.ID)
		return nil, ctx.Err()
	}
}

func (r *Remote) forget(id uint64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Remote) Create(ctx context.Context, path string, f core.Fields) error {
	_, err := r.call(ctx, &Frame{Op: OpCreate, Path: path, Fields: f}, nil)
	return err
}

func (r *Remote) Get(ctx context.Context, path string) (core.Fields, error) {
	resp, err := r.call(ctx, &Frame{Op: OpGet, Path: path}, nil)
	if err != nil {
		return nil, err
	}
	if resp.Fields == nil {
		return core.Fields{}, nil
	}
	return resp.Fields, nil
}

func (r *Remote) Update(ctx context.Context, path string, f core.Fields) error {
	_, err := r.call(ctx, &Frame{Op: OpUpdate, Path: path, Fields: f}, nil)
	return err
}

func (r *Remote) Delete(ctx context.Context, path string) error {
	_, err := r.call(ctx, &Frame{Op: OpDelete, Path: path}, nil)
	return err
}

func (r *Remote) Append(ctx context.Context, collection string, f core.Fields) (string, error) {
	resp, err := r.call(ctx, &Frame{Op: OpAppend, Path: collection, Fields: f}, nil)
	if err != nil {
		return "", err
	}
	return resp.EntryID, nil
}

func (r *Remote) WatchDoc(ctx context.Context, path string, fn func(core.DocEvent)) (core.Unsubscribe, error) {
	return r.watch(ctx, &Frame{Op: OpWatchDoc, Path: path}, &remoteSub{doc: fn})
}

func (r *Remote) WatchCollection(ctx context.Context, collection string, fn func(core.Entry)) (core.Unsubscribe, error) {
	return r.watch(ctx, &Frame{Op: OpWatchColl, Path: collection}, &remoteSub{ent: fn})
}

func (r *Remote) watch(ctx context.Context, f *Frame, s *remoteSub) (core.Unsubscribe, error) {
	s.l = newListener()
	var sub uint64
	register := func() {
		sub = f.ID
		f.Sub = sub
		r.subs[sub] = s
	}
	if _, err := r.call(ctx, f, register); err != nil {
		if sub == 0 {
			s.l.stop()
		} else {
			r.dropSub(sub)
		}
		return nil, err
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			r.dropSub(sub)
			// best effort; the server also drops watches when the socket closes
			_ = r.enqueue(context.Background(), &Frame{Op: OpUnwatch, Sub: sub})
		})
	}
	detach := context.AfterFunc(ctx, stop)
	return func() {
		detach()
		stop()
	}, nil
}

func (r *Remote) dropSub(sub uint64) {
	r.mu.Lock()
	s, ok := r.subs[sub]
	delete(r.subs, sub)
	r.mu.Unlock()
	if ok {
		s.l.stop()
	}
}
