package store

import (
	"sync"

	"github.com/dkeye/moodcall/internal/core"
)

// listener delivers callbacks in order on its own goroutine so a slow
// consumer never blocks a writer.
type listener struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
}

func newListener() *listener {
	l := &listener{}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

func (l *listener) push(fn func()) {
	l.mu.Lock()
	if !l.closed {
		l.queue = append(l.queue, fn)
		l.cond.Signal()
	}
	l.mu.Unlock()
}

func (l *listener) run() {
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if l.closed {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
	}
}

func (l *listener) stop() {
	l.mu.Lock()
	l.closed = true
	l.queue = nil
	l.cond.Broadcast()
	l.mu.Unlock()
}

type docWatch struct {
	l  *listener
	fn func(core.DocEvent)
}

type collWatch struct {
	l  *listener
	fn func(core.Entry)
}

// hub fans store mutations out to listeners. Callers hold the store lock
// while publishing so listeners observe mutations in commit order.
type hub struct {
	mu    sync.Mutex
	next  uint64
	docs  map[string]map[uint64]*docWatch
	colls map[string]map[uint64]*collWatch
}

func newHub() *hub {
	return &hub{
		docs:  make(map[string]map[uint64]*docWatch),
		colls: make(map[string]map[uint64]*collWatch),
	}
}

func (h *hub) watchDoc(path string, fn func(core.DocEvent)) (uint64, *docWatch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	w := &docWatch{l: newListener(), fn: fn}
	if h.docs[path] == nil {
		h.docs[path] = make(map[uint64]*docWatch)
	}
	h.docs[path][h.next] = w
	return h.next, w
}

func (h *hub) watchColl(coll string, fn func(core.Entry)) (uint64, *collWatch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	w := &collWatch{l: newListener(), fn: fn}
	if h.colls[coll] == nil {
		h.colls[coll] = make(map[uint64]*collWatch)
	}
	h.colls[coll][h.next] = w
	return h.next, w
}

func (h *hub) unwatchDoc(path string, id uint64) {
	h.mu.Lock()
	w, ok := h.docs[path][id]
	if ok {
		delete(h.docs[path], id)
		if len(h.docs[path]) == 0 {
			delete(h.docs, path)
		}
	}
	h.mu.Unlock()
	if ok {
		w.l.stop()
	}
}

func (h *hub) unwatchColl(coll string, id uint64) {
	h.mu.Lock()
	w, ok := h.colls[coll][id]
	if ok {
		delete(h.colls[coll], id)
		if len(h.colls[coll]) == 0 {
			delete(h.colls, coll)
		}
	}
	h.mu.Unlock()
	if ok {
		w.l.stop()
	}
}

// publishDoc enqueues ev for every listener of ev.Path. decode produces a
// private copy of the fields per listener.
func (h *hub) publishDoc(ev core.DocEvent, decode func() core.Fields) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range h.docs[ev.Path] {
		w, e := w, ev
		if e.Exists {
			e.Fields = decode()
		}
		w.l.push(func() { w.fn(e) })
	}
}

func (h *hub) publishEntry(coll, id string, decode func() core.Fields) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, w := range h.colls[coll] {
		w, e := w, core.Entry{ID: id, Fields: decode()}
		w.l.push(func() { w.fn(e) })
	}
}

func (h *hub) listeners() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.docs {
		n += len(m)
	}
	for _, m := range h.colls {
		n += len(m)
	}
	return n
}

func (h *hub) closeAll() {
	h.mu.Lock()
	docs, colls := h.docs, h.colls
	h.docs = make(map[string]map[uint64]*docWatch)
	h.colls = make(map[string]map[uint64]*collWatch)
	h.mu.Unlock()
	for _, m := range docs {
		for _, w := range m {
			w.l.stop()
		}
	}
	for _, m := range colls {
		for _, w := range m {
			w.l.stop()
		}
	}
}
