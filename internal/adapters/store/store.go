package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dkeye/moodcall/internal/core"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrBadRequest  = errors.New("bad request")
	ErrInvalidPath = fmt.Errorf("%w: invalid path", ErrBadRequest)
)

type rawEntry struct {
	id   string
	body []byte
}

// backend persists msgpack encoded bodies. Implementations need not be
// safe for concurrent use; Store serializes every call.
type backend interface {
	insert(path string, body []byte) error
	load(path string) ([]byte, error)
	save(path string, body []byte) error
	// deleteTree removes path and everything below it and reports which
	// documents existed.
	deleteTree(path string) ([]string, error)
	appendEntry(collection, id string, body []byte) error
	entries(collection string) ([]rawEntry, error)
	close() error
}

// Store implements core.DocStore on top of a backend and fans changes out
// to listeners through a hub.
type Store struct {
	mu     sync.Mutex
	be     backend
	hub    *hub
	name   string
	closed bool
}

var _ core.DocStore = (*Store)(nil)

func newStore(name string, be backend) *Store {
	return &Store{be: be, hub: newHub(), name: name}
}

func encode(f core.Fields) ([]byte, error) {
	if f == nil {
		f = core.Fields{}
	}
	return msgpack.Marshal(map[string]any(f))
}

func decode(b []byte) (core.Fields, error) {
	var m map[string]any
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return core.Fields(m), nil
}

// decoder returns a closure handing out fresh copies of b.
func decoder(b []byte) func() core.Fields {
	return func() core.Fields {
		f, err := decode(b)
		if err != nil {
			log.Error().Str("module", "store").Err(err).Msg("decode body")
			return core.Fields{}
		}
		return f
	}
}

func validPath(p string) error {
	if p == "" || strings.HasPrefix(p, "/") || strings.HasSuffix(p, "/") || strings.Contains(p, "//") {
		return fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}
	return nil
}

func (s *Store) begin(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validPath(path); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.ErrSignalingUnavailable
	}
	return nil
}

func (s *Store) Create(ctx context.Context, path string, f core.Fields) error {
	body, err := encode(f)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := s.begin(ctx, path); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if err := s.be.insert(path, body); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	s.hub.publishDoc(core.DocEvent{Path: path, Exists: true}, decoder(body))
	return nil
}

func (s *Store) Get(ctx context.Context, path string) (core.Fields, error) {
	if err := s.begin(ctx, path); err != nil {
		return nil, err
	}
	body, err := s.be.load(path)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	return decode(body)
}

func (s *Store) Update(ctx context.Context, path string, f core.Fields) error {
	if err := s.begin(ctx, path); err != nil {
		return err
	}
	defer s.mu.Unlock()
	cur, err := s.be.load(path)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	doc, err := decode(cur)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	for k, v := range f {
		doc[k] = v
	}
	body, err := encode(doc)
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	if err := s.be.save(path, body); err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	s.hub.publishDoc(core.DocEvent{Path: path, Exists: true}, decoder(body))
	return nil
}

// Delete is idempotent: removing a missing document is not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.begin(ctx, path); err != nil {
		return err
	}
	defer s.mu.Unlock()
	removed, err := s.be.deleteTree(path)
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	for _, p := range removed {
		s.hub.publishDoc(core.DocEvent{Path: p}, nil)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, collection string, f core.Fields) (string, error) {
	body, err := encode(f)
	if err != nil {
		return "", fmt.Errorf("append %s: %w", collection, err)
	}
	if err := s.begin(ctx, collection); err != nil {
		return "", err
	}
	defer s.mu.Unlock()
	id := uuid.NewString()
	if err := s.be.appendEntry(collection, id, body); err != nil {
		return "", fmt.Errorf("append %s: %w", collection, err)
	}
	s.hub.publishEntry(collection, id, decoder(body))
	return id, nil
}

func (s *Store) WatchDoc(ctx context.Context, path string, fn func(core.DocEvent)) (core.Unsubscribe, error) {
	if err := s.begin(ctx, path); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	body, err := s.be.load(path)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	id, w := s.hub.watchDoc(path, fn)
	if err == nil {
		ev := core.DocEvent{Path: path, Exists: true, Fields: decoder(body)()}
		w.l.push(func() { fn(ev) })
	}
	return s.unsubscriber(ctx, func() { s.hub.unwatchDoc(path, id) }), nil
}

func (s *Store) WatchCollection(ctx context.Context, collection string, fn func(core.Entry)) (core.Unsubscribe, error) {
	if err := s.begin(ctx, collection); err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	existing, err := s.be.entries(collection)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", collection, err)
	}
	id, w := s.hub.watchColl(collection, fn)
	for _, e := range existing {
		ent := core.Entry{ID: e.id, Fields: decoder(e.body)()}
		w.l.push(func() { fn(ent) })
	}
	return s.unsubscriber(ctx, func() { s.hub.unwatchColl(collection, id) }), nil
}

// unsubscriber also stops the listener when ctx is done.
func (s *Store) unsubscriber(ctx context.Context, stop func()) core.Unsubscribe {
	var once sync.Once
	cancel := func() { once.Do(stop) }
	detach := context.AfterFunc(ctx, cancel)
	return func() {
		detach()
		cancel()
	}
}

// Listeners reports how many watches are currently registered.
func (s *Store) Listeners() int { return s.hub.listeners() }

// Close stops every listener and releases the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.hub.closeAll()
	log.Debug().Str("module", "store").Str("backend", s.name).Msg("closed")
	return s.be.close()
}
