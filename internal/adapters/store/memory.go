package store

import (
	"strings"

	"github.com/dkeye/moodcall/internal/core"
)

type memBackend struct {
	docs  map[string][]byte
	colls map[string][]rawEntry
}

// NewMemory returns an in-process store. Nothing survives Close.
func NewMemory() *Store {
	return newStore("memory", &memBackend{
		docs:  make(map[string][]byte),
		colls: make(map[string][]rawEntry),
	})
}

func (m *memBackend) insert(path string, body []byte) error {
	if _, ok := m.docs[path]; ok {
		return core.ErrAlreadyExists
	}
	m.docs[path] = body
	return nil
}

func (m *memBackend) load(path string) ([]byte, error) {
	b, ok := m.docs[path]
	if !ok {
		return nil, core.ErrNotFound
	}
	return b, nil
}

func (m *memBackend) save(path string, body []byte) error {
	m.docs[path] = body
	return nil
}

func (m *memBackend) deleteTree(path string) ([]string, error) {
	var removed []string
	prefix := path + "/"
	for p := range m.docs {
		if p == path || strings.HasPrefix(p, prefix) {
			removed = append(removed, p)
			delete(m.docs, p)
		}
	}
	for c := range m.colls {
		if strings.HasPrefix(c, prefix) {
			delete(m.colls, c)
		}
	}
	return removed, nil
}

func (m *memBackend) appendEntry(collection, id string, body []byte) error {
	m.colls[collection] = append(m.colls[collection], rawEntry{id: id, body: body})
	return nil
}

func (m *memBackend) entries(collection string) ([]rawEntry, error) {
	src := m.colls[collection]
	out := make([]rawEntry, len(src))
	copy(out, src)
	return out, nil
}

func (m *memBackend) close() error {
	m.docs = nil
	m.colls = nil
	return nil
}
