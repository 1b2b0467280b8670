package app

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/moodcall/internal/domain"
	"github.com/rs/zerolog/log"
)

type clientEntry struct {
	UserID domain.UserID
	Cancel context.CancelFunc
	Since  time.Time
}

// Registry tracks the websocket clients connected to the relay.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*clientEntry
}

func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*clientEntry),
	}
}

func (r *Registry) Bind(connID string, uid domain.UserID, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[connID] = &clientEntry{UserID: uid, Cancel: cancel, Since: time.Now()}
	log.Info().Str("module", "app.registry").Str("conn", connID).Str("uid", string(uid)).Msg("bound client")
}

func (r *Registry) Unbind(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, connID)
	log.Info().Str("module", "app.registry").Str("conn", connID).Msg("unbind client")
}

func (r *Registry) UserOf(connID string) (domain.UserID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.clients[connID]; ok {
		return e.UserID, true
	}
	return "", false
}

// Online reports whether uid has at least one open connection.
func (r *Registry) Online(uid domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.clients {
		if e.UserID == uid {
			return true
		}
	}
	return false
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *Registry) Cancel(connID string) bool {
	r.mu.RLock()
	e, ok := r.clients[connID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", connID).Msg("canceled client")
	return true
}

// CancelAll drops every client, used on shutdown.
func (r *Registry) CancelAll() int {
	r.mu.RLock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Cancel(id)
	}
	return len(ids)
}
