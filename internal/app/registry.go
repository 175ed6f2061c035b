package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/vac/internal/core"
	"github.com/dkeye/vac/internal/domain"
)

type sessionEntry struct {
	Session core.TabSession
	Cancel  context.CancelFunc
}

// Registry assigns tab ids and tracks which tabs are connected.
// Ids are remembered per token for the life of the process so a reconnecting
// tab keeps its id.
type Registry struct {
	mu       sync.RWMutex
	next     domain.TabID
	ids      map[domain.TabToken]domain.TabID
	sessions map[domain.TabID]*sessionEntry
}

func NewRegistry() *Registry {
	return &Registry{
		ids:      make(map[domain.TabToken]domain.TabID),
		sessions: make(map[domain.TabID]*sessionEntry),
	}
}

// Identify returns the id of the tab owning token, allocating one on first sight.
func (r *Registry) Identify(token domain.TabToken) domain.TabID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, _ := r.identifyLocked(token)
	return id
}

func (r *Registry) identifyLocked(token domain.TabToken) (domain.TabID, bool) {
	id, ok := r.ids[token]
	if !ok {
		r.next++
		id = r.next
		r.ids[token] = id
	}
	return id, ok
}

// Bind attaches conn to the tab owning token. A previous live session for
// the same tab is canceled and closed, and replaced reports that it existed.
func (r *Registry) Bind(token domain.TabToken, conn core.SignalConnection, cancel context.CancelFunc) (tab *domain.Tab, replaced bool) {
	r.mu.Lock()

	id, ok := r.identifyLocked(token)
	tab = &domain.Tab{ID: id, Token: token, ConnectedAt: time.Now()}
	prev := r.sessions[id]
	r.sessions[id] = &sessionEntry{
		Session: core.NewTabSession(tab, conn),
		Cancel:  cancel,
	}
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Int("tab", int(id)).Bool("known_token", ok).Msg("bound tab")
	if prev != nil {
		log.Warn().Str("module", "app.registry").Int("tab", int(id)).Msg("replacing stale connection")
		if prev.Cancel != nil {
			prev.Cancel()
		}
		prev.Session.Signal().Close()
	}
	return tab, prev != nil
}

// Unbind removes the session for id if it still belongs to conn.
// It reports whether anything was removed.
func (r *Registry) Unbind(id domain.TabID, conn core.SignalConnection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok || (conn != nil && e.Session.Signal() != conn) {
		return false
	}
	delete(r.sessions, id)
	log.Info().Str("module", "app.registry").Int("tab", int(id)).Msg("unbind tab")
	return true
}

func (r *Registry) GetSession(id domain.TabID) (core.TabSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[id]; ok {
		return e.Session, true
	}
	return nil, false
}

type regSnap struct {
	ID      domain.TabID
	Session core.TabSession
}

// Snapshot lists connected tabs ordered by id.
func (r *Registry) Snapshot() []regSnap {
	r.mu.RLock()
	out := make([]regSnap, 0, len(r.sessions))
	for id, e := range r.sessions {
		out = append(out, regSnap{ID: id, Session: e.Session})
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) Cancel(id domain.TabID) bool {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Int("tab", int(id)).Msg("canceled tab")
	return true
}
