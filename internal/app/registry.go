package app

import (
	"context"
	"sync"

	"github.com/dkeye/voicehub/internal/core"
	"github.com/dkeye/voicehub/internal/domain"
	"github.com/rs/zerolog/log"
)

type connEntry struct {
	User   domain.UserID
	Conn   core.SignalConnection
	Server domain.ServerID
	Cancel context.CancelFunc
}

// Registry maps live signaling connections to users.
// A user has at most one live connection; binding a new one replaces the old.
type Registry struct {
	mu     sync.RWMutex
	conns  map[core.ConnID]*connEntry
	byUser map[domain.UserID]core.ConnID
	users  map[domain.UserID]*domain.User
}

func NewRegistry() *Registry {
	return &Registry{
		conns:  make(map[core.ConnID]*connEntry),
		byUser: make(map[domain.UserID]core.ConnID),
		users:  make(map[domain.UserID]*domain.User),
	}
}

func (r *Registry) GetOrCreateUser(id domain.UserID) domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.users[id]; ok {
		return *u
	}
	u := &domain.User{ID: id, Username: "guest"}
	r.users[id] = u
	log.Info().Str("module", "app.registry").Str("user", string(id)).Msg("created new user")
	return *u
}

// User returns the display meta of a known user.
func (r *Registry) User(id domain.UserID) (domain.User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return domain.User{ID: id}, false
	}
	return *u, true
}

func (r *Registry) UpdateUsername(id domain.UserID, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	if !ok {
		u = &domain.User{ID: id}
		r.users[id] = u
	}
	if err := u.SetUsername(name); err != nil {
		return err
	}
	log.Info().Str("module", "app.registry").Str("user", string(id)).Str("username", u.Username).Msg("updated username")
	return nil
}

// Bind attaches conn to user. If the user already had a live connection it is
// unbound and returned so the caller can run its disconnect path.
func (r *Registry) Bind(
	id core.ConnID,
	user domain.UserID,
	conn core.SignalConnection,
	cancel context.CancelFunc,
) (replaced core.ConnID, replacedConn core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if oldID, ok := r.byUser[user]; ok && oldID != id {
		if old, ok := r.conns[oldID]; ok {
			replaced, replacedConn = oldID, old.Conn
			delete(r.conns, oldID)
		}
	}
	r.conns[id] = &connEntry{User: user, Conn: conn, Cancel: cancel}
	r.byUser[user] = id
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("user", string(user)).Msg("bound connection")
	return replaced, replacedConn
}

// Unbind drops the connection. current is false when the connection was
// already replaced or unknown, in which case the caller must not touch the
// user's state.
func (r *Registry) Unbind(id core.ConnID) (user domain.UserID, current bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return "", false
	}
	delete(r.conns, id)
	if r.byUser[e.User] == id {
		delete(r.byUser, e.User)
		current = true
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("user", string(e.User)).Msg("unbind connection")
	return e.User, current
}

// ConnOf returns the live connection of a user.
func (r *Registry) ConnOf(user domain.UserID) (core.SignalConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUser[user]
	if !ok {
		return nil, false
	}
	return r.conns[id].Conn, true
}

func (r *Registry) SelectServer(id core.ConnID, server domain.ServerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return false
	}
	e.Server = server
	return true
}

func (r *Registry) ServerOf(id core.ConnID) (domain.ServerID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[id]
	if !ok || e.Server == "" {
		return "", false
	}
	return e.Server, true
}

// Connected returns every user with a live connection.
func (r *Registry) Connected() []domain.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.UserID, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

func (r *Registry) Cancel(id core.ConnID) bool {
	r.mu.RLock()
	e, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.Cancel != nil {
		e.Cancel()
	}
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("canceled connection")
	return true
}
