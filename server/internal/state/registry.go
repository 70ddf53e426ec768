package state

import (
	"sync"

	"github.com/google/uuid"
)

// Session is the minimal capability the connection registry needs from a
// live client connection: send a raw framed packet and tear the connection
// down. server/internal/dispatch's per-connection send task implements this.
type Session interface {
	SendRaw(b []byte) error
	Close()
}

// entry pairs a live session with the connection id it was registered
// under, so Unregister can tell whether the entry still belongs to the
// connection being torn down or to a newer one that superseded it.
type entry struct {
	id      uuid.UUID
	session Session
}

// Registry is the relay's connection registry: at most one
// live session per player name. Registering a new session under a name
// that already has one supersedes and closes the old session. All
// mutations serialize behind a single mutex; reads take a snapshot.
type Registry struct {
	mu  sync.Mutex
	byName map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]entry)}
}

// Register binds name to session under a fresh connection id. If name
// already has a live session, that session is closed (superseded) before
// the new one takes its place, and supersession reports true. Closing the
// old session happens outside the lock so a slow Close cannot block other
// registry operations.
func (r *Registry) Register(name string, session Session) (connID uuid.UUID, superseded bool) {
	connID = uuid.New()
	r.mu.Lock()
	old, hadOld := r.byName[name]
	r.byName[name] = entry{id: connID, session: session}
	r.mu.Unlock()

	if hadOld {
		old.session.Close()
	}
	return connID, hadOld
}

// Unregister removes name's entry, but only if its connection id still
// matches connID; this prevents a slow-to-unwind old connection from
// deleting the registration a newer, superseding connection just made.
// Reports whether the entry was removed, so the caller knows it still
// owned the name and should run the rest of the disconnect cleanup.
func (r *Registry) Unregister(name string, connID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byName[name]; ok && cur.id == connID {
		delete(r.byName, name)
		return true
	}
	return false
}

// Lookup returns the live session for name, if any.
func (r *Registry) Lookup(name string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Names returns a snapshot of every currently registered player name.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	return out
}

// Len reports the current number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byName)
}
