package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Delve/internal/core"
	"github.com/dkeye/Delve/internal/domain"
)

type sessionEntry struct {
	RoomID  domain.RoomID
	Session core.MemberSession
}

// Registry is the user registry: it maps transport connections to the
// identities issued for them. Nothing here survives a restart.
type Registry struct {
	mu         sync.RWMutex
	identities map[domain.IdentityID]*domain.Identity
	byConn     map[core.SignalConnection]domain.IdentityID
	sessions   map[domain.IdentityID]*sessionEntry
	tick       uint64

	observers []func(size int)
}

func NewRegistry() *Registry {
	return &Registry{
		identities: make(map[domain.IdentityID]*domain.Identity),
		byConn:     make(map[core.SignalConnection]domain.IdentityID),
		sessions:   make(map[domain.IdentityID]*sessionEntry),
	}
}

// OnSizeChange subscribes fn to registry size changes. fn runs outside the
// registry lock.
func (r *Registry) OnSizeChange(fn func(size int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

func (r *Registry) notify(size int, observers []func(int)) {
	for _, fn := range observers {
		fn(size)
	}
}

func (r *Registry) Register(conn core.SignalConnection, displayName string) (*domain.Identity, error) {
	r.mu.Lock()
	if _, dup := r.byConn[conn]; dup {
		r.mu.Unlock()
		return nil, domain.ErrDuplicateConnection
	}
	identity, err := domain.NewIdentity(displayName, r.tick+1)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.tick++
	r.identities[identity.ID] = identity
	r.byConn[conn] = identity.ID
	size, observers := len(r.identities), r.observers
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("identity", string(identity.ID)).Str("name", identity.DisplayName).Msg("registered identity")
	r.notify(size, observers)
	return identity, nil
}

// Unregister is idempotent.
func (r *Registry) Unregister(id domain.IdentityID) {
	r.mu.Lock()
	if _, ok := r.identities[id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.identities, id)
	delete(r.sessions, id)
	for conn, cid := range r.byConn {
		if cid == id {
			delete(r.byConn, conn)
		}
	}
	size, observers := len(r.identities), r.observers
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("identity", string(id)).Msg("unregistered identity")
	r.notify(size, observers)
}

// Lookup returns a copy of the identity.
func (r *Registry) Lookup(id domain.IdentityID) (domain.Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	identity, ok := r.identities[id]
	if !ok {
		return domain.Identity{}, domain.ErrNotFound
	}
	return *identity, nil
}

func (r *Registry) IdentityOf(conn core.SignalConnection) (domain.IdentityID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byConn[conn]
	return id, ok
}

func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities)
}

func (r *Registry) Bind(id domain.IdentityID, sess core.MemberSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = &sessionEntry{Session: sess}
	log.Info().Str("module", "app.registry").Str("identity", string(id)).Msg("bound session")
}

func (r *Registry) Session(id domain.IdentityID) (core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.sessions[id]; ok {
		return e.Session, true
	}
	return nil, false
}

func (r *Registry) RoomOf(id domain.IdentityID) (domain.RoomID, core.MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.sessions[id]
	if !ok || entry.RoomID == "" {
		return "", nil, false
	}
	return entry.RoomID, entry.Session, true
}

func (r *Registry) SetRoom(id domain.IdentityID, room domain.RoomID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[id]
	if !ok {
		return false
	}
	entry.RoomID = room
	log.Info().Str("module", "app.registry").Str("identity", string(id)).Str("room", string(room)).Msg("updated room")
	return true
}

func (r *Registry) ClearRoom(id domain.IdentityID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.sessions[id]; ok {
		entry.RoomID = ""
	}
	log.Info().Str("module", "app.registry").Str("identity", string(id)).Msg("removed room association")
}

type RegSnap struct {
	ID      domain.IdentityID
	Session core.MemberSession
}

func (r *Registry) MembersOfRoom(room domain.RoomID) []RegSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RegSnap, 0, len(r.sessions))
	for id, e := range r.sessions {
		if e.RoomID == room {
			out = append(out, RegSnap{ID: id, Session: e.Session})
		}
	}
	return out
}
