package app

import (
	"context"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Delve/internal/core"
	"github.com/dkeye/Delve/internal/domain"
	"github.com/dkeye/Delve/internal/world"
	"github.com/dkeye/Delve/internal/world/dungeon"
)

type LobbyConfig struct {
	MaxRooms     int
	MaxMembers   int
	GracePeriod  time.Duration
	TombstoneTTL time.Duration
	Generator    dungeon.Generator
}

func DefaultLobbyConfig() LobbyConfig {
	return LobbyConfig{
		MaxRooms:     256,
		MaxMembers:   4,
		GracePeriod:  30 * time.Second,
		TombstoneTTL: 5 * time.Minute,
	}
}

type lobbyRoom struct {
	room   *domain.Room
	fanout core.RoomService
	world  *world.Model
}

// Lobby is the process-wide room registry. It is passed explicitly to
// whoever needs it and lives as long as the process.
type Lobby struct {
	cfg LobbyConfig

	mu    sync.RWMutex
	rooms map[domain.RoomID]*lobbyRoom

	now      func() time.Time
	newSeed  func() int64
	presence atomic.Int64
}

type LobbyOption func(*Lobby)

func WithClock(now func() time.Time) LobbyOption {
	return func(l *Lobby) { l.now = now }
}

func WithSeedSource(fn func() int64) LobbyOption {
	return func(l *Lobby) { l.newSeed = fn }
}

func NewLobby(cfg LobbyConfig, opts ...LobbyOption) *Lobby {
	def := DefaultLobbyConfig()
	if cfg.MaxRooms <= 0 {
		cfg.MaxRooms = def.MaxRooms
	}
	if cfg.MaxMembers <= 0 {
		cfg.MaxMembers = def.MaxMembers
	}
	if cfg.Generator == nil {
		cfg.Generator = dungeon.DefaultGenerator()
	}
	l := &Lobby{
		cfg:     cfg,
		rooms:   make(map[domain.RoomID]*lobbyRoom),
		now:     time.Now,
		newSeed: rand.Int64,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// TrackPresence subscribes the lobby to registry size changes.
func (l *Lobby) TrackPresence(reg *Registry) {
	l.presence.Store(int64(reg.Size()))
	reg.OnSizeChange(func(size int) { l.presence.Store(int64(size)) })
}

// Presence is the number of connected identities last reported by the
// registry.
func (l *Lobby) Presence() int { return int(l.presence.Load()) }

func (l *Lobby) newRoomIDLocked() domain.RoomID {
	for {
		raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
		id := domain.RoomID(raw[:6])
		if _, taken := l.rooms[id]; !taken {
			return id
		}
	}
}

func (l *Lobby) openRoomsLocked() int {
	n := 0
	for _, r := range l.rooms {
		if r.room.State != domain.RoomClosed {
			n++
		}
	}
	return n
}

// CreateRoom opens a room with host as its first member. A nil seed is
// generated and recorded on the room for late joiners.
func (l *Lobby) CreateRoom(host *domain.Identity, seed *int64) (*domain.Room, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expireLocked(l.now())
	if l.openRoomsLocked() >= l.cfg.MaxRooms {
		return nil, domain.ErrTooManyRooms
	}
	s := l.newSeed()
	if seed != nil {
		s = *seed
	}
	id := l.newRoomIDLocked()
	room := &domain.Room{
		ID:        id,
		Seed:      s,
		State:     domain.RoomLobby,
		Host:      host.ID,
		Members:   []domain.IdentityID{host.ID},
		CreatedAt: l.now(),
	}
	lr := &lobbyRoom{
		room:   room,
		fanout: core.NewRoomService(id),
		world:  world.NewModel(s, l.cfg.Generator),
	}
	lr.world.AddMember(host.ID)
	l.rooms[id] = lr
	log.Info().Str("module", "app.lobby").Str("room", string(id)).Int64("seed", s).Str("host", string(host.ID)).Msg("room created")
	return room.Clone(), nil
}

// JoinRoom adds identity to an existing room. An empty room still inside its
// grace period is revived.
func (l *Lobby) JoinRoom(roomID domain.RoomID, identity *domain.Identity) (*domain.Room, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.expireLocked(l.now())
	lr, ok := l.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	room := lr.room
	if room.State == domain.RoomClosed {
		return nil, domain.ErrRoomClosed
	}
	if room.HasMember(identity.ID) {
		return room.Clone(), nil
	}
	if len(room.Members) >= l.cfg.MaxMembers {
		return nil, domain.ErrRoomFull
	}
	room.Members = append(room.Members, identity.ID)
	if !room.CloseAt.IsZero() {
		room.CloseAt = time.Time{}
		room.Host = identity.ID
		log.Info().Str("module", "app.lobby").Str("room", string(roomID)).Msg("room revived inside grace period")
	}
	lr.world.AddMember(identity.ID)
	log.Info().Str("module", "app.lobby").Str("room", string(roomID)).Str("identity", string(identity.ID)).Msg("joined room")
	return room.Clone(), nil
}

type LeaveResult struct {
	Room *domain.Room
	// Removed lists the player entities dropped with the member.
	Removed     []domain.EntityID
	HostChanged bool
}

// LeaveRoom removes a member. The host role moves to the oldest remaining
// member; an empty room starts its grace period.
func (l *Lobby) LeaveRoom(roomID domain.RoomID, id domain.IdentityID) (LeaveResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lr, ok := l.rooms[roomID]
	if !ok {
		return LeaveResult{}, domain.ErrRoomNotFound
	}
	room := lr.room
	idx := slices.Index(room.Members, id)
	if idx < 0 {
		return LeaveResult{}, domain.ErrNotMember
	}
	room.Members = slices.Delete(room.Members, idx, idx+1)
	lr.fanout.RemoveMember(id)
	res := LeaveResult{Removed: lr.world.RemoveMember(id)}

	if room.Host == id {
		room.Host = ""
		if len(room.Members) > 0 {
			room.Host = room.Members[0]
		}
		res.HostChanged = true
	}
	if len(room.Members) == 0 && room.State != domain.RoomClosed {
		room.CloseAt = l.now().Add(l.cfg.GracePeriod)
		log.Info().Str("module", "app.lobby").Str("room", string(roomID)).Time("close_at", room.CloseAt).Msg("room empty, grace period started")
	}
	res.Room = room.Clone()
	return res, nil
}

// CloseRoom closes a room immediately.
func (l *Lobby) CloseRoom(roomID domain.RoomID) (*domain.Room, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lr, ok := l.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	l.closeLocked(lr, l.now())
	return lr.room.Clone(), nil
}

func (l *Lobby) closeLocked(lr *lobbyRoom, now time.Time) {
	if lr.room.State == domain.RoomClosed {
		return
	}
	lr.room.State = domain.RoomClosed
	lr.room.ClosedAt = now
	lr.room.CloseAt = time.Time{}
	log.Info().Str("module", "app.lobby").Str("room", string(lr.room.ID)).Msg("room closed")
}

// MarkActive moves a room from Lobby to Active. Reports whether the state
// changed.
func (l *Lobby) MarkActive(roomID domain.RoomID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	lr, ok := l.rooms[roomID]
	if !ok || lr.room.State != domain.RoomLobby {
		return false
	}
	lr.room.State = domain.RoomActive
	log.Info().Str("module", "app.lobby").Str("room", string(roomID)).Msg("room active")
	return true
}

func (l *Lobby) Room(roomID domain.RoomID) (*domain.Room, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lr, ok := l.rooms[roomID]
	if !ok {
		return nil, false
	}
	return lr.room.Clone(), true
}

func (l *Lobby) Fanout(roomID domain.RoomID) (core.RoomService, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lr, ok := l.rooms[roomID]
	if !ok {
		return nil, false
	}
	return lr.fanout, true
}

// World returns the room's authoritative fold of accepted deltas and events.
func (l *Lobby) World(roomID domain.RoomID) (*world.Model, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lr, ok := l.rooms[roomID]
	if !ok {
		return nil, false
	}
	return lr.world, true
}

// ListRooms is recomputed on every call.
func (l *Lobby) ListRooms() []domain.RoomSummary {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]domain.RoomSummary, 0, len(l.rooms))
	for id, lr := range l.rooms {
		out = append(out, domain.RoomSummary{ID: id, MemberCount: len(lr.room.Members), State: lr.room.State})
	}
	slices.SortFunc(out, func(a, b domain.RoomSummary) int { return strings.Compare(string(a.ID), string(b.ID)) })
	return out
}

// expireLocked closes rooms whose grace period ran out and purges
// tombstones older than TombstoneTTL.
func (l *Lobby) expireLocked(now time.Time) (closed, purged []domain.RoomID) {
	for id, lr := range l.rooms {
		r := lr.room
		if r.State != domain.RoomClosed && !r.CloseAt.IsZero() && !now.Before(r.CloseAt) {
			l.closeLocked(lr, now)
			closed = append(closed, id)
		}
		if r.State == domain.RoomClosed && len(r.Members) == 0 && !now.Before(r.ClosedAt.Add(l.cfg.TombstoneTTL)) {
			delete(l.rooms, id)
			purged = append(purged, id)
		}
	}
	return closed, purged
}

func (l *Lobby) Sweep() (closed, purged []domain.RoomID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	closed, purged = l.expireLocked(l.now())
	if len(closed) > 0 || len(purged) > 0 {
		log.Debug().Str("module", "app.lobby").Int("closed", len(closed)).Int("purged", len(purged)).Msg("sweep")
	}
	return closed, purged
}

// Run sweeps every interval until ctx is done.
func (l *Lobby) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "app.lobby").Msg("janitor stopped")
			return
		case <-t.C:
			l.Sweep()
		}
	}
}
