// Package world holds the shared mutable slice of dungeon state that both
// authoritative messages and local prediction write into.
package world

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Delve/internal/domain"
	"github.com/dkeye/Delve/internal/proto"
	"github.com/dkeye/Delve/internal/world/dungeon"
)

type Result int

const (
	// Accepted means the mutation was applied.
	Accepted Result = iota
	// Stale means the mutation was older than (or equal to) what the model
	// already holds and was discarded.
	Stale
	// Anomaly means the mutation contradicts the room membership or entity
	// table; the room is likely desynchronised.
	Anomaly
	// Rejected means the mutation could not be decoded or is invalid.
	Rejected
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case Stale:
		return "stale"
	case Anomaly:
		return "anomaly"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

// Model is safe for concurrent use. Apply and ApplyEvent are the only
// writers; Snapshot hands out deep copies.
type Model struct {
	mu       sync.RWMutex
	seed     int64
	entities map[domain.EntityID]*domain.EntitySnapshot
	members  map[domain.IdentityID]struct{}

	gen        dungeon.Generator
	layoutOnce sync.Once
	layout     *dungeon.Layout

	logger zerolog.Logger
}

type Option func(*Model)

func WithLogger(l zerolog.Logger) Option {
	return func(m *Model) { m.logger = l }
}

func NewModel(seed int64, gen dungeon.Generator, opts ...Option) *Model {
	if gen == nil {
		gen = dungeon.DefaultGenerator()
	}
	m := &Model{
		seed:     seed,
		gen:      gen,
		entities: make(map[domain.EntityID]*domain.EntitySnapshot),
		members:  make(map[domain.IdentityID]struct{}),
		logger:   log.Logger,
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With().Str("module", "world").Logger()
	return m
}

func (m *Model) Seed() int64 { return m.seed }

// Layout derives the dungeon from the seed on first use.
func (m *Model) Layout() *dungeon.Layout {
	m.layoutOnce.Do(func() {
		m.layout = m.gen.Generate(m.seed)
	})
	return m.layout
}

func (m *Model) AddMember(id domain.IdentityID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[id] = struct{}{}
}

// RemoveMember drops the identity and every player entity it owns, so no
// snapshot ever references a departed owner.
func (m *Model) RemoveMember(id domain.IdentityID) []domain.EntityID {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members, id)
	var removed []domain.EntityID
	for eid, e := range m.entities {
		if e.Kind == domain.KindPlayer && e.Owner == id {
			delete(m.entities, eid)
			removed = append(removed, eid)
		}
	}
	return removed
}

func (m *Model) HasMember(id domain.IdentityID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.members[id]
	return ok
}

func (m *Model) Entity(id domain.EntityID) (domain.EntitySnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[id]
	if !ok {
		return domain.EntitySnapshot{}, false
	}
	return *e, true
}

// Apply merges one delta. Ticks are compared per entity: last writer by
// tick wins regardless of arrival order.
func (m *Model) Apply(d proto.Delta) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := m.applyLocked(d)
	if res == Anomaly {
		m.logger.Warn().
			Str("entity", string(d.EntityID)).
			Uint64("tick", d.Tick).
			Str("owner", string(d.Fields.Owner)).
			Msg("delta anomaly dropped")
	}
	return res
}

func (m *Model) applyLocked(d proto.Delta) Result {
	if d.EntityID == "" {
		return Rejected
	}
	e, ok := m.entities[d.EntityID]
	if !ok {
		kind := d.Fields.Kind
		if kind == "" {
			return Anomaly
		}
		if !kind.Valid() {
			return Rejected
		}
		if kind == domain.KindPlayer {
			if _, live := m.members[d.Fields.Owner]; !live {
				return Anomaly
			}
		}
		e = &domain.EntitySnapshot{ID: d.EntityID, Kind: kind, Owner: d.Fields.Owner}
		mergeFields(e, d.Fields)
		e.LastUpdateTick = d.Tick
		m.entities[d.EntityID] = e
		return Accepted
	}
	if d.Tick <= e.LastUpdateTick {
		return Stale
	}
	if d.Fields.Kind != "" && d.Fields.Kind != e.Kind {
		return Anomaly
	}
	if d.Fields.Owner != "" && d.Fields.Owner != e.Owner {
		return Anomaly
	}
	mergeFields(e, d.Fields)
	e.LastUpdateTick = d.Tick
	return Accepted
}

func mergeFields(e *domain.EntitySnapshot, f proto.Fields) {
	if f.Position != nil {
		e.Position = *f.Position
	}
	if f.Facing != nil {
		e.Facing = *f.Facing
	}
	if f.HP != nil {
		e.HP = *f.HP
	}
}

// Put writes a whole entity. The write is refused when it would move the
// entity's tick backwards.
func (m *Model) Put(s domain.EntitySnapshot) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Kind == domain.KindPlayer {
		if _, live := m.members[s.Owner]; !live {
			return Anomaly
		}
	}
	if cur, ok := m.entities[s.ID]; ok && s.LastUpdateTick < cur.LastUpdateTick {
		return Stale
	}
	cp := s
	m.entities[s.ID] = &cp
	return Accepted
}

// ApplyEvent applies a discrete event. Exactly-once delivery is the
// caller's concern; the model only checks the event against its state.
func (m *Model) ApplyEvent(ev proto.Event) Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := m.applyEventLocked(ev)
	if res == Anomaly || res == Rejected {
		m.logger.Warn().
			Str("event", ev.EventID).
			Str("kind", string(ev.Kind)).
			Str("result", res.String()).
			Msg("event dropped")
	}
	return res
}

func (m *Model) applyEventLocked(ev proto.Event) Result {
	switch ev.Kind {
	case proto.EventEntitySpawned:
		p, err := proto.EventPayload[proto.EntitySpawned](ev)
		if err != nil || p.Entity.ID == "" || !p.Entity.Kind.Valid() {
			return Rejected
		}
		if _, exists := m.entities[p.Entity.ID]; exists {
			return Stale
		}
		if p.Entity.Kind == domain.KindPlayer {
			if _, live := m.members[p.Entity.Owner]; !live {
				return Anomaly
			}
		}
		e := p.Entity
		m.entities[e.ID] = &e
		return Accepted

	case proto.EventEntityRemoved:
		p, err := proto.EventPayload[proto.EntityRemoved](ev)
		if err != nil {
			return Rejected
		}
		if _, ok := m.entities[p.Entity]; !ok {
			return Stale
		}
		delete(m.entities, p.Entity)
		return Accepted

	case proto.EventItemPickedUp:
		p, err := proto.EventPayload[proto.ItemPickedUp](ev)
		if err != nil {
			return Rejected
		}
		e, ok := m.entities[p.Item]
		if !ok {
			return Stale
		}
		if e.Kind != domain.KindItem {
			return Anomaly
		}
		delete(m.entities, p.Item)
		return Accepted

	case proto.EventCombatResolved:
		p, err := proto.EventPayload[proto.CombatResolved](ev)
		if err != nil {
			return Rejected
		}
		e, ok := m.entities[p.Target]
		if !ok {
			return Stale
		}
		e.HP = max(p.TargetHP, 0)
		if e.HP == 0 && e.Kind != domain.KindPlayer {
			delete(m.entities, p.Target)
		}
		return Accepted
	}
	return Rejected
}

// Reset replaces the model contents, used when a join snapshot arrives.
func (m *Model) Reset(members []domain.IdentityID, entities []domain.EntitySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members = make(map[domain.IdentityID]struct{}, len(members))
	for _, id := range members {
		m.members[id] = struct{}{}
	}
	m.entities = make(map[domain.EntityID]*domain.EntitySnapshot, len(entities))
	for _, e := range entities {
		if e.Kind == domain.KindPlayer {
			if _, live := m.members[e.Owner]; !live {
				continue
			}
		}
		cp := e
		m.entities[e.ID] = &cp
	}
}

// Validate checks the entity table against the room invariants.
func (m *Model) Validate() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, e := range m.entities {
		if id != e.ID {
			return fmt.Errorf("entity %q stored under %q", e.ID, id)
		}
		if !e.Kind.Valid() {
			return fmt.Errorf("entity %q has invalid kind %q", id, e.Kind)
		}
		if e.Kind == domain.KindPlayer {
			if _, live := m.members[e.Owner]; !live {
				return fmt.Errorf("player %q owned by absent identity %q", id, e.Owner)
			}
		}
	}
	return nil
}
