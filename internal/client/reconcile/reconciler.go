// Package reconcile merges the authoritative stream with local prediction
// into the view the game loop renders.
package reconcile

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Delve/internal/domain"
	"github.com/dkeye/Delve/internal/proto"
	"github.com/dkeye/Delve/internal/world"
	"github.com/dkeye/Delve/internal/world/dungeon"
)

var (
	ErrNoRoom   = errors.New("no room joined")
	ErrNoEntity = errors.New("owned entity not in world")
)

type Config struct {
	InterpDelay time.Duration
	SeenEvents  int
	Generator   dungeon.Generator
}

func DefaultConfig() Config {
	return Config{InterpDelay: 100 * time.Millisecond, SeenEvents: 1024}
}

// Anomaly is a message the authoritative model refused as contradictory.
type Anomaly struct {
	EntityID domain.EntityID
	EventID  string
	Tick     uint64
	Detail   string
}

type pending struct {
	env proto.Envelope
	at  time.Time
}

// Reconciler is driven by the frame loop. Receive may be called from any
// goroutine; every other method belongs to the frame loop.
type Reconciler struct {
	cfg Config
	now func() time.Time

	mu    sync.Mutex
	inbox []pending

	room   domain.RoomID
	host   domain.IdentityID
	self   domain.IdentityID
	owned  domain.EntityID
	model  *world.Model
	tracks map[domain.EntityID]*track

	inputs    []logged
	predicted uint64

	seen      *seenSet
	pickups   map[domain.IdentityID][]domain.EntityID
	anomalies []Anomaly
	onAnomaly func(Anomaly)
}

type Option func(*Reconciler)

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func New(cfg Config, opts ...Option) *Reconciler {
	def := DefaultConfig()
	if cfg.InterpDelay < 0 {
		cfg.InterpDelay = def.InterpDelay
	}
	if cfg.SeenEvents <= 0 {
		cfg.SeenEvents = def.SeenEvents
	}
	r := &Reconciler{
		cfg:     cfg,
		now:     time.Now,
		tracks:  make(map[domain.EntityID]*track),
		seen:    newSeenSet(cfg.SeenEvents),
		pickups: make(map[domain.IdentityID][]domain.EntityID),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// OnAnomaly is called from the frame loop for every anomaly.
func (r *Reconciler) OnAnomaly(fn func(Anomaly)) { r.onAnomaly = fn }

func (r *Reconciler) Room() domain.RoomID     { return r.room }
func (r *Reconciler) Host() domain.IdentityID { return r.host }
func (r *Reconciler) Self() domain.IdentityID { return r.self }
func (r *Reconciler) Model() *world.Model     { return r.model }
func (r *Reconciler) Pending() int            { return len(r.inputs) }
func (r *Reconciler) Owned() domain.EntityID  { return r.owned }

// Layout is the dungeon derived from the room seed, nil before a join.
func (r *Reconciler) Layout() *dungeon.Layout {
	if r.model == nil {
		return nil
	}
	return r.model.Layout()
}

// ResetRoom rebuilds the model from a join snapshot and forgets local
// predictions.
func (r *Reconciler) ResetRoom(ja proto.JoinAccepted) {
	if r.model == nil || r.model.Seed() != ja.Seed || r.room != ja.RoomID {
		r.model = world.NewModel(ja.Seed, r.cfg.Generator)
	}
	members := make([]domain.IdentityID, 0, len(ja.Members))
	for _, m := range ja.Members {
		members = append(members, m.ID)
	}
	r.model.Reset(members, ja.Entities)

	r.room, r.host, r.self = ja.RoomID, ja.Host, ja.Self
	r.owned = domain.EntityID(ja.Self)
	r.inputs = nil
	r.predicted = 0
	r.tracks = make(map[domain.EntityID]*track)
	now := r.now()
	for _, e := range ja.Entities {
		if e.ID != r.owned {
			r.trackLocked(e.ID, e.Position, now)
		}
	}
	log.Info().Str("module", "reconcile").Str("room", string(ja.RoomID)).Int64("seed", ja.Seed).Int("entities", len(ja.Entities)).Msg("room reset")
}

// Predict applies in to the owned entity at once, logs it, and returns the
// delta to publish.
func (r *Reconciler) Predict(in Input) (proto.Delta, error) {
	if r.model == nil {
		return proto.Delta{}, ErrNoRoom
	}
	base, ok := r.model.Entity(r.owned)
	if !ok {
		return proto.Delta{}, ErrNoEntity
	}
	tick := max(r.predicted, base.LastUpdateTick) + 1
	r.predicted = tick
	r.inputs = append(r.inputs, logged{tick: tick, in: in})

	e := replay(base, r.inputs)
	d := proto.Delta{Tick: tick, EntityID: r.owned, Fields: proto.Fields{Position: &e.Position, Facing: &e.Facing}}
	if in.HPDelta != 0 {
		d.Fields.HP = &e.HP
	}
	return d, nil
}

// Receive queues envelopes until the next Frame.
func (r *Reconciler) Receive(envs ...proto.Envelope) {
	at := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, env := range envs {
		r.inbox = append(r.inbox, pending{env: env, at: at})
	}
}

// Frame applies everything received so far, then returns the view for now.
func (r *Reconciler) Frame(now time.Time) world.Snapshot {
	r.mu.Lock()
	batch := r.inbox
	r.inbox = nil
	r.mu.Unlock()

	for _, p := range batch {
		r.apply(p)
	}
	return r.View(now)
}

// View is the render state: the owned entity is the baseline with pending
// inputs replayed on top, remote entities are interpolated.
func (r *Reconciler) View(now time.Time) world.Snapshot {
	if r.model == nil {
		return world.Snapshot{}
	}
	snap := r.model.Snapshot()
	render := now.Add(-r.cfg.InterpDelay)
	for i, e := range snap.Entities {
		if e.ID == r.owned {
			snap.Entities[i] = replay(e, r.inputs)
			continue
		}
		if tr, ok := r.tracks[e.ID]; ok {
			snap.Entities[i].Position = tr.at(render)
		}
	}
	return snap
}

// Anomalies returns and clears the anomalies seen since the last call.
func (r *Reconciler) Anomalies() []Anomaly {
	out := r.anomalies
	r.anomalies = nil
	return out
}

// Pickups lists the items picked up by id since the last reset.
func (r *Reconciler) Pickups(id domain.IdentityID) []domain.EntityID {
	return r.pickups[id]
}

func (r *Reconciler) apply(p pending) {
	env := p.env
	switch env.Type {
	case proto.TypeJoinAccepted:
		if ja, err := proto.PayloadAs[proto.JoinAccepted](env); err == nil {
			r.ResetRoom(ja)
		}
		return
	}
	if r.model == nil {
		return
	}

	switch env.Type {
	case proto.TypeDelta:
		d, err := proto.PayloadAs[proto.Delta](env)
		if err != nil {
			return
		}
		r.applyDelta(d, p.at)
	case proto.TypeEvent:
		ev, err := proto.PayloadAs[proto.Event](env)
		if err != nil {
			return
		}
		r.applyEvent(ev, p.at)
	case proto.TypeMemberJoined:
		if mj, err := proto.PayloadAs[proto.MemberJoined](env); err == nil {
			r.model.AddMember(mj.Identity.ID)
		}
	case proto.TypeMemberLeft:
		if ml, err := proto.PayloadAs[proto.MemberLeft](env); err == nil {
			for _, id := range r.model.RemoveMember(ml.IdentityID) {
				delete(r.tracks, id)
			}
			r.host = ml.Host
		}
	}
}

func (r *Reconciler) applyDelta(d proto.Delta, at time.Time) {
	switch r.model.Apply(d) {
	case world.Accepted:
		if d.EntityID == r.owned {
			r.prune()
			return
		}
		if d.Fields.Position != nil {
			r.trackLocked(d.EntityID, *d.Fields.Position, at)
		}
	case world.Stale:
		log.Debug().Str("module", "reconcile").Str("entity", string(d.EntityID)).Uint64("tick", d.Tick).Msg("stale delta")
	case world.Anomaly:
		r.report(Anomaly{EntityID: d.EntityID, Tick: d.Tick, Detail: "delta contradicts room state"})
	}
}

func (r *Reconciler) applyEvent(ev proto.Event, at time.Time) {
	if ev.EventID == "" || !r.seen.Add(ev.EventID) {
		log.Debug().Str("module", "reconcile").Str("event", ev.EventID).Msg("duplicate event ignored")
		return
	}
	switch r.model.ApplyEvent(ev) {
	case world.Accepted:
	case world.Anomaly:
		r.report(Anomaly{EventID: ev.EventID, Detail: string(ev.Kind) + " contradicts room state"})
		return
	default:
		return
	}

	switch ev.Kind {
	case proto.EventItemPickedUp:
		if p, err := proto.EventPayload[proto.ItemPickedUp](ev); err == nil {
			r.pickups[p.By] = append(r.pickups[p.By], p.Item)
			delete(r.tracks, p.Item)
		}
	case proto.EventEntitySpawned:
		if p, err := proto.EventPayload[proto.EntitySpawned](ev); err == nil && p.Entity.ID != r.owned {
			r.trackLocked(p.Entity.ID, p.Entity.Position, at)
		}
	case proto.EventEntityRemoved:
		if p, err := proto.EventPayload[proto.EntityRemoved](ev); err == nil {
			delete(r.tracks, p.Entity)
		}
	case proto.EventCombatResolved:
		if p, err := proto.EventPayload[proto.CombatResolved](ev); err == nil {
			if _, alive := r.model.Entity(p.Target); !alive {
				delete(r.tracks, p.Target)
			}
		}
	}
}

// prune drops logged inputs the authoritative baseline has superseded.
func (r *Reconciler) prune() {
	base, ok := r.model.Entity(r.owned)
	if !ok {
		r.inputs = nil
		return
	}
	kept := r.inputs[:0]
	for _, l := range r.inputs {
		if l.tick > base.LastUpdateTick {
			kept = append(kept, l)
		}
	}
	r.inputs = kept
}

func (r *Reconciler) trackLocked(id domain.EntityID, pos domain.Vec, at time.Time) {
	tr, ok := r.tracks[id]
	if !ok {
		tr = &track{}
		r.tracks[id] = tr
	}
	tr.push(pos, at)
}

func (r *Reconciler) report(a Anomaly) {
	log.Warn().Str("module", "reconcile").Str("entity", string(a.EntityID)).Str("event", a.EventID).Uint64("tick", a.Tick).Msg(a.Detail)
	r.anomalies = append(r.anomalies, a)
	if r.onAnomaly != nil {
		r.onAnomaly(a)
	}
}
