// Package intent turns collaborator intents (NPC brains, combat rolls) into
// the deltas and events that travel on the wire.
package intent

import (
	"math"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Delve/internal/domain"
	"github.com/dkeye/Delve/internal/proto"
	"github.com/dkeye/Delve/internal/world"
	"github.com/dkeye/Delve/internal/world/dungeon"
)

type Kind string

const (
	Move   Kind = "move"
	Attack Kind = "attack"
	Pickup Kind = "pickup"
)

type Intent struct {
	Kind   Kind
	Actor  domain.EntityID
	Target domain.EntityID
	Step   domain.Vec
	Facing domain.Facing
	Damage int
}

// Advancer is the NPC/combat tick function supplied by the game.
type Advancer func(world.Snapshot) []Intent

// Translator keeps per-entity tick counters so repeated translations
// always produce strictly increasing ticks.
type Translator struct {
	by     domain.IdentityID
	layout *dungeon.Layout
	ticks  map[domain.EntityID]uint64
}

func NewTranslator(by domain.IdentityID, layout *dungeon.Layout) *Translator {
	return &Translator{by: by, layout: layout, ticks: make(map[domain.EntityID]uint64)}
}

func (t *Translator) next(e domain.EntitySnapshot) uint64 {
	tick := max(t.ticks[e.ID], e.LastUpdateTick) + 1
	t.ticks[e.ID] = tick
	return tick
}

// Run advances the collaborator once and translates its output.
func (t *Translator) Run(adv Advancer, snap world.Snapshot) ([]proto.Delta, []proto.Event) {
	if adv == nil {
		return nil, nil
	}
	return t.Translate(snap, adv(snap))
}

func (t *Translator) Translate(snap world.Snapshot, intents []Intent) ([]proto.Delta, []proto.Event) {
	var (
		deltas []proto.Delta
		events []proto.Event
	)
	for _, in := range intents {
		actor, ok := snap.Get(in.Actor)
		if !ok {
			continue
		}
		switch in.Kind {
		case Move:
			d := proto.Delta{EntityID: actor.ID}
			if in.Facing != "" {
				f := in.Facing
				d.Fields.Facing = &f
			}
			dest := actor.Position.Add(in.Step)
			if t.walkable(dest) {
				d.Fields.Position = &dest
			}
			if d.Fields.Position == nil && d.Fields.Facing == nil {
				continue
			}
			d.Tick = t.next(actor)
			deltas = append(deltas, d)
		case Attack:
			target, ok := snap.Get(in.Target)
			if !ok {
				continue
			}
			ev, err := proto.NewEvent(proto.EventCombatResolved, proto.CombatResolved{
				Attacker: actor.ID,
				Target:   target.ID,
				Damage:   in.Damage,
				TargetHP: target.HP - in.Damage,
			})
			if err != nil {
				log.Error().Err(err).Str("module", "intent").Msg("encode combat")
				continue
			}
			events = append(events, ev)
		case Pickup:
			target, ok := snap.Get(in.Target)
			if !ok || target.Kind != domain.KindItem {
				continue
			}
			ev, err := proto.NewEvent(proto.EventItemPickedUp, proto.ItemPickedUp{Item: target.ID, By: t.by})
			if err != nil {
				log.Error().Err(err).Str("module", "intent").Msg("encode pickup")
				continue
			}
			events = append(events, ev)
		}
	}
	return deltas, events
}

func (t *Translator) walkable(p domain.Vec) bool {
	if t.layout == nil {
		return true
	}
	return t.layout.Walkable(int(math.Floor(p.X)), int(math.Floor(p.Y)))
}
