package orch

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Delve/internal/core"
	"github.com/dkeye/Delve/internal/domain"
	"github.com/dkeye/Delve/internal/proto"
	"github.com/dkeye/Delve/internal/world"
)

// memberRoom resolves the room id is publishing into. An envelope naming a
// different room is refused.
func (o *Orchestrator) memberRoom(id domain.IdentityID, env proto.Envelope) (*domain.Room, *world.Model, bool) {
	roomID, _, ok := o.Registry.RoomOf(id)
	if !ok || (env.RoomID != "" && env.RoomID != roomID) {
		return nil, nil, false
	}
	room, ok := o.Lobby.Room(roomID)
	if !ok || room.State == domain.RoomClosed {
		return nil, nil, false
	}
	w, ok := o.Lobby.World(roomID)
	return room, w, ok
}

// mayWrite reports whether id may change the entity: players belong to their
// owner, everything else to the room host.
func mayWrite(room *domain.Room, w *world.Model, id domain.IdentityID, entity domain.EntityID, f proto.Fields) bool {
	kind, owner := f.Kind, f.Owner
	if e, ok := w.Entity(entity); ok {
		kind, owner = e.Kind, e.Owner
	}
	if kind == domain.KindPlayer {
		return owner == id
	}
	return room.Host == id
}

// entityDelta is the server's full current view of entity as a delta. Every
// delta the server sends is complete, so a queue that keeps only the newest
// delta per entity, or a channel that drops late ones as stale, still
// converges.
func entityDelta(roomID domain.RoomID, e domain.EntitySnapshot) core.Outbound {
	pos, facing, hp := e.Position, e.Facing, e.HP
	d := proto.Delta{Tick: e.LastUpdateTick, EntityID: e.ID, Fields: proto.Fields{
		Kind: e.Kind, Owner: e.Owner, Position: &pos, Facing: &facing, HP: &hp,
	}}
	return core.DeltaFrame(e.ID, frame(proto.TypeDelta, roomID, d))
}

func (o *Orchestrator) handleDelta(conn core.SignalConnection, id domain.IdentityID, env proto.Envelope) ([]Effect, error) {
	room, w, ok := o.memberRoom(id, env)
	if !ok {
		return []Effect{errorReply(conn, proto.ReasonNotMember)}, nil
	}
	d, err := proto.PayloadAs[proto.Delta](env)
	if err != nil {
		return []Effect{errorReply(conn, proto.ReasonBadPayload)}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	if !mayWrite(room, w, id, d.EntityID, d.Fields) {
		log.Warn().Str("module", "orch").Str("identity", string(id)).Str("entity", string(d.EntityID)).Msg("unauthorized delta")
		effects := []Effect{errorReply(conn, proto.ReasonNotAuthorized)}
		if e, ok := w.Entity(d.EntityID); ok {
			effects = append(effects, Reply{Conn: conn, Out: entityDelta(room.ID, e)})
		}
		return effects, nil
	}

	switch w.Apply(d) {
	case world.Accepted:
		o.Lobby.MarkActive(room.ID)
		e, _ := w.Entity(d.EntityID)
		out := entityDelta(room.ID, e)
		return []Effect{
			Fanout{Room: room.ID, Except: id, Out: out},
			Reply{Conn: conn, Out: out},
		}, nil
	case world.Stale:
		if e, ok := w.Entity(d.EntityID); ok {
			return []Effect{Reply{Conn: conn, Out: entityDelta(room.ID, e)}}, nil
		}
		return nil, nil
	case world.Anomaly:
		return nil, nil
	default:
		return []Effect{errorReply(conn, proto.ReasonBadPayload)}, fmt.Errorf("%w: rejected delta for %q", ErrProtocol, d.EntityID)
	}
}

func (o *Orchestrator) handleEvent(conn core.SignalConnection, id domain.IdentityID, env proto.Envelope) ([]Effect, error) {
	room, w, ok := o.memberRoom(id, env)
	if !ok {
		return []Effect{errorReply(conn, proto.ReasonNotMember)}, nil
	}
	ev, err := proto.PayloadAs[proto.Event](env)
	if err != nil {
		return []Effect{errorReply(conn, proto.ReasonBadPayload)}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	reject := func(reason string) []Effect {
		log.Info().Str("module", "orch").Str("identity", string(id)).Str("kind", string(ev.Kind)).Str("reason", reason).Msg("event rejected")
		rej := proto.EventRejected{Kind: ev.Kind, Reason: reason}
		return []Effect{Reply{Conn: conn, Out: core.ControlFrame(frame(proto.TypeEventRejected, room.ID, rej))}}
	}

	var payload any
	gone := proto.ReasonTargetGone
	switch ev.Kind {
	case proto.EventItemPickedUp:
		p, err := proto.EventPayload[proto.ItemPickedUp](ev)
		if err != nil {
			return reject(proto.ReasonBadPayload), nil
		}
		item, ok := w.Entity(p.Item)
		if !ok || item.Kind != domain.KindItem {
			return reject(proto.ReasonItemGone), nil
		}
		p.By = id
		payload, gone = p, proto.ReasonItemGone

	case proto.EventCombatResolved:
		p, err := proto.EventPayload[proto.CombatResolved](ev)
		if err != nil || p.Damage < 0 {
			return reject(proto.ReasonBadPayload), nil
		}
		if _, ok := w.Entity(p.Attacker); !ok || !mayWrite(room, w, id, p.Attacker, proto.Fields{}) {
			return reject(proto.ReasonNotAuthorized), nil
		}
		target, ok := w.Entity(p.Target)
		if !ok {
			return reject(proto.ReasonTargetGone), nil
		}
		p.TargetHP = target.HP - p.Damage
		payload = p

	case proto.EventEntitySpawned:
		p, err := proto.EventPayload[proto.EntitySpawned](ev)
		if err != nil || p.Entity.Kind == domain.KindPlayer {
			return reject(proto.ReasonBadPayload), nil
		}
		if room.Host != id {
			return reject(proto.ReasonNotAuthorized), nil
		}
		payload = p

	case proto.EventEntityRemoved:
		p, err := proto.EventPayload[proto.EntityRemoved](ev)
		if err != nil {
			return reject(proto.ReasonBadPayload), nil
		}
		target, ok := w.Entity(p.Entity)
		if !ok {
			return reject(proto.ReasonTargetGone), nil
		}
		if room.Host != id || target.Kind == domain.KindPlayer {
			return reject(proto.ReasonNotAuthorized), nil
		}
		payload = p

	default:
		return reject(proto.ReasonUnknownType), nil
	}

	issued, err := proto.NewEvent(ev.Kind, payload)
	if err != nil {
		return reject(proto.ReasonInternal), nil
	}
	issued.EventID = uuid.NewString()
	switch w.ApplyEvent(issued) {
	case world.Accepted:
	case world.Stale:
		return reject(gone), nil
	default:
		return reject(proto.ReasonBadPayload), nil
	}
	o.Lobby.MarkActive(room.ID)
	out := core.EventFrame(issued.EventID, frame(proto.TypeEvent, room.ID, issued))
	return []Effect{Fanout{Room: room.ID, Out: out}}, nil
}
