package orch

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Delve/internal/core"
	"github.com/dkeye/Delve/internal/domain"
	"github.com/dkeye/Delve/internal/proto"
)

func (o *Orchestrator) handleHello(conn core.SignalConnection, env proto.Envelope) ([]Effect, error) {
	if _, ok := o.Registry.IdentityOf(conn); ok {
		return []Effect{errorReply(conn, proto.ReasonAlreadyHello)}, fmt.Errorf("%w: second hello", ErrProtocol)
	}
	hello, err := proto.PayloadAs[proto.Hello](env)
	if err != nil {
		return []Effect{errorReply(conn, proto.ReasonBadPayload)}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	identity, err := o.Registry.Register(conn, hello.DisplayName)
	if err != nil {
		return []Effect{errorReply(conn, proto.ReasonFor(err))}, nil
	}
	o.Registry.Bind(identity.ID, core.NewMemberSession(domain.NewMember(identity), conn))

	welcome := proto.Welcome{IdentityID: identity.ID, DisplayName: identity.DisplayName, Tick: identity.JoinedAtTick}
	effects := []Effect{Reply{Conn: conn, Out: core.ControlFrame(frame(proto.TypeWelcome, "", welcome))}}
	if hello.Join != nil {
		effects = append(effects, o.join(conn, identity.ID, *hello.Join)...)
	}
	return effects, nil
}

func (o *Orchestrator) handleJoin(conn core.SignalConnection, id domain.IdentityID, env proto.Envelope) ([]Effect, error) {
	req, err := proto.PayloadAs[proto.JoinRequest](env)
	if err != nil {
		return []Effect{errorReply(conn, proto.ReasonBadPayload)}, fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	if req.RoomID == "" {
		req.RoomID = env.RoomID
	}
	return o.join(conn, id, req), nil
}

// join moves id into the requested room, leaving its current one first.
func (o *Orchestrator) join(conn core.SignalConnection, id domain.IdentityID, req proto.JoinRequest) []Effect {
	sess, ok := o.Registry.Session(id)
	if !ok {
		return []Effect{errorReply(conn, proto.ReasonNotRegistered)}
	}
	var effects []Effect
	if current, _, in := o.Registry.RoomOf(id); in {
		effects = append(effects, o.leave(id, current)...)
	}

	identity := sess.Meta().Identity
	var (
		room *domain.Room
		err  error
	)
	if req.Create || req.RoomID == "" {
		room, err = o.Lobby.CreateRoom(identity, req.Seed)
	} else {
		room, err = o.Lobby.JoinRoom(req.RoomID, identity)
	}
	if err != nil {
		reason := proto.ReasonFor(err)
		log.Info().Str("module", "orch").Str("identity", string(id)).Str("room", string(req.RoomID)).Str("reason", reason).Msg("join rejected")
		rejected := proto.JoinRejected{RoomID: req.RoomID, Reason: reason}
		return append(effects, Reply{Conn: conn, Out: core.ControlFrame(frame(proto.TypeJoinRejected, req.RoomID, rejected))})
	}

	fan, _ := o.Lobby.Fanout(room.ID)
	w, _ := o.Lobby.World(room.ID)
	fan.AddMember(sess)
	o.Registry.SetRoom(id, room.ID)

	x, y := w.Layout().Spawn()
	player := domain.EntitySnapshot{
		ID:       domain.EntityID(id),
		Kind:     domain.KindPlayer,
		Owner:    id,
		Position: domain.Vec{X: float64(x) + 0.5, Y: float64(y) + 0.5},
		Facing:   domain.FacingDown,
		HP:       o.PlayerHP,
	}
	if _, exists := w.Entity(player.ID); !exists {
		w.Put(player)
	}

	accepted := proto.JoinAccepted{
		RoomID:   room.ID,
		Seed:     room.Seed,
		Self:     id,
		Host:     room.Host,
		State:    room.State,
		Members:  fan.MembersSnapshot(),
		Entities: w.Snapshot().Entities,
	}
	effects = append(effects,
		Reply{Conn: conn, Out: core.ControlFrame(frame(proto.TypeJoinAccepted, room.ID, accepted))},
		Fanout{Room: room.ID, Except: id, Out: core.ControlFrame(frame(proto.TypeMemberJoined, room.ID, proto.MemberJoined{Identity: *identity}))},
	)
	if spawned, ok := o.event(room.ID, proto.EventEntitySpawned, proto.EntitySpawned{Entity: player}); ok {
		effects = append(effects, Fanout{Room: room.ID, Except: id, Out: spawned})
	}
	log.Info().Str("module", "orch").Str("identity", string(id)).Str("room", string(room.ID)).Int("members", len(room.Members)).Msg("joined")
	return effects
}

func (o *Orchestrator) handleLeave(conn core.SignalConnection, id domain.IdentityID) []Effect {
	roomID, _, ok := o.Registry.RoomOf(id)
	if !ok {
		return []Effect{errorReply(conn, proto.ReasonNotMember)}
	}
	effects := o.leave(id, roomID)
	return append(effects, Reply{Conn: conn, Out: core.ControlFrame(frame(proto.TypeLeft, roomID, proto.Leave{}))})
}

// leave removes id from roomID and tells the remaining members.
func (o *Orchestrator) leave(id domain.IdentityID, roomID domain.RoomID) []Effect {
	o.Registry.ClearRoom(id)
	res, err := o.Lobby.LeaveRoom(roomID, id)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("identity", string(id)).Str("room", string(roomID)).Msg("leave")
		return nil
	}
	effects := []Effect{Fanout{
		Room: roomID,
		Out:  core.ControlFrame(frame(proto.TypeMemberLeft, roomID, proto.MemberLeft{IdentityID: id, Host: res.Room.Host})),
	}}
	for _, entity := range res.Removed {
		if out, ok := o.event(roomID, proto.EventEntityRemoved, proto.EntityRemoved{Entity: entity}); ok {
			effects = append(effects, Fanout{Room: roomID, Out: out})
		}
	}
	if res.HostChanged && res.Room.Host != "" {
		log.Info().Str("module", "orch").Str("room", string(roomID)).Str("host", string(res.Room.Host)).Msg("host migrated")
	}
	return effects
}

// EvictRoom closes a room and removes every member from it.
func (o *Orchestrator) EvictRoom(roomID domain.RoomID) error {
	o.mu.Lock()
	if _, err := o.Lobby.CloseRoom(roomID); err != nil {
		o.mu.Unlock()
		return err
	}
	var effects []Effect
	for _, snap := range o.Registry.MembersOfRoom(roomID) {
		o.Registry.ClearRoom(snap.ID)
		if _, err := o.Lobby.LeaveRoom(roomID, snap.ID); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("identity", string(snap.ID)).Msg("evict")
		}
		conn := snap.Session.Signal()
		effects = append(effects,
			errorReply(conn, proto.ReasonRoomClosed),
			Reply{Conn: conn, Out: core.ControlFrame(frame(proto.TypeLeft, roomID, proto.Leave{}))},
		)
	}
	o.mu.Unlock()

	log.Info().Str("module", "orch").Str("room", string(roomID)).Int("members", len(effects)/2).Msg("room evicted")
	o.Execute(effects)
	return nil
}

// event builds a server-issued event frame with a fresh id.
func (o *Orchestrator) event(roomID domain.RoomID, kind proto.EventKind, payload any) (core.Outbound, bool) {
	ev, err := proto.NewEvent(kind, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("kind", string(kind)).Msg("build event")
		return core.Outbound{}, false
	}
	ev.EventID = uuid.NewString()
	return core.EventFrame(ev.EventID, frame(proto.TypeEvent, roomID, ev)), true
}
