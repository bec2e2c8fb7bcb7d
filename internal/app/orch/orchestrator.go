// Package orch is the edge coordinator: it routes every inbound envelope
// through one dispatch function that returns the effects to perform.
package orch

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Delve/internal/app"
	"github.com/dkeye/Delve/internal/core"
	"github.com/dkeye/Delve/internal/domain"
	"github.com/dkeye/Delve/internal/proto"
)

// ErrProtocol marks frames the adapter should count as offenses.
var ErrProtocol = errors.New("protocol violation")

const DefaultPlayerHP = 100

type Effect interface{ isEffect() }

// Reply is sent to a single connection, registered or not.
type Reply struct {
	Conn core.SignalConnection
	Out  core.Outbound
}

// Fanout is sent to every member of Room except Except.
type Fanout struct {
	Room   domain.RoomID
	Except domain.IdentityID
	Out    core.Outbound
}

// Kick force-closes a connection after telling it why.
type Kick struct {
	Conn   core.SignalConnection
	Reason string
}

func (Reply) isEffect()  {}
func (Fanout) isEffect() {}
func (Kick) isEffect()   {}

type Orchestrator struct {
	Registry *app.Registry
	Lobby    *app.Lobby
	Policy   app.Policy
	PlayerHP int

	// mu serialises dispatch: every handler sees the registry and lobby as
	// a single event loop would.
	mu      sync.Mutex
	frames  atomic.Uint64
	started time.Time
}

func New(reg *app.Registry, lobby *app.Lobby, policy app.Policy) *Orchestrator {
	return &Orchestrator{
		Registry: reg,
		Lobby:    lobby,
		Policy:   policy,
		PlayerHP: DefaultPlayerHP,
		started:  time.Now(),
	}
}

// HandleFrame decodes, dispatches and executes one inbound frame. Returned
// errors wrap ErrProtocol.
func (o *Orchestrator) HandleFrame(conn core.SignalConnection, data []byte) error {
	env, err := proto.Decode(data)
	if err != nil {
		o.frames.Add(1)
		o.Execute([]Effect{errorReply(conn, proto.ReasonBadPayload)})
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return o.HandleEnvelope(conn, env)
}

// HandleEnvelope is HandleFrame for an already decoded envelope.
func (o *Orchestrator) HandleEnvelope(conn core.SignalConnection, env proto.Envelope) error {
	o.frames.Add(1)
	effects, err := o.Handle(conn, env)
	o.Execute(effects)
	return err
}

// Handle is the router. It mutates lobby and registry state and returns
// what should be sent; it never writes to a transport itself.
func (o *Orchestrator) Handle(conn core.SignalConnection, env proto.Envelope) ([]Effect, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if env.Type == proto.TypeHello {
		return o.handleHello(conn, env)
	}
	id, ok := o.Registry.IdentityOf(conn)
	if !ok {
		return []Effect{errorReply(conn, proto.ReasonNotRegistered)}, fmt.Errorf("%w: %s before hello", ErrProtocol, env.Type)
	}

	switch env.Type {
	case proto.TypeJoinRequest:
		return o.handleJoin(conn, id, env)
	case proto.TypeLeave:
		return o.handleLeave(conn, id), nil
	case proto.TypeDelta:
		return o.handleDelta(conn, id, env)
	case proto.TypeEvent:
		return o.handleEvent(conn, id, env)
	case proto.TypeAck:
		p, err := proto.PayloadAs[proto.Ack](env)
		if err != nil {
			return []Effect{errorReply(conn, proto.ReasonBadPayload)}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		conn.Ack(p.EventID)
		return nil, nil
	case proto.TypePing:
		p, _ := proto.PayloadAs[proto.Ping](env)
		pong := proto.Pong{Sent: p.Sent, Server: time.Now().UnixMilli()}
		return []Effect{Reply{Conn: conn, Out: core.ControlFrame(frame(proto.TypePong, "", pong))}}, nil
	}
	log.Warn().Str("module", "orch").Str("type", string(env.Type)).Msg("unknown envelope type")
	return []Effect{errorReply(conn, proto.ReasonUnknownType)}, fmt.Errorf("%w: unknown type %q", ErrProtocol, env.Type)
}

// Execute performs effects. It runs outside the dispatch lock.
func (o *Orchestrator) Execute(effects []Effect) {
	for _, eff := range effects {
		switch e := eff.(type) {
		case Reply:
			if e.Out.Frame == nil {
				continue
			}
			if err := e.Conn.TrySend(e.Out); err != nil {
				log.Warn().Err(err).Str("module", "orch").Msg("reply not queued")
			}
		case Fanout:
			if e.Out.Frame == nil {
				continue
			}
			o.fanout(e)
		case Kick:
			if f := frame(proto.TypeError, "", proto.Error{Error: e.Reason}); f != nil {
				_ = e.Conn.TrySend(core.ControlFrame(f))
			}
			log.Warn().Str("module", "orch").Str("reason", e.Reason).Msg("kicking connection")
			e.Conn.Close()
		}
	}
}

func (o *Orchestrator) fanout(e Fanout) {
	room, ok := o.Lobby.Fanout(e.Room)
	if !ok {
		return
	}
	res := room.Broadcast(e.Except, e.Out)
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(room, slow) {
		case app.KickMember:
			log.Warn().
				Str("module", "orch").
				Str("room", string(e.Room)).
				Str("identity", string(slow.Meta().Identity.ID)).
				Msg("member too slow, kicking")
			o.Execute([]Effect{Kick{Conn: slow.Signal(), Reason: proto.ReasonTooManyUnacked}})
		case app.MarkSlow, app.DropFrame, app.NoAction:
		}
	}
}

// Disconnect releases everything held for conn. Safe to call more than once.
func (o *Orchestrator) Disconnect(conn core.SignalConnection) {
	o.mu.Lock()
	id, ok := o.Registry.IdentityOf(conn)
	if !ok {
		o.mu.Unlock()
		return
	}
	var effects []Effect
	if roomID, _, inRoom := o.Registry.RoomOf(id); inRoom {
		effects = o.leave(id, roomID)
	}
	o.Registry.Unregister(id)
	o.mu.Unlock()

	log.Info().Str("module", "orch").Str("identity", string(id)).Msg("disconnected")
	o.Execute(effects)
}

type Stats struct {
	Identities int
	Rooms      int
	OpenRooms  int
	Frames     uint64
	Uptime     time.Duration
}

func (o *Orchestrator) Stats() Stats {
	rooms := o.Lobby.ListRooms()
	open := 0
	for _, r := range rooms {
		if r.State != domain.RoomClosed {
			open++
		}
	}
	return Stats{
		Identities: o.Lobby.Presence(),
		Rooms:      len(rooms),
		OpenRooms:  open,
		Frames:     o.frames.Load(),
		Uptime:     time.Since(o.started),
	}
}

func frame(t proto.Type, room domain.RoomID, payload any) core.Frame {
	b, err := proto.Marshal(t, room, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("type", string(t)).Msg("marshal")
		return nil
	}
	return b
}

// ErrorReply builds the error frame sent for reason.
func ErrorReply(conn core.SignalConnection, reason string) Effect {
	return errorReply(conn, reason)
}

func errorReply(conn core.SignalConnection, reason string) Effect {
	return Reply{Conn: conn, Out: core.ControlFrame(frame(proto.TypeError, "", proto.Error{Error: reason}))}
}
