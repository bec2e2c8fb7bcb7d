package orch

import (
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Delve/internal/app"
	"github.com/dkeye/Delve/internal/core"
	"github.com/dkeye/Delve/internal/domain"
	"github.com/dkeye/Delve/internal/proto"
	"github.com/dkeye/Delve/internal/world"
)

type recConn struct {
	frames []proto.Envelope
	acked  []string
	closed bool
}

func (c *recConn) TrySend(ob core.Outbound) error {
	env, err := proto.Decode(ob.Frame)
	if err != nil {
		return err
	}
	c.frames = append(c.frames, env)
	return nil
}
func (c *recConn) Ack(id string) { c.acked = append(c.acked, id) }
func (c *recConn) Unacked() int  { return 0 }
func (c *recConn) Close()        { c.closed = true }

func (c *recConn) last(t *testing.T, typ proto.Type) proto.Envelope {
	t.Helper()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Type == typ {
			return c.frames[i]
		}
	}
	t.Fatalf("no %s frame in %d frames", typ, len(c.frames))
	return proto.Envelope{}
}

func (c *recConn) count(typ proto.Type) int {
	n := 0
	for _, f := range c.frames {
		if f.Type == typ {
			n++
		}
	}
	return n
}

// queuedConn holds everything in a real outbox until the test drains it,
// like a member whose socket is not keeping up.
type queuedConn struct{ *core.Outbox }

func (c queuedConn) TrySend(ob core.Outbound) error { return c.Push(ob) }

func payload[T any](t *testing.T, env proto.Envelope) T {
	t.Helper()
	v, err := proto.PayloadAs[T](env)
	if err != nil {
		t.Fatalf("decode %s: %v", env.Type, err)
	}
	return v
}

func send(t *testing.T, o *Orchestrator, c *recConn, typ proto.Type, room domain.RoomID, p any) error {
	t.Helper()
	b, err := proto.Marshal(typ, room, p)
	if err != nil {
		t.Fatal(err)
	}
	return o.HandleFrame(c, b)
}

func newOrch() *Orchestrator {
	reg := app.NewRegistry()
	lobby := app.NewLobby(app.DefaultLobbyConfig(), app.WithClock(func() time.Time { return time.Unix(1000, 0) }))
	lobby.TrackPresence(reg)
	return New(reg, lobby, app.SimplePolicy{MaxUnacked: 8})
}

// twoPlayers creates a room as A with seed 42 and joins B into it.
func twoPlayers(t *testing.T, o *Orchestrator) (a, b *recConn, ja, jb proto.JoinAccepted) {
	t.Helper()
	seed := int64(42)
	a, b = &recConn{}, &recConn{}
	if err := send(t, o, a, proto.TypeHello, "", proto.Hello{DisplayName: "A", Join: &proto.JoinRequest{Create: true, Seed: &seed}}); err != nil {
		t.Fatal(err)
	}
	ja = payload[proto.JoinAccepted](t, a.last(t, proto.TypeJoinAccepted))
	if err := send(t, o, b, proto.TypeHello, "", proto.Hello{DisplayName: "B"}); err != nil {
		t.Fatal(err)
	}
	if err := send(t, o, b, proto.TypeJoinRequest, "", proto.JoinRequest{RoomID: ja.RoomID}); err != nil {
		t.Fatal(err)
	}
	jb = payload[proto.JoinAccepted](t, b.last(t, proto.TypeJoinAccepted))
	return a, b, ja, jb
}

func TestJoinScenario(t *testing.T) {
	o := newOrch()
	a, b, ja, jb := twoPlayers(t, o)

	if ja.Seed != 42 || jb.Seed != 42 {
		t.Fatalf("seeds %d %d", ja.Seed, jb.Seed)
	}
	if jb.Host != ja.Self || len(jb.Members) != 2 || jb.Members[0].ID != ja.Self {
		t.Fatalf("join accepted for B = %+v", jb)
	}
	if len(jb.Entities) != 2 {
		t.Fatalf("late joiner saw %d entities", len(jb.Entities))
	}
	joined := payload[proto.MemberJoined](t, a.last(t, proto.TypeMemberJoined))
	if joined.Identity.ID != jb.Self {
		t.Fatalf("member_joined = %+v", joined)
	}

	pos := domain.Vec{X: 3, Y: 4}
	d := proto.Delta{Tick: 1, EntityID: domain.EntityID(ja.Self), Fields: proto.Fields{Position: &pos}}
	if err := send(t, o, a, proto.TypeDelta, ja.RoomID, d); err != nil {
		t.Fatal(err)
	}
	got := payload[proto.Delta](t, b.last(t, proto.TypeDelta))
	if got.Tick != 1 || *got.Fields.Position != pos {
		t.Fatalf("B received %+v", got)
	}
	if a.count(proto.TypeDelta) != 1 {
		t.Fatal("sender did not get its echo")
	}
	if room, _ := o.Lobby.Room(ja.RoomID); room.State != domain.RoomActive {
		t.Fatalf("room state %v", room.State)
	}
}

func TestFrameBeforeHello(t *testing.T) {
	o := newOrch()
	c := &recConn{}
	err := send(t, o, c, proto.TypePing, "", proto.Ping{Sent: 1})
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("got %v", err)
	}
	if e := payload[proto.Error](t, c.last(t, proto.TypeError)); e.Error != proto.ReasonNotRegistered {
		t.Fatalf("error = %q", e.Error)
	}
}

func TestUnknownTypeIsProtocolError(t *testing.T) {
	o := newOrch()
	c := &recConn{}
	send(t, o, c, proto.TypeHello, "", proto.Hello{DisplayName: "x"})
	if err := send(t, o, c, proto.Type("teleport"), "", nil); !errors.Is(err, ErrProtocol) {
		t.Fatalf("got %v", err)
	}
	if err := o.HandleFrame(c, []byte("{not json")); !errors.Is(err, ErrProtocol) {
		t.Fatalf("malformed frame: %v", err)
	}
}

func TestUnauthorizedDeltaGetsCorrection(t *testing.T) {
	o := newOrch()
	a, b, ja, _ := twoPlayers(t, o)
	before := len(a.frames)

	pos := domain.Vec{X: 9, Y: 9}
	d := proto.Delta{Tick: 5, EntityID: domain.EntityID(ja.Self), Fields: proto.Fields{Position: &pos}}
	if err := send(t, o, b, proto.TypeDelta, ja.RoomID, d); err != nil {
		t.Fatal(err)
	}
	if e := payload[proto.Error](t, b.last(t, proto.TypeError)); e.Error != proto.ReasonNotAuthorized {
		t.Fatalf("error = %q", e.Error)
	}
	fix := payload[proto.Delta](t, b.last(t, proto.TypeDelta))
	if fix.EntityID != domain.EntityID(ja.Self) || *fix.Fields.Position == pos {
		t.Fatalf("correction = %+v", fix)
	}
	if len(a.frames) != before {
		t.Fatal("rejected delta reached the owner")
	}
}

func TestStaleDeltaGetsCorrection(t *testing.T) {
	o := newOrch()
	a, b, ja, _ := twoPlayers(t, o)
	self := domain.EntityID(ja.Self)
	p1, p2 := domain.Vec{X: 1, Y: 1}, domain.Vec{X: 2, Y: 2}
	send(t, o, a, proto.TypeDelta, ja.RoomID, proto.Delta{Tick: 3, EntityID: self, Fields: proto.Fields{Position: &p1}})
	seen := b.count(proto.TypeDelta)
	send(t, o, a, proto.TypeDelta, ja.RoomID, proto.Delta{Tick: 2, EntityID: self, Fields: proto.Fields{Position: &p2}})

	if b.count(proto.TypeDelta) != seen {
		t.Fatal("stale delta fanned out")
	}
	fix := payload[proto.Delta](t, a.last(t, proto.TypeDelta))
	if fix.Tick != 3 || *fix.Fields.Position != p1 {
		t.Fatalf("correction = %+v", fix)
	}
}

func TestSlowMemberConvergesAfterCoalescing(t *testing.T) {
	o := newOrch()
	seed := int64(42)
	a := &recConn{}
	if err := send(t, o, a, proto.TypeHello, "", proto.Hello{DisplayName: "A", Join: &proto.JoinRequest{Create: true, Seed: &seed}}); err != nil {
		t.Fatal(err)
	}
	ja := payload[proto.JoinAccepted](t, a.last(t, proto.TypeJoinAccepted))

	slow := queuedConn{core.NewOutbox(core.OutboxConfig{Limit: 1})}
	hello, _ := proto.Marshal(proto.TypeHello, "", proto.Hello{DisplayName: "B", Join: &proto.JoinRequest{RoomID: ja.RoomID}})
	if err := o.HandleFrame(slow, hello); err != nil {
		t.Fatal(err)
	}

	self := domain.EntityID(ja.Self)
	hp, pos := 40, domain.Vec{X: 7, Y: 7}
	send(t, o, a, proto.TypeDelta, ja.RoomID, proto.Delta{Tick: 2, EntityID: self, Fields: proto.Fields{HP: &hp}})
	send(t, o, a, proto.TypeDelta, ja.RoomID, proto.Delta{Tick: 3, EntityID: self, Fields: proto.Fields{Position: &pos}})

	var recv *world.Model
	for {
		f, ok := slow.Next()
		if !ok {
			break
		}
		env, err := proto.Decode(f)
		if err != nil {
			t.Fatal(err)
		}
		switch env.Type {
		case proto.TypeJoinAccepted:
			jb := payload[proto.JoinAccepted](t, env)
			var members []domain.IdentityID
			for _, m := range jb.Members {
				members = append(members, m.ID)
			}
			recv = world.NewModel(jb.Seed, nil)
			recv.Reset(members, jb.Entities)
		case proto.TypeDelta:
			if res := recv.Apply(payload[proto.Delta](t, env)); res != world.Accepted {
				t.Fatalf("receiver refused delta: %v", res)
			}
		}
	}
	if slow.Stats().Coalesced == 0 {
		t.Fatal("expected the slow member's deltas to be coalesced")
	}
	e, ok := recv.Entity(self)
	if !ok || e.HP != 40 || e.Position != pos || e.LastUpdateTick != 3 {
		t.Fatalf("receiver view of A = %+v, %v", e, ok)
	}
}

func TestItemPickedUpOnce(t *testing.T) {
	o := newOrch()
	a, b, ja, jb := twoPlayers(t, o)

	spawn, _ := proto.NewEvent(proto.EventEntitySpawned, proto.EntitySpawned{Entity: domain.EntitySnapshot{ID: "potion", Kind: domain.KindItem}})
	if err := send(t, o, b, proto.TypeEvent, ja.RoomID, spawn); err != nil {
		t.Fatal(err)
	}
	if rej := payload[proto.EventRejected](t, b.last(t, proto.TypeEventRejected)); rej.Reason != proto.ReasonNotAuthorized {
		t.Fatalf("non-host spawn: %+v", rej)
	}
	send(t, o, a, proto.TypeEvent, ja.RoomID, spawn)

	pick, _ := proto.NewEvent(proto.EventItemPickedUp, proto.ItemPickedUp{Item: "potion", By: ja.Self})
	send(t, o, b, proto.TypeEvent, ja.RoomID, pick)
	send(t, o, a, proto.TypeEvent, ja.RoomID, pick)

	if rej := payload[proto.EventRejected](t, a.last(t, proto.TypeEventRejected)); rej.Reason != proto.ReasonItemGone {
		t.Fatalf("second pickup: %+v", rej)
	}
	ev := payload[proto.Event](t, a.last(t, proto.TypeEvent))
	got, err := proto.EventPayload[proto.ItemPickedUp](ev)
	if err != nil || got.By != jb.Self || ev.EventID == "" {
		t.Fatalf("pickup event = %+v %+v", ev, got)
	}
}

func TestCombatRecomputesTargetHP(t *testing.T) {
	o := newOrch()
	a, _, ja, jb := twoPlayers(t, o)
	hit, _ := proto.NewEvent(proto.EventCombatResolved, proto.CombatResolved{
		Attacker: domain.EntityID(ja.Self), Target: domain.EntityID(jb.Self), Damage: 30, TargetHP: 999,
	})
	send(t, o, a, proto.TypeEvent, ja.RoomID, hit)
	ev := payload[proto.Event](t, a.last(t, proto.TypeEvent))
	got, _ := proto.EventPayload[proto.CombatResolved](ev)
	if got.TargetHP != DefaultPlayerHP-30 {
		t.Fatalf("targetHp = %d", got.TargetHP)
	}
}

func TestDisconnectMigratesHost(t *testing.T) {
	o := newOrch()
	a, b, ja, jb := twoPlayers(t, o)
	o.Disconnect(a)
	o.Disconnect(a)

	left := payload[proto.MemberLeft](t, b.last(t, proto.TypeMemberLeft))
	if left.IdentityID != ja.Self || left.Host != jb.Self {
		t.Fatalf("member_left = %+v", left)
	}
	if o.Registry.Size() != 1 || o.Lobby.Presence() != 1 {
		t.Fatalf("registry size %d", o.Registry.Size())
	}
	ev := payload[proto.Event](t, b.last(t, proto.TypeEvent))
	if ev.Kind != proto.EventEntityRemoved {
		t.Fatalf("last event %s", ev.Kind)
	}
}

func TestEvictRoom(t *testing.T) {
	o := newOrch()
	a, b, ja, _ := twoPlayers(t, o)
	if err := o.EvictRoom(ja.RoomID); err != nil {
		t.Fatal(err)
	}
	for _, c := range []*recConn{a, b} {
		if e := payload[proto.Error](t, c.last(t, proto.TypeError)); e.Error != proto.ReasonRoomClosed {
			t.Fatalf("error = %q", e.Error)
		}
		c.last(t, proto.TypeLeft)
	}
	c := &recConn{}
	send(t, o, c, proto.TypeHello, "", proto.Hello{Join: &proto.JoinRequest{RoomID: ja.RoomID}})
	if rej := payload[proto.JoinRejected](t, c.last(t, proto.TypeJoinRejected)); rej.Reason != proto.ReasonRoomClosed {
		t.Fatalf("join after evict: %+v", rej)
	}
	if err := o.EvictRoom("NOPE00"); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("got %v", err)
	}
}

func TestAckAndPing(t *testing.T) {
	o := newOrch()
	c := &recConn{}
	send(t, o, c, proto.TypeHello, "", proto.Hello{})
	send(t, o, c, proto.TypeAck, "", proto.Ack{EventID: "e1"})
	send(t, o, c, proto.TypePing, "", proto.Ping{Sent: 7})
	if len(c.acked) != 1 || c.acked[0] != "e1" {
		t.Fatalf("acked %v", c.acked)
	}
	if p := payload[proto.Pong](t, c.last(t, proto.TypePong)); p.Sent != 7 {
		t.Fatalf("pong %+v", p)
	}
	if s := o.Stats(); s.Frames != 3 || s.Identities != 1 {
		t.Fatalf("stats %+v", s)
	}
}
