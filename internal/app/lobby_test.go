package app

import (
	"errors"
	"testing"
	"time"

	"github.com/dkeye/Delve/internal/domain"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func ident(id string) *domain.Identity { return &domain.Identity{ID: domain.IdentityID(id)} }

func newTestLobby(cfg LobbyConfig) (*Lobby, *clock) {
	c := &clock{t: time.Unix(1000, 0)}
	return NewLobby(cfg, WithClock(c.now), WithSeedSource(func() int64 { return 7 })), c
}

func TestCreateRoomRecordsSeed(t *testing.T) {
	l, _ := newTestLobby(LobbyConfig{})
	seed := int64(42)
	room, err := l.CreateRoom(ident("A"), &seed)
	if err != nil {
		t.Fatal(err)
	}
	if room.Seed != 42 || room.Host != "A" || room.State != domain.RoomLobby || len(room.ID) != 6 {
		t.Fatalf("room = %+v", room)
	}
	generated, _ := l.CreateRoom(ident("B"), nil)
	if generated.Seed != 7 {
		t.Fatalf("generated seed = %d", generated.Seed)
	}
	w, _ := l.World(room.ID)
	if w.Seed() != 42 || !w.HasMember("A") {
		t.Fatal("room world not initialised from the room")
	}
}

func TestCreateRoomCapacity(t *testing.T) {
	l, _ := newTestLobby(LobbyConfig{MaxRooms: 1})
	if _, err := l.CreateRoom(ident("A"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := l.CreateRoom(ident("B"), nil); !errors.Is(err, domain.ErrTooManyRooms) {
		t.Fatalf("got %v", err)
	}
}

func TestJoinRoomErrors(t *testing.T) {
	l, _ := newTestLobby(LobbyConfig{MaxMembers: 2})
	room, _ := l.CreateRoom(ident("A"), nil)

	if _, err := l.JoinRoom("NOPE00", ident("B")); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("missing room: %v", err)
	}
	if _, err := l.JoinRoom(room.ID, ident("B")); err != nil {
		t.Fatal(err)
	}
	if _, err := l.JoinRoom(room.ID, ident("B")); err != nil {
		t.Fatalf("rejoin by member should be idempotent: %v", err)
	}
	if _, err := l.JoinRoom(room.ID, ident("C")); !errors.Is(err, domain.ErrRoomFull) {
		t.Fatalf("full room: %v", err)
	}
	l.CloseRoom(room.ID)
	if _, err := l.JoinRoom(room.ID, ident("D")); !errors.Is(err, domain.ErrRoomClosed) {
		t.Fatalf("closed room: %v", err)
	}
}

func TestGracePeriod(t *testing.T) {
	const grace = 10 * time.Second
	l, c := newTestLobby(LobbyConfig{GracePeriod: grace, TombstoneTTL: time.Minute})

	room, _ := l.CreateRoom(ident("A"), nil)
	if _, err := l.LeaveRoom(room.ID, "A"); err != nil {
		t.Fatal(err)
	}
	c.advance(grace / 2)
	rejoined, err := l.JoinRoom(room.ID, ident("A"))
	if err != nil {
		t.Fatalf("rejoin inside grace period: %v", err)
	}
	if rejoined.Host != "A" || !rejoined.CloseAt.IsZero() {
		t.Fatalf("revived room = %+v", rejoined)
	}

	l.LeaveRoom(room.ID, "A")
	c.advance(grace)
	if _, err := l.JoinRoom(room.ID, ident("A")); !errors.Is(err, domain.ErrRoomClosed) {
		t.Fatalf("join after grace period: %v", err)
	}

	c.advance(time.Minute)
	_, purged := l.Sweep()
	if len(purged) != 1 {
		t.Fatalf("purged = %v", purged)
	}
	if _, err := l.JoinRoom(room.ID, ident("A")); !errors.Is(err, domain.ErrRoomNotFound) {
		t.Fatalf("join after purge: %v", err)
	}
}

func TestLeaveMigratesHost(t *testing.T) {
	l, _ := newTestLobby(LobbyConfig{})
	room, _ := l.CreateRoom(ident("A"), nil)
	l.JoinRoom(room.ID, ident("B"))
	l.JoinRoom(room.ID, ident("C"))

	res, err := l.LeaveRoom(room.ID, "A")
	if err != nil {
		t.Fatal(err)
	}
	if !res.HostChanged || res.Room.Host != "B" {
		t.Fatalf("leave result = %+v", res)
	}
	if _, err := l.LeaveRoom(room.ID, "A"); !errors.Is(err, domain.ErrNotMember) {
		t.Fatalf("second leave: %v", err)
	}
}

func TestStateMachine(t *testing.T) {
	l, _ := newTestLobby(LobbyConfig{})
	room, _ := l.CreateRoom(ident("A"), nil)
	if !l.MarkActive(room.ID) {
		t.Fatal("lobby -> active should transition")
	}
	if l.MarkActive(room.ID) {
		t.Fatal("active -> active is not a transition")
	}
	l.CloseRoom(room.ID)
	if l.MarkActive(room.ID) {
		t.Fatal("no transition out of closed")
	}
	got, _ := l.Room(room.ID)
	if got.State != domain.RoomClosed {
		t.Fatalf("state = %v", got.State)
	}
}

func TestListRoomsReflectsMembership(t *testing.T) {
	l, _ := newTestLobby(LobbyConfig{})
	room, _ := l.CreateRoom(ident("A"), nil)
	l.JoinRoom(room.ID, ident("B"))
	list := l.ListRooms()
	if len(list) != 1 || list[0].MemberCount != 2 {
		t.Fatalf("list = %+v", list)
	}
	l.LeaveRoom(room.ID, "B")
	if list := l.ListRooms(); list[0].MemberCount != 1 {
		t.Fatalf("list not recomputed: %+v", list)
	}
}

func TestPresenceFollowsRegistry(t *testing.T) {
	l, _ := newTestLobby(LobbyConfig{})
	reg := NewRegistry()
	l.TrackPresence(reg)
	id, _ := reg.Register(&stubConn{}, "a")
	reg.Register(&stubConn{}, "b")
	reg.Unregister(id.ID)
	if l.Presence() != 1 {
		t.Fatalf("presence = %d", l.Presence())
	}
}
