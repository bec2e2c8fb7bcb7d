package domain

import "time"

type RoomID string

type RoomState int

const (
	RoomLobby RoomState = iota
	RoomActive
	RoomClosed
)

func (s RoomState) String() string {
	switch s {
	case RoomLobby:
		return "lobby"
	case RoomActive:
		return "active"
	case RoomClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s RoomState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Room is the lobby's record of one session. Seed never changes after
// creation; Members keeps join order so host migration is deterministic.
type Room struct {
	ID        RoomID       `json:"id"`
	Seed      int64        `json:"seed"`
	State     RoomState    `json:"state"`
	Host      IdentityID   `json:"host"`
	Members   []IdentityID `json:"members"`
	CreatedAt time.Time    `json:"createdAt"`
	// CloseAt is set while the room is empty and waiting out its grace period.
	CloseAt  time.Time `json:"-"`
	ClosedAt time.Time `json:"-"`
}

func (r *Room) HasMember(id IdentityID) bool {
	for _, m := range r.Members {
		if m == id {
			return true
		}
	}
	return false
}

// Clone returns a copy safe to hand to callers outside the lobby lock.
func (r *Room) Clone() *Room {
	out := *r
	out.Members = append([]IdentityID(nil), r.Members...)
	return &out
}

// RoomSummary is the listRooms view.
type RoomSummary struct {
	ID          RoomID    `json:"id"`
	MemberCount int       `json:"memberCount"`
	State       RoomState `json:"state"`
}

func (s *RoomState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "lobby":
		*s = RoomLobby
	case "active":
		*s = RoomActive
	case "closed":
		*s = RoomClosed
	default:
		*s = RoomLobby
	}
	return nil
}
