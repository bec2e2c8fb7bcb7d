package session

import "github.com/dkeye/Delve/internal/domain"

type StateKind int

const (
	Connected StateKind = iota
	Reconnecting
	Disconnected
	RoomDesync
	RoomGone
)

func (k StateKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Disconnected:
		return "disconnected"
	case RoomDesync:
		return "room_desync"
	case RoomGone:
		return "room_gone"
	}
	return "unknown"
}

// StateEvent is a connection state transition for the UI layer.
type StateEvent struct {
	Kind    StateKind
	RoomID  domain.RoomID
	Reason  string
	Attempt int
}
