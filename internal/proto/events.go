package proto

import (
	"github.com/goccy/go-json"

	"github.com/dkeye/Delve/internal/domain"
)

type EventKind string

const (
	EventCombatResolved EventKind = "CombatResolved"
	EventItemPickedUp   EventKind = "ItemPickedUp"
	EventEntitySpawned  EventKind = "EntitySpawned"
	EventEntityRemoved  EventKind = "EntityRemoved"
)

// Event is a discrete world change. EventID is issued by the server; clients
// leave it empty when publishing.
type Event struct {
	EventID string          `json:"eventId,omitempty"`
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type CombatResolved struct {
	Attacker domain.EntityID `json:"attacker"`
	Target   domain.EntityID `json:"target"`
	Damage   int             `json:"damage"`
	TargetHP int             `json:"targetHp"`
}

type ItemPickedUp struct {
	Item domain.EntityID   `json:"item"`
	By   domain.IdentityID `json:"by"`
}

type EntitySpawned struct {
	Entity domain.EntitySnapshot `json:"entity"`
}

type EntityRemoved struct {
	Entity domain.EntityID `json:"entity"`
}

type EventRejected struct {
	Kind   EventKind `json:"kind"`
	Reason string    `json:"reason"`
}

// NewEvent builds an event with an encoded payload.
func NewEvent(kind EventKind, payload any) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: kind, Payload: raw}, nil
}

// EventPayload decodes the payload of ev into T.
func EventPayload[T any](ev Event) (T, error) {
	var out T
	if len(ev.Payload) == 0 {
		return out, ErrMalformed
	}
	err := json.Unmarshal(ev.Payload, &out)
	return out, err
}
