package domain

type EntityID string

type EntityKind string

const (
	KindPlayer EntityKind = "player"
	KindNPC    EntityKind = "npc"
	KindItem   EntityKind = "item"
)

func (k EntityKind) Valid() bool {
	switch k {
	case KindPlayer, KindNPC, KindItem:
		return true
	}
	return false
}

type Vec struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (v Vec) Add(o Vec) Vec { return Vec{X: v.X + o.X, Y: v.Y + o.Y} }

// Lerp returns the point t of the way from v to o.
func (v Vec) Lerp(o Vec, t float64) Vec {
	return Vec{X: v.X + (o.X-v.X)*t, Y: v.Y + (o.Y-v.Y)*t}
}

type Facing string

const (
	FacingUp    Facing = "up"
	FacingDown  Facing = "down"
	FacingLeft  Facing = "left"
	FacingRight Facing = "right"
)

// EntitySnapshot is the synced state of one entity.
type EntitySnapshot struct {
	ID             EntityID   `json:"id"`
	Kind           EntityKind `json:"kind"`
	Position       Vec        `json:"position"`
	Facing         Facing     `json:"facing,omitempty"`
	HP             int        `json:"hp"`
	LastUpdateTick uint64     `json:"lastUpdateTick"`
	Owner          IdentityID `json:"owner,omitempty"`
}
