package reconcile

import (
	"time"

	"github.com/dkeye/Delve/internal/domain"
)

type sample struct {
	pos domain.Vec
	at  time.Time
}

// track holds the last two authoritative positions of a remote entity.
type track struct {
	prev, last sample
	n          int
}

func (t *track) push(pos domain.Vec, at time.Time) {
	t.prev = t.last
	t.last = sample{pos: pos, at: at}
	t.n = min(t.n+1, 2)
}

// at interpolates by wall clock between the two samples. Render times past
// the newest sample hold it; there is no extrapolation.
func (t *track) at(render time.Time) domain.Vec {
	if t.n < 2 {
		return t.last.pos
	}
	span := t.last.at.Sub(t.prev.at)
	if span <= 0 || !render.Before(t.last.at) {
		return t.last.pos
	}
	if !render.After(t.prev.at) {
		return t.prev.pos
	}
	return t.prev.pos.Lerp(t.last.pos, float64(render.Sub(t.prev.at))/float64(span))
}
