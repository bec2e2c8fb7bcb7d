package reconcile

import "github.com/dkeye/Delve/internal/domain"

// Input is one local action on the owned entity. Step is applied as given;
// collision is resolved before prediction.
type Input struct {
	Step    domain.Vec
	Facing  domain.Facing
	HPDelta int
}

type logged struct {
	tick uint64
	in   Input
}

func step(e domain.EntitySnapshot, in Input) domain.EntitySnapshot {
	if in.Facing != "" {
		e.Facing = in.Facing
	}
	e.Position = e.Position.Add(in.Step)
	e.HP = max(e.HP+in.HPDelta, 0)
	return e
}

// replay folds every input newer than the baseline's tick onto it. It never
// mutates its arguments.
func replay(base domain.EntitySnapshot, inputs []logged) domain.EntitySnapshot {
	e := base
	for _, l := range inputs {
		if l.tick <= base.LastUpdateTick {
			continue
		}
		e = step(e, l.in)
		e.LastUpdateTick = l.tick
	}
	return e
}
