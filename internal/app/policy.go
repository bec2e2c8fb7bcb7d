package app

import "github.com/dkeye/Delve/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

type Policy interface {
	OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction
}

// SimplePolicy tolerates shed deltas but kicks a member whose reliable
// backlog keeps growing.
type SimplePolicy struct {
	MaxUnacked int
}

func (p SimplePolicy) OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction {
	if p.MaxUnacked > 0 && member.Signal().Unacked() > p.MaxUnacked {
		return KickMember
	}
	return MarkSlow
}
