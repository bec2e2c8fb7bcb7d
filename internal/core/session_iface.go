package core

import "github.com/dkeye/Delve/internal/domain"

// MemberSession binds domain.Member and its transport endpoints.
// This is what a room stores and fans out to.
type MemberSession interface {
	Meta() *domain.Member
	Signal() SignalConnection
	// Data is the optional unordered channel used for deltas.
	Data() SignalConnection
	UpdateData(SignalConnection) MemberSession
	Deliver(Outbound) error
}
