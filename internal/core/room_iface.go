package core

import (
	"github.com/dkeye/Delve/internal/domain"
)

// PublishResult reports delivery stats/backpressure to orchestrator.
// Dropped lists members whose transport refused the frame or is backed up.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// RoomService is the fan-out side of a room.
// It owns the membership set but never touches transport resources.
type RoomService interface {
	ID() domain.RoomID
	MemberCount() int
	MembersSnapshot() []domain.Identity
	Member(id domain.IdentityID) (MemberSession, bool)

	AddMember(ms MemberSession)
	RemoveMember(id domain.IdentityID)
	// Broadcast sends to every member except from; an empty from reaches all.
	Broadcast(from domain.IdentityID, ob Outbound) PublishResult
}
