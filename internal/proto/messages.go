// Package proto defines the wire envelope exchanged between clients and the
// edge coordinator.
package proto

import (
	"github.com/goccy/go-json"

	"github.com/dkeye/Delve/internal/domain"
)

type Type string

const (
	TypeHello         Type = "hello"
	TypeWelcome       Type = "welcome"
	TypeJoinRequest   Type = "join_request"
	TypeJoinAccepted  Type = "join_accepted"
	TypeJoinRejected  Type = "join_rejected"
	TypeMemberJoined  Type = "member_joined"
	TypeMemberLeft    Type = "member_left"
	TypeDelta         Type = "delta"
	TypeEvent         Type = "event"
	TypeEventRejected Type = "event_rejected"
	TypeAck           Type = "ack"
	TypeLeave         Type = "leave"
	TypeLeft          Type = "left"
	TypePing          Type = "ping"
	TypePong          Type = "pong"
	TypeError         Type = "error"

	TypeRTCOffer     Type = "rtc_offer"
	TypeRTCAnswer    Type = "rtc_answer"
	TypeRTCCandidate Type = "rtc_candidate"
)

// Envelope is the single frame shape on every transport.
type Envelope struct {
	Type    Type            `json:"type"`
	RoomID  domain.RoomID   `json:"roomId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type Hello struct {
	DisplayName string       `json:"displayName"`
	Join        *JoinRequest `json:"join,omitempty"`
}

type Welcome struct {
	IdentityID  domain.IdentityID `json:"identityId"`
	DisplayName string            `json:"displayName"`
	Tick        uint64            `json:"tick"`
}

// JoinRequest joins RoomID, or creates a room when RoomID is empty or Create
// is set. Seed is only honoured on create.
type JoinRequest struct {
	RoomID domain.RoomID `json:"roomId,omitempty"`
	Seed   *int64        `json:"seed,omitempty"`
	Create bool          `json:"create,omitempty"`
}

type JoinAccepted struct {
	RoomID   domain.RoomID           `json:"roomId"`
	Seed     int64                   `json:"seed"`
	Self     domain.IdentityID       `json:"self"`
	Host     domain.IdentityID       `json:"host"`
	State    domain.RoomState        `json:"state"`
	Members  []domain.Identity       `json:"members"`
	Entities []domain.EntitySnapshot `json:"entities,omitempty"`
}

type JoinRejected struct {
	RoomID domain.RoomID `json:"roomId,omitempty"`
	Reason string        `json:"reason"`
}

type MemberJoined struct {
	Identity domain.Identity `json:"identity"`
}

type MemberLeft struct {
	IdentityID domain.IdentityID `json:"identityId"`
	Host       domain.IdentityID `json:"host,omitempty"`
}

// Fields is a sparse entity mutation. Nil pointers leave the field untouched.
type Fields struct {
	Kind     domain.EntityKind `json:"kind,omitempty"`
	Owner    domain.IdentityID `json:"owner,omitempty"`
	Position *domain.Vec       `json:"position,omitempty"`
	Facing   *domain.Facing    `json:"facing,omitempty"`
	HP       *int              `json:"hp,omitempty"`
}

type Delta struct {
	Tick     uint64          `json:"tick"`
	EntityID domain.EntityID `json:"entityId"`
	Fields   Fields          `json:"fields"`
}

type Ack struct {
	EventID string `json:"eventId"`
}

type Leave struct{}

type Ping struct {
	Sent int64 `json:"sent"`
}

type Pong struct {
	Sent   int64 `json:"sent"`
	Server int64 `json:"server"`
}

type Error struct {
	Error string `json:"error"`
}

type RTCSession struct {
	SDP string `json:"sdp"`
}

type RTCCandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}
