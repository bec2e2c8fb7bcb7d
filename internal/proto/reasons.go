package proto

import (
	"errors"

	"github.com/dkeye/Delve/internal/domain"
)

const (
	ReasonRoomNotFound   = "room_not_found"
	ReasonRoomFull       = "room_full"
	ReasonRoomClosed     = "room_closed"
	ReasonTooManyRooms   = "too_many_rooms"
	ReasonNotMember      = "not_member"
	ReasonNotAuthorized  = "not_authorized"
	ReasonNotRegistered  = "not_registered"
	ReasonAlreadyHello   = "already_registered"
	ReasonItemGone       = "item_gone"
	ReasonTargetGone     = "target_gone"
	ReasonBadPayload     = "bad_payload"
	ReasonUnknownType    = "unknown_type"
	ReasonRateLimited    = "rate_limited"
	ReasonInvalidName    = "invalid_name"
	ReasonInternal       = "internal"
	ReasonTooManyUnacked = "too_many_unacked"
	ReasonShutdown       = "shutdown"
)

var reasonErrors = map[string]error{
	ReasonRoomNotFound:  domain.ErrRoomNotFound,
	ReasonRoomFull:      domain.ErrRoomFull,
	ReasonRoomClosed:    domain.ErrRoomClosed,
	ReasonTooManyRooms:  domain.ErrTooManyRooms,
	ReasonNotMember:     domain.ErrNotMember,
	ReasonNotAuthorized: domain.ErrNotAuthorized,
	ReasonItemGone:      domain.ErrItemGone,
}

// ReasonFor maps a domain error to its wire reason.
func ReasonFor(err error) string {
	for reason, target := range reasonErrors {
		if errors.Is(err, target) {
			return reason
		}
	}
	switch {
	case errors.Is(err, domain.ErrDisplayNameTooLong):
		return ReasonInvalidName
	case errors.Is(err, ErrMalformed):
		return ReasonBadPayload
	}
	return ReasonInternal
}

// ErrorFor is the inverse of ReasonFor for the reasons a client can act on.
func ErrorFor(reason string) error {
	if err, ok := reasonErrors[reason]; ok {
		return err
	}
	return errors.New(reason)
}
