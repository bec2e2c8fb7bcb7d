package domain

import "errors"

var (
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrNotFound            = errors.New("identity not found")

	ErrTooManyRooms  = errors.New("too many rooms")
	ErrRoomNotFound  = errors.New("room not found")
	ErrRoomFull      = errors.New("room full")
	ErrRoomClosed    = errors.New("room closed")
	ErrNotMember     = errors.New("not a member of the room")
	ErrNotAuthorized = errors.New("not authorized for entity")
	ErrItemGone      = errors.New("item already gone")
)
