package core

import (
	"errors"

	"github.com/dkeye/Delve/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// Frame is an encoded envelope.
type Frame []byte

// Delivery decides what a slow member's queue may throw away.
type Delivery int

const (
	// Control frames (join replies, pongs) are bounded but never coalesced.
	Control Delivery = iota
	// Coalescable frames are entity deltas keyed by entity id; a later frame
	// for the same key supersedes earlier ones.
	Coalescable
	// Reliable frames are events keyed by event id, retained until acked.
	Reliable
)

type Outbound struct {
	Delivery Delivery
	Key      string
	Frame    Frame
}

func ControlFrame(f Frame) Outbound { return Outbound{Delivery: Control, Frame: f} }

func DeltaFrame(entity domain.EntityID, f Frame) Outbound {
	return Outbound{Delivery: Coalescable, Key: string(entity), Frame: f}
}

func EventFrame(eventID string, f Frame) Outbound {
	return Outbound{Delivery: Reliable, Key: eventID, Frame: f}
}

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Outbound) error
	// Ack releases a reliable frame.
	Ack(eventID string)
	// Unacked counts reliable frames not yet acknowledged.
	Unacked() int
	Close()
}
