package proto

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/dkeye/Delve/internal/domain"
)

var ErrMalformed = errors.New("malformed envelope")

// New wraps payload into an envelope of type t.
func New(t Type, roomID domain.RoomID, payload any) (Envelope, error) {
	env := Envelope{Type: t, RoomID: roomID}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	env.Payload = raw
	return env, nil
}

func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// Marshal is New followed by Encode.
func Marshal(t Type, roomID domain.RoomID, payload any) ([]byte, error) {
	env, err := New(t, roomID, payload)
	if err != nil {
		return nil, err
	}
	return Encode(env)
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// PayloadAs decodes the envelope payload into T. An absent payload yields
// the zero value.
func PayloadAs[T any](env Envelope) (T, error) {
	var out T
	if len(env.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(env.Payload, &out); err != nil {
		return out, fmt.Errorf("%w: %s payload: %v", ErrMalformed, env.Type, err)
	}
	return out, nil
}
