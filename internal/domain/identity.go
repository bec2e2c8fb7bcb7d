// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxDisplayNameLen  = 36
	DefaultDisplayName = "guest"
)

var ErrDisplayNameTooLong = errors.New("display name too long")

type IdentityID string

// Identity is one connected player. It lives exactly as long as the
// transport connection that registered it.
type Identity struct {
	ID           IdentityID `json:"id"`
	DisplayName  string     `json:"displayName"`
	JoinedAtTick uint64     `json:"joinedAtTick"`
}

// NewIdentity is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewIdentity(displayName string, tick uint64) (*Identity, error) {
	name, err := ValidateDisplayName(displayName)
	if err != nil {
		return nil, err
	}
	return &Identity{
		ID:           IdentityID(uuid.NewString()),
		DisplayName:  name,
		JoinedAtTick: tick,
	}, nil
}

// ValidateDisplayName returns the name to store. Blank names fall back to
// DefaultDisplayName.
func ValidateDisplayName(name string) (string, error) {
	if len(name) == 0 {
		return DefaultDisplayName, nil
	}
	if len(name) > MaxDisplayNameLen {
		return "", ErrDisplayNameTooLong
	}
	return name, nil
}
