package world

import (
	"slices"
	"strings"

	"github.com/dkeye/Delve/internal/domain"
)

// Snapshot is an immutable copy of the model for render consumption.
type Snapshot struct {
	Seed     int64
	Members  []domain.IdentityID
	Entities []domain.EntitySnapshot
}

func (s Snapshot) Get(id domain.EntityID) (domain.EntitySnapshot, bool) {
	i, ok := slices.BinarySearchFunc(s.Entities, id, func(e domain.EntitySnapshot, id domain.EntityID) int {
		return strings.Compare(string(e.ID), string(id))
	})
	if !ok {
		return domain.EntitySnapshot{}, false
	}
	return s.Entities[i], true
}

func (s Snapshot) OfKind(kind domain.EntityKind) []domain.EntitySnapshot {
	var out []domain.EntitySnapshot
	for _, e := range s.Entities {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (m *Model) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := Snapshot{
		Seed:     m.seed,
		Members:  make([]domain.IdentityID, 0, len(m.members)),
		Entities: make([]domain.EntitySnapshot, 0, len(m.entities)),
	}
	for id := range m.members {
		s.Members = append(s.Members, id)
	}
	for _, e := range m.entities {
		s.Entities = append(s.Entities, *e)
	}
	slices.Sort(s.Members)
	slices.SortFunc(s.Entities, func(a, b domain.EntitySnapshot) int {
		return strings.Compare(string(a.ID), string(b.ID))
	})
	return s
}
