package core

import (
	"slices"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Delve/internal/domain"
)

// roomImpl is a threadsafe in-memory room.
// It never closes adapter-owned resources.
type roomImpl struct {
	id   domain.RoomID
	mu   sync.RWMutex
	byID map[domain.IdentityID]MemberSession
}

func NewRoomService(id domain.RoomID) RoomService {
	return &roomImpl{
		id:   id,
		byID: make(map[domain.IdentityID]MemberSession),
	}
}

func (r *roomImpl) ID() domain.RoomID { return r.id }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

func (r *roomImpl) Member(id domain.IdentityID) (MemberSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ms, ok := r.byID[id]
	return ms, ok
}

func (r *roomImpl) AddMember(ms MemberSession) {
	id := ms.Meta().Identity.ID
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[id] = ms
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("identity", string(id)).Msg("member added")
}

func (r *roomImpl) RemoveMember(id domain.IdentityID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	log.Info().Str("module", "core.room").Str("room", string(r.id)).Str("identity", string(id)).Msg("member removed")
}

func (r *roomImpl) Broadcast(from domain.IdentityID, ob Outbound) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for id, m := range r.byID {
		if id == from {
			continue
		}
		if err := m.Deliver(ob); err != nil {
			res.Dropped = append(res.Dropped, m)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.room").Str("from", string(from)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

func (r *roomImpl) MembersSnapshot() []domain.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Identity, 0, len(r.byID))
	for _, ms := range r.byID {
		out = append(out, *ms.Meta().Identity)
	}
	slices.SortFunc(out, func(a, b domain.Identity) int {
		switch {
		case a.JoinedAtTick < b.JoinedAtTick:
			return -1
		case a.JoinedAtTick > b.JoinedAtTick:
			return 1
		}
		return 0
	})
	return out
}
