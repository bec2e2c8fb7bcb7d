package core

import (
	"sync"

	"github.com/dkeye/Delve/internal/domain"
)

// memberSession implements MemberSession by pairing meta + transport.
type memberSession struct {
	meta   *domain.Member
	signal SignalConnection

	mu   sync.RWMutex
	data SignalConnection
}

func NewMemberSession(meta *domain.Member, signal SignalConnection) MemberSession {
	return &memberSession{meta: meta, signal: signal}
}

func (m *memberSession) Meta() *domain.Member     { return m.meta }
func (m *memberSession) Signal() SignalConnection { return m.signal }

func (m *memberSession) Data() SignalConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data
}

func (m *memberSession) UpdateData(c SignalConnection) MemberSession {
	m.mu.Lock()
	old := m.data
	m.data = c
	m.mu.Unlock()
	if old != nil && old != c {
		old.Close()
	}
	return m
}

// Deliver prefers the data channel for deltas and falls back to the signal
// connection when the channel is missing or refuses the frame.
func (m *memberSession) Deliver(ob Outbound) error {
	if ob.Delivery == Coalescable {
		if dc := m.Data(); dc != nil {
			if err := dc.TrySend(ob); err == nil {
				return nil
			}
		}
	}
	return m.signal.TrySend(ob)
}
