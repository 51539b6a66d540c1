package core

import (
	"sync"

	"github.com/dkeye/voicemesh/internal/domain"
)

// memberSession implements MemberSession by pairing meta + transport.
type memberSession struct {
	mu     sync.RWMutex
	meta   domain.Member
	signal SignalConnection
}

func NewMemberSession(meta domain.Member) MemberSession {
	return &memberSession{meta: meta}
}

func (m *memberSession) Meta() domain.Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta
}

// UpdateMeta applies fn to a scratch copy and keeps it only if fn succeeds.
func (m *memberSession) UpdateMeta(fn func(*domain.Member) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.meta
	if err := fn(&next); err != nil {
		return err
	}
	m.meta = next
	return nil
}

func (m *memberSession) Signal() SignalConnection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signal
}

func (m *memberSession) UpdateSignal(sc SignalConnection) MemberSession {
	m.mu.Lock()
	m.signal = sc
	m.mu.Unlock()
	return m
}
