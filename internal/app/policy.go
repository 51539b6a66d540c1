package app

import (
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
)

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

func (a BackpressureAction) String() string {
	switch a {
	case NoAction:
		return "none"
	case MarkSlow:
		return "mark-slow"
	case KickMember:
		return "kick"
	case DropFrame:
		return "drop"
	default:
		return "unknown"
	}
}

// Policy decides what happens to a member whose send queue is full.
type Policy interface {
	OnBackPressure(room core.RoomService, member core.MemberSession) BackpressureAction
}

// SimplePolicy kicks on the first overflow.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(core.RoomService, core.MemberSession) BackpressureAction {
	return KickMember
}

// TolerantPolicy drops frames for a member until it has overflowed Limit
// times, then kicks it.
type TolerantPolicy struct {
	Limit int

	mu     sync.Mutex
	misses map[core.MemberSession]int
}

func NewTolerantPolicy(limit int) *TolerantPolicy {
	return &TolerantPolicy{Limit: limit, misses: make(map[core.MemberSession]int)}
}

func (p *TolerantPolicy) OnBackPressure(_ core.RoomService, member core.MemberSession) BackpressureAction {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.misses[member]++
	if p.misses[member] > p.Limit {
		delete(p.misses, member)
		return KickMember
	}
	return DropFrame
}

// Forget clears the overflow count of member.
func (p *TolerantPolicy) Forget(member core.MemberSession) {
	p.mu.Lock()
	delete(p.misses, member)
	p.mu.Unlock()
}
