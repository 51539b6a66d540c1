package core

import (
	"context"

	"github.com/dkeye/voicemesh/internal/domain"
)

type PresenceKind int

const (
	PresenceJoin PresenceKind = iota
	PresenceLeave
	PresenceUpdate
)

func (k PresenceKind) String() string {
	switch k {
	case PresenceJoin:
		return "join"
	case PresenceLeave:
		return "leave"
	case PresenceUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// Presence reports who is in the room.
type Presence interface {
	Sync(ctx context.Context) ([]domain.Member, error)
	On(kind PresenceKind, fn func(domain.Member))
	PublishSelf(ctx context.Context, self domain.Member) error
}

// Broadcast delivers signaling messages to every room member.
type Broadcast interface {
	Send(ctx context.Context, event domain.SignalEvent, s domain.Signal) error
	On(event domain.SignalEvent, fn func(domain.Signal))
}

// SignalingTransport is the pub/sub channel a room session runs on.
type SignalingTransport interface {
	Presence() Presence
	Broadcast() Broadcast
}
