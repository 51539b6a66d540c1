package core

import "github.com/dkeye/voicemesh/internal/domain"

type SessionID string

func (sid SessionID) PeerID() domain.PeerID { return domain.PeerID(sid) }

// MemberSession binds domain.Member and its transport endpoint.
// This is what a room stores and fans out to.
type MemberSession interface {
	// Meta returns a copy of the presence record.
	Meta() domain.Member
	UpdateMeta(fn func(*domain.Member) error) error
	Signal() SignalConnection
	UpdateSignal(SignalConnection) MemberSession
}
