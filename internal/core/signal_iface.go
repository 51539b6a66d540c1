package core

import "github.com/dkeye/voicemesh/internal/wire"

// SignalConnection abstracts for a system messaging transport
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(wire.Frame) error
	Close()
}
