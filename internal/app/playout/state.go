package playout

import "sync/atomic"

type SinkState int32

const (
	SinkActive SinkState = iota
	SinkMuted
	SinkStopped
)

func (s SinkState) String() string {
	switch s {
	case SinkActive:
		return "active"
	case SinkMuted:
		return "muted"
	case SinkStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// sinkState is zero (SinkActive) by default.
type sinkState struct {
	v atomic.Int32
}

func (s *sinkState) Get() SinkState   { return SinkState(s.v.Load()) }
func (s *sinkState) Set(st SinkState) { s.v.Store(int32(st)) }
