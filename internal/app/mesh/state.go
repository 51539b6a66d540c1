package mesh

import (
	"errors"
	"fmt"
)

var ErrIllegalTransition = errors.New("illegal state transition")

// State is the negotiation state of one PeerConnection.
type State int

const (
	StateNew State = iota
	StateOffering
	StateAwaitingAnswer
	StateAnswering
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateOffering:
		return "offering"
	case StateAwaitingAnswer:
		return "awaiting-answer"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists every legal edge. Closed is reachable from any
// non-terminal state; Connected re-enters negotiation on renegotiation.
// A glared offer is never taken back: its connection is replaced.
var transitions = map[State][]State{
	StateNew:            {StateOffering, StateAnswering, StateClosed},
	StateOffering:       {StateAwaitingAnswer, StateConnected, StateClosed},
	StateAwaitingAnswer: {StateConnected, StateClosed},
	StateAnswering:      {StateConnected, StateClosed},
	StateConnected:      {StateOffering, StateAnswering, StateClosed},
	StateClosed:         nil,
}

func (s State) CanTransition(to State) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Negotiating reports whether an offer/answer exchange is in flight.
func (s State) Negotiating() bool {
	return s == StateOffering || s == StateAwaitingAnswer || s == StateAnswering
}
