package mesh

import (
	"errors"
	"fmt"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

var ErrCoordinatorStopped = errors.New("coordinator stopped")

// NegotiationError: malformed or unexpected offer/answer sequence. The
// offending connection is disposed.
type NegotiationError struct {
	Peer domain.PeerID
	Op   string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation with %s: %s: %v", e.Peer, e.Op, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }

// DeliveryError: the transport refused a signaling message. Logged only.
type DeliveryError struct {
	Peer  domain.PeerID
	Event domain.SignalEvent
	Err   error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", e.Event, e.Peer, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ConnectivityError: ICE or DTLS failed. The connection is disposed and not
// retried.
type ConnectivityError struct {
	Peer  domain.PeerID
	State webrtc.PeerConnectionState
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("transport to %s: %s", e.Peer, e.State)
}
