package mesh

import (
	"errors"
	"fmt"
	"sort"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// candidateQueue holds remote ICE candidates until a remote description is
// applied. When full the oldest candidate is dropped.
type candidateQueue struct {
	items   []webrtc.ICECandidateInit
	limit   int
	dropped int
}

func newCandidateQueue(limit int) *candidateQueue {
	return &candidateQueue{limit: limit}
}

func (q *candidateQueue) push(c webrtc.ICECandidateInit) {
	if q.limit > 0 && len(q.items) >= q.limit {
		q.items = q.items[1:]
		q.dropped++
	}
	q.items = append(q.items, c)
}

func (q *candidateQueue) drain() []webrtc.ICECandidateInit {
	out := q.items
	q.items = nil
	return out
}

func (q *candidateQueue) Len() int { return len(q.items) }

// PeerConnection is the coordinator's record of one remote peer. All fields
// are owned by the coordinator goroutine.
type PeerConnection struct {
	id    domain.PeerID
	conn  core.MediaConnection
	state State

	// local tracks currently sent, by track id
	senders map[string]*webrtc.RTPSender
	kinds   map[string]webrtc.RTPCodecType

	pending    *candidateQueue
	remoteSet  bool
	negotiated bool
	// renegotiate is set when tracks change during an in-flight exchange.
	renegotiate bool
	heldTracks  []*webrtc.TrackRemote
}

func newPeerConnection(id domain.PeerID, conn core.MediaConnection, candidateCap int) *PeerConnection {
	return &PeerConnection{
		id:      id,
		conn:    conn,
		state:   StateNew,
		senders: make(map[string]*webrtc.RTPSender),
		kinds:   make(map[string]webrtc.RTPCodecType),
		pending: newCandidateQueue(candidateCap),
	}
}

func (p *PeerConnection) PeerID() domain.PeerID { return p.id }
func (p *PeerConnection) State() State          { return p.state }

func (p *PeerConnection) PendingCandidates() int { return p.pending.Len() }

// LocalTrackKinds lists the kinds of local tracks currently attached.
func (p *PeerConnection) LocalTrackKinds() []webrtc.RTPCodecType {
	seen := make(map[webrtc.RTPCodecType]struct{}, len(p.kinds))
	out := make([]webrtc.RTPCodecType, 0, len(p.kinds))
	for _, k := range p.kinds {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (p *PeerConnection) transition(to State) error {
	if !p.state.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, p.state, to)
	}
	p.state = to
	return nil
}

// attach adds every track not yet sent and returns how many were added.
func (p *PeerConnection) attach(tracks []webrtc.TrackLocal) (int, error) {
	added := 0
	for _, t := range tracks {
		if _, ok := p.senders[t.ID()]; ok {
			continue
		}
		sender, err := p.conn.AddLocalTrack(t)
		if err != nil {
			return added, fmt.Errorf("add track %s: %w", t.ID(), err)
		}
		p.senders[t.ID()] = sender
		p.kinds[t.ID()] = t.Kind()
		added++
	}
	return added, nil
}

// detach stops sending every local track. The connection stays up.
func (p *PeerConnection) detach() error {
	var errs []error
	for id, sender := range p.senders {
		if err := p.conn.RemoveLocalTrack(sender); err != nil {
			errs = append(errs, fmt.Errorf("remove track %s: %w", id, err))
		}
		delete(p.senders, id)
		delete(p.kinds, id)
	}
	return errors.Join(errs...)
}

func (p *PeerConnection) queueCandidate(c webrtc.ICECandidateInit) { p.pending.push(c) }

// applyRemote sets the remote description and then flushes queued
// candidates in arrival order. Candidate errors are returned separately
// because they never fail the negotiation.
func (p *PeerConnection) applyRemote(desc webrtc.SessionDescription) (candidateErrs []error, err error) {
	if err := p.conn.SetRemoteDescription(desc); err != nil {
		return nil, err
	}
	p.remoteSet = true
	for _, c := range p.pending.drain() {
		if err := p.conn.AddICECandidate(c); err != nil {
			candidateErrs = append(candidateErrs, err)
		}
	}
	return candidateErrs, nil
}

// close is idempotent.
func (p *PeerConnection) close() error {
	if p.state == StateClosed {
		return nil
	}
	p.state = StateClosed
	p.pending.drain()
	p.heldTracks = nil
	return p.conn.Close()
}
