package mesh

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const DefaultCandidateCap = 64

// PeerRegistry owns at most one PeerConnection per remote peer. The only
// way in is Ensure.
type PeerRegistry struct {
	factory      core.MediaConnectionFactory
	streams      *StreamRegistry
	localTracks  func() []webrtc.TrackLocal
	candidateCap int

	mu      sync.RWMutex
	peers   map[domain.PeerID]*PeerConnection
	orphans map[domain.PeerID]*candidateQueue
	bind    func(*PeerConnection)
}

// NewPeerRegistry wires the registry. localTracks returns the tracks to send
// on new connections, nil when the local user is not broadcasting.
func NewPeerRegistry(
	factory core.MediaConnectionFactory,
	streams *StreamRegistry,
	localTracks func() []webrtc.TrackLocal,
	candidateCap int,
) *PeerRegistry {
	if candidateCap <= 0 {
		candidateCap = DefaultCandidateCap
	}
	if localTracks == nil {
		localTracks = func() []webrtc.TrackLocal { return nil }
	}
	return &PeerRegistry{
		factory:      factory,
		streams:      streams,
		localTracks:  localTracks,
		candidateCap: candidateCap,
		peers:        make(map[domain.PeerID]*PeerConnection),
		orphans:      make(map[domain.PeerID]*candidateQueue),
	}
}

// OnCreate registers fn to wire callbacks of every new connection before it
// starts.
func (r *PeerRegistry) OnCreate(fn func(*PeerConnection)) {
	r.mu.Lock()
	r.bind = fn
	r.mu.Unlock()
}

// Ensure returns the connection for id, creating it in StateNew when
// missing. created reports whether a new connection was built.
func (r *PeerRegistry) Ensure(ctx context.Context, id domain.PeerID) (pc *PeerConnection, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pc, ok := r.peers[id]; ok {
		return pc, false, nil
	}

	conn, err := r.factory.NewMediaConnection(id)
	if err != nil {
		return nil, false, fmt.Errorf("new media connection: %w", err)
	}
	pc = newPeerConnection(id, conn, r.candidateCap)
	if r.bind != nil {
		r.bind(pc)
	}
	if err := conn.Start(ctx); err != nil {
		_ = pc.close()
		return nil, false, fmt.Errorf("start media connection: %w", err)
	}
	if tracks := r.localTracks(); len(tracks) > 0 {
		if _, err := pc.attach(tracks); err != nil {
			_ = pc.close()
			return nil, false, err
		}
	}
	if q, ok := r.orphans[id]; ok {
		for _, c := range q.drain() {
			pc.queueCandidate(c)
		}
		delete(r.orphans, id)
	}
	r.peers[id] = pc
	log.Info().Str("module", "mesh.registry").Str("peer", string(id)).Int("tracks", len(pc.senders)).Int("pending_candidates", pc.pending.Len()).Msg("connection created")
	return pc, true, nil
}

func (r *PeerRegistry) Get(id domain.PeerID) (*PeerConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pc, ok := r.peers[id]
	return pc, ok
}

// Dispose closes and forgets the connection for id together with its remote
// stream and queued candidates. Missing ids are a no-op.
func (r *PeerRegistry) Dispose(id domain.PeerID) {
	r.mu.Lock()
	pc, ok := r.peers[id]
	delete(r.peers, id)
	delete(r.orphans, id)
	r.mu.Unlock()

	if r.streams != nil {
		r.streams.Remove(id)
	}
	if !ok {
		return
	}
	if err := pc.close(); err != nil {
		log.Warn().Err(err).Str("module", "mesh.registry").Str("peer", string(id)).Msg("close connection")
	}
	log.Info().Str("module", "mesh.registry").Str("peer", string(id)).Msg("connection disposed")
}

func (r *PeerRegistry) DisposeAll() {
	for _, id := range r.IDs() {
		r.Dispose(id)
	}
	r.mu.Lock()
	clear(r.orphans)
	r.mu.Unlock()
}

// StashCandidate keeps a candidate for a peer that has no connection yet.
func (r *PeerRegistry) StashCandidate(id domain.PeerID, c webrtc.ICECandidateInit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if pc, ok := r.peers[id]; ok {
		pc.queueCandidate(c)
		return
	}
	q, ok := r.orphans[id]
	if !ok {
		q = newCandidateQueue(r.candidateCap)
		r.orphans[id] = q
	}
	q.push(c)
}

func (r *PeerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// IDs returns the peers with a connection, sorted.
func (r *PeerRegistry) IDs() []domain.PeerID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.PeerID, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
