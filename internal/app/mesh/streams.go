package mesh

import (
	"sync"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// RemoteStream is the media delivered by one live connection.
type RemoteStream struct {
	peer domain.PeerID

	mu     sync.RWMutex
	tracks []*webrtc.TrackRemote
}

func NewRemoteStream(peer domain.PeerID) *RemoteStream {
	return &RemoteStream{peer: peer}
}

func (s *RemoteStream) PeerID() domain.PeerID { return s.peer }

func (s *RemoteStream) AddTrack(t *webrtc.TrackRemote) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*webrtc.TrackRemote, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// StreamRegistry projects live connections onto their remote streams.
// Entries are written by the coordinator and removed by PeerRegistry.Dispose.
type StreamRegistry struct {
	mu      sync.RWMutex
	streams map[domain.PeerID]*RemoteStream
}

func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{streams: make(map[domain.PeerID]*RemoteStream)}
}

func (r *StreamRegistry) Set(id domain.PeerID, s *RemoteStream) {
	r.mu.Lock()
	r.streams[id] = s
	r.mu.Unlock()
}

func (r *StreamRegistry) Get(id domain.PeerID) (*RemoteStream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.streams[id]
	return s, ok
}

func (r *StreamRegistry) Remove(id domain.PeerID) {
	r.mu.Lock()
	delete(r.streams, id)
	r.mu.Unlock()
}

func (r *StreamRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}
