package playout

import (
	"context"
	"sort"
	"sync"

	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/rs/zerolog/log"
)

// Manager keeps one sink per remote peer.
type Manager struct {
	mu    sync.RWMutex
	sinks map[domain.PeerID]*Sink
}

func NewManager() *Manager {
	return &Manager{sinks: make(map[domain.PeerID]*Sink)}
}

// Start drains track for peer, replacing any previous sink of that peer.
func (m *Manager) Start(ctx context.Context, peer domain.PeerID, track TrackReader) *Sink {
	logger := log.With().
		Str("module", "playout").
		Str("peer", string(peer)).
		Str("track", track.ID()).
		Logger()

	sinkCtx, cancel := context.WithCancel(ctx)
	sink := newSink(track, cancel)

	m.mu.Lock()
	if old, ok := m.sinks[peer]; ok {
		logger.Info().Msg("replacing existing sink")
		old.cancel()
	}
	m.sinks[peer] = sink
	m.mu.Unlock()

	logger.Info().Str("codec", track.Codec().MimeType).Msg("starting sink")
	go sink.loop(sinkCtx, &logger)
	return sink
}

// Running reports whether peer has a sink reading track.
func (m *Manager) Running(peer domain.PeerID, trackID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sinks[peer]
	return ok && s.src.ID() == trackID && s.state.Get() != SinkStopped
}

// Stop cancels the sink of peer. The loop exits once the pending read
// returns, which happens when the owning connection closes.
func (m *Manager) Stop(peer domain.PeerID) {
	m.mu.Lock()
	s, ok := m.sinks[peer]
	delete(m.sinks, peer)
	m.mu.Unlock()
	if !ok {
		return
	}
	s.cancel()
	s.state.Set(SinkStopped)
}

func (m *Manager) StopAll() {
	for _, id := range m.Peers() {
		m.Stop(id)
	}
}

// Retain stops every sink whose peer is not in keep.
func (m *Manager) Retain(keep map[domain.PeerID]bool) {
	for _, id := range m.Peers() {
		if !keep[id] {
			m.Stop(id)
		}
	}
}

func (m *Manager) Sink(peer domain.PeerID) (*Sink, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sinks[peer]
	return s, ok
}

func (m *Manager) Peers() []domain.PeerID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.PeerID, 0, len(m.sinks))
	for id := range m.sinks {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
