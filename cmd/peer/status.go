package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voicemesh/internal/app/media"
	"github.com/dkeye/voicemesh/internal/app/mesh"
	"github.com/dkeye/voicemesh/internal/app/playout"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/domain"
)

type level struct {
	bits atomic.Uint64
}

func (l *level) set(v float64) { l.bits.Store(math.Float64bits(v)) }
func (l *level) get() float64  { return math.Float64frombits(l.bits.Load()) }

type meter struct {
	id  string
	sub *media.Subscription
	lvl level
}

// statusView plays out remote tracks and renders the room as a table.
type statusView struct {
	cfg     *config.PeerConfig
	coord   *mesh.Coordinator
	sinks   *playout.Manager
	monitor *media.LevelMonitor
	logger  zerolog.Logger

	// refreshing serializes sink starts between Run and Print.
	refreshing sync.Mutex

	mu     sync.Mutex
	meters map[domain.PeerID]*meter
	local  *meter
	last   string
}

func newStatusView(cfg *config.PeerConfig, coord *mesh.Coordinator, sinks *playout.Manager, monitor *media.LevelMonitor) *statusView {
	return &statusView{
		cfg:     cfg,
		coord:   coord,
		sinks:   sinks,
		monitor: monitor,
		logger:  log.With().Str("module", "peer.status").Logger(),
		meters:  make(map[domain.PeerID]*meter),
	}
}

// Run refreshes sinks and meters every status interval until ctx ends.
func (v *statusView) Run(ctx context.Context) {
	interval := v.cfg.StatusInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		parts, err := v.refresh(ctx)
		if err != nil {
			if ctx.Err() == nil {
				v.logger.Warn().Err(err).Msg("participants")
			}
			continue
		}
		if key := summary(parts); key != v.last {
			v.last = key
			v.render(parts)
		}
	}
}

// Print renders the current room immediately.
func (v *statusView) Print(ctx context.Context) {
	parts, err := v.refresh(ctx)
	if err != nil {
		v.logger.Warn().Err(err).Msg("participants")
		return
	}
	v.render(parts)
}

func (v *statusView) refresh(ctx context.Context) ([]mesh.Participant, error) {
	v.refreshing.Lock()
	defer v.refreshing.Unlock()
	parts, err := v.coord.Participants(ctx)
	if err != nil {
		return nil, err
	}
	keep := make(map[domain.PeerID]bool, len(parts))
	for _, p := range parts {
		track := audioTrack(p.Stream)
		if track == nil {
			continue
		}
		keep[p.PeerID] = true
		if v.sinks.Running(p.PeerID, track.ID()) {
			continue
		}
		sink := v.sinks.Start(ctx, p.PeerID, track)
		v.attach(p.PeerID, track.ID(), sink.Stream())
	}
	v.sinks.Retain(keep)
	v.prune(keep)
	v.syncLocal()
	return parts, nil
}

func (v *statusView) attach(peer domain.PeerID, id string, s *media.Stream) {
	m := &meter{id: id}
	m.sub = v.monitor.Attach(s, m.lvl.set)
	v.mu.Lock()
	old := v.meters[peer]
	v.meters[peer] = m
	v.mu.Unlock()
	if old != nil {
		v.monitor.Detach(old.sub)
	}
}

func (v *statusView) prune(keep map[domain.PeerID]bool) {
	var gone []*meter
	v.mu.Lock()
	for id, m := range v.meters {
		if !keep[id] {
			gone = append(gone, m)
			delete(v.meters, id)
		}
	}
	v.mu.Unlock()
	for _, m := range gone {
		v.monitor.Detach(m.sub)
	}
}

// syncLocal follows the local stream across broadcast restarts.
func (v *statusView) syncLocal() {
	s := v.coord.LocalStream()
	v.mu.Lock()
	cur := v.local
	switch {
	case s == nil && cur == nil:
		v.mu.Unlock()
		return
	case s != nil && cur != nil && cur.id == s.ID():
		v.mu.Unlock()
		return
	}
	v.local = nil
	if s != nil {
		m := &meter{id: s.ID()}
		m.sub = v.monitor.Attach(s, m.lvl.set)
		v.local = m
	}
	v.mu.Unlock()
	if cur != nil {
		v.monitor.Detach(cur.sub)
	}
}

func (v *statusView) levelOf(peer domain.PeerID) (float64, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, ok := v.meters[peer]
	if !ok {
		return 0, false
	}
	return m.lvl.get(), true
}

func (v *statusView) render(parts []mesh.Participant) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(fmt.Sprintf("room %s", v.cfg.Room))
	t.AppendHeader(table.Row{"Peer", "Name", "Broadcasting", "State", "Packets", "Level"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignLeft},
	})

	v.mu.Lock()
	local := v.local
	v.mu.Unlock()
	selfLevel := "-"
	if local != nil {
		selfLevel = bar(local.lvl.get())
	}
	t.AppendRow(table.Row{shortID(v.coord.Self()), v.cfg.DisplayName + " (you)", v.coord.IsBroadcasting(), "-", "-", selfLevel})
	t.AppendSeparator()

	for _, p := range parts {
		state := "-"
		if p.HasConnection {
			state = p.State.String()
		}
		packets := "-"
		if sink, ok := v.sinks.Sink(p.PeerID); ok {
			packets = fmt.Sprint(sink.Stats().Packets)
		}
		lvl := "-"
		if l, ok := v.levelOf(p.PeerID); ok {
			lvl = bar(l)
		}
		t.AppendRow(table.Row{shortID(p.PeerID), p.DisplayName, p.IsBroadcasting, state, packets, lvl})
	}
	t.Render()
}

// Close stops every sink and meter.
func (v *statusView) Close() {
	v.sinks.StopAll()
	v.mu.Lock()
	meters := make([]*meter, 0, len(v.meters)+1)
	for _, m := range v.meters {
		meters = append(meters, m)
	}
	if v.local != nil {
		meters = append(meters, v.local)
	}
	v.meters = make(map[domain.PeerID]*meter)
	v.local = nil
	v.mu.Unlock()
	for _, m := range meters {
		v.monitor.Detach(m.sub)
	}
}

func audioTrack(s *mesh.RemoteStream) *webrtc.TrackRemote {
	if s == nil {
		return nil
	}
	for _, t := range s.Tracks() {
		if t.Kind() == webrtc.RTPCodecTypeAudio {
			return t
		}
	}
	return nil
}

func summary(parts []mesh.Participant) string {
	var b strings.Builder
	for _, p := range parts {
		fmt.Fprintf(&b, "%s|%s|%t|%t|%d;", p.PeerID, p.DisplayName, p.IsBroadcasting, p.HasConnection, p.State)
	}
	return b.String()
}

func bar(l float64) string {
	const width = 10
	n := int(math.Round(l * width))
	n = min(max(n, 0), width)
	return strings.Repeat("#", n) + strings.Repeat(".", width-n) + fmt.Sprintf(" %.2f", l)
}

func shortID(id domain.PeerID) string {
	if len(id) > 8 {
		return string(id[:8])
	}
	return string(id)
}
