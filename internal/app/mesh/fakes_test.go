package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/voicemesh/internal/app/media"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
)

// fakeConn records every call made by the coordinator.
type fakeConn struct {
	peer domain.PeerID

	mu         sync.Mutex
	calls      []string
	candidates []string
	tracks     int
	closed     int
	offers     int
	failRemote error

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState func(webrtc.PeerConnectionState)
}

func (f *fakeConn) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeConn) Start(context.Context) error { f.record("start"); return nil }

func (f *fakeConn) Close() error {
	f.mu.Lock()
	f.closed++
	f.calls = append(f.calls, "close")
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	f.offers++
	n := f.offers
	f.calls = append(f.calls, "offer")
	f.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer-%s-%d", f.peer, n)}, nil
}

func (f *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	f.record("answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + string(f.peer)}, nil
}

func (f *fakeConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.record("remote:" + d.Type.String())
	return f.failRemote
}

func (f *fakeConn) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	f.candidates = append(f.candidates, c.Candidate)
	f.calls = append(f.calls, "candidate")
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) AddLocalTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	f.mu.Lock()
	f.tracks++
	f.calls = append(f.calls, "add-track")
	f.mu.Unlock()
	return &webrtc.RTPSender{}, nil
}

func (f *fakeConn) RemoveLocalTrack(*webrtc.RTPSender) error {
	f.mu.Lock()
	f.tracks--
	f.calls = append(f.calls, "remove-track")
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) { f.onICE = fn }

func (f *fakeConn) OnTrack(fn func(context.Context, *webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.onTrack = fn
}

func (f *fakeConn) OnStateChange(fn func(webrtc.PeerConnectionState)) { f.onState = fn }

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed > 0
}

func (f *fakeConn) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeConn) Candidates() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.candidates...)
}

func (f *fakeConn) count(call string) int {
	n := 0
	for _, c := range f.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

type fakeFactory struct {
	mu    sync.Mutex
	conns map[domain.PeerID][]*fakeConn
	err   error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{conns: make(map[domain.PeerID][]*fakeConn)}
}

func (f *fakeFactory) NewMediaConnection(peer domain.PeerID) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{peer: peer}
	f.conns[peer] = append(f.conns[peer], c)
	return c, nil
}

func (f *fakeFactory) created(peer domain.PeerID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[peer])
}

// last returns the newest connection built for peer.
func (f *fakeFactory) last(t *testing.T, peer domain.PeerID) *fakeConn {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.conns[peer]
	if len(cs) == 0 {
		t.Fatalf("no connection created for %s", peer)
	}
	return cs[len(cs)-1]
}

type fakePresence struct {
	mu        sync.Mutex
	members   []domain.Member
	handlers  map[core.PresenceKind][]func(domain.Member)
	published []domain.Member
}

func (p *fakePresence) Sync(context.Context) ([]domain.Member, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Member(nil), p.members...), nil
}

func (p *fakePresence) On(kind core.PresenceKind, fn func(domain.Member)) {
	p.mu.Lock()
	p.handlers[kind] = append(p.handlers[kind], fn)
	p.mu.Unlock()
}

func (p *fakePresence) PublishSelf(_ context.Context, self domain.Member) error {
	p.mu.Lock()
	p.published = append(p.published, self)
	p.mu.Unlock()
	return nil
}

func (p *fakePresence) emit(kind core.PresenceKind, m domain.Member) {
	p.mu.Lock()
	hs := append(([]func(domain.Member))(nil), p.handlers[kind]...)
	p.mu.Unlock()
	for _, h := range hs {
		h(m)
	}
}

func (p *fakePresence) lastPublished() (domain.Member, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.published) == 0 {
		return domain.Member{}, false
	}
	return p.published[len(p.published)-1], true
}

type fakeBroadcast struct {
	mu       sync.Mutex
	handlers map[domain.SignalEvent][]func(domain.Signal)
	sent     []domain.Signal
	err      error
	// deliver, when set, forwards outgoing signals to other transports.
	deliver func(domain.Signal)
}

func (b *fakeBroadcast) Send(_ context.Context, event domain.SignalEvent, s domain.Signal) error {
	b.mu.Lock()
	if b.err != nil {
		b.mu.Unlock()
		return b.err
	}
	s.Event = event
	b.sent = append(b.sent, s)
	deliver := b.deliver
	b.mu.Unlock()
	if deliver != nil {
		deliver(s)
	}
	return nil
}

func (b *fakeBroadcast) On(event domain.SignalEvent, fn func(domain.Signal)) {
	b.mu.Lock()
	b.handlers[event] = append(b.handlers[event], fn)
	b.mu.Unlock()
}

func (b *fakeBroadcast) emit(s domain.Signal) {
	b.mu.Lock()
	hs := append(([]func(domain.Signal))(nil), b.handlers[s.Event]...)
	b.mu.Unlock()
	for _, h := range hs {
		h(s)
	}
}

// sentTo filters outgoing signals by event and recipient.
func (b *fakeBroadcast) sentTo(event domain.SignalEvent, to domain.PeerID) []domain.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Signal
	for _, s := range b.sent {
		if s.Event == event && s.To == to {
			out = append(out, s)
		}
	}
	return out
}

type fakeTransport struct {
	presence  *fakePresence
	broadcast *fakeBroadcast
}

func newFakeTransport(members ...domain.Member) *fakeTransport {
	return &fakeTransport{
		presence: &fakePresence{
			members:  members,
			handlers: make(map[core.PresenceKind][]func(domain.Member)),
		},
		broadcast: &fakeBroadcast{handlers: make(map[domain.SignalEvent][]func(domain.Signal))},
	}
}

func (t *fakeTransport) Presence() core.Presence   { return t.presence }
func (t *fakeTransport) Broadcast() core.Broadcast { return t.broadcast }

// fakeSource hands out a stream with a single real local audio track.
type fakeSource struct {
	err      error
	acquired int
	stopped  int
	mu       sync.Mutex
}

func (s *fakeSource) Acquire(context.Context, media.Constraints) (*media.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.acquired++
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "local",
	)
	if err != nil {
		return nil, err
	}
	return media.NewStream("local", []webrtc.TrackLocal{track}, nil, func() {
		s.mu.Lock()
		s.stopped++
		s.mu.Unlock()
	}), nil
}

type harness struct {
	t         *testing.T
	c         *Coordinator
	transport *fakeTransport
	factory   *fakeFactory
	source    *fakeSource
	cancel    context.CancelFunc
	runErr    chan error
}

func member(id string) domain.Member {
	return domain.Member{PeerID: domain.PeerID(id), DisplayName: id}
}

// startHarness runs a coordinator for self with the given members already
// present in the room.
func startHarness(t *testing.T, self string, members ...domain.Member) *harness {
	t.Helper()
	factory, source := newFakeFactory(), &fakeSource{}
	h := runHarness(t, self, factory, source, members...)
	h.factory, h.source = factory, source
	return h
}

// runHarness is startHarness with the media side supplied by the caller.
func runHarness(
	t *testing.T,
	self string,
	factory core.MediaConnectionFactory,
	source media.DeviceSource,
	members ...domain.Member,
) *harness {
	t.Helper()
	tr := newFakeTransport(members...)
	h := &harness{
		t:         t,
		transport: tr,
		runErr:    make(chan error, 1),
	}
	h.c = NewCoordinator(Config{
		Self:      member(self),
		Transport: tr,
		Factory:   factory,
		Capture:   media.NewCaptureController(source),
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.runErr <- h.c.Run(ctx) }()
	h.settle()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.runErr:
		case <-time.After(2 * time.Second):
			t.Error("coordinator did not stop")
		}
	})
	return h
}

func (h *harness) ctx() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	h.t.Cleanup(cancel)
	return ctx
}

func (h *harness) settle() {
	h.t.Helper()
	if err := h.c.settle(h.ctx()); err != nil {
		h.t.Fatalf("settle: %v", err)
	}
}

func (h *harness) signal(s domain.Signal) {
	h.transport.broadcast.emit(s)
	h.settle()
}

func (h *harness) presence(kind core.PresenceKind, m domain.Member) {
	h.transport.presence.emit(kind, m)
	h.settle()
}

func (h *harness) state(id string) (State, bool) {
	h.t.Helper()
	st, ok, err := h.c.PeerState(h.ctx(), domain.PeerID(id))
	if err != nil {
		h.t.Fatalf("peer state: %v", err)
	}
	return st, ok
}

func (h *harness) wantState(id string, want State) {
	h.t.Helper()
	st, ok := h.state(id)
	if !ok {
		h.t.Fatalf("no connection to %s, want %s", id, want)
	}
	if st != want {
		h.t.Fatalf("state of %s = %s, want %s", id, st, want)
	}
}

func (h *harness) wantNoConnection(id string) {
	h.t.Helper()
	if st, ok := h.state(id); ok {
		h.t.Fatalf("unexpected connection to %s in state %s", id, st)
	}
}

func (h *harness) startBroadcast() {
	h.t.Helper()
	if err := h.c.StartBroadcast(h.ctx()); err != nil {
		h.t.Fatalf("start broadcast: %v", err)
	}
}

var errSendRefused = errors.New("send refused")
