// Package mesh drives one WebRTC connection per remote room member from
// presence and signaling events.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dkeye/voicemesh/internal/app/media"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultQueueSize = 256

var (
	errEmptySDP       = errors.New("empty sdp")
	errUnexpectedType = errors.New("unexpected sdp type")
	errNoCandidate    = errors.New("missing candidate")
)

type Config struct {
	Self         domain.Member
	Transport    core.SignalingTransport
	Factory      core.MediaConnectionFactory
	Capture      *media.CaptureController
	Constraints  media.Constraints
	CandidateCap int
	QueueSize    int
}

// Participant is the consumer view of one remote member.
type Participant struct {
	PeerID         domain.PeerID
	DisplayName    string
	AvatarRef      string
	IsBroadcasting bool
	HasConnection  bool
	State          State
	Stream         *RemoteStream
}

// Coordinator is the single actor of a room session. Presence events,
// inbound signals, connection callbacks and user actions all run on its
// goroutine in arrival order, so the state below needs no locking.
type Coordinator struct {
	self        domain.Member
	transport   core.SignalingTransport
	capture     *media.CaptureController
	constraints media.Constraints
	peers       *PeerRegistry
	streams     *StreamRegistry
	members     map[domain.PeerID]domain.Member
	stopping    bool

	events chan func(context.Context)
	done   chan struct{}
	logger zerolog.Logger
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Constraints == (media.Constraints{}) {
		cfg.Constraints = media.DefaultConstraints
	}
	c := &Coordinator{
		self:        cfg.Self,
		transport:   cfg.Transport,
		capture:     cfg.Capture,
		constraints: cfg.Constraints,
		streams:     NewStreamRegistry(),
		members:     make(map[domain.PeerID]domain.Member),
		events:      make(chan func(context.Context), cfg.QueueSize),
		done:        make(chan struct{}),
		logger:      log.With().Str("module", "mesh.coordinator").Str("self", string(cfg.Self.PeerID)).Logger(),
	}
	c.self.IsBroadcasting = false
	c.peers = NewPeerRegistry(cfg.Factory, c.streams, c.localTracks, cfg.CandidateCap)
	c.peers.OnCreate(c.bind)
	return c
}

func (c *Coordinator) Self() domain.PeerID { return c.self.PeerID }

// Run subscribes to the transport, loads the current membership and
// processes events until ctx ends or Leave is called. Every connection is
// disposed on the way out.
func (c *Coordinator) Run(ctx context.Context) error {
	defer close(c.done)

	presence := c.transport.Presence()
	presence.On(core.PresenceJoin, func(m domain.Member) {
		c.enqueue(func(ctx context.Context) { c.onJoin(ctx, m) })
	})
	presence.On(core.PresenceLeave, func(m domain.Member) {
		c.enqueue(func(context.Context) { c.onLeave(m) })
	})
	presence.On(core.PresenceUpdate, func(m domain.Member) {
		c.enqueue(func(ctx context.Context) { c.onUpdate(ctx, m) })
	})
	broadcast := c.transport.Broadcast()
	for _, ev := range []domain.SignalEvent{domain.EventOffer, domain.EventAnswer, domain.EventICECandidate} {
		broadcast.On(ev, func(s domain.Signal) {
			c.enqueue(func(ctx context.Context) { c.onSignal(ctx, s) })
		})
	}

	members, err := presence.Sync(ctx)
	if err != nil {
		return fmt.Errorf("presence sync: %w", err)
	}
	for _, m := range members {
		c.onJoin(ctx, m)
	}
	c.publishSelf(ctx)
	c.logger.Info().Int("members", len(c.members)).Msg("room session started")

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case fn := <-c.events:
			fn(ctx)
			if c.stopping {
				return nil
			}
		}
	}
}

func (c *Coordinator) enqueue(fn func(context.Context)) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

// submit runs fn on the actor and waits for it to finish.
func (c *Coordinator) submit(ctx context.Context, fn func(context.Context)) error {
	finished := make(chan struct{})
	wrapped := func(ctx context.Context) {
		defer close(finished)
		fn(ctx)
	}
	select {
	case c.events <- wrapped:
	case <-c.done:
		return ErrCoordinatorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrCoordinatorStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// settle waits until every event queued before the call has run.
func (c *Coordinator) settle(ctx context.Context) error {
	return c.submit(ctx, func(context.Context) {})
}

// IsBroadcasting is true exactly when LocalStream is non-nil.
func (c *Coordinator) IsBroadcasting() bool { return c.capture.IsCapturing() }

func (c *Coordinator) LocalStream() *media.Stream { return c.capture.Stream() }

// StartBroadcast acquires the capture device and then sends local tracks to
// every present member, creating connections where none exist.
func (c *Coordinator) StartBroadcast(ctx context.Context) error {
	if _, err := c.capture.Start(ctx, c.constraints); err != nil {
		return err
	}
	if err := c.submit(ctx, c.onBroadcastStarted); err != nil {
		c.capture.Stop()
		return err
	}
	return nil
}

// StopBroadcast detaches local tracks everywhere and releases the device.
// Connections stay up so remote streams keep flowing.
func (c *Coordinator) StopBroadcast(ctx context.Context) error {
	err := c.submit(ctx, c.onBroadcastStopped)
	c.capture.Stop()
	if errors.Is(err, ErrCoordinatorStopped) {
		return nil
	}
	return err
}

func (c *Coordinator) ToggleBroadcast(ctx context.Context) error {
	if c.IsBroadcasting() {
		return c.StopBroadcast(ctx)
	}
	return c.StartBroadcast(ctx)
}

// Leave disposes every connection, releases the device and stops Run.
func (c *Coordinator) Leave(ctx context.Context) error {
	err := c.submit(ctx, func(context.Context) {
		c.shutdown()
		c.stopping = true
	})
	c.capture.Stop()
	if errors.Is(err, ErrCoordinatorStopped) {
		return nil
	}
	return err
}

// Participants snapshots every remote member, sorted by peer id.
func (c *Coordinator) Participants(ctx context.Context) ([]Participant, error) {
	var out []Participant
	err := c.submit(ctx, func(context.Context) {
		for _, id := range c.memberIDs() {
			m := c.members[id]
			p := Participant{
				PeerID:         id,
				DisplayName:    m.DisplayName,
				AvatarRef:      m.AvatarRef,
				IsBroadcasting: m.IsBroadcasting,
			}
			if pc, ok := c.peers.Get(id); ok {
				p.HasConnection = true
				p.State = pc.State()
			}
			if s, ok := c.streams.Get(id); ok {
				p.Stream = s
			}
			out = append(out, p)
		}
	})
	return out, err
}

// PeerState reports the negotiation state of the connection to id.
func (c *Coordinator) PeerState(ctx context.Context, id domain.PeerID) (State, bool, error) {
	var (
		st State
		ok bool
	)
	err := c.submit(ctx, func(context.Context) {
		var pc *PeerConnection
		if pc, ok = c.peers.Get(id); ok {
			st = pc.State()
		}
	})
	return st, ok, err
}

func (c *Coordinator) localTracks() []webrtc.TrackLocal {
	if !c.self.IsBroadcasting {
		return nil
	}
	return c.capture.Tracks()
}

func (c *Coordinator) memberIDs() []domain.PeerID {
	ids := make([]domain.PeerID, 0, len(c.members))
	for id := range c.members {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c *Coordinator) publishSelf(ctx context.Context) {
	if err := c.transport.Presence().PublishSelf(ctx, c.self); err != nil {
		c.logger.Warn().Err(err).Msg("publish presence failed")
	}
}

func (c *Coordinator) shutdown() {
	c.peers.DisposeAll()
	clear(c.members)
	c.self.IsBroadcasting = false
	c.logger.Info().Msg("room session closed")
}

// live reports whether pc is still the registered connection for its peer.
// Callbacks of disposed connections must not touch state.
func (c *Coordinator) live(pc *PeerConnection) bool {
	cur, ok := c.peers.Get(pc.id)
	return ok && cur == pc && pc.state != StateClosed
}

func (c *Coordinator) fail(id domain.PeerID, err error) {
	c.logger.Warn().Err(err).Str("peer", string(id)).Msg("disposing connection")
	c.peers.Dispose(id)
}

func (c *Coordinator) send(ctx context.Context, s domain.Signal) {
	s.From = c.self.PeerID
	if err := c.transport.Broadcast().Send(ctx, s.Event, s); err != nil {
		derr := &DeliveryError{Peer: s.To, Event: s.Event, Err: err}
		c.logger.Warn().Err(derr).Str("peer", string(s.To)).Msg("signaling delivery failed")
	}
}

// bind wires the callbacks of a new connection into the event queue.
func (c *Coordinator) bind(pc *PeerConnection) {
	pc.conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		c.enqueue(func(ctx context.Context) {
			if !c.live(pc) {
				return
			}
			c.send(ctx, domain.Signal{Event: domain.EventICECandidate, To: pc.id, Candidate: toCandidate(ci)})
		})
	})
	pc.conn.OnTrack(func(_ context.Context, track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.enqueue(func(context.Context) { c.onRemoteTrack(pc, track) })
	})
	pc.conn.OnStateChange(func(s webrtc.PeerConnectionState) {
		if s != webrtc.PeerConnectionStateFailed && s != webrtc.PeerConnectionStateClosed {
			return
		}
		c.enqueue(func(context.Context) {
			if !c.live(pc) {
				return
			}
			c.fail(pc.id, &ConnectivityError{Peer: pc.id, State: s})
		})
	})
}

func (c *Coordinator) onJoin(ctx context.Context, m domain.Member) {
	if m.PeerID == c.self.PeerID {
		return
	}
	if err := m.PeerID.Validate(); err != nil {
		c.logger.Warn().Err(err).Msg("presence join with bad peer id")
		return
	}
	if _, known := c.members[m.PeerID]; !known {
		c.logger.Info().Str("peer", string(m.PeerID)).Str("name", m.DisplayName).Msg("member joined")
	}
	c.members[m.PeerID] = m
	if !c.self.IsBroadcasting {
		return
	}
	c.connect(ctx, m.PeerID)
}

func (c *Coordinator) onLeave(m domain.Member) {
	if m.PeerID == c.self.PeerID {
		return
	}
	delete(c.members, m.PeerID)
	c.peers.Dispose(m.PeerID)
	c.logger.Info().Str("peer", string(m.PeerID)).Msg("member left")
}

func (c *Coordinator) onUpdate(ctx context.Context, m domain.Member) {
	if m.PeerID == c.self.PeerID {
		return
	}
	if _, known := c.members[m.PeerID]; !known {
		c.onJoin(ctx, m)
		return
	}
	c.members[m.PeerID] = m
}

func (c *Coordinator) onBroadcastStarted(ctx context.Context) {
	if c.self.IsBroadcasting || !c.capture.IsCapturing() {
		return
	}
	c.self.IsBroadcasting = true
	c.publishSelf(ctx)
	for _, id := range c.memberIDs() {
		c.connect(ctx, id)
	}
	c.logger.Info().Int("connections", c.peers.Len()).Msg("broadcast started")
}

func (c *Coordinator) onBroadcastStopped(ctx context.Context) {
	if !c.self.IsBroadcasting {
		return
	}
	c.self.IsBroadcasting = false
	for _, id := range c.peers.IDs() {
		pc, ok := c.peers.Get(id)
		if !ok {
			continue
		}
		pc.renegotiate = false
		if err := pc.detach(); err != nil {
			c.logger.Warn().Err(err).Str("peer", string(id)).Msg("detach local tracks")
		}
	}
	c.publishSelf(ctx)
	c.logger.Info().Msg("broadcast stopped")
}

// connect makes sure id receives the local tracks. A new connection is
// offered right away; an existing one gets the missing tracks and
// renegotiates.
func (c *Coordinator) connect(ctx context.Context, id domain.PeerID) {
	pc, created, err := c.peers.Ensure(ctx, id)
	if err != nil {
		c.fail(id, &NegotiationError{Peer: id, Op: "create connection", Err: err})
		return
	}
	if created {
		c.offer(ctx, pc)
		return
	}
	added, err := pc.attach(c.localTracks())
	if err != nil {
		c.fail(id, &NegotiationError{Peer: id, Op: "attach tracks", Err: err})
		return
	}
	if added == 0 {
		return
	}
	switch {
	case pc.state == StateConnected:
		c.offer(ctx, pc)
	case pc.state.Negotiating():
		pc.renegotiate = true
	}
}

func (c *Coordinator) offer(ctx context.Context, pc *PeerConnection) {
	if err := pc.transition(StateOffering); err != nil {
		c.fail(pc.id, &NegotiationError{Peer: pc.id, Op: "offer", Err: err})
		return
	}
	desc, err := pc.conn.CreateOffer()
	if err != nil {
		c.fail(pc.id, &NegotiationError{Peer: pc.id, Op: "create offer", Err: err})
		return
	}
	if err := pc.transition(StateAwaitingAnswer); err != nil {
		c.fail(pc.id, &NegotiationError{Peer: pc.id, Op: "offer", Err: err})
		return
	}
	c.send(ctx, domain.Signal{Event: domain.EventOffer, To: pc.id, SDPType: desc.Type.String(), SDP: desc.SDP})
	c.logger.Debug().Str("peer", string(pc.id)).Msg("offer sent")
}

func (c *Coordinator) answer(ctx context.Context, pc *PeerConnection, offer webrtc.SessionDescription) {
	if err := pc.transition(StateAnswering); err != nil {
		c.fail(pc.id, &NegotiationError{Peer: pc.id, Op: "answer", Err: err})
		return
	}
	if err := c.applyRemote(pc, offer); err != nil {
		c.fail(pc.id, &NegotiationError{Peer: pc.id, Op: "apply offer", Err: err})
		return
	}
	desc, err := pc.conn.CreateAnswer()
	if err != nil {
		c.fail(pc.id, &NegotiationError{Peer: pc.id, Op: "create answer", Err: err})
		return
	}
	if err := c.markConnected(pc); err != nil {
		c.fail(pc.id, &NegotiationError{Peer: pc.id, Op: "answer", Err: err})
		return
	}
	c.send(ctx, domain.Signal{Event: domain.EventAnswer, To: pc.id, SDPType: desc.Type.String(), SDP: desc.SDP})
	c.logger.Debug().Str("peer", string(pc.id)).Msg("answer sent")
	c.resumeRenegotiation(ctx, pc)
}

func (c *Coordinator) applyRemote(pc *PeerConnection, desc webrtc.SessionDescription) error {
	candidateErrs, err := pc.applyRemote(desc)
	for _, cerr := range candidateErrs {
		c.logger.Warn().Err(cerr).Str("peer", string(pc.id)).Msg("queued candidate rejected")
	}
	return err
}

// markConnected enters StateConnected and publishes remote tracks that
// arrived while the first negotiation was in flight.
func (c *Coordinator) markConnected(pc *PeerConnection) error {
	if err := pc.transition(StateConnected); err != nil {
		return err
	}
	pc.negotiated = true
	for _, t := range pc.heldTracks {
		c.publishTrack(pc.id, t)
	}
	pc.heldTracks = nil
	return nil
}

func (c *Coordinator) resumeRenegotiation(ctx context.Context, pc *PeerConnection) {
	if !pc.renegotiate || pc.state != StateConnected {
		return
	}
	pc.renegotiate = false
	c.offer(ctx, pc)
}

func (c *Coordinator) onSignal(ctx context.Context, s domain.Signal) {
	if !s.AddressedTo(c.self.PeerID) || s.From == c.self.PeerID {
		return
	}
	if err := s.From.Validate(); err != nil {
		c.logger.Warn().Err(err).Str("event", string(s.Event)).Msg("signal with bad sender dropped")
		return
	}
	switch s.Event {
	case domain.EventOffer:
		c.onOffer(ctx, s)
	case domain.EventAnswer:
		c.onAnswer(ctx, s)
	case domain.EventICECandidate:
		c.onCandidate(s)
	default:
		c.logger.Warn().Str("event", string(s.Event)).Str("peer", string(s.From)).Msg("unknown signal dropped")
	}
}

func (c *Coordinator) onOffer(ctx context.Context, s domain.Signal) {
	if _, ok := c.members[s.From]; !ok {
		c.logger.Warn().Str("peer", string(s.From)).Msg("offer from non-member dropped")
		return
	}
	pc, exists := c.peers.Get(s.From)
	desc, err := sessionDescription(s, webrtc.SDPTypeOffer)
	if err != nil {
		if exists {
			c.fail(s.From, &NegotiationError{Peer: s.From, Op: "decode offer", Err: err})
			return
		}
		c.logger.Warn().Err(err).Str("peer", string(s.From)).Msg("malformed offer dropped")
		return
	}

	if exists {
		switch pc.state {
		case StateOffering, StateAwaitingAnswer:
			if pc.negotiated {
				c.renegotiationGlare(ctx, pc)
				return
			}
			// Glare on the first exchange. The smaller id keeps its offer;
			// the greater id drops its connection and answers on a fresh one.
			if c.self.PeerID < s.From {
				c.logger.Info().Str("peer", string(s.From)).Msg("glare: keeping own offer")
				return
			}
			c.logger.Info().Str("peer", string(s.From)).Msg("glare: replacing own offer")
			if pc, err = c.rebuild(ctx, pc, true); err != nil {
				c.fail(s.From, &NegotiationError{Peer: s.From, Op: "glare", Err: err})
				return
			}
		case StateAnswering:
			c.logger.Warn().Str("peer", string(s.From)).Msg("offer while answering dropped")
			return
		}
	} else {
		pc, _, err = c.peers.Ensure(ctx, s.From)
		if err != nil {
			c.fail(s.From, &NegotiationError{Peer: s.From, Op: "create connection", Err: err})
			return
		}
	}
	c.answer(ctx, pc, desc)
}

// renegotiationGlare handles crossing offers on a connection that was
// already up. An answer from a fresh connection would not match the
// transport the other side keeps, so both sides start over and only the
// smaller id offers.
func (c *Coordinator) renegotiationGlare(ctx context.Context, pc *PeerConnection) {
	fresh, err := c.rebuild(ctx, pc, false)
	if err != nil {
		c.fail(pc.id, &NegotiationError{Peer: pc.id, Op: "glare", Err: err})
		return
	}
	if c.self.PeerID < pc.id {
		c.logger.Info().Str("peer", string(pc.id)).Msg("renegotiation glare: offering on a new connection")
		c.offer(ctx, fresh)
		return
	}
	c.logger.Info().Str("peer", string(pc.id)).Msg("renegotiation glare: waiting for a new offer")
}

// rebuild disposes pc and registers a fresh connection in StateNew for the
// same peer. With keepCandidates the queued remote candidates move over.
func (c *Coordinator) rebuild(ctx context.Context, pc *PeerConnection, keepCandidates bool) (*PeerConnection, error) {
	var queued []webrtc.ICECandidateInit
	if keepCandidates {
		queued = pc.pending.drain()
	}
	c.peers.Dispose(pc.id)
	for _, ci := range queued {
		c.peers.StashCandidate(pc.id, ci)
	}
	fresh, _, err := c.peers.Ensure(ctx, pc.id)
	return fresh, err
}

func (c *Coordinator) onAnswer(ctx context.Context, s domain.Signal) {
	pc, ok := c.peers.Get(s.From)
	if !ok {
		c.logger.Warn().Str("peer", string(s.From)).Msg("answer without connection dropped")
		return
	}
	if pc.state != StateOffering && pc.state != StateAwaitingAnswer {
		c.logger.Warn().Str("peer", string(s.From)).Str("state", pc.state.String()).Msg("unexpected answer dropped")
		return
	}
	desc, err := sessionDescription(s, webrtc.SDPTypeAnswer)
	if err != nil {
		c.fail(s.From, &NegotiationError{Peer: s.From, Op: "decode answer", Err: err})
		return
	}
	if err := c.applyRemote(pc, desc); err != nil {
		c.fail(s.From, &NegotiationError{Peer: s.From, Op: "apply answer", Err: err})
		return
	}
	if err := c.markConnected(pc); err != nil {
		c.fail(s.From, &NegotiationError{Peer: s.From, Op: "answer", Err: err})
		return
	}
	c.logger.Debug().Str("peer", string(s.From)).Msg("answer applied")
	c.resumeRenegotiation(ctx, pc)
}

func (c *Coordinator) onCandidate(s domain.Signal) {
	if s.Candidate == nil {
		c.logger.Warn().Err(errNoCandidate).Str("peer", string(s.From)).Msg("candidate dropped")
		return
	}
	ci := toCandidateInit(*s.Candidate)
	pc, ok := c.peers.Get(s.From)
	if !ok {
		if _, present := c.members[s.From]; !present {
			c.logger.Debug().Str("peer", string(s.From)).Msg("candidate from non-member dropped")
			return
		}
		c.peers.StashCandidate(s.From, ci)
		return
	}
	if !pc.remoteSet {
		pc.queueCandidate(ci)
		return
	}
	if err := pc.conn.AddICECandidate(ci); err != nil {
		c.logger.Warn().Err(err).Str("peer", string(s.From)).Msg("add ice candidate")
	}
}

func (c *Coordinator) onRemoteTrack(pc *PeerConnection, track *webrtc.TrackRemote) {
	if !c.live(pc) {
		return
	}
	if !pc.negotiated {
		pc.heldTracks = append(pc.heldTracks, track)
		return
	}
	c.publishTrack(pc.id, track)
}

func (c *Coordinator) publishTrack(id domain.PeerID, track *webrtc.TrackRemote) {
	rs, ok := c.streams.Get(id)
	if !ok {
		rs = NewRemoteStream(id)
		c.streams.Set(id, rs)
	}
	rs.AddTrack(track)
}

func sessionDescription(s domain.Signal, want webrtc.SDPType) (webrtc.SessionDescription, error) {
	if s.SDP == "" {
		return webrtc.SessionDescription{}, errEmptySDP
	}
	if s.SDPType != "" && webrtc.NewSDPType(s.SDPType) != want {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: %s", errUnexpectedType, s.SDPType)
	}
	return webrtc.SessionDescription{Type: want, SDP: s.SDP}, nil
}

func toCandidate(ci webrtc.ICECandidateInit) *domain.Candidate {
	return &domain.Candidate{
		Candidate:        ci.Candidate,
		SDPMid:           ci.SDPMid,
		SDPMLineIndex:    ci.SDPMLineIndex,
		UsernameFragment: ci.UsernameFragment,
	}
}

func toCandidateInit(c domain.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
