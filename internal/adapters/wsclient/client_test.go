package wsclient

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	router "github.com/dkeye/voicemesh/internal/adapters/http"
	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/app/orch"
	"github.com/dkeye/voicemesh/internal/config"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/wire"
	"github.com/gin-gonic/gin"
)

type hub struct {
	url  string
	orch *orch.Orchestrator
}

func startHub(t *testing.T) *hub {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	o := orch.New(app.NewRegistry(), app.NewRoomManager(), app.SimplePolicy{})
	srv := httptest.NewServer(router.SetupRouter(ctx, &config.Config{
		Mode:       gin.TestMode,
		Secret:     "test-secret",
		PingPeriod: 30 * time.Second,
		SendQueue:  32,
	}, o))
	t.Cleanup(srv.Close)
	return &hub{url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal", orch: o}
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func (h *hub) dial(t *testing.T, id, codec string) *Client {
	t.Helper()
	c, err := Dial(testCtx(t), Options{
		URL:   h.url,
		Token: id,
		Codec: codec,
		Room:  "standup",
		Self:  domain.Member{PeerID: domain.PeerID(id), DisplayName: id},
	})
	if err != nil {
		t.Fatalf("dial %s: %v", id, err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		var zero T
		t.Fatal("timed out")
		return zero
	}
}

func TestSyncJoinsRoom(t *testing.T) {
	h := startHub(t)
	alice := h.dial(t, "alice", wire.CodecJSON)

	joined := make(chan domain.Member, 1)
	alice.Presence().On(core.PresenceJoin, func(m domain.Member) { joined <- m })

	members, err := alice.Presence().Sync(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].PeerID != "alice" {
		t.Fatalf("members = %+v", members)
	}

	bob := h.dial(t, "bob", wire.CodecMsgpack)
	members, err = bob.Presence().Sync(testCtx(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 2 {
		t.Fatalf("bob sees %+v", members)
	}
	if m := recv(t, joined); m.PeerID != "bob" {
		t.Fatalf("alice saw %+v join", m)
	}

	// A second sync re-reads membership without joining again.
	members, err = alice.Presence().Sync(testCtx(t))
	if err != nil || len(members) != 2 {
		t.Fatalf("resync: %+v, %v", members, err)
	}
}

func TestBroadcastIsDirectedAndStamped(t *testing.T) {
	h := startHub(t)
	alice := h.dial(t, "alice", wire.CodecJSON)
	bob := h.dial(t, "bob", wire.CodecJSON)
	for _, c := range []*Client{alice, bob} {
		if _, err := c.Presence().Sync(testCtx(t)); err != nil {
			t.Fatal(err)
		}
	}

	offers := make(chan domain.Signal, 1)
	alice.Broadcast().On(domain.EventOffer, func(s domain.Signal) { offers <- s })
	answers := make(chan domain.Signal, 1)
	alice.Broadcast().On(domain.EventAnswer, func(s domain.Signal) { answers <- s })

	err := bob.Broadcast().Send(testCtx(t), domain.EventOffer, domain.Signal{To: "alice", SDPType: "offer", SDP: "v=0"})
	if err != nil {
		t.Fatal(err)
	}
	s := recv(t, offers)
	if s.From != "bob" || s.To != "alice" || s.Event != domain.EventOffer || s.SDP != "v=0" {
		t.Fatalf("signal = %+v", s)
	}
	select {
	case s := <-answers:
		t.Fatalf("offer dispatched as answer: %+v", s)
	default:
	}
}

func TestPublishSelfAndLeave(t *testing.T) {
	h := startHub(t)
	alice := h.dial(t, "alice", wire.CodecJSON)
	bob := h.dial(t, "bob", wire.CodecJSON)

	updates := make(chan domain.Member, 1)
	left := make(chan domain.Member, 1)
	alice.Presence().On(core.PresenceUpdate, func(m domain.Member) { updates <- m })
	alice.Presence().On(core.PresenceLeave, func(m domain.Member) { left <- m })
	for _, c := range []*Client{alice, bob} {
		if _, err := c.Presence().Sync(testCtx(t)); err != nil {
			t.Fatal(err)
		}
	}

	self := domain.Member{PeerID: "bob", DisplayName: "Bob", IsBroadcasting: true}
	if err := bob.Presence().PublishSelf(testCtx(t), self); err != nil {
		t.Fatal(err)
	}
	if m := recv(t, updates); !m.IsBroadcasting || m.DisplayName != "Bob" {
		t.Fatalf("update = %+v", m)
	}

	bobLeft := make(chan struct{}, 1)
	bob.OnLeft(func() { bobLeft <- struct{}{} })
	if err := bob.Leave(testCtx(t)); err != nil {
		t.Fatal(err)
	}
	recv(t, bobLeft)
	if m := recv(t, left); m.PeerID != "bob" {
		t.Fatalf("left = %+v", m)
	}
}

func TestJoinRefused(t *testing.T) {
	h := startHub(t)
	c, err := Dial(testCtx(t), Options{
		URL:   h.url,
		Token: "alice",
		Room:  domain.RoomName(strings.Repeat("r", 40)),
		Self:  domain.Member{PeerID: "alice", DisplayName: "alice"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if _, err := c.Presence().Sync(testCtx(t)); !errors.Is(err, ErrHubRefuse) {
		t.Fatalf("err = %v", err)
	}
}

func TestEvictionCallsOnLeft(t *testing.T) {
	h := startHub(t)
	c := h.dial(t, "alice", wire.CodecJSON)
	done := make(chan struct{}, 1)
	c.OnLeft(func() { done <- struct{}{} })
	if _, err := c.Presence().Sync(testCtx(t)); err != nil {
		t.Fatal(err)
	}
	if n := h.orch.EvictRoom("standup"); n != 1 {
		t.Fatalf("evicted %d", n)
	}
	recv(t, done)
}

func TestClose(t *testing.T) {
	h := startHub(t)
	c := h.dial(t, "alice", wire.CodecJSON)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
	if err := c.Broadcast().Send(testCtx(t), domain.EventOffer, domain.Signal{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("send after close = %v", err)
	}
	if _, err := c.Presence().Sync(testCtx(t)); !errors.Is(err, ErrClosed) {
		t.Fatalf("sync after close = %v", err)
	}
	if c.Err() != nil {
		t.Fatalf("clean close reported %v", c.Err())
	}
}

func TestDialUnknownCodec(t *testing.T) {
	if _, err := Dial(testCtx(t), Options{URL: "ws://127.0.0.1:1", Codec: "xml"}); !errors.Is(err, wire.ErrUnknownCodec) {
		t.Fatalf("err = %v", err)
	}
}
