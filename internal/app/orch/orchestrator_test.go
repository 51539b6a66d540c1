package orch

import (
	"errors"
	"sync"
	"testing"

	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/wire"
)

var errFull = errors.New("queue full")

// queueConn is a bounded in-memory signal connection.
type queueConn struct {
	mu     sync.Mutex
	cap    int
	frames []wire.Frame
	closed bool
}

func (c *queueConn) TrySend(f wire.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	if c.cap > 0 && len(c.frames) >= c.cap {
		return errFull
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *queueConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *queueConn) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Type)
	}
	return out
}

func (c *queueConn) last(t *testing.T) wire.Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.frames) == 0 {
		t.Fatal("no frames")
	}
	return c.frames[len(c.frames)-1]
}

func (c *queueConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type attached struct {
	sid      core.SessionID
	sess     core.MemberSession
	conn     *queueConn
	canceled bool
}

func newOrch(policy app.Policy) *Orchestrator {
	return New(app.NewRegistry(), app.NewRoomManager(), policy)
}

func attach(o *Orchestrator, sid string, capacity int) *attached {
	a := &attached{sid: core.SessionID(sid), conn: &queueConn{cap: capacity}}
	a.sess = core.NewMemberSession(domain.Member{PeerID: domain.PeerID(sid), DisplayName: "guest"}).UpdateSignal(a.conn)
	o.Attach(a.sid, a.sess, func() { a.canceled = true })
	return a
}

func join(t *testing.T, o *Orchestrator, a *attached, room string) []domain.Member {
	t.Helper()
	members, err := o.Join(a.sid, domain.RoomName(room), domain.Member{DisplayName: string(a.sid)})
	if err != nil {
		t.Fatalf("join %s: %v", a.sid, err)
	}
	return members
}

func TestJoinAnnouncesAndReturnsMembership(t *testing.T) {
	o := newOrch(app.SimplePolicy{})
	alice := attach(o, "alice", 0)
	bob := attach(o, "bob", 0)

	join(t, o, alice, "standup")
	members := join(t, o, bob, "standup")

	if len(members) != 2 || members[0].PeerID != "alice" || members[1].PeerID != "bob" {
		t.Fatalf("members = %+v", members)
	}
	f := alice.conn.last(t)
	if f.Type != wire.TypeMemberJoined || f.Member == nil || f.Member.PeerID != "bob" {
		t.Fatalf("alice got %+v", f)
	}
	if got := bob.conn.types(); len(got) != 0 {
		t.Fatalf("joiner was told about itself: %v", got)
	}
}

func TestJoinDefaultsRoomAndForcesPeerID(t *testing.T) {
	o := newOrch(app.SimplePolicy{})
	a := attach(o, "alice", 0)
	members, err := o.Join(a.sid, "", domain.Member{PeerID: "mallory", DisplayName: "Alice"})
	if err != nil {
		t.Fatal(err)
	}
	if members[0].PeerID != "alice" || members[0].DisplayName != "Alice" {
		t.Fatalf("member = %+v", members[0])
	}
	if room, _, ok := o.Registry.RoomOf(a.sid); !ok || room != domain.DefaultRoom {
		t.Fatalf("room = %q, %v", room, ok)
	}
}

func TestJoinUnknownSession(t *testing.T) {
	o := newOrch(app.SimplePolicy{})
	if _, err := o.Join("ghost", "main", domain.Member{}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("err = %v", err)
	}
}

func TestJoinRejectsLongName(t *testing.T) {
	o := newOrch(app.SimplePolicy{})
	a := attach(o, "alice", 0)
	long := domain.Member{DisplayName: "0123456789012345678901234567890123456789"}
	if _, err := o.Join(a.sid, "main", long); !errors.Is(err, domain.ErrDisplayNameTooLong) {
		t.Fatalf("err = %v", err)
	}
	if _, _, ok := o.Registry.RoomOf(a.sid); ok {
		t.Fatal("joined despite invalid meta")
	}
}

func TestMovingRoomsLeavesTheOldOne(t *testing.T) {
	o := newOrch(app.SimplePolicy{})
	alice := attach(o, "alice", 0)
	bob := attach(o, "bob", 0)
	join(t, o, alice, "a")
	join(t, o, bob, "a")
	join(t, o, bob, "b")

	f := alice.conn.last(t)
	if f.Type != wire.TypeMemberLeft || f.Member.PeerID != "bob" {
		t.Fatalf("alice got %+v", f)
	}
	if members, _ := o.RoomMembers("a"); len(members) != 1 {
		t.Fatalf("room a = %+v", members)
	}
}

func TestLeaveDropsEmptyRoom(t *testing.T) {
	o := newOrch(app.SimplePolicy{})
	a := attach(o, "alice", 0)
	join(t, o, a, "solo")
	if !o.Leave(a.sid) {
		t.Fatal("leave reported not in room")
	}
	if o.Leave(a.sid) {
		t.Fatal("second leave reported success")
	}
	if _, ok := o.Rooms.GetRoom("solo"); ok {
		t.Fatal("empty room kept")
	}
}

func TestUpdateMemberAnnounces(t *testing.T) {
	o := newOrch(app.SimplePolicy{})
	alice := attach(o, "alice", 0)
	bob := attach(o, "bob", 0)
	join(t, o, alice, "main")
	join(t, o, bob, "main")

	m, err := o.UpdateMember(bob.sid, domain.Member{IsBroadcasting: true})
	if err != nil {
		t.Fatal(err)
	}
	if !m.IsBroadcasting || m.DisplayName != "bob" {
		t.Fatalf("updated = %+v", m)
	}
	f := alice.conn.last(t)
	if f.Type != wire.TypeMemberUpdated || !f.Member.IsBroadcasting {
		t.Fatalf("alice got %+v", f)
	}
}

func TestRelayStampsSender(t *testing.T) {
	o := newOrch(app.SimplePolicy{})
	alice := attach(o, "alice", 0)
	bob := attach(o, "bob", 0)
	join(t, o, alice, "main")
	join(t, o, bob, "main")

	err := o.Relay(alice.sid, domain.Signal{Event: domain.EventOffer, From: "bob", To: "bob", SDP: "v=0"})
	if err != nil {
		t.Fatal(err)
	}
	f := bob.conn.last(t)
	if f.Type != wire.TypeBroadcast || f.Signal == nil {
		t.Fatalf("bob got %+v", f)
	}
	if f.Signal.From != "alice" || f.Signal.To != "bob" {
		t.Fatalf("signal = %+v", f.Signal)
	}
	if got := alice.conn.types(); len(got) != 1 {
		t.Fatalf("sender received its own signal: %v", got)
	}
}

func TestRelayOutsideRoom(t *testing.T) {
	o := newOrch(app.SimplePolicy{})
	a := attach(o, "alice", 0)
	if err := o.Relay(a.sid, domain.Signal{Event: domain.EventOffer}); !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("err = %v", err)
	}
}

func TestAttachReplacesPreviousConnection(t *testing.T) {
	o := newOrch(app.SimplePolicy{})
	bob := attach(o, "bob", 0)
	first := attach(o, "alice", 0)
	join(t, o, bob, "main")
	join(t, o, first, "main")

	second := attach(o, "alice", 0)
	if !first.conn.isClosed() || !first.canceled {
		t.Fatal("previous connection left open")
	}
	if f := bob.conn.last(t); f.Type != wire.TypeMemberLeft {
		t.Fatalf("bob got %+v", f)
	}

	// The stale connection finishing late must not unbind its replacement.
	o.OnDisconnect(first.sid, first.sess)
	if cur, ok := o.Registry.GetSession("alice"); !ok || cur != second.sess {
		t.Fatal("replacement was unbound")
	}
}

func TestOnDisconnectLeavesRoom(t *testing.T) {
	o := newOrch(app.SimplePolicy{})
	alice := attach(o, "alice", 0)
	bob := attach(o, "bob", 0)
	join(t, o, alice, "main")
	join(t, o, bob, "main")

	o.OnDisconnect(bob.sid, bob.sess)
	if f := alice.conn.last(t); f.Type != wire.TypeMemberLeft || f.Member.PeerID != "bob" {
		t.Fatalf("alice got %+v", f)
	}
	if o.Registry.Len() != 1 {
		t.Fatalf("registry len = %d", o.Registry.Len())
	}
}

func TestSlowMemberIsKicked(t *testing.T) {
	o := newOrch(app.SimplePolicy{})
	alice := attach(o, "alice", 0)
	slow := attach(o, "slow", 1)
	join(t, o, slow, "main")
	join(t, o, alice, "main") // fills slow's queue

	if err := o.Relay(alice.sid, domain.Signal{Event: domain.EventOffer, To: "slow"}); err != nil {
		t.Fatal(err)
	}
	if !slow.canceled {
		t.Fatal("slow member not disconnected")
	}
	if _, _, ok := o.Registry.RoomOf(slow.sid); ok {
		t.Fatal("slow member still in room")
	}
	if f := alice.conn.last(t); f.Type != wire.TypeMemberLeft || f.Member.PeerID != "slow" {
		t.Fatalf("alice got %+v", f)
	}
}

func TestTolerantPolicyDropsBeforeKicking(t *testing.T) {
	o := newOrch(app.NewTolerantPolicy(2))
	alice := attach(o, "alice", 0)
	slow := attach(o, "slow", 1)
	join(t, o, slow, "main")
	join(t, o, alice, "main")

	for i := 0; i < 2; i++ {
		if err := o.Relay(alice.sid, domain.Signal{Event: domain.EventICECandidate}); err != nil {
			t.Fatal(err)
		}
		if slow.canceled {
			t.Fatalf("kicked after %d overflows", i+1)
		}
	}
	if err := o.Relay(alice.sid, domain.Signal{Event: domain.EventICECandidate}); err != nil {
		t.Fatal(err)
	}
	if !slow.canceled {
		t.Fatal("not kicked after exceeding tolerance")
	}
}

func TestEvictRoom(t *testing.T) {
	o := newOrch(app.SimplePolicy{})
	alice := attach(o, "alice", 0)
	bob := attach(o, "bob", 0)
	join(t, o, alice, "main")
	join(t, o, bob, "main")

	if n := o.EvictRoom("main"); n != 2 {
		t.Fatalf("evicted %d", n)
	}
	for _, a := range []*attached{alice, bob} {
		if f := a.conn.last(t); f.Type != wire.TypeLeft {
			t.Fatalf("%s got %+v", a.sid, f)
		}
		if _, _, ok := o.Registry.RoomOf(a.sid); ok {
			t.Fatalf("%s still in a room", a.sid)
		}
	}
	if _, ok := o.Rooms.GetRoom("main"); ok {
		t.Fatal("room kept after eviction")
	}
	if _, _, err := o.Members(alice.sid); !errors.Is(err, ErrNotInRoom) {
		t.Fatalf("members err = %v", err)
	}
}

func TestDisconnectCancelsSession(t *testing.T) {
	o := newOrch(app.SimplePolicy{})
	a := attach(o, "alice", 0)
	join(t, o, a, "main")
	o.Disconnect(a.sid)
	if !a.canceled {
		t.Fatal("session context not canceled")
	}
}
