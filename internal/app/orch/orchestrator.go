package orch

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/voicemesh/internal/app"
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/wire"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoSession = errors.New("no session")
	ErrNotInRoom = errors.New("not in a room")
)

// Orchestrator owns membership changes of the hub. Presence frames are
// announced from here so every path that removes a member (leave, kick,
// disconnect, back-pressure) tells the room.
type Orchestrator struct {
	Registry *app.Registry
	Rooms    core.RoomManager
	Policy   app.Policy

	mu sync.Mutex
}

func New(reg *app.Registry, rooms core.RoomManager, policy app.Policy) *Orchestrator {
	return &Orchestrator{Registry: reg, Rooms: rooms, Policy: policy}
}

// overflow is a batch of members whose send queue was full.
type overflow struct {
	room     core.RoomService
	sessions []core.MemberSession
}

// Attach binds a fresh signal connection for sid. A previous connection of
// the same sid is removed from its room and closed.
func (o *Orchestrator) Attach(sid core.SessionID, sess core.MemberSession, cancel context.CancelFunc) {
	o.mu.Lock()
	var ovs []overflow
	if cur, _, ok := o.Registry.RoomOf(sid); ok {
		ovs = append(ovs, o.leaveLocked(sid, cur))
	}
	prev, prevCancel := o.Registry.BindSignal(sid, sess, cancel)
	o.mu.Unlock()

	o.onOverflow(ovs...)
	if prevCancel != nil {
		prevCancel()
	}
	if prev != nil {
		if sc := prev.Signal(); sc != nil {
			sc.Close()
		}
		log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("replaced previous connection")
	}
}

// OnDisconnect cleans up after the connection of sess went away. It is a
// no-op when sid has been rebound to a newer session.
func (o *Orchestrator) OnDisconnect(sid core.SessionID, sess core.MemberSession) {
	o.mu.Lock()
	cur, ok := o.Registry.GetSession(sid)
	if !ok || cur != sess {
		o.mu.Unlock()
		return
	}
	var ovs []overflow
	if room, _, ok := o.Registry.RoomOf(sid); ok {
		ovs = append(ovs, o.leaveLocked(sid, room))
	}
	o.Registry.Unbind(sid, sess)
	o.mu.Unlock()

	if f, ok := o.Policy.(interface{ Forget(core.MemberSession) }); ok {
		f.Forget(sess)
	}
	o.onOverflow(ovs...)
}

// Relay fans a signaling message from sid out to its room mates. The
// sender is stamped by the hub.
func (o *Orchestrator) Relay(sid core.SessionID, s domain.Signal) error {
	roomName, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return ErrNotInRoom
	}
	room, ok := o.Rooms.GetRoom(roomName)
	if !ok {
		return ErrNotInRoom
	}
	s.From = sid.PeerID()
	res := room.Broadcast(sid, wire.Frame{Type: wire.TypeBroadcast, Room: roomName, Signal: &s})
	o.onOverflow(overflow{room: room, sessions: res.Dropped})
	return nil
}

// Disconnect removes sid from its room and closes its connection.
func (o *Orchestrator) Disconnect(sid core.SessionID) {
	o.KickBySID(sid)
	o.Registry.Cancel(sid)
}

func (o *Orchestrator) announce(room core.RoomService, from core.SessionID, f wire.Frame) overflow {
	res := room.Broadcast(from, f)
	return overflow{room: room, sessions: res.Dropped}
}

// onOverflow applies the back-pressure policy. Must be called without o.mu.
func (o *Orchestrator) onOverflow(ovs ...overflow) {
	if o.Policy == nil {
		return
	}
	for _, ov := range ovs {
		for _, slow := range ov.sessions {
			action := o.Policy.OnBackPressure(ov.room, slow)
			sid, ok := o.Registry.SIDOf(slow)
			if !ok {
				continue
			}
			log.Warn().Str("module", "orch").Str("sid", string(sid)).Str("action", action.String()).Msg("send queue full")
			switch action {
			case app.KickMember:
				o.Disconnect(sid)
			case app.MarkSlow, app.DropFrame, app.NoAction:
			}
		}
	}
}
