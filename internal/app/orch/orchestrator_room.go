package orch

import (
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/wire"
	"github.com/rs/zerolog/log"
)

// Join puts sid into roomName with the presence record meta and returns the
// room membership including sid. A member already in another room leaves
// it first.
func (o *Orchestrator) Join(sid core.SessionID, roomName domain.RoomName, meta domain.Member) ([]domain.Member, error) {
	if roomName == "" {
		roomName = domain.DefaultRoom
	}
	o.mu.Lock()
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		o.mu.Unlock()
		return nil, ErrNoSession
	}
	if err := sess.UpdateMeta(func(m *domain.Member) error { return applyMeta(m, sid, meta) }); err != nil {
		o.mu.Unlock()
		return nil, err
	}

	var ovs []overflow
	if cur, _, ok := o.Registry.RoomOf(sid); ok && cur != roomName {
		ovs = append(ovs, o.leaveLocked(sid, cur))
		log.Info().Str("module", "orch").Str("sid", string(sid)).Str("from_room", string(cur)).Msg("moved out of room")
	}
	room := o.Rooms.GetOrCreate(roomName)
	room.AddMember(sid, sess)
	o.Registry.UpdateRoom(sid, roomName)
	m := sess.Meta()
	ovs = append(ovs, o.announce(room, sid, wire.Frame{Type: wire.TypeMemberJoined, Room: roomName, Member: &m}))
	snapshot := room.MembersSnapshot()
	o.mu.Unlock()

	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("room", string(roomName)).Msg("added to room")
	o.onOverflow(ovs...)
	return snapshot, nil
}

// Leave takes sid out of its room. It reports false when sid was in none.
func (o *Orchestrator) Leave(sid core.SessionID) bool {
	o.mu.Lock()
	cur, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		o.mu.Unlock()
		return false
	}
	ov := o.leaveLocked(sid, cur)
	o.mu.Unlock()
	o.onOverflow(ov)
	return true
}

func (o *Orchestrator) KickBySID(sid core.SessionID) {
	if o.Leave(sid) {
		log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("kicked from room")
	}
}

// UpdateMember replaces the presence record of sid and tells its room.
func (o *Orchestrator) UpdateMember(sid core.SessionID, meta domain.Member) (domain.Member, error) {
	o.mu.Lock()
	sess, ok := o.Registry.GetSession(sid)
	if !ok {
		o.mu.Unlock()
		return domain.Member{}, ErrNoSession
	}
	if err := sess.UpdateMeta(func(m *domain.Member) error { return applyMeta(m, sid, meta) }); err != nil {
		o.mu.Unlock()
		return domain.Member{}, err
	}
	m := sess.Meta()
	var ovs []overflow
	if roomName, _, ok := o.Registry.RoomOf(sid); ok {
		if room, ok := o.Rooms.GetRoom(roomName); ok {
			ovs = append(ovs, o.announce(room, sid, wire.Frame{Type: wire.TypeMemberUpdated, Room: roomName, Member: &m}))
		}
	}
	o.mu.Unlock()
	o.onOverflow(ovs...)
	return m, nil
}

// Members returns the membership of the room sid is in.
func (o *Orchestrator) Members(sid core.SessionID) (domain.RoomName, []domain.Member, error) {
	roomName, _, ok := o.Registry.RoomOf(sid)
	if !ok {
		return "", nil, ErrNotInRoom
	}
	members, ok := o.RoomMembers(roomName)
	if !ok {
		return "", nil, ErrNotInRoom
	}
	return roomName, members, nil
}

func (o *Orchestrator) RoomMembers(name domain.RoomName) ([]domain.Member, bool) {
	room, ok := o.Rooms.GetRoom(name)
	if !ok {
		return nil, false
	}
	return room.MembersSnapshot(), true
}

// EvictRoom sends every member a left frame, empties the room and drops it.
// It returns how many members were evicted.
func (o *Orchestrator) EvictRoom(name domain.RoomName) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	room, ok := o.Rooms.GetRoom(name)
	snaps := o.Registry.MembersOfRoom(name)
	for _, snap := range snaps {
		if ok {
			room.RemoveMember(snap.SID)
		}
		o.Registry.RemoveRoom(snap.SID)
		if sc := snap.Session.Signal(); sc != nil {
			_ = sc.TrySend(wire.Frame{Type: wire.TypeLeft, Room: name})
		}
	}
	o.Rooms.StopRoom(name)
	log.Info().Str("module", "orch").Str("room", string(name)).Int("members", len(snaps)).Msg("room evicted")
	return len(snaps)
}

// leaveLocked removes sid from roomName and announces it. Empty rooms are
// dropped. Caller holds o.mu.
func (o *Orchestrator) leaveLocked(sid core.SessionID, roomName domain.RoomName) overflow {
	o.Registry.RemoveRoom(sid)
	room, ok := o.Rooms.GetRoom(roomName)
	if !ok {
		return overflow{}
	}
	room.RemoveMember(sid)
	var m domain.Member
	if sess, ok := o.Registry.GetSession(sid); ok {
		m = sess.Meta()
	} else {
		m = domain.Member{PeerID: sid.PeerID()}
	}
	ov := o.announce(room, sid, wire.Frame{Type: wire.TypeMemberLeft, Room: roomName, Member: &m})
	if room.MemberCount() == 0 {
		o.Rooms.StopRoom(roomName)
		log.Info().Str("module", "orch").Str("room", string(roomName)).Msg("room closed")
	}
	return ov
}

// applyMeta copies the client supplied fields onto m. The peer id always
// comes from the session.
func applyMeta(m *domain.Member, sid core.SessionID, meta domain.Member) error {
	m.PeerID = sid.PeerID()
	if meta.DisplayName != "" {
		if err := m.SetDisplayName(meta.DisplayName); err != nil {
			return err
		}
	}
	if err := m.SetAvatarRef(meta.AvatarRef); err != nil {
		return err
	}
	m.IsBroadcasting = meta.IsBroadcasting
	return nil
}
