package signal

import (
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/domain"
	"github.com/dkeye/voicemesh/internal/wire"
	"github.com/rs/zerolog/log"
)

const maxRoomNameLen = 36

func (ctl *SignalWSController) handleJoin(sid core.SessionID, conn *WsSignalConn, f wire.Frame) {
	if len(f.Room) > maxRoomNameLen {
		ctl.send(conn, wire.ErrorFrame("room name too long"))
		return
	}
	var meta domain.Member
	if f.Member != nil {
		meta = *f.Member
	}
	members, err := ctl.Orch.Join(sid, f.Room, meta)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("join")
		ctl.send(conn, wire.ErrorFrame(err.Error()))
		return
	}
	room := f.Room
	if room == "" {
		room = domain.DefaultRoom
	}
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("room", string(room)).Int("members", len(members)).Msg("join")
	ctl.send(conn, wire.Frame{Type: wire.TypeRoomState, Room: room, Members: members})
}

// handleLeave leaves the current room; the connection stays open.
func (ctl *SignalWSController) handleLeave(sid core.SessionID, conn *WsSignalConn) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("leave")
	ctl.Orch.Leave(sid)
	ctl.send(conn, wire.Frame{Type: wire.TypeLeft})
}

func (ctl *SignalWSController) handleSync(sid core.SessionID, conn *WsSignalConn) {
	room, members, err := ctl.Orch.Members(sid)
	if err != nil {
		ctl.send(conn, wire.ErrorFrame(err.Error()))
		return
	}
	ctl.send(conn, wire.Frame{Type: wire.TypeRoomState, Room: room, Members: members})
}
