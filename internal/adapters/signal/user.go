package signal

import (
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/wire"
	"github.com/rs/zerolog/log"
)

// handleUpdate replaces the caller's presence record. The room is told by
// the orchestrator.
func (ctl *SignalWSController) handleUpdate(sid core.SessionID, conn *WsSignalConn, f wire.Frame) {
	if f.Member == nil {
		ctl.send(conn, wire.ErrorFrame("bad_payload"))
		return
	}
	m, err := ctl.Orch.UpdateMember(sid, *f.Member)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("update")
		ctl.send(conn, wire.ErrorFrame(err.Error()))
		return
	}
	log.Debug().Str("module", "signal").Str("sid", string(sid)).Str("name", m.DisplayName).Bool("broadcasting", m.IsBroadcasting).Msg("update")
}
