package signal

import (
	"github.com/dkeye/voicemesh/internal/core"
	"github.com/dkeye/voicemesh/internal/wire"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleBroadcast(sid core.SessionID, conn *WsSignalConn, f wire.Frame) {
	if f.Signal == nil {
		ctl.send(conn, wire.ErrorFrame("bad_payload"))
		return
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(sid.PeerID()) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Str("event", string(f.Signal.Event)).Msg("rate limited")
		ctl.send(conn, wire.ErrorFrame("rate_limited"))
		return
	}
	if err := ctl.Orch.Relay(sid, *f.Signal); err != nil {
		ctl.send(conn, wire.ErrorFrame(err.Error()))
		return
	}
	log.Debug().Str("module", "signal").Str("sid", string(sid)).Str("event", string(f.Signal.Event)).Str("to", string(f.Signal.To)).Msg("relayed")
}
