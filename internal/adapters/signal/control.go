package signal

import "github.com/dkeye/voicemesh/internal/wire"

func (ctl *SignalWSController) handlePing(conn *WsSignalConn) {
	ctl.send(conn, wire.Frame{Type: wire.TypePong})
}
