package signal

import (
	"time"

	"github.com/gorilla/websocket"
)

// keepalive drops the connection when no pong arrives within one and a
// half ping periods.
func (ctl *SignalWSController) keepalive(ws *websocket.Conn) {
	wait := ctl.opts.PingPeriod + ctl.opts.PingPeriod/2
	_ = ws.SetReadDeadline(time.Now().Add(wait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wait))
	})
}
