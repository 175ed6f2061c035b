package signal

import (
	"time"

	"github.com/gorilla/websocket"
)

// keepalive arms the read deadline and extends it on every pong.
func (ctl *SignalWSController) keepalive(c *WsSignalConn) {
	pongWait := ctl.settings.PingPeriod * 10 / 9
	c.conn.SetReadLimit(ctl.settings.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

func (ctl *SignalWSController) ping(c *WsSignalConn) error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}
