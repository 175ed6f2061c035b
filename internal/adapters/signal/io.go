package signal

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/vac/internal/domain"
	vsignal "github.com/dkeye/vac/internal/signal"
)

const writeWait = 5 * time.Second

func (ctl *SignalWSController) writePump(ctx context.Context, id domain.TabID, c *WsSignalConn) {
	ping := time.NewTicker(ctl.settings.PingPeriod)
	defer func() {
		ping.Stop()
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Int("tab", int(id)).Msg("writePump ctx done")
			return
		case <-ping.C:
			if err := ctl.ping(c); err != nil {
				log.Warn().Err(err).Str("module", "signal").Int("tab", int(id)).Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Int("tab", int(id)).Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Int("tab", int(id)).Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, id domain.TabID, c *WsSignalConn) {
	defer func() {
		log.Info().Str("module", "signal").Int("tab", int(id)).Msg("readPump closing")
		cancel()
		ctl.release(id, c)
	}()

	ctl.keepalive(c)

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Int("tab", int(id)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Error().Err(err).Str("module", "signal").Int("tab", int(id)).Msg("readPump read error")
				}
				return
			}
			ctl.handleSignal(ctx, id, data)
		}
	}
}

// release unregisters c. The rate limit history is kept when a newer
// connection of the same tab already took over.
func (ctl *SignalWSController) release(id domain.TabID, c *WsSignalConn) {
	if ctl.Relay.Disconnect(id, c) {
		ctl.limiter.Forget(id)
	}
	c.Close()
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, id domain.TabID, data []byte) {
	if !ctl.limiter.Allow(id) {
		log.Warn().Str("module", "signal").Int("tab", int(id)).Msg("rate limited, dropping message")
		return
	}

	msg, err := vsignal.Unmarshal(data)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Int("tab", int(id)).Msg("bad json")
		return
	}

	if _, err := ctl.Relay.Dispatch(ctx, id, msg); err != nil {
		log.Warn().Err(err).Str("module", "signal").Int("tab", int(id)).Msg("dispatch")
	}
}
