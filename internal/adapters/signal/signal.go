package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/vac/internal/app"
	"github.com/dkeye/vac/internal/core"
	"github.com/dkeye/vac/internal/domain"
	vsignal "github.com/dkeye/vac/internal/signal"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Settings tune the WebSocket side of the relay.
type Settings struct {
	// ExtensionID, when set, must be presented by every tab.
	ExtensionID string
	ReadLimit   int64
	PingPeriod  time.Duration
	SendBuffer  int
	// RateLimit messages are accepted per tab within RateWindow.
	RateLimit  int
	RateWindow time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.ReadLimit <= 0 {
		s.ReadLimit = 32768
	}
	if s.PingPeriod <= 0 {
		s.PingPeriod = 54 * time.Second
	}
	if s.SendBuffer <= 0 {
		s.SendBuffer = 32
	}
	if s.RateLimit <= 0 {
		s.RateLimit = 200
	}
	if s.RateWindow <= 0 {
		s.RateWindow = time.Second
	}
	return s
}

type SignalWSController struct {
	Relay    *app.Relay
	settings Settings
	limiter  *TabRateLimiter
}

func NewSignalWSController(relay *app.Relay, settings Settings) *SignalWSController {
	settings = settings.withDefaults()
	return &SignalWSController{
		Relay:    relay,
		settings: settings,
		limiter:  NewTabRateLimiter(settings.RateLimit, settings.RateWindow),
	}
}

// WsSignalConn is the relay's handle on one tab's socket.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	extensionHeader = "X-Extension-Id"
	extensionQuery  = "ext"
	tokenQuery      = "token"
)

// authorize checks the extension id and resolves the tab token.
func (ctl *SignalWSController) authorize(c *gin.Context) (domain.TabToken, int, error) {
	if want := ctl.settings.ExtensionID; want != "" {
		got := c.GetHeader(extensionHeader)
		if got == "" {
			got = c.Query(extensionQuery)
		}
		if got != want {
			return "", http.StatusForbidden, errors.New("unknown extension")
		}
	}

	raw := c.Query(tokenQuery)
	if raw == "" {
		raw = c.GetString("client_token")
	}
	token, err := domain.ParseTabToken(raw)
	if err != nil {
		return "", http.StatusBadRequest, err
	}
	return token, 0, nil
}

func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context) {
	token, status, err := ctl.authorize(c)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("remote", c.ClientIP()).Msg("rejected WS connection")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	header := http.Header{}
	header.Set(vsignal.TabIDHeader, ctl.Relay.Identify(token).String())
	ws, err := upgrader.Upgrade(c.Writer, c.Request, header)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}

	conn := &WsSignalConn{
		conn: ws,
		send: make(chan core.Frame, ctl.settings.SendBuffer),
	}

	ctx, cancel := context.WithCancel(ctx)
	tab := ctl.Relay.Connect(token, conn, cancel)
	log.Info().Str("module", "signal").Int("tab", int(tab.ID)).Msg("new WS connection")

	go ctl.writePump(ctx, tab.ID, conn)
	go ctl.readPump(ctx, cancel, tab.ID, conn)
}
