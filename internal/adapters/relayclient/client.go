// Package relayclient connects a tab to the relay over WebSocket.
package relayclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/vac/internal/domain"
	"github.com/dkeye/vac/internal/signal"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("relay connection closed")
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 64
)

type Options struct {
	URL         string
	Token       domain.TabToken
	ExtensionID string
}

// Handler receives every message the relay delivers.
type Handler func(ctx context.Context, msg signal.Message)

// Client is one tab's connection to the relay.
type Client struct {
	conn    *websocket.Conn
	self    domain.TabID
	send    chan []byte
	done    chan struct{}
	pending atomic.Int64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// Dial opens the signalling socket and starts writing queued messages.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set("token", string(opts.Token))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if opts.ExtensionID != "" {
		header.Set("X-Extension-Id", opts.ExtensionID)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial relay: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	self, err := strconv.Atoi(resp.Header.Get(signal.TabIDHeader))
	if err != nil {
		log.Warn().Err(err).Str("module", "relayclient").Msg("relay did not assign a tab id")
	}
	log.Info().Str("module", "relayclient").Str("url", opts.URL).Int("tab", self).Msg("connected to relay")
	c := &Client{
		conn: conn,
		self: domain.TabID(self),
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c, nil
}

// Self is the id the relay assigned to this tab, zero if it sent none.
func (c *Client) Self() domain.TabID { return c.self }

// Send queues msg for the relay without blocking.
func (c *Client) Send(msg signal.Message) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	c.pending.Add(1)
	select {
	case c.send <- data:
		return nil
	default:
		c.pending.Add(-1)
		return ErrBackpressure
	}
}

// Run reads messages until ctx is done or the relay goes away.
// handle is called from the read loop, one message at a time.
// Ending ctx stops reading only: Send keeps working until Close.
func (c *Client) Run(ctx context.Context, handle Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.SetReadDeadline(time.Now())
		case <-c.done:
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read relay: %w", err)
		}
		msg, err := signal.Unmarshal(data)
		if err != nil {
			log.Error().Err(err).Str("module", "relayclient").Msg("bad json")
			continue
		}
		handle(ctx, msg)
	}
}

func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			err := c.write(data)
			c.pending.Add(-1)
			if err != nil {
				log.Error().Err(err).Str("module", "relayclient").Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

func (c *Client) write(data []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Flush waits until every sent message is written or timeout passes.
func (c *Client) Flush(timeout time.Duration) {
	deadline := time.After(timeout)
	for c.pending.Load() > 0 {
		select {
		case <-deadline:
			return
		case <-c.done:
			return
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = c.conn.Close()
	})
}
