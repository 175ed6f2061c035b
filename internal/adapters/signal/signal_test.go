package signal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/vac/internal/app"
	"github.com/dkeye/vac/internal/core"
	"github.com/dkeye/vac/internal/domain"
	vsignal "github.com/dkeye/vac/internal/signal"
)

func newTestServer(t *testing.T, settings Settings) (*httptest.Server, *app.Relay) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	relay := app.NewRelay(app.NewRegistry(), app.SimplePolicy{})
	ctl := NewSignalWSController(relay, settings)

	ctx, cancel := context.WithCancel(context.Background())
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) { ctl.HandleSignal(ctx, c) })
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv, relay
}

func dial(t *testing.T, srv *httptest.Server, query string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func connectTab(t *testing.T, srv *httptest.Server, relay *app.Relay, token string) *websocket.Conn {
	t.Helper()
	before := relay.Registry.Count()
	conn, _, err := dial(t, srv, "token="+token, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return relay.Registry.Count() > before }, time.Second, 5*time.Millisecond)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg vsignal.Message) {
	t.Helper()
	data, err := msg.Marshal()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func receive(t *testing.T, conn *websocket.Conn) vsignal.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := vsignal.Unmarshal(data)
	require.NoError(t, err)
	return msg
}

func TestRejectsUnknownExtension(t *testing.T) {
	srv, relay := newTestServer(t, Settings{ExtensionID: "pjgiimhboecnfmmjmbpefhefihpjiedf"})

	_, resp, err := dial(t, srv, "token=a", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	_, _, err = dial(t, srv, "token=a&ext=pjgiimhboecnfmmjmbpefhefihpjiedf", nil)
	require.NoError(t, err)

	header := http.Header{}
	header.Set(extensionHeader, "pjgiimhboecnfmmjmbpefhefihpjiedf")
	_, _, err = dial(t, srv, "token=b", header)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return relay.Registry.Count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestHandshakeCarriesTabID(t *testing.T) {
	srv, relay := newTestServer(t, Settings{})
	_, resp, err := dial(t, srv, "token=a", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return relay.Registry.Count() == 1 }, time.Second, 5*time.Millisecond)

	tabs := relay.Tabs()
	require.Len(t, tabs, 1)
	assert.Equal(t, tabs[0].ID.String(), resp.Header.Get(vsignal.TabIDHeader))
}

func TestRejectsMissingToken(t *testing.T) {
	srv, _ := newTestServer(t, Settings{})
	_, resp, err := dial(t, srv, "", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBroadcastReachesOtherTabs(t *testing.T) {
	srv, relay := newTestServer(t, Settings{})
	a := connectTab(t, srv, relay, "a")
	b := connectTab(t, srv, relay, "b")

	send(t, a, vsignal.Transmitting(true))
	got := receive(t, b)

	state, ok := got.IsTransmitting()
	assert.True(t, ok)
	assert.True(t, state)
	assert.True(t, got.From.Valid())
	assert.Nil(t, got.To)
	assert.Equal(t, []domain.TabID{got.From}, relay.Transmitters())
}

func TestLateTabSyncsAndSeesTransmitterLeave(t *testing.T) {
	srv, relay := newTestServer(t, Settings{})
	a := connectTab(t, srv, relay, "a")

	send(t, a, vsignal.Transmitting(true))
	require.Eventually(t, func() bool { return len(relay.Transmitters()) == 1 }, time.Second, 5*time.Millisecond)
	aID := relay.Transmitters()[0]

	b := connectTab(t, srv, relay, "b")
	send(t, b, vsignal.SyncRequest())
	got := receive(t, b)
	assert.Equal(t, aID, got.From)
	state, _ := got.IsTransmitting()
	assert.True(t, state)

	require.NoError(t, a.Close())
	got = receive(t, b)
	assert.Equal(t, aID, got.From)
	state, ok := got.IsTransmitting()
	assert.True(t, ok)
	assert.False(t, state)
	assert.Empty(t, relay.Transmitters())
}

func TestTabRateLimiter(t *testing.T) {
	rl := NewTabRateLimiter(2, time.Second)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow(1))
	assert.True(t, rl.Allow(1))
	assert.False(t, rl.Allow(1))
	assert.True(t, rl.Allow(2))

	now = now.Add(1500 * time.Millisecond)
	assert.True(t, rl.Allow(1))

	rl.Forget(1)
	assert.True(t, rl.Allow(1))
	assert.True(t, rl.Allow(1))
	assert.False(t, rl.Allow(1))
}

func TestStaleReleaseKeepsRateHistory(t *testing.T) {
	relay := app.NewRelay(app.NewRegistry(), app.SimplePolicy{})
	ctl := NewSignalWSController(relay, Settings{RateLimit: 1, RateWindow: time.Minute})
	token := domain.NewTabToken()

	stale := &WsSignalConn{send: make(chan core.Frame, 1)}
	fresh := &WsSignalConn{send: make(chan core.Frame, 1)}
	tab := relay.Connect(token, stale, nil)
	relay.Connect(token, fresh, nil)

	require.True(t, ctl.limiter.Allow(tab.ID))
	ctl.release(tab.ID, stale)
	assert.False(t, ctl.limiter.Allow(tab.ID))
	assert.Equal(t, 1, relay.Registry.Count())

	ctl.release(tab.ID, fresh)
	assert.True(t, ctl.limiter.Allow(tab.ID))
	assert.Zero(t, relay.Registry.Count())
}
