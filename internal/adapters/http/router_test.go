package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/vac/internal/app"
	"github.com/dkeye/vac/internal/config"
	"github.com/dkeye/vac/internal/core"
	"github.com/dkeye/vac/internal/domain"
	"github.com/dkeye/vac/internal/signal"
)

type nopConn struct{}

func (nopConn) TrySend(core.Frame) error { return nil }
func (nopConn) Close()                   {}

func newRouter(t *testing.T) (http.Handler, *app.Relay) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	relay := app.NewRelay(app.NewRegistry(), app.SimplePolicy{})
	cfg := &config.Config{Mode: "test", Secret: "secret"}
	return SetupRouter(context.Background(), cfg, relay), relay
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	h, relay := newRouter(t)
	relay.Connect("a", nopConn{}, nil)

	w := get(t, h, "/api/health")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, HealthResponse{Status: "ok", Tabs: 1}, resp)
}

func TestTabsAndTransmitters(t *testing.T) {
	h, relay := newRouter(t)
	a := relay.Connect("a", nopConn{}, nil)
	b := relay.Connect("b", nopConn{}, nil)
	_, err := relay.Dispatch(context.Background(), b.ID, signal.Transmitting(true))
	require.NoError(t, err)

	w := get(t, h, "/api/tabs")
	require.Equal(t, http.StatusOK, w.Code)
	var tabs TabsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tabs))
	require.Len(t, tabs.Tabs, 2)
	assert.Equal(t, a.ID, tabs.Tabs[0].ID)
	assert.False(t, tabs.Tabs[0].Transmitting)
	assert.True(t, tabs.Tabs[1].Transmitting)

	w = get(t, h, "/api/transmitters")
	var tx TransmittersResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &tx))
	assert.Equal(t, []domain.TabID{b.ID}, tx.Transmitters)
}

func TestClientTokenCookie(t *testing.T) {
	h, _ := newRouter(t)
	w := get(t, h, "/api/health")

	var found bool
	for _, c := range w.Result().Cookies() {
		if c.Name == tokenCookie {
			found = true
			_, err := domain.ParseTabToken(c.Value)
			assert.NoError(t, err)
		}
	}
	assert.True(t, found)
}
