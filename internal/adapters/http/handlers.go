package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/dkeye/vac/internal/app"
	"github.com/dkeye/vac/internal/domain"
)

type handlers struct {
	relay *app.Relay
}

type HealthResponse struct {
	Status string `json:"status"`
	Tabs   int    `json:"tabs"`
}

type TabsResponse struct {
	Tabs []TabView `json:"tabs"`
}

type TabView struct {
	ID           domain.TabID `json:"id"`
	ConnectedAt  time.Time    `json:"connected_at"`
	Transmitting bool         `json:"transmitting"`
}

type TransmittersResponse struct {
	Transmitters []domain.TabID `json:"transmitters"`
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Tabs: h.relay.Registry.Count()})
}

func (h *handlers) tabs(c *gin.Context) {
	transmitting := make(map[domain.TabID]bool)
	for _, id := range h.relay.Transmitters() {
		transmitting[id] = true
	}

	resp := TabsResponse{Tabs: []TabView{}}
	for _, tab := range h.relay.Tabs() {
		resp.Tabs = append(resp.Tabs, TabView{
			ID:           tab.ID,
			ConnectedAt:  tab.ConnectedAt,
			Transmitting: transmitting[tab.ID],
		})
	}

	sess := sessions.Default(c)
	sess.Set("last_tabs", len(resp.Tabs))
	_ = sess.Save()

	c.JSON(http.StatusOK, resp)
}

func (h *handlers) transmitters(c *gin.Context) {
	c.JSON(http.StatusOK, TransmittersResponse{Transmitters: h.relay.Transmitters()})
}
