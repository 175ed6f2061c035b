package http

import (
	"context"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/vac/internal/adapters/signal"
	"github.com/dkeye/vac/internal/app"
	"github.com/dkeye/vac/internal/config"
	"github.com/dkeye/vac/internal/domain"
)

const tokenCookie = "ct"

// ClientTokenMiddleware gives every browser a stable tab token cookie.
// Tabs that pass ?token= explicitly ignore it.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie(tokenCookie)
		if token == "" {
			token = string(domain.NewTabToken())
			c.SetCookie(tokenCookie, token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, relay *app.Relay) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VACSessions", store))
	r.Use(ClientTokenMiddleware())

	ctrl := signal.NewSignalWSController(relay, signal.Settings{
		ExtensionID: cfg.ExtensionID,
		ReadLimit:   cfg.ReadLimit,
		PingPeriod:  cfg.PingPeriod,
		SendBuffer:  cfg.SendBuffer,
		RateLimit:   cfg.RateLimit,
		RateWindow:  cfg.RateWindow,
	})
	h := &handlers{relay: relay}

	api := r.Group("/api")
	api.GET("/health", h.health)
	api.GET("/tabs", h.tabs)
	api.GET("/transmitters", h.transmitters)
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("remote", c.ClientIP()).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Bool("extension_gate", cfg.ExtensionID != "").Msg("router setup")
	return r
}
