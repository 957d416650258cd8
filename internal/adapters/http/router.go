package http

import (
	"context"
	"net/http"

	"github.com/dkeye/voicehub/internal/adapters/signal"
	"github.com/dkeye/voicehub/internal/app/orch"
	"github.com/dkeye/voicehub/internal/config"
	"github.com/dkeye/voicehub/internal/domain"
	"github.com/dkeye/voicehub/internal/metrics"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

func genClientToken() string {
	idStr := uuid.NewString()
	return idStr
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set("client_token", token)
		c.Next()
	}
}

// ServerDirectory lists the voice channels of a server.
type ServerDirectory interface {
	HasServer(id domain.ServerID) bool
	Channels(server domain.ServerID) []domain.Channel
}

func SetupRouter(
	ctx context.Context,
	cfg *config.Config,
	o *orch.Orchestrator,
	ctl *signal.SignalWSController,
	dir ServerDirectory,
	collector *metrics.Collector,
) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VoiceSessions", store))
	r.Use(ClientTokenMiddleware())

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"connections": o.Registry.Count(),
			"voice_users": o.Presence.Total(),
		})
	})
	if collector != nil && cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(promhttp.HandlerFor(collector.Registry, promhttp.HandlerOpts{})))
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	api.GET("/ws/signal", func(c *gin.Context) {
		log.Info().Str("module", "adapters.http").Str("user", c.GetString("client_token")).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	})
	api.GET("/channels/:id/members", func(c *gin.Context) {
		ch := domain.ChannelID(c.Param("id"))
		c.JSON(http.StatusOK, gin.H{
			"channelId": ch,
			"members":   o.Members(ch),
		})
	})
	api.GET("/servers/:id/channels", func(c *gin.Context) {
		id := domain.ServerID(c.Param("id"))
		if !dir.HasServer(id) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown server"})
			return
		}
		channels := dir.Channels(id)
		if channels == nil {
			channels = []domain.Channel{}
		}
		c.JSON(http.StatusOK, gin.H{"serverId": id, "channels": channels})
	})
	api.GET("/voice-states", func(c *gin.Context) {
		states := o.VoiceStates()
		if states == nil {
			states = []domain.VoiceState{}
		}
		c.JSON(http.StatusOK, gin.H{"voiceStates": states})
	})

	return r
}
