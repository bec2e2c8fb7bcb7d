package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hako/durafmt"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Delve/internal/adapters/rtc"
	"github.com/dkeye/Delve/internal/adapters/signal"
	"github.com/dkeye/Delve/internal/app/orch"
	"github.com/dkeye/Delve/internal/config"
	"github.com/dkeye/Delve/internal/core"
	"github.com/dkeye/Delve/internal/domain"
)

const AdminSecretHeader = "X-Admin-Secret"

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

// SignalSettings maps server config onto the websocket controller.
func SignalSettings(cfg *config.Config) signal.Settings {
	s := signal.DefaultSettings()
	s.ReadLimit = cfg.ReadLimit
	s.PingPeriod = cfg.PingPeriod
	s.HandshakeTimeout = cfg.HandshakeTimeout
	s.MessageRate = cfg.MessageRate
	s.MessageBurst = cfg.MessageBurst
	s.MaxOffenses = cfg.MaxOffenses
	s.Outbox = core.OutboxConfig{
		Limit:        cfg.OutboxLimit,
		ControlLimit: cfg.OutboxControlLimit,
		ResendAfter:  cfg.EventResendAfter,
	}
	s.RTCEnabled = cfg.WebRTCEnabled
	s.RTC = rtc.DefaultConfig(cfg.STUNURLs)
	return s
}

type statsResponse struct {
	Identities int    `json:"identities"`
	Rooms      int    `json:"rooms"`
	OpenRooms  int    `json:"openRooms"`
	Frames     uint64 `json:"frames"`
	FramesText string `json:"framesText"`
	Uptime     string `json:"uptime"`
}

func SetupRouter(ctx context.Context, cfg *config.Config, o *orch.Orchestrator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("DelveSessions", store))
	r.Use(ClientTokenMiddleware())

	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	ctrl := signal.NewSignalWSController(o, SignalSettings(cfg))
	api := r.Group("/api")

	api.GET("/ws", func(c *gin.Context) {
		sess := sessions.Default(c)
		if sess.Get("ct") != c.GetString("client_token") {
			sess.Set("ct", c.GetString("client_token"))
			sess.Set("first_seen", time.Now().Unix())
			_ = sess.Save()
		}
		log.Info().Str("module", "adapters.http").Str("client_token", c.GetString("client_token")).Msg("ws endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": o.Lobby.ListRooms()})
	})

	api.POST("/rooms/:id/close", func(c *gin.Context) {
		if cfg.Secret == "" || c.GetHeader(AdminSecretHeader) != cfg.Secret {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		roomID := domain.RoomID(c.Param("id"))
		if err := o.EvictRoom(roomID); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, domain.ErrRoomNotFound) {
				status = http.StatusNotFound
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		log.Info().Str("module", "adapters.http").Str("room", string(roomID)).Msg("room closed by admin")
		c.JSON(http.StatusOK, gin.H{"room": roomID, "state": domain.RoomClosed})
	})

	api.GET("/stats", func(c *gin.Context) {
		s := o.Stats()
		c.JSON(http.StatusOK, statsResponse{
			Identities: s.Identities,
			Rooms:      s.Rooms,
			OpenRooms:  s.OpenRooms,
			Frames:     s.Frames,
			FramesText: humanize.Comma(int64(s.Frames)),
			Uptime:     durafmt.Parse(s.Uptime.Round(time.Second)).LimitFirstN(2).String(),
		})
	})

	return r
}
