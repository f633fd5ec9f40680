package server

import (
	"net/http"
	"time"

	"github.com/K9Crypt/website/internal/auth"
	"github.com/K9Crypt/website/internal/config"
	"github.com/K9Crypt/website/internal/metrics"
	"github.com/K9Crypt/website/internal/mw"
	"github.com/K9Crypt/website/internal/service"
	"github.com/K9Crypt/website/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, roomSvc *service.RoomService, msgSvc *service.MessageService, hub *ws.Hub) *gin.Engine {
	h := NewHandler(cfg, roomSvc, msgSvc, hub)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, cfg.CORSOrigins))
	// 控制单个 IP+路由的速率。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40, mw.ByIPAndRoute))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.POST("/session", h.CreateSession)
	api.GET("/rooms/:id", h.CheckRoom)

	// 需要 Bearer Token 的业务接口。
	authed := api.Group("")
	authed.Use(auth.AuthMiddleware(cfg))

	// 密码尝试按 IP+房间单独限速。
	passwordLimit := mw.RateLimit(rate.Every(2*time.Second), 5, mw.ByIPAndRoom)

	authed.POST("/rooms", h.CreateRoom)
	authed.GET("/rooms", h.ListRooms)
	authed.POST("/rooms/:id/join", passwordLimit, h.JoinRoom)
	authed.POST("/rooms/:id/leave", h.LeaveRoom)
	authed.POST("/rooms/:id/password", passwordLimit, h.CheckPassword)
	authed.POST("/rooms/:id/messages", h.SendMessage)
	authed.GET("/rooms/:id/messages", h.ListMessages)
	authed.POST("/rooms/:id/messages/:mid/read", h.MarkRead)
	authed.POST("/rooms/:id/messages/:mid/reactions", h.React)

	// 独立的文本加解密，不关联房间。
	authed.POST("/create", h.EncryptText)
	authed.POST("/view", h.ViewText)
	authed.POST("/decrypt", h.DecryptBatch)

	r.GET("/ws", ws.Serve(hub, msgSvc, cfg))
	return r
}
