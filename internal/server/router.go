package server

import (
	"net/http"
	"time"

	"github.com/BMABHINAV/Legal-Platform/internal/auth"
	"github.com/BMABHINAV/Legal-Platform/internal/config"
	"github.com/BMABHINAV/Legal-Platform/internal/metrics"
	"github.com/BMABHINAV/Legal-Platform/internal/mw"
	"github.com/BMABHINAV/Legal-Platform/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// SetupRouter 统一初始化 Gin 中间件、REST API 以及 WebSocket 端点。
func SetupRouter(cfg config.Config, h *Handler, gw *ws.Gateway) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env))
	// 控制单个 IP+路由的速率,紧急求助端点也在保护范围内。
	r.Use(mw.RateLimit(rate.Every(time.Second/20), 40))

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/ws", gw.Serve())

	api := r.Group("/api/v1")

	// dev 环境提供令牌铸造,方便本地联调;生产环境令牌由身份系统签发。
	if cfg.Env == "dev" {
		api.POST("/auth/token", func(c *gin.Context) {
			var req struct {
				UserID uint   `json:"user_id"`
				Name   string `json:"name"`
				Role   string `json:"role"`
			}
			if err := c.ShouldBindJSON(&req); err != nil || req.UserID == 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
				return
			}
			token, err := auth.GenerateAccessToken(req.UserID, req.Name, req.Role, cfg.JWTSecret, cfg.AccessTokenTTLMinutes)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "token mint failed"})
				return
			}
			c.JSON(http.StatusOK, gin.H{"access_token": token})
		})
	}

	api.GET("/assistant/status", h.AssistantStatus)
	api.GET("/leaderboard", h.Leaderboard)

	authed := api.Group("")
	authed.Use(auth.Middleware(cfg))

	authed.GET("/rooms/:id/participants", h.Participants)

	authed.POST("/escrow", h.CreateEscrow)
	authed.GET("/escrow/:booking", h.GetEscrow)
	authed.POST("/escrow/:booking/complete", h.MarkServiceComplete)
	authed.POST("/escrow/:booking/dispute", h.RaiseDispute)
	authed.POST("/escrow/:booking/release", h.Release)
	authed.POST("/escrow/:booking/refund", h.Refund)

	authed.POST("/emergency/:id/ack", h.AcknowledgeAlert)
	authed.POST("/emergency/:id/resolve", h.ResolveAlert)

	ops := authed.Group("")
	ops.Use(auth.RequireAdmin())
	ops.POST("/jobs/reminder", h.ScheduleReminder)

	return r
}
