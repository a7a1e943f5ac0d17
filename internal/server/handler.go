package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/BMABHINAV/Legal-Platform/internal/aiprov"
	"github.com/BMABHINAV/Legal-Platform/internal/auth"
	"github.com/BMABHINAV/Legal-Platform/internal/emergency"
	"github.com/BMABHINAV/Legal-Platform/internal/escrow"
	"github.com/BMABHINAV/Legal-Platform/internal/models"
	"github.com/BMABHINAV/Legal-Platform/internal/scheduler"
	"github.com/BMABHINAV/Legal-Platform/internal/ws"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler,依赖注入 service 层。
type Handler struct {
	escrowSvc    *escrow.Service
	emergencySvc *emergency.Service
	reg          *ws.Registry
	jobs         *scheduler.Scheduler
	ai           *aiprov.Client
}

func NewHandler(escrowSvc *escrow.Service, emergencySvc *emergency.Service, reg *ws.Registry, jobs *scheduler.Scheduler, ai *aiprov.Client) *Handler {
	return &Handler{escrowSvc: escrowSvc, emergencySvc: emergencySvc, reg: reg, jobs: jobs, ai: ai}
}

func actorFrom(c *gin.Context) escrow.Actor {
	claims := auth.GetClaims(c)
	if claims == nil {
		return escrow.Actor{}
	}
	return escrow.Actor{UserID: claims.UserID, Admin: claims.IsAdmin()}
}

// escrowError 把状态机错误映射到 HTTP 状态码。
func escrowError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "escrow not found"})
	case errors.Is(err, escrow.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "escrow already exists"})
	case errors.Is(err, escrow.ErrIllegalTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "illegal escrow transition"})
	case errors.Is(err, escrow.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "admin only from disputed state"})
	default:
		log.Error().Err(err).Msg("escrow")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "escrow operation failed"})
	}
}

// CreateEscrow 在预约创建时开户。
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req struct {
		BookingID   string `json:"booking_id"`
		ProviderID  uint   `json:"provider_id"`
		AmountPaise int64  `json:"amount_paise"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.BookingID == "" || req.AmountPaise <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	acct, err := h.escrowSvc.Create(req.BookingID, req.ProviderID, req.AmountPaise)
	if err != nil {
		escrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (h *Handler) GetEscrow(c *gin.Context) {
	acct, err := h.escrowSvc.Get(c.Param("booking"))
	if err != nil {
		escrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// MarkServiceComplete 触发 pending_service → awaiting_release。
func (h *Handler) MarkServiceComplete(c *gin.Context) {
	acct, err := h.escrowSvc.MarkServiceComplete(c.Param("booking"))
	if err != nil {
		escrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (h *Handler) RaiseDispute(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	acct, err := h.escrowSvc.RaiseDispute(c.Param("booking"), req.Reason)
	if err != nil {
		escrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (h *Handler) Release(c *gin.Context) {
	acct, err := h.escrowSvc.Release(c.Param("booking"), actorFrom(c))
	if err != nil {
		escrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (h *Handler) Refund(c *gin.Context) {
	acct, err := h.escrowSvc.Refund(c.Param("booking"), actorFrom(c))
	if err != nil {
		escrowError(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

// Participants 返回房间当前成员,附带在线数,供房间列表复用。
func (h *Handler) Participants(c *gin.Context) {
	ps, err := h.reg.Participants(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": c.Param("id"), "online": len(ps), "participants": ps})
}

func (h *Handler) Leaderboard(c *gin.Context) {
	entries, at := h.escrowSvc.CachedLeaderboard()
	c.JSON(http.StatusOK, gin.H{"refreshed_at": at, "entries": entries})
}

// ScheduleReminder 由预约系统(外部协作方)调用,为即将开始的
// 会面安排一次提醒。同一槽位重复提交是 no-op。
func (h *Handler) ScheduleReminder(c *gin.Context) {
	var req struct {
		TargetID string    `json:"target_id"`
		RunAt    time.Time `json:"run_at"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.TargetID == "" || req.RunAt.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	err := h.jobs.Schedule(models.ScheduledJob{
		Kind:     models.JobReminder,
		TargetID: req.TargetID,
		RunAt:    req.RunAt,
	})
	if err != nil {
		log.Error().Err(err).Str("target", req.TargetID).Msg("schedule reminder")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to schedule reminder"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "scheduled"})
}

func (h *Handler) AcknowledgeAlert(c *gin.Context) {
	claims := auth.GetClaims(c)
	if claims == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing claims"})
		return
	}
	if err := h.emergencySvc.Acknowledge(c.Param("id"), claims.UserID); err != nil {
		emergencyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
}

func (h *Handler) ResolveAlert(c *gin.Context) {
	if err := h.emergencySvc.Resolve(c.Param("id")); err != nil {
		emergencyError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved"})
}

func emergencyError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, emergency.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
	case errors.Is(err, emergency.ErrAlreadyHandled):
		c.JSON(http.StatusConflict, gin.H{"error": "alert already handled"})
	default:
		log.Error().Err(err).Msg("emergency")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "emergency operation failed"})
	}
}

// AssistantStatus 透出上游 AI 协作方的可用性,只读。
func (h *Handler) AssistantStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.ai.Status(c.Request.Context()))
}
