package emergency

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BMABHINAV/Legal-Platform/internal/models"
	"github.com/BMABHINAV/Legal-Platform/internal/notify"
	"github.com/BMABHINAV/Legal-Platform/internal/ws"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// BroadcastRoom 是应急响应者(刑事律师)共同加入的广播房间。
const BroadcastRoom = "emergency:responders"

var (
	ErrNotFound       = errors.New("emergency alert not found")
	ErrAlreadyHandled = errors.New("emergency alert already handled")
)

type JobScheduler interface {
	Schedule(job models.ScheduledJob) error
	Cancel(kind models.JobKind, targetID string) error
}

// Service 管理紧急求助的生命周期:发起、认领、解决,
// 以及超时未处理的强制关闭。
type Service struct {
	db         *gorm.DB
	reg        *ws.Registry
	jobs       JobScheduler
	notifier   notify.Notifier
	clk        clock.Clock
	staleAfter time.Duration
}

func NewService(db *gorm.DB, reg *ws.Registry, jobs JobScheduler, notifier notify.Notifier, clk clock.Clock, staleAfter time.Duration) *Service {
	return &Service{db: db, reg: reg, jobs: jobs, notifier: notifier, clk: clk, staleAfter: staleAfter}
}

// Raise 记录求助并广播给在线响应者,同时安排 stale 清理任务。
func (s *Service) Raise(userID uint, username string, p ws.EmergencyPayload) (*models.EmergencyAlert, error) {
	now := s.clk.Now()
	alert := models.EmergencyAlert{
		ID:          uuid.NewString(),
		UserID:      userID,
		Username:    username,
		Latitude:    p.Latitude,
		Longitude:   p.Longitude,
		Description: p.Description,
		Status:      models.AlertOpen,
		CreatedAt:   now,
	}
	if err := s.db.Create(&alert).Error; err != nil {
		return nil, err
	}

	s.broadcast("alert_raised", &alert)

	err := s.jobs.Schedule(models.ScheduledJob{
		Kind:     models.JobCleanup,
		TargetID: alert.ID,
		RunAt:    now.Add(s.staleAfter),
	})
	if err != nil {
		log.Error().Err(err).Str("alert", alert.ID).Msg("schedule stale cleanup")
	}
	s.notifier.Notify(notify.Event{
		Kind:    notify.EventEmergencyRaised,
		Subject: alert.ID,
		Message: fmt.Sprintf("emergency raised by %s", username),
		Data:    map[string]any{"latitude": p.Latitude, "longitude": p.Longitude},
		At:      now,
	})
	return &alert, nil
}

// Acknowledge 由响应者认领求助,先到先得。
func (s *Service) Acknowledge(alertID string, responderID uint) error {
	res := s.db.Model(&models.EmergencyAlert{}).
		Where("id = ? AND status = ?", alertID, models.AlertOpen).
		Updates(map[string]any{"status": models.AlertAcknowledged, "responder_id": responderID})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.conflict(alertID)
	}
	return nil
}

// Resolve 关闭求助并取消 stale 清理任务。
func (s *Service) Resolve(alertID string) error {
	now := s.clk.Now()
	res := s.db.Model(&models.EmergencyAlert{}).
		Where("id = ? AND status IN ?", alertID, []models.AlertStatus{models.AlertOpen, models.AlertAcknowledged}).
		Updates(map[string]any{"status": models.AlertResolved, "resolved_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.conflict(alertID)
	}
	if err := s.jobs.Cancel(models.JobCleanup, alertID); err != nil {
		log.Error().Err(err).Str("alert", alertID).Msg("cancel stale cleanup")
	}
	return nil
}

func (s *Service) Get(alertID string) (*models.EmergencyAlert, error) {
	var alert models.EmergencyAlert
	if err := s.db.Where("id = ?", alertID).First(&alert).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &alert, nil
}

// HandleStaleCleanup 由调度器触发:求助超过阈值仍未解决则强制关闭,
// 广播 system.event 并上报。已解决则静默完成。
func (s *Service) HandleStaleCleanup(job *models.ScheduledJob) error {
	alert, err := s.Get(job.TargetID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if alert.Status == models.AlertResolved {
		return nil
	}
	now := s.clk.Now()
	res := s.db.Model(&models.EmergencyAlert{}).
		Where("id = ? AND status IN ?", alert.ID, []models.AlertStatus{models.AlertOpen, models.AlertAcknowledged}).
		Updates(map[string]any{"status": models.AlertResolved, "resolved_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return nil
	}
	alert.Status = models.AlertResolved
	s.broadcast("alert_stale_resolved", alert)
	s.notifier.Notify(notify.Event{
		Kind:    notify.EventEmergencyStale,
		Subject: alert.ID,
		Message: "emergency alert force-resolved after stale threshold",
		At:      now,
	})
	return nil
}

// broadcast 向响应者房间发一条系统事件,房间不存在时懒创建。
func (s *Service) broadcast(event string, alert *models.EmergencyAlert) {
	if _, err := s.reg.EnsureRoom(BroadcastRoom, ws.RoomEmergency); err != nil {
		log.Error().Err(err).Msg("ensure emergency room")
		return
	}
	payload := ws.SystemEvent{
		Event:    event,
		UserID:   alert.UserID,
		Username: alert.Username,
		Detail:   alert.ID,
	}
	if _, err := s.reg.Publish(BroadcastRoom, 0, "", ws.KindSystemEvent, mustJSON(payload)); err != nil {
		log.Error().Err(err).Str("alert", alert.ID).Msg("broadcast emergency event")
	}
}

func (s *Service) conflict(alertID string) error {
	if _, err := s.Get(alertID); err != nil {
		return err
	}
	return ErrAlreadyHandled
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
