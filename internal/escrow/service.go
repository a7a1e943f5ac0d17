package escrow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/BMABHINAV/Legal-Platform/internal/metrics"
	"github.com/BMABHINAV/Legal-Platform/internal/models"
	"github.com/BMABHINAV/Legal-Platform/internal/notify"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Actor 是发起迁移的主体,争议中的放款与退款仅限管理员。
type Actor struct {
	UserID uint
	Admin  bool
}

// JobScheduler 是 escrow 对调度器的窄依赖:安排自动放款、取消过期任务。
type JobScheduler interface {
	Schedule(job models.ScheduledJob) error
	Cancel(kind models.JobKind, targetID string) error
}

// Service 封装托管账户的状态机。每次成功迁移都是一次
// (booking_id, state, version) 条件更新:版本检查保证人工操作
// 与到期自动放款并发时,先提交者生效,后到者退化为 no-op。
type Service struct {
	db           *gorm.DB
	jobs         JobScheduler
	notifier     notify.Notifier
	clk          clock.Clock
	releaseAfter time.Duration

	lbMu sync.RWMutex
	lb   []LeaderboardEntry
	lbAt time.Time
}

func NewService(db *gorm.DB, jobs JobScheduler, notifier notify.Notifier, clk clock.Clock, releaseAfter time.Duration) *Service {
	return &Service{db: db, jobs: jobs, notifier: notifier, clk: clk, releaseAfter: releaseAfter}
}

// Create 在预约创建时开户,初始状态 pending_service。
func (s *Service) Create(bookingID string, providerID uint, amountPaise int64) (*models.EscrowAccount, error) {
	var count int64
	if err := s.db.Model(&models.EscrowAccount{}).Where("booking_id = ?", bookingID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrAlreadyExists
	}
	acct := models.EscrowAccount{
		BookingID:   bookingID,
		ProviderID:  providerID,
		AmountPaise: amountPaise,
		State:       models.EscrowPendingService,
	}
	if err := s.db.Create(&acct).Error; err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s *Service) Get(bookingID string) (*models.EscrowAccount, error) {
	var acct models.EscrowAccount
	if err := s.db.Where("booking_id = ?", bookingID).First(&acct).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &acct, nil
}

// MarkServiceComplete: pending_service → awaiting_release,
// 并以开户时间+放款窗口安排自动放款任务。
func (s *Service) MarkServiceComplete(bookingID string) (*models.EscrowAccount, error) {
	now := s.clk.Now()
	acct, err := s.transition(bookingID, func(a *models.EscrowAccount) (models.EscrowState, map[string]any, error) {
		if a.State != models.EscrowPendingService {
			return "", nil, ErrIllegalTransition
		}
		autoAt := a.CreatedAt.Add(s.releaseAfter)
		return models.EscrowAwaitingRelease, map[string]any{
			"service_completed_at": now,
			"auto_release_at":      autoAt,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	job := models.ScheduledJob{
		Kind:          models.JobAutoRelease,
		TargetID:      bookingID,
		RunAt:         *acct.AutoReleaseAt,
		TargetVersion: acct.Version,
	}
	if err := s.jobs.Schedule(job); err != nil {
		// 任务入队失败不回滚状态,由运维通道兜底
		log.Error().Err(err).Str("booking", bookingID).Msg("schedule auto-release")
	}
	s.notifier.Notify(notify.Event{
		Kind:    notify.EventEscrowAwaitingRelease,
		Subject: bookingID,
		Message: fmt.Sprintf("service complete, funds auto-release at %s", acct.AutoReleaseAt.Format(time.RFC3339)),
		At:      now,
	})
	return acct, nil
}

// RaiseDispute: 任意非终态 → held_disputed,并取消待执行的自动放款。
func (s *Service) RaiseDispute(bookingID, reason string) (*models.EscrowAccount, error) {
	now := s.clk.Now()
	acct, err := s.transition(bookingID, func(a *models.EscrowAccount) (models.EscrowState, map[string]any, error) {
		if a.State.Terminal() || a.State == models.EscrowHeldDisputed {
			return "", nil, ErrIllegalTransition
		}
		return models.EscrowHeldDisputed, map[string]any{
			"disputed_at":    now,
			"dispute_reason": reason,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.jobs.Cancel(models.JobAutoRelease, bookingID); err != nil {
		log.Error().Err(err).Str("booking", bookingID).Msg("cancel auto-release")
	}
	s.notifier.Notify(notify.Event{
		Kind:    notify.EventEscrowDisputed,
		Subject: bookingID,
		Message: "dispute raised, funds held",
		At:      now,
	})
	return acct, nil
}

// Release: awaiting_release → released;held_disputed → released 仅限管理员。
func (s *Service) Release(bookingID string, actor Actor) (*models.EscrowAccount, error) {
	now := s.clk.Now()
	acct, err := s.transition(bookingID, func(a *models.EscrowAccount) (models.EscrowState, map[string]any, error) {
		switch a.State {
		case models.EscrowAwaitingRelease:
		case models.EscrowHeldDisputed:
			if !actor.Admin {
				return "", nil, ErrForbidden
			}
		default:
			return "", nil, ErrIllegalTransition
		}
		return models.EscrowReleased, map[string]any{"released_at": now}, nil
	})
	if err != nil {
		return nil, err
	}
	if err := s.jobs.Cancel(models.JobAutoRelease, bookingID); err != nil {
		log.Error().Err(err).Str("booking", bookingID).Msg("cancel auto-release")
	}
	s.notifier.Notify(notify.Event{
		Kind:    notify.EventEscrowReleased,
		Subject: bookingID,
		Message: "escrow released to provider",
		Data:    map[string]any{"actor": actor.UserID},
		At:      now,
	})
	return acct, nil
}

// Refund: held_disputed → refunded,争议裁决,仅限管理员。
func (s *Service) Refund(bookingID string, actor Actor) (*models.EscrowAccount, error) {
	now := s.clk.Now()
	acct, err := s.transition(bookingID, func(a *models.EscrowAccount) (models.EscrowState, map[string]any, error) {
		if a.State != models.EscrowHeldDisputed {
			return "", nil, ErrIllegalTransition
		}
		if !actor.Admin {
			return "", nil, ErrForbidden
		}
		return models.EscrowRefunded, map[string]any{"refunded_at": now}, nil
	})
	if err != nil {
		return nil, err
	}
	s.notifier.Notify(notify.Event{
		Kind:    notify.EventEscrowRefunded,
		Subject: bookingID,
		Message: "escrow refunded to client",
		Data:    map[string]any{"actor": actor.UserID},
		At:      now,
	})
	return acct, nil
}

// AutoRelease 由调度器触发。仅当状态仍是 awaiting_release 且版本
// 与任务入队时捕获的一致才放款;期间发生过人工放款或争议则静默跳过。
func (s *Service) AutoRelease(bookingID string, expectVersion uint) error {
	now := s.clk.Now()
	acct, err := s.Get(bookingID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if acct.State != models.EscrowAwaitingRelease || acct.Version != expectVersion {
		log.Debug().Str("booking", bookingID).Str("state", string(acct.State)).
			Uint("version", acct.Version).Uint("expect", expectVersion).Msg("auto-release skipped")
		return nil
	}
	if err := s.cas(acct, models.EscrowReleased, map[string]any{"released_at": now}); err != nil {
		if errors.Is(err, ErrStaleTransition) {
			return nil
		}
		return err
	}
	s.notifier.Notify(notify.Event{
		Kind:    notify.EventEscrowReleased,
		Subject: bookingID,
		Message: "escrow auto-released after dispute window",
		Data:    map[string]any{"auto": true},
		At:      now,
	})
	return nil
}

// HandleAutoRelease 适配调度器的 handler 契约。
func (s *Service) HandleAutoRelease(job *models.ScheduledJob) error {
	return s.AutoRelease(job.TargetID, job.TargetVersion)
}

// Leaderboard 返回按已放款金额排序的服务者榜单,由周期任务刷新缓存。
type LeaderboardEntry struct {
	ProviderID  uint  `json:"provider_id"`
	ReleasedSum int64 `json:"released_paise"`
	Completed   int64 `json:"completed"`
}

func (s *Service) Leaderboard(limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var out []LeaderboardEntry
	err := s.db.Model(&models.EscrowAccount{}).
		Select("provider_id, SUM(amount_paise) AS released_sum, COUNT(*) AS completed").
		Where("state = ?", models.EscrowReleased).
		Group("provider_id").
		Order("released_sum DESC").
		Limit(limit).
		Scan(&out).Error
	return out, err
}

// HandleLeaderboardRefresh 重算榜单缓存。纯重算,重复执行安全。
func (s *Service) HandleLeaderboardRefresh(_ *models.ScheduledJob) error {
	entries, err := s.Leaderboard(20)
	if err != nil {
		return err
	}
	s.lbMu.Lock()
	s.lb = entries
	s.lbAt = s.clk.Now()
	s.lbMu.Unlock()
	return nil
}

// CachedLeaderboard 返回最近一次周期刷新得到的榜单。
func (s *Service) CachedLeaderboard() ([]LeaderboardEntry, time.Time) {
	s.lbMu.RLock()
	defer s.lbMu.RUnlock()
	return s.lb, s.lbAt
}

// transition 跑一轮“读取-校验-条件更新”,并发冲突时重读再试,
// 最终以重读后的状态决定返回错误。
func (s *Service) transition(bookingID string, decide func(*models.EscrowAccount) (models.EscrowState, map[string]any, error)) (*models.EscrowAccount, error) {
	for attempt := 0; attempt < 3; attempt++ {
		acct, err := s.Get(bookingID)
		if err != nil {
			return nil, err
		}
		to, set, err := decide(acct)
		if err != nil {
			return nil, err
		}
		if err := s.cas(acct, to, set); err != nil {
			if errors.Is(err, ErrStaleTransition) {
				continue
			}
			return nil, err
		}
		return s.Get(bookingID)
	}
	return nil, ErrIllegalTransition
}

// cas 是状态机唯一的写路径:单行条件更新携带版本检查,版本恰好 +1。
func (s *Service) cas(acct *models.EscrowAccount, to models.EscrowState, set map[string]any) error {
	set["state"] = to
	set["version"] = acct.Version + 1
	res := s.db.Model(&models.EscrowAccount{}).
		Where("booking_id = ? AND state = ? AND version = ?", acct.BookingID, acct.State, acct.Version).
		Updates(set)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleTransition
	}
	metrics.EscrowTransitions.WithLabelValues(string(to)).Inc()
	log.Info().Str("booking", acct.BookingID).Str("from", string(acct.State)).Str("to", string(to)).
		Uint("version", acct.Version+1).Msg("escrow transition")
	return nil
}
