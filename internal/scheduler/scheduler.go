package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/BMABHINAV/Legal-Platform/internal/metrics"
	"github.com/BMABHINAV/Legal-Platform/internal/models"
	"github.com/BMABHINAV/Legal-Platform/internal/notify"
	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Handler 执行一种任务。handler 必须从实体当前状态推导效果,
// 而不是依赖任务创建时捕获的快照,以保证重复调用安全。
type Handler func(job *models.ScheduledJob) error

// Scheduler 驱动持久化的延时/周期任务:到期认领、执行、
// 失败退避重试,周期任务在本次完成后才入队下一个槽位。
type Scheduler struct {
	db          *gorm.DB
	clk         clock.Clock
	notifier    notify.Notifier
	handlers    map[models.JobKind]Handler
	tick        time.Duration
	backoff     time.Duration
	maxAttempts int

	stop chan struct{}
	done chan struct{}
}

func New(db *gorm.DB, clk clock.Clock, notifier notify.Notifier, tick, backoff time.Duration, maxAttempts int) *Scheduler {
	return &Scheduler{
		db:          db,
		clk:         clk,
		notifier:    notifier,
		handlers:    make(map[models.JobKind]Handler),
		tick:        tick,
		backoff:     backoff,
		maxAttempts: maxAttempts,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Register 绑定任务种类与 handler,须在 Start 之前完成。
func (s *Scheduler) Register(kind models.JobKind, h Handler) {
	s.handlers[kind] = h
}

// IdempotencyKey 由 kind+target+时间槽推导,同一槽位全局唯一。
func IdempotencyKey(kind models.JobKind, targetID string, slot time.Time) string {
	return fmt.Sprintf("%s:%s:%d", kind, targetID, slot.Unix())
}

// Schedule 入队一个任务。幂等键冲突说明该槽位已经入队,
// 静默跳过而不报错,调用方可以放心重复提交。
func (s *Scheduler) Schedule(job models.ScheduledJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.RunAt.IsZero() {
		job.RunAt = s.clk.Now()
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = s.maxAttempts
	}
	if job.IdempotencyKey == "" {
		job.IdempotencyKey = IdempotencyKey(job.Kind, job.TargetID, job.RunAt)
	}
	job.Status = models.JobPending
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "idempotency_key"}},
		DoNothing: true,
	}).Create(&job).Error
}

// Cancel 把某实体待执行的同类任务标记为 canceled。
// 争议取消自动放款、求助解决取消 stale 清理都走这里。
func (s *Scheduler) Cancel(kind models.JobKind, targetID string) error {
	return s.db.Model(&models.ScheduledJob{}).
		Where("kind = ? AND target_id = ? AND status = ?", kind, targetID, models.JobPending).
		Update("status", models.JobCanceled).Error
}

// RunDue 执行所有已到期的待执行任务,返回实际执行数。
// 认领是 pending→running 的条件更新,多个 worker 并发调用时
// 每个任务至多被一个 worker 拿到。
func (s *Scheduler) RunDue(ctx context.Context) (int, error) {
	now := s.clk.Now()
	var due []models.ScheduledJob
	if err := s.db.Where("status = ? AND run_at <= ?", models.JobPending, now).
		Order("run_at").Find(&due).Error; err != nil {
		return 0, err
	}

	ran := 0
	for i := range due {
		select {
		case <-ctx.Done():
			return ran, ctx.Err()
		default:
		}
		job := due[i]
		res := s.db.Model(&models.ScheduledJob{}).
			Where("id = ? AND status = ?", job.ID, models.JobPending).
			Updates(map[string]any{"status": models.JobRunning, "attempts": gorm.Expr("attempts + 1")})
		if res.Error != nil {
			return ran, res.Error
		}
		if res.RowsAffected == 0 {
			// 已被其他 worker 认领
			continue
		}
		job.Attempts++
		s.execute(&job)
		ran++
	}
	return ran, nil
}

func (s *Scheduler) execute(job *models.ScheduledJob) {
	now := s.clk.Now()
	h, ok := s.handlers[job.Kind]
	if !ok {
		s.fail(job, fmt.Errorf("no handler for kind %s", job.Kind))
		return
	}
	if err := h(job); err != nil {
		if job.Attempts >= job.MaxAttempts {
			s.fail(job, err)
			return
		}
		// 指数退避后重回 pending
		delay := s.backoff << (job.Attempts - 1)
		s.db.Model(job).Updates(map[string]any{
			"status":     models.JobPending,
			"run_at":     now.Add(delay),
			"last_error": err.Error(),
		})
		metrics.JobsProcessed.WithLabelValues(string(job.Kind), "retry").Inc()
		log.Warn().Err(err).Str("job", job.ID).Str("kind", string(job.Kind)).
			Int("attempt", job.Attempts).Dur("retry_in", delay).Msg("job retry")
		return
	}

	s.db.Model(job).Updates(map[string]any{
		"status":      models.JobDone,
		"last_run_at": now,
		"last_error":  "",
	})
	metrics.JobsProcessed.WithLabelValues(string(job.Kind), "done").Inc()

	if job.IntervalSeconds > 0 {
		s.scheduleNext(job, now)
	}
}

// fail 标记任务为 failed 并上报运维通道,绝不静默丢弃。
func (s *Scheduler) fail(job *models.ScheduledJob, err error) {
	now := s.clk.Now()
	s.db.Model(job).Updates(map[string]any{
		"status":      models.JobFailed,
		"last_run_at": now,
		"last_error":  err.Error(),
	})
	metrics.JobsProcessed.WithLabelValues(string(job.Kind), "failed").Inc()
	log.Error().Err(err).Str("job", job.ID).Str("kind", string(job.Kind)).Msg("job failed")
	s.notifier.Notify(notify.Event{
		Kind:    notify.EventJobFailed,
		Subject: job.ID,
		Message: fmt.Sprintf("job %s/%s failed after %d attempts: %v", job.Kind, job.TargetID, job.Attempts, err),
		At:      now,
	})
}

// scheduleNext 在本次完成之后入队下一个槽位,避免同一槽位并发重跑;
// 停机积压时跳到第一个未来槽位,不做补跑风暴。
func (s *Scheduler) scheduleNext(job *models.ScheduledJob, now time.Time) {
	interval := time.Duration(job.IntervalSeconds) * time.Second
	next := job.RunAt.Add(interval)
	for !next.After(now) {
		next = next.Add(interval)
	}
	err := s.Schedule(models.ScheduledJob{
		Kind:            job.Kind,
		TargetID:        job.TargetID,
		RunAt:           next,
		IntervalSeconds: job.IntervalSeconds,
		MaxAttempts:     job.MaxAttempts,
		TargetVersion:   job.TargetVersion,
	})
	if err != nil {
		log.Error().Err(err).Str("kind", string(job.Kind)).Msg("schedule next occurrence")
	}
}

// Start 启动驱动循环。
func (s *Scheduler) Start() {
	go s.loop()
}

// Stop 停止驱动循环并等待当前一轮执行结束。
func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := s.clk.Ticker(s.tick)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if _, err := s.RunDue(ctx); err != nil {
				log.Error().Err(err).Msg("scheduler run_due")
			}
		}
	}
}

// ReminderHandler 产生一次会面提醒通知。幂等键保证同一槽位只发一次。
func ReminderHandler(n notify.Notifier, clk clock.Clock) Handler {
	return func(job *models.ScheduledJob) error {
		n.Notify(notify.Event{
			Kind:    notify.EventReminderFired,
			Subject: job.TargetID,
			Message: "consultation starting soon",
			At:      clk.Now(),
		})
		return nil
	}
}
