package notify

import (
	"sync"
	"time"

	"github.com/BMABHINAV/Legal-Platform/internal/metrics"
	"github.com/rs/zerolog/log"
)

// 对外通知事件的种类。邮件/短信投递在边界之外,这里只定义事件契约。
const (
	EventEscrowAwaitingRelease = "escrow.awaiting_release"
	EventEscrowDisputed        = "escrow.disputed"
	EventEscrowReleased        = "escrow.released"
	EventEscrowRefunded        = "escrow.refunded"
	EventEmergencyRaised       = "emergency.raised"
	EventEmergencyStale        = "emergency.stale_resolved"
	EventReminderFired         = "reminder.fired"
	EventJobFailed             = "job.failed"
)

type Event struct {
	Kind    string         `json:"kind"`
	Subject string         `json:"subject"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}

// Notifier 是核心各处依赖的窄接口,fire-and-forget。
type Notifier interface {
	Notify(e Event)
}

// Sink 是真正的投递实现(邮件、短信网关等),由外部协作方提供。
type Sink interface {
	Send(e Event) error
}

// Dispatcher 把事件异步转交给 Sink。投递失败只记日志,
// 绝不回滚产生事件的状态迁移。
type Dispatcher struct {
	sink Sink
	wg   sync.WaitGroup
}

func NewDispatcher(sink Sink) *Dispatcher {
	return &Dispatcher{sink: sink}
}

func (d *Dispatcher) Notify(e Event) {
	metrics.NotificationsTotal.Inc()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sink.Send(e); err != nil {
			log.Error().Err(err).Str("kind", e.Kind).Str("subject", e.Subject).Msg("notify send")
		}
	}()
}

// Close 等待在途投递完成,用于优雅停服。
func (d *Dispatcher) Close() {
	d.wg.Wait()
}

// LogSink 把事件写入结构化日志,作为 dev 环境的默认投递实现。
type LogSink struct{}

func (LogSink) Send(e Event) error {
	log.Info().Str("kind", e.Kind).Str("subject", e.Subject).Str("message", e.Message).Msg("notify")
	return nil
}
