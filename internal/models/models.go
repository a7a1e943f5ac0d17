package models

import "time"

// 托管账户状态机的五个状态,终态为 released / refunded。
type EscrowState string

const (
	EscrowPendingService  EscrowState = "pending_service"
	EscrowAwaitingRelease EscrowState = "awaiting_release"
	EscrowHeldDisputed    EscrowState = "held_disputed"
	EscrowReleased        EscrowState = "released"
	EscrowRefunded        EscrowState = "refunded"
)

// Terminal 判断状态是否为终态,终态后不再接受任何迁移。
func (s EscrowState) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded
}

// EscrowAccount 与预约一一对应,Version 在每次成功迁移时仅自增一次,
// 供乐观并发检查使用。
type EscrowAccount struct {
	ID                 uint        `gorm:"primaryKey"`
	BookingID          string      `gorm:"uniqueIndex;size:64;not null"`
	ProviderID         uint        `gorm:"index;not null"`
	AmountPaise        int64       `gorm:"not null"`
	State              EscrowState `gorm:"size:32;not null;default:pending_service"`
	Version            uint        `gorm:"not null;default:0"`
	ServiceCompletedAt *time.Time
	DisputedAt         *time.Time
	DisputeReason      string `gorm:"type:text"`
	AutoReleaseAt      *time.Time
	ReleasedAt         *time.Time
	RefundedAt         *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type JobKind string

const (
	JobAutoRelease        JobKind = "auto_release"
	JobReminder           JobKind = "reminder"
	JobCleanup            JobKind = "cleanup"
	JobLeaderboardRefresh JobKind = "leaderboard_refresh"
)

type JobStatus string

const (
	JobPending  JobStatus = "pending"
	JobRunning  JobStatus = "running"
	JobDone     JobStatus = "done"
	JobFailed   JobStatus = "failed"
	JobCanceled JobStatus = "canceled"
)

// ScheduledJob 是持久化的延时/周期任务。IdempotencyKey 由
// kind+target+时间槽推导,唯一索引保证同一槽位最多入队一次。
type ScheduledJob struct {
	ID              string    `gorm:"primaryKey;size:36"`
	Kind            JobKind   `gorm:"size:32;index;not null"`
	TargetID        string    `gorm:"size:64;index;not null"`
	RunAt           time.Time `gorm:"index;not null"`
	IntervalSeconds int64     `gorm:"not null;default:0"`
	IdempotencyKey  string    `gorm:"uniqueIndex;size:128;not null"`
	TargetVersion   uint      `gorm:"not null;default:0"`
	Status          JobStatus `gorm:"size:16;index;not null;default:pending"`
	Attempts        int       `gorm:"not null;default:0"`
	MaxAttempts     int       `gorm:"not null;default:3"`
	LastRunAt       *time.Time
	LastError       string `gorm:"type:text"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type AlertStatus string

const (
	AlertOpen         AlertStatus = "open"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

// EmergencyAlert 是紧急求助记录,超过 stale 阈值仍未处理会被强制关闭。
type EmergencyAlert struct {
	ID          string      `gorm:"primaryKey;size:36"`
	UserID      uint        `gorm:"index;not null"`
	Username    string      `gorm:"size:64"`
	Latitude    float64     `gorm:"not null"`
	Longitude   float64     `gorm:"not null"`
	Description string      `gorm:"type:text"`
	Status      AlertStatus `gorm:"size:16;index;not null;default:open"`
	ResponderID *uint
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}
