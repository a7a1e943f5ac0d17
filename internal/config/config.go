package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port                  string
	DatabaseDSN           string
	JWTSecret             string
	Env                   string
	AccessTokenTTLMinutes int

	// 实时通道 / 在线状态
	HeartbeatTimeout   time.Duration
	PresenceSweepEvery time.Duration
	RoomGracePeriod    time.Duration
	ReplayRetention    int
	SignalingRoomLimit int

	// 托管资金 / 定时任务
	EscrowAutoRelease   time.Duration
	EmergencyStaleAfter time.Duration
	SchedulerTick       time.Duration
	JobMaxAttempts      int
	JobRetryBackoff     time.Duration

	AIStatusURL string
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func Load() Config {
	return Config{
		Port:                  getenv("APP_PORT", "8080"),
		DatabaseDSN:           getenv("DATABASE_DSN", "host=localhost user=postgres password=postgres dbname=legalplatform port=5432 sslmode=disable TimeZone=UTC"),
		JWTSecret:             getenv("JWT_SECRET", "dev-secret-change-me"),
		Env:                   getenv("APP_ENV", "dev"),
		AccessTokenTTLMinutes: getint("ACCESS_TOKEN_TTL_MINUTES", 15),

		HeartbeatTimeout:   time.Duration(getint("HEARTBEAT_TIMEOUT_SECONDS", 60)) * time.Second,
		PresenceSweepEvery: time.Duration(getint("PRESENCE_SWEEP_SECONDS", 10)) * time.Second,
		RoomGracePeriod:    time.Duration(getint("ROOM_GRACE_SECONDS", 120)) * time.Second,
		ReplayRetention:    getint("REPLAY_RETENTION", 512),
		SignalingRoomLimit: getint("SIGNALING_ROOM_LIMIT", 2),

		EscrowAutoRelease:   time.Duration(getint("ESCROW_AUTO_RELEASE_DAYS", 7)) * 24 * time.Hour,
		EmergencyStaleAfter: time.Duration(getint("EMERGENCY_STALE_HOURS", 24)) * time.Hour,
		SchedulerTick:       time.Duration(getint("SCHEDULER_TICK_SECONDS", 5)) * time.Second,
		JobMaxAttempts:      getint("JOB_MAX_ATTEMPTS", 3),
		JobRetryBackoff:     time.Duration(getint("JOB_RETRY_BACKOFF_SECONDS", 30)) * time.Second,

		AIStatusURL: getenv("AI_STATUS_URL", ""),
	}
}
