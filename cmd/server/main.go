package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BMABHINAV/Legal-Platform/internal/aiprov"
	"github.com/BMABHINAV/Legal-Platform/internal/config"
	"github.com/BMABHINAV/Legal-Platform/internal/db"
	"github.com/BMABHINAV/Legal-Platform/internal/emergency"
	"github.com/BMABHINAV/Legal-Platform/internal/escrow"
	clog "github.com/BMABHINAV/Legal-Platform/internal/log"
	"github.com/BMABHINAV/Legal-Platform/internal/models"
	"github.com/BMABHINAV/Legal-Platform/internal/notify"
	"github.com/BMABHINAV/Legal-Platform/internal/scheduler"
	"github.com/BMABHINAV/Legal-Platform/internal/server"
	"github.com/BMABHINAV/Legal-Platform/internal/ws"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

// main 负责加载配置、初始化日志、连接数据库,装配实时注册表、
// 状态机与调度器,然后启动 Gin 服务并在收到信号时优雅退场。
func main() {
	cfg := config.Load()
	clog.Init(cfg)

	gdb, err := db.Connect(cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	clk := clock.New()
	dispatcher := notify.NewDispatcher(notify.LogSink{})

	registry := ws.NewRegistry(clk, cfg)
	jobs := scheduler.New(gdb, clk, dispatcher, cfg.SchedulerTick, cfg.JobRetryBackoff, cfg.JobMaxAttempts)
	escrowSvc := escrow.NewService(gdb, jobs, dispatcher, clk, cfg.EscrowAutoRelease)
	emergencySvc := emergency.NewService(gdb, registry, jobs, dispatcher, clk, cfg.EmergencyStaleAfter)
	aiClient := aiprov.NewClient(cfg.AIStatusURL, clk)

	jobs.Register(models.JobAutoRelease, escrowSvc.HandleAutoRelease)
	jobs.Register(models.JobCleanup, emergencySvc.HandleStaleCleanup)
	jobs.Register(models.JobLeaderboardRefresh, escrowSvc.HandleLeaderboardRefresh)
	jobs.Register(models.JobReminder, scheduler.ReminderHandler(dispatcher, clk))

	// 周期任务:每小时刷新一次榜单缓存
	if err := jobs.Schedule(models.ScheduledJob{
		Kind:            models.JobLeaderboardRefresh,
		TargetID:        "global",
		RunAt:           clk.Now(),
		IntervalSeconds: 3600,
	}); err != nil {
		log.Error().Err(err).Msg("schedule leaderboard refresh")
	}

	gateway := ws.NewGateway(registry, cfg)
	gateway.OnEmergency(func(userID uint, name string, p ws.EmergencyPayload) error {
		_, err := emergencySvc.Raise(userID, name, p)
		return err
	})

	registry.Start()
	jobs.Start()

	h := server.NewHandler(escrowSvc, emergencySvc, registry, jobs, aiClient)
	engine := server.SetupRouter(cfg, h, gateway)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: engine}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server run")
		}
	}()
	log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("server started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	// 先停调度与清扫,避免新状态迁移;再排空通知;最后关 HTTP。
	jobs.Stop()
	registry.Stop()
	dispatcher.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	log.Info().Msg("bye")
}
