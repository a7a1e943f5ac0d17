package log

import (
	"io"
	"os"
	"time"

	"github.com/BMABHINAV/Legal-Platform/internal/config"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// 全局 logger 携带的服务标识,多服务共用一套日志采集时用于区分来源。
const serviceName = "legal-platform-rt"

// Init 按运行环境装配全局 logger:dev 用带色控制台输出并降到 Debug,
// 其他环境输出 JSON 行,级别 Info。
func Init(cfg config.Config) {
	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	out := io.Writer(os.Stdout)
	if cfg.Env == "dev" {
		level = zerolog.DebugLevel
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(out).With().Timestamp().Str("service", serviceName).Logger()
}
