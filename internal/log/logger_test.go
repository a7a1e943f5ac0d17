package log

import (
	"testing"

	"github.com/BMABHINAV/Legal-Platform/internal/config"
	"github.com/rs/zerolog"
)

func TestInitLevelPerEnv(t *testing.T) {
	Init(config.Config{Env: "dev"})
	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Errorf("dev level = %s, want debug", zerolog.GlobalLevel())
	}

	Init(config.Config{Env: "prod"})
	if zerolog.GlobalLevel() != zerolog.InfoLevel {
		t.Errorf("prod level = %s, want info", zerolog.GlobalLevel())
	}
}
