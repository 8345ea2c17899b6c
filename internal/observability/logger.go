package observability

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/vispy/GSP-API/internal/logging"
)

// InitLogger installs the process logger for app, honoring the GSP_LOG_*
// environment overrides.
func InitLogger(app string) zerolog.Logger {
	cfg := logging.DefaultConfig(logging.ProfileRuntime)
	logging.ApplyEnvOverrides(&cfg, os.Getenv)
	logger := logging.New(cfg, os.Stderr).With().Str("app", app).Logger()
	log.Logger = logger
	zerolog.SetGlobalLevel(cfg.Level)
	return logger
}
