package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New creates a structured zerolog.Logger for the provisioning run.
// Non-empty context fields are added automatically.
func New(level, domain string) zerolog.Logger {
	ctx := zerolog.New(os.Stdout).With().Timestamp().Str("service", "fedistack")

	if domain != "" {
		ctx = ctx.Str("domain", domain)
	}

	logger := ctx.Logger()

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	return logger.Level(lvl)
}
