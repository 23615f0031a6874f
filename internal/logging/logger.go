package logging

import (
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// New builds the daemon's root logger: tint's colorized handler for
// "local"/"development" environments, plain JSON otherwise, both wrapped
// in ContextHandler so job/cron/node correlation attaches automatically.
//
// level is a slog.Leveler rather than a fixed slog.Level so callers can
// pass a *slog.LevelVar and adjust verbosity at runtime (the control
// protocol's VERBOSE command does exactly this).
func New(env string, level slog.Leveler) *slog.Logger {
	var inner slog.Handler
	if env == "local" || env == "development" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(NewContextHandler(inner))
}
