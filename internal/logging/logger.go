package logging

import (
	"io"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"

	"github.com/i474232898/airquality-backfill/internal/config"
)

// New returns a colored human-readable logger in dev and a JSON logger otherwise.
func New(w io.Writer, cfg *config.AppConfig, version string, appName string) *slog.Logger {
	if cfg.AppEnv == "dev" {
		h := tint.NewHandler(w, &tint.Options{
			Level:      cfg.LogLevel,
			AddSource:  true,
			TimeFormat: time.Kitchen,
		})
		return slog.New(h).With("app", appName)
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})
	return slog.New(h).With(
		"app", appName,
		"version", version,
		"env", cfg.AppEnv,
		"station", cfg.Station,
	)
}
