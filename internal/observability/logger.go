// Package observability provides logging, metrics, and tracing for the
// job orchestration and action lifecycle core (SPEC_FULL.md §4.11).
package observability

import (
	"log/slog"
	"os"

	"github.com/ashford-core/ashford-core/internal/config"
)

// SetupLogger configures a JSON slog logger with environment fields,
// grounded on the teacher's observability.SetupLogger.
func SetupLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if cfg.IsDev() {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(h).With(
		slog.String("service", cfg.OTELServiceName),
		slog.String("env", cfg.AppEnv),
	)
}
