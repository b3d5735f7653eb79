// Package cli holds the shared setup of the one-shot command line tools:
// environment configuration and console logging.
package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/caarlos0/env/v11"
	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"github.com/lmittmann/tint"
)

// LogConfig selects the log level and format.
type LogConfig struct {
	LogLevel  slog.Level `env:"LOG_LEVEL" envDefault:"INFO"`
	LogFormat string     `env:"LOG_FORMAT" envDefault:"text" validate:"omitempty,oneof=text json"`
}

var configValidator = validator.New()

// LoadEnv fills cfg from the environment and validates it.
func LoadEnv(cfg any) error {
	if err := env.Parse(cfg); err != nil {
		return errors.Wrap(err, "parse environment")
	}
	if err := configValidator.Struct(cfg); err != nil {
		return errors.Wrap(err, "validate config")
	}
	return nil
}

// NewLogger writes JSON logs, or colored console logs for the text format.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	if strings.EqualFold(strings.TrimSpace(cfg.LogFormat), "json") {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.LogLevel}))
	}
	return slog.New(tint.NewHandler(w, &tint.Options{Level: cfg.LogLevel}))
}

// Main runs fn until it returns or the process is interrupted and exits
// non-zero on error.
func Main(name string, lg *slog.Logger, fn func(ctx context.Context) error) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := fn(ctx); err != nil {
		lg.Error(name+" failed", tint.Err(err))
		cancel()
		os.Exit(1)
	}
	lg.Info(name + " completed")
}
