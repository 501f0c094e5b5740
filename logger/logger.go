package logger

import (
	"io"
	"log/slog"
	"os"
)

const (
	EnvLocal = "local"
	EnvDev   = "dev"
	EnvProd  = "prod"
)

// Setup builds the process logger for the given environment and installs it as the slog default.
func Setup(env string) *slog.Logger {
	log := New(env, os.Stdout)
	slog.SetDefault(log)
	return log
}

// New builds a logger writing to out. Unknown environments get the prod handler.
func New(env string, out io.Writer) *slog.Logger {
	var log *slog.Logger

	switch env {
	case EnvLocal:
		opts := PrettyHandlerOptions{
			SlogOpts: &slog.HandlerOptions{Level: slog.LevelDebug},
		}
		log = slog.New(opts.NewPrettyHandler(out))
	case EnvDev:
		log = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	default:
		log = slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	return log
}

// Err renders an error as a string attribute.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
