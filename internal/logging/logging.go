// Package logging configures zerolog for the fan-out service and provides
// panic-recovery helpers for goroutines and periodic tasks. Grounded on the
// teacher's internal/shared/monitoring/logger.go.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the logger's level and output format.
type Options struct {
	Level  string // debug|info|warn|error
	Format string // json|console
}

// New builds a structured logger. JSON output is Loki/ELK friendly; console
// output is for local development.
func New(opts Options) zerolog.Logger {
	var out io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if opts.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).With().Timestamp().Str("service", "fanout").Logger()
}

// RecoverPanic is deferred at the top of every goroutine and periodic task
// that must never take the process down with it. It logs the panic with a
// stack trace and swallows it; the caller's task is simply not restarted
// until its next scheduled tick (periodic tasks) or not at all (connection
// goroutines, which terminate the connection they were serving).
func RecoverPanic(logger zerolog.Logger, task string, fields map[string]any) {
	if r := recover(); r != nil {
		ev := logger.Error().
			Interface("panic", r).
			Str("task", task).
			Str("stack", string(debug.Stack()))
		for k, v := range fields {
			ev = ev.Interface(k, v)
		}
		ev.Msg("recovered panic")
	}
}
