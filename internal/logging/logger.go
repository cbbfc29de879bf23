// Package logging wraps log/slog with the attributes the engine logs everywhere.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is a component-scoped structured logger.
type Logger struct {
	*slog.Logger
	base      *slog.Logger // same attributes, without component
	component string
}

// Config selects level and output format.
type Config struct {
	Level     string
	Format    string // json or text
	Component string
}

// New creates a logger writing to stdout.
func New(cfg Config) *Logger {
	return NewWithWriter(cfg, os.Stdout)
}

// NewWithWriter creates a logger writing to w.
func NewWithWriter(cfg Config, w io.Writer) *Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return newLogger(slog.New(handler), cfg.Component)
}

func newLogger(base *slog.Logger, component string) *Logger {
	l := base
	if component != "" {
		l = base.With(slog.String("component", component))
	}
	return &Logger{Logger: l, base: base, component: component}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *Logger {
	return NewWithWriter(Config{Level: "error"}, io.Discard)
}

// ParseLevel maps a level name onto slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Named returns a child logger whose component replaces this one's.
func (l *Logger) Named(component string) *Logger {
	return newLogger(l.base, component)
}

func (l *Logger) with(attr slog.Attr) *Logger {
	return newLogger(l.base.With(attr), l.component)
}

// WithJob adds the job id.
func (l *Logger) WithJob(jobID string) *Logger {
	return l.with(slog.String("job_id", jobID))
}

// WithRun adds the run id.
func (l *Logger) WithRun(runID string) *Logger {
	return l.with(slog.String("run_id", runID))
}

// WithError adds the error text.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.with(slog.String("error", err.Error()))
}

// Printf lets the logger back libraries that expect a printf-style writer (gorm).
func (l *Logger) Printf(format string, args ...interface{}) {
	l.Logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
