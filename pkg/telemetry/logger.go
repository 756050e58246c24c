package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is a zerolog logger carrying the run, rank and slot a line
// belongs to. Derived loggers share the writer of their parent.
type Logger struct {
	zlog zerolog.Logger
}

type loggerContextKey struct{}

// NewLogger builds the logger described by cfg.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	w, err := logWriter(cfg.Output)
	if err != nil {
		return nil, err
	}

	zerolog.TimeFieldFormat = timeFieldFormat(cfg.TimeFormat)
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	zctx := zerolog.New(w).With().Timestamp()
	if cfg.EnableCaller {
		zctx = zctx.Caller()
	}
	return &Logger{zlog: zctx.Logger().Level(parseLogLevel(cfg.Level))}, nil
}

func logWriter(output string) (io.Writer, error) {
	switch output {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

func timeFieldFormat(format string) string {
	switch format {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	case "unixmicro":
		return zerolog.TimeFormatUnixMicro
	}
	return time.RFC3339
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{zlog: zerolog.Nop()}
}

// NewWriterLogger returns a logger writing JSON lines to w.
func NewWriterLogger(w io.Writer, level string) *Logger {
	return &Logger{zlog: zerolog.New(w).With().Timestamp().Logger().Level(parseLogLevel(level))}
}

// FromContext returns the logger stored in ctx, or a JSON logger on
// stderr.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return NewWriterLogger(os.Stderr, "info")
}

// WithContext stores l in ctx.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

func (l *Logger) derive(f func(zerolog.Context) zerolog.Context) *Logger {
	return &Logger{zlog: f(l.zlog.With()).Logger()}
}

// NewComponentLogger tags every line with component.
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Str("component", component) })
}

// WithField adds one field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Interface(key, value) })
}

// WithFields adds several fields.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Fields(fields) })
}

// WithRunID adds the run id.
func (l *Logger) WithRunID(runID string) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Str("run_id", runID) })
}

// WithRank adds the world rank.
func (l *Logger) WithRank(rank int) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Int("rank", rank) })
}

// WithSlot adds the slot of the rank in the window of block.
func (l *Logger) WithSlot(slot, block int) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Int("slot", slot).Int("block", block) })
}

// WithError attaches err.
func (l *Logger) WithError(err error) *Logger {
	return l.derive(func(c zerolog.Context) zerolog.Context { return c.Err(err) })
}

// Enabled reports whether lines at level are written.
func (l *Logger) Enabled(level zerolog.Level) bool {
	return level >= l.zlog.GetLevel() && level >= zerolog.GlobalLevel()
}

// Zerolog exposes the underlying logger for structured events.
func (l *Logger) Zerolog() *zerolog.Logger {
	return &l.zlog
}

func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

func (l *Logger) Debugf(format string, args ...interface{}) { l.zlog.Debug().Msgf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.zlog.Info().Msgf(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.zlog.Warn().Msgf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.zlog.Error().Msgf(format, args...) }

func parseLogLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
