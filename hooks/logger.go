package hooks

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Skryldev/derivcache/core"
)

// ── slog adapter ──────────────────────────────────────────────────────────────

// SlogLogger wraps the standard library slog.Logger to satisfy core.Logger.
type SlogLogger struct {
	log *slog.Logger
}

var _ core.Logger = (*SlogLogger)(nil)

// NewSlogLogger creates a logger backed by slog.
func NewSlogLogger(l *slog.Logger) *SlogLogger { return &SlogLogger{log: l} }

func (s *SlogLogger) Debug(msg string, fields ...interface{}) { s.log.Debug(msg, fields...) }
func (s *SlogLogger) Info(msg string, fields ...interface{})  { s.log.Info(msg, fields...) }
func (s *SlogLogger) Warn(msg string, fields ...interface{})  { s.log.Warn(msg, fields...) }
func (s *SlogLogger) Error(msg string, fields ...interface{}) { s.log.Error(msg, fields...) }

// ── zerolog adapter ───────────────────────────────────────────────────────────

// LogConfig selects the zerolog output.
type LogConfig struct {
	// Level: trace, debug, info, warn, error. Default info.
	Level string
	// Format: json or console. Default json.
	Format string
	Caller bool
	// Output defaults to os.Stderr.
	Output io.Writer
}

// ZerologLogger satisfies core.Logger on top of a zerolog.Logger.
type ZerologLogger struct {
	log zerolog.Logger
}

var _ core.Logger = (*ZerologLogger)(nil)

// NewZerologLogger wraps an existing zerolog.Logger.
//
//nolint:gocritic // zerolog.Logger is designed to be passed by value
func NewZerologLogger(l zerolog.Logger) *ZerologLogger { return &ZerologLogger{log: l} }

// NewZerolog builds a zerolog-backed logger from cfg.
func NewZerolog(cfg LogConfig) *ZerologLogger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if strings.EqualFold(cfg.Format, "console") {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}
	zctx := zerolog.New(out).Level(ParseLevel(cfg.Level)).With().Timestamp()
	if cfg.Caller {
		zctx = zctx.Caller()
	}
	return &ZerologLogger{log: zctx.Logger()}
}

// Zerolog exposes the underlying logger, e.g. for a slog bridge.
func (z *ZerologLogger) Zerolog() zerolog.Logger { return z.log }

func (z *ZerologLogger) Debug(msg string, fields ...interface{}) {
	withFields(z.log.Debug(), fields).Msg(msg)
}
func (z *ZerologLogger) Info(msg string, fields ...interface{}) {
	withFields(z.log.Info(), fields).Msg(msg)
}
func (z *ZerologLogger) Warn(msg string, fields ...interface{}) {
	withFields(z.log.Warn(), fields).Msg(msg)
}
func (z *ZerologLogger) Error(msg string, fields ...interface{}) {
	withFields(z.log.Error(), fields).Msg(msg)
}

// withFields appends key-value pairs; a trailing key without a value is
// logged under "!BADKEY" like slog does.
func withFields(e *zerolog.Event, fields []interface{}) *zerolog.Event {
	if e == nil {
		return nil
	}
	for i := 0; i < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			key = fmt.Sprint(fields[i])
		}
		if i+1 >= len(fields) {
			e = e.Interface("!BADKEY", fields[i])
			break
		}
		switch v := fields[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case string:
			e = e.Str(key, v)
		case int:
			e = e.Int(key, v)
		case int64:
			e = e.Int64(key, v)
		case bool:
			e = e.Bool(key, v)
		case time.Duration:
			e = e.Dur(key, v)
		case fmt.Stringer:
			e = e.Stringer(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	return e
}

// ParseLevel converts a level name to a zerolog.Level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// SlogLevel maps a level name onto slog, for components that want a
// *slog.Logger.
func SlogLevel(level string) slog.Level {
	switch ParseLevel(level) {
	case zerolog.TraceLevel, zerolog.DebugLevel:
		return slog.LevelDebug
	case zerolog.WarnLevel:
		return slog.LevelWarn
	case zerolog.ErrorLevel, zerolog.Disabled:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
