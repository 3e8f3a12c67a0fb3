// Package logger is the process-wide zerolog setup plus a small printf-style
// facade for middleware and bootstrap code.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level   string
	Pretty  bool
	Service string
	Output  io.Writer
}

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stdout).With().Timestamp().Logger()
)

// Init replaces the process logger. It is safe to call more than once.
func Init(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	if cfg.Service == "" {
		cfg.Service = "billscan"
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano
	l := zerolog.New(out).
		Level(ParseLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service", cfg.Service).
		Logger()

	mu.Lock()
	base = l
	mu.Unlock()
	return l
}

// ParseLevel maps a level name to zerolog, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// Zerolog returns the process logger for components that log natively.
func Zerolog() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Entry carries fields for a single log call chain.
type Entry struct {
	l zerolog.Logger
}

func (e *Entry) WithField(key string, value any) *Entry {
	return &Entry{l: e.l.With().Interface(key, value).Logger()}
}

func (e *Entry) WithFields(fields map[string]any) *Entry {
	return &Entry{l: e.l.With().Fields(fields).Logger()}
}

func (e *Entry) WithError(err error) *Entry {
	if err == nil {
		return e
	}
	return &Entry{l: e.l.With().Err(err).Logger()}
}

func (e *Entry) WithDuration(d time.Duration) *Entry {
	return &Entry{l: e.l.With().Float64("duration_ms", float64(d.Microseconds())/1000.0).Logger()}
}

func (e *Entry) Debug(msg string, args ...any) { e.l.Debug().Msgf(msg, args...) }
func (e *Entry) Info(msg string, args ...any)  { e.l.Info().Msgf(msg, args...) }
func (e *Entry) Warn(msg string, args ...any)  { e.l.Warn().Msgf(msg, args...) }
func (e *Entry) Error(msg string, args ...any) { e.l.Error().Msgf(msg, args...) }

func entry() *Entry { return &Entry{l: Zerolog()} }

func Debug(msg string, args ...any) { entry().Debug(msg, args...) }
func Info(msg string, args ...any)  { entry().Info(msg, args...) }
func Warn(msg string, args ...any)  { entry().Warn(msg, args...) }
func Error(msg string, args ...any) { entry().Error(msg, args...) }

func WithField(key string, value any) *Entry  { return entry().WithField(key, value) }
func WithFields(fields map[string]any) *Entry { return entry().WithFields(fields) }
func WithError(err error) *Entry              { return entry().WithError(err) }
