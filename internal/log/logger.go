// Package log provides structured logging for taintrace using zap.
package log

import (
	"strconv"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with analysis-specific helpers.
type Logger struct {
	*zap.Logger
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// Get returns the global logger, or a no-op logger when Init was never called.
func Get() *Logger {
	if L == nil {
		return NewNop()
	}
	return L
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// Shorter timestamps in development
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// Activation logs a trigger transition.
func (l *Logger) Activation(addr uint64, active bool, source string) {
	l.Debug("trigger",
		Addr(addr),
		zap.Bool("active", active),
		zap.String("src", source),
	)
}

// Directive logs a taint or untaint directive applied at an address.
func (l *Logger) Directive(addr uint64, op, target string) {
	l.Debug("directive",
		Addr(addr),
		zap.String("op", op),
		zap.String("target", target),
	)
}

// HookInstall logs when a hook is installed at an address.
func (l *Logger) HookInstall(category, name string, addr uint64) {
	l.Debug("installed",
		zap.String("cat", category),
		zap.String("fn", name),
		Addr(addr),
	)
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{Logger: l.Logger.With(zap.String("cat", category))}
}

// Hex formats a uint64 as hex string for logging.
func Hex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Thread creates a thread id field.
func Thread(tid uint32) zap.Field {
	return zap.Uint32("tid", tid)
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}
