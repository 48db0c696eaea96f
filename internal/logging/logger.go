// Package logging provides the structured logging of the Web viewer
// plugin. Every subsystem logs through a named component logger, so
// cache, prefetch and HTTP traffic can be told apart without repeating
// fields at each call site. The level comes from WEBVIEWER_LOG_LEVEL.
package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu         sync.Mutex
	base       *zap.Logger
	sugar      *zap.SugaredLogger
	components = make(map[string]*zap.Logger)
)

func parseLevel(value string, fallback zapcore.Level) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return fallback
	}
}

func build() *zap.Logger {
	production := os.Getenv("ENVIRONMENT") == "production"

	var cfg zap.Config
	if production {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(os.Getenv("WEBVIEWER_LOG_LEVEL"), zapcore.InfoLevel))
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.Level = zap.NewAtomicLevelAt(parseLevel(os.Getenv("WEBVIEWER_LOG_LEVEL"), zapcore.DebugLevel))
	}

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// Init initializes the global logger. Safe to call multiple times.
func Init() {
	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		base = build()
		sugar = base.Sugar()
	}
}

// L returns the root structured logger.
func L() *zap.Logger {
	Init()
	return base
}

// S returns the root sugared logger (printf-style).
func S() *zap.SugaredLogger {
	Init()
	return sugar
}

// Component returns the named logger of one subsystem ("cache",
// "scheduler", "viewer", ...). Loggers are cached, so call sites may
// fetch them on every use.
func Component(name string) *zap.Logger {
	Init()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := components[name]; ok {
		return l
	}
	l := base.Named(name)
	components[name] = l
	return l
}

// Sync flushes any buffered log entries. Call before exit.
func Sync() {
	mu.Lock()
	defer mu.Unlock()
	if base != nil {
		_ = base.Sync()
	}
}
