// Package logging wraps zap with a process-wide structured logger.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or console
}

var logger = zap.NewNop()

// Init builds the global logger. Call once at startup, before any
// other package logs.
func Init(cfg Config) error {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = true

	l, err := zc.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	logger = l
	return nil
}

// Sync flushes buffered log entries.
func Sync() {
	_ = logger.Sync()
}

// L returns the underlying zap logger for callers that want a named child.
func L() *zap.Logger {
	return logger
}

func Debug(msg string, fields ...zap.Field) { logger.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { logger.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { logger.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { logger.Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { logger.Fatal(msg, fields...) }
