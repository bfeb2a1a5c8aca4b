// Package logging provides the process-wide zap logger for veritor.
// Subsystems derive named loggers (retrieval, store, tools, ...) from the
// root logger so log lines carry their origin.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	root *zap.Logger = zap.NewNop()
)

// Init builds the process logger. Call once at startup before any subsystem
// starts logging. When debug is true the level drops to Debug and the encoder
// switches to console output for readability.
func Init(debug bool) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	if debug {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		config.Encoding = "console"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	logger, err := config.Build()
	if err != nil {
		return nil, err
	}
	mu.Lock()
	root = logger
	mu.Unlock()
	return logger, nil
}

// L returns the process logger. Safe to call before Init (returns a nop
// logger), which keeps tests quiet by default.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Named returns a child logger for a subsystem.
func Named(subsystem string) *zap.Logger {
	return L().Named(subsystem)
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	_ = L().Sync()
}
