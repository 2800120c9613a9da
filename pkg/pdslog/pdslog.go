// Package pdslog is the structured logging helper shared by the core
// packages and the cmd/ drivers.
//
// Grounded on edirooss-zmux-server's use of go.uber.org/zap: a single
// process-wide *zap.Logger built once in buildLogger
// (cmd/bulk-delete/main.go) and threaded into services as a constructor
// argument, with call sites logging structured zap.Field key=value pairs
// rather than formatted strings (redis/client.go, cmd/zmux-server/main.go).
// pdslog keeps that shape but narrows it to this module's needs: a single
// package-global default logger plus an injectable *zap.Logger for tests
// that want to assert on structured fields instead of parsing text.
package pdslog

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu      sync.RWMutex
	current *zap.Logger
)

func init() {
	current = mustDefault()
}

func mustDefault() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, err := cfg.Build()
	if err != nil {
		// zap's production config never fails to build; fall back to Nop
		// rather than panic if the toolchain's defaults ever change.
		return zap.NewNop()
	}
	return logger
}

// Default returns the package-global logger.
func Default() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// SetDefault replaces the package-global logger, returning the previous
// one so callers (mainly tests) can restore it afterward.
func SetDefault(l *zap.Logger) *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	prev := current
	current = l
	return prev
}

// NewRun allocates a fresh correlation ID for one collect() call, so the
// start, swap, and pool-expunge log lines of one GC pass can be grepped
// together by run_id.
func NewRun() string {
	return uuid.NewString()
}

// GCStart logs the beginning of a garbage-collection pass at info level.
func GCStart(runID, store string, roots int) {
	Default().Info("gc: pass started",
		zap.String("run_id", runID),
		zap.String("store", store),
		zap.Int("roots", roots),
	)
}

// GCSwap logs the atomic active/standby swap that commits a GC pass.
func GCSwap(runID, store, swappedTo string, duration time.Duration) {
	Default().Info("gc: swapped to standby",
		zap.String("run_id", runID),
		zap.String("store", store),
		zap.String("swapped_to", swappedTo),
		zap.Duration("duration", duration),
	)
}

// PoolCreated logs creation of a new on-disk pool file.
func PoolCreated(store, poolID string) {
	Default().Info("pool: created",
		zap.String("store", store),
		zap.String("pool", poolID),
	)
}

// PoolExpunged logs a vacated pool file being truncated back to its
// reserved slot after a GC pass.
func PoolExpunged(runID, store, poolID string) {
	Default().Info("pool: expunged",
		zap.String("run_id", runID),
		zap.String("store", store),
		zap.String("pool", poolID),
	)
}

// Corrupt logs a detected on-disk corruption at error level before the
// caller's error return unwinds past it.
func Corrupt(store string, err error) {
	Default().Error("store: corruption detected",
		zap.String("store", store),
		zap.Error(err),
	)
}

// IOFailure logs an I/O failure at error level before the caller's error
// return unwinds past it.
func IOFailure(store, op string, err error) {
	Default().Error("store: io failure",
		zap.String("store", store),
		zap.String("op", op),
		zap.Error(err),
	)
}
