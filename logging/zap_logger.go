// Package logging provides a zap-backed implementation of
// internal/base.Logger, grounded in the Maruqes-HyperHive logger
// package (which wraps go.uber.org/zap for the same purpose), for
// embedders that have already standardized on zap's structured
// logging instead of the teacher's stdlib-log DefaultLogger.
package logging

import (
	"go.uber.org/zap"
)

// ZapLogger adapts a *zap.SugaredLogger to internal/base.Logger.
type ZapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger wraps logger. A nil logger falls back to zap.NewNop().
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{s: logger.Sugar()}
}

// Infof implements base.Logger.
func (z *ZapLogger) Infof(format string, args ...interface{}) {
	z.s.Infof(format, args...)
}

// Fatalf implements base.Logger. zap.SugaredLogger.Fatalf already calls
// os.Exit(1) after logging, matching DefaultLogger.Fatalf's contract.
func (z *ZapLogger) Fatalf(format string, args ...interface{}) {
	z.s.Fatalf(format, args...)
}

// must is a small helper used by construction code that cannot itself
// return an error (e.g. package-level var initializers in tests).
func must(logger *zap.Logger, err error) *zap.Logger {
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// NewProductionZapLogger builds a ZapLogger from zap's production
// preset, falling back to a no-op logger if construction fails (e.g. no
// writable sink in a sandboxed test environment).
func NewProductionZapLogger() *ZapLogger {
	l, err := zap.NewProduction()
	return NewZapLogger(must(l, err))
}
