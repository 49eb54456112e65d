package base

import (
	"fmt"
	"log"
	"os"
)

// Logger defines an interface for writing log messages. Components that
// need to log take a Logger rather than reaching for the stdlib log
// package directly, so an embedder can redirect output (see the logging
// package's zap-backed implementation).
type Logger interface {
	Infof(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// DefaultLogger logs to the Go stdlib logger.
type DefaultLogger struct{}

// Infof implements Logger.
func (DefaultLogger) Infof(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
}

// Fatalf implements Logger. Fatal conditions in this engine (a device
// that belongs to a different system, a checkpoint that is stuck) are
// not recoverable, so Fatalf logs and terminates the process.
func (DefaultLogger) Fatalf(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
	os.Exit(1)
}
