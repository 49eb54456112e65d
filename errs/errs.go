// Package errs defines the error taxonomy of the engine (spec.md §7):
// DeviceIo, DeviceFormat, OutOfResource, InvalidArgument, CorruptLog and
// Stuck. Each is a distinct sentinel that callers can match with
// errors.Is, wrapped with context via cockroachdb/errors the way the
// teacher wraps its own error values throughout internal/base and the
// top-level db package.
package errs

import (
	"github.com/cockroachdb/errors"
)

// Sentinel error kinds. Wrap one with errors.Mark(cause, Kind) (or just
// errors.Wrapf when the kind itself carries enough detail) so callers can
// recover the kind with errors.Is(err, errs.DeviceIo), etc.
var (
	// DeviceIo marks a transient or permanent I/O failure on a raw
	// device's data region. Not fatal: surfaced to the caller.
	DeviceIo = errors.New("device i/o error")

	// DeviceFormat marks a magic/CRC/version/UUID mismatch, or a
	// mismatched device count on load: the store is either not ours or
	// was formatted incompatibly. pdev.Load and device.LoadDevices return
	// it to their caller; nothing in the engine aborts the process on it.
	DeviceFormat = errors.New("device format error")

	// OutOfResource marks exhaustion of a bitmap-allocated resource: no
	// free vdev id, chunk id, or log space.
	OutOfResource = errors.New("out of resource")

	// InvalidArgument marks a programming error: a misaligned offset,
	// an oversize record, an unknown store id. It is always returned to
	// the caller; no call site asserts on it, in invariant builds or not.
	InvalidArgument = errors.New("invalid argument")

	// CorruptLog marks a record whose CRC or size check failed during
	// log recovery. Recoverable: recovery truncates the tail and
	// continues rather than failing boot.
	CorruptLog = errors.New("corrupt log record")

	// Stuck marks a checkpoint watchdog ceiling exceeded with no
	// consumer progress. Fatal.
	Stuck = errors.New("checkpoint stuck")
)

// Mark wraps cause with additional context while preserving kind as a
// matchable sentinel: errors.Is(Mark(kind, cause, "..."), kind) is true.
func Mark(kind error, cause error, format string, args ...interface{}) error {
	wrapped := errors.Wrapf(cause, format, args...)
	return errors.Mark(wrapped, kind)
}

// New builds a new error of the given kind with a formatted message,
// when there is no underlying cause to wrap.
func New(kind error, format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), kind)
}

// Fatal reports an unrecoverable error (the Checkpoint Manager's Stuck
// and super-block DeviceIo failures) through logger and then panics,
// since there is no controlled recovery path. logger's inline interface
// is satisfied by internal/base.Logger; it is declared here rather than
// imported to avoid a dependency cycle.
func Fatal(logger interface {
	Fatalf(format string, args ...interface{})
}, err error) {
	logger.Fatalf("%+v", err)
	panic(err)
}
