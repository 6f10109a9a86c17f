// Package transport provides byte-level send/receive over a serial port with
// timeouts, flush, and reopen-on-error (C1). It does not interpret payload --
// that is the frame codec's job. Mirrors tinkerator-qftool's NewQF/term.Open
// pattern, generalized behind a Port interface so tests can substitute an
// in-process simulator.
package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when a read or write does not complete within its
// deadline.
var ErrTimeout = errors.New("transport: timed out")

// ErrClosed reports that the underlying device has gone away (e.g. a
// USB-RS485 dongle replug); SerialPort reports it when a read hits EOF.
// It reaches callers wrapped in an IOError.
var ErrClosed = errors.New("transport: closed")

// Port is the byte-level serial transport contract. Implementations must be
// safe for use by exactly one goroutine at a time -- the session engine owns
// the port exclusively for the session's duration.
type Port interface {
	// Write sends b, blocking until written or the timeout elapses.
	Write(b []byte, timeout time.Duration) error

	// ReadExact reads exactly n bytes, blocking until all n arrive or the
	// timeout elapses.
	ReadExact(n int, timeout time.Duration) ([]byte, error)

	// ReadUntilByte reads until b is seen (inclusive) or the timeout
	// elapses.
	ReadUntilByte(b byte, timeout time.Duration) ([]byte, error)

	// Drain discards any buffered input without blocking.
	Drain()

	// Reopen re-establishes the port with the same settings it was opened
	// with. The caller decides whether to retry the in-flight operation.
	Reopen() error

	// Close releases the underlying device.
	Close() error
}

// Settings are the serial line parameters AN3155 requires: even parity, 8
// data bits, 1 stop bit, configurable baud.
type Settings struct {
	PortName string
	Baud     int
}

// IOError wraps an underlying I/O failure other than a timeout (timeouts are
// returned as the bare ErrTimeout). A closed-port condition is an IOError
// wrapping ErrClosed, so match it with errors.Is.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }
