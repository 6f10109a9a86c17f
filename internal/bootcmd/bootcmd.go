// Package bootcmd implements the ST bootloader command layer (C3): one call
// per AN3155 command, each wrapped in a bounded low-level retry that drains
// the input before retrying. Every command (other than sync, which has no
// command byte) is described by a `commandSpec` table entry (code, name,
// timeout) driving a single dispatch primitive for its shared first step --
// write the code+complement, await the ack -- per the "tagged variant of
// command descriptors" guidance, rather than repeating that step inline in
// seven near-identical functions.
package bootcmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/FT9R/stm32-uart-prog/internal/frame"
	"github.com/FT9R/stm32-uart-prog/internal/transport"
)

// Command bytes per ST AN3155.
const (
	cmdGet           byte = 0x00
	cmdGetID         byte = 0x02
	cmdReadMemory    byte = 0x11
	cmdGo            byte = 0x21
	cmdWriteMemory   byte = 0x31
	cmdErase         byte = 0x43
	cmdExtendedErase byte = 0x44
)

// commandSpec is one entry of the AN3155 command table: the wire code, the
// name used in errors/logs, and which configured timeout bounds its dispatch
// step (the command frame and its ack). Later steps of a command pick their
// own timeout.
type commandSpec struct {
	code    byte
	name    string
	timeout func(Timeouts) time.Duration
}

func commandTimeout(t Timeouts) time.Duration { return t.Command }
func eraseTimeout(t Timeouts) time.Duration   { return t.Erase }

var (
	specGet           = commandSpec{code: cmdGet, name: "get", timeout: commandTimeout}
	specGetID         = commandSpec{code: cmdGetID, name: "get_id", timeout: commandTimeout}
	specReadMemory    = commandSpec{code: cmdReadMemory, name: "read_memory", timeout: commandTimeout}
	specWriteMemory   = commandSpec{code: cmdWriteMemory, name: "write_memory", timeout: commandTimeout}
	specErase         = commandSpec{code: cmdErase, name: "erase", timeout: eraseTimeout}
	specExtendedErase = commandSpec{code: cmdExtendedErase, name: "extended_erase", timeout: eraseTimeout}
	specGo            = commandSpec{code: cmdGo, name: "go", timeout: commandTimeout}
)

// Timeouts, configurable; these are the defaults from spec §4.3.
type Timeouts struct {
	Sync    time.Duration
	Command time.Duration
	Erase   time.Duration
	ReadAck time.Duration
}

// DefaultTimeouts returns the spec's default timeout values.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Sync:    200 * time.Millisecond,
		Command: 500 * time.Millisecond,
		Erase:   5 * time.Second,
		ReadAck: 1 * time.Second,
	}
}

// Retries bounds low-level transport retry. R_cmd wraps a whole
// request-response pair.
type Retries struct {
	Cmd int
}

// DefaultRetries returns R_cmd=3, the spec default.
func DefaultRetries() Retries { return Retries{Cmd: 3} }

// ErrCommandRejected is returned when the device NACKs a command.
type ErrCommandRejected struct {
	Command string
}

func (e *ErrCommandRejected) Error() string {
	return fmt.Sprintf("bootcmd: %s rejected (NACK)", e.Command)
}

// ErrProtocol wraps a transport or framing failure surfaced to the caller
// after the command's retry budget is exhausted.
type ErrProtocol struct {
	Command string
	Err     error
}

func (e *ErrProtocol) Error() string {
	return fmt.Sprintf("bootcmd: %s: protocol error: %v", e.Command, e.Err)
}
func (e *ErrProtocol) Unwrap() error { return e.Err }

// Device is the bootloader command layer bound to one serial port.
type Device struct {
	port     transport.Port
	timeouts Timeouts
	retries  Retries
	log      *logrus.Entry

	synced bool
}

// NewDevice binds the command layer to an open port.
func NewDevice(port transport.Port, timeouts Timeouts, retries Retries, log *logrus.Entry) *Device {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Device{port: port, timeouts: timeouts, retries: retries, log: log}
}

// withRetry runs op up to d.retries.Cmd times, draining input between
// attempts, translating transport failures into ErrProtocol only once the
// budget is exhausted.
func (d *Device) withRetry(ctx context.Context, name string, op func() error) error {
	var lastErr error
	for attempt := 1; attempt <= d.retries.Cmd; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if attempt > 1 {
			d.port.Drain()
		}
		err := op()
		if err == nil {
			return nil
		}
		var rejected *ErrCommandRejected
		var syncNACK *ErrSyncNACK
		if errors.As(err, &rejected) || errors.As(err, &syncNACK) {
			// CommandRejected and SyncNACK are command-specific policy, not a
			// transport retry condition -- per §4.3 sync() emits 0x7F exactly
			// once per session, so a NACK must reach the caller without a
			// resend, same as a rejected command.
			return err
		}
		lastErr = err
		d.log.WithFields(logrus.Fields{"command": name, "attempt": attempt, "error": err}).
			Warn("bootcmd: attempt failed, retrying")
	}
	return &ErrProtocol{Command: name, Err: lastErr}
}

func (d *Device) awaitResponse(timeout time.Duration) (ack bool, err error) {
	b, err := d.port.ReadExact(1, timeout)
	if err != nil {
		return false, err
	}
	return frame.DecodeResponse(b[0])
}

// sendExpectAck writes payload and requires an ack in response -- the shape
// shared by every address, length, sector-list, and data frame that follows
// a command's initial dispatch.
func (d *Device) sendExpectAck(name string, payload []byte, timeout time.Duration) error {
	if err := d.port.Write(payload, timeout); err != nil {
		return err
	}
	ack, err := d.awaitResponse(timeout)
	if err != nil {
		return err
	}
	if !ack {
		return &ErrCommandRejected{Command: name}
	}
	return nil
}

// dispatch writes a command table entry's code+complement and awaits its
// ack -- the common first step of every AN3155 command except sync, which
// has no command byte of its own.
func (d *Device) dispatch(spec commandSpec) error {
	return d.sendExpectAck(spec.name, frame.Command(spec.code), spec.timeout(d.timeouts))
}

// Sync emits the single 0x7F sync byte and awaits its response. A NACK here
// is reported to the caller as ErrSyncNACK without resending the byte (not
// fatal -- see session policy) rather than silently treated as success; a
// timeout or transport failure is retried under R_cmd like any other
// command. Sync has no command byte of its own, so it bypasses the
// commandSpec table.
func (d *Device) Sync(ctx context.Context) error {
	return d.withRetry(ctx, "sync", func() error {
		if err := d.port.Write([]byte{frame.SyncByte}, d.timeouts.Sync); err != nil {
			return err
		}
		ack, err := d.awaitResponse(d.timeouts.Sync)
		if err != nil {
			return err
		}
		d.synced = true
		if !ack {
			return &ErrSyncNACK{}
		}
		return nil
	})
}

// ErrSyncNACK is returned by Sync on a NACK response. Per the spec's Open
// Question 1, this is surfaced rather than silently swallowed: it may
// indicate the bootloader was already synchronized, or that a stray byte
// preceded the sync attempt.
type ErrSyncNACK struct{}

func (e *ErrSyncNACK) Error() string { return "bootcmd: sync NACKed" }

// GetResult is the decoded response to GET: bootloader version and the set
// of supported command bytes.
type GetResult struct {
	Version          byte
	SupportedCmds    []byte
	SupportsExtErase bool
}

// Get queries the bootloader version and command set.
func (d *Device) Get(ctx context.Context) (GetResult, error) {
	var result GetResult
	err := d.withRetry(ctx, specGet.name, func() error {
		if err := d.dispatch(specGet); err != nil {
			return err
		}
		hdr, err := d.port.ReadExact(1, d.timeouts.Command)
		if err != nil {
			return err
		}
		n := int(hdr[0]) + 1 // N bytes follow: version + command list
		body, err := d.port.ReadExact(n, d.timeouts.Command)
		if err != nil {
			return err
		}
		ack, err := d.awaitResponse(d.timeouts.Command)
		if err != nil {
			return err
		}
		if !ack {
			return &ErrCommandRejected{Command: specGet.name}
		}
		result = GetResult{Version: body[0], SupportedCmds: append([]byte(nil), body[1:]...)}
		for _, c := range result.SupportedCmds {
			if c == cmdExtendedErase {
				result.SupportsExtErase = true
			}
		}
		return nil
	})
	return result, err
}

// GetID queries the 12-bit product ID.
func (d *Device) GetID(ctx context.Context) (uint16, error) {
	var pid uint16
	err := d.withRetry(ctx, specGetID.name, func() error {
		if err := d.dispatch(specGetID); err != nil {
			return err
		}
		hdr, err := d.port.ReadExact(1, d.timeouts.Command)
		if err != nil {
			return err
		}
		n := int(hdr[0]) + 1
		body, err := d.port.ReadExact(n, d.timeouts.Command)
		if err != nil {
			return err
		}
		ack, err := d.awaitResponse(d.timeouts.Command)
		if err != nil {
			return err
		}
		if !ack {
			return &ErrCommandRejected{Command: specGetID.name}
		}
		if len(body) >= 2 {
			pid = uint16(body[0])<<8 | uint16(body[1])
		}
		return nil
	})
	return pid, err
}

// ReadMemory reads n bytes (1<=n<=256) from addr.
func (d *Device) ReadMemory(ctx context.Context, addr uint32, n int) ([]byte, error) {
	var data []byte
	err := d.withRetry(ctx, specReadMemory.name, func() error {
		if err := d.dispatch(specReadMemory); err != nil {
			return err
		}
		if err := d.sendExpectAck(specReadMemory.name, frame.Address(addr), d.timeouts.Command); err != nil {
			return err
		}
		nMinus1 := byte(n - 1)
		if err := d.sendExpectAck(specReadMemory.name, []byte{nMinus1, nMinus1 ^ 0xFF}, d.timeouts.Command); err != nil {
			return err
		}
		body, err := d.port.ReadExact(n, d.timeouts.ReadAck)
		if err != nil {
			return err
		}
		data = body
		return nil
	})
	return data, err
}

// WriteMemory writes bytes (len<=256, multiple of 4) to word-aligned addr.
func (d *Device) WriteMemory(ctx context.Context, addr uint32, data []byte) error {
	return d.withRetry(ctx, specWriteMemory.name, func() error {
		if err := d.dispatch(specWriteMemory); err != nil {
			return err
		}
		if err := d.sendExpectAck(specWriteMemory.name, frame.Address(addr), d.timeouts.Command); err != nil {
			return err
		}
		payload, err := frame.LengthPayload(data)
		if err != nil {
			return err
		}
		// The device acks only after the write completes, so this step
		// waits on the erase timeout rather than the command timeout.
		return d.sendExpectAck(specWriteMemory.name, payload, d.timeouts.Erase)
	})
}

// Erase erases sectors using the standard ERASE command (one command per
// call; the planner never coalesces erases across invocations).
func (d *Device) Erase(ctx context.Context, sectors []int) error {
	return d.withRetry(ctx, specErase.name, func() error {
		if err := d.dispatch(specErase); err != nil {
			return err
		}
		payload, err := frame.StandardEraseSectors(sectors)
		if err != nil {
			return err
		}
		return d.sendExpectAck(specErase.name, payload, d.timeouts.Erase)
	})
}

// ExtendedErase erases sectors using EXTENDED_ERASE.
func (d *Device) ExtendedErase(ctx context.Context, sectors []int) error {
	return d.withRetry(ctx, specExtendedErase.name, func() error {
		if err := d.dispatch(specExtendedErase); err != nil {
			return err
		}
		payload, err := frame.ExtendedEraseSectors(sectors)
		if err != nil {
			return err
		}
		return d.sendExpectAck(specExtendedErase.name, payload, d.timeouts.Erase)
	})
}

// Go jumps to addr; no ACK is expected once the device leaves the
// bootloader.
func (d *Device) Go(ctx context.Context, addr uint32) error {
	return d.withRetry(ctx, specGo.name, func() error {
		if err := d.dispatch(specGo); err != nil {
			return err
		}
		// No response expected after the jump address is accepted.
		return d.port.Write(frame.Address(addr), d.timeouts.Command)
	})
}
