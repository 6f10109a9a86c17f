// Package session implements the per-target bootloader session state
// machine (C7): connect -> handshake -> program loop -> release, invoking
// the context hooks and orchestrating retries exactly as spec §4.7
// describes.
package session

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"zappem.net/pub/debug/xxd"

	"github.com/FT9R/stm32-uart-prog/internal/bootcmd"
	"github.com/FT9R/stm32-uart-prog/internal/heximage"
	"github.com/FT9R/stm32-uart-prog/internal/hooks"
	"github.com/FT9R/stm32-uart-prog/internal/mcu"
	"github.com/FT9R/stm32-uart-prog/internal/plan"
	"github.com/FT9R/stm32-uart-prog/internal/transport"
)

// Retries bounds the session-level retry loops. R_cmd lives in
// bootcmd.Retries; these are the sector/chunk/session ceilings from §4.7.
type Retries struct {
	Erase          int // R_erase, default 3
	Chunk          int // R_chunk, default 3
	SectorRecover  int // R_sector_recover, default 2
	SessionRestart int // default 2
}

// DefaultRetries returns the spec's default retry ceilings.
func DefaultRetries() Retries {
	return Retries{Erase: 3, Chunk: 3, SectorRecover: 2, SessionRestart: 2}
}

// Options configures one session run.
type Options struct {
	Target        hooks.TargetID
	AllTargets     []hooks.TargetID
	Hooks          hooks.Hooks
	Image          *heximage.Image
	Go             bool // whether to jump to flash_lo after success (--no-go is the default)
	BootcmdRetries bootcmd.Retries
	Timeouts       bootcmd.Timeouts
	SessionRetries Retries
	Log            *logrus.Entry
}

// Session drives one target through the full bootloader programming
// lifecycle. It owns the transport port exclusively for its duration.
type Session struct {
	opts     Options
	port     transport.Port
	log      *logrus.Entry
	counters AttemptCounters
}

// New binds a session to an already-open port. The fleet driver lends the
// port to exactly one session at a time.
func New(port transport.Port, opts Options) *Session {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("target", opts.Target)
	return &Session{opts: opts, port: port, log: log, counters: newAttemptCounters()}
}

func checkCancel(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return &ErrCancelled{}
	default:
		return nil
	}
}

// Run drives the target from Idle through Done or Failed.
func (s *Session) Run(ctx context.Context) Result {
	state, err := s.run(ctx)
	return Result{State: state, Err: err, Counters: s.counters}
}

func (s *Session) run(ctx context.Context) (State, error) {
	if err := checkCancel(ctx); err != nil {
		return Failed, err
	}

	if err := s.opts.Hooks.BeQuiet(ctx, s.opts.AllTargets); err != nil {
		return Failed, &hooks.ErrHook{Stage: "be_quiet", Err: err}
	}
	s.log.Debug("session: bus silenced")

	// §4.7 "Recovery within a session": a successful transport reopen does
	// not reset the bootloader -- if commands anywhere in the session (not
	// just the handshake) keep failing with ProtocolError, the whole session
	// restarts from step 2 (hooks.enter_bootloader) against a per-target
	// ceiling, rather than only retrying the handshake.
	for restarts := 0; ; restarts++ {
		nextState, err := s.attempt(ctx)
		if err == nil {
			return nextState, nil
		}

		var protoErr *bootcmd.ErrProtocol
		if !errors.As(err, &protoErr) || restarts >= s.opts.SessionRetries.SessionRestart {
			if errors.As(err, &protoErr) {
				return Failed, &ErrSessionRestartsExhausted{Target: s.opts.Target}
			}
			return Failed, err
		}
		s.counters.SessionRestarts++
		s.log.WithField("attempt", restarts+1).Warn("session: restarting after repeated protocol error")
	}
}

// attempt runs step 2 onward once: enter_bootloader, handshake+identify,
// then the full program loop. Called again from run's restart loop when a
// ProtocolError survives a transport reopen anywhere in this sequence.
func (s *Session) attempt(ctx context.Context) (State, error) {
	if err := s.opts.Hooks.EnterBootloader(ctx, s.opts.Target); err != nil {
		return Failed, &hooks.ErrHook{Stage: "enter_bootloader", Err: err}
	}
	s.log.Debug("session: target entered bootloader")

	state, descriptor, device, err := s.handshakeAndIdentify(ctx)
	if err != nil {
		return Failed, err
	}

	return s.program(ctx, state, descriptor, device)
}

// handshakeAndIdentify performs sync+get+get_id and selects the descriptor.
func (s *Session) handshakeAndIdentify(ctx context.Context) (State, mcu.Descriptor, *bootcmd.Device, error) {
	device := bootcmd.NewDevice(s.port, s.opts.Timeouts, s.opts.BootcmdRetries, s.log)

	if err := s.withReopen(ctx, func() error { return device.Sync(ctx) }); err != nil {
		var nack *bootcmd.ErrSyncNACK
		if errors.As(err, &nack) {
			s.log.Warn("session: sync NACKed -- stray byte before sync, or bootloader already synchronized")
		} else {
			return 0, mcu.Descriptor{}, nil, err
		}
	}
	s.log.Debug("session: handshaked")

	var get bootcmd.GetResult
	if err := s.withReopen(ctx, func() error {
		var err error
		get, err = device.Get(ctx)
		return err
	}); err != nil {
		return 0, mcu.Descriptor{}, nil, err
	}

	var pid uint16
	if err := s.withReopen(ctx, func() error {
		var err error
		pid, err = device.GetID(ctx)
		return err
	}); err != nil {
		return 0, mcu.Descriptor{}, nil, err
	}
	descriptor, err := mcu.Lookup(pid)
	if err != nil {
		return 0, mcu.Descriptor{}, nil, err // UnsupportedDevice, fatal for target
	}
	if get.SupportsExtErase {
		descriptor.Erase = mcu.EraseExtended
	} else {
		descriptor.Erase = mcu.EraseStandard
	}
	s.log.WithField("pid", pid).Debug("session: identified")
	return Identified, descriptor, device, nil
}

// withReopen retries op across a transport reopen when the failure is a
// closed transport, per §4.7: "on TransportClosed the session calls
// transport.reopen() and retries the current command up to R_cmd times".
func (s *Session) withReopen(ctx context.Context, op func() error) error {
	err := op()
	if err == nil {
		return nil
	}
	if !errors.Is(err, transport.ErrClosed) {
		return err
	}
	s.log.Warn("session: transport closed, reopening")
	if reopenErr := s.port.Reopen(); reopenErr != nil {
		return reopenErr
	}
	s.counters.Reopens++
	return op()
}

func (s *Session) program(ctx context.Context, state State, descriptor mcu.Descriptor, device *bootcmd.Device) (State, error) {
	p, err := plan.Build(s.opts.Image, descriptor)
	if err != nil {
		return Failed, err
	}

	for _, sector := range p.DirtySectors {
		if err := checkCancel(ctx); err != nil {
			return Failed, err
		}
		chunks := p.ChunksInSector(sector)
		if err := s.programSector(ctx, device, descriptor, sector, chunks); err != nil {
			return Failed, err
		}
	}

	if s.opts.Go {
		if err := checkCancel(ctx); err != nil {
			return Failed, err
		}
		if err := device.Go(ctx, descriptor.FlashLo); err != nil {
			s.log.WithError(err).Warn("session: GO command failed; target left in bootloader")
		}
	}
	return Done, nil
}

// programSector runs the erase-then-write-all-chunks loop for one sector,
// with sector-recovery escalation on repeated chunk failure.
func (s *Session) programSector(ctx context.Context, device *bootcmd.Device, descriptor mcu.Descriptor, sector int, chunks []plan.Chunk) error {
	for recovery := 0; ; recovery++ {
		if err := s.eraseSectorWithRetry(ctx, device, descriptor, sector); err != nil {
			return err
		}

		failedChunk, err := s.writeAllChunks(ctx, device, chunks)
		if err == nil {
			return nil
		}
		if recovery >= s.opts.SessionRetries.SectorRecover {
			return &ErrSectorUnrecoverable{Sector: sector}
		}
		s.counters.SectorRecoveries[sector]++
		s.log.WithFields(logrus.Fields{"sector": sector, "chunk": failedChunk, "recovery": recovery + 1}).
			Warn("session: escalating to sector recovery")
	}
}

// eraseSectorWithRetry erases sector up to R_erase times, verifying the
// first and last page read back as all-0xFF each time.
func (s *Session) eraseSectorWithRetry(ctx context.Context, device *bootcmd.Device, descriptor mcu.Descriptor, sector int) error {
	sec := descriptor.Sectors[sector]
	var lastErr error
	for attempt := 1; attempt <= s.opts.SessionRetries.Erase; attempt++ {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		s.counters.EraseAttempts[sector]++

		eraseOp := func() error {
			if descriptor.Erase == mcu.EraseExtended {
				return device.ExtendedErase(ctx, []int{sector})
			}
			return device.Erase(ctx, []int{sector})
		}
		if err := s.withReopen(ctx, eraseOp); err != nil {
			lastErr = err
			s.log.WithFields(logrus.Fields{"sector": sector, "attempt": attempt, "error": err}).Warn("session: erase failed")
			continue
		}

		ok, err := s.verifyErased(ctx, device, sec, descriptor.PageSize)
		if err != nil {
			lastErr = err
			continue
		}
		if ok {
			return nil
		}
		lastErr = &ErrEraseCheckFailed{Sector: sector}
		s.log.WithFields(logrus.Fields{"sector": sector, "attempt": attempt}).Warn("session: erase check failed, sector not all 0xFF")
	}
	return lastErr
}

func (s *Session) verifyErased(ctx context.Context, device *bootcmd.Device, sec mcu.Sector, pageSize uint32) (bool, error) {
	firstPage, err := device.ReadMemory(ctx, sec.Start, int(pageSize))
	if err != nil {
		return false, err
	}
	lastPageAddr := sec.End() - pageSize
	lastPage, err := device.ReadMemory(ctx, lastPageAddr, int(pageSize))
	if err != nil {
		return false, err
	}
	for _, b := range firstPage {
		if b != 0xFF {
			return false, nil
		}
	}
	for _, b := range lastPage {
		if b != 0xFF {
			return false, nil
		}
	}
	return true, nil
}

// writeAllChunks writes and verifies every chunk in order. On unrecoverable
// chunk failure it returns the failing chunk's address and a non-nil error
// so the caller can decide whether to escalate to sector recovery.
func (s *Session) writeAllChunks(ctx context.Context, device *bootcmd.Device, chunks []plan.Chunk) (uint32, error) {
	for _, c := range chunks {
		if err := checkCancel(ctx); err != nil {
			return c.Address, err
		}
		if err := s.writeChunkWithRetry(ctx, device, c); err != nil {
			return c.Address, err
		}
	}
	return 0, nil
}

func (s *Session) writeChunkWithRetry(ctx context.Context, device *bootcmd.Device, c plan.Chunk) error {
	var lastErr error
	for attempt := 1; attempt <= s.opts.SessionRetries.Chunk; attempt++ {
		if err := checkCancel(ctx); err != nil {
			return err
		}
		s.counters.WriteAttempts[c.Address]++

		writeOp := func() error { return device.WriteMemory(ctx, c.Address, c.Bytes) }
		if err := s.withReopen(ctx, writeOp); err != nil {
			lastErr = err
			s.log.WithFields(logrus.Fields{"address": c.Address, "attempt": attempt, "error": err}).Warn("session: write failed")
			continue
		}

		readBack, err := device.ReadMemory(ctx, c.Address, len(c.Bytes))
		if err != nil {
			lastErr = err
			continue
		}
		if bytesEqual(readBack, c.Bytes) {
			return nil
		}
		lastErr = &ErrVerifyMismatch{SectorIndex: c.SectorIndex, PageIndex: c.PageIndex, Address: c.Address}
		s.log.WithFields(logrus.Fields{"address": c.Address, "attempt": attempt}).Warn("session: verify mismatch")
		if s.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
			xxd.Print(int(c.Address), diffDump(c.Bytes, readBack))
		}
	}
	return lastErr
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// diffDump returns readBack for xxd.Print diagnostics on mismatch.
func diffDump(expected, readBack []byte) []byte {
	return readBack
}
