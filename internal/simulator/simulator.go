// Package simulator provides an in-process fake ST bootloader that speaks
// AN3155 well enough to drive internal/session's scenario tests (S1-S6) --
// the "simulated bootloader" the testable-properties section requires.
//
// It implements transport.Port directly: each bootcmd.Device.Write call maps
// to exactly one wire frame, and the simulator advances a small per-command
// parser state machine to decide how to answer it. Fault injection hooks
// (NACKs, verify-mismatch bytes, one-shot transport closure) are exposed as
// plain fields so scenario tests can configure them up front, mirroring
// malvira-go-cc2538's ScanPort frame-assembly loop but driven synchronously
// instead of over a channel, since there is no real concurrent UART here.
package simulator

import (
	"sync"
	"time"

	"github.com/FT9R/stm32-uart-prog/internal/frame"
	"github.com/FT9R/stm32-uart-prog/internal/mcu"
	"github.com/FT9R/stm32-uart-prog/internal/transport"
)

const (
	cmdGet           byte = 0x00
	cmdGetID         byte = 0x02
	cmdReadMemory    byte = 0x11
	cmdGo            byte = 0x21
	cmdWriteMemory   byte = 0x31
	cmdErase         byte = 0x43
	cmdExtendedErase byte = 0x44
)

type expect int

const (
	expectCommand expect = iota
	expectReadAddress
	expectReadLength
	expectWriteAddress
	expectWritePayload
	expectErasePayload
	expectGoAddress
)

// Bootloader is the simulated device.
type Bootloader struct {
	mu sync.Mutex

	PID              uint16
	SupportsExtErase bool
	MaxPayload       int

	flash map[uint32]byte

	// Fault injection. NACKWriteOnceAt and VerifyMismatchLeft are keyed by
	// the address the real ST bootloader would see on the wire (the
	// write or read address); CloseOnceAfterWrite and SyncNACKOnce are
	// one-shot flags.
	NACKWriteOnceAt    map[uint32]bool
	VerifyMismatchLeft map[uint32]int
	CloseOnceAfterWrite bool
	SyncNACKOnce        bool

	// EraseAckDrops, while >0, drops the final erase/extended_erase ACK
	// instead of sending it, decrementing by one per drop -- the host sees a
	// timeout, not a NACK, on every erase/extended_erase command until it
	// reaches zero. Used to force a persistent bootcmd.ErrProtocol that
	// survives every R_cmd/R_erase retry, for session-restart scenarios.
	EraseAckDrops int

	// Counters, for scenario assertions.
	EraseCount map[int]int
	WriteCount map[uint32]int
	ReopenCount int

	expect     expect
	pendingCmd byte
	readAddr   uint32
	writeAddr  uint32

	out []byte

	closed        bool
	closeTriggered bool
}

// New creates a simulator with an empty flash (all 0xFF, i.e. erased).
func New(pid uint16, supportsExtErase bool, maxPayload int) *Bootloader {
	return &Bootloader{
		PID:                pid,
		SupportsExtErase:   supportsExtErase,
		MaxPayload:         maxPayload,
		flash:              make(map[uint32]byte),
		NACKWriteOnceAt:    make(map[uint32]bool),
		VerifyMismatchLeft: make(map[uint32]int),
		EraseCount:         make(map[int]int),
		WriteCount:         make(map[uint32]int),
		expect:             expectCommand,
	}
}

// SeedFlash pre-loads addr..addr+len(data) as already-programmed (used to
// set up the "idempotent success" property test -- an already-correct
// target).
func (s *Bootloader) SeedFlash(addr uint32, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, b := range data {
		s.flash[addr+uint32(i)] = b
	}
}

func (s *Bootloader) ack()  { s.out = append(s.out, frame.ACK) }
func (s *Bootloader) nack() { s.out = append(s.out, frame.NACK) }

func (s *Bootloader) Write(b []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &transport.IOError{Op: "write", Err: transport.ErrClosed}
	}

	// Unframed single sync byte.
	if len(b) == 1 && b[0] == frame.SyncByte && s.expect == expectCommand {
		if s.SyncNACKOnce {
			s.SyncNACKOnce = false
			s.nack()
		} else {
			s.ack()
		}
		return nil
	}

	switch s.expect {
	case expectCommand:
		s.handleCommand(b)
	case expectReadAddress:
		s.handleReadAddress(b)
	case expectReadLength:
		s.handleReadLength(b)
	case expectWriteAddress:
		s.handleWriteAddress(b)
	case expectWritePayload:
		s.handleWritePayload(b)
	case expectErasePayload:
		s.handleErasePayload(b)
	case expectGoAddress:
		s.ack()
		s.expect = expectCommand
	}
	return nil
}

func (s *Bootloader) handleCommand(b []byte) {
	if len(b) != 2 || b[0] != b[1]^0xFF {
		s.nack()
		s.expect = expectCommand
		return
	}
	cmd := b[0]
	s.ack()
	switch cmd {
	case cmdGet:
		cmds := []byte{cmdGet, cmdGetID, cmdReadMemory, cmdGo, cmdWriteMemory, cmdErase}
		if s.SupportsExtErase {
			cmds = append(cmds, cmdExtendedErase)
		}
		body := append([]byte{0x31}, cmds...) // version 0x31
		s.out = append(s.out, byte(len(body)-1))
		s.out = append(s.out, body...)
		s.ack()
		s.expect = expectCommand
	case cmdGetID:
		body := []byte{byte(s.PID >> 8), byte(s.PID)}
		s.out = append(s.out, byte(len(body)-1))
		s.out = append(s.out, body...)
		s.ack()
		s.expect = expectCommand
	case cmdReadMemory:
		s.pendingCmd = cmd
		s.expect = expectReadAddress
	case cmdWriteMemory:
		s.pendingCmd = cmd
		s.expect = expectWriteAddress
	case cmdErase, cmdExtendedErase:
		s.pendingCmd = cmd
		s.expect = expectErasePayload
	case cmdGo:
		s.pendingCmd = cmd
		s.expect = expectGoAddress
	default:
		s.expect = expectCommand
	}
}

func (s *Bootloader) handleReadAddress(b []byte) {
	addr, err := frame.DecodeAddress(b)
	if err != nil {
		s.nack()
		s.expect = expectCommand
		return
	}
	s.readAddr = addr
	s.ack()
	s.expect = expectReadLength
}

func (s *Bootloader) handleReadLength(b []byte) {
	if len(b) != 2 || b[0] != b[1]^0xFF {
		s.nack()
		s.expect = expectCommand
		return
	}
	n := int(b[0]) + 1
	s.ack()
	data := make([]byte, n)
	for i := range data {
		addr := s.readAddr + uint32(i)
		v, ok := s.flash[addr]
		if !ok {
			v = 0xFF
		}
		data[i] = v
	}
	if s.VerifyMismatchLeft[s.readAddr] > 0 {
		data[0] ^= 0x01
		s.VerifyMismatchLeft[s.readAddr]--
	}
	s.out = append(s.out, data...)
	s.expect = expectCommand
}

func (s *Bootloader) handleWriteAddress(b []byte) {
	addr, err := frame.DecodeAddress(b)
	if err != nil {
		s.nack()
		s.expect = expectCommand
		return
	}
	s.writeAddr = addr
	s.ack()
	s.expect = expectWritePayload
}

func (s *Bootloader) handleWritePayload(b []byte) {
	payload, err := frame.DecodeLengthPayload(b)
	if err != nil {
		s.nack()
		s.expect = expectCommand
		return
	}
	addr := s.writeAddr
	s.WriteCount[addr]++

	if s.NACKWriteOnceAt[addr] {
		s.NACKWriteOnceAt[addr] = false
		s.nack()
		s.expect = expectCommand
		return
	}

	for i, v := range payload {
		s.flash[addr+uint32(i)] = v
	}
	s.ack()
	s.expect = expectCommand

	if s.CloseOnceAfterWrite {
		s.CloseOnceAfterWrite = false
		s.closeTriggered = true
	}
}

func (s *Bootloader) handleErasePayload(b []byte) {
	var sectors []int
	if s.pendingCmd == cmdExtendedErase {
		if len(b) < 3 {
			s.nack()
			s.expect = expectCommand
			return
		}
		n := int(b[0])<<8 | int(b[1])
		if n == 0xFFFF { // mass erase sentinel
			sectors = []int{-1}
		} else {
			count := n + 1
			for i := 0; i < count; i++ {
				hi := b[2+2*i]
				lo := b[3+2*i]
				sectors = append(sectors, int(hi)<<8|int(lo))
			}
		}
	} else {
		if len(b) < 2 {
			s.nack()
			s.expect = expectCommand
			return
		}
		if b[0] == 0xFF { // mass erase sentinel
			sectors = []int{-1}
		} else {
			count := int(b[0]) + 1
			for i := 0; i < count; i++ {
				sectors = append(sectors, int(b[1+i]))
			}
		}
	}
	if s.EraseAckDrops > 0 {
		s.EraseAckDrops--
		s.expect = expectCommand
		return // simulate the final ACK being lost: the host times out waiting for it
	}

	for _, sec := range sectors {
		s.EraseCount[sec]++
	}
	s.clearSectors(sectors)
	s.ack()
	s.expect = expectCommand
}

// clearSectors resets erased flash to 0xFF (i.e. removes it from the sparse
// map) the way real NOR flash does, looking up sector bounds from the
// device's own mcu.Descriptor. An unrecognized PID has no known sector
// bounds to clear against; the session never erases before identifying the
// device successfully, so this only matters for supported PIDs.
func (s *Bootloader) clearSectors(sectors []int) {
	desc, err := mcu.Lookup(s.PID)
	if err != nil {
		return
	}
	if len(sectors) == 1 && sectors[0] == -1 { // mass erase
		for addr := range s.flash {
			delete(s.flash, addr)
		}
		return
	}
	for _, idx := range sectors {
		if idx < 0 || idx >= len(desc.Sectors) {
			continue
		}
		sec := desc.Sectors[idx]
		for addr := sec.Start; addr < sec.End(); addr++ {
			delete(s.flash, addr)
		}
	}
}

func (s *Bootloader) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closeTriggered {
		s.closeTriggered = false
		s.closed = true
		return nil, &transport.IOError{Op: "read_exact", Err: transport.ErrClosed}
	}
	if len(s.out) < n {
		return nil, transport.ErrTimeout
	}
	b := s.out[:n]
	s.out = s.out[n:]
	return b, nil
}

func (s *Bootloader) ReadUntilByte(b byte, timeout time.Duration) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, v := range s.out {
		if v == b {
			out := s.out[:i+1]
			s.out = s.out[i+1:]
			return out, nil
		}
	}
	return nil, transport.ErrTimeout
}

func (s *Bootloader) Drain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = nil
	s.expect = expectCommand
}

func (s *Bootloader) Reopen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = false
	s.ReopenCount++
	s.expect = expectCommand
	return nil
}

func (s *Bootloader) Close() error { return nil }

// ReadFlash returns the byte at addr (0xFF if unprogrammed), for test
// assertions.
func (s *Bootloader) ReadFlash(addr uint32) byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.flash[addr]
	if !ok {
		return 0xFF
	}
	return v
}

var _ transport.Port = (*Bootloader)(nil)
