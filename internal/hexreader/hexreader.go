// Package hexreader is the default implementation of the external HEX
// reader contract (§6): it turns an Intel HEX file into a
// heximage.Image, rejecting duplicate addresses and anything outside the
// descriptor's flash window before a single byte reaches the bus.
//
// The teacher (tinkerator-qftool) flashes raw binary sections and has no HEX
// reader of its own; this package is grounded on
// github.com/marcinbor85/gohex, the Intel-HEX library the pack's
// randomouscrap98-ardugotools enrichment source pulls in for the same job.
package hexreader

import (
	"fmt"
	"io"

	"github.com/marcinbor85/gohex"

	"github.com/FT9R/stm32-uart-prog/internal/heximage"
)

// ErrOutOfWindow is returned when a HEX record falls outside the flash
// window the descriptor allows.
type ErrOutOfWindow struct {
	Addr    uint32
	FlashLo uint32
	FlashHi uint32
}

func (e *ErrOutOfWindow) Error() string {
	return fmt.Sprintf("hexreader: address 0x%08x outside flash window [0x%08x,0x%08x)", e.Addr, e.FlashLo, e.FlashHi)
}

// Read parses an Intel HEX stream and builds a heximage.Image. Every byte
// must fall within [flashLo, flashHi); duplicate addresses across records
// are an error, per the §6 HEX reader contract.
func Read(r io.Reader, flashLo, flashHi uint32) (*heximage.Image, error) {
	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(r); err != nil {
		return nil, fmt.Errorf("hexreader: parse: %w", err)
	}

	b := heximage.NewBuilder()
	for _, seg := range mem.GetDataSegments() {
		for i, value := range seg.Data {
			addr := seg.Address + uint32(i)
			if addr < flashLo || addr >= flashHi {
				return nil, &ErrOutOfWindow{Addr: addr, FlashLo: flashLo, FlashHi: flashHi}
			}
			if err := b.Set(addr, value); err != nil {
				return nil, err
			}
		}
	}
	return b.Build(), nil
}
