// Package mcu holds the static per-family flash layout tables the session
// engine needs: sector map, page size, command availability, and address
// bounds. The table is data, not code -- adding a family is a new entry, not
// a new code path, mirroring tinkerator-qftool's static `sections` table and
// `secByName` lookup.
package mcu

import "fmt"

// Sector describes one flash erase unit.
type Sector struct {
	Index int
	Start uint32
	Size  uint32
}

// End returns the address one past the last byte of the sector.
func (s Sector) End() uint32 { return s.Start + s.Size }

// EraseKind selects which erase command family a device supports.
type EraseKind int

const (
	EraseStandard EraseKind = iota
	EraseExtended
)

// Descriptor is the immutable per-family flash layout and capability set.
type Descriptor struct {
	Family string

	// PID is the 12-bit product ID returned by GET_ID that selects this
	// descriptor.
	PID uint16

	Sectors []Sector

	// PageSize is the write/read chunk granularity P; it must divide every
	// sector's Size.
	PageSize uint32

	Erase EraseKind

	// FlashLo/FlashHi bound the valid flash address window [FlashLo, FlashHi).
	FlashLo uint32
	FlashHi uint32

	// MaxPayload is the bootloader's read/write maximum payload, <= 256.
	MaxPayload int
}

// SectorFor returns the sector containing addr, or false if addr lies
// outside every sector.
func (d Descriptor) SectorFor(addr uint32) (Sector, bool) {
	for _, s := range d.Sectors {
		if addr >= s.Start && addr < s.End() {
			return s, true
		}
	}
	return Sector{}, false
}

// Validate checks the structural invariant that PageSize divides every
// sector's size and that sectors are ordered and non-overlapping.
func (d Descriptor) Validate() error {
	if d.PageSize == 0 {
		return fmt.Errorf("mcu: %s: page size must be nonzero", d.Family)
	}
	var prevEnd uint32
	for i, s := range d.Sectors {
		if s.Index != i {
			return fmt.Errorf("mcu: %s: sector %d has index %d, want %d", d.Family, i, s.Index, i)
		}
		if s.Size%d.PageSize != 0 {
			return fmt.Errorf("mcu: %s: sector %d size %d not a multiple of page size %d", d.Family, i, s.Size, d.PageSize)
		}
		if i > 0 && s.Start < prevEnd {
			return fmt.Errorf("mcu: %s: sector %d starts at 0x%x before previous sector ends at 0x%x", d.Family, i, s.Start, prevEnd)
		}
		prevEnd = s.End()
	}
	return nil
}

func sectors4x16_1x64_7x128(base uint32) []Sector {
	sizes := []uint32{
		16 * 1024, 16 * 1024, 16 * 1024, 16 * 1024,
		64 * 1024,
		128 * 1024, 128 * 1024, 128 * 1024, 128 * 1024, 128 * 1024, 128 * 1024, 128 * 1024,
	}
	out := make([]Sector, len(sizes))
	addr := base
	for i, sz := range sizes {
		out[i] = Sector{Index: i, Start: addr, Size: sz}
		addr += sz
	}
	return out
}

// STM32F405/407/415/417 share PID 0x413 and a 12-sector, 1MiB flash layout.
var stm32F4xx = Descriptor{
	Family:     "STM32F405/407/415/417",
	PID:        0x413,
	Sectors:    sectors4x16_1x64_7x128(0x0800_0000),
	PageSize:   256,
	Erase:      EraseExtended,
	FlashLo:    0x0800_0000,
	FlashHi:    0x0810_0000,
	MaxPayload: 256,
}

// ErrUnsupportedDevice is returned by Lookup for an unrecognized PID.
type ErrUnsupportedDevice struct {
	PID uint16
}

func (e *ErrUnsupportedDevice) Error() string {
	return fmt.Sprintf("mcu: unsupported device PID 0x%03x", e.PID)
}

// registry maps PID to descriptor. Adding a family means adding an entry
// here.
var registry = map[uint16]Descriptor{
	stm32F4xx.PID: stm32F4xx,
}

// Lookup selects the descriptor matching the PID returned by GET_ID.
func Lookup(pid uint16) (Descriptor, error) {
	d, ok := registry[pid]
	if !ok {
		return Descriptor{}, &ErrUnsupportedDevice{PID: pid}
	}
	return d, nil
}
