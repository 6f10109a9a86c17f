// Package heximage implements the sparse address->byte map (C5) that the
// chunk planner consumes. It is fed by internal/hexreader (the default
// implementation of the external HEX reader contract) or any other producer
// of (addr, byte) pairs.
package heximage

import (
	"fmt"
	"sort"
)

// PadByte fills holes inside a touched window.
const PadByte = 0xFF

// Image is an immutable sparse map from 32-bit address to byte.
type Image struct {
	data map[uint32]byte
	lo   uint32
	hi   uint32 // one past the last occupied address
	set  bool
}

// Builder accumulates (addr, byte) pairs before producing an immutable Image.
type Builder struct {
	data map[uint32]byte
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{data: make(map[uint32]byte)}
}

// ErrDuplicateAddress is returned when the same address is set twice.
type ErrDuplicateAddress struct {
	Addr uint32
}

func (e *ErrDuplicateAddress) Error() string {
	return fmt.Sprintf("heximage: duplicate address 0x%08x in input", e.Addr)
}

// Set records the byte at addr. Setting the same address twice is an error
// per the HEX reader contract (duplicate addresses are an error).
func (b *Builder) Set(addr uint32, value byte) error {
	if _, exists := b.data[addr]; exists {
		return &ErrDuplicateAddress{Addr: addr}
	}
	b.data[addr] = value
	return nil
}

// Build produces the immutable Image.
func (b *Builder) Build() *Image {
	img := &Image{data: b.data}
	for addr := range b.data {
		if !img.set {
			img.lo, img.hi, img.set = addr, addr+1, true
			continue
		}
		if addr < img.lo {
			img.lo = addr
		}
		if addr+1 > img.hi {
			img.hi = addr + 1
		}
	}
	return img
}

// Extent returns the occupied address range [lo, hi). If the image is empty,
// ok is false.
func (img *Image) Extent() (lo, hi uint32, ok bool) {
	return img.lo, img.hi, img.set
}

// Get returns the byte at addr and whether it is mapped.
func (img *Image) Get(addr uint32) (byte, bool) {
	b, ok := img.data[addr]
	return b, ok
}

// Len returns the number of mapped addresses.
func (img *Image) Len() int { return len(img.data) }

// Run is a maximal contiguous occupied address range [Start, Start+len(Bytes)).
type Run struct {
	Start uint32
	Bytes []byte
}

// Runs returns the maximal contiguous occupied ranges in ascending address
// order.
func (img *Image) Runs() []Run {
	if len(img.data) == 0 {
		return nil
	}
	addrs := make([]uint32, 0, len(img.data))
	for a := range img.data {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	var runs []Run
	start := addrs[0]
	bytes := []byte{img.data[start]}
	for _, a := range addrs[1:] {
		if a == start+uint32(len(bytes)) {
			bytes = append(bytes, img.data[a])
			continue
		}
		runs = append(runs, Run{Start: start, Bytes: bytes})
		start = a
		bytes = []byte{img.data[a]}
	}
	runs = append(runs, Run{Start: start, Bytes: bytes})
	return runs
}

// Window returns pageSize bytes starting at addr (which need not be mapped
// at every offset), with unmapped bytes padded to PadByte.
func (img *Image) Window(addr uint32, pageSize uint32) []byte {
	out := make([]byte, pageSize)
	for i := range out {
		out[i] = PadByte
	}
	for i := uint32(0); i < pageSize; i++ {
		if b, ok := img.data[addr+i]; ok {
			out[i] = b
		}
	}
	return out
}

// TouchedPages returns the page-aligned addresses of every page (of the
// given size) that contains at least one mapped byte, in ascending order.
func (img *Image) TouchedPages(pageSize uint32) []uint32 {
	seen := make(map[uint32]struct{})
	for a := range img.data {
		seen[a-(a%pageSize)] = struct{}{}
	}
	pages := make([]uint32, 0, len(seen))
	for p := range seen {
		pages = append(pages, p)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return pages
}
