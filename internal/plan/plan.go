// Package plan builds the ordered list of page-sized write/verify chunks
// (C6) that the session engine programs, from a HEX image and an MCU
// descriptor.
package plan

import (
	"fmt"
	"sort"

	"github.com/FT9R/stm32-uart-prog/internal/heximage"
	"github.com/FT9R/stm32-uart-prog/internal/mcu"
)

// Chunk is one page-sized write/verify unit: (sector, page, address, bytes).
type Chunk struct {
	SectorIndex int
	PageIndex   int
	Address     uint32
	Bytes       []byte
}

// Plan is the ordered list of chunks covering exactly the pages the image
// touches, plus the set of dirty sectors in ascending index order.
type Plan struct {
	Chunks       []Chunk
	DirtySectors []int
}

// ErrPlan is a fatal, pre-bus-activity planning error.
type ErrPlan struct {
	msg string
}

func (e *ErrPlan) Error() string { return "plan: " + e.msg }

func errPlanf(format string, args ...any) *ErrPlan {
	return &ErrPlan{msg: fmt.Sprintf(format, args...)}
}

// Build derives the Plan for img against d. It rejects descriptors whose
// page size does not divide every sector size, and images whose occupied
// extent lies (even partially) outside the descriptor's flash window, or
// whose touched pages straddle a sector boundary.
func Build(img *heximage.Image, d mcu.Descriptor) (*Plan, error) {
	if err := d.Validate(); err != nil {
		return nil, errPlanf("invalid descriptor: %v", err)
	}

	lo, hi, ok := img.Extent()
	if !ok {
		return &Plan{}, nil
	}
	if lo < d.FlashLo || hi > d.FlashHi {
		return nil, errPlanf("image extent [0x%08x,0x%08x) outside flash window [0x%08x,0x%08x)", lo, hi, d.FlashLo, d.FlashHi)
	}

	pages := img.TouchedPages(d.PageSize)
	chunks := make([]Chunk, 0, len(pages))
	dirty := make(map[int]struct{})

	for _, pageAddr := range pages {
		sector, ok := d.SectorFor(pageAddr)
		if !ok {
			return nil, errPlanf("page at 0x%08x is not contained in any sector", pageAddr)
		}
		lastByte := pageAddr + d.PageSize - 1
		lastSector, ok := d.SectorFor(lastByte)
		if !ok || lastSector.Index != sector.Index {
			return nil, errPlanf("page at 0x%08x straddles sector boundary (sector %d vs %d)", pageAddr, sector.Index, lastSector.Index)
		}

		pageIndex := int((pageAddr - sector.Start) / d.PageSize)
		chunks = append(chunks, Chunk{
			SectorIndex: sector.Index,
			PageIndex:   pageIndex,
			Address:     pageAddr,
			Bytes:       img.Window(pageAddr, d.PageSize),
		})
		dirty[sector.Index] = struct{}{}
	}

	sort.Slice(chunks, func(i, j int) bool {
		if chunks[i].SectorIndex != chunks[j].SectorIndex {
			return chunks[i].SectorIndex < chunks[j].SectorIndex
		}
		return chunks[i].Address < chunks[j].Address
	})

	dirtySectors := make([]int, 0, len(dirty))
	for s := range dirty {
		dirtySectors = append(dirtySectors, s)
	}
	sort.Ints(dirtySectors)

	return &Plan{Chunks: chunks, DirtySectors: dirtySectors}, nil
}

// ChunksInSector returns the chunks belonging to sector, in the plan's
// existing ascending-address order.
func (p *Plan) ChunksInSector(sector int) []Chunk {
	var out []Chunk
	for _, c := range p.Chunks {
		if c.SectorIndex == sector {
			out = append(out, c)
		}
	}
	return out
}
