package mgroup

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/gdsfs/go-shadowbuf/internal/constants"
	"github.com/gdsfs/go-shadowbuf/internal/memunit"
)

// GPUIndexAndOffset translates a backing page to its GPU-relative page index
// and the byte offset within that 64KB GPU page. The transfer's GPU base
// index anchors the translation; sixteen 4KB pages fold into each GPU page.
func (g *Group) GPUIndexAndOffset(p memunit.Page) (index uint64, offset uint64) {
	relPage := uint64(p.Unit.RelIndex())*constants.PagesPerUnit + uint64(p.Index)
	index = g.IO.GPUBaseIndex + relPage>>constants.PagePerGPUPageShift
	offset = (relPage % constants.PagesPerUnit) << constants.PageShift
	return index, offset
}

// PhysicalAddress resolves a backing page to the physical DMA address the
// transfer engine should program, by way of the attached GPU peer.
func (g *Group) PhysicalAddress(p memunit.Page) (uint64, error) {
	if g.peer == nil {
		return 0, fmt.Errorf("group %#x has no attached peer: %w", g.baseIndex, unix.EINVAL)
	}
	idx, off := g.GPUIndexAndOffset(p)
	base, err := g.peer.PhysicalAddressFor(idx)
	if err != nil {
		return 0, fmt.Errorf("peer translation for GPU page %d: %w", idx, err)
	}
	return base + off, nil
}

// UnitPhysicalAddress resolves a whole backing unit to the physical address of
// its first page. Units are 64KB-aligned within a GPU page, so the unit
// address is also the GPU page address.
func (g *Group) UnitPhysicalAddress(u *memunit.Unit) (uint64, error) {
	return g.PhysicalAddress(u.Page(0))
}
