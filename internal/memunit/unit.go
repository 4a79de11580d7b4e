// Package memunit defines the backing memory unit: one physically-contiguous
// 64KB allocation holding 16 I/O blocks, tagged with a globally unique index
// that recovers the owning memory group from the unit alone.
package memunit

import (
	"fmt"

	"github.com/gdsfs/go-shadowbuf/internal/constants"
)

// Unit is one backing memory unit. The physical allocator guarantees Data is
// a single physically-contiguous run of 1<<UnitOrder pages, zero-filled at
// allocation time.
type Unit struct {
	// GlobalIndex is groupKey*MaxUnitsPerGroup + indexWithinGroup
	GlobalIndex uint64

	// Data is the unit's backing memory, len == GPUPageSize
	Data []byte
}

// BaseIndex recovers the owning group's lookup key from the unit tag.
func (u *Unit) BaseIndex() uint64 {
	return u.GlobalIndex >> constants.MaxUnitsPerGroupOrder
}

// RelIndex is the unit's position within its owning group.
func (u *Unit) RelIndex() uint64 {
	return u.GlobalIndex & (constants.MaxUnitsPerGroup - 1)
}

// Block returns the i'th 4KB block slice within the unit.
func (u *Unit) Block(i int) []byte {
	off := i * constants.BlockSize
	return u.Data[off : off+constants.BlockSize]
}

// Page returns the i'th host page within the unit.
func (u *Unit) Page(i int) Page {
	if i < 0 || i >= constants.PagesPerUnit {
		panic(fmt.Sprintf("page index %d out of range for unit %#x", i, u.GlobalIndex))
	}
	return Page{Unit: u, Index: i}
}

// Page identifies one host page inside a backing unit. The unit back-reference
// is how a pinned user page leads back to its memory group.
type Page struct {
	Unit  *Unit
	Index int
}

// Data returns the page's bytes.
func (p Page) Data() []byte {
	off := p.Index * constants.PageSize
	return p.Unit.Data[off : off+constants.PageSize]
}

// Allocator is the physical-page allocator collaborator. AllocUnit returns a
// zero-filled, physically-contiguous allocation of 1<<order pages, or an
// error under memory pressure. Units are returned with FreeUnit exactly once.
type Allocator interface {
	AllocUnit(order int) (*Unit, error)
	FreeUnit(u *Unit)
}

// AddressSpace is the user virtual-memory collaborator: the mmap glue inserts
// shadow pages into it at group creation, and I/O issuers pin pages out of it
// to resolve a virtual address back to its group.
//
// Pin either pins count pages starting at vaddr or fails without pinning any.
// Every successful Pin is balanced by one Unpin.
type AddressSpace interface {
	InsertPage(vaddr uint64, page Page) error
	Pin(vaddr uint64, count int) ([]Page, error)
	Unpin(pages []Page)
}
