package mgroup

import (
	"github.com/gdsfs/go-shadowbuf/internal/block"
	"github.com/gdsfs/go-shadowbuf/internal/constants"
)

// Hole is one contiguous run of blocks a read found no data for, relative to
// the transfer's active start.
type Hole struct {
	Start   uint32
	NBlocks uint32
}

// SparseData is the hole report handed back to the I/O issuer after a short
// read. Its storage belongs to the sparse-descriptor allocator; the state
// machine maps one lazily on the first hole and unmaps it when the DONE pass
// finishes.
type SparseData struct {
	NHoles        int
	StartFDOffset int64
	Holes         [constants.MaxHoleRegions]Hole
}

// Reset clears a descriptor for reuse.
func (d *SparseData) Reset() {
	d.NHoles = 0
	d.StartFDOffset = 0
	for i := range d.Holes {
		d.Holes[i] = Hole{}
	}
}

// SparseAllocator is the externally supplied sparse-descriptor allocator.
// Unmap receives the final metastate so the allocator can surface the report
// to whoever consumes it before recycling the descriptor.
type SparseAllocator interface {
	Map() *SparseData
	Unmap(d *SparseData, st block.MetaState)
}
