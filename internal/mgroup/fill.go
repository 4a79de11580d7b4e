package mgroup

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/gdsfs/go-shadowbuf/internal/block"
	"github.com/gdsfs/go-shadowbuf/internal/constants"
)

// FillActiveBlocks selects a contiguous run of nrBlocks blocks for the next
// transfer and marks them QUEUED. When the descriptor carries a GPU page
// offset, the run starts at the corresponding block and the offset must obey
// the 64KB-page constraints: 4K-aligned, at most 60KB, and offset plus
// transfer length within one GPU page. Blocks outside the run are reset to
// INIT and the descriptor's shadow-buffer cursor advances to the run start.
func (g *Group) FillActiveBlocks(nrBlocks int) error {
	io := &g.IO

	if nrBlocks <= 0 || nrBlocks > g.blocksCount {
		g.log.Warn("fill request out of range", "nr_blocks", nrBlocks, "blocks_count", g.blocksCount)
		return fmt.Errorf("nr_blocks %d out of range for %d-block group: %w",
			nrBlocks, g.blocksCount, unix.EIO)
	}

	blockoff := 0
	if io.GPUPageOffset != 0 {
		if io.GPUPageOffset > constants.MaxUnitOffset {
			return fmt.Errorf("GPU page offset %#x above 60K limit: %w", io.GPUPageOffset, unix.EIO)
		}
		if io.GPUPageOffset%constants.BlockSize != 0 {
			return fmt.Errorf("GPU page offset %#x not 4K aligned: %w", io.GPUPageOffset, unix.EIO)
		}
		if io.GPUPageOffset+int64(nrBlocks)<<constants.BlockShift > constants.GPUPageSize {
			return fmt.Errorf("GPU page offset plus transfer exceeds 64K page: %w", unix.EIO)
		}

		blockoff = int(io.GPUPageOffset >> constants.BlockShift)
		if blockoff+nrBlocks > g.blocksCount {
			return fmt.Errorf("offset run exceeds shadow buffer blocks: %w", unix.EIO)
		}

		for j := 0; j < blockoff; j++ {
			g.meta[j].State = block.StateInit
		}
	}

	io.ActiveStart = blockoff
	j := blockoff
	for ; j < blockoff+nrBlocks; j++ {
		g.fillBlock(j)
	}
	if j > 0 {
		io.ActiveEnd = j - 1
	} else {
		io.ActiveEnd = 0
	}

	// clear the state of unqueued blocks
	for ; j < g.blocksCount; j++ {
		g.meta[j].State = block.StateInit
	}

	io.Vaddr += uint64(io.ActiveStart) << constants.BlockShift
	g.log.Debug("active blocks set", "start", io.ActiveStart, "end", io.ActiveEnd)
	return nil
}

// fillBlock queues one block. Magic and back-reference checks are fatal;
// a wrong predecessor state is a loud contract violation only.
func (g *Group) fillBlock(i int) {
	md := &g.meta[i]
	md.Assert(int32(i / constants.BlocksPerUnit))

	if !block.StateQueued.LegalFrom(md.State) {
		g.log.Warn("queueing block from illegal state", "block", i, "state", md.State.String())
	}
	md.State = block.StateQueued
}
