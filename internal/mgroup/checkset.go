package mgroup

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/gdsfs/go-shadowbuf/internal/block"
	"github.com/gdsfs/go-shadowbuf/internal/constants"
)

// sparseRegion records block i as part of a read hole. Runs of adjacent holes
// coalesce into one region. When the descriptor's region table is full the
// transfer is truncated at the current block: the return value is the byte
// count up to (not including) block i, and the caller stops recording.
func (g *Group) sparseRegion(sparse **SparseData, i int, nholes, lastSparseIndex *int) int64 {
	io := &g.IO

	if *sparse == nil {
		if io.CheckSparse {
			panic(fmt.Sprintf("group %#x: sparse descriptor lost while check_sparse set", g.baseIndex))
		}
		io.CheckSparse = true
		*sparse = g.mgr.sparse.Map()
	}

	if *lastSparseIndex < 0 || *lastSparseIndex+1 != i {
		if *nholes+1 >= constants.MaxHoleRegions {
			limit := int64(i-io.ActiveStart) * constants.BlockSize
			*lastSparseIndex = i
			g.log.Info("hole region table full", "nholes", *nholes, "block", i, "read_bytes", limit)
			return limit
		}
		*nholes = *nholes + 1
		(*sparse).Holes[*nholes] = Hole{Start: uint32(i - io.ActiveStart), NBlocks: 1}
		*lastSparseIndex = i
	} else {
		(*sparse).Holes[*nholes].NBlocks++
		*lastSparseIndex = i
	}

	return 0
}

// doneBlock validates one in-range block during a DONE pass. Blocks that saw
// the DMA mapping call pass through. For a write, any block that never did is
// a failed transfer. For a read, an unmapped block beyond the completed byte
// count was simply never read; within it, the block is a file hole. Returns a
// negative errno or a positive sparse-truncation byte count, zero otherwise.
func (g *Group) doneBlock(sparse **SparseData, i, lastDoneBlock int,
	nholes, lastSparseIndex *int, sparseLimit int64, validate bool) int64 {

	io := &g.IO
	md := &g.meta[i]

	if !validate || md.State == block.StateDMAStart {
		return 0
	}

	if i > lastDoneBlock && md.State != block.StateQueued {
		g.log.Warn("block beyond completed bytes in wrong state",
			"block", i, "state", md.State.String())
		return -int64(unix.EIO)
	}

	if io.Op == OpRead {
		if i > lastDoneBlock {
			return 0
		}
		if sparseLimit != 0 {
			*lastSparseIndex = i
			return 0
		}
		return g.sparseRegion(sparse, i, nholes, lastSparseIndex)
	}

	g.log.Debug("write block never reached DMA start", "block", i, "state", md.State.String())
	return -int64(unix.EIO)
}

// CheckAndSet walks the block metadata and moves every covered block to the
// target state, validating the transition against each block's current state.
// Non-terminal targets cover the active range; INIT and DONE cover the whole
// region. A DONE pass additionally audits the completion: it derives the last
// completed block from the accumulated byte count, collects read holes into a
// sparse descriptor, fails short writes, and with updateDescriptor set folds
// the audit result back into the transfer's return value.
func (g *Group) CheckAndSet(target block.State, validate, updateDescriptor bool) {
	io := &g.IO

	ret := io.Ret
	if ret < 0 {
		ret = 0
	}
	doneBlocks := int((ret + constants.BlockSize - 1) / constants.BlockSize)
	issuedBlocks := io.ActiveEnd - io.ActiveStart + 1

	var sparse *SparseData
	nholes := -1
	lastSparseIndex := -1
	lastDoneBlock := 0
	var sparseLimit int64
	var auditErr int64

	if validate && target == block.StateDone {
		if io.Ret < 0 || io.Ret > io.Length {
			panic(fmt.Sprintf("group %#x: completion bytes %d out of range for length %d",
				g.baseIndex, io.Ret, io.Length))
		}

		if io.Op == OpRead && io.CheckSparse {
			sparse = g.mgr.sparse.Map()
		}

		if doneBlocks < issuedBlocks {
			lastDoneBlock = io.ActiveStart + doneBlocks - 1
			g.log.Debug("short completion",
				"done_blocks", doneBlocks, "issued_blocks", issuedBlocks,
				"start", io.ActiveStart, "last_done", lastDoneBlock, "end", io.ActiveEnd)
		} else {
			lastDoneBlock = io.ActiveEnd
		}
	}

	start, end := io.ActiveStart, io.ActiveEnd
	if target == block.StateInit || target == block.StateDone {
		start, end = 0, g.blocksCount-1
	}

	interrupted := g.exiting.Load() || io.Ret == -int64(unix.EINTR)

	for i := start; i <= end; i++ {
		md := &g.meta[i]
		inRange := i >= io.ActiveStart && i <= io.ActiveEnd

		switch {
		case !target.Valid():
			g.log.Warn("invalid target block state", "state", uint32(target))
			auditErr = -int64(unix.EIO)

		case target == block.StateDone:
			if inRange {
				r := g.doneBlock(&sparse, i, lastDoneBlock,
					&nholes, &lastSparseIndex, sparseLimit, validate)
				if r > 0 {
					sparseLimit = r
				} else if r < 0 {
					auditErr = r
				}
			} else {
				if validate && md.State != block.StateInit {
					panic(fmt.Sprintf("group %#x: block %d outside active range in state %s",
						g.baseIndex, i, md.State))
				}
				// never promoted to DONE
				continue
			}

		default:
			if validate && !target.LegalFrom(md.State) {
				g.log.Warn("illegal block state transition",
					"block", i, "from", md.State.String(), "to", target.String())
			}
		}

		// Leave in-flight blocks for the canceller when the owner is going
		// away mid-transfer.
		if target == block.StateDone && inRange && interrupted {
			if !md.State.InFlight() {
				g.log.Error("block in unexpected state at interrupted completion",
					"block", i, "state", md.State.String())
			}
		} else {
			md.State = target
		}
	}

	if target == block.StateDone && !interrupted {
		io.ActiveStart = 0
		io.ActiveEnd = 0
	}

	if sparse != nil {
		sparse.NHoles = nholes + 1
		st := block.MetaClean
		if sparse.NHoles > 0 {
			st = block.MetaSparse
		}
		io.MetaState = st
		sparse.StartFDOffset = io.FDOffset

		var holeBlocks uint64
		for i := 0; i < sparse.NHoles; i++ {
			holeBlocks += uint64(sparse.Holes[i].NBlocks)
		}
		g.mgr.obs.SparseRead(uint64(sparse.NHoles), holeBlocks)
		g.log.Debug("sparse read audit", "nholes", sparse.NHoles,
			"hole_blocks", holeBlocks, "fd_offset", sparse.StartFDOffset)

		g.mgr.sparse.Unmap(sparse, st)
	}

	if !updateDescriptor || io.Ret < 0 {
		return
	}
	if auditErr < 0 {
		io.Ret = auditErr
	} else if sparseLimit > 0 {
		io.Ret = sparseLimit
	}
}
