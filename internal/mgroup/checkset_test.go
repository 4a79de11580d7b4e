package mgroup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/sys/unix"

	"github.com/gdsfs/go-shadowbuf/internal/block"
	"github.com/gdsfs/go-shadowbuf/internal/constants"
)

// queueBlocks pins the group's first nrBlocks for a transfer and promotes the
// selected subset to DMA_START, simulating the transfer engine.
func queueBlocks(t *testing.T, g *Group, nrBlocks int, dmaStart func(i int) bool) {
	t.Helper()
	require.NoError(t, g.FillActiveBlocks(nrBlocks))
	for i := 0; i < nrBlocks; i++ {
		if dmaStart(i) {
			g.meta[i].State = block.StateDMAStart
		}
	}
}

func TestWriteCompletionAllDone(t *testing.T) {
	env := newTestEnv()
	g := env.createGroup(256 * 1024)
	defer g.Put()

	g.IO.Op = OpWrite
	queueBlocks(t, g, 11, func(int) bool { return true })

	g.IO.Ret = 11 * constants.BlockSize
	g.IO.Length = 11 * constants.BlockSize
	g.CheckAndSet(block.StateDone, true, true)

	for i := 0; i < 11; i++ {
		assert.Equal(t, block.StateDone, g.BlockState(i), "block %d", i)
	}
	for i := 11; i < g.BlocksCount(); i++ {
		assert.Equal(t, block.StateInit, g.BlockState(i), "block %d", i)
	}
	assert.Equal(t, int64(11*constants.BlockSize), g.IO.Ret)
	assert.Equal(t, 0, g.IO.ActiveStart)
	assert.Equal(t, 0, g.IO.ActiveEnd)
}

func TestWriteBlockMissedDMAStart(t *testing.T) {
	env := newTestEnv()
	g := env.createGroup(128 * 1024)
	defer g.Put()

	g.IO.Op = OpWrite
	// block 3 never reaches the transfer engine
	queueBlocks(t, g, 8, func(i int) bool { return i != 3 })

	g.IO.Ret = 8 * constants.BlockSize
	g.IO.Length = 8 * constants.BlockSize
	g.CheckAndSet(block.StateDone, true, true)

	assert.Equal(t, -int64(unix.EIO), g.IO.Ret)
	// states are still advanced so the next transfer starts clean
	for i := 0; i < 8; i++ {
		assert.Equal(t, block.StateDone, g.BlockState(i))
	}
}

func TestShortWriteTrailingQueuedFails(t *testing.T) {
	env := newTestEnv()
	g := env.createGroup(128 * 1024)
	defer g.Put()

	g.IO.Op = OpWrite
	// only the first 5 of 11 blocks reach the transfer engine by completion
	queueBlocks(t, g, 11, func(i int) bool { return i < 5 })

	g.IO.Ret = 5 * constants.BlockSize
	g.IO.Length = 11 * constants.BlockSize
	g.CheckAndSet(block.StateDone, true, true)

	// a write that left blocks short of DMA start fails outright
	assert.Equal(t, -int64(unix.EIO), g.IO.Ret)
	for i := 0; i < 11; i++ {
		assert.Equal(t, block.StateDone, g.BlockState(i), "block %d", i)
	}
}

func TestSparseReadHoles(t *testing.T) {
	env := newTestEnv()
	g := env.createGroup(128 * 1024)
	defer g.Put()

	g.IO.Op = OpRead
	g.IO.FDOffset = 1 << 20
	// two hole runs: blocks 4-7 and 12-15 never see DMA
	hole := func(i int) bool { return (i >= 4 && i <= 7) || (i >= 12 && i <= 15) }
	queueBlocks(t, g, 16, func(i int) bool { return !hole(i) })

	g.IO.Ret = 16 * constants.BlockSize
	g.IO.Length = 16 * constants.BlockSize
	g.CheckAndSet(block.StateDone, true, true)

	require.NotNil(t, env.sparse.last)
	sd := env.sparse.last
	assert.Equal(t, 2, sd.NHoles)
	assert.Equal(t, Hole{Start: 4, NBlocks: 4}, sd.Holes[0])
	assert.Equal(t, Hole{Start: 12, NBlocks: 4}, sd.Holes[1])
	assert.Equal(t, int64(1<<20), sd.StartFDOffset)
	assert.Equal(t, block.MetaSparse, env.sparse.lastState)
	assert.Equal(t, block.MetaSparse, g.IO.MetaState)
	assert.True(t, g.IO.CheckSparse)

	assert.Equal(t, uint64(2), env.obs.sparseRegions)
	assert.Equal(t, uint64(8), env.obs.sparseBlocks)

	// holes complete like any other block, the report tells them apart
	for i := 0; i < 16; i++ {
		assert.Equal(t, block.StateDone, g.BlockState(i))
	}
	assert.Equal(t, int64(16*constants.BlockSize), g.IO.Ret)
}

func TestSparseReadCleanWhenPremapped(t *testing.T) {
	env := newTestEnv()
	g := env.createGroup(128 * 1024)
	defer g.Put()

	g.IO.Op = OpRead
	g.IO.CheckSparse = true // a previous transfer on this group found holes
	queueBlocks(t, g, 8, func(int) bool { return true })

	g.IO.Ret = 8 * constants.BlockSize
	g.IO.Length = 8 * constants.BlockSize
	g.CheckAndSet(block.StateDone, true, true)

	require.NotNil(t, env.sparse.last)
	assert.Equal(t, 0, env.sparse.last.NHoles)
	assert.Equal(t, block.MetaClean, env.sparse.lastState)
}

func TestSparseHoleCapTruncatesRead(t *testing.T) {
	env := newTestEnv()
	// 1040 blocks: enough even-indexed holes to overflow the region table
	g := env.createGroup(1040 * constants.BlockSize)
	defer g.Put()

	g.IO.Op = OpRead
	queueBlocks(t, g, 1040, func(i int) bool { return i%2 == 1 })

	g.IO.Ret = 1040 * constants.BlockSize
	g.IO.Length = 1040 * constants.BlockSize
	g.CheckAndSet(block.StateDone, true, true)

	// run #512 would start at block 1024; the read truncates there
	assert.Equal(t, int64(1024*constants.BlockSize), g.IO.Ret)
	require.NotNil(t, env.sparse.last)
	assert.Equal(t, constants.MaxHoleRegions, env.sparse.last.NHoles)
	assert.Equal(t, Hole{Start: 0, NBlocks: 1}, env.sparse.last.Holes[0])
	assert.Equal(t, Hole{Start: 1022, NBlocks: 1}, env.sparse.last.Holes[constants.MaxHoleRegions-1])
	assert.Equal(t, block.MetaSparse, env.sparse.lastState)
}

func TestExitingLeavesInFlightBlocks(t *testing.T) {
	env := newTestEnv()
	g := env.createGroup(128 * 1024)
	defer g.Put()

	g.IO.Op = OpWrite
	queueBlocks(t, g, 8, func(i int) bool { return i < 4 })
	g.SetExiting(true)

	g.IO.Ret = 8 * constants.BlockSize
	g.IO.Length = 8 * constants.BlockSize
	g.CheckAndSet(block.StateDone, true, false)

	// in-flight blocks stay put for the canceller
	for i := 0; i < 4; i++ {
		assert.Equal(t, block.StateDMAStart, g.BlockState(i))
	}
	for i := 4; i < 8; i++ {
		assert.Equal(t, block.StateQueued, g.BlockState(i))
	}
	// the active range survives too
	assert.Equal(t, 7, g.IO.ActiveEnd)
}

func TestInterruptedTransferLeavesInFlightBlocks(t *testing.T) {
	env := newTestEnv()
	g := env.createGroup(128 * 1024)
	defer g.Put()

	g.IO.Op = OpRead
	queueBlocks(t, g, 8, func(int) bool { return true })

	g.IO.Ret = -int64(unix.EINTR)
	g.IO.Length = 8 * constants.BlockSize
	g.CheckAndSet(block.StateDone, false, false)

	for i := 0; i < 8; i++ {
		assert.Equal(t, block.StateDMAStart, g.BlockState(i))
	}
	assert.Equal(t, 7, g.IO.ActiveEnd)
	assert.Equal(t, -int64(unix.EINTR), g.IO.Ret)
}

func TestDoneOutOfRangeStatePanics(t *testing.T) {
	env := newTestEnv()
	g := env.createGroup(256 * 1024)
	defer g.Put()

	g.IO.Op = OpWrite
	queueBlocks(t, g, 8, func(int) bool { return true })

	// a block outside the active range must never hold transfer state
	g.meta[20].State = block.StateQueued

	g.IO.Ret = 8 * constants.BlockSize
	g.IO.Length = 8 * constants.BlockSize
	require.Panics(t, func() {
		g.CheckAndSet(block.StateDone, true, false)
	})
}

func TestDoneCompletionBytesOutOfRangePanics(t *testing.T) {
	env := newTestEnv()
	g := env.createGroup(64 * 1024)
	defer g.Put()

	queueBlocks(t, g, 4, func(int) bool { return true })
	g.IO.Ret = 5 * constants.BlockSize
	g.IO.Length = 4 * constants.BlockSize

	require.Panics(t, func() {
		g.CheckAndSet(block.StateDone, true, false)
	})
}
