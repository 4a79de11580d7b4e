// Package mgroup implements the memory group: the registry entry representing
// one mapped shadow-buffer region, its reference-counted lifetime, the bulk
// block state machine, and address translation for DMA setup.
package mgroup

import (
	"sync/atomic"

	"github.com/gdsfs/go-shadowbuf/internal/block"
	"github.com/gdsfs/go-shadowbuf/internal/logging"
	"github.com/gdsfs/go-shadowbuf/internal/memunit"
)

// AttachState tracks the GPU-side resources bound to a group. Values above
// AttachInit mean peer resources were attached and must be released before
// the backing memory goes away.
type AttachState int32

const (
	AttachFree AttachState = iota
	AttachInit
	AttachInProgress
	AttachTerminateReq
	AttachTerminated
	AttachCallbackEnd
)

func (s AttachState) String() string {
	switch s {
	case AttachFree:
		return "FREE"
	case AttachInit:
		return "INIT"
	case AttachInProgress:
		return "IN_PROGRESS"
	case AttachTerminateReq:
		return "TERMINATE_REQ"
	case AttachTerminated:
		return "TERMINATED"
	case AttachCallbackEnd:
		return "CALLBACK_END"
	default:
		return "INVALID"
	}
}

// PeerInfo is the injected GPU peer capability. The core never interprets the
// device-side page table; it only asks for physical addresses and tells the
// peer when to let go of its resources.
type PeerInfo interface {
	// PhysicalAddressFor resolves a GPU-relative page index to a physical DMA
	// address of that GPU page's base.
	PhysicalAddressFor(gpuPageIndex uint64) (uint64, error)

	// Release drops the peer-side resources. fromCompletion distinguishes the
	// transfer-completion callback context from ordinary process context.
	Release(fromCompletion bool) error
}

// Op is the transfer direction.
type Op int

const (
	OpRead Op = iota
	OpWrite
)

func (o Op) String() string {
	if o == OpWrite {
		return "WRITE"
	}
	return "READ"
}

// Transfer is the I/O-transfer descriptor embedded in every group. It is
// mutated only by the block state machine and by the single I/O issuer that
// currently owns the active range; concurrent issuers on one group must not
// overlap ranges (caller contract).
type Transfer struct {
	// ActiveStart and ActiveEnd bound the blocks of the in-flight transfer,
	// inclusive
	ActiveStart int
	ActiveEnd   int

	// Op is the transfer direction
	Op Op

	// Ret accumulates the transfer result: completed bytes, or a negative
	// errno value
	Ret int64

	// Length is the issued byte length of the transfer
	Length int64

	// CheckSparse is set once a read has mapped sparse-hole bookkeeping
	CheckSparse bool

	// MetaState reports the sparse outcome of the last completed read
	MetaState block.MetaState

	// GPUBaseIndex is the GPU-relative page index the active range starts at
	GPUBaseIndex uint64

	// GPUPageOffset is the intra-GPU-page byte offset of the transfer
	GPUPageOffset int64

	// FDOffset is the file offset the transfer was issued at
	FDOffset int64

	// Vaddr is the shadow-buffer cursor for the active range
	Vaddr uint64
}

// Group is one mapped shadow-buffer region: an arena of backing memory units,
// a block-metadata record per 4KB block, a randomized lookup key, and a
// reference count that drives teardown.
type Group struct {
	baseIndex uint64
	ref       atomic.Int32
	dmaRef    atomic.Int32
	attach    atomic.Int32
	exiting   atomic.Bool

	units       []*memunit.Unit
	meta        []block.Metadata
	blocksCount int
	length      uint64
	baseVaddr   uint64
	mapped      bool

	peer PeerInfo

	// IO is the embedded transfer descriptor
	IO Transfer

	mgr *Manager
	log *logging.Logger
}

// BaseIndex returns the group's randomized lookup key.
func (g *Group) BaseIndex() uint64 { return g.baseIndex }

// BlocksCount returns the number of 4KB blocks in the region.
func (g *Group) BlocksCount() int { return g.blocksCount }

// Length returns the mapped region length in bytes.
func (g *Group) Length() uint64 { return g.length }

// BaseVaddr returns the shadow buffer's recorded base virtual address.
func (g *Group) BaseVaddr() uint64 { return g.baseVaddr }

// Unit returns the i'th backing unit, nil once the group is torn down.
func (g *Group) Unit(i int) *memunit.Unit {
	if i < 0 || i >= len(g.units) {
		return nil
	}
	return g.units[i]
}

// UnitsCount returns the number of backing units.
func (g *Group) UnitsCount() int { return len(g.units) }

// BlockState returns the current lifecycle state of block i.
func (g *Group) BlockState(i int) block.State { return g.meta[i].State }

// RefCount returns the current reference count (diagnostics and tests).
func (g *Group) RefCount() int32 { return g.ref.Load() }

// Attach returns the GPU attach state.
func (g *Group) Attach() AttachState { return AttachState(g.attach.Load()) }

// SetAttach updates the GPU attach state; called by the DMA collaborator as
// transfers progress and terminate.
func (g *Group) SetAttach(s AttachState) { g.attach.Store(int32(s)) }

// AttachPeer binds the GPU peer capability to the group. Legal only once,
// while no peer resources are attached.
func (g *Group) AttachPeer(p PeerInfo) bool {
	if !g.attach.CompareAndSwap(int32(AttachFree), int32(AttachInProgress)) {
		return false
	}
	g.peer = p
	return true
}

// SetExiting marks the owning process as exiting. While set, a DONE pass
// leaves in-flight blocks untouched for the canceller to finalize.
func (g *Group) SetExiting(v bool) { g.exiting.Store(v) }

// GetRef takes an additional reference. The caller must already hold one.
func (g *Group) GetRef() {
	g.ref.Add(1)
}

// TryRef takes a reference unless the count has already dropped to zero.
// Used by the registry's lock-free lookup so a caller never receives a group
// mid-teardown.
func (g *Group) TryRef() bool {
	for {
		c := g.ref.Load()
		if c == 0 {
			return false
		}
		if g.ref.CompareAndSwap(c, c+1) {
			return true
		}
	}
}

// PutRef releases a reference taken by TryRef (registry.Member).
func (g *Group) PutRef() { g.put(false) }

// Put releases a reference from ordinary process context. The last reference
// runs teardown synchronously.
func (g *Group) Put() { g.put(false) }

// PutFromCompletion releases a reference from transfer-completion callback
// context. Identical teardown, but the grace period never sleeps and the
// completion-side statistics hook fires.
func (g *Group) PutFromCompletion() { g.put(true) }

func (g *Group) put(fromCompletion bool) {
	if g == nil {
		return
	}
	if g.ref.Add(-1) == 0 {
		g.free(fromCompletion)
	}
}

// free tears the group down: peer resources first, then unlink from the
// registry with a quiescence wait, then metadata, then every backing unit.
// Runs at most once; the refcount guarantees exclusivity. Must not sleep when
// fromCompletion is set.
func (g *Group) free(fromCompletion bool) {
	if g.Attach() > AttachInit && g.peer != nil {
		if err := g.peer.Release(fromCompletion); err != nil {
			// Cannot release the peer side now; leave the group intact for a
			// later retry by the holder of the peer resources.
			g.log.Info("peer release failed, teardown deferred",
				"base_index", g.baseIndex, "error", err.Error())
			return
		}
	}

	g.mgr.table.Remove(g.baseIndex, !fromCompletion)

	for i := range g.meta {
		g.meta[i].Invalidate()
	}
	g.meta = nil

	for i, u := range g.units {
		if u != nil {
			g.mgr.alloc.FreeUnit(u)
			g.units[i] = nil
		}
	}
	g.units = nil
	g.blocksCount = 0

	if g.mapped {
		if fromCompletion {
			g.mgr.obs.GroupFreedDMA(g.length)
		} else {
			g.mgr.obs.GroupFreed(g.length)
		}
	}
	g.log.Debug("freed group", "base_index", g.baseIndex)
	g.baseIndex = 0
}

// DMARef returns the transfer-engine reference counter.
func (g *Group) DMARef() *atomic.Int32 { return &g.dmaRef }
