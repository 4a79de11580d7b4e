// Package shadowbuf provides the main API for managing GPU shadow buffers:
// reference-counted memory groups of physically-contiguous backing units,
// per-block transfer state tracking, and address translation for DMA setup.
package shadowbuf

import (
	"errors"

	"github.com/gdsfs/go-shadowbuf/internal/block"
	"github.com/gdsfs/go-shadowbuf/internal/logging"
	"github.com/gdsfs/go-shadowbuf/internal/memunit"
	"github.com/gdsfs/go-shadowbuf/internal/mgroup"
)

// Re-exported core types. The internal packages hold the implementations;
// these aliases are the public surface.
type (
	// Group is one mapped shadow-buffer region
	Group = mgroup.Group

	// Transfer is the per-group I/O transfer descriptor
	Transfer = mgroup.Transfer

	// PeerInfo is the injected GPU peer capability
	PeerInfo = mgroup.PeerInfo

	// SparseData is the hole report for one sparse read
	SparseData = mgroup.SparseData

	// SparseAllocator supplies sparse-hole descriptors
	SparseAllocator = mgroup.SparseAllocator

	// Hole is one contiguous run of unread blocks
	Hole = mgroup.Hole

	// Observer receives lifecycle and sparse-read statistics
	Observer = mgroup.Observer

	// Op is the transfer direction
	Op = mgroup.Op

	// AttachState tracks GPU-side resources bound to a group
	AttachState = mgroup.AttachState

	// Unit is one 64KB physically-contiguous backing allocation
	Unit = memunit.Unit

	// Page identifies one host page inside a backing unit
	Page = memunit.Page

	// Allocator is the physical-page allocator collaborator
	Allocator = memunit.Allocator

	// AddressSpace is the user virtual-memory collaborator
	AddressSpace = memunit.AddressSpace

	// BlockState is the per-block transfer lifecycle state
	BlockState = block.State

	// MetaState reports the sparse outcome of a completed read
	MetaState = block.MetaState
)

// Transfer directions
const (
	OpRead  = mgroup.OpRead
	OpWrite = mgroup.OpWrite
)

// Block lifecycle states
const (
	StateFree     = block.StateFree
	StateAlloc    = block.StateAlloc
	StateInit     = block.StateInit
	StateQueued   = block.StateQueued
	StateDMAStart = block.StateDMAStart
	StateDone     = block.StateDone
	StateDMAError = block.StateDMAError
)

// Sparse metastates
const (
	MetaClean  = block.MetaClean
	MetaSparse = block.MetaSparse
)

// GPU attach states
const (
	AttachFree         = mgroup.AttachFree
	AttachInit         = mgroup.AttachInit
	AttachInProgress   = mgroup.AttachInProgress
	AttachTerminateReq = mgroup.AttachTerminateReq
	AttachTerminated   = mgroup.AttachTerminated
	AttachCallbackEnd  = mgroup.AttachCallbackEnd
)

// Params contains the collaborators required to run a shadow-buffer manager
type Params struct {
	// Allocator provides physically-contiguous backing units
	Allocator Allocator

	// Sparse provides sparse-hole descriptors for short reads
	Sparse SparseAllocator
}

// Options contains additional options for manager creation
type Options struct {
	// Observer for statistics collection (if nil, the built-in Metrics is used)
	Observer Observer

	// Rand overrides the base-index generation source (testing)
	Rand func() uint32

	// Logger overrides the default logger
	Logger *logging.Logger
}

// Manager owns the shadow-buffer registry. All buffer creation, resolution,
// and teardown flows through it.
type Manager struct {
	core    *mgroup.Manager
	metrics *Metrics
}

// New creates a shadow-buffer manager.
//
// Example:
//
//	alloc := backend.NewSimAllocator(0)
//	sparse := backend.NewSparsePool(nil)
//	mgr, err := shadowbuf.New(shadowbuf.Params{Allocator: alloc, Sparse: sparse}, nil)
func New(params Params, options *Options) (*Manager, error) {
	if options == nil {
		options = &Options{}
	}

	metrics := NewMetrics()
	var observer Observer = metrics
	if options.Observer != nil {
		observer = options.Observer
	}

	core, err := mgroup.New(mgroup.Config{
		Allocator: params.Allocator,
		Sparse:    params.Sparse,
		Rand:      options.Rand,
		Logger:    options.Logger,
		Observer:  observer,
	})
	if err != nil {
		return nil, WrapError("NEW_MANAGER", err)
	}

	return &Manager{core: core, metrics: metrics}, nil
}

// CreateBuffer maps a shadow-buffer region: it registers a fresh group under a
// randomized base index, allocates backing units, inserts their pages into the
// caller's address space, and stamps per-block metadata. The returned group
// holds the mapping's reference; release it with Release.
func (m *Manager) CreateBuffer(space AddressSpace, vaddr, length uint64) (*Group, error) {
	g, err := m.core.CreateGroup(space, vaddr, length)
	if err != nil {
		return nil, WrapError("CREATE_BUFFER", err)
	}
	return g, nil
}

// Release drops a reference obtained from CreateBuffer, Lookup, or one of the
// resolve calls. The last reference tears the buffer down.
func (m *Manager) Release(g *Group) {
	g.Put()
}

// ReleaseFromCompletion drops a reference from transfer-completion callback
// context. Teardown on the last reference never sleeps on this path.
func (m *Manager) ReleaseFromCompletion(g *Group) {
	g.PutFromCompletion()
}

// Lookup finds a live buffer by base index, taking a reference. Nil means the
// key is unknown or the buffer is mid-teardown.
func (m *Manager) Lookup(baseIndex uint64) *Group {
	return m.core.Lookup(baseIndex)
}

// ResolveAddress recovers the buffer backing a user virtual address, taking a
// reference. Stale or foreign addresses yield ErrCodeBufferNotFound.
func (m *Manager) ResolveAddress(space AddressSpace, vaddr uint64) (*Group, error) {
	g, err := m.core.ResolveByAddress(space, vaddr)
	if err != nil {
		if errors.Is(err, mgroup.ErrNotFound) {
			return nil, NewError("RESOLVE_ADDR", ErrCodeBufferNotFound, err.Error())
		}
		return nil, WrapError("RESOLVE_ADDR", err)
	}
	return g, nil
}

// ResolveUnit recovers the buffer owning a backing unit, taking a reference.
// With checkDMAError set, units carrying DMA-errored blocks report
// ErrCodeDMAError instead of resolving.
func (m *Manager) ResolveUnit(u *Unit, checkDMAError bool) (*Group, error) {
	g, err := m.core.ResolveByUnit(u, checkDMAError)
	if err != nil {
		switch {
		case errors.Is(err, mgroup.ErrNotFound):
			return nil, NewError("RESOLVE_UNIT", ErrCodeBufferNotFound, err.Error())
		case errors.Is(err, mgroup.ErrUnitErrored):
			return nil, NewError("RESOLVE_UNIT", ErrCodeDMAError, err.Error())
		}
		return nil, WrapError("RESOLVE_UNIT", err)
	}
	return g, nil
}

// IsShadowUnit reports whether a unit belongs to any shadow buffer, errored
// units included.
func (m *Manager) IsShadowUnit(u *Unit) bool {
	return m.core.IsShadowUnit(u)
}

// AcquireUnitRange resolves a unit and promotes nblocks starting at
// startOffset within it to DMA_START, taking a reference. Validation failures
// poison the offending block and report ErrCodeDMAError.
func (m *Manager) AcquireUnitRange(u *Unit, nblocks, startOffset int) (*Group, error) {
	g, err := m.core.GroupFromUnitRange(u, nblocks, startOffset)
	if err != nil {
		if errors.Is(err, mgroup.ErrNotFound) {
			return nil, NewError("ACQUIRE_RANGE", ErrCodeBufferNotFound, err.Error())
		}
		return nil, NewError("ACQUIRE_RANGE", ErrCodeDMAError, err.Error())
	}
	return g, nil
}

// PinPages verifies and pins a whole shadow-buffer region, moving every block
// to INIT and recording the region's base address. The returned buffer holds
// the pin's reference; release it with UnpinPages.
func (m *Manager) PinPages(space AddressSpace, vaddr, length uint64) (*Group, error) {
	g, err := m.core.PinShadowPages(space, vaddr, length)
	if err != nil {
		if errors.Is(err, mgroup.ErrNotFound) {
			return nil, NewError("PIN_PAGES", ErrCodeBufferNotFound, err.Error())
		}
		return nil, WrapError("PIN_PAGES", err)
	}
	return g, nil
}

// UnpinPages releases the reference taken by PinPages.
func (m *Manager) UnpinPages(g *Group) {
	m.core.UnpinShadowPages(g)
}

// Buffers returns the number of live registered shadow buffers.
func (m *Manager) Buffers() int {
	return m.core.Groups()
}

// Metrics returns the manager's built-in metrics. When a custom observer was
// installed at creation the built-in metrics exist but stay at zero.
func (m *Manager) Metrics() *Metrics {
	return m.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of the built-in metrics.
func (m *Manager) MetricsSnapshot() MetricsSnapshot {
	if m == nil || m.metrics == nil {
		return MetricsSnapshot{}
	}
	return m.metrics.Snapshot()
}
