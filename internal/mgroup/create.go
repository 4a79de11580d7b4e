package mgroup

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/gdsfs/go-shadowbuf/internal/block"
	"github.com/gdsfs/go-shadowbuf/internal/constants"
	"github.com/gdsfs/go-shadowbuf/internal/logging"
	"github.com/gdsfs/go-shadowbuf/internal/memunit"
	"github.com/gdsfs/go-shadowbuf/internal/registry"
)

// Config wires the collaborators a Manager needs.
type Config struct {
	// Allocator is the physical-page allocator (required)
	Allocator memunit.Allocator

	// Sparse is the sparse-descriptor allocator (required)
	Sparse SparseAllocator

	// Rand overrides the registry's key-generation source (tests)
	Rand func() uint32

	// Logger defaults to the package default logger
	Logger *logging.Logger

	// Observer defaults to a no-op observer
	Observer Observer
}

// Manager owns the group registry and builds, resolves, and tears down
// memory groups.
type Manager struct {
	table  *registry.Table
	alloc  memunit.Allocator
	sparse SparseAllocator
	obs    Observer
	log    *logging.Logger
}

// New creates a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Allocator == nil {
		return nil, fmt.Errorf("mgroup: physical allocator is required: %w", unix.EINVAL)
	}
	if cfg.Sparse == nil {
		return nil, fmt.Errorf("mgroup: sparse-descriptor allocator is required: %w", unix.EINVAL)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = NoopObserver{}
	}

	opts := []registry.Option{registry.WithLogger(log)}
	if cfg.Rand != nil {
		opts = append(opts, registry.WithRand(cfg.Rand))
	}

	return &Manager{
		table:  registry.New(opts...),
		alloc:  cfg.Allocator,
		sparse: cfg.Sparse,
		obs:    obs,
		log:    log,
	}, nil
}

// Groups returns the number of live registered groups.
func (m *Manager) Groups() int { return m.table.Len() }

func checkRegionLength(length uint64) error {
	if length == 0 || length > constants.MaxShadowSize {
		return fmt.Errorf("region length %#x out of range: %w", length, unix.EINVAL)
	}
	if length < constants.GPUPageSize && length%constants.BlockSize != 0 {
		return fmt.Errorf("region length %#x below 64K must be a multiple of 4K: %w", length, unix.EINVAL)
	}
	if length > constants.GPUPageSize && length%constants.GPUPageSize != 0 {
		return fmt.Errorf("region length %#x above 64K must be a multiple of 64K: %w", length, unix.EINVAL)
	}
	return nil
}

// CreateGroup builds the memory group for one mapping request: registers a
// fresh group under a randomized base index, lazily allocates one backing
// unit per 64KB of region, inserts every unit page into the caller's address
// space at its computed position, and stamps per-block metadata. Any failure
// rolls the whole group back; no partial group survives. The returned group
// carries the registry's initial reference, which the mapping holds.
func (m *Manager) CreateGroup(space memunit.AddressSpace, vaddr, length uint64) (*Group, error) {
	if vaddr == 0 || vaddr%constants.BlockSize != 0 {
		return nil, fmt.Errorf("shadow buffer address %#x not block aligned: %w", vaddr, unix.EINVAL)
	}
	if err := checkRegionLength(length); err != nil {
		return nil, err
	}

	g := &Group{
		mgr:       m,
		length:    length,
		baseVaddr: vaddr,
		log:       m.log,
	}

	_, err := m.table.Insert(g, func(key uint64) {
		g.baseIndex = key
		g.ref.Store(1)
	})
	if err != nil {
		m.obs.MapError()
		return nil, err
	}

	blocks := int((length + constants.BlockSize - 1) / constants.BlockSize)
	unitsCount := int((length + constants.GPUPageSize - 1) / constants.GPUPageSize)
	g.units = make([]*memunit.Unit, unitsCount)
	g.meta = make([]block.Metadata, blocks)
	g.log = m.log.WithGroup(g.baseIndex)

	for i := 0; i < blocks; i++ {
		unitIdx := i / constants.BlocksPerUnit
		if g.units[unitIdx] == nil {
			u, err := m.alloc.AllocUnit(constants.UnitOrder)
			if err != nil {
				g.log.Error("backing unit allocation failed", "unit", unitIdx, "error", err.Error())
				g.blocksCount = i
				m.obs.MapError()
				g.Put()
				return nil, fmt.Errorf("backing unit allocation failed: %w", unix.ENOMEM)
			}
			u.GlobalIndex = g.baseIndex*constants.MaxUnitsPerGroup + uint64(unitIdx)
			g.units[unitIdx] = u

			base := vaddr + uint64(unitIdx)*constants.GPUPageSize
			for p := 0; p < constants.PagesPerUnit; p++ {
				if err := space.InsertPage(base+uint64(p)*constants.PageSize, u.Page(p)); err != nil {
					g.log.Error("page insert failed", "unit", unitIdx, "page", p, "error", err.Error())
					g.blocksCount = i
					m.obs.MapError()
					g.Put()
					return nil, fmt.Errorf("page insert failed: %w", unix.ENOMEM)
				}
			}
		}
		g.meta[i].Init(int32(unitIdx), uint32((i%constants.BlocksPerUnit)*constants.BlockSize))
	}

	g.blocksCount = blocks
	g.attach.Store(int32(AttachFree))
	g.mapped = true
	m.obs.GroupMapped(length)
	g.log.Debug("mapped shadow buffer", "length", length, "blocks", blocks, "units", unitsCount)
	return g, nil
}

// Lookup finds a live group by base index, taking a reference. Nil means the
// key is unknown or the group is mid-teardown.
func (m *Manager) Lookup(baseIndex uint64) *Group {
	member := m.table.Lookup(baseIndex)
	if member == nil {
		m.log.Debug("base index not found", "base_index", baseIndex)
		return nil
	}
	g := member.(*Group)
	if g.Attach() > AttachInProgress {
		m.log.Info("group found but backing buffer is being released",
			"base_index", baseIndex, "attach", g.Attach().String())
	}
	return g
}

// PinShadowPages verifies and pins a whole shadow-buffer region: every pinned
// page must lead back to the same group, which must cover at least the pinned
// block count. On success the group records the region's base address, all
// blocks move to INIT, and the group is returned holding the pin's reference.
// The page pins themselves are dropped before returning; the reference, not
// the pin, keeps the group alive.
func (m *Manager) PinShadowPages(space memunit.AddressSpace, vaddr, length uint64) (*Group, error) {
	if vaddr == 0 || vaddr%constants.BlockSize != 0 {
		return nil, fmt.Errorf("shadow buffer address %#x not block aligned: %w", vaddr, unix.EINVAL)
	}

	count := int((length + constants.PageSize - 1) / constants.PageSize)
	if count == 0 || count > constants.MaxUnitsPerGroup*constants.PagesPerUnit {
		return nil, fmt.Errorf("pin count %d out of range: %w", count, unix.EINVAL)
	}

	pages, err := space.Pin(vaddr, count)
	if err != nil {
		return nil, fmt.Errorf("unable to pin shadow buffer pages: %w", err)
	}
	defer space.Unpin(pages)

	blockCount := int((length + constants.BlockSize - 1) / constants.BlockSize)

	var g *Group
	for j, pg := range pages {
		base := pg.Unit.BaseIndex()
		if j == 0 {
			g = m.Lookup(base)
			if g == nil {
				return nil, ErrNotFound
			}
			if g.blocksCount < blockCount {
				panic(fmt.Sprintf("pinned region spans %d blocks but group %#x holds %d",
					blockCount, g.baseIndex, g.blocksCount))
			}
		}
		if base != g.baseIndex {
			panic(fmt.Sprintf("pinned page %d belongs to group %#x, expected %#x",
				j, base, g.baseIndex))
		}
	}

	g.baseVaddr = vaddr
	g.CheckAndSet(block.StateInit, true, false)
	g.log.Debug("pinned shadow buffer", "vaddr", vaddr, "pages", count)
	return g, nil
}

// UnpinShadowPages releases the reference taken by PinShadowPages.
func (m *Manager) UnpinShadowPages(g *Group) {
	g.Put()
}
