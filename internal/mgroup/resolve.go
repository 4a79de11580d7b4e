package mgroup

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/gdsfs/go-shadowbuf/internal/block"
	"github.com/gdsfs/go-shadowbuf/internal/constants"
	"github.com/gdsfs/go-shadowbuf/internal/memunit"
)

// ErrNotFound reports that an address or unit does not resolve to any live
// group. Benign races (lookup during concurrent teardown, stale addresses)
// surface as ErrNotFound, indistinguishable from "never existed".
var ErrNotFound = errors.New("shadow group not found")

// ErrUnitErrored reports a unit that does belong to a managed group but whose
// blocks carry a DMA error, or that lies outside the group's active range.
// Callers use it to tell "managed but errored" from "not managed".
var ErrUnitErrored = fmt.Errorf("shadow unit in DMA error state: %w", unix.EIO)

// ResolveByAddress recovers the memory group backing a user virtual address.
// The single page at vaddr is pinned just long enough to read its unit tag;
// the returned group is kept alive by the registry reference, not the pin.
// Every mismatch along the way is fatal to the call, not the caller: the
// result is ErrNotFound.
func (m *Manager) ResolveByAddress(space memunit.AddressSpace, vaddr uint64) (*Group, error) {
	if vaddr == 0 {
		return nil, fmt.Errorf("invalid shadow buffer address: %w", unix.EINVAL)
	}
	if vaddr%constants.BlockSize != 0 {
		return nil, fmt.Errorf("shadow buffer address %#x not block aligned: %w", vaddr, unix.EINVAL)
	}

	pages, err := space.Pin(vaddr, 1)
	if err != nil || len(pages) != 1 {
		m.log.Debug("pin failed for address", "vaddr", vaddr)
		return nil, ErrNotFound
	}
	defer space.Unpin(pages)

	pg := pages[0]
	g := m.Lookup(pg.Unit.BaseIndex())
	if g == nil {
		return nil, ErrNotFound
	}

	if vaddr != g.baseVaddr {
		g.log.Warn("shadow buffer address mismatch", "vaddr", vaddr, "base_vaddr", g.baseVaddr)
		g.Put()
		return nil, ErrNotFound
	}

	rel := pg.Unit.RelIndex()
	blockIdx := int(rel)*constants.BlocksPerUnit + pg.Index*(constants.PageSize/constants.BlockSize)
	if blockIdx >= g.blocksCount {
		g.Put()
		return nil, ErrNotFound
	}
	md := &g.meta[blockIdx]
	if !md.Consistent(int32(rel)) || g.units[rel] != pg.Unit {
		g.log.Warn("invalid block metadata for address", "vaddr", vaddr, "block", blockIdx)
		g.Put()
		return nil, ErrNotFound
	}

	return g, nil
}

// groupFromUnit resolves a backing unit to its owning group and validates the
// unit's whole block range. Returns (nil, nil) for units that are not part of
// any shadow buffer; ErrUnitErrored for managed-but-unhealthy units.
func (m *Manager) groupFromUnit(u *memunit.Unit, checkDMAError bool) (*Group, error) {
	if u == nil {
		return nil, nil
	}

	base := u.BaseIndex()
	if base < constants.MinBaseIndex {
		return nil, nil
	}

	g := m.Lookup(base)
	if g == nil {
		return nil, nil
	}

	rel := u.RelIndex()
	if int(rel) >= len(g.units) || g.units[rel] != u {
		g.log.Warn("unit not recorded in owning group", "unit", u.GlobalIndex)
		g.Put()
		return nil, nil
	}

	start := int(rel) * constants.BlocksPerUnit
	for i := start; i < start+constants.BlocksPerUnit && i < g.blocksCount; i++ {
		md := &g.meta[i]
		if !md.Consistent(int32(rel)) {
			g.log.Warn("inconsistent block metadata in unit", "unit", u.GlobalIndex, "block", i)
			g.Put()
			return nil, nil
		}
		if checkDMAError && md.State == block.StateDMAError {
			g.Put()
			return nil, ErrUnitErrored
		}
	}

	// the unit must intersect the active range
	if start > g.IO.ActiveEnd || start+constants.BlocksPerUnit-1 < g.IO.ActiveStart {
		g.Put()
		return nil, ErrUnitErrored
	}

	return g, nil
}

// ResolveByUnit recovers the group owning a backing unit, validating every
// block in the unit. With checkDMAError set, a unit carrying a DMA-errored
// block yields ErrUnitErrored so the caller can distinguish it from a unit
// this core does not manage (ErrNotFound).
func (m *Manager) ResolveByUnit(u *memunit.Unit, checkDMAError bool) (*Group, error) {
	g, err := m.groupFromUnit(u, checkDMAError)
	if g == nil && err == nil {
		return nil, ErrNotFound
	}
	return g, err
}

// IsShadowUnit reports whether a unit belongs to any shadow buffer. Errored
// units still count: the caller must not fall back to treating the memory as
// ordinary host memory.
func (m *Manager) IsShadowUnit(u *memunit.Unit) bool {
	g, err := m.groupFromUnit(u, false)
	if g != nil {
		g.Put()
		return true
	}
	return err != nil
}

// GroupFromUnitRange resolves a unit and promotes nblocks starting at
// startOffset within it to DMA_START, validating that every block is inside
// the active range, contiguous with its predecessor, and currently QUEUED or
// DMA_START. On violation the offending block is poisoned with DMA_ERROR and
// the reference is dropped.
func (m *Manager) GroupFromUnitRange(u *memunit.Unit, nblocks int, startOffset int) (*Group, error) {
	g, err := m.groupFromUnit(u, false)
	if g == nil {
		if err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}

	rel := u.RelIndex()
	blockIdx := int(rel)*constants.BlocksPerUnit + startOffset/constants.BlockSize

	var md *block.Metadata
	for i := 0; i < nblocks; i++ {
		idx := blockIdx + i
		if idx >= g.blocksCount || idx > g.IO.ActiveEnd {
			g.log.Warn("unit range beyond active blocks", "block", idx, "active_end", g.IO.ActiveEnd)
			goto fail
		}

		// consecutive blocks must sit in the same or the adjacent unit
		if md != nil {
			prev := md.Unit
			next := g.meta[idx].Unit
			if next != prev && next != prev+1 {
				g.log.Warn("unit range not contiguous", "block", idx)
				md = &g.meta[idx]
				goto fail
			}
		}
		md = &g.meta[idx]

		if md.State != block.StateQueued && md.State != block.StateDMAStart {
			g.log.Warn("unit range block in wrong state", "block", idx, "state", md.State.String())
			goto fail
		}
		md.State = block.StateDMAStart
	}
	return g, nil

fail:
	if md != nil {
		md.State = block.StateDMAError
	}
	g.Put()
	return nil, fmt.Errorf("unit range validation failed: %w", unix.EIO)
}

// MarkBlocksDMA promotes the blocks covering [bvOffset, bvOffset+bvLen) of a
// unit from QUEUED to DMA_START as the transfer engine takes ownership. A
// block in any other state is poisoned with DMA_ERROR and the transfer is
// failed. The caller keeps its group reference throughout.
func (g *Group) MarkBlocksDMA(u *memunit.Unit, bvOffset, bvLen int) error {
	if bvLen <= 0 {
		return fmt.Errorf("empty DMA range: %w", unix.EINVAL)
	}

	rel := u.RelIndex()
	base := int(rel) * constants.BlocksPerUnit
	startBlock := bvOffset / constants.BlockSize
	endBlock := (bvOffset + bvLen - 1) / constants.BlockSize

	for i := base + startBlock; i <= base+endBlock; i++ {
		if i >= g.blocksCount {
			return fmt.Errorf("DMA range beyond group blocks: %w", unix.EIO)
		}
		md := &g.meta[i]
		if md.State != block.StateQueued && md.State != block.StateDMAStart {
			st := md.State
			g.log.Warn("block in wrong state for DMA", "block", i, "state", st.String())
			md.State = block.StateDMAError
			return fmt.Errorf("block %d in state %s at DMA start: %w", i, st, unix.EIO)
		}
		md.State = block.StateDMAStart
	}
	return nil
}
