package mgroup

import (
	"io"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/gdsfs/go-shadowbuf/internal/block"
	"github.com/gdsfs/go-shadowbuf/internal/constants"
	"github.com/gdsfs/go-shadowbuf/internal/logging"
	"github.com/gdsfs/go-shadowbuf/internal/memunit"
)

// simAllocator hands out heap-backed units and counts traffic. failAt fails
// the n'th allocation (1-based) and every one after it.
type simAllocator struct {
	mu     sync.Mutex
	allocs int
	frees  int
	failAt int
}

func (a *simAllocator) AllocUnit(order int) (*memunit.Unit, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allocs++
	if a.failAt != 0 && a.allocs >= a.failAt {
		return nil, unix.ENOMEM
	}
	return &memunit.Unit{Data: make([]byte, constants.GPUPageSize)}, nil
}

func (a *simAllocator) FreeUnit(u *memunit.Unit) {
	a.mu.Lock()
	a.frees++
	a.mu.Unlock()
}

func (a *simAllocator) counts() (allocs, frees int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocs, a.frees
}

// simSpace is an in-memory page table keyed by virtual address.
type simSpace struct {
	mu           sync.Mutex
	pages        map[uint64]memunit.Page
	inserts      int
	failInsertAt int
	pins         int
	unpins       int
}

func newSimSpace() *simSpace {
	return &simSpace{pages: map[uint64]memunit.Page{}}
}

func (s *simSpace) InsertPage(vaddr uint64, pg memunit.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inserts++
	if s.failInsertAt != 0 && s.inserts >= s.failInsertAt {
		return unix.ENOMEM
	}
	s.pages[vaddr] = pg
	return nil
}

func (s *simSpace) Pin(vaddr uint64, count int) ([]memunit.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]memunit.Page, 0, count)
	for i := 0; i < count; i++ {
		pg, ok := s.pages[vaddr+uint64(i)*constants.PageSize]
		if !ok {
			return nil, unix.EFAULT
		}
		out = append(out, pg)
	}
	s.pins++
	return out, nil
}

func (s *simSpace) Unpin(pages []memunit.Page) {
	s.mu.Lock()
	s.unpins++
	s.mu.Unlock()
}

// simSparse keeps the last unmapped descriptor so tests can inspect the hole
// report after a DONE pass recycles it.
type simSparse struct {
	mu        sync.Mutex
	mapped    int
	unmapped  int
	last      *SparseData
	lastState block.MetaState
}

func (s *simSparse) Map() *SparseData {
	s.mu.Lock()
	s.mapped++
	s.mu.Unlock()
	return &SparseData{}
}

func (s *simSparse) Unmap(d *SparseData, st block.MetaState) {
	s.mu.Lock()
	s.unmapped++
	s.last = d
	s.lastState = st
	s.mu.Unlock()
}

// fakePeer resolves GPU page indices arithmetically.
type fakePeer struct {
	mu         sync.Mutex
	base       uint64
	releases   int
	releaseErr error
	completion bool
}

func (p *fakePeer) PhysicalAddressFor(gpuPageIndex uint64) (uint64, error) {
	return p.base + gpuPageIndex*constants.GPUPageSize, nil
}

func (p *fakePeer) Release(fromCompletion bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases++
	p.completion = fromCompletion
	return p.releaseErr
}

// countObserver records every observer callback.
type countObserver struct {
	mu            sync.Mutex
	mapped        int
	mappedBytes   uint64
	freed         int
	freedDMA      int
	mapErrors     int
	sparseReads   int
	sparseRegions uint64
	sparseBlocks  uint64
}

func (o *countObserver) GroupMapped(bytes uint64) {
	o.mu.Lock()
	o.mapped++
	o.mappedBytes += bytes
	o.mu.Unlock()
}

func (o *countObserver) GroupFreed(uint64) {
	o.mu.Lock()
	o.freed++
	o.mu.Unlock()
}

func (o *countObserver) GroupFreedDMA(uint64) {
	o.mu.Lock()
	o.freedDMA++
	o.mu.Unlock()
}

func (o *countObserver) MapError() {
	o.mu.Lock()
	o.mapErrors++
	o.mu.Unlock()
}

func (o *countObserver) SparseRead(regions, blocks uint64) {
	o.mu.Lock()
	o.sparseReads++
	o.sparseRegions += regions
	o.sparseBlocks += blocks
	o.mu.Unlock()
}

type testEnv struct {
	mgr    *Manager
	alloc  *simAllocator
	space  *simSpace
	sparse *simSparse
	obs    *countObserver
}

func newTestEnv() *testEnv {
	env := &testEnv{
		alloc:  &simAllocator{},
		space:  newSimSpace(),
		sparse: &simSparse{},
		obs:    &countObserver{},
	}
	var seq uint32
	mgr, err := New(Config{
		Allocator: env.alloc,
		Sparse:    env.sparse,
		Rand:      func() uint32 { seq++; return seq },
		Observer:  env.obs,
		Logger: logging.NewLogger(&logging.Config{
			Level:  logging.LevelError,
			Format: "json",
			Output: io.Discard,
			Sync:   true,
		}),
	})
	if err != nil {
		panic(err)
	}
	env.mgr = mgr
	return env
}

const testVaddr = uint64(0x7f0000000000)

// createGroup maps a region and pins it so every block sits in INIT.
func (env *testEnv) createGroup(length uint64) *Group {
	g, err := env.mgr.CreateGroup(env.space, testVaddr, length)
	if err != nil {
		panic(err)
	}
	pinned, err := env.mgr.PinShadowPages(env.space, testVaddr, length)
	if err != nil {
		panic(err)
	}
	// drop the pin's extra reference; the create reference keeps g alive
	env.mgr.UnpinShadowPages(pinned)
	return g
}
