// Package backend provides host-memory collaborator implementations for
// shadow-buffer managers: a simulated unit allocator, a simulated address
// space, and a pooled sparse-descriptor allocator. They stand in for the
// platform's physical allocator and MMU glue in tests, tools, and benchmarks.
package backend

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	shadowbuf "github.com/gdsfs/go-shadowbuf"
)

// unitPool recycles 64KB unit buffers so alloc/free churn in benchmarks and
// long-running sims stays off the garbage collector.
var unitPool = sync.Pool{
	New: func() any {
		b := make([]byte, shadowbuf.GPUPageSize)
		return &b
	},
}

// SimAllocator is a heap-backed unit allocator. It hands out zero-filled
// 64KB units from a pool and can inject allocation failures.
type SimAllocator struct {
	mu     sync.Mutex
	limit  int // units allowed before ENOMEM, 0 = unlimited
	allocs uint64
	frees  uint64
	live   int
}

// NewSimAllocator creates a simulated allocator. limit caps the number of
// live units; 0 means unlimited.
func NewSimAllocator(limit int) *SimAllocator {
	return &SimAllocator{limit: limit}
}

// AllocUnit implements the Allocator interface
func (a *SimAllocator) AllocUnit(order int) (*shadowbuf.Unit, error) {
	if order != shadowbuf.UnitOrder {
		return nil, fmt.Errorf("unsupported unit order %d: %w", order, unix.EINVAL)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.limit != 0 && a.live >= a.limit {
		return nil, unix.ENOMEM
	}

	buf := *unitPool.Get().(*[]byte)
	for i := range buf {
		buf[i] = 0
	}

	a.allocs++
	a.live++
	return &shadowbuf.Unit{Data: buf}, nil
}

// FreeUnit implements the Allocator interface
func (a *SimAllocator) FreeUnit(u *shadowbuf.Unit) {
	buf := u.Data
	u.Data = nil
	u.GlobalIndex = 0
	if cap(buf) == shadowbuf.GPUPageSize {
		buf = buf[:cap(buf)]
		unitPool.Put(&buf)
	}

	a.mu.Lock()
	a.frees++
	a.live--
	a.mu.Unlock()
}

// Live returns the number of units currently allocated.
func (a *SimAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// Stats returns allocator statistics
func (a *SimAllocator) Stats() map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()

	return map[string]interface{}{
		"type":   "sim",
		"allocs": a.allocs,
		"frees":  a.frees,
		"live":   a.live,
		"limit":  a.limit,
	}
}

// SimSpace is an in-memory page table keyed by virtual address. It models the
// MMU glue: InsertPage plays the fault handler populating a mapping, Pin
// plays get_user_pages.
type SimSpace struct {
	mu    sync.RWMutex
	pages map[uint64]shadowbuf.Page
}

// NewSimSpace creates an empty simulated address space.
func NewSimSpace() *SimSpace {
	return &SimSpace{pages: make(map[uint64]shadowbuf.Page)}
}

// InsertPage implements the AddressSpace interface
func (s *SimSpace) InsertPage(vaddr uint64, page shadowbuf.Page) error {
	if vaddr%shadowbuf.PageSize != 0 {
		return fmt.Errorf("vaddr %#x not page aligned: %w", vaddr, unix.EINVAL)
	}

	s.mu.Lock()
	s.pages[vaddr] = page
	s.mu.Unlock()
	return nil
}

// RemoveRange drops all mappings in [vaddr, vaddr+length), as munmap would.
func (s *SimSpace) RemoveRange(vaddr, length uint64) {
	s.mu.Lock()
	for off := uint64(0); off < length; off += shadowbuf.PageSize {
		delete(s.pages, vaddr+off)
	}
	s.mu.Unlock()
}

// Pin implements the AddressSpace interface
func (s *SimSpace) Pin(vaddr uint64, count int) ([]shadowbuf.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]shadowbuf.Page, 0, count)
	for i := 0; i < count; i++ {
		pg, ok := s.pages[vaddr+uint64(i)*shadowbuf.PageSize]
		if !ok {
			return nil, unix.EFAULT
		}
		out = append(out, pg)
	}
	return out, nil
}

// Unpin implements the AddressSpace interface
func (s *SimSpace) Unpin(pages []shadowbuf.Page) {}

// Mapped returns the number of live page mappings.
func (s *SimSpace) Mapped() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pages)
}

// SparsePool is a pooled sparse-descriptor allocator. Descriptors recycle
// through a sync.Pool; an optional report callback sees each descriptor with
// its final metastate before it is recycled.
type SparsePool struct {
	pool   sync.Pool
	report func(d *shadowbuf.SparseData, st shadowbuf.MetaState)
}

// NewSparsePool creates a sparse-descriptor pool. report may be nil.
func NewSparsePool(report func(d *shadowbuf.SparseData, st shadowbuf.MetaState)) *SparsePool {
	p := &SparsePool{report: report}
	p.pool.New = func() any { return new(shadowbuf.SparseData) }
	return p
}

// Map implements the SparseAllocator interface
func (p *SparsePool) Map() *shadowbuf.SparseData {
	d := p.pool.Get().(*shadowbuf.SparseData)
	d.Reset()
	return d
}

// Unmap implements the SparseAllocator interface
func (p *SparsePool) Unmap(d *shadowbuf.SparseData, st shadowbuf.MetaState) {
	if p.report != nil {
		p.report(d, st)
	}
	p.pool.Put(d)
}

// Compile-time interface checks
var (
	_ shadowbuf.Allocator       = (*SimAllocator)(nil)
	_ shadowbuf.AddressSpace    = (*SimSpace)(nil)
	_ shadowbuf.SparseAllocator = (*SparsePool)(nil)
)
