package shadowbuf

import (
	"sync"
	"syscall"
)

// MockPeer provides a mock implementation of PeerInfo for testing.
// It resolves GPU page indices against a flat physical base and tracks
// method calls for verification.
type MockPeer struct {
	// PhysBase is the physical address GPU page 0 resolves to
	PhysBase uint64

	// ReleaseErr, when set, is returned from Release
	ReleaseErr error

	// Method call tracking
	mu             sync.RWMutex
	translateCalls int
	releaseCalls   int
	released       bool
	fromCompletion bool
	badIndexes     map[uint64]bool
}

// NewMockPeer creates a mock GPU peer whose page 0 sits at physBase.
func NewMockPeer(physBase uint64) *MockPeer {
	return &MockPeer{
		PhysBase:   physBase,
		badIndexes: make(map[uint64]bool),
	}
}

// PhysicalAddressFor implements the PeerInfo interface
func (p *MockPeer) PhysicalAddressFor(gpuPageIndex uint64) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.translateCalls++

	if p.badIndexes[gpuPageIndex] {
		return 0, syscall.EFAULT
	}

	return p.PhysBase + gpuPageIndex*GPUPageSize, nil
}

// Release implements the PeerInfo interface
func (p *MockPeer) Release(fromCompletion bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.releaseCalls++
	p.fromCompletion = fromCompletion

	if p.ReleaseErr != nil {
		return p.ReleaseErr
	}

	p.released = true
	return nil
}

// Testing utility methods

// FailIndex makes translation of one GPU page index fail.
func (p *MockPeer) FailIndex(gpuPageIndex uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.badIndexes[gpuPageIndex] = true
}

// IsReleased returns true if Release has succeeded
func (p *MockPeer) IsReleased() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.released
}

// ReleasedFromCompletion returns the context flag of the last Release call
func (p *MockPeer) ReleasedFromCompletion() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.fromCompletion
}

// CallCounts returns the number of times each method has been called
func (p *MockPeer) CallCounts() map[string]int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return map[string]int{
		"translate": p.translateCalls,
		"release":   p.releaseCalls,
	}
}

// Reset resets all call counters and state flags
func (p *MockPeer) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.translateCalls = 0
	p.releaseCalls = 0
	p.released = false
	p.fromCompletion = false
	p.badIndexes = make(map[uint64]bool)
}

// Compile-time interface check
var _ PeerInfo = (*MockPeer)(nil)
