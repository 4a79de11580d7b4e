package mgroup

// Observer receives lifecycle and sparse-read statistics. The root package's
// Metrics implements it; a no-op observer is used when none is supplied.
type Observer interface {
	// GroupMapped fires when a group is fully populated and registered
	GroupMapped(bytes uint64)

	// GroupFreed fires after teardown from process context
	GroupFreed(bytes uint64)

	// GroupFreedDMA fires after teardown from completion-callback context
	GroupFreedDMA(bytes uint64)

	// MapError fires when group population fails and is rolled back
	MapError()

	// SparseRead reports hole accounting for one completed read
	SparseRead(regions, blocks uint64)
}

// NoopObserver discards all statistics.
type NoopObserver struct{}

func (NoopObserver) GroupMapped(uint64)        {}
func (NoopObserver) GroupFreed(uint64)         {}
func (NoopObserver) GroupFreedDMA(uint64)      {}
func (NoopObserver) MapError()                 {}
func (NoopObserver) SparseRead(uint64, uint64) {}
