package shadowbuf

import (
	"sync/atomic"
	"time"
)

// Metrics tracks operational statistics for shadow-buffer managers
type Metrics struct {
	// Lifecycle counters
	BuffersMapped   atomic.Uint64 // Buffers successfully mapped
	BuffersFreed    atomic.Uint64 // Buffers freed from process context
	BuffersFreedDMA atomic.Uint64 // Buffers freed from completion-callback context
	MapErrors       atomic.Uint64 // Mapping attempts rolled back

	// Byte counters
	MappedBytes atomic.Uint64 // Total bytes of shadow memory mapped
	FreedBytes  atomic.Uint64 // Total bytes of shadow memory freed

	// Sparse read accounting
	SparseReads       atomic.Uint64 // Reads that produced a hole report
	SparseReadRegions atomic.Uint64 // Hole regions across all sparse reads
	SparseReadBlocks  atomic.Uint64 // Hole blocks across all sparse reads

	// Manager lifecycle
	StartTime atomic.Int64 // Manager start timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// GroupMapped implements Observer
func (m *Metrics) GroupMapped(bytes uint64) {
	m.BuffersMapped.Add(1)
	m.MappedBytes.Add(bytes)
}

// GroupFreed implements Observer
func (m *Metrics) GroupFreed(bytes uint64) {
	m.BuffersFreed.Add(1)
	m.FreedBytes.Add(bytes)
}

// GroupFreedDMA implements Observer
func (m *Metrics) GroupFreedDMA(bytes uint64) {
	m.BuffersFreedDMA.Add(1)
	m.FreedBytes.Add(bytes)
}

// MapError implements Observer
func (m *Metrics) MapError() {
	m.MapErrors.Add(1)
}

// SparseRead implements Observer
func (m *Metrics) SparseRead(regions, blocks uint64) {
	m.SparseReads.Add(1)
	m.SparseReadRegions.Add(regions)
	m.SparseReadBlocks.Add(blocks)
}

// MetricsSnapshot is a point-in-time snapshot of metrics
type MetricsSnapshot struct {
	// Lifecycle
	BuffersMapped   uint64
	BuffersFreed    uint64
	BuffersFreedDMA uint64
	MapErrors       uint64

	// Bytes
	MappedBytes uint64
	FreedBytes  uint64

	// Sparse reads
	SparseReads       uint64
	SparseReadRegions uint64
	SparseReadBlocks  uint64

	// Computed statistics
	ActiveBuffers uint64  // Mapped minus freed
	ActiveBytes   uint64  // Mapped bytes minus freed bytes
	UptimeNs      uint64
	MapRate       float64 // Buffers mapped per second
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		BuffersMapped:     m.BuffersMapped.Load(),
		BuffersFreed:      m.BuffersFreed.Load(),
		BuffersFreedDMA:   m.BuffersFreedDMA.Load(),
		MapErrors:         m.MapErrors.Load(),
		MappedBytes:       m.MappedBytes.Load(),
		FreedBytes:        m.FreedBytes.Load(),
		SparseReads:       m.SparseReads.Load(),
		SparseReadRegions: m.SparseReadRegions.Load(),
		SparseReadBlocks:  m.SparseReadBlocks.Load(),
	}

	freed := snap.BuffersFreed + snap.BuffersFreedDMA
	if snap.BuffersMapped > freed {
		snap.ActiveBuffers = snap.BuffersMapped - freed
	}
	if snap.MappedBytes > snap.FreedBytes {
		snap.ActiveBytes = snap.MappedBytes - snap.FreedBytes
	}

	snap.UptimeNs = uint64(time.Now().UnixNano() - m.StartTime.Load())
	if snap.UptimeNs > 0 {
		snap.MapRate = float64(snap.BuffersMapped) / (float64(snap.UptimeNs) / 1e9)
	}

	return snap
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.BuffersMapped.Store(0)
	m.BuffersFreed.Store(0)
	m.BuffersFreedDMA.Store(0)
	m.MapErrors.Store(0)
	m.MappedBytes.Store(0)
	m.FreedBytes.Store(0)
	m.SparseReads.Store(0)
	m.SparseReadRegions.Store(0)
	m.SparseReadBlocks.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) GroupMapped(uint64)        {}
func (NoOpObserver) GroupFreed(uint64)         {}
func (NoOpObserver) GroupFreedDMA(uint64)      {}
func (NoOpObserver) MapError()                 {}
func (NoOpObserver) SparseRead(uint64, uint64) {}

// Compile-time interface checks
var _ Observer = (*Metrics)(nil)
var _ Observer = (*NoOpObserver)(nil)
