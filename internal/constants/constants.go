package constants

// Block and page geometry. A block is the fixed I/O granularity; a GPU page
// is the native granularity of the device-side memory a shadow buffer backs.
// Every backing memory unit is one GPU page worth of physically-contiguous
// host memory.
const (
	// BlockSize is the fixed storage I/O block size in bytes
	BlockSize = 4096

	// BlockShift is log2(BlockSize)
	BlockShift = 12

	// GPUPageSize is the GPU-native page size and the backing unit size (64KB)
	GPUPageSize = 65536

	// GPUPageShift is log2(GPUPageSize)
	GPUPageShift = 16

	// PageSize is the host page size assumed by the shadow-buffer layout
	PageSize = 4096

	// PageShift is log2(PageSize)
	PageShift = 12

	// BlocksPerUnit is the number of I/O blocks in one backing unit
	BlocksPerUnit = GPUPageSize / BlockSize

	// PagesPerUnit is the number of host pages in one backing unit
	PagesPerUnit = GPUPageSize / PageSize

	// PagePerGPUPageShift converts a host-page index to a GPU-page index
	PagePerGPUPageShift = GPUPageShift - PageShift

	// UnitOrder is the page order of one backing unit allocation
	UnitOrder = PagePerGPUPageShift
)

// Group sizing and registry parameters.
const (
	// MaxUnitsPerGroupOrder is log2(MaxUnitsPerGroup)
	MaxUnitsPerGroupOrder = 8

	// MaxUnitsPerGroup bounds the backing units in a single group. A unit's
	// global index is groupKey*MaxUnitsPerGroup + indexWithinGroup, so the
	// owning group is recoverable from the unit alone.
	MaxUnitsPerGroup = 1 << MaxUnitsPerGroupOrder

	// MaxShadowSize is the largest mappable shadow-buffer region (16MB)
	MaxShadowSize = MaxUnitsPerGroup * GPUPageSize

	// MinBaseIndex is the smallest valid group lookup key. Unit indices below
	// MinBaseIndex*MaxUnitsPerGroup can never belong to a shadow buffer.
	MinBaseIndex = 1 << 16

	// InsertMaxTries bounds randomized key generation on registry insert
	InsertMaxTries = 10
)

// Sparse read accounting.
const (
	// MaxHoleRegions caps the number of (start, length) hole runs tracked for
	// a single sparse read. Beyond the cap the read is truncated and the
	// caller re-issues the remainder.
	MaxHoleRegions = 512

	// MaxUnitOffset is the largest valid intra-unit byte offset for an I/O
	// (one block short of the unit size, i.e. 60KB)
	MaxUnitOffset = GPUPageSize - BlockSize
)
