package shadowbuf

import "github.com/gdsfs/go-shadowbuf/internal/constants"

// Re-export constants for public API
const (
	BlockSize        = constants.BlockSize
	BlockShift       = constants.BlockShift
	PageSize         = constants.PageSize
	GPUPageSize      = constants.GPUPageSize
	GPUPageShift     = constants.GPUPageShift
	BlocksPerUnit    = constants.BlocksPerUnit
	PagesPerUnit     = constants.PagesPerUnit
	UnitOrder        = constants.UnitOrder
	MaxUnitsPerGroup = constants.MaxUnitsPerGroup
	MaxShadowSize    = constants.MaxShadowSize
	MinBaseIndex     = constants.MinBaseIndex
	MaxHoleRegions   = constants.MaxHoleRegions
	MaxUnitOffset    = constants.MaxUnitOffset
)
