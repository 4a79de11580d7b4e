// Package block defines the per-block metadata record and the I/O lifecycle
// state machine applied to every 4KB block of a shadow buffer.
package block

// State is the lifecycle stage of one I/O block.
type State uint32

// State values are ordered so that the in-flight window (Queued through
// DMAStart) is a contiguous range; the process-exit guard relies on that.
const (
	// StateFree: block available, no pending I/O
	StateFree State = iota
	// StateAlloc: backing memory assigned, not yet initialized for I/O
	StateAlloc
	// StateInit: ready to be queued
	StateInit
	// StateQueued: selected for an in-flight transfer
	StateQueued
	// StateDMAStart: transfer engine has taken ownership of the block
	StateDMAStart
	// StateDone: transfer completed successfully
	StateDone
	// StateDMAError: transfer failed
	StateDMAError

	numStates
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateAlloc:
		return "ALLOC"
	case StateInit:
		return "INIT"
	case StateQueued:
		return "QUEUED"
	case StateDMAStart:
		return "DMA_START"
	case StateDone:
		return "DONE"
	case StateDMAError:
		return "DMA_ERROR"
	default:
		return "INVALID"
	}
}

// Valid reports whether s is a defined state value.
func (s State) Valid() bool {
	return s < numStates
}

// InFlight reports whether a block in this state is owned by an in-flight
// transfer. Blocks in this window are never force-completed by an exiting
// process; the canceller or the natural completion finalizes them.
func (s State) InFlight() bool {
	return s >= StateQueued && s <= StateDMAStart
}

func bit(s State) uint32 { return 1 << uint32(s) }

// legalPrev[target] is the set of states a block may be in when transitioning
// to target. StateDone is intentionally absent: the DONE transition is
// special-cased by the bulk transition pass (short transfers, sparse holes).
var legalPrev = [numStates]uint32{
	StateFree:     bit(StateInit) | bit(StateAlloc) | bit(StateDone),
	StateAlloc:    bit(StateFree),
	StateInit:     bit(StateAlloc),
	StateQueued:   bit(StateInit) | bit(StateDone),
	StateDMAStart: bit(StateQueued) | bit(StateDMAStart),
	StateDMAError: bit(StateQueued) | bit(StateDMAStart),
}

// LegalFrom reports whether a transition prev -> s is in the documented
// predecessor set. Always false for StateDone and for undefined states.
func (s State) LegalFrom(prev State) bool {
	if !s.Valid() || !prev.Valid() {
		return false
	}
	return legalPrev[s]&bit(prev) != 0
}

// MetaState describes the sparse-read outcome of a completed transfer.
type MetaState uint32

const (
	// MetaClean: the completed range had no holes
	MetaClean MetaState = iota
	// MetaSparse: one or more hole regions were recorded
	MetaSparse
)

func (m MetaState) String() string {
	if m == MetaSparse {
		return "SPARSE"
	}
	return "CLEAN"
}
