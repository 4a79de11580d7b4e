package block

import "fmt"

// StartMagic tags every live metadata record. A record whose magic differs
// has been corrupted; continuing would risk silent data corruption, so all
// checks on it are fatal.
const StartMagic uint32 = 0x53484442 // "SHDB"

// UnitNone marks a metadata record with no backing unit assigned yet.
const UnitNone int32 = -1

// Metadata is the fixed-size record kept per 4KB block. Back-references are
// arena indices into the owning group's unit array, never pointers, so a
// stale record cannot dangle into freed memory.
type Metadata struct {
	Magic      uint32
	State      State
	Unit       int32  // index of the backing unit within the group's arena
	UnitOffset uint32 // byte offset of this block within its backing unit
}

// Init stamps the record when its backing unit is assigned.
func (m *Metadata) Init(unit int32, offset uint32) {
	m.Magic = StartMagic
	m.State = StateAlloc
	m.Unit = unit
	m.UnitOffset = offset
}

// Invalidate clears the record during group teardown.
func (m *Metadata) Invalidate() {
	m.Magic = 0
	m.State = StateFree
	m.Unit = UnitNone
	m.UnitOffset = 0
}

// Consistent reports whether the record carries the magic tag and points at
// the expected backing unit.
func (m *Metadata) Consistent(unit int32) bool {
	return m.Magic == StartMagic && m.Unit == unit
}

// Assert panics when the record is corrupted. Corruption is never a
// recoverable condition.
func (m *Metadata) Assert(unit int32) {
	if m.Magic != StartMagic {
		panic(fmt.Sprintf("block metadata corruption: magic %#x (want %#x)", m.Magic, StartMagic))
	}
	if unit != UnitNone && m.Unit != unit {
		panic(fmt.Sprintf("block metadata corruption: backing unit %d (want %d)", m.Unit, unit))
	}
}
