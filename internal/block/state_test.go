package block

import "testing"

func TestStateStrings(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateFree, "FREE"},
		{StateAlloc, "ALLOC"},
		{StateInit, "INIT"},
		{StateQueued, "QUEUED"},
		{StateDMAStart, "DMA_START"},
		{StateDone, "DONE"},
		{StateDMAError, "DMA_ERROR"},
		{State(99), "INVALID"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

// TestLegalFromExhaustive walks every (prev, target) pair against the
// documented predecessor sets.
func TestLegalFromExhaustive(t *testing.T) {
	legal := map[State][]State{
		StateFree:     {StateInit, StateAlloc, StateDone},
		StateAlloc:    {StateFree},
		StateInit:     {StateAlloc},
		StateQueued:   {StateInit, StateDone},
		StateDMAStart: {StateQueued, StateDMAStart},
		StateDMAError: {StateQueued, StateDMAStart},
		StateDone:     {}, // special-cased by the bulk pass, never via LegalFrom
	}

	all := []State{StateFree, StateAlloc, StateInit, StateQueued, StateDMAStart, StateDone, StateDMAError}

	for _, target := range all {
		allowed := map[State]bool{}
		for _, p := range legal[target] {
			allowed[p] = true
		}
		for _, prev := range all {
			got := target.LegalFrom(prev)
			if got != allowed[prev] {
				t.Errorf("(%s -> %s).LegalFrom = %v, want %v", prev, target, got, allowed[prev])
			}
		}
	}
}

func TestLegalFromInvalidStates(t *testing.T) {
	if StateQueued.LegalFrom(State(42)) {
		t.Error("transition from undefined state reported legal")
	}
	if State(42).LegalFrom(StateInit) {
		t.Error("transition to undefined state reported legal")
	}
}

func TestInFlightWindow(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateFree, false},
		{StateAlloc, false},
		{StateInit, false},
		{StateQueued, true},
		{StateDMAStart, true},
		{StateDone, false},
		{StateDMAError, false},
	}

	for _, tt := range tests {
		if got := tt.state.InFlight(); got != tt.want {
			t.Errorf("%s.InFlight() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestMetadataLifecycle(t *testing.T) {
	var m Metadata

	m.Init(3, 8192)
	if m.Magic != StartMagic {
		t.Fatalf("magic = %#x, want %#x", m.Magic, StartMagic)
	}
	if m.State != StateAlloc {
		t.Errorf("state after Init = %s, want ALLOC", m.State)
	}
	if !m.Consistent(3) {
		t.Error("record inconsistent with its own backing unit")
	}
	if m.Consistent(4) {
		t.Error("record consistent with a foreign backing unit")
	}

	// Assert must not panic on a healthy record
	m.Assert(3)

	m.Invalidate()
	if m.Consistent(3) {
		t.Error("invalidated record still reports consistent")
	}
}

func TestMetadataAssertPanicsOnCorruption(t *testing.T) {
	var m Metadata
	m.Init(0, 0)
	m.Magic = 0xdeadbeef

	defer func() {
		if recover() == nil {
			t.Error("Assert did not panic on corrupted magic")
		}
	}()
	m.Assert(0)
}

func TestMetadataAssertPanicsOnBackRef(t *testing.T) {
	var m Metadata
	m.Init(2, 4096)

	defer func() {
		if recover() == nil {
			t.Error("Assert did not panic on back-reference mismatch")
		}
	}()
	m.Assert(5)
}
