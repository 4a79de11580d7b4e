// Package registry implements the concurrent memory-group lookup table: a
// copy-on-write hash map keyed by randomized base index. Mutation takes a
// single writer lock; lookup is lock-free and safe from contexts that cannot
// block. Removal unlinks the entry, then waits out an epoch-based grace
// period so no concurrent reader still holds the old table when the caller
// reclaims the entry's memory.
package registry

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/gdsfs/go-shadowbuf/internal/constants"
	"github.com/gdsfs/go-shadowbuf/internal/logging"
)

// Member is an entry managed by the table. TryRef bumps the member's
// reference count unless it has already dropped to zero, so a lookup can
// never resurrect a member mid-teardown. PutRef releases a reference taken by
// TryRef; the table only calls it for collision candidates probed during
// insert.
type Member interface {
	BaseIndex() uint64
	TryRef() bool
	PutRef()
}

// ErrExhausted is returned when randomized key generation keeps colliding.
var ErrExhausted = fmt.Errorf("registry: base index space exhausted: %w", unix.ENOMEM)

type tableMap map[uint64]Member

// Table is the group registry.
type Table struct {
	mu    sync.Mutex // guards all mutation
	m     atomic.Pointer[tableMap]
	epoch atomic.Uint64
	// readers counts in-flight lock-free lookups per epoch parity
	readers [2]atomic.Int64

	rand32 func() uint32
	log    *logging.Logger
}

// Option configures a Table.
type Option func(*Table)

// WithRand overrides the key-generation source (tests inject collisions).
func WithRand(r func() uint32) Option {
	return func(t *Table) { t.rand32 = r }
}

// WithLogger overrides the default logger.
func WithLogger(l *logging.Logger) Option {
	return func(t *Table) { t.log = l }
}

// New creates an empty table.
func New(opts ...Option) *Table {
	t := &Table{
		log: logging.Default(),
	}
	m := make(tableMap)
	t.m.Store(&m)
	for _, o := range opts {
		o(t)
	}
	if t.rand32 == nil {
		var seed [8]byte
		_, _ = unix.Getrandom(seed[:], 0)
		s := uint64(seed[0]) | uint64(seed[1])<<8 | uint64(seed[2])<<16 | uint64(seed[3])<<24 |
			uint64(seed[4])<<32 | uint64(seed[5])<<40 | uint64(seed[6])<<48 | uint64(seed[7])<<56
		t.rand32 = func() uint32 {
			// xorshift64star; mutation is always under t.mu
			s ^= s >> 12
			s ^= s << 25
			s ^= s >> 27
			return uint32((s * 0x2545f4914f6cdd1d) >> 32)
		}
	}
	return t
}

// Insert registers a member under a freshly generated randomized base index
// and returns the key. bind is called with the candidate key before the entry
// becomes visible; the member must report that key from BaseIndex and carry
// an initial reference count of 1 for the registry's slot. Collisions are
// retried up to InsertMaxTries times; references taken while probing losing
// candidates are released only after the table lock is dropped, since the
// last release frees the member back through Remove.
func (t *Table) Insert(m Member, bind func(key uint64)) (uint64, error) {
	var probed []Member
	defer func() {
		for _, p := range probed {
			p.PutRef()
		}
	}()

	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.m.Load()
	for tries := constants.InsertMaxTries; tries > 0; tries-- {
		key := uint64(constants.MinBaseIndex) + uint64(t.rand32())
		if existing, ok := cur[key]; ok {
			if existing.TryRef() {
				probed = append(probed, existing)
			}
			t.log.Debug("base index collision", "base_index", key)
			continue
		}
		bind(key)
		next := make(tableMap, len(cur)+1)
		for k, v := range cur {
			next[k] = v
		}
		next[key] = m
		t.m.Store(&next)
		return key, nil
	}
	return 0, ErrExhausted
}

// Lookup finds the member registered under key and takes a reference on it
// before returning. Returns nil when the key is absent or the member's
// reference count already reached zero; the caller cannot distinguish the
// two, matching "never existed" semantics for benign races. Lookup never
// blocks.
func (t *Table) Lookup(key uint64) Member {
	e := t.epoch.Load()
	t.readers[e&1].Add(1)
	defer t.readers[e&1].Add(-1)

	m, ok := (*t.m.Load())[key]
	if !ok {
		return nil
	}
	if !m.TryRef() {
		// concurrent teardown won the race
		return nil
	}
	return m
}

// Remove unlinks key from the table and waits for the grace period: once
// Remove returns, no lock-free reader can still observe the removed entry,
// and its memory may be reclaimed. With mayBlock the wait sleeps between
// polls; otherwise it only yields, so the call is usable from
// completion-callback context.
func (t *Table) Remove(key uint64, mayBlock bool) {
	t.mu.Lock()
	cur := *t.m.Load()
	if _, ok := cur[key]; !ok {
		t.mu.Unlock()
		return
	}
	next := make(tableMap, len(cur))
	for k, v := range cur {
		if k != key {
			next[k] = v
		}
	}
	t.m.Store(&next)
	// Readers entering after this flip load the new table; the grace period
	// below only needs to drain readers counted against the old epoch.
	old := t.epoch.Add(1) - 1
	t.mu.Unlock()

	t.synchronize(old, mayBlock)
}

// synchronize waits until every reader that may have observed the table state
// from epoch e has left its read-side section.
func (t *Table) synchronize(e uint64, mayBlock bool) {
	c := &t.readers[e&1]
	for spins := 0; c.Load() != 0; spins++ {
		if mayBlock && spins > 16 {
			time.Sleep(10 * time.Microsecond)
		} else {
			runtime.Gosched()
		}
	}
}

// Len returns the number of registered members.
func (t *Table) Len() int {
	return len(*t.m.Load())
}
