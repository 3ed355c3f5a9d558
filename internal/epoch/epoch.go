// Package epoch implements epoch-based reclamation: a monotone epoch
// counter, scoped reader/writer guards, and deferred-free queues that drain
// only once an epoch is both quiesced (no guard still references it) and
// durable (its flush record is on disk).
//
// The shape is adapted from a generation-counted reader/retire scheme where
// a global epoch gates reclamation of data a concurrent reader might still
// be touching; this package adds the second gate (durability) that a
// purely in-memory structure doesn't need.
package epoch

import (
	"sync"
	"sync/atomic"
)

// Tracker maintains the current epoch and the deferred-free queues keyed by
// retire epoch. Zero value is not usable; construct with [NewTracker].
type Tracker struct {
	current uint64 // atomic

	states sync.Map // uint64 -> *epochState
}

type epochState struct {
	refcount int64 // atomic
	mu       sync.Mutex
	durable  bool
	released bool
	pending  []func()
}

// NewTracker returns a Tracker starting at epoch 1; epoch 0 is reserved to
// mean "never entered".
func NewTracker() *Tracker {
	return &Tracker{current: 1}
}

// CurrentEpoch returns the epoch new guards and writes are admitted into.
func (t *Tracker) CurrentEpoch() uint64 {
	return atomic.LoadUint64(&t.current)
}

func (t *Tracker) stateFor(e uint64) *epochState {
	v, _ := t.states.LoadOrStore(e, &epochState{})
	return v.(*epochState)
}

// Guard is a scoped participation token: while held, the engine guarantees
// the epoch it was entered at (and everything retired at a later epoch)
// stays live. Guards are not reentrant; entering a second guard on the same
// goroutine while holding one is the cross-thread reentrancy hazard
// [github.com/melangedb/melange/internal/router] exists to route around.
type Guard struct {
	tracker *Tracker
	epoch   uint64
	state   *epochState
}

// Enter begins participation in the current epoch. The caller must call
// [Guard.Leave] exactly once, typically via defer.
func (t *Tracker) Enter() *Guard {
	e := atomic.LoadUint64(&t.current)
	st := t.stateFor(e)
	atomic.AddInt64(&st.refcount, 1)

	return &Guard{tracker: t, epoch: e, state: st}
}

// Epoch returns the epoch g was entered at.
func (g *Guard) Epoch() uint64 {
	return g.epoch
}

// Leave ends participation, potentially unblocking deferred frees queued
// against g's epoch if it is already marked durable.
func (g *Guard) Leave() {
	atomic.AddInt64(&g.state.refcount, -1)
	g.tracker.maybeRelease(g.epoch, g.state)
}

// Advance closes the current epoch to new admissions and opens a successor.
// It returns the closed epoch, whose dirty set the caller (the flush
// pipeline) must now drain.
func (t *Tracker) Advance() (closed uint64) {
	closed = atomic.LoadUint64(&t.current)
	atomic.CompareAndSwapUint64(&t.current, closed, closed+1)

	return closed
}

// Defer queues release to run once retireEpoch is both quiesced and
// durable. If both conditions already hold, release runs inline.
func (t *Tracker) Defer(retireEpoch uint64, release func()) {
	st := t.stateFor(retireEpoch)

	st.mu.Lock()
	if st.released {
		st.mu.Unlock()
		release()

		return
	}

	st.pending = append(st.pending, release)
	st.mu.Unlock()

	t.maybeRelease(retireEpoch, st)
}

// MarkDurable records that retireEpoch's flush record is fsynced, the
// second of the two release conditions. Called by the flush pipeline after
// step 4 of its per-epoch sequence.
func (t *Tracker) MarkDurable(retireEpoch uint64) {
	st := t.stateFor(retireEpoch)

	st.mu.Lock()
	st.durable = true
	st.mu.Unlock()

	t.maybeRelease(retireEpoch, st)
}

// maybeRelease runs and clears st's pending callbacks once both gates are
// open: refcount has reached zero and durable has been marked. Safe to call
// speculatively from either side of the race.
func (t *Tracker) maybeRelease(e uint64, st *epochState) {
	st.mu.Lock()

	if st.released || !st.durable || atomic.LoadInt64(&st.refcount) != 0 {
		st.mu.Unlock()
		return
	}

	pending := st.pending
	st.pending = nil
	st.released = true
	st.mu.Unlock()

	for _, release := range pending {
		release()
	}

	t.states.Delete(e)
}
