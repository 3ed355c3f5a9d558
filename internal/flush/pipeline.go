// Package flush implements FlushPipeline (spec §4.5): draining a closed
// epoch's dirty leaves to stable storage, and SmartFlush (spec §4.6): the
// adaptive controller deciding when that drain should run.
package flush

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/melangedb/melange/internal/codec"
	"github.com/melangedb/melange/internal/epoch"
	"github.com/melangedb/melange/internal/heap"
	"github.com/melangedb/melange/internal/metadatalog"
	"github.com/melangedb/melange/internal/objectcache"
)

// HeapWriter is the subset of [heap.Heap] the pipeline needs to persist
// flushed frames and reclaim stale ones.
type HeapWriter interface {
	Allocate(size int) (heap.Location, error)
	Write(loc heap.Location, frame []byte) error
	Fsync() error
	FreeDeferred(loc heap.Location, retireEpoch uint64, tracker *epoch.Tracker)
}

// MetadataAppender is the subset of [metadatalog.Log] the pipeline needs.
type MetadataAppender interface {
	Append(epoch uint64, tuples []metadatalog.Tuple) error
	Fsync() error
}

// Cache is the subset of [objectcache.Cache] the pipeline drains and
// updates with each leaf's new on-disk location.
type Cache interface {
	DirtySnapshot(maxEpoch uint64) []uint64
	Resolve(id uint64) (*objectcache.LeafRef, error)
	Location(id uint64) (heap.Location, bool)
	SetLocation(id uint64, loc heap.Location)
}

// Pipeline drives spec §4.5's per-epoch sequence: serialize dirty leaves,
// write them through the heap, record the moves in the metadata log, fsync,
// and hand the epoch's durability to the tracker so deferred frees can run.
type Pipeline struct {
	cache    Cache
	heap     HeapWriter
	log      MetadataAppender
	tracker  *epoch.Tracker
	registry *codec.Registry
	alg      codec.Algorithm

	poisoned atomic.Bool
	mu       sync.Mutex // serializes concurrent Flush calls against each other
}

// New returns a Pipeline that compresses flushed frames with alg.
func New(cache Cache, hw HeapWriter, log MetadataAppender, tracker *epoch.Tracker, registry *codec.Registry, alg codec.Algorithm) *Pipeline {
	return &Pipeline{cache: cache, heap: hw, log: log, tracker: tracker, registry: registry, alg: alg}
}

// Poisoned reports whether a prior flush failed partway through steps 2-4,
// per spec §4.5's failure semantics. Subsequent writes must be refused by
// the caller until the condition is cleared by an operator action.
func (p *Pipeline) Poisoned() bool {
	return p.poisoned.Load()
}

type leafMove struct {
	id     uint64
	loc    heap.Location
	lowKey []byte
	oldLoc heap.Location
	hadOld bool
}

// Flush drains every leaf dirtied at or before the closed epoch e,
// persists them, and retires e. Called synchronously by an explicit
// flush() and by [Controller]'s background trigger with the epoch
// [epoch.Tracker.Advance] just closed.
func (p *Pipeline) Flush(e uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.poisoned.Load() {
		return fmt.Errorf("flush: engine is poisoned, resolve before retrying")
	}

	moves, err := p.writeDirtyLeaves(e)
	if err != nil {
		p.poisoned.Store(true)
		return err
	}

	if err := p.commit(e, moves); err != nil {
		p.poisoned.Store(true)
		return err
	}

	// Register every deferred free before marking e durable: FreeDeferred's
	// tracker.Defer(e, ...) must see e's epochState before MarkDurable's
	// maybeRelease can retire it, or the callback registered here would
	// never run and the old frame would never return to the free list.
	for _, m := range moves {
		if m.hadOld {
			p.heap.FreeDeferred(m.oldLoc, e, p.tracker)
		}
	}

	p.tracker.MarkDurable(e)

	for _, m := range moves {
		if ref, err := p.cache.Resolve(m.id); err == nil {
			ref.Leaf().ClearDirty(e)
			ref.Release()
		}
	}

	return nil
}

// writeDirtyLeaves is spec §4.5 step 2: for each dirty leaf, lock it,
// serialize and optionally compress it, allocate a new Location, write the
// frame, unlock, and remember the old Location for later release.
func (p *Pipeline) writeDirtyLeaves(e uint64) ([]leafMove, error) {
	ids := p.cache.DirtySnapshot(e)
	moves := make([]leafMove, 0, len(ids))

	for _, id := range ids {
		ref, err := p.cache.Resolve(id)
		if err != nil {
			return nil, fmt.Errorf("flush: resolve object %d: %w", id, err)
		}

		loc, lowKey, err := p.writeOne(ref, e)
		ref.Release()

		if err != nil {
			return nil, fmt.Errorf("flush: object %d: %w", id, err)
		}

		oldLoc, hadOld := p.cache.Location(id)
		p.cache.SetLocation(id, loc)

		moves = append(moves, leafMove{id: id, loc: loc, lowKey: lowKey, oldLoc: oldLoc, hadOld: hadOld})
	}

	return moves, nil
}

func (p *Pipeline) writeOne(ref *objectcache.LeafRef, e uint64) (heap.Location, []byte, error) {
	cl := ref.Leaf()
	cl.Lock()
	defer cl.Unlock()

	leaf := cl.Leaf()
	payload := objectcache.EncodePayload(leaf, e)
	lowKey := append([]byte(nil), leaf.LowKey...)

	frame, err := heap.EncodeFrame(payload, p.alg, p.registry)
	if err != nil {
		return heap.Location{}, nil, fmt.Errorf("encode: %w", err)
	}

	loc, err := p.heap.Allocate(len(frame))
	if err != nil {
		return heap.Location{}, nil, fmt.Errorf("allocate: %w", err)
	}

	if err := p.heap.Write(loc, frame); err != nil {
		return heap.Location{}, nil, fmt.Errorf("write: %w", err)
	}

	return loc, lowKey, nil
}

// commit is spec §4.5 steps 3-4: append one metadata log record enumerating
// every move, then fsync the heap slabs touched before the metadata log, so
// a crash can never make a recovered log record point at a frame that
// didn't actually make it to disk.
func (p *Pipeline) commit(e uint64, moves []leafMove) error {
	if len(moves) == 0 {
		return nil
	}

	tuples := make([]metadatalog.Tuple, len(moves))
	for i, m := range moves {
		tuples[i] = metadatalog.Tuple{ObjectID: m.id, Loc: m.loc, LowKey: m.lowKey}
	}

	if err := p.log.Append(e, tuples); err != nil {
		return fmt.Errorf("flush: append metadata log: %w", err)
	}

	if err := p.heap.Fsync(); err != nil {
		return fmt.Errorf("flush: fsync heap: %w", err)
	}

	if err := p.log.Fsync(); err != nil {
		return fmt.Errorf("flush: fsync metadata log: %w", err)
	}

	return nil
}
