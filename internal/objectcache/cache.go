package objectcache

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/melangedb/melange/internal/heap"
)

const shardCount = 32

// HeapReader is the subset of [heap.Heap] the cache needs to service a
// miss: reading back a previously flushed frame by its current location.
type HeapReader interface {
	Read(loc heap.Location) ([]byte, error)
}

// CachedLeaf is spec §4.3's cache entry: the leaf payload, a dirty flag,
// the epoch of its latest mutation, an exclusive lock serializing
// mutations, and bookkeeping for pinning and eviction.
type CachedLeaf struct {
	mu sync.RWMutex // the leaf's exclusive lock (spec §4.2 "acquire the leaf's exclusive lock")

	leaf       *Leaf
	dirty      bool
	dirtyEpoch uint64
	sizeBytes  int

	pinCount   int32  // atomic
	lastAccess uint64 // atomic tick, for clock-like eviction
}

// Lock acquires the leaf's exclusive mutation lock.
func (cl *CachedLeaf) Lock() { cl.mu.Lock() }

// Unlock releases the leaf's exclusive mutation lock.
func (cl *CachedLeaf) Unlock() { cl.mu.Unlock() }

// Leaf returns the cached leaf value. Callers mutating it must hold Lock.
func (cl *CachedLeaf) Leaf() *Leaf { return cl.leaf }

// IsDirty reports whether the leaf has unflushed mutations.
func (cl *CachedLeaf) IsDirty() bool {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	return cl.dirty
}

// DirtyEpoch returns the epoch of the leaf's latest mutation.
func (cl *CachedLeaf) DirtyEpoch() uint64 {
	cl.mu.RLock()
	defer cl.mu.RUnlock()

	return cl.dirtyEpoch
}

// ClearDirty demotes the leaf to clean, called by the flush pipeline after
// a successful write — but only if it wasn't re-dirtied at a later epoch
// while the flush was in flight (spec §4.5 step 6).
func (cl *CachedLeaf) ClearDirty(flushedEpoch uint64) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.dirtyEpoch <= flushedEpoch {
		cl.dirty = false
	}
}

// LeafRef is a pinned reference returned by [Cache.Resolve]. The caller
// must call Release when done; while any ref is outstanding the leaf
// cannot be evicted.
type LeafRef struct {
	cache *Cache
	entry *CachedLeaf
}

// Leaf returns the pinned cached leaf.
func (r *LeafRef) Leaf() *CachedLeaf { return r.entry }

// Release unpins the leaf, making it evictable again once clean.
func (r *LeafRef) Release() {
	atomic.AddInt32(&r.entry.pinCount, -1)
}

type loadWaiter struct {
	done chan struct{}
	leaf *CachedLeaf
	err  error
}

type shard struct {
	mu      sync.RWMutex
	leaves  map[uint64]*CachedLeaf
	loading map[uint64]*loadWaiter
}

// Cache is the concurrent object_id → leaf cache (spec §4.3): sharded to
// bound eviction-sweep contention under a read-dominated workload rather
// than one global lock.
type Cache struct {
	shards        [shardCount]*shard
	reader        HeapReader
	locations     sync.Map // uint64 -> Location
	capacityBytes int64
	usedBytes     int64  // atomic
	clock         uint64 // atomic
}

// NewCache returns a Cache backed by reader for cache misses, evicting
// clean unpinned leaves once usedBytes exceeds capacityBytes.
func NewCache(capacityBytes int64, reader HeapReader) *Cache {
	c := &Cache{capacityBytes: capacityBytes, reader: reader}

	for i := range c.shards {
		c.shards[i] = &shard{
			leaves:  make(map[uint64]*CachedLeaf),
			loading: make(map[uint64]*loadWaiter),
		}
	}

	return c
}

func shardIndex(id uint64) int {
	h := id * 2654435761
	return int(h % shardCount)
}

func (c *Cache) shardFor(id uint64) *shard {
	return c.shards[shardIndex(id)]
}

// SetLocation records id's current on-disk location, called by the flush
// pipeline after writing a new frame. Consulted by Resolve on a cache miss.
func (c *Cache) SetLocation(id uint64, loc heap.Location) {
	c.locations.Store(id, loc)
}

func (c *Cache) pinAndTouch(cl *CachedLeaf) *LeafRef {
	atomic.AddInt32(&cl.pinCount, 1)
	atomic.StoreUint64(&cl.lastAccess, atomic.AddUint64(&c.clock, 1))

	return &LeafRef{cache: c, entry: cl}
}

// Resolve returns a pinned reference to id's leaf, loading it from the heap
// on a miss under a per-ID singleflight lock so at most one load per ID is
// in flight at a time.
func (c *Cache) Resolve(id uint64) (*LeafRef, error) {
	sh := c.shardFor(id)

	sh.mu.RLock()
	if cl, ok := sh.leaves[id]; ok {
		sh.mu.RUnlock()
		return c.pinAndTouch(cl), nil
	}
	sh.mu.RUnlock()

	sh.mu.Lock()

	if cl, ok := sh.leaves[id]; ok {
		sh.mu.Unlock()
		return c.pinAndTouch(cl), nil
	}

	if w, ok := sh.loading[id]; ok {
		sh.mu.Unlock()
		<-w.done

		if w.err != nil {
			return nil, w.err
		}

		return c.pinAndTouch(w.leaf), nil
	}

	w := &loadWaiter{done: make(chan struct{})}
	sh.loading[id] = w
	sh.mu.Unlock()

	cl, err := c.load(id)

	sh.mu.Lock()
	delete(sh.loading, id)

	if err == nil {
		sh.leaves[id] = cl
	}

	sh.mu.Unlock()

	w.leaf, w.err = cl, err
	close(w.done)

	if err != nil {
		return nil, err
	}

	atomic.AddInt64(&c.usedBytes, int64(cl.sizeBytes))
	c.evictToFit()

	return c.pinAndTouch(cl), nil
}

func (c *Cache) load(id uint64) (*CachedLeaf, error) {
	locAny, ok := c.locations.Load(id)
	if !ok {
		return nil, fmt.Errorf("objectcache: object %d has no known location", id)
	}

	raw, err := c.reader.Read(locAny.(heap.Location))
	if err != nil {
		return nil, fmt.Errorf("objectcache: load object %d: %w", id, err)
	}

	leaf, epoch, err := DecodePayload(raw)
	if err != nil {
		return nil, fmt.Errorf("objectcache: decode object %d: %w", id, err)
	}

	return &CachedLeaf{leaf: leaf, dirtyEpoch: epoch, sizeBytes: len(raw)}, nil
}

// Put inserts a freshly created or split-off leaf directly into the cache,
// already marked dirty at epoch — used for leaves that exist only in
// memory until the next flush. Returns a pinned reference.
func (c *Cache) Put(l *Leaf, epoch uint64) *LeafRef {
	cl := &CachedLeaf{leaf: l, dirty: true, dirtyEpoch: epoch, sizeBytes: len(EncodePayload(l, epoch))}

	sh := c.shardFor(l.ObjectID)
	sh.mu.Lock()
	sh.leaves[l.ObjectID] = cl
	sh.mu.Unlock()

	atomic.AddInt64(&c.usedBytes, int64(cl.sizeBytes))
	c.evictToFit()

	return c.pinAndTouch(cl)
}

// Location returns id's last known on-disk location, recorded by the most
// recent [Cache.SetLocation] call, if any.
func (c *Cache) Location(id uint64) (heap.Location, bool) {
	v, ok := c.locations.Load(id)
	if !ok {
		return heap.Location{}, false
	}

	return v.(heap.Location), true
}

// Forget forcibly removes id from the cache regardless of its dirty or
// pinned state, used when a leaf dies (merged away) rather than evicted.
func (c *Cache) Forget(id uint64) {
	sh := c.shardFor(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	cl, ok := sh.leaves[id]
	if !ok {
		return
	}

	delete(sh.leaves, id)
	atomic.AddInt64(&c.usedBytes, -int64(cl.sizeBytes))
	c.locations.Delete(id)
}

// DirtySnapshot returns the ObjectIds of every resident leaf whose
// dirty_epoch is at most maxEpoch, for the flush pipeline to drain (spec
// §4.5 step 1). The snapshot is a point-in-time read; a leaf dirtied after
// this call returns is simply left for the next flush cycle.
func (c *Cache) DirtySnapshot(maxEpoch uint64) []uint64 {
	var ids []uint64

	for _, sh := range c.shards {
		sh.mu.RLock()

		for id, cl := range sh.leaves {
			cl.mu.RLock()
			if cl.dirty && cl.dirtyEpoch <= maxEpoch {
				ids = append(ids, id)
			}
			cl.mu.RUnlock()
		}

		sh.mu.RUnlock()
	}

	return ids
}

// MarkDirty publishes id's leaf into epoch's dirty set. The leaf must
// already be resident (i.e. the caller is holding a [LeafRef] on it).
func (c *Cache) MarkDirty(id uint64, epoch uint64) {
	sh := c.shardFor(id)

	sh.mu.RLock()
	cl, ok := sh.leaves[id]
	sh.mu.RUnlock()

	if !ok {
		return
	}

	cl.mu.Lock()
	cl.dirty = true
	cl.dirtyEpoch = epoch
	cl.mu.Unlock()
}

// EvictIfClean removes id's leaf from the cache if it is both clean and
// unpinned, returning whether it was evicted.
func (c *Cache) EvictIfClean(id uint64) bool {
	sh := c.shardFor(id)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	cl, ok := sh.leaves[id]
	if !ok {
		return false
	}

	if !cl.mu.TryLock() {
		return false
	}
	defer cl.mu.Unlock()

	if cl.dirty || atomic.LoadInt32(&cl.pinCount) != 0 {
		return false
	}

	delete(sh.leaves, id)
	atomic.AddInt64(&c.usedBytes, -int64(cl.sizeBytes))

	return true
}

// evictToFit runs a clock-like sweep over shards, evicting the
// least-recently-touched clean unpinned leaf repeatedly until usedBytes is
// back within budget or a full sweep finds nothing evictable.
func (c *Cache) evictToFit() {
	for atomic.LoadInt64(&c.usedBytes) > c.capacityBytes {
		if !c.evictOneLRU() {
			return
		}
	}
}

func (c *Cache) evictOneLRU() bool {
	var (
		victimID   uint64
		victimTick uint64
		found      bool
	)

	for _, sh := range c.shards {
		sh.mu.RLock()

		for id, cl := range sh.leaves {
			if cl.dirty || atomic.LoadInt32(&cl.pinCount) != 0 {
				continue
			}

			tick := atomic.LoadUint64(&cl.lastAccess)
			if !found || tick < victimTick {
				victimID, victimTick, found = id, tick, true
			}
		}

		sh.mu.RUnlock()
	}

	if !found {
		return false
	}

	// The victim may have been dirtied, pinned, or evicted by a racing
	// caller between the scan above and here; EvictIfClean re-checks
	// atomically and simply declines if so.
	return c.EvictIfClean(victimID)
}
