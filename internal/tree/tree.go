// Package tree implements the ordered index over leaves described in spec
// §3-§4.2: a copy-on-write low_key → LeafHandle index, point/range
// operations, and the split/merge policies that keep LEAF_FANOUT bounded.
package tree

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/melangedb/melange/internal/epoch"
	"github.com/melangedb/melange/internal/heap"
	"github.com/melangedb/melange/internal/objectcache"
)

// IDAllocator hands out fresh, stable ObjectIds. Satisfied by [heap.Heap].
type IDAllocator interface {
	NextObjectID() uint64
}

// Freer enqueues a location for release once its retire epoch is both
// quiesced and durable. Satisfied by [heap.Heap].
type Freer interface {
	FreeDeferred(loc heap.Location, retireEpoch uint64, tracker *epoch.Tracker)
}

// Config bounds leaf size and merge behavior; mirrors the options named in
// spec §6 and §9's open-question resolution (merge-right at LEAF_FANOUT/4).
type Config struct {
	LeafFanout     int
	MergeThreshold int
}

// DefaultConfig matches spec §3's canonical LEAF_FANOUT and §9's suggested
// merge threshold.
func DefaultConfig() Config {
	return Config{LeafFanout: 1024, MergeThreshold: 1024 / 4}
}

// Tree is one named namespace: an ordered map from byte-string keys to
// byte-string values, backed by a [objectcache.Cache] of leaves addressed
// through a copy-on-write [index].
type Tree struct {
	Name string

	cfg     Config
	idx     *index
	cache   *objectcache.Cache
	ids     IDAllocator
	freer   Freer
	tracker *epoch.Tracker

	mergeMu sync.Mutex // serializes split/merge structural changes with each other
}

// New creates an empty tree: a single empty root leaf at low_key = -∞.
func New(name string, cfg Config, cache *objectcache.Cache, ids IDAllocator, freer Freer, tracker *epoch.Tracker) *Tree {
	rootID := ids.NextObjectID()
	root := &objectcache.Leaf{ObjectID: rootID}
	cache.Put(root, tracker.CurrentEpoch()).Release()

	return &Tree{
		Name:    name,
		cfg:     cfg,
		idx:     newIndex(rootID),
		cache:   cache,
		ids:     ids,
		freer:   freer,
		tracker: tracker,
	}
}

// OpenExisting rebuilds a tree whose leaves already exist (recovered from
// the metadata log) around a pre-populated index.
func OpenExisting(name string, cfg Config, cache *objectcache.Cache, ids IDAllocator, freer Freer, tracker *epoch.Tracker, roots []LeafHandle, lowKeys [][]byte) *Tree {
	entries := make([]indexEntry, len(roots))
	for i := range roots {
		entries[i] = indexEntry{LowKey: lowKeys[i], Handle: roots[i]}
	}

	ix := &index{}
	ix.ptr.Store(&entries)

	return &Tree{Name: name, cfg: cfg, idx: ix, cache: cache, ids: ids, freer: freer, tracker: tracker}
}

// resolveForRead walks forward from the index's best-guess leaf, following
// next pointers, until it reaches a leaf whose bounds actually contain key.
// This is spec §9's retry-on-bounds-miss: a reader that raced a concurrent
// split may land on a leaf that already shed the upper half containing key,
// but that leaf's next pointer — set atomically with the entries move under
// the same leaf lock — always points the way forward.
func (t *Tree) resolveForRead(key []byte) (*objectcache.LeafRef, error) {
	handle := t.idx.lookup(key)

	for {
		ref, err := t.cache.Resolve(handle.ObjectID)
		if err != nil {
			return nil, err
		}

		cl := ref.Leaf()
		cl.Lock()
		leaf := cl.Leaf()
		_, found := leaf.Find(key)
		hasMore := leaf.NextID != 0 && (len(leaf.Entries) == 0 || bytes.Compare(leaf.Entries[len(leaf.Entries)-1].Key, key) < 0) && !found
		nextID := leaf.NextID
		cl.Unlock()

		if found || !hasMore {
			return ref, nil
		}

		// Only move on if key is at or above the next leaf's low key;
		// otherwise key belongs in this leaf.
		nextRef, err := t.cache.Resolve(nextID)
		if err != nil {
			ref.Release()
			return nil, err
		}

		ncl := nextRef.Leaf()
		ncl.Lock()
		below := bytes.Compare(key, ncl.Leaf().LowKey) < 0
		ncl.Unlock()
		nextRef.Release()

		if below {
			return ref, nil
		}

		ref.Release()
		handle = LeafHandle{ObjectID: nextID}
	}
}

// Get returns the value for key, or (nil, false) if absent.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	g := t.tracker.Enter()
	defer g.Leave()

	ref, err := t.resolveForRead(key)
	if err != nil {
		return nil, false, err
	}
	defer ref.Release()

	cl := ref.Leaf()
	cl.Lock()
	defer cl.Unlock()

	leaf := cl.Leaf()

	idx, found := leaf.Find(key)
	if !found {
		return nil, false, nil
	}

	val := append([]byte(nil), leaf.Entries[idx].Value...)

	return val, true, nil
}

// Put inserts or overwrites key → value.
func (t *Tree) Put(key, value []byte) error {
	g := t.tracker.Enter()
	defer g.Leave()

	return t.mutate(key, func(leaf *objectcache.Leaf) {
		idx, found := leaf.Find(key)

		entry := objectcache.Entry{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)}

		if found {
			leaf.Entries[idx] = entry
			return
		}

		leaf.Entries = append(leaf.Entries, objectcache.Entry{})
		copy(leaf.Entries[idx+1:], leaf.Entries[idx:])
		leaf.Entries[idx] = entry
	}, g.Epoch())
}

// Delete removes key, if present.
func (t *Tree) Delete(key []byte) error {
	g := t.tracker.Enter()
	defer g.Leave()

	return t.mutate(key, func(leaf *objectcache.Leaf) {
		idx, found := leaf.Find(key)
		if !found {
			return
		}

		leaf.Entries = append(leaf.Entries[:idx], leaf.Entries[idx+1:]...)
	}, g.Epoch())
}

// mutate resolves key's leaf, applies fn under the leaf's exclusive lock,
// marks it dirty in the current epoch, and splits it if fn pushed it over
// LEAF_FANOUT. Merge is checked afterward but only attempted best-effort.
func (t *Tree) mutate(key []byte, fn func(*objectcache.Leaf), currentEpoch uint64) error {
	ref, err := t.resolveForRead(key)
	if err != nil {
		return err
	}

	cl := ref.Leaf()
	cl.Lock()
	fn(cl.Leaf())
	overflowed := len(cl.Leaf().Entries) > t.cfg.LeafFanout
	underflowed := len(cl.Leaf().Entries) < t.cfg.MergeThreshold
	objectID := cl.Leaf().ObjectID
	cl.Unlock()

	t.cache.MarkDirty(objectID, currentEpoch)
	ref.Release()

	if overflowed {
		if err := t.split(objectID, currentEpoch); err != nil {
			return fmt.Errorf("tree: split leaf %d: %w", objectID, err)
		}
	} else if underflowed {
		t.tryMergeRight(objectID, currentEpoch)
	}

	return nil
}

// split moves the upper half of leftID's entries into a freshly allocated
// leaf and links it in, per spec §4.2.
func (t *Tree) split(leftID uint64, currentEpoch uint64) error {
	t.mergeMu.Lock()
	defer t.mergeMu.Unlock()

	ref, err := t.cache.Resolve(leftID)
	if err != nil {
		return err
	}
	defer ref.Release()

	cl := ref.Leaf()
	cl.Lock()

	left := cl.Leaf()
	if len(left.Entries) <= t.cfg.LeafFanout {
		cl.Unlock()
		return nil // already split by a racing mutation
	}

	mid := len(left.Entries) / 2
	upper := append([]objectcache.Entry(nil), left.Entries[mid:]...)
	left.Entries = left.Entries[:mid:mid]
	oldNext := left.NextID

	newID := t.ids.NextObjectID()
	newLeaf := &objectcache.Leaf{ObjectID: newID, LowKey: upper[0].Key, NextID: oldNext, Entries: upper}

	// The new leaf must be resolvable in the cache before left.NextID points
	// to it and left unlocks, or a concurrent reader following NextID in
	// that gap sees an object with no known location.
	t.cache.Put(newLeaf, currentEpoch).Release()

	left.NextID = newID

	cl.Unlock()

	t.cache.MarkDirty(leftID, currentEpoch)

	t.idx.insertSplit(leftID, newLeaf.LowKey, LeafHandle{ObjectID: newID})

	return nil
}

// tryMergeRight merges leftID with its right sibling if the combined size
// fits within LEAF_FANOUT. Merge is advisory; any failure to find a
// mergeable sibling is not an error.
func (t *Tree) tryMergeRight(leftID uint64, currentEpoch uint64) {
	t.mergeMu.Lock()
	defer t.mergeMu.Unlock()

	leftRef, err := t.cache.Resolve(leftID)
	if err != nil {
		return
	}
	defer leftRef.Release()

	leftCl := leftRef.Leaf()
	leftCl.Lock()
	rightID := leftCl.Leaf().NextID
	leftCl.Unlock()

	if rightID == 0 {
		return
	}

	rightRef, err := t.cache.Resolve(rightID)
	if err != nil {
		return
	}
	defer rightRef.Release()

	leftCl.Lock()
	rightCl := rightRef.Leaf()
	rightCl.Lock()

	left, right := leftCl.Leaf(), rightCl.Leaf()

	if len(left.Entries)+len(right.Entries) > t.cfg.LeafFanout {
		rightCl.Unlock()
		leftCl.Unlock()

		return
	}

	left.Entries = append(left.Entries, right.Entries...)
	left.NextID = right.NextID

	rightCl.Unlock()
	leftCl.Unlock()

	t.cache.MarkDirty(leftID, currentEpoch)
	t.idx.removeMerged(rightID)

	if loc, ok := t.cache.Location(rightID); ok {
		t.freer.FreeDeferred(loc, currentEpoch, t.tracker)
	}

	t.cache.Forget(rightID)
}

// Batch is a set of put/delete operations applied atomically with respect
// to crash recovery: either all land in the metadata log record for the
// epoch they're tagged with, or none do.
type Batch struct {
	Puts    []objectcache.Entry
	Deletes [][]byte
}

// ApplyBatch applies the batch's operations in ascending key order (a stable
// sort of the puts followed by the deletes) and tags every mutation with the
// same epoch. Each operation takes only its own leaf's lock, one after
// another; the affected leaves are not locked all at once, so a concurrent
// reader can observe a batch partly applied.
func (t *Tree) ApplyBatch(b Batch) error {
	g := t.tracker.Enter()
	defer g.Leave()

	ops := make([]keyOp, 0, len(b.Puts)+len(b.Deletes))
	for _, e := range b.Puts {
		ops = append(ops, keyOp{key: e.Key, isPut: true, value: e.Value})
	}

	for _, k := range b.Deletes {
		ops = append(ops, keyOp{key: k})
	}

	sortKeyOps(ops)

	for _, op := range ops {
		var err error

		if op.isPut {
			err = t.mutate(op.key, func(leaf *objectcache.Leaf) {
				idx, found := leaf.Find(op.key)
				entry := objectcache.Entry{Key: append([]byte(nil), op.key...), Value: append([]byte(nil), op.value...)}

				if found {
					leaf.Entries[idx] = entry
					return
				}

				leaf.Entries = append(leaf.Entries, objectcache.Entry{})
				copy(leaf.Entries[idx+1:], leaf.Entries[idx:])
				leaf.Entries[idx] = entry
			}, g.Epoch())
		} else {
			err = t.mutate(op.key, func(leaf *objectcache.Leaf) {
				idx, found := leaf.Find(op.key)
				if !found {
					return
				}

				leaf.Entries = append(leaf.Entries[:idx], leaf.Entries[idx+1:]...)
			}, g.Epoch())
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// keyOp is one operation within a Batch, normalized to a single ordered
// form so ApplyBatch can sort puts and deletes together by key.
type keyOp struct {
	key   []byte
	isPut bool
	value []byte
}

func sortKeyOps(ops []keyOp) {
	for i := 1; i < len(ops); i++ {
		for j := i; j > 0 && bytes.Compare(ops[j-1].key, ops[j].key) > 0; j-- {
			ops[j-1], ops[j] = ops[j], ops[j-1]
		}
	}
}

// IsEmpty reports whether the tree has no entries across any leaf.
func (t *Tree) IsEmpty() (bool, error) {
	h, ok := t.idx.first()
	if !ok {
		return true, nil
	}

	for {
		ref, err := t.cache.Resolve(h.ObjectID)
		if err != nil {
			return false, err
		}

		cl := ref.Leaf()
		cl.Lock()
		n := len(cl.Leaf().Entries)
		next := cl.Leaf().NextID
		cl.Unlock()
		ref.Release()

		if n > 0 {
			return false, nil
		}

		if next == 0 {
			return true, nil
		}

		h = LeafHandle{ObjectID: next}
	}
}

// Len returns a live estimate of the total entry count across every leaf.
// It is O(leaf count), not O(1), since entries are only ever counted by
// walking leaves.
func (t *Tree) Len() (int, error) {
	h, ok := t.idx.first()
	if !ok {
		return 0, nil
	}

	total := 0

	for {
		ref, err := t.cache.Resolve(h.ObjectID)
		if err != nil {
			return 0, err
		}

		cl := ref.Leaf()
		cl.Lock()
		total += len(cl.Leaf().Entries)
		next := cl.Leaf().NextID
		cl.Unlock()
		ref.Release()

		if next == 0 {
			return total, nil
		}

		h = LeafHandle{ObjectID: next}
	}
}

// First returns the smallest key in the tree, if any.
func (t *Tree) First() ([]byte, []byte, bool, error) {
	h, ok := t.idx.first()
	if !ok {
		return nil, nil, false, nil
	}

	for {
		ref, err := t.cache.Resolve(h.ObjectID)
		if err != nil {
			return nil, nil, false, err
		}

		cl := ref.Leaf()
		cl.Lock()
		leaf := cl.Leaf()

		if len(leaf.Entries) > 0 {
			k := append([]byte(nil), leaf.Entries[0].Key...)
			v := append([]byte(nil), leaf.Entries[0].Value...)
			cl.Unlock()
			ref.Release()

			return k, v, true, nil
		}

		next := leaf.NextID
		cl.Unlock()
		ref.Release()

		if next == 0 {
			return nil, nil, false, nil
		}

		h = LeafHandle{ObjectID: next}
	}
}

// ScanPrefix walks every entry whose key starts with prefix, in ascending
// order, calling fn for each until it returns false or the prefix range is
// exhausted. Per spec §4.2's range scan, the scan pins the current epoch
// for its duration.
func (t *Tree) ScanPrefix(prefix []byte, fn func(key, value []byte) bool) error {
	g := t.tracker.Enter()
	defer g.Leave()

	h := t.idx.lookup(prefix)

	for {
		ref, err := t.cache.Resolve(h.ObjectID)
		if err != nil {
			return err
		}

		cl := ref.Leaf()
		cl.Lock()
		leaf := cl.Leaf()
		entries := append([]objectcache.Entry(nil), leaf.Entries...)
		next := leaf.NextID
		cl.Unlock()
		ref.Release()

		start, _ := func() (int, bool) {
			lo, hi := 0, len(entries)
			for lo < hi {
				mid := (lo + hi) / 2
				if bytes.Compare(entries[mid].Key, prefix) < 0 {
					lo = mid + 1
				} else {
					hi = mid
				}
			}
			return lo, lo < len(entries)
		}()

		for i := start; i < len(entries); i++ {
			if !bytes.HasPrefix(entries[i].Key, prefix) {
				return nil
			}

			if !fn(entries[i].Key, entries[i].Value) {
				return nil
			}
		}

		if next == 0 {
			return nil
		}

		h = LeafHandle{ObjectID: next}
	}
}

// Clear removes every entry from the tree, collapsing it back to a single
// empty root leaf and deferred-freeing every other leaf's on-disk frame.
func (t *Tree) Clear() error {
	g := t.tracker.Enter()
	defer g.Leave()

	t.mergeMu.Lock()
	defer t.mergeMu.Unlock()

	entries := t.idx.snapshot()
	if len(entries) == 0 {
		return nil
	}

	rootHandle := entries[0].Handle

	for _, e := range entries[1:] {
		if loc, ok := t.cache.Location(e.Handle.ObjectID); ok {
			t.freer.FreeDeferred(loc, g.Epoch(), t.tracker)
		}

		t.cache.Forget(e.Handle.ObjectID)
	}

	ref, err := t.cache.Resolve(rootHandle.ObjectID)
	if err != nil {
		return err
	}

	cl := ref.Leaf()
	cl.Lock()
	leaf := cl.Leaf()
	leaf.Entries = nil
	leaf.NextID = 0
	leaf.LowKey = nil
	cl.Unlock()
	ref.Release()

	t.cache.MarkDirty(rootHandle.ObjectID, g.Epoch())

	t.idx.writeMu.Lock()
	fresh := []indexEntry{{LowKey: nil, Handle: rootHandle}}
	t.idx.ptr.Store(&fresh)
	t.idx.writeMu.Unlock()

	return nil
}

// Last returns the largest key in the tree, if any.
func (t *Tree) Last() ([]byte, []byte, bool, error) {
	h, ok := t.idx.last()
	if !ok {
		return nil, nil, false, nil
	}

	var (
		key, val []byte
		found    bool
	)

	for {
		ref, err := t.cache.Resolve(h.ObjectID)
		if err != nil {
			return nil, nil, false, err
		}

		cl := ref.Leaf()
		cl.Lock()
		leaf := cl.Leaf()

		if len(leaf.Entries) > 0 {
			key = append([]byte(nil), leaf.Entries[len(leaf.Entries)-1].Key...)
			val = append([]byte(nil), leaf.Entries[len(leaf.Entries)-1].Value...)
			found = true
		}

		next := leaf.NextID
		cl.Unlock()
		ref.Release()

		if next == 0 {
			return key, val, found, nil
		}

		h = LeafHandle{ObjectID: next}
	}
}
