package tree

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"
)

// LeafHandle names a leaf by its stable ObjectId. The object cache is the
// handle's own pointer cache, so no separate cached_ptr field is carried
// here — resolving the same ObjectId twice hits the same cache entry.
type LeafHandle struct {
	ObjectID uint64
}

type indexEntry struct {
	LowKey []byte
	Handle LeafHandle
}

// index is the in-memory ordered map low_key → LeafHandle for one tree. It
// is copy-on-write: a split or merge builds an entirely new sorted slice
// and atomically swaps it in, so readers never take a lock — they load the
// current slice, binary-search it, and never block a writer or vice versa.
// This is the concurrent-ordered-map structure spec §4.2 calls for,
// adapted from the node-level copy-on-write swap a persistent B-tree uses
// for its internal nodes down onto a flat leaf index.
type index struct {
	ptr     atomic.Pointer[[]indexEntry]
	writeMu sync.Mutex // serializes writers among themselves; readers never block
}

// newIndex builds a tree's index with a single root leaf covering the
// entire key space, low_key = "" (spec §3's -∞ sentinel; zero-length user
// keys are rejected at the API boundary, so "" can never collide with one).
func newIndex(rootID uint64) *index {
	entries := []indexEntry{{LowKey: nil, Handle: LeafHandle{ObjectID: rootID}}}
	ix := &index{}
	ix.ptr.Store(&entries)

	return ix
}

func (ix *index) snapshot() []indexEntry {
	return *ix.ptr.Load()
}

// lookup returns the handle of the leaf whose range covers key: the entry
// with the greatest low_key ≤ key.
func (ix *index) lookup(key []byte) LeafHandle {
	entries := ix.snapshot()

	i := sort.Search(len(entries), func(i int) bool {
		return bytes.Compare(entries[i].LowKey, key) > 0
	})

	return entries[i-1].Handle
}

// insertSplit atomically inserts newLowKey → newHandle immediately after
// the entry currently naming leftID, as spec §4.2 requires ("insert the new
// (low_key → handle) into the index atomically with respect to lookups").
func (ix *index) insertSplit(leftID uint64, newLowKey []byte, newHandle LeafHandle) {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	old := ix.snapshot()
	next := make([]indexEntry, 0, len(old)+1)

	for i, e := range old {
		next = append(next, e)

		if e.Handle.ObjectID == leftID {
			next = append(next, indexEntry{LowKey: newLowKey, Handle: newHandle})
			next = append(next, old[i+1:]...)

			break
		}
	}

	ix.ptr.Store(&next)
}

// removeMerged atomically removes the index entry naming deadID (the right
// sibling absorbed by a merge).
func (ix *index) removeMerged(deadID uint64) {
	ix.writeMu.Lock()
	defer ix.writeMu.Unlock()

	old := ix.snapshot()
	next := make([]indexEntry, 0, len(old))

	for _, e := range old {
		if e.Handle.ObjectID == deadID {
			continue
		}

		next = append(next, e)
	}

	ix.ptr.Store(&next)
}

func (ix *index) first() (LeafHandle, bool) {
	entries := ix.snapshot()
	if len(entries) == 0 {
		return LeafHandle{}, false
	}

	return entries[0].Handle, true
}

func (ix *index) last() (LeafHandle, bool) {
	entries := ix.snapshot()
	if len(entries) == 0 {
		return LeafHandle{}, false
	}

	return entries[len(entries)-1].Handle, true
}

func (ix *index) len() int {
	return len(ix.snapshot())
}
