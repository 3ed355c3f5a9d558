package melange

import (
	"fmt"

	"github.com/melangedb/melange/internal/objectcache"
)

// Tree is a handle onto one named, independently navigable tree within a
// [DB]. Every method forwards to the tree's own index, cache, and epoch
// guard; concurrent handles to the same name share the same underlying
// state.
type Tree struct {
	db   *DB
	name string
}

// Tree returns a handle onto the named tree, creating it if it doesn't
// already exist.
func (db *DB) Tree(name string) (*Tree, error) {
	if _, err := db.getOrCreateTree(name); err != nil {
		return nil, err
	}

	return &Tree{db: db, name: name}, nil
}

// Name returns the tree's name.
func (t *Tree) Name() string {
	return t.name
}

// Get returns the value stored at key, or (nil, false, nil) if absent.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	return t.db.GetData(t.name, key)
}

// Put inserts or overwrites the value at key.
func (t *Tree) Put(key, value []byte) error {
	return t.db.Insert(t.name, key, value)
}

// Delete removes key, if present. Deleting an absent key is not an error.
func (t *Tree) Delete(key []byte) error {
	return t.db.Remove(t.name, key)
}

// ContainsKey reports whether key is present.
func (t *Tree) ContainsKey(key []byte) (bool, error) {
	return t.db.ContainsKey(t.name, key)
}

// PutBatch applies every entry in puts atomically with respect to crash
// recovery.
func (t *Tree) PutBatch(puts map[string][]byte) error {
	return t.db.InsertBatch(t.name, puts)
}

// Batch atomically applies a mixed set of puts and deletes in ascending key
// order, taking each affected leaf's lock in turn rather than all at once.
func (t *Tree) Batch(b BatchOp) error {
	for _, p := range b.Puts {
		if len(p.Key) == 0 {
			return fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
		}
	}

	for _, k := range b.Deletes {
		if len(k) == 0 {
			return fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
		}
	}

	bundle, err := t.db.getOrCreateTree(t.name)
	if err != nil {
		return err
	}

	if err := checkWritable(bundle); err != nil {
		return err
	}

	entries := make([]objectcache.Entry, len(b.Puts))

	n := 0
	for i, p := range b.Puts {
		entries[i] = objectcache.Entry{Key: p.Key, Value: p.Value}
		n += len(p.Key) + len(p.Value)
	}

	for _, k := range b.Deletes {
		n += len(k)
	}

	if err := bundle.tree.ApplyBatch(treeBatchFrom(entries, b.Deletes)); err != nil {
		return err
	}

	t.db.controller.RecordWrite(n)

	return nil
}

// ScanPrefix calls fn once per entry whose key starts with prefix, in
// ascending order, until fn returns false or the range is exhausted.
func (t *Tree) ScanPrefix(prefix []byte, fn func(key, value []byte) bool) error {
	return t.db.ScanPrefix(t.name, prefix, fn)
}

// Len returns the number of entries in the tree.
func (t *Tree) Len() (int, error) {
	return t.db.Len(t.name)
}

// IsEmpty reports whether the tree has no entries.
func (t *Tree) IsEmpty() (bool, error) {
	return t.db.IsEmpty(t.name)
}

// First returns the smallest key and its value, or ok=false if the tree is
// empty.
func (t *Tree) First() (key, value []byte, ok bool, err error) {
	return t.db.First(t.name)
}

// Last returns the largest key and its value, or ok=false if the tree is
// empty.
func (t *Tree) Last() (key, value []byte, ok bool, err error) {
	return t.db.Last(t.name)
}

// Clear removes every entry from the tree.
func (t *Tree) Clear() error {
	return t.db.Clear(t.name)
}
