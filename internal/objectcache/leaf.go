// Package objectcache implements the concurrent object_id → leaf cache
// (spec §4.3): a byte-budget eviction policy, per-object pinning, and
// singleflight loading from the heap on a cache miss. It also owns the
// leaf value type and its on-disk payload codec, since those are the thing
// being cached.
package objectcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Entry is one sorted (key, value) pair within a leaf.
type Entry struct {
	Key   []byte
	Value []byte
}

// Leaf is the in-memory decoded form of spec §3's Leaf object: a bounded
// sorted sequence of entries plus the low_key and next-sibling pointer that
// place it within a tree's index.
type Leaf struct {
	ObjectID uint64
	LowKey   []byte
	NextID   uint64 // 0 means no right sibling
	Entries  []Entry
}

// Find returns the index of key within l.Entries via binary search, and
// whether it was found. When not found, idx is the insertion point that
// keeps Entries sorted.
func (l *Leaf) Find(key []byte) (idx int, found bool) {
	lo, hi := 0, len(l.Entries)

	for lo < hi {
		mid := (lo + hi) / 2

		switch bytes.Compare(l.Entries[mid].Key, key) {
		case 0:
			return mid, true
		case -1:
			lo = mid + 1
		default:
			hi = mid
		}
	}

	return lo, false
}

// EncodePayload serializes l per spec §6's payload layout:
//
//	[object_id: u64][epoch: u64][low_key_len: u32][low_key: bytes]
//	[next_id: u64][entry_count: u32]
//	  entry_count * [key_len: u32][val_len: u32][key][value]
func EncodePayload(l *Leaf, epoch uint64) []byte {
	size := 8 + 8 + 4 + len(l.LowKey) + 8 + 4
	for _, e := range l.Entries {
		size += 4 + 4 + len(e.Key) + len(e.Value)
	}

	buf := make([]byte, size)
	off := 0

	binary.LittleEndian.PutUint64(buf[off:], l.ObjectID)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], epoch)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(l.LowKey)))
	off += 4
	off += copy(buf[off:], l.LowKey)
	binary.LittleEndian.PutUint64(buf[off:], l.NextID)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(l.Entries)))
	off += 4

	for _, e := range l.Entries {
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Key)))
		off += 4
		binary.LittleEndian.PutUint32(buf[off:], uint32(len(e.Value)))
		off += 4
		off += copy(buf[off:], e.Key)
		off += copy(buf[off:], e.Value)
	}

	return buf
}

// DecodePayload is the inverse of [EncodePayload]; it returns the leaf and
// the epoch it was flushed at.
func DecodePayload(buf []byte) (l *Leaf, epoch uint64, err error) {
	const fixedPrefix = 8 + 8 + 4

	if len(buf) < fixedPrefix {
		return nil, 0, fmt.Errorf("objectcache: payload header truncated")
	}

	off := 0
	objectID := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	epoch = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	lowKeyLen := binary.LittleEndian.Uint32(buf[off:])
	off += 4

	if off+int(lowKeyLen)+8+4 > len(buf) {
		return nil, 0, fmt.Errorf("objectcache: payload low_key/next/count truncated")
	}

	lowKey := append([]byte(nil), buf[off:off+int(lowKeyLen)]...)
	off += int(lowKeyLen)

	nextID := binary.LittleEndian.Uint64(buf[off:])
	off += 8
	entryCount := binary.LittleEndian.Uint32(buf[off:])
	off += 4

	entries := make([]Entry, 0, entryCount)

	for i := uint32(0); i < entryCount; i++ {
		if off+8 > len(buf) {
			return nil, 0, fmt.Errorf("objectcache: entry %d header truncated", i)
		}

		keyLen := binary.LittleEndian.Uint32(buf[off:])
		valLen := binary.LittleEndian.Uint32(buf[off+4:])
		off += 8

		if off+int(keyLen)+int(valLen) > len(buf) {
			return nil, 0, fmt.Errorf("objectcache: entry %d body truncated", i)
		}

		key := append([]byte(nil), buf[off:off+int(keyLen)]...)
		off += int(keyLen)
		val := append([]byte(nil), buf[off:off+int(valLen)]...)
		off += int(valLen)

		entries = append(entries, Entry{Key: key, Value: val})
	}

	return &Leaf{ObjectID: objectID, LowKey: lowKey, NextID: nextID, Entries: entries}, epoch, nil
}
