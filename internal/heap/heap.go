// Package heap implements the slab-allocated on-disk object store: fixed
// size-class slab files, positioned writes, mmap'd reads, and per-frame
// checksums. It knows nothing about trees, leaves, or object IDs beyond
// handing out a monotonic counter for them; it stores and retrieves opaque
// framed byte strings at a [Location].
package heap

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/melangedb/melange/internal/codec"
	"github.com/melangedb/melange/internal/epoch"
	"github.com/melangedb/melange/internal/vfs"
)

// defaultClassSizes is the geometric progression of slot-capacity size
// classes a freshly created heap uses when the caller doesn't name its own.
// It spans a single small key-value pair up to a leaf of 1024 entries
// (the canonical LEAF_FANOUT) of moderately sized keys/values.
var defaultClassSizes = []uint32{
	64, 128, 256, 512, 1024, 2048, 4096, 8192, 16384, 32768,
	65536, 131072, 262144, 524288, 1048576, 4194304,
}

// Heap is the slab allocator described in spec §4.1: one slab file per size
// class, smallest-fit allocation, LIFO free-slot reuse within a class.
type Heap struct {
	dir      string
	registry *codec.Registry

	classes []*slab // ascending by slotSize

	nextObjectID uint64 // atomic
}

// Open opens or creates every size-class slab file under dir. classSizes,
// if nil, defaults to [defaultClassSizes]; it must be strictly ascending.
func Open(fsys vfs.FS, dir string, registry *codec.Registry, classSizes []uint32) (*Heap, error) {
	if classSizes == nil {
		classSizes = defaultClassSizes
	}

	h := &Heap{dir: dir, registry: registry}

	for id, size := range classSizes {
		if id > 0 && size <= classSizes[id-1] {
			return nil, fmt.Errorf("heap: class sizes must be strictly ascending, got %v", classSizes)
		}

		s, err := openSlab(fsys, dir, uint32(id), size)
		if err != nil {
			h.Close()
			return nil, err
		}

		h.classes = append(h.classes, s)
	}

	return h, nil
}

// Close releases every slab's mmap and file handle.
func (h *Heap) Close() error {
	var firstErr error

	for _, s := range h.classes {
		if err := s.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// SeedObjectIDCounter fast-forwards the object ID counter so the next call
// to [Heap.NextObjectID] returns maxSeen+1, called once during recovery
// after scanning the metadata log so newly allocated IDs never collide with
// a previously persisted one. A no-op if the counter is already ahead.
func (h *Heap) SeedObjectIDCounter(maxSeen uint64) {
	for {
		cur := atomic.LoadUint64(&h.nextObjectID)
		if maxSeen <= cur {
			return
		}

		if atomic.CompareAndSwapUint64(&h.nextObjectID, cur, maxSeen) {
			return
		}
	}
}

// NextObjectID returns a fresh, stable ObjectId. ID 0 is reserved to mean
// "no object" in the frame payload's next-leaf field, so the counter starts
// handing out IDs at 1.
func (h *Heap) NextObjectID() uint64 {
	return atomic.AddUint64(&h.nextObjectID, 1)
}

func (h *Heap) classByID(id uint32) (*slab, error) {
	if int(id) >= len(h.classes) {
		return nil, ErrUnknownLocation
	}

	return h.classes[id], nil
}

// Allocate returns a Location whose slot capacity is at least size,
// extending the smallest-fit slab's class if its free stack is empty.
func (h *Heap) Allocate(size int) (Location, error) {
	for id, s := range h.classes {
		if int(s.slotSize) < size {
			continue
		}

		slot, err := s.allocate()
		if err != nil {
			return Location{}, err
		}

		return Location{SlabID: uint32(id), SlotIndex: slot}, nil
	}

	return Location{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
}

// Write stores a pre-framed byte string (produced by [EncodeFrame]) at loc.
// Returns once the bytes are handed to the OS; durability requires a
// subsequent [Heap.Fsync].
func (h *Heap) Write(loc Location, frame []byte) error {
	s, err := h.classByID(loc.SlabID)
	if err != nil {
		return err
	}

	return s.writeAt(loc.SlotIndex, frame)
}

// Read returns the decoded, checksum-verified payload of the frame at loc.
func (h *Heap) Read(loc Location) ([]byte, error) {
	s, err := h.classByID(loc.SlabID)
	if err != nil {
		return nil, err
	}

	raw, err := s.readAt(loc.SlotIndex, int(s.slotSize))
	if err != nil {
		return nil, err
	}

	plain, err := DecodeFrame(raw, h.registry)
	if err != nil {
		if errors.Is(err, ErrInvalidArgument) {
			return nil, fmt.Errorf("%s: %w", loc, err)
		}

		return nil, fmt.Errorf("%w: %s: %v", ErrCorruption, loc, err)
	}

	return plain, nil
}

// FreeDeferred queues loc for release through tracker once retireEpoch is
// both quiesced and durable (spec §4.4's two-condition release). The slot
// is only pushed back onto its class's free stack at that point, never
// before, so a racing reader that entered an earlier epoch can never
// observe the slot reused.
func (h *Heap) FreeDeferred(loc Location, retireEpoch uint64, tracker *epoch.Tracker) {
	tracker.Defer(retireEpoch, func() {
		s, err := h.classByID(loc.SlabID)
		if err != nil {
			return
		}

		s.free(loc.SlotIndex)
	})
}

// Fsync flushes every slab file touched since the last Fsync.
func (h *Heap) Fsync() error {
	for _, s := range h.classes {
		if err := s.sync(); err != nil {
			return err
		}
	}

	return nil
}
