package heap

import (
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
	"github.com/google/uuid"

	"github.com/melangedb/melange/internal/vfs"
)

// initialSlotCount is the slot count a size class starts with on first
// extension; each subsequent extension doubles it, amortizing the cost of
// growing a slab file across many allocations.
const initialSlotCount = 16

// slab is one size class: a single file holding fixed-size slots, a
// concurrent free-slot stack, and a read-only mmap of everything allocated
// so far. Allocation picks the smallest slab whose slot fits the frame, so
// a [Heap] holds many slabs, one per size class.
type slab struct {
	classID  uint32
	slotSize uint32
	path     string
	file     vfs.File

	mu        sync.Mutex
	freeStack []uint32 // LIFO stack of free slot indices, reused first
	slotCount uint32   // slots ever handed out by extend (the high-water mark)

	mapMu sync.RWMutex
	mapped mmap.MMap // nil if the underlying file doesn't support mmap
}

func openSlab(fsys vfs.FS, dir string, classID uint32, slotSize uint32) (*slab, error) {
	path := fmt.Sprintf("%s/slab-%d.dat", dir, classID)

	existed, err := fsys.Exists(path)
	if err != nil {
		return nil, fmt.Errorf("heap: stat %s: %w", path, err)
	}

	if !existed {
		if err := createEmptySlabFile(fsys, dir, path); err != nil {
			return nil, err
		}
	}

	f, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("heap: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("heap: stat %s: %w", path, err)
	}

	s := &slab{
		classID:   classID,
		slotSize:  slotSize,
		path:      path,
		file:      f,
		slotCount: uint32(info.Size() / int64(slotSize)),
	}

	if err := s.remapLocked(); err != nil {
		f.Close()
		return nil, err
	}

	// Slots below the existing high-water mark are not put on the free
	// stack here, and nothing rebuilds the free stack from the recovered
	// index: after a reopen, allocation extends the file past them, so
	// slots that were already dead before the reopen are not reused.
	return s, nil
}

// createEmptySlabFile creates path via a temp-file-plus-rename so a size
// class's slab file only ever becomes visible at its final name once fully
// created, never as a truncated zero-byte stub a concurrent opener of the
// same directory could observe mid-creation. The temp name's uniqueness
// comes from a UUID rather than a counter since multiple size classes can
// be created concurrently by different Heaps sharing the same dir in tests.
func createEmptySlabFile(fsys vfs.FS, dir, path string) error {
	tmpPath := fmt.Sprintf("%s/.slab.tmp-%s", dir, uuid.NewString())

	f, err := fsys.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("heap: create temp slab file %s: %w", tmpPath, err)
	}

	if err := f.Close(); err != nil {
		return fmt.Errorf("heap: close temp slab file %s: %w", tmpPath, err)
	}

	if err := fsys.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("heap: rename temp slab file into place: %w", err)
	}

	return nil
}

// remapLocked refreshes the slab's read-only mmap to cover the file's
// current size. Called with no concurrent writers (open, or already holding
// mu during extend). If the underlying file isn't a real *os.File (as under
// a fault-injecting test FS), reads fall back to ReadAt and mapped stays nil.
func (s *slab) remapLocked() error {
	s.mapMu.Lock()
	defer s.mapMu.Unlock()

	if s.mapped != nil {
		if err := s.mapped.Unmap(); err != nil {
			return fmt.Errorf("heap: unmap %s: %w", s.path, err)
		}

		s.mapped = nil
	}

	realFile, ok := s.file.(*os.File)
	if !ok {
		return nil
	}

	size := int64(s.slotCount) * int64(s.slotSize)
	if size == 0 {
		return nil
	}

	m, err := mmap.MapRegion(realFile, int(size), mmap.RDONLY, 0, 0)
	if err != nil {
		return fmt.Errorf("heap: mmap %s: %w", s.path, err)
	}

	s.mapped = m

	return nil
}

// allocate returns a free slot index, extending the slab if its free stack
// is empty.
func (s *slab) allocate() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.freeStack); n > 0 {
		idx := s.freeStack[n-1]
		s.freeStack = s.freeStack[:n-1]

		return idx, nil
	}

	return s.extendLocked()
}

// extendLocked doubles the slab's slot count (or starts at
// [initialSlotCount]), grows the file, and pushes the new slots onto the
// free stack before popping one off for the caller. Must hold s.mu.
func (s *slab) extendLocked() (uint32, error) {
	grow := s.slotCount
	if grow == 0 {
		grow = initialSlotCount
	}

	newCount := s.slotCount + grow
	newSize := int64(newCount) * int64(s.slotSize)

	if err := s.file.Truncate(newSize); err != nil {
		return 0, fmt.Errorf("heap: extend %s: %w", s.path, err)
	}

	for idx := newCount - 1; idx > s.slotCount; idx-- {
		s.freeStack = append(s.freeStack, idx)
	}

	first := s.slotCount
	s.slotCount = newCount

	if err := s.remapLocked(); err != nil {
		return 0, err
	}

	return first, nil
}

func (s *slab) offset(slot uint32) int64 {
	return int64(slot) * int64(s.slotSize)
}

// writeAt writes frame at the given slot via a positioned write; frame must
// fit within slotSize.
func (s *slab) writeAt(slot uint32, frame []byte) error {
	if uint32(len(frame)) > s.slotSize {
		return fmt.Errorf("heap: frame of %d bytes exceeds slot size %d", len(frame), s.slotSize)
	}

	if _, err := s.file.WriteAt(frame, s.offset(slot)); err != nil {
		return fmt.Errorf("heap: write %s slot %d: %w", s.path, slot, err)
	}

	return nil
}

// readAt reads exactly n bytes at slot, preferring the mmap when available
// and falling back to a positioned read otherwise.
func (s *slab) readAt(slot uint32, n int) ([]byte, error) {
	s.mapMu.RLock()
	mapped := s.mapped
	s.mapMu.RUnlock()

	off := s.offset(slot)

	if mapped != nil {
		end := int(off) + n
		if end > len(mapped) {
			return nil, fmt.Errorf("heap: read %s slot %d: mapping too small", s.path, slot)
		}

		out := make([]byte, n)
		copy(out, mapped[int(off):end])

		return out, nil
	}

	buf := make([]byte, n)
	if _, err := s.file.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("heap: read %s slot %d: %w", s.path, slot, err)
	}

	return buf, nil
}

// free pushes slot back onto the LIFO free stack for reuse. Called only
// after the epoch tracker has admitted the release (see
// [Heap.FreeDeferred]), never directly.
func (s *slab) free(slot uint32) {
	s.mu.Lock()
	s.freeStack = append(s.freeStack, slot)
	s.mu.Unlock()
}

func (s *slab) sync() error {
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("heap: fsync %s: %w", s.path, err)
	}

	return nil
}

func (s *slab) close() error {
	s.mapMu.Lock()
	if s.mapped != nil {
		_ = s.mapped.Unmap()
		s.mapped = nil
	}
	s.mapMu.Unlock()

	return s.file.Close()
}
