// Package fakefs wraps a [vfs.FS] with named failpoints — dropped writes,
// failing fsyncs, torn writes — armed before an operation to exercise the
// crash-consistency scenarios that a real filesystem would only produce
// nondeterministically. Grounded on the concept of a failpoint DSL armed by
// name before the operation under test, scaled down from a full
// crash-injection harness to the handful of failure shapes spec §8's
// crash-consistency scenarios (3 and 4) name: a write that never reaches
// disk, an fsync that fails, and a write that only partially lands.
package fakefs

import (
	"fmt"
	"os"
	"sync"

	"github.com/melangedb/melange/internal/vfs"
)

// FS wraps a real [vfs.FS], routing every file it opens through a [file]
// that consults FS's armed failpoints before each Write, WriteAt, or Sync.
type FS struct {
	inner vfs.FS

	mu         sync.Mutex
	dropWriteN map[string]int // path -> 1-indexed call number to silently drop
	failSyncN  map[string]int // path -> 1-indexed call number to fail
	tornBytes  map[string]int // path -> bytes to keep on the next Write/WriteAt, then cleared
	writeCalls map[string]int
	syncCalls  map[string]int
}

// Wrap returns a fault-injecting FS layered over inner.
func Wrap(inner vfs.FS) *FS {
	return &FS{
		inner:      inner,
		dropWriteN: make(map[string]int),
		failSyncN:  make(map[string]int),
		tornBytes:  make(map[string]int),
		writeCalls: make(map[string]int),
		syncCalls:  make(map[string]int),
	}
}

// ArmDroppedWrite arms path's nth Write/WriteAt call (1-indexed) to report
// success without writing any bytes, simulating a write that was
// acknowledged by the OS but lost before the next fsync.
func (f *FS) ArmDroppedWrite(path string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.dropWriteN[path] = n
}

// ArmFailingSync arms path's nth Sync call (1-indexed) to return an error.
func (f *FS) ArmFailingSync(path string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.failSyncN[path] = n
}

// ArmTornWrite arms path's next Write/WriteAt call to truncate its buffer
// to keepBytes before writing, simulating a torn write that landed only
// partially before a crash. The armed state is consumed by that one call.
func (f *FS) ArmTornWrite(path string, keepBytes int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.tornBytes[path] = keepBytes
}

func (f *FS) wrap(path string, inner vfs.File, err error) (vfs.File, error) {
	if err != nil {
		return nil, err
	}

	return &file{File: inner, fsys: f, path: path}, nil
}

func (f *FS) Open(path string) (vfs.File, error) {
	inner, err := f.inner.Open(path)
	return f.wrap(path, inner, err)
}

func (f *FS) Create(path string) (vfs.File, error) {
	inner, err := f.inner.Create(path)
	return f.wrap(path, inner, err)
}

func (f *FS) OpenFile(path string, flag int, perm os.FileMode) (vfs.File, error) {
	inner, err := f.inner.OpenFile(path, flag, perm)
	return f.wrap(path, inner, err)
}

func (f *FS) ReadFile(path string) ([]byte, error)             { return f.inner.ReadFile(path) }
func (f *FS) WriteFile(path string, d []byte, p os.FileMode) error {
	return f.inner.WriteFile(path, d, p)
}
func (f *FS) ReadDir(path string) ([]os.DirEntry, error)  { return f.inner.ReadDir(path) }
func (f *FS) MkdirAll(path string, perm os.FileMode) error { return f.inner.MkdirAll(path, perm) }
func (f *FS) Stat(path string) (os.FileInfo, error)       { return f.inner.Stat(path) }
func (f *FS) Exists(path string) (bool, error)            { return f.inner.Exists(path) }
func (f *FS) Remove(path string) error                    { return f.inner.Remove(path) }
func (f *FS) RemoveAll(path string) error                  { return f.inner.RemoveAll(path) }
func (f *FS) Rename(oldpath, newpath string) error          { return f.inner.Rename(oldpath, newpath) }
func (f *FS) WriteFileAtomic(path string, d []byte, p os.FileMode) error {
	return f.inner.WriteFileAtomic(path, d, p)
}

// file wraps an open [vfs.File], intercepting Write/WriteAt/Sync to consult
// its owning FS's armed failpoints for path.
type file struct {
	vfs.File
	fsys *FS
	path string
}

// nextWriteCall increments and returns this path's write-call counter, and
// reports whether a drop or tear is armed for this specific call.
func (fl *file) nextWriteCall() (drop bool, tearTo int, hasTear bool) {
	fl.fsys.mu.Lock()
	defer fl.fsys.mu.Unlock()

	fl.fsys.writeCalls[fl.path]++
	n := fl.fsys.writeCalls[fl.path]

	if armed, ok := fl.fsys.dropWriteN[fl.path]; ok && armed == n {
		drop = true
	}

	if keep, ok := fl.fsys.tornBytes[fl.path]; ok {
		tearTo, hasTear = keep, true
		delete(fl.fsys.tornBytes, fl.path)
	}

	return drop, tearTo, hasTear
}

func (fl *file) Write(p []byte) (int, error) {
	drop, tearTo, hasTear := fl.nextWriteCall()
	if drop {
		return len(p), nil
	}

	if hasTear && tearTo < len(p) {
		n, err := fl.File.Write(p[:tearTo])
		if err != nil {
			return n, err
		}

		return len(p), nil // caller believes the full write landed; only tearTo bytes actually did
	}

	return fl.File.Write(p)
}

func (fl *file) WriteAt(p []byte, off int64) (int, error) {
	drop, tearTo, hasTear := fl.nextWriteCall()
	if drop {
		return len(p), nil
	}

	if hasTear && tearTo < len(p) {
		n, err := fl.File.WriteAt(p[:tearTo], off)
		if err != nil {
			return n, err
		}

		return len(p), nil
	}

	return fl.File.WriteAt(p, off)
}

func (fl *file) Sync() error {
	fl.fsys.mu.Lock()
	fl.fsys.syncCalls[fl.path]++
	n := fl.fsys.syncCalls[fl.path]
	armed := fl.fsys.failSyncN[fl.path]
	fl.fsys.mu.Unlock()

	if armed != 0 && armed == n {
		return fmt.Errorf("fakefs: armed sync failure on %s (call %d)", fl.path, n)
	}

	return fl.File.Sync()
}

var _ vfs.FS = (*FS)(nil)
