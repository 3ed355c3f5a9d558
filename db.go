// Package melange implements an embedded, single-process, ordered
// key-value store exposing a namespace of independently navigable trees,
// backed by a slab-allocated on-disk heap, a copy-on-write leaf index, an
// object cache with a dirty-tracking flush pipeline, epoch-based
// reclamation, and an atomic-counter routing subsystem.
package melange

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/melangedb/melange/internal/codec"
	"github.com/melangedb/melange/internal/epoch"
	"github.com/melangedb/melange/internal/flush"
	"github.com/melangedb/melange/internal/heap"
	"github.com/melangedb/melange/internal/metadatalog"
	"github.com/melangedb/melange/internal/objectcache"
	"github.com/melangedb/melange/internal/router"
	"github.com/melangedb/melange/internal/tree"
	"github.com/melangedb/melange/internal/vfs"
)

const (
	lockFileName    = "LOCK"
	catalogFileName = "catalog.json"
)

// treeBundle holds one tree's independent persistence stack. Each tree
// gets its own subdirectory with its own slab heap and metadata log, since
// [metadatalog.Tuple] carries no tree-name field — splitting the on-disk
// layout by directory keeps the wire format spec §6 fixes untouched while
// still letting every named tree recover and flush independently.
type treeBundle struct {
	tree     *tree.Tree
	heap     *heap.Heap
	log      *metadatalog.Log
	cache    *objectcache.Cache
	pipeline *flush.Pipeline
}

// DB is a namespace of independently navigable trees sharing one epoch
// tracker and one background flush controller.
type DB struct {
	opts     Options
	fsys     vfs.FS
	dir      string
	registry *codec.Registry
	tracker  *epoch.Tracker

	lock *vfs.Lock

	mu          sync.RWMutex
	trees       map[string]*treeBundle
	treeDirs    map[string]string // tree name -> subdirectory, persisted in the catalog
	nextOrdinal int
	closed      bool

	controller *flush.Controller
	router     *router.Router
}

// catalogEntry pins a tree name to the on-disk subdirectory it was created
// with, so a later [Open] finds the same directory regardless of what order
// names happen to sort in.
type catalogEntry struct {
	Name string `json:"name"`
	Dir  string `json:"dir"`
}

type catalogFile struct {
	NextOrdinal int            `json:"next_ordinal"`
	Trees       []catalogEntry `json:"trees"`
}

// Open opens or creates a database at opts.Path, recovering every tree
// named in its catalog file.
func Open(opts Options) (*DB, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	fsys := vfs.NewReal()

	if err := fsys.MkdirAll(opts.Path, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", ErrIo, opts.Path, err)
	}

	locker := vfs.NewLocker(fsys)

	lock, err := locker.TryLock(filepath.Join(opts.Path, lockFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: acquire lock: %v", ErrIo, err)
	}

	db := &DB{
		opts:     opts,
		fsys:     fsys,
		dir:      opts.Path,
		registry: codec.NewRegistry(),
		tracker:  epoch.NewTracker(),
		lock:     lock,
		trees:    make(map[string]*treeBundle),
		treeDirs: make(map[string]string),
	}

	ctrlCfg := flush.DefaultControllerConfig()

	switch {
	case opts.SmartFlush.Enabled:
		ctrlCfg = flush.ControllerConfig{
			BaseIntervalMs:            opts.SmartFlush.BaseIntervalMs,
			MinIntervalMs:             opts.SmartFlush.MinIntervalMs,
			MaxIntervalMs:             opts.SmartFlush.MaxIntervalMs,
			WriteRateThreshold:        opts.SmartFlush.WriteRateThreshold,
			AccumulatedBytesThreshold: opts.SmartFlush.AccumulatedBytesThreshold,
		}
	case opts.FlushEveryMs > 0:
		// Fixed-period legacy mode: pinning min=max=base to FlushEveryMs
		// disables the adaptive widening/narrowing tick() would otherwise do.
		ctrlCfg = flush.ControllerConfig{
			BaseIntervalMs:            opts.FlushEveryMs,
			MinIntervalMs:             opts.FlushEveryMs,
			MaxIntervalMs:             opts.FlushEveryMs,
			WriteRateThreshold:        1 << 62,
			AccumulatedBytesThreshold: 1 << 62,
		}
	}

	db.controller = flush.NewController(ctrlCfg, db.tracker)

	entries, nextOrdinal, err := db.readCatalog()
	if err != nil {
		_ = lock.Close()
		return nil, err
	}

	db.nextOrdinal = nextOrdinal

	for _, e := range entries {
		db.treeDirs[e.Name] = e.Dir

		if _, err := db.openTreeAt(e.Name, e.Dir); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	db.router = router.New(db)
	db.router.Start()

	if err := db.router.PreloadCounters(); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.controller.Start()

	return db, nil
}

// Close stops the background flush controller and router, flushes every
// tree one last time, and releases the database lock.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}

	db.closed = true
	bundles := make([]*treeBundle, 0, len(db.trees))
	for _, b := range db.trees {
		bundles = append(bundles, b)
	}
	db.mu.Unlock()

	var firstErr error

	// The router goes first so its buffered counter persists reach the
	// counters tree before the final flush below.
	if db.router != nil {
		db.router.Close()
	}

	if db.controller != nil {
		db.controller.Stop()

		// Returned after the files below are closed; a poisoned pipeline
		// still needs its files closed.
		firstErr = db.controller.FlushNow()
	}

	for _, b := range bundles {
		if err := b.log.Close(); err != nil && firstErr == nil {
			firstErr = err
		}

		if err := b.heap.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := db.lock.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}

// Flush forces an immediate synchronous flush of every tree, bypassing the
// background controller's scheduling policy.
func (db *DB) Flush() error {
	return db.controller.FlushNow()
}

// Trees returns the names of every tree currently open, sorted in ascending
// order.
func (db *DB) Trees() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()

	names := make([]string, 0, len(db.trees))
	for name := range db.trees {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// CreateTree creates a new, empty tree named name. Returns [ErrAlreadyExists]
// if a tree by that name is already open.
func (db *DB) CreateTree(name string) error {
	db.mu.Lock()
	if _, ok := db.trees[name]; ok {
		db.mu.Unlock()
		return fmt.Errorf("%w: tree %q", ErrAlreadyExists, name)
	}
	db.mu.Unlock()

	_, err := db.openTreeNew(name)

	return err
}

// treeDirName derives an on-disk subdirectory name from a catalog ordinal,
// avoiding any dependence on a tree name being a safe path component.
func treeDirName(ordinal int) string {
	return fmt.Sprintf("tree-%04d", ordinal)
}

// readCatalog loads the persisted name->directory mapping and the next free
// ordinal to hand out, or zero values if no catalog file exists yet.
func (db *DB) readCatalog() ([]catalogEntry, int, error) {
	path := filepath.Join(db.dir, catalogFileName)

	exists, err := db.fsys.Exists(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: stat catalog: %v", ErrIo, err)
	}

	if !exists {
		return nil, 0, nil
	}

	data, err := db.fsys.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read catalog: %v", ErrIo, err)
	}

	var cat catalogFile
	if err := json.Unmarshal(data, &cat); err != nil {
		return nil, 0, fmt.Errorf("%w: decode catalog: %v", ErrCorruption, err)
	}

	return cat.Trees, cat.NextOrdinal, nil
}

// writeCatalogLocked persists every tree's name->directory mapping plus the
// next ordinal to allocate. Called with db.mu held. Uses
// [vfs.FS.WriteFileAtomic] since the catalog is small bookkeeping metadata,
// not the durability-critical heap/log write path.
func (db *DB) writeCatalogLocked() error {
	names := make([]string, 0, len(db.treeDirs))
	for name := range db.treeDirs {
		names = append(names, name)
	}

	sort.Strings(names)

	entries := make([]catalogEntry, len(names))
	for i, name := range names {
		entries[i] = catalogEntry{Name: name, Dir: db.treeDirs[name]}
	}

	data, err := json.Marshal(catalogFile{NextOrdinal: db.nextOrdinal, Trees: entries})
	if err != nil {
		return fmt.Errorf("%w: encode catalog: %v", ErrIo, err)
	}

	path := filepath.Join(db.dir, catalogFileName)
	if err := db.fsys.WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write catalog: %v", ErrIo, err)
	}

	return nil
}

// openTreeNew allocates a fresh ordinal/directory for name and opens it.
func (db *DB) openTreeNew(name string) (*treeBundle, error) {
	db.mu.Lock()

	if b, ok := db.trees[name]; ok {
		db.mu.Unlock()
		return b, nil
	}

	ordinal := db.nextOrdinal
	db.nextOrdinal++
	dir := filepath.Join(db.dir, treeDirName(ordinal))
	db.treeDirs[name] = dir

	db.mu.Unlock()

	return db.openTreeAt(name, dir)
}

// openTreeAt opens or creates the named tree's subdirectory, heap, metadata
// log, cache, and index at the given directory, recovering its contents if
// the log already holds records. Adds the tree's pipeline to the shared
// flush controller and records it in the catalog.
func (db *DB) openTreeAt(name, dir string) (*treeBundle, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if b, ok := db.trees[name]; ok {
		return b, nil
	}

	if err := db.fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", ErrIo, dir, err)
	}

	h, err := heap.Open(db.fsys, dir, db.registry, nil)
	if err != nil {
		return nil, err
	}

	logPath := filepath.Join(dir, "meta.log")

	records, maxObjectID, err := metadatalog.Recover(db.fsys, logPath)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	log, err := metadatalog.Open(db.fsys, logPath)
	if err != nil {
		_ = h.Close()
		return nil, err
	}

	// Later records supersede earlier ones for the same ObjectId, since
	// replay is forward-chronological; keep only the latest tuple per id.
	latest := make(map[uint64]metadatalog.Tuple)
	for _, rec := range records {
		for _, t := range rec.Tuples {
			latest[t.ObjectID] = t
		}
	}

	tuples := make([]metadatalog.Tuple, 0, len(latest))
	for _, t := range latest {
		tuples = append(tuples, t)
	}

	sort.Slice(tuples, func(i, j int) bool {
		return compareBytes(tuples[i].LowKey, tuples[j].LowKey) < 0
	})

	h.SeedObjectIDCounter(maxObjectID)

	cache := objectcache.NewCache(db.opts.CacheCapacityBytes, h)

	treeCfg := tree.Config{LeafFanout: db.opts.LeafFanout, MergeThreshold: db.opts.LeafFanout / 4}
	if treeCfg.MergeThreshold < 1 {
		treeCfg.MergeThreshold = 1
	}

	var t *tree.Tree

	if len(tuples) == 0 {
		t = tree.New(name, treeCfg, cache, h, h, db.tracker)
	} else {
		roots := make([]tree.LeafHandle, len(tuples))
		lowKeys := make([][]byte, len(tuples))

		for i, tp := range tuples {
			roots[i] = tree.LeafHandle{ObjectID: tp.ObjectID}
			lowKeys[i] = tp.LowKey
			cache.SetLocation(tp.ObjectID, tp.Loc)
		}

		t = tree.OpenExisting(name, treeCfg, cache, h, h, db.tracker, roots, lowKeys)
	}

	pipeline := flush.New(cache, h, log, db.tracker, db.registry, db.opts.algorithm())
	db.controller.AddPipeline(pipeline)

	bundle := &treeBundle{tree: t, heap: h, log: log, cache: cache, pipeline: pipeline}
	db.trees[name] = bundle

	if err := db.writeCatalogLocked(); err != nil {
		return nil, err
	}

	return bundle, nil
}

// getOrCreateTree returns the named tree's bundle, creating it on first use.
// Some tree names (the router's reserved counters tree) are created
// implicitly by their first operation rather than an explicit
// [DB.CreateTree] call.
func (db *DB) getOrCreateTree(name string) (*treeBundle, error) {
	db.mu.RLock()
	b, ok := db.trees[name]
	db.mu.RUnlock()

	if ok {
		return b, nil
	}

	return db.openTreeNew(name)
}

// checkWritable rejects writes against a tree whose pipeline hit an
// unrecoverable flush error (spec §4.5's failure semantics: "subsequent
// user writes fail with Poisoned" until the database is closed and
// reopened).
func checkWritable(b *treeBundle) error {
	if b.pipeline.Poisoned() {
		return fmt.Errorf("%w: tree %q", ErrPoisoned, b.tree.Name)
	}

	return nil
}

// translateReadErr maps the internal/heap error kinds a leaf read can fail
// with onto the public sentinels this package documents, so callers doing
// errors.Is(err, melange.ErrInvalidArgument) see it regardless of which
// layer underneath produced it.
func translateReadErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, heap.ErrInvalidArgument):
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	case errors.Is(err, heap.ErrCorruption):
		return fmt.Errorf("%w: %v", ErrCorruption, err)
	default:
		return err
	}
}

func compareBytes(a, b []byte) int {
	switch {
	case len(a) == 0 && len(b) == 0:
		return 0
	case len(a) == 0:
		return -1
	case len(b) == 0:
		return 1
	}

	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}

			return 1
		}
	}

	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// Counters exposes the atomic-counter surface (spec §4.7's AtomicRouter),
// whose operations run on the router's single-consumer workers. Tree
// operations called directly on [DB] or [Tree] do not go through them.
func (db *DB) Counters() *router.Router {
	return db.router
}

// --- router.Engine implementation: dispatches by tree name into the
// matching per-tree bundle, creating the tree on first use. ---

func (db *DB) Insert(treeName string, key, value []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}

	b, err := db.getOrCreateTree(treeName)
	if err != nil {
		return err
	}

	if err := checkWritable(b); err != nil {
		return err
	}

	if err := b.tree.Put(key, value); err != nil {
		return err
	}

	db.controller.RecordWrite(len(key) + len(value))

	return nil
}

func (db *DB) InsertBatch(treeName string, puts map[string][]byte) error {
	for k := range puts {
		if len(k) == 0 {
			return fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
		}
	}

	b, err := db.getOrCreateTree(treeName)
	if err != nil {
		return err
	}

	if err := checkWritable(b); err != nil {
		return err
	}

	batch := tree.Batch{Puts: make([]objectcache.Entry, 0, len(puts))}

	n := 0
	for k, v := range puts {
		batch.Puts = append(batch.Puts, objectcache.Entry{Key: []byte(k), Value: v})
		n += len(k) + len(v)
	}

	if err := b.tree.ApplyBatch(batch); err != nil {
		return err
	}

	db.controller.RecordWrite(n)

	return nil
}

func (db *DB) GetData(treeName string, key []byte) ([]byte, bool, error) {
	if len(key) == 0 {
		return nil, false, fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}

	b, err := db.getOrCreateTree(treeName)
	if err != nil {
		return nil, false, err
	}

	v, ok, err := b.tree.Get(key)
	return v, ok, translateReadErr(err)
}

func (db *DB) Remove(treeName string, key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("%w: key must not be empty", ErrInvalidArgument)
	}

	b, err := db.getOrCreateTree(treeName)
	if err != nil {
		return err
	}

	if err := checkWritable(b); err != nil {
		return err
	}

	if err := b.tree.Delete(key); err != nil {
		return err
	}

	db.controller.RecordWrite(len(key))

	return nil
}

func (db *DB) ContainsKey(treeName string, key []byte) (bool, error) {
	_, found, err := db.GetData(treeName, key)
	return found, err
}

func (db *DB) ScanPrefix(treeName string, prefix []byte, fn router.ScanFunc) error {
	b, err := db.getOrCreateTree(treeName)
	if err != nil {
		return err
	}

	return b.tree.ScanPrefix(prefix, fn)
}

func (db *DB) Len(treeName string) (int, error) {
	b, err := db.getOrCreateTree(treeName)
	if err != nil {
		return 0, err
	}

	return b.tree.Len()
}

func (db *DB) IsEmpty(treeName string) (bool, error) {
	b, err := db.getOrCreateTree(treeName)
	if err != nil {
		return false, err
	}

	return b.tree.IsEmpty()
}

func (db *DB) First(treeName string) ([]byte, []byte, bool, error) {
	b, err := db.getOrCreateTree(treeName)
	if err != nil {
		return nil, nil, false, err
	}

	return b.tree.First()
}

func (db *DB) Last(treeName string) ([]byte, []byte, bool, error) {
	b, err := db.getOrCreateTree(treeName)
	if err != nil {
		return nil, nil, false, err
	}

	return b.tree.Last()
}

func (db *DB) Clear(treeName string) error {
	b, err := db.getOrCreateTree(treeName)
	if err != nil {
		return err
	}

	if err := checkWritable(b); err != nil {
		return err
	}

	return b.tree.Clear()
}

var _ router.Engine = (*DB)(nil)
