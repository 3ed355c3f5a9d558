package router

import "time"

// Option configures a [Router] at construction.
type Option func(*config)

type config struct {
	batchSize     int
	flushInterval time.Duration
}

// WithBatchSize sets how many coalesced counter persists the DbWorker's
// buffer accumulates before flushing early.
func WithBatchSize(n int) Option {
	return func(c *config) { c.batchSize = n }
}

// WithFlushInterval sets the maximum time a counter persist waits in the
// coalescing buffer before being flushed regardless of batch size.
func WithFlushInterval(d time.Duration) Option {
	return func(c *config) { c.flushInterval = d }
}

// Router is AtomicRouter (spec §4.7): the only interface exposed for atomic
// counters, plus a pass-through engine surface, both routed to dedicated
// single-consumer workers so a caller already holding an epoch guard can
// never reenter it through a nested engine call.
type Router struct {
	counters *CounterWorker
	db       *DbWorker
}

// New returns a Router driving engine through a CounterWorker and DbWorker.
// Call [Router.Start] before issuing any operation.
func New(engine Engine, opts ...Option) *Router {
	cfg := config{batchSize: 100, flushInterval: 250 * time.Millisecond}
	for _, opt := range opts {
		opt(&cfg)
	}

	db := NewDbWorker(engine, cfg.batchSize, cfg.flushInterval)
	counters := NewCounterWorker(db)

	return &Router{counters: counters, db: db}
}

// Start launches both worker goroutines.
func (r *Router) Start() {
	go r.counters.Run()
	go r.db.Run()
}

// Close stops both workers, flushing any buffered counter persists first.
func (r *Router) Close() {
	r.counters.Close()
	r.db.Close()
}

func (r *Router) sendCounter(cmd counterCmd) counterReply {
	cmd.reply = make(chan counterReply, 1)
	r.counters.cmds <- cmd

	return <-cmd.reply
}

func (r *Router) sendDB(cmd dbCmd) dbReply {
	cmd.reply = make(chan dbReply, 1)
	r.db.cmds <- cmd

	return <-cmd.reply
}

// Increment adds delta to name's counter (creating it at 0 first if new)
// and returns the new value.
func (r *Router) Increment(name string, delta uint64) (uint64, error) {
	rep := r.sendCounter(counterCmd{op: opIncrement, name: name, delta: delta})
	return rep.value, rep.err
}

// Decrement subtracts delta from name's counter, floored at 0.
func (r *Router) Decrement(name string, delta uint64) (uint64, error) {
	rep := r.sendCounter(counterCmd{op: opDecrement, name: name, delta: delta})
	return rep.value, rep.err
}

// Multiply scales name's counter by factor, rounding to the nearest uint64.
func (r *Router) Multiply(name string, factor float64) (uint64, error) {
	rep := r.sendCounter(counterCmd{op: opMultiply, name: name, factor: factor})
	return rep.value, rep.err
}

// Divide scales name's counter by 1/divisor, rounding to the nearest uint64.
func (r *Router) Divide(name string, divisor float64) (uint64, error) {
	rep := r.sendCounter(counterCmd{op: opDivide, name: name, divisor: divisor})
	return rep.value, rep.err
}

// Percentage scales name's counter by pct/100, rounding to the nearest uint64.
func (r *Router) Percentage(name string, pct float64) (uint64, error) {
	rep := r.sendCounter(counterCmd{op: opPercentage, name: name, pct: pct})
	return rep.value, rep.err
}

// CompareAndSwap sets name's counter to newValue only if it currently
// equals expected, reporting whether the swap happened.
func (r *Router) CompareAndSwap(name string, expected, newValue uint64) (uint64, bool, error) {
	rep := r.sendCounter(counterCmd{op: opCAS, name: name, expected: expected, newValue: newValue})
	return rep.value, rep.swapped, rep.err
}

// Get returns name's current counter value (0 if never set).
func (r *Router) Get(name string) (uint64, error) {
	rep := r.sendCounter(counterCmd{op: opGet, name: name})
	return rep.value, rep.err
}

// Reset sets name's counter to value, discarding any prior value.
func (r *Router) Reset(name string, value uint64) (uint64, error) {
	rep := r.sendCounter(counterCmd{op: opReset, name: name, value: value})
	return rep.value, rep.err
}

// PreloadCounters seeds the CounterWorker's in-memory map from every
// persisted counter, the recovery path spec §4.7 names.
func (r *Router) PreloadCounters() error {
	rep := r.sendCounter(counterCmd{op: opPreload})
	return rep.err
}

// Export bulk-reads every persisted counter whose name starts with prefix
// directly from the engine, bypassing the in-memory map — useful for
// introspection or audit without disturbing the router's own state.
// Supplements spec §4.7's named operations; the underlying engine this was
// distilled from exposes the same bulk-read surface.
func (r *Router) Export(prefix string) (map[string]uint64, error) {
	result := make(map[string]uint64)

	var scanErr error

	rep := r.sendDB(dbCmd{
		kind:   cmdScanPrefix,
		tree:   countersTree,
		prefix: []byte(counterKeyPrefix + prefix),
		scanFn: func(key, value []byte) bool {
			v, err := decodeCounterValue(value)
			if err != nil {
				scanErr = err
				return false
			}

			result[string(key[len(counterKeyPrefix):])] = v

			return true
		},
	})

	if rep.err != nil {
		return nil, rep.err
	}

	if scanErr != nil {
		return nil, scanErr
	}

	return result, nil
}

// Insert routes a write-style engine call through the DbWorker.
func (r *Router) Insert(tree string, key, value []byte) error {
	rep := r.sendDB(dbCmd{kind: cmdInsert, tree: tree, key: key, value: value})
	return rep.err
}

// GetData routes a read through the DbWorker.
func (r *Router) GetData(tree string, key []byte) ([]byte, bool, error) {
	rep := r.sendDB(dbCmd{kind: cmdGetData, tree: tree, key: key})
	return rep.value, rep.found, rep.err
}

// Remove routes a write-style engine call through the DbWorker.
func (r *Router) Remove(tree string, key []byte) error {
	rep := r.sendDB(dbCmd{kind: cmdRemove, tree: tree, key: key})
	return rep.err
}

// ContainsKey routes a read through the DbWorker.
func (r *Router) ContainsKey(tree string, key []byte) (bool, error) {
	rep := r.sendDB(dbCmd{kind: cmdContainsKey, tree: tree, key: key})
	return rep.found, rep.err
}

// ScanPrefix routes a prefix scan through the DbWorker. fn is invoked on
// the DbWorker's goroutine, never the caller's — callers must not issue
// further Router calls from within fn, which would deadlock waiting on a
// worker that is busy calling them back.
func (r *Router) ScanPrefix(tree string, prefix []byte, fn ScanFunc) error {
	rep := r.sendDB(dbCmd{kind: cmdScanPrefix, tree: tree, prefix: prefix, scanFn: fn})
	return rep.err
}

// Len routes a read through the DbWorker.
func (r *Router) Len(tree string) (int, error) {
	rep := r.sendDB(dbCmd{kind: cmdLen, tree: tree})
	return rep.n, rep.err
}

// IsEmpty routes a read through the DbWorker.
func (r *Router) IsEmpty(tree string) (bool, error) {
	rep := r.sendDB(dbCmd{kind: cmdIsEmpty, tree: tree})
	return rep.found, rep.err
}

// First routes a read through the DbWorker.
func (r *Router) First(tree string) ([]byte, []byte, bool, error) {
	rep := r.sendDB(dbCmd{kind: cmdFirst, tree: tree})
	return rep.value, rep.key2, rep.found, rep.err
}

// Last routes a read through the DbWorker.
func (r *Router) Last(tree string) ([]byte, []byte, bool, error) {
	rep := r.sendDB(dbCmd{kind: cmdLast, tree: tree})
	return rep.value, rep.key2, rep.found, rep.err
}

// Clear routes a write-style engine call through the DbWorker.
func (r *Router) Clear(tree string) error {
	rep := r.sendDB(dbCmd{kind: cmdClear, tree: tree})
	return rep.err
}
