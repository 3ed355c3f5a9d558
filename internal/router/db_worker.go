package router

import (
	"encoding/binary"
	"fmt"
	"time"

	buffer "github.com/globocom/go-buffer"
)

// countersTree is the reserved tree name the router persists counter state
// into; counterKeyPrefix is the reserved key prefix within it, scanned by
// preload_counters() and [Router.Export] on recovery/introspection.
const (
	countersTree     = "__router_counters__"
	counterKeyPrefix = "c:"
)

func counterKey(name string) []byte {
	return append([]byte(counterKeyPrefix), name...)
}

func encodeCounterValue(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)

	return buf
}

func decodeCounterValue(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("router: malformed counter value (%d bytes)", len(b))
	}

	return binary.LittleEndian.Uint64(b), nil
}

type dbCmdKind int

const (
	cmdInsert dbCmdKind = iota
	cmdGetData
	cmdRemove
	cmdContainsKey
	cmdScanPrefix
	cmdLen
	cmdIsEmpty
	cmdFirst
	cmdLast
	cmdClear
	cmdPersistBatch // internal: flush coalesced counter writes
)

type dbCmd struct {
	kind   dbCmdKind
	tree   string
	key    []byte
	value  []byte
	prefix []byte
	scanFn ScanFunc
	batch  map[string][]byte
	reply  chan dbReply
}

type dbReply struct {
	value []byte
	key2  []byte // second return slot, used by First/Last for the paired value
	found bool
	n     int
	err   error
}

type persistItem struct {
	name  string
	value uint64
}

// DbWorker owns exclusive use of the engine for routed calls (spec §4.7):
// every command, whether a caller's pass-through op or a coalesced batch of
// counter persists, is drained serially from a single channel so the engine
// never sees two router-issued calls in flight at once.
type DbWorker struct {
	engine Engine
	cmds   chan dbCmd
	buf    *buffer.Buffer
}

// NewDbWorker returns a DbWorker whose counter-persist writes are coalesced
// by go-buffer: up to batchSize items, or whatever has accumulated after
// flushInterval, in one [Engine.InsertBatch] call.
func NewDbWorker(engine Engine, batchSize int, flushInterval time.Duration) *DbWorker {
	w := &DbWorker{engine: engine, cmds: make(chan dbCmd)}

	w.buf = buffer.New(
		buffer.WithSize(batchSize),
		buffer.WithFlushInterval(flushInterval),
	)
	w.buf.OnFlush(buffer.FlusherFunc(w.onBufferFlush))

	return w
}

// Run drains cmds until it is closed; the caller starts it with `go w.Run()`.
func (w *DbWorker) Run() {
	for cmd := range w.cmds {
		w.handle(cmd)
	}
}

// Close flushes any buffered counter writes, then stops the worker once its
// queue drains.
func (w *DbWorker) Close() {
	w.buf.Flush()
	close(w.cmds)
}

func (w *DbWorker) handle(cmd dbCmd) {
	switch cmd.kind {
	case cmdInsert:
		err := w.engine.Insert(cmd.tree, cmd.key, cmd.value)
		cmd.reply <- dbReply{err: err}
	case cmdGetData:
		v, found, err := w.engine.GetData(cmd.tree, cmd.key)
		cmd.reply <- dbReply{value: v, found: found, err: err}
	case cmdRemove:
		err := w.engine.Remove(cmd.tree, cmd.key)
		cmd.reply <- dbReply{err: err}
	case cmdContainsKey:
		found, err := w.engine.ContainsKey(cmd.tree, cmd.key)
		cmd.reply <- dbReply{found: found, err: err}
	case cmdScanPrefix:
		err := w.engine.ScanPrefix(cmd.tree, cmd.prefix, cmd.scanFn)
		cmd.reply <- dbReply{err: err}
	case cmdLen:
		n, err := w.engine.Len(cmd.tree)
		cmd.reply <- dbReply{n: n, err: err}
	case cmdIsEmpty:
		empty, err := w.engine.IsEmpty(cmd.tree)
		cmd.reply <- dbReply{found: empty, err: err}
	case cmdFirst:
		k, v, found, err := w.engine.First(cmd.tree)
		cmd.reply <- dbReply{value: k, key2: v, found: found, err: err}
	case cmdLast:
		k, v, found, err := w.engine.Last(cmd.tree)
		cmd.reply <- dbReply{value: k, key2: v, found: found, err: err}
	case cmdClear:
		err := w.engine.Clear(cmd.tree)
		cmd.reply <- dbReply{err: err}
	case cmdPersistBatch:
		err := w.engine.InsertBatch(countersTree, cmd.batch)
		if cmd.reply != nil {
			cmd.reply <- dbReply{err: err}
		}
	}
}

// persistAsync implements [dbAccess]: pushes name's new value onto the
// coalescing buffer without blocking the CounterWorker goroutine that calls
// it. Push errors (buffer full under WithPushTimeout) are not retried; a
// dropped persist only delays when recovery observes the counter's latest
// value, which spec §4.7 already treats as eventually-persisted, not
// synchronously-persisted.
func (w *DbWorker) persistAsync(name string, value uint64) {
	_ = w.buf.Push(persistItem{name: name, value: value})
}

func (w *DbWorker) onBufferFlush(items []interface{}) {
	puts := make(map[string][]byte, len(items))

	for _, it := range items {
		pi, ok := it.(persistItem)
		if !ok {
			continue
		}

		puts[string(counterKey(pi.name))] = encodeCounterValue(pi.value)
	}

	if len(puts) == 0 {
		return
	}

	w.cmds <- dbCmd{kind: cmdPersistBatch, batch: puts}
}

// scanCounters implements [dbAccess]: reads every persisted counter back
// out under the reserved prefix, used by preload_counters() to seed the
// CounterWorker's in-memory map on recovery.
func (w *DbWorker) scanCounters() (map[string]uint64, error) {
	result := make(map[string]uint64)

	var scanErr error

	reply := make(chan dbReply, 1)
	w.cmds <- dbCmd{
		kind:   cmdScanPrefix,
		tree:   countersTree,
		prefix: []byte(counterKeyPrefix),
		scanFn: func(key, value []byte) bool {
			v, err := decodeCounterValue(value)
			if err != nil {
				scanErr = err
				return false
			}

			result[string(key[len(counterKeyPrefix):])] = v

			return true
		},
		reply: reply,
	}

	r := <-reply
	if r.err != nil {
		return nil, r.err
	}

	if scanErr != nil {
		return nil, scanErr
	}

	return result, nil
}
