package router

import (
	"fmt"
	"math"
)

type counterOp int

const (
	opIncrement counterOp = iota
	opDecrement
	opMultiply
	opDivide
	opPercentage
	opCAS
	opGet
	opReset
	opPreload
	opSeed // internal: bulk-load from recovery, bypasses persist
)

type counterCmd struct {
	op       counterOp
	name     string
	delta    uint64
	factor   float64
	divisor  float64
	pct      float64
	expected uint64
	newValue uint64
	value    uint64
	seed     map[string]uint64
	reply    chan counterReply
}

type counterReply struct {
	value   uint64
	swapped bool
	err     error
}

// dbAccess is the slice of DbWorker the CounterWorker needs: fire-and-forget
// persistence of a counter's new value, and a blocking prefix scan used to
// seed the in-memory map from the persisted reserved-prefix range.
type dbAccess interface {
	persistAsync(name string, value uint64)
	scanCounters() (map[string]uint64, error)
}

// CounterWorker owns the in-memory name → uint64 counter map and the
// arithmetic spec §4.7 names, fully non-blocking with respect to the
// engine: every write-style op posts its new value to the DbWorker's queue
// and returns without waiting for it to land.
type CounterWorker struct {
	db     dbAccess
	cmds   chan counterCmd
	values map[string]uint64
}

// NewCounterWorker returns a CounterWorker posting persistence through db.
// Call [CounterWorker.Run] in its own goroutine before issuing commands.
func NewCounterWorker(db dbAccess) *CounterWorker {
	return &CounterWorker{db: db, cmds: make(chan counterCmd), values: make(map[string]uint64)}
}

// Run drains cmds until it is closed; the caller starts it with `go w.Run()`.
func (w *CounterWorker) Run() {
	for cmd := range w.cmds {
		w.handle(cmd)
	}
}

// Close stops the worker's goroutine once its queue drains.
func (w *CounterWorker) Close() {
	close(w.cmds)
}

func (w *CounterWorker) handle(cmd counterCmd) {
	switch cmd.op {
	case opIncrement:
		w.values[cmd.name] += cmd.delta
		w.persistAndReply(cmd)
	case opDecrement:
		cur := w.values[cmd.name]
		if cmd.delta > cur {
			cur = 0
		} else {
			cur -= cmd.delta
		}
		w.values[cmd.name] = cur
		w.persistAndReply(cmd)
	case opMultiply:
		w.values[cmd.name] = uint64(math.Round(float64(w.values[cmd.name]) * cmd.factor))
		w.persistAndReply(cmd)
	case opDivide:
		if cmd.divisor == 0 {
			cmd.reply <- counterReply{err: fmt.Errorf("router: divide %q by zero", cmd.name)}
			return
		}

		w.values[cmd.name] = uint64(math.Round(float64(w.values[cmd.name]) / cmd.divisor))
		w.persistAndReply(cmd)
	case opPercentage:
		w.values[cmd.name] = uint64(math.Round(float64(w.values[cmd.name]) * cmd.pct / 100))
		w.persistAndReply(cmd)
	case opCAS:
		if w.values[cmd.name] != cmd.expected {
			cmd.reply <- counterReply{value: w.values[cmd.name], swapped: false}
			return
		}

		w.values[cmd.name] = cmd.newValue
		w.db.persistAsync(cmd.name, cmd.newValue)
		cmd.reply <- counterReply{value: cmd.newValue, swapped: true}
	case opGet:
		cmd.reply <- counterReply{value: w.values[cmd.name]}
	case opReset:
		w.values[cmd.name] = cmd.value
		w.persistAndReply(cmd)
	case opPreload:
		seeded, err := w.db.scanCounters()
		if err != nil {
			cmd.reply <- counterReply{err: err}
			return
		}

		for name, v := range seeded {
			w.values[name] = v
		}

		cmd.reply <- counterReply{}
	case opSeed:
		for name, v := range cmd.seed {
			w.values[name] = v
		}

		if cmd.reply != nil {
			cmd.reply <- counterReply{}
		}
	}
}

// persistAndReply posts the counter's new value to the DbWorker and, for
// every write op except CAS (handled inline above), replies with the
// value now held in memory.
func (w *CounterWorker) persistAndReply(cmd counterCmd) {
	v := w.values[cmd.name]
	w.db.persistAsync(cmd.name, v)

	if cmd.reply != nil {
		cmd.reply <- counterReply{value: v}
	}
}
