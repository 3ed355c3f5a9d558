package flush

import (
	"sync"
	"sync/atomic"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"

	"github.com/melangedb/melange/internal/epoch"
)

// ControllerConfig names the adaptive knobs spec §4.6 recognizes.
type ControllerConfig struct {
	BaseIntervalMs            int64
	MinIntervalMs             int64
	MaxIntervalMs             int64
	WriteRateThreshold        float64 // ops/s; above this, shorten the interval
	AccumulatedBytesThreshold int64
}

// DefaultControllerConfig matches the canonical values spec §6's options
// table names for smart_flush.*.
func DefaultControllerConfig() ControllerConfig {
	return ControllerConfig{
		BaseIntervalMs:            1000,
		MinIntervalMs:             50,
		MaxIntervalMs:             10_000,
		WriteRateThreshold:        1000,
		AccumulatedBytesThreshold: 4 << 20,
	}
}

// Controller is SmartFlush (spec §4.6): a background driver that calls
// [epoch.Tracker.Advance] and [Pipeline.Flush] at an interval that shortens
// under write pressure and lengthens under light load, rather than on a
// fixed period. One Controller drives every tree's pipeline in a database,
// since a single shared tracker's epoch boundary spans all of them.
type Controller struct {
	cfg     ControllerConfig
	tracker *epoch.Tracker

	pipelinesMu sync.RWMutex
	pipelines   []*Pipeline

	// writeRate smooths ops/s over a 10-sample window (roughly the last 10
	// wake intervals), the signal spec §4.6 calls "current write rate".
	writeRate *movingaverage.MovingAverage

	mu              sync.Mutex
	accBytes        int64
	lastFlush       time.Time
	writesSinceTick int64

	stop    chan struct{}
	stopped chan struct{}
	running atomic.Bool
}

// NewController returns a Controller driving the flushes of every pipeline
// in pipelines through the shared tracker. Call [Controller.Start] to begin
// the background loop.
func NewController(cfg ControllerConfig, tracker *epoch.Tracker, pipelines ...*Pipeline) *Controller {
	return &Controller{
		cfg:       cfg,
		tracker:   tracker,
		pipelines: append([]*Pipeline(nil), pipelines...),
		writeRate: movingaverage.New(10),
		lastFlush: time.Time{},
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// AddPipeline registers another tree's pipeline with an already-constructed
// Controller, for a tree created after the database was opened.
func (c *Controller) AddPipeline(p *Pipeline) {
	c.pipelinesMu.Lock()
	defer c.pipelinesMu.Unlock()

	c.pipelines = append(c.pipelines, p)
}

func (c *Controller) snapshotPipelines() []*Pipeline {
	c.pipelinesMu.RLock()
	defer c.pipelinesMu.RUnlock()

	return append([]*Pipeline(nil), c.pipelines...)
}

// RecordWrite tells the controller that n bytes were just mutated, feeding
// both the accumulated-bytes threshold and the write-rate EMA. Callers are
// the root package's DB.Insert/InsertBatch/Remove and Tree.Batch, after the
// tree mutation returns.
func (c *Controller) RecordWrite(n int) {
	c.mu.Lock()
	c.accBytes += int64(n)
	c.writesSinceTick++
	c.mu.Unlock()
}

// Start launches the background tick loop; it returns immediately. Safe to
// call at most once per Controller.
func (c *Controller) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}

	go c.loop()
}

// Stop halts the background loop and blocks until it has exited.
func (c *Controller) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}

	close(c.stop)
	<-c.stopped
}

func (c *Controller) loop() {
	defer close(c.stopped)

	interval := time.Duration(c.cfg.BaseIntervalMs) * time.Millisecond
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-timer.C:
			interval = c.tick(interval)
			timer.Reset(interval)
		}
	}
}

// tick runs one policy evaluation and, if warranted, a flush; it returns the
// interval to wait before the next tick.
func (c *Controller) tick(prevInterval time.Duration) time.Duration {
	c.mu.Lock()
	bytes := c.accBytes
	writes := c.writesSinceTick
	elapsed := time.Since(c.lastFlush)
	c.writesSinceTick = 0
	c.mu.Unlock()

	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = float64(prevInterval) / float64(time.Second)
	}

	c.writeRate.Add(float64(writes) / secs)
	rate := c.writeRate.Avg()

	shouldFlush := bytes >= c.cfg.AccumulatedBytesThreshold || elapsed >= time.Duration(c.cfg.BaseIntervalMs)*time.Millisecond

	if shouldFlush {
		c.flushNow(bytes)
	}

	next := time.Duration(c.cfg.BaseIntervalMs) * time.Millisecond
	if rate > c.cfg.WriteRateThreshold {
		next = time.Duration(c.cfg.MinIntervalMs) * time.Millisecond
	} else if rate < c.cfg.WriteRateThreshold/10 {
		next = time.Duration(c.cfg.MaxIntervalMs) * time.Millisecond
	}

	lo := time.Duration(c.cfg.MinIntervalMs) * time.Millisecond
	hi := time.Duration(c.cfg.MaxIntervalMs) * time.Millisecond

	return min(max(next, lo), hi)
}

func (c *Controller) flushNow(consumedBytes int64) {
	closed := c.tracker.Advance()

	failed := false

	for _, p := range c.snapshotPipelines() {
		if err := p.Flush(closed); err != nil {
			// That pipeline has already marked itself poisoned; there is
			// nothing further the background driver can do for it, but
			// sibling trees' pipelines still get their turn.
			failed = true
		}
	}

	if failed {
		return
	}

	c.mu.Lock()
	c.accBytes -= consumedBytes
	c.lastFlush = time.Now()
	c.mu.Unlock()
}

// FlushNow forces an immediate synchronous flush of every registered
// pipeline, the body behind the public explicit flush() operation named in
// spec §4.4's Advance note. Returns the first error encountered, after
// still attempting every pipeline.
func (c *Controller) FlushNow() error {
	closed := c.tracker.Advance()

	var firstErr error

	for _, p := range c.snapshotPipelines() {
		if err := p.Flush(closed); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
