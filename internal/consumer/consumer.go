// Package consumer runs per-worker task lists against a private window of
// the shared sample stream.
package consumer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rjboer/GoInspect/internal/logging"
	"github.com/rjboer/GoInspect/internal/mq"
	"github.com/rjboer/GoInspect/internal/stream"
)

var (
	// ErrAdvanceOverrun marks an Advance past the asserted window.
	ErrAdvanceOverrun = errors.New("consumer: advance past asserted samples")
	// ErrStopped is returned when registering on a consumer that has exited.
	ErrStopped = errors.New("consumer: stopped")
	// ErrBufferFull is logged when a task stalls a full buffer and is dropped.
	ErrBufferFull = errors.New("consumer: buffer limit reached")
	// ErrUnknownTask is returned by RemoveTask for tasks it does not own.
	ErrUnknownTask = errors.New("consumer: task not registered here")
)

// Config bounds the consumer buffer.
type Config struct {
	// ReadSize is the most samples pulled from the stream per cycle.
	ReadSize int
	// BufferMax is the most samples held for tasks that lag behind.
	BufferMax int
}

const (
	defaultReadSize  = 4096
	defaultBufferMax = 1 << 16
)

func (c Config) withDefaults() Config {
	if c.ReadSize <= 0 {
		c.ReadSize = defaultReadSize
	}
	if c.BufferMax <= 0 {
		c.BufferMax = defaultBufferMax
	}
	if c.BufferMax < c.ReadSize {
		c.BufferMax = c.ReadSize
	}
	return c
}

// Consumer owns a stream port, a reusable sample buffer and an ordered task
// list. All tasks run on the consumer's own goroutine, once per cycle, in
// registration order. Every task sees the same buffered samples from its own
// cursor; the buffer only drops samples every task has consumed.
type Consumer struct {
	id     int
	cfg    Config
	port   *stream.Port
	out    *mq.Queue
	logger logging.Logger

	mu       sync.Mutex
	adds     []*Task
	removes  map[*Task]struct{}
	nextID   uint64
	started  bool
	stopped  bool
	draining bool
	cancel   context.CancelFunc

	kick    chan struct{}
	done    chan struct{}
	pending atomic.Int64
	cycles  atomic.Uint64

	// worker goroutine only
	tasks    []*Task
	buf      []complex64
	bufStart uint64
	bufLen   int
}

// New builds a consumer reading from port and reporting to out.
func New(id int, port *stream.Port, out *mq.Queue, cfg Config, logger logging.Logger) *Consumer {
	if logger == nil {
		logger = logging.Default()
	}
	cfg = cfg.withDefaults()
	return &Consumer{
		id:      id,
		cfg:     cfg,
		port:    port,
		out:     out,
		logger:  logger.With(logging.F("subsystem", "consumer"), logging.F("consumer", id)),
		removes: make(map[*Task]struct{}),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		buf:     make([]complex64, cfg.ReadSize),
	}
}

// ID returns the consumer index in its pool.
func (c *Consumer) ID() int { return c.id }

// Start launches the worker goroutine. It stops when ctx ends, on Stop, or
// once a drained stream runs dry.
func (c *Consumer) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	if len(c.adds) == 0 {
		c.port.SetIdle(true)
	}
	go c.run(ctx)
}

// PushTask appends fn to the task list. onRemoved, if set, runs on the
// worker goroutine once the task is gone and no callback of it is running.
func (c *Consumer) PushTask(fn Func, onRemoved func()) (*Task, error) {
	if fn == nil {
		return nil, errors.New("consumer: nil task func")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, ErrStopped
	}
	c.nextID++
	t := &Task{id: c.nextID, fn: fn, onRemoved: onRemoved, consumer: c}
	t.state.consumer = c
	c.port.Activate()
	c.adds = append(c.adds, t)
	c.pending.Add(1)
	c.signal()
	return t, nil
}

// RemoveTask schedules t for removal. It takes effect at the next cycle
// boundary, never while t's callback runs. Safe from any goroutine.
func (c *Consumer) RemoveTask(t *Task) error {
	if t == nil || t.consumer != c {
		return ErrUnknownTask
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.removes[t]; dup {
		return ErrUnknownTask
	}
	c.removes[t] = struct{}{}
	c.signal()
	return nil
}

// Pending returns the number of registered tasks, used to balance load.
func (c *Consumer) Pending() int { return int(c.pending.Load()) }

// Cycles returns how many task cycles have completed.
func (c *Consumer) Cycles() uint64 { return c.cycles.Load() }

// Stop ends the worker after the cycle in flight. Remaining tasks are
// removed and their onRemoved hooks run before Done closes.
func (c *Consumer) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
	if !c.started && !c.stopped {
		c.stopped = true
		close(c.done)
	}
}

// Drain lets the worker finish every sample left in a finished stream and
// then exit. An idle worker exits right away.
func (c *Consumer) Drain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draining = true
	c.signal()
}

// Done is closed once the worker goroutine has exited.
func (c *Consumer) Done() <-chan struct{} { return c.done }

func (c *Consumer) signal() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Consumer) isDraining() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draining
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)
	defer c.shutdown()

	for {
		c.applyPending()
		if ctx.Err() != nil {
			return
		}
		if len(c.tasks) == 0 {
			if c.isDraining() {
				return
			}
			select {
			case <-c.kick:
			case <-ctx.Done():
				return
			}
			continue
		}

		n, err := c.fill(ctx)
		if err != nil && ctx.Err() != nil {
			return
		}
		if err != nil {
			// End of stream: finish what is buffered, then leave.
			if !errors.Is(err, stream.ErrPortClosed) {
				c.logger.Debug("stream ended", logging.F("reason", err))
			}
			for c.unread() && c.runCycle() {
				c.applyPending()
			}
			return
		}
		if n == 0 && !c.unread() {
			continue
		}
		c.runCycle()
	}
}

// fill pulls up to ReadSize new samples into the buffer, blocking until at
// least one is available or a kick arrives.
func (c *Consumer) fill(ctx context.Context) (int, error) {
	if c.bufLen >= c.cfg.BufferMax {
		return 0, nil
	}
	if _, err := c.port.Wait(ctx, c.kick); err != nil {
		return 0, err
	}
	total := 0
	for total < c.cfg.ReadSize && c.bufLen < c.cfg.BufferMax {
		c.grow(min(c.cfg.ReadSize-total, c.cfg.BufferMax-c.bufLen))
		want := min(c.cfg.ReadSize-total, len(c.buf)-c.bufLen)
		n := c.port.Read(c.buf[c.bufLen : c.bufLen+want])
		if n == 0 {
			break
		}
		c.bufLen += n
		total += n
	}
	return total, nil
}

func (c *Consumer) grow(extra int) {
	need := c.bufLen + extra
	if need <= len(c.buf) {
		return
	}
	size := len(c.buf)
	for size < need {
		size <<= 1
	}
	if size > c.cfg.BufferMax {
		size = c.cfg.BufferMax
	}
	grown := make([]complex64, size)
	copy(grown, c.buf[:c.bufLen])
	c.buf = grown
}

// unread reports whether some live task has buffered samples left.
func (c *Consumer) unread() bool {
	end := c.bufStart + uint64(c.bufLen)
	for _, t := range c.tasks {
		if !t.removed && t.state.readPos < end {
			return true
		}
	}
	return false
}

// runCycle runs every live task once and compacts the buffer. It reports
// whether any task consumed samples.
func (c *Consumer) runCycle() bool {
	before := c.bufStart
	var consumed bool
	for _, t := range c.tasks {
		if t.removed || c.removalRequested(t) {
			continue
		}
		pos := t.state.readPos
		t.state.asserted = 0
		if !t.fn(c.out, &t.state) {
			t.removed = true
		}
		if t.state.readPos != pos {
			consumed = true
		}
	}
	c.compact()
	c.cycles.Add(1)

	if c.bufLen >= c.cfg.BufferMax && c.bufStart == before {
		for _, t := range c.tasks {
			if !t.removed && t.state.readPos == c.bufStart {
				c.logger.Warn("dropping stalled task", logging.F("task", t.id), logging.F("reason", ErrBufferFull))
				t.removed = true
			}
		}
		c.compact()
	}
	return consumed
}

func (c *Consumer) removalRequested(t *Task) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.removes[t]
	return ok
}

// compact drops buffered samples every live task has consumed.
func (c *Consumer) compact() {
	end := c.bufStart + uint64(c.bufLen)
	low := end
	for _, t := range c.tasks {
		if !t.removed && t.state.readPos < low {
			low = t.state.readPos
		}
	}
	drop := int(low - c.bufStart)
	if drop == 0 {
		return
	}
	copy(c.buf, c.buf[drop:c.bufLen])
	c.bufLen -= drop
	c.bufStart = low
}

// applyPending is the cycle boundary: scheduled removals and additions
// take effect here.
func (c *Consumer) applyPending() {
	c.mu.Lock()
	adds := c.adds
	c.adds = nil
	for t := range c.removes {
		t.removed = true
		delete(c.removes, t)
	}
	c.mu.Unlock()

	kept := c.tasks[:0]
	var gone []*Task
	for _, t := range c.tasks {
		if t.removed {
			gone = append(gone, t)
			continue
		}
		kept = append(kept, t)
	}
	for i := len(kept); i < len(c.tasks); i++ {
		c.tasks[i] = nil
	}
	c.tasks = kept

	if len(c.tasks) == 0 {
		c.bufStart = c.port.Pos()
		c.bufLen = 0
	}
	end := c.bufStart + uint64(c.bufLen)
	for _, t := range adds {
		if t.removed {
			gone = append(gone, t)
			continue
		}
		t.state.readPos = end
		c.tasks = append(c.tasks, t)
		c.logger.Debug("task registered", logging.F("task", t.id))
	}
	if len(c.tasks) == 0 {
		c.park()
	}
	c.compact()

	for _, t := range gone {
		c.finish(t)
	}
}

// park stops the port from holding the writer back, unless a PushTask
// slipped in after the pending lists were taken.
func (c *Consumer) park() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.adds) == 0 {
		c.port.SetIdle(true)
	}
}

func (c *Consumer) finish(t *Task) {
	c.pending.Add(-1)
	c.logger.Debug("task removed", logging.F("task", t.id))
	if t.onRemoved != nil {
		t.onRemoved()
	}
}

func (c *Consumer) shutdown() {
	c.mu.Lock()
	c.stopped = true
	adds := c.adds
	c.adds = nil
	for t := range c.removes {
		delete(c.removes, t)
	}
	c.mu.Unlock()

	for _, t := range c.tasks {
		c.finish(t)
	}
	for _, t := range adds {
		c.finish(t)
	}
	c.tasks = nil
	c.port.Close()
}
