package consumer

import (
	"fmt"

	"github.com/rjboer/GoInspect/internal/mq"
)

// Func is the per-cycle callback of a task. It is called on the owning
// consumer's goroutine with the outbound queue and the task's cursor state.
// Returning false asks the consumer to drop the task at the cycle boundary.
// Any private context is captured by the closure.
type Func func(out *mq.Queue, st *TaskState) bool

// Task is one registered callback on a consumer.
type Task struct {
	id        uint64
	fn        Func
	onRemoved func()
	consumer  *Consumer
	state     TaskState
	removed   bool // worker goroutine only
}

// ID returns the consumer-local task id.
func (t *Task) ID() uint64 { return t.id }

// Consumer returns the consumer the task is registered with.
func (t *Task) Consumer() *Consumer { return t.consumer }

// TaskState is a task's cursor into its consumer's sample buffer. Positions
// are absolute stream positions, so a task that consumed only part of a
// window resumes at the same sample on the next cycle.
type TaskState struct {
	consumer *Consumer
	readPos  uint64
	asserted int
}

// ReadPos returns the absolute position of the next unread sample.
func (s *TaskState) ReadPos() uint64 { return s.readPos }

// AssertSamples returns the unread window visible to this task: every
// buffered sample from its cursor up to what the consumer has pulled from
// the stream. The slice aliases the consumer buffer and is only valid until
// the callback returns.
func (s *TaskState) AssertSamples() []complex64 {
	c := s.consumer
	from := int(s.readPos - c.bufStart)
	window := c.buf[from:c.bufLen]
	s.asserted = len(window)
	return window
}

// Advance commits n samples of the last asserted window as consumed.
// Advancing past that window is a caller bug and is rejected without
// touching the cursor.
func (s *TaskState) Advance(n int) error {
	if n < 0 || n > s.asserted {
		return fmt.Errorf("%w: advance %d, asserted %d", ErrAdvanceOverrun, n, s.asserted)
	}
	s.readPos += uint64(n)
	s.asserted -= n
	return nil
}
