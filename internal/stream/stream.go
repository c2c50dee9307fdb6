// Package stream holds the shared sample ring between the source reader and
// the consumer workers. The writer side is the master port; every consumer
// owns a Port, an independent cursor into the same sequence of samples.
package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

var (
	// ErrFinished is returned by Write after Finish.
	ErrFinished = errors.New("stream: finished")
	// ErrPortClosed is returned by operations on a closed port.
	ErrPortClosed = errors.New("stream: port closed")
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 1 << 16

// Stream is a bounded ring of complex samples with one writer and any number
// of ports. The writer never overwrites a sample an active port has not read
// yet, so ports see every sample in write order. Positions are absolute
// sample counts since the stream was created.
type Stream struct {
	mu    sync.Mutex
	buf   []complex64
	mask  uint64
	head  uint64
	done  bool
	err   error
	ports map[*Port]struct{}
	wake  chan struct{}
}

// New builds a stream whose capacity is rounded up to a power of two.
func New(capacity int) *Stream {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	size := 1
	for size < capacity {
		size <<= 1
	}
	return &Stream{
		buf:   make([]complex64, size),
		mask:  uint64(size - 1),
		ports: make(map[*Port]struct{}),
		wake:  make(chan struct{}),
	}
}

// Capacity returns the ring size in samples.
func (s *Stream) Capacity() int { return len(s.buf) }

// Head returns the absolute position one past the last written sample.
func (s *Stream) Head() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

// Write appends samples, blocking while the slowest active port is a full
// ring behind. It returns early with ctx.Err() if ctx ends; samples written
// before that stay written.
func (s *Stream) Write(ctx context.Context, samples []complex64) error {
	for len(samples) > 0 {
		s.mu.Lock()
		if s.done {
			s.mu.Unlock()
			return ErrFinished
		}
		space := s.spaceLocked()
		if space == 0 {
			wake := s.wake
			s.mu.Unlock()
			select {
			case <-wake:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		n := len(samples)
		if n > space {
			n = space
		}
		s.copyInLocked(samples[:n])
		s.head += uint64(n)
		s.signalLocked()
		s.mu.Unlock()
		samples = samples[n:]
	}
	return nil
}

// Finish marks the end of the stream. Ports drain what is left and then get
// err, or io.EOF when err is nil. Only the first call has an effect.
func (s *Stream) Finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	if err == nil {
		err = io.EOF
	}
	s.done = true
	s.err = err
	s.signalLocked()
}

// Finished reports whether Finish has been called.
func (s *Stream) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// NewPort opens a cursor positioned at the current head.
func (s *Stream) NewPort() *Port {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &Port{s: s, pos: s.head}
	s.ports[p] = struct{}{}
	return p
}

// spaceLocked is the number of samples the writer may add without
// overwriting unread data of an active port.
func (s *Stream) spaceLocked() int {
	oldest := s.head
	for p := range s.ports {
		if p.idle {
			continue
		}
		if p.pos < oldest {
			oldest = p.pos
		}
	}
	return len(s.buf) - int(s.head-oldest)
}

func (s *Stream) copyInLocked(samples []complex64) {
	start := int(s.head & s.mask)
	n := copy(s.buf[start:], samples)
	copy(s.buf, samples[n:])
}

func (s *Stream) signalLocked() {
	close(s.wake)
	s.wake = make(chan struct{})
}

// Port is a read cursor into a Stream. A Port must be used by a single
// goroutine; the stream itself may be written concurrently.
type Port struct {
	s      *Stream
	pos    uint64
	idle   bool
	closed bool
}

// Pos returns the absolute position of the next sample this port reads.
func (p *Port) Pos() uint64 {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.pos
}

// Available returns how many samples can be read right now.
func (p *Port) Available() int {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	p.clampLocked()
	return int(p.s.head - p.pos)
}

// Wait blocks until at least one sample is readable and returns the count.
// It returns (0, nil) when interrupt fires, the end-of-stream error once
// the port has drained a finished stream, or ctx.Err().
func (p *Port) Wait(ctx context.Context, interrupt <-chan struct{}) (int, error) {
	for {
		p.s.mu.Lock()
		if p.closed {
			p.s.mu.Unlock()
			return 0, ErrPortClosed
		}
		p.clampLocked()
		if avail := int(p.s.head - p.pos); avail > 0 {
			p.s.mu.Unlock()
			return avail, nil
		}
		if p.s.done {
			err := p.s.err
			p.s.mu.Unlock()
			return 0, err
		}
		wake := p.s.wake
		p.s.mu.Unlock()

		select {
		case <-wake:
		case <-interrupt:
			return 0, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Read copies the longest contiguous run of unread samples that fits in dst
// and advances the cursor past them. It never blocks and never returns
// samples the writer has not produced.
func (p *Port) Read(dst []complex64) int {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if p.closed {
		return 0
	}
	p.clampLocked()
	avail := int(p.s.head - p.pos)
	start := int(p.pos & p.s.mask)
	run := len(p.s.buf) - start
	if run > avail {
		run = avail
	}
	n := copy(dst, p.s.buf[start:start+run])
	if n > 0 {
		p.pos += uint64(n)
		p.s.signalLocked()
	}
	return n
}

// SetIdle toggles whether this port holds the writer back. An idle port
// does not count for backpressure; when it becomes active again its cursor
// skips whatever the writer has overwritten in the meantime.
func (p *Port) SetIdle(idle bool) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if p.idle == idle {
		return
	}
	p.idle = idle
	p.clampLocked()
	p.s.signalLocked()
}

// Activate marks an idle port active and moves its cursor to the current
// head, so the owner starts from fresh samples. It is a no-op on an active
// port.
func (p *Port) Activate() {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if !p.idle {
		return
	}
	p.idle = false
	p.pos = p.s.head
	p.s.signalLocked()
}

// Idle reports the idle flag.
func (p *Port) Idle() bool {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	return p.idle
}

// Close detaches the port from its stream.
func (p *Port) Close() {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	delete(p.s.ports, p)
	p.s.signalLocked()
}

func (p *Port) clampLocked() {
	if oldest := p.s.head - min(p.s.head, uint64(len(p.s.buf))); p.pos < oldest {
		p.pos = oldest
	}
}
