// Package analyzer coordinates one analysis session: it owns the source,
// the shared sample stream, the consumer pool and the inspectors, and
// speaks the control protocol over a pair of message queues.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rjboer/GoInspect/internal/consumer"
	"github.com/rjboer/GoInspect/internal/inspector"
	"github.com/rjboer/GoInspect/internal/logging"
	"github.com/rjboer/GoInspect/internal/mq"
	"github.com/rjboer/GoInspect/internal/source"
	"github.com/rjboer/GoInspect/internal/stream"
)

var (
	ErrUnknownHandle  = errors.New("analyzer: unknown inspector handle")
	ErrAlreadyHalted  = errors.New("analyzer: inspector already closing")
	ErrNotRunning     = errors.New("analyzer: not running")
	ErrAlreadyStarted = errors.New("analyzer: already started")
	ErrInvalidChannel = inspector.ErrInvalidChannel
	ErrInvalidParams  = inspector.ErrInvalidParams
	// ErrHalted ends the stream when the session is stopped on request.
	ErrHalted = errors.New("analyzer: halted")
)

type slot struct {
	insp     *inspector.Inspector
	task     *consumer.Task
	worker   int
	closeReq *InspectorMsg
}

// Analyzer is one analysis session.
type Analyzer struct {
	cfg    Config
	src    source.Source
	out    *mq.Queue
	in     *mq.Queue
	stream *stream.Stream
	logger logging.Logger
	id     uuid.UUID

	mu        sync.Mutex
	consumers []*consumer.Consumer
	next      int
	closed    bool

	// analyzer goroutine only
	slots []*slot

	started  atomic.Bool
	haltReq  atomic.Bool
	samples  atomic.Uint64
	cancel   context.CancelFunc
	stopRead context.CancelFunc
	done     chan struct{}
	readDone chan struct{}
}

// New validates cfg and prepares a session reading from src and reporting
// to out. The analyzer owns src from here on and closes it on teardown.
func New(cfg Config, src source.Source, out *mq.Queue, logger logging.Logger) (*Analyzer, error) {
	if src == nil {
		return nil, errors.New("analyzer: nil source")
	}
	if out == nil {
		return nil, errors.New("analyzer: nil outbound queue")
	}
	if src.SampleRate() <= 0 {
		return nil, fmt.Errorf("analyzer: source sample rate %v", src.SampleRate())
	}
	cfg, err := validateConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("analyzer: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}
	id := uuid.New()
	return &Analyzer{
		cfg:      cfg,
		src:      src,
		out:      out,
		in:       mq.New(),
		stream:   stream.New(cfg.StreamCapacity),
		logger:   logger.With(logging.F("subsystem", "analyzer"), logging.F("session", id.String())),
		id:       id,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}, nil
}

// ID returns the session id.
func (a *Analyzer) ID() uuid.UUID { return a.id }

// Config returns the validated configuration.
func (a *Analyzer) Config() Config { return a.cfg }

// Source returns the sample source.
func (a *Analyzer) Source() source.Source { return a.src }

// Samples returns how many samples the source reader has published.
func (a *Analyzer) Samples() uint64 { return a.samples.Load() }

// Start launches the source reader and the control loop. Cancelling ctx
// has the same effect as ReqHalt.
func (a *Analyzer) Start(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	ctx, a.cancel = context.WithCancel(ctx)
	readCtx, stopRead := context.WithCancel(ctx)
	a.stopRead = stopRead

	a.logger.Info("analyzer started",
		logging.F("sample_rate", a.src.SampleRate()),
		logging.F("center_freq", a.src.CenterFrequency()),
		logging.F("real_time", a.src.RealTime()),
		logging.F("workers", a.cfg.Workers))
	go a.readSource(readCtx)
	go a.run(ctx)
	return nil
}

// Done is closed after the analyzer has emitted its halted message.
func (a *Analyzer) Done() <-chan struct{} { return a.done }

// Wait blocks until the analyzer has stopped or ctx ends.
func (a *Analyzer) Wait(ctx context.Context) error {
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReqHalt asks the control loop to stop after in-flight work. Idempotent.
func (a *Analyzer) ReqHalt() {
	if !a.haltReq.CompareAndSwap(false, true) {
		return
	}
	if err := a.in.Push(MsgTypeHalt, nil); err != nil {
		a.logger.Debug("halt request after teardown", logging.F("err", err))
	}
}

// Destroy halts the analyzer and waits for it. An analyzer that was never
// started only releases its source.
func (a *Analyzer) Destroy() {
	if a.started.CompareAndSwap(false, true) {
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		a.in.Close()
		a.in.Drain(DisposeMessage)
		if err := a.src.Close(); err != nil {
			a.logger.Warn("source close failed", logging.F("err", err))
		}
		close(a.done)
		return
	}
	a.ReqHalt()
	<-a.done
}

// Write pushes a raw message onto the inbound queue.
func (a *Analyzer) Write(typ mq.Type, payload any) error {
	if err := a.in.Push(typ, payload); err != nil {
		return ErrNotRunning
	}
	return nil
}

// Read pops the next outbound message.
func (a *Analyzer) Read(ctx context.Context) (mq.Message, error) {
	return a.out.Pop(ctx)
}

// PushTask registers fn with the next consumer in round-robin order. The
// cursor only moves when registration succeeds.
func (a *Analyzer) PushTask(fn consumer.Func, onRemoved func()) (*consumer.Task, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || !a.started.Load() {
		return nil, ErrNotRunning
	}
	idx := a.next
	for len(a.consumers) <= idx {
		i := len(a.consumers)
		c := consumer.New(i, a.stream.NewPort(), a.out, consumer.Config{
			ReadSize:  a.cfg.ReadSize,
			BufferMax: a.cfg.ConsumerBufferMax,
		}, a.logger)
		// the pool lives until teardown, not until a caller's context ends
		c.Start(context.Background())
		a.consumers = append(a.consumers, c)
	}
	t, err := a.consumers[idx].PushTask(fn, onRemoved)
	if err != nil {
		return nil, fmt.Errorf("analyzer: consumer %d: %w", idx, err)
	}
	a.next = (a.next + 1) % a.cfg.Workers
	return t, nil
}

// call pushes req and waits for its reply.
func (a *Analyzer) call(ctx context.Context, req *InspectorMsg) (*InspectorMsg, error) {
	req.reply = make(chan *InspectorMsg, 1)
	if err := a.in.Push(MsgTypeInspector, req); err != nil {
		return nil, ErrNotRunning
	}
	select {
	case resp := <-req.reply:
		return resp, resp.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Analyzer) send(req *InspectorMsg) error {
	if err := a.in.Push(MsgTypeInspector, req); err != nil {
		return ErrNotRunning
	}
	return nil
}

// OpenInspector opens an inspector on ch and returns its handle.
func (a *Analyzer) OpenInspector(ctx context.Context, ch inspector.Channel) (int, error) {
	resp, err := a.call(ctx, &InspectorMsg{Kind: KindOpen, Channel: ch})
	if err != nil {
		return -1, err
	}
	return resp.Handle, nil
}

// OpenInspectorAsync queues an open request; the reply arrives on the
// outbound queue tagged with reqID.
func (a *Analyzer) OpenInspectorAsync(ch inspector.Channel, reqID uint32) error {
	return a.send(&InspectorMsg{Kind: KindOpen, ReqID: reqID, Channel: ch})
}

// CloseInspector closes handle and waits until its inspector is halted.
func (a *Analyzer) CloseInspector(ctx context.Context, handle int) error {
	_, err := a.call(ctx, &InspectorMsg{Kind: KindClose, Handle: handle})
	return err
}

// CloseInspectorAsync queues a close request.
func (a *Analyzer) CloseInspectorAsync(handle int, reqID uint32) error {
	return a.send(&InspectorMsg{Kind: KindClose, ReqID: reqID, Handle: handle})
}

// InspectorInfo returns the current baud estimates of handle.
func (a *Analyzer) InspectorInfo(ctx context.Context, handle int) (inspector.BaudResult, error) {
	resp, err := a.call(ctx, &InspectorMsg{Kind: KindGetInfo, Handle: handle})
	if err != nil {
		return inspector.BaudResult{}, err
	}
	return resp.Baud, nil
}

// InspectorInfoAsync queues a get-info request.
func (a *Analyzer) InspectorInfoAsync(handle int, reqID uint32) error {
	return a.send(&InspectorMsg{Kind: KindGetInfo, ReqID: reqID, Handle: handle})
}

// SetParams replaces the parameters of handle.
func (a *Analyzer) SetParams(ctx context.Context, handle int, p inspector.Params) error {
	_, err := a.call(ctx, &InspectorMsg{Kind: KindSetParams, Handle: handle, Params: p})
	return err
}

// SetParamsAsync queues a set-params request.
func (a *Analyzer) SetParamsAsync(handle int, p inspector.Params, reqID uint32) error {
	return a.send(&InspectorMsg{Kind: KindSetParams, ReqID: reqID, Handle: handle, Params: p})
}

// run is the control loop.
func (a *Analyzer) run(ctx context.Context) {
	defer close(a.done)
	for {
		msg, err := a.in.Pop(ctx)
		if err != nil {
			a.teardown(nil, false)
			return
		}
		switch msg.Type {
		case MsgTypeInspector:
			a.handleInspector(msg.Payload.(*InspectorMsg))
		case msgTypeInspectorHalted:
			a.handleHalted(msg.Payload.(int))
		case MsgTypeHalt:
			a.teardown(nil, false)
			return
		case msgTypeSourceEnded:
			a.teardown(msg.Payload.(sourceEnded).err, true)
			return
		default:
			if err := a.out.Push(msg.Type, msg.Payload); err != nil {
				DisposeMessage(msg)
			}
		}
	}
}

func (a *Analyzer) reply(req *InspectorMsg, resp *InspectorMsg) {
	resp.ReqID = req.ReqID
	if req.reply != nil {
		req.reply <- resp
		return
	}
	if err := a.out.Push(MsgTypeInspector, resp); err != nil {
		a.logger.Debug("reply dropped, outbound queue closed", logging.F("kind", resp.Kind))
	}
}

func (a *Analyzer) fail(req *InspectorMsg, kind InspectorKind, err error) {
	a.reply(req, &InspectorMsg{Kind: kind, Handle: req.Handle, Err: err})
}

func (a *Analyzer) lookup(handle int) *slot {
	if handle < 0 || handle >= len(a.slots) {
		return nil
	}
	return a.slots[handle]
}

func (a *Analyzer) handleInspector(req *InspectorMsg) {
	switch req.Kind {
	case KindOpen:
		a.open(req)
	case KindClose:
		a.close(req)
	case KindGetInfo:
		s := a.lookup(req.Handle)
		if s == nil {
			a.fail(req, KindWrongHandle, ErrUnknownHandle)
			return
		}
		a.reply(req, &InspectorMsg{Kind: KindInfo, Handle: req.Handle, Baud: s.insp.BaudInfo(), Lock: s.insp.CarrierLock(), Params: s.insp.Params()})
	case KindSetParams:
		s := a.lookup(req.Handle)
		switch {
		case s == nil:
			a.fail(req, KindWrongHandle, ErrUnknownHandle)
		case s.insp.State() >= inspector.Halting:
			a.fail(req, KindWrongHandle, ErrAlreadyHalted)
		default:
			if err := s.insp.SetParams(req.Params); err != nil {
				a.fail(req, KindInvalidParams, err)
				return
			}
			a.reply(req, &InspectorMsg{Kind: KindParamsSet, Handle: req.Handle, Params: req.Params})
		}
	default:
		a.fail(req, KindWrongHandle, fmt.Errorf("analyzer: unexpected request kind %s", req.Kind))
	}
}

func (a *Analyzer) open(req *InspectorMsg) {
	insp, err := inspector.New(req.Channel, inspector.Config{
		SampleRate:      a.src.SampleRate(),
		DetectorWindow:  a.cfg.DetectorWindow,
		CostasBandwidth: a.cfg.CostasBandwidth,
	})
	if err != nil {
		a.fail(req, KindInvalidChannel, err)
		return
	}

	handle := a.freeSlot()
	s := &slot{insp: insp}
	task, err := a.PushTask(a.inspectorTask(handle, insp), func() {
		insp.MarkHalted()
		if err := a.in.Push(msgTypeInspectorHalted, handle); err != nil {
			a.logger.Debug("halt notice after teardown", logging.F("handle", handle))
		}
	})
	if err != nil {
		a.fail(req, KindHalted, err)
		return
	}
	s.task = task
	s.worker = task.Consumer().ID()
	a.slots[handle] = s
	a.logger.Debug("inspector opened",
		logging.F("handle", handle),
		logging.F("worker", s.worker),
		logging.F("offset", req.Channel.Offset),
		logging.F("bandwidth", req.Channel.Bandwidth))
	// the task idles until Start, so the opened reply precedes any output
	a.reply(req, &InspectorMsg{Kind: KindOpened, Handle: handle, Channel: req.Channel, Worker: s.worker})
	if err := insp.Start(); err != nil {
		a.logger.Warn("inspector start", logging.F("handle", handle), logging.F("err", err))
	}
}

// freeSlot returns the lowest free handle, growing the arena when full.
// Handles are only reused once their inspector is halted and freed.
func (a *Analyzer) freeSlot() int {
	for i, s := range a.slots {
		if s == nil {
			return i
		}
	}
	a.slots = append(a.slots, nil)
	return len(a.slots) - 1
}

func (a *Analyzer) close(req *InspectorMsg) {
	s := a.lookup(req.Handle)
	if s == nil {
		a.fail(req, KindWrongHandle, ErrUnknownHandle)
		return
	}
	if err := s.insp.BeginHalt(); err != nil {
		a.fail(req, KindWrongHandle, ErrAlreadyHalted)
		return
	}
	s.closeReq = req
	if err := s.task.Consumer().RemoveTask(s.task); err != nil {
		a.logger.Warn("task removal", logging.F("handle", req.Handle), logging.F("err", err))
	}
}

// handleHalted frees a slot once its task is gone.
func (a *Analyzer) handleHalted(handle int) {
	s := a.lookup(handle)
	if s == nil {
		return
	}
	a.slots[handle] = nil
	a.logger.Debug("inspector closed", logging.F("handle", handle))
	req := s.closeReq
	if req == nil {
		// dropped by its consumer, not on request
		req = &InspectorMsg{Kind: KindClose, Handle: handle}
	}
	a.reply(req, &InspectorMsg{Kind: KindClosed, Handle: handle})
}

// teardown stops the pipeline. On end of stream consumers drain what was
// produced first; on halt each stops after its current cycle.
func (a *Analyzer) teardown(srcErr error, ended bool) {
	a.mu.Lock()
	a.closed = true
	consumers := append([]*consumer.Consumer(nil), a.consumers...)
	a.mu.Unlock()

	if !ended {
		a.stopRead()
	}
	for _, c := range consumers {
		if ended {
			c.Drain()
		} else {
			c.Stop()
		}
	}
	if !ended {
		a.stream.Finish(ErrHalted)
	}
	for _, c := range consumers {
		<-c.Done()
	}
	a.stopRead()
	<-a.readDone
	if err := a.src.Close(); err != nil {
		a.logger.Warn("source close failed", logging.F("err", err))
	}

	a.in.Close()
	a.in.Drain(func(m mq.Message) {
		if req, ok := m.Payload.(*InspectorMsg); ok && m.Type == MsgTypeInspector {
			a.fail(req, KindHalted, ErrNotRunning)
			return
		}
		DisposeMessage(m)
	})

	reason := "halt requested"
	switch {
	case ended && srcErr != nil:
		reason = srcErr.Error()
		a.logger.Error("source failed", logging.F("err", srcErr))
		a.push(MsgTypeSourceError, &SourceErrorMsg{Err: srcErr})
	case ended:
		reason = "end of stream"
		a.logger.Info("end of stream", logging.F("samples", a.samples.Load()))
		a.push(MsgTypeEOS, &EOSMsg{Samples: a.samples.Load()})
	}

	for handle, s := range a.slots {
		if s == nil {
			continue
		}
		a.slots[handle] = nil
		req := s.closeReq
		if req == nil {
			req = &InspectorMsg{Kind: KindClose, Handle: handle}
		}
		a.reply(req, &InspectorMsg{Kind: KindClosed, Handle: handle})
	}

	a.logger.Info("analyzer halted", logging.F("reason", reason))
	a.push(MsgTypeHalt, &HaltedMsg{Reason: reason})
	a.cancel()
}

func (a *Analyzer) push(typ mq.Type, payload any) {
	if err := a.out.Push(typ, payload); err != nil {
		a.logger.Debug("outbound queue closed", logging.F("type", typ))
	}
}
