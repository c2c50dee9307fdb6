package analyzer

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"hz.tools/rf"
	"pgregory.net/rapid"

	"github.com/rjboer/GoInspect/internal/inspector"
	"github.com/rjboer/GoInspect/internal/logging"
	"github.com/rjboer/GoInspect/internal/mq"
	"github.com/rjboer/GoInspect/internal/source"
)

// gatedSource holds back the first read until open is closed, so tests can
// set up inspectors before any sample flows.
type gatedSource struct {
	*source.Mock
	open chan struct{}
	fail error
}

func (g *gatedSource) Read(ctx context.Context, dst []complex64) (int, error) {
	select {
	case <-g.open:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	n, err := g.Mock.Read(ctx, dst)
	if errors.Is(err, io.EOF) && g.fail != nil {
		return n, g.fail
	}
	return n, err
}

func newGated(t *testing.T, limit int) *gatedSource {
	t.Helper()
	m, err := source.NewMock(source.Config{
		SampleRate: 48 * rf.KHz,
		ToneOffset: 1 * rf.KHz,
		Baud:       1200,
		Limit:      limit,
		Seed:       7,
	})
	require.NoError(t, err)
	return &gatedSource{Mock: m, open: make(chan struct{})}
}

func startAnalyzer(t *testing.T, cfg Config, src source.Source) (*Analyzer, *mq.Queue) {
	t.Helper()
	out := mq.New()
	a, err := New(cfg, src, out, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() {
		a.Destroy()
		out.Drain(DisposeMessage)
	})
	return a, out
}

// next pops one outbound message or fails the test after a timeout.
func next(t *testing.T, out *mq.Queue) mq.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg, err := out.Pop(ctx)
	require.NoError(t, err, "no outbound message")
	return msg
}

// until pops messages until match returns true, disposing the rest.
func until(t *testing.T, out *mq.Queue, match func(mq.Message) bool) mq.Message {
	t.Helper()
	for {
		msg := next(t, out)
		if match(msg) {
			return msg
		}
		DisposeMessage(msg)
	}
}

func isInspector(kind InspectorKind, reqID uint32) func(mq.Message) bool {
	return func(m mq.Message) bool {
		im, ok := m.Payload.(*InspectorMsg)
		return ok && m.Type == MsgTypeInspector && im.Kind == kind && im.ReqID == reqID
	}
}

func handleOf(m mq.Message) (int, bool) {
	switch p := m.Payload.(type) {
	case *SymbolsMsg:
		return p.Handle, true
	case *BaudInfoMsg:
		return p.Handle, true
	}
	return 0, false
}

func TestInspectorSessionScenario(t *testing.T) {
	src := newGated(t, 0)
	a, out := startAnalyzer(t, Config{}, src)

	ctx := context.Background()
	handle, err := a.OpenInspector(ctx, inspector.Channel{Offset: 1000, Bandwidth: 2000})
	require.NoError(t, err)
	assert.Equal(t, 0, handle)
	close(src.open)

	msg := until(t, out, func(m mq.Message) bool {
		bi, ok := m.Payload.(*BaudInfoMsg)
		return ok && bi.Handle == 0 && bi.Baud.FAC > 0
	})
	bi := msg.Payload.(*BaudInfoMsg)
	assert.False(t, math.IsNaN(bi.FACHz()) || math.IsInf(bi.FACHz(), 0))
	assert.False(t, math.IsNaN(bi.NLNHz()) || math.IsInf(bi.NLNHz(), 0))
	assert.GreaterOrEqual(t, a.Samples(), uint64(4096))

	require.NoError(t, a.CloseInspectorAsync(0, 42))
	until(t, out, isInspector(KindClosed, 42))

	a.ReqHalt()
	for {
		m := next(t, out)
		if h, ok := handleOf(m); ok {
			t.Fatalf("message %d for handle %d after close", m.Type, h)
		}
		if m.Type == MsgTypeHalt {
			break
		}
		DisposeMessage(m)
	}
}

func TestSyncInfoAndParams(t *testing.T) {
	src := newGated(t, 0)
	a, _ := startAnalyzer(t, Config{}, src)
	ctx := context.Background()

	_, err := a.InspectorInfo(ctx, 3)
	assert.ErrorIs(t, err, ErrUnknownHandle)

	h, err := a.OpenInspector(ctx, inspector.Channel{Offset: 0, Bandwidth: 4000})
	require.NoError(t, err)

	err = a.SetParams(ctx, h, inspector.Params{Baud: -1})
	assert.ErrorIs(t, err, ErrInvalidParams)

	p := inspector.Params{Carrier: inspector.Costas2, Baud: 0.025, ID: 9}
	require.NoError(t, a.SetParams(ctx, h, p))

	_, err = a.InspectorInfo(ctx, h)
	require.NoError(t, err)

	err = a.SetParams(ctx, h+1, p)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestInvalidChannelIsRejected(t *testing.T) {
	a, _ := startAnalyzer(t, Config{}, newGated(t, 0))
	ctx := context.Background()

	for _, ch := range []inspector.Channel{
		{Offset: 0, Bandwidth: 0},
		{Offset: 23000, Bandwidth: 4000},
		{Offset: rf.Hz(math.NaN()), Bandwidth: 1000},
	} {
		_, err := a.OpenInspector(ctx, ch)
		assert.ErrorIs(t, err, ErrInvalidChannel, "%+v", ch)
	}

	// the failed opens did not consume handles
	h, err := a.OpenInspector(ctx, inspector.Channel{Bandwidth: 1000})
	require.NoError(t, err)
	assert.Equal(t, 0, h)
}

func TestRoundRobinAssignment(t *testing.T) {
	a, out := startAnalyzer(t, Config{Workers: 3}, newGated(t, 0))

	for i := 0; i < 5; i++ {
		require.NoError(t, a.OpenInspectorAsync(inspector.Channel{Bandwidth: 2000}, uint32(i+1)))
	}
	for i := 0; i < 5; i++ {
		m := until(t, out, isInspector(KindOpened, uint32(i+1)))
		im := m.Payload.(*InspectorMsg)
		assert.Equal(t, i, im.Handle)
		assert.Equal(t, i%3, im.Worker)
	}

	a.mu.Lock()
	assert.Len(t, a.consumers, 3)
	a.mu.Unlock()

	// freed handles are reused lowest first
	ctx := context.Background()
	require.NoError(t, a.CloseInspector(ctx, 1))
	h, err := a.OpenInspector(ctx, inspector.Channel{Bandwidth: 2000})
	require.NoError(t, err)
	assert.Equal(t, 1, h)
}

func TestRoundRobinOrderForAnyPoolSize(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		workers := rapid.IntRange(1, 4).Draw(rt, "workers")
		opens := rapid.IntRange(1, 10).Draw(rt, "opens")

		out := mq.New()
		a, err := New(Config{Workers: workers}, newGated(t, 0), out, logging.Discard())
		if err != nil {
			rt.Fatalf("new: %v", err)
		}
		if err := a.Start(context.Background()); err != nil {
			rt.Fatalf("start: %v", err)
		}
		defer func() {
			a.Destroy()
			out.Drain(DisposeMessage)
		}()

		for i := 0; i < opens; i++ {
			if err := a.OpenInspectorAsync(inspector.Channel{Bandwidth: 2000}, uint32(i+1)); err != nil {
				rt.Fatalf("open %d: %v", i, err)
			}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// the source is gated, so replies are the only outbound traffic
		for i := 0; i < opens; i++ {
			msg, err := out.Pop(ctx)
			if err != nil {
				rt.Fatalf("reply %d: %v", i, err)
			}
			im, ok := msg.Payload.(*InspectorMsg)
			if !ok || im.Kind != KindOpened || im.ReqID != uint32(i+1) {
				rt.Fatalf("reply %d: unexpected %+v", i, msg.Payload)
			}
			if im.Handle != i || im.Worker != i%workers {
				rt.Fatalf("open %d: handle %d worker %d, want %d/%d", i, im.Handle, im.Worker, i, i%workers)
			}
		}

		a.mu.Lock()
		pool := len(a.consumers)
		a.mu.Unlock()
		if pool != min(opens, workers) {
			rt.Fatalf("pool grew to %d, want %d", pool, min(opens, workers))
		}
	})
}

func TestCloseHaltsInspectorAndRemovesItsTask(t *testing.T) {
	src := newGated(t, 0)
	a, _ := startAnalyzer(t, Config{Workers: 2}, src)
	ctx := context.Background()

	keep, err := a.OpenInspector(ctx, inspector.Channel{Offset: 1000, Bandwidth: 2000})
	require.NoError(t, err)
	h, err := a.OpenInspector(ctx, inspector.Channel{Offset: 1000, Bandwidth: 2000})
	require.NoError(t, err)

	// slots are written before the reply is sent
	s := a.slots[h]
	insp, owner := s.insp, s.task.Consumer()
	require.Eventually(t, func() bool { return insp.State() == inspector.Running }, time.Second, time.Millisecond)
	assert.Equal(t, 1, owner.Pending())
	close(src.open)

	require.NoError(t, a.CloseInspector(ctx, h))
	assert.Equal(t, inspector.Halted, insp.State())
	assert.Zero(t, owner.Pending())

	other := a.slots[keep]
	require.NotNil(t, other)
	assert.Equal(t, inspector.Running, other.insp.State())
	assert.Equal(t, 1, other.task.Consumer().Pending())
	assert.NotSame(t, owner, other.task.Consumer())
}

func TestOpenedReplyPrecedesInspectorOutput(t *testing.T) {
	src := newGated(t, 0)
	close(src.open)
	a, out := startAnalyzer(t, Config{Workers: 2}, src)

	const n = 4
	for i := 0; i < n; i++ {
		require.NoError(t, a.OpenInspectorAsync(inspector.Channel{Offset: 1000, Bandwidth: 2000}, uint32(i+1)))
	}
	opened := make(map[int]bool)
	produced := make(map[int]bool)
	for len(produced) < n {
		m := next(t, out)
		if im, ok := m.Payload.(*InspectorMsg); ok && im.Kind == KindOpened {
			opened[im.Handle] = true
		}
		if h, ok := handleOf(m); ok {
			require.True(t, opened[h], "output of handle %d before its opened reply", h)
			produced[h] = true
		}
		DisposeMessage(m)
	}
}

func TestCloseTwiceFails(t *testing.T) {
	src := newGated(t, 0)
	a, out := startAnalyzer(t, Config{}, src)
	ctx := context.Background()

	h, err := a.OpenInspector(ctx, inspector.Channel{Bandwidth: 2000})
	require.NoError(t, err)

	require.NoError(t, a.CloseInspectorAsync(h, 1))
	require.NoError(t, a.CloseInspectorAsync(h, 2))
	close(src.open)

	var closed, failed bool
	for !closed || !failed {
		m := next(t, out)
		im, ok := m.Payload.(*InspectorMsg)
		if !ok {
			DisposeMessage(m)
			continue
		}
		switch im.ReqID {
		case 1:
			assert.Equal(t, KindClosed, im.Kind)
			closed = true
		case 2:
			assert.Equal(t, KindWrongHandle, im.Kind)
			assert.ErrorIs(t, im.Err, ErrAlreadyHalted)
			failed = true
		}
	}

	assert.ErrorIs(t, a.CloseInspector(ctx, h), ErrUnknownHandle)
}

func TestEndOfStreamIsReportedOnce(t *testing.T) {
	src := newGated(t, 20000)
	a, out := startAnalyzer(t, Config{}, src)

	_, err := a.OpenInspector(context.Background(), inspector.Channel{Offset: 1000, Bandwidth: 2000})
	require.NoError(t, err)
	close(src.open)

	eos := 0
	closedAfter := 0
	for {
		m := next(t, out)
		if m.Type == MsgTypeHalt {
			break
		}
		switch p := m.Payload.(type) {
		case *EOSMsg:
			eos++
			assert.Equal(t, uint64(20000), p.Samples)
		case *InspectorMsg:
			if p.Kind == KindClosed && eos == 1 {
				closedAfter++
			}
		default:
			if _, ok := handleOf(m); ok {
				assert.Zero(t, eos, "inspector output after end of stream")
			}
		}
		DisposeMessage(m)
	}
	assert.Equal(t, 1, eos)
	assert.Equal(t, 1, closedAfter)

	select {
	case <-a.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("analyzer did not stop")
	}
	_, err = a.OpenInspector(context.Background(), inspector.Channel{Bandwidth: 1000})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSourceErrorEndsSession(t *testing.T) {
	src := newGated(t, 5000)
	src.fail = errors.New("device unplugged")
	close(src.open)
	_, out := startAnalyzer(t, Config{}, src)

	m := until(t, out, func(m mq.Message) bool { return m.Type == MsgTypeSourceError })
	assert.EqualError(t, m.Payload.(*SourceErrorMsg).Err, "device unplugged")

	last := until(t, out, func(m mq.Message) bool {
		assert.NotEqual(t, MsgTypeEOS, m.Type)
		return m.Type == MsgTypeHalt
	})
	assert.Equal(t, "device unplugged", last.Payload.(*HaltedMsg).Reason)
}

func TestReqHaltClosesInspectorsThenHalts(t *testing.T) {
	src := newGated(t, 0)
	a, out := startAnalyzer(t, Config{}, src)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := a.OpenInspector(ctx, inspector.Channel{Bandwidth: 2000})
		require.NoError(t, err)
	}
	close(src.open)

	a.ReqHalt()
	a.ReqHalt()

	closed := map[int]bool{}
	for {
		m := next(t, out)
		if m.Type == MsgTypeHalt {
			assert.Equal(t, "halt requested", m.Payload.(*HaltedMsg).Reason)
			break
		}
		if im, ok := m.Payload.(*InspectorMsg); ok && im.Kind == KindClosed {
			closed[im.Handle] = true
		}
		DisposeMessage(m)
	}
	assert.Equal(t, map[int]bool{0: true, 1: true}, closed)

	require.NoError(t, a.Wait(ctx))
	_, ok := out.TryPop()
	assert.False(t, ok, "messages after halted")
	assert.ErrorIs(t, a.Write(MsgTypeUser, nil), ErrNotRunning)
}

func TestUnknownMessagesAreRelayed(t *testing.T) {
	a, out := startAnalyzer(t, Config{}, newGated(t, 0))

	require.NoError(t, a.Write(MsgTypeUser+1, "ping"))
	m := next(t, out)
	assert.Equal(t, MsgTypeUser+1, m.Type)
	assert.Equal(t, "ping", m.Payload)
}

func TestSpectrumMessages(t *testing.T) {
	src := newGated(t, 48000)
	close(src.open)
	_, out := startAnalyzer(t, Config{PSDInterval: 0.1, ChannelInterval: 0.1, PSDSize: 256}, src)

	m := until(t, out, func(m mq.Message) bool { return m.Type == MsgTypePSD })
	psd := m.Payload.(*PSDMsg)
	require.Len(t, psd.Bins, 256)
	assert.Equal(t, 48*rf.KHz, psd.SampleRate)

	m = until(t, out, func(m mq.Message) bool { return m.Type == MsgTypeChannels })
	chans := m.Payload.(*ChannelsMsg).Channels
	require.NotEmpty(t, chans)
	best := chans[0]
	for _, c := range chans[1:] {
		if c.SNR > best.SNR {
			best = c
		}
	}
	binWidth := 48000.0 / 256
	lo := float64(best.Offset-best.Bandwidth/2) - binWidth
	hi := float64(best.Offset+best.Bandwidth/2) + binWidth
	assert.True(t, lo <= 1000 && 1000 <= hi, "strongest band %+v misses the tone", best)
}

func TestDestroyWithoutStart(t *testing.T) {
	src := newGated(t, 0)
	a, err := New(Config{}, src, mq.New(), logging.Discard())
	require.NoError(t, err)

	a.Destroy()
	<-a.Done()
	_, err = src.Mock.Read(context.Background(), make([]complex64, 4))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
	assert.ErrorIs(t, a.Start(context.Background()), ErrAlreadyStarted)
}

func TestCancelledContextHalts(t *testing.T) {
	out := mq.New()
	a, err := New(Config{}, newGated(t, 0), out, logging.Discard())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))
	cancel()

	m := until(t, out, func(m mq.Message) bool { return m.Type == MsgTypeHalt })
	assert.NotNil(t, m.Payload)
	require.NoError(t, a.Wait(context.Background()))
}

func TestConfigValidation(t *testing.T) {
	cfg, err := validateConfig(Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	bad := []Config{
		{Workers: -1},
		{Workers: 1000},
		{ReadSize: 8},
		{ReadSize: 4096, StreamCapacity: 1024},
		{ReadSize: 4096, ConsumerBufferMax: 1024},
		{DetectorWindow: 10},
		{InfoInterval: -1},
		{CostasBandwidth: 2},
		{PSDSize: 4},
		{ChannelThresholdDB: -3},
	}
	for _, c := range bad {
		_, err := validateConfig(c)
		assert.Error(t, err, "%+v", c)
	}

	_, err = New(Config{Workers: -1}, newGated(t, 0), mq.New(), nil)
	assert.Error(t, err)
	_, err = New(Config{}, nil, mq.New(), nil)
	assert.Error(t, err)
}
