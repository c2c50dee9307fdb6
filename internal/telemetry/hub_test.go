package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rjboer/GoInspect/internal/analyzer"
	"github.com/rjboer/GoInspect/internal/dsp"
	"github.com/rjboer/GoInspect/internal/inspector"
	"github.com/rjboer/GoInspect/internal/logging"
	"github.com/rjboer/GoInspect/internal/mq"
)

func newTestHub() *Hub {
	return NewHub(10, logging.Discard())
}

func opened(handle int) mq.Message {
	return mq.Message{Type: analyzer.MsgTypeInspector, Payload: &analyzer.InspectorMsg{
		Kind:    analyzer.KindOpened,
		Handle:  handle,
		Worker:  handle % 2,
		Channel: inspector.Channel{Offset: 1000, Bandwidth: 2000},
	}}
}

func TestHubTracksInspectorsAndSymbols(t *testing.T) {
	hub := newTestHub()
	hub.Report(opened(1))
	hub.Report(opened(0))
	hub.Report(mq.Message{Type: analyzer.MsgTypeSymbols, Payload: &analyzer.SymbolsMsg{
		Handle:  1,
		Samples: []complex64{1, -1, 1, 1},
	}})
	hub.Report(mq.Message{Type: analyzer.MsgTypeBaudInfo, Payload: &analyzer.BaudInfoMsg{
		Handle:     1,
		Baud:       inspector.BaudResult{FAC: 0.025, NLN: 0.025},
		SampleRate: 48000,
	}})

	req := httptest.NewRequest(http.MethodGet, "/api/inspectors", nil)
	rr := httptest.NewRecorder()
	hub.handleInspectors(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp []InspectorInfo
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 2 || resp[0].Handle != 0 || resp[1].Handle != 1 {
		t.Fatalf("expected handles 0 and 1 in order, got %+v", resp)
	}
	if resp[1].Window != "0100" {
		t.Fatalf("expected window 0100, got %q", resp[1].Window)
	}
	if resp[1].Symbols != 4 {
		t.Fatalf("expected 4 symbols, got %d", resp[1].Symbols)
	}
	if math.Abs(resp[1].FACHz-1200) > 1e-6 {
		t.Fatalf("expected 1200 Hz, got %v", resp[1].FACHz)
	}

	hub.Report(mq.Message{Type: analyzer.MsgTypeInspector, Payload: &analyzer.InspectorMsg{Kind: analyzer.KindClosed, Handle: 1}})
	if got := hub.Inspectors(); len(got) != 1 || got[0].Handle != 0 {
		t.Fatalf("expected only handle 0 after close, got %+v", got)
	}
}

func TestHubKeepsSymbolsThatPrecedeOpened(t *testing.T) {
	hub := newTestHub()
	hub.Report(mq.Message{Type: analyzer.MsgTypeSymbols, Payload: &analyzer.SymbolsMsg{
		Handle:  3,
		Samples: []complex64{-1, -1},
	}})
	hub.Report(mq.Message{Type: analyzer.MsgTypeBaudInfo, Payload: &analyzer.BaudInfoMsg{
		Handle:     3,
		Lock:       0.9,
		SampleRate: 48000,
	}})
	hub.Report(opened(3))

	got := hub.Inspectors()
	if len(got) != 1 {
		t.Fatalf("expected one inspector, got %+v", got)
	}
	if got[0].Symbols != 2 || got[0].Window != "11" {
		t.Fatalf("early symbols lost: %+v", got[0])
	}
	if got[0].Worker != 1 || got[0].Channel.Bandwidth != 2000 {
		t.Fatalf("opened reply did not fill in the channel: %+v", got[0])
	}
	if got[0].Lock != 0.9 {
		t.Fatalf("expected lock 0.9, got %v", got[0].Lock)
	}
}

func TestHubUsesQPSKDeciderAfterParams(t *testing.T) {
	hub := newTestHub()
	hub.Report(opened(0))
	hub.Report(mq.Message{Type: analyzer.MsgTypeInspector, Payload: &analyzer.InspectorMsg{
		Kind:   analyzer.KindParamsSet,
		Handle: 0,
		Params: inspector.Params{Carrier: inspector.Costas4},
	}})
	hub.Report(mq.Message{Type: analyzer.MsgTypeSymbols, Payload: &analyzer.SymbolsMsg{
		Handle:  0,
		Samples: []complex64{complex(1, 1), complex(-1, 1), complex(-1, -1), complex(1, -1)},
	}})
	if got := hub.Inspectors()[0].Window; got != "0123" {
		t.Fatalf("expected window 0123, got %q", got)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	hub := NewHub(3, logging.Discard())
	for i := 0; i < 5; i++ {
		hub.Report(mq.Message{Type: analyzer.MsgTypeEOS, Payload: &analyzer.EOSMsg{Samples: uint64(i)}})
	}
	h := hub.History()
	if len(h) != 3 {
		t.Fatalf("expected 3 events, got %d", len(h))
	}
	if h[2].Detail != uint64(4) {
		t.Fatalf("expected newest event last, got %+v", h[2])
	}
}

func TestHandlePSDAveragesFrames(t *testing.T) {
	hub := newTestHub()
	hub.Report(mq.Message{Type: analyzer.MsgTypePSD, Payload: &analyzer.PSDMsg{SampleRate: 48000, Bins: []float64{0, 0}}})
	hub.Report(mq.Message{Type: analyzer.MsgTypePSD, Payload: &analyzer.PSDMsg{SampleRate: 48000, Bins: []float64{2, 4}}})
	hub.Report(mq.Message{Type: analyzer.MsgTypeChannels, Payload: &analyzer.ChannelsMsg{
		Channels: []dsp.Channel{{Offset: 1000, Bandwidth: 2000, SNR: 20}},
	}})

	rr := httptest.NewRecorder()
	hub.handlePSD(rr, httptest.NewRequest(http.MethodGet, "/api/psd", nil))
	var resp SpectrumSnapshot
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Frames != 2 || resp.Bins[0] != 1 || resp.Bins[1] != 2 {
		t.Fatalf("expected mean of two frames, got %+v", resp)
	}
	if len(resp.Channels) != 1 || resp.Channels[0].Offset != 1000 {
		t.Fatalf("expected one channel, got %+v", resp.Channels)
	}
}

func TestHandlePSDMethodNotAllowed(t *testing.T) {
	hub := newTestHub()
	rr := httptest.NewRecorder()
	hub.handlePSD(rr, httptest.NewRequest(http.MethodPost, "/api/psd", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestHandleSetConfig(t *testing.T) {
	hub := newTestHub()

	body := strings.NewReader(`{"historyLimit": 2, "psdAverage": 4}`)
	rr := httptest.NewRecorder()
	hub.handleSetConfig(rr, httptest.NewRequest(http.MethodPost, "/api/config/update", body))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	cfg := hub.ConfigSnapshot()
	if cfg.HistoryLimit != 2 || cfg.PSDAverage != 4 || cfg.SymbolStride != 64 {
		t.Fatalf("unexpected config %+v", cfg)
	}

	for _, bad := range []string{`{"historyLimit": -1}`, `{"symbolStride": 3}`, `{"symbolLimit": 10}`, `not json`} {
		rr = httptest.NewRecorder()
		hub.handleSetConfig(rr, httptest.NewRequest(http.MethodPost, "/api/config/update", strings.NewReader(bad)))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %s, got %d", bad, rr.Code)
		}
	}

	rr = httptest.NewRecorder()
	hub.handleSetConfig(rr, httptest.NewRequest(http.MethodGet, "/api/config/update", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestLiveStreamsEvents(t *testing.T) {
	hub := newTestHub()
	hub.Report(opened(0))

	srv := httptest.NewServer(hub.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/live", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("live request: %v", err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	readData := func() Event {
		for sc.Scan() {
			line := sc.Bytes()
			if payload, ok := bytes.CutPrefix(line, []byte("data: ")); ok {
				var ev Event
				if err := json.Unmarshal(payload, &ev); err != nil {
					t.Fatalf("decode event: %v", err)
				}
				return ev
			}
		}
		t.Fatalf("stream ended: %v", sc.Err())
		return Event{}
	}

	if ev := readData(); ev.Kind != "opened" {
		t.Fatalf("expected history replay first, got %+v", ev)
	}

	// the subscription is registered before the replay is flushed
	hub.Report(mq.Message{Type: analyzer.MsgTypeHalt, Payload: &analyzer.HaltedMsg{Reason: "done"}})
	if ev := readData(); ev.Kind != "halted" {
		t.Fatalf("expected halted event, got %+v", ev)
	}
}

type fakeReader struct {
	msgs []mq.Message
}

func (f *fakeReader) Read(ctx context.Context) (mq.Message, error) {
	if len(f.msgs) == 0 {
		<-ctx.Done()
		return mq.Message{}, ctx.Err()
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, nil
}

type recorder struct{ types []mq.Type }

func (r *recorder) Report(msg mq.Message) { r.types = append(r.types, msg.Type) }

func TestPumpStopsAtHalted(t *testing.T) {
	src := &fakeReader{msgs: []mq.Message{
		{Type: analyzer.MsgTypeEOS, Payload: &analyzer.EOSMsg{}},
		{Type: analyzer.MsgTypeHalt, Payload: &analyzer.HaltedMsg{}},
		{Type: analyzer.MsgTypeEOS, Payload: &analyzer.EOSMsg{}},
	}}
	rec := &recorder{}
	if err := Pump(context.Background(), src, MultiReporter{rec, NewStdoutReporter(logging.Discard())}); err != nil {
		t.Fatalf("pump: %v", err)
	}
	if len(rec.types) != 2 || rec.types[1] != analyzer.MsgTypeHalt {
		t.Fatalf("expected two messages ending in halt, got %v", rec.types)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Pump(ctx, &fakeReader{}, rec); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	q := mq.New()
	q.Close()
	if err := Pump(context.Background(), readerFunc(q.Pop), nil); err != nil {
		t.Fatalf("closed queue should end the pump cleanly, got %v", err)
	}
}

type readerFunc func(ctx context.Context) (mq.Message, error)

func (f readerFunc) Read(ctx context.Context) (mq.Message, error) { return f(ctx) }
