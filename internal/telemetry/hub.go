package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"hz.tools/rf"

	"github.com/rjboer/GoInspect/internal/analyzer"
	"github.com/rjboer/GoInspect/internal/dsp"
	"github.com/rjboer/GoInspect/internal/inspector"
	"github.com/rjboer/GoInspect/internal/logging"
	"github.com/rjboer/GoInspect/internal/mq"
	"github.com/rjboer/GoInspect/internal/symview"
)

// Config represents the runtime configuration exposed by the telemetry hub.
type Config struct {
	HistoryLimit int `json:"historyLimit"`
	SymbolStride int `json:"symbolStride"`
	SymbolRows   int `json:"symbolRows"`
	SymbolLimit  int `json:"symbolLimit"`
	// PSDAverage is the number of spectra in the running mean; 1 shows
	// every frame as is.
	PSDAverage int `json:"psdAverage"`
}

const (
	minHistoryLimit = 1
	maxHistoryLimit = 10_000
	minSymbolStride = 8
	maxSymbolStride = 1024
	minSymbolRows   = 1
	maxSymbolRows   = 256
	maxSymbolLimit  = 1 << 22
	minPSDAverage   = 1
	maxPSDAverage   = 1000
)

func defaultConfig() Config {
	return Config{
		HistoryLimit: 500,
		SymbolStride: 64,
		SymbolRows:   16,
		SymbolLimit:  1 << 16,
		PSDAverage:   8,
	}
}

func validateConfig(cfg Config, base Config) (Config, error) {
	if base.HistoryLimit == 0 || base.SymbolStride == 0 || base.SymbolRows == 0 || base.PSDAverage == 0 {
		base = defaultConfig()
	}

	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = base.HistoryLimit
	}
	if cfg.SymbolStride == 0 {
		cfg.SymbolStride = base.SymbolStride
	}
	if cfg.SymbolRows == 0 {
		cfg.SymbolRows = base.SymbolRows
	}
	if cfg.SymbolLimit == 0 {
		cfg.SymbolLimit = base.SymbolLimit
	}
	if cfg.PSDAverage == 0 {
		cfg.PSDAverage = base.PSDAverage
	}

	if cfg.HistoryLimit < minHistoryLimit || cfg.HistoryLimit > maxHistoryLimit {
		return Config{}, fmt.Errorf("history limit must be between %d and %d", minHistoryLimit, maxHistoryLimit)
	}
	if cfg.SymbolStride < minSymbolStride || cfg.SymbolStride > maxSymbolStride {
		return Config{}, fmt.Errorf("symbol stride must be between %d and %d", minSymbolStride, maxSymbolStride)
	}
	if cfg.SymbolRows < minSymbolRows || cfg.SymbolRows > maxSymbolRows {
		return Config{}, fmt.Errorf("symbol rows must be between %d and %d", minSymbolRows, maxSymbolRows)
	}
	if cfg.SymbolLimit < cfg.SymbolStride*cfg.SymbolRows || cfg.SymbolLimit > maxSymbolLimit {
		return Config{}, errors.New("symbol limit must hold one window and stay below 4M symbols")
	}
	if cfg.PSDAverage < minPSDAverage || cfg.PSDAverage > maxPSDAverage {
		return Config{}, fmt.Errorf("psd average must be between %d and %d", minPSDAverage, maxPSDAverage)
	}

	return cfg, nil
}

// Event is one entry of the hub history and the live feed.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	// Handle is -1 for session-wide events.
	Handle int `json:"handle"`
	Detail any `json:"detail,omitempty"`
}

// InspectorInfo is the hub's view of one open inspector.
type InspectorInfo struct {
	Handle  int               `json:"handle"`
	Worker  int               `json:"worker"`
	Channel inspector.Channel `json:"channel"`
	Params  inspector.Params  `json:"params"`
	FACHz   float64           `json:"facHz"`
	NLNHz   float64           `json:"nlnHz"`
	Lock    float64           `json:"lock"`
	Symbols uint64            `json:"symbols"`
	// Window is the visible part of the symbol view, one digit per symbol.
	Window string `json:"window"`
	Offset int    `json:"offset"`
}

// SpectrumSnapshot is the averaged spectrum and the last detected channels.
type SpectrumSnapshot struct {
	CenterFreq rf.Hz         `json:"centerFreq"`
	SampleRate rf.Hz         `json:"sampleRate"`
	Frames     int           `json:"frames"`
	Bins       []float64     `json:"bins"`
	Channels   []dsp.Channel `json:"channels"`
	Updated    time.Time     `json:"updated"`
}

type inspectorState struct {
	info    InspectorInfo
	view    *symview.View
	decider symview.Decider
	scratch []byte
}

// Hub collects history and fan-outs analyzer events to subscribers.
type Hub struct {
	mu          sync.RWMutex
	history     []Event
	subscribers map[chan Event]struct{}
	config      Config
	inspectors  map[int]*inspectorState
	spectrum    SpectrumSnapshot
	logger      logging.Logger
}

// NewHub builds a telemetry hub with the provided history limit.
func NewHub(historyLimit int, logger logging.Logger) *Hub {
	cfg := defaultConfig()
	if historyLimit > 0 {
		cfg.HistoryLimit = historyLimit
	}
	cfg, err := validateConfig(cfg, defaultConfig())
	if err != nil {
		cfg = defaultConfig()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		subscribers: make(map[chan Event]struct{}),
		config:      cfg,
		inspectors:  make(map[int]*inspectorState),
		logger:      logger.With(logging.F("subsystem", "telemetry")),
	}
}

// Report implements Reporter. Symbol batches only update the per-handle
// views; everything else is also recorded as an event.
func (h *Hub) Report(msg mq.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch p := msg.Payload.(type) {
	case *analyzer.SymbolsMsg:
		st := h.stateLocked(p.Handle)
		st.scratch = st.decider.DecideAll(st.scratch[:0], p.Samples)
		st.view.AppendAll(st.scratch)
		st.info.Symbols += uint64(len(p.Samples))
		return
	case *analyzer.PSDMsg:
		h.spectrum.CenterFreq = p.CenterFreq
		h.spectrum.SampleRate = p.SampleRate
		count := min(h.spectrum.Frames, h.config.PSDAverage-1)
		h.spectrum.Bins, h.spectrum.Frames = dsp.AveragePSD(h.spectrum.Bins, p.Bins, count)
		h.spectrum.Updated = time.Now()
		return
	case *analyzer.ChannelsMsg:
		h.spectrum.Channels = append(h.spectrum.Channels[:0], p.Channels...)
		h.recordLocked(Event{Kind: "channels", Handle: -1, Detail: slices.Clone(p.Channels)})
	case *analyzer.BaudInfoMsg:
		st := h.stateLocked(p.Handle)
		st.info.FACHz = p.FACHz()
		st.info.NLNHz = p.NLNHz()
		st.info.Lock = p.Lock
		h.recordLocked(Event{Kind: "baud", Handle: p.Handle, Detail: map[string]float64{
			"facHz": p.FACHz(),
			"nlnHz": p.NLNHz(),
			"lock":  p.Lock,
		}})
	case *analyzer.InspectorMsg:
		h.inspectorLocked(p)
	case *analyzer.EOSMsg:
		h.recordLocked(Event{Kind: "eos", Handle: -1, Detail: p.Samples})
	case *analyzer.SourceErrorMsg:
		h.recordLocked(Event{Kind: "source_error", Handle: -1, Detail: p.Err.Error()})
	case *analyzer.HaltedMsg:
		h.recordLocked(Event{Kind: "halted", Handle: -1, Detail: p.Reason})
	default:
		h.recordLocked(Event{Kind: "message_" + strconv.FormatUint(uint64(msg.Type), 10), Handle: -1})
	}
}

func (h *Hub) inspectorLocked(m *analyzer.InspectorMsg) {
	ev := Event{Kind: m.Kind.String(), Handle: m.Handle}
	switch m.Kind {
	case analyzer.KindOpened:
		st := h.stateLocked(m.Handle)
		st.info.Worker = m.Worker
		st.info.Channel = m.Channel
		ev.Detail = m.Channel
	case analyzer.KindParamsSet:
		if st := h.inspectors[m.Handle]; st != nil {
			st.info.Params = m.Params
			order := 2
			if m.Params.Carrier == inspector.Costas4 {
				order = 4
			}
			st.decider = symview.NewDecider(order)
		}
		ev.Detail = m.Params
	case analyzer.KindInfo:
		if st := h.inspectors[m.Handle]; st != nil {
			st.info.Params = m.Params
			st.info.Lock = m.Lock
		}
		ev.Detail = m.Baud
	case analyzer.KindClosed:
		delete(h.inspectors, m.Handle)
	default:
		if m.Err != nil {
			ev.Detail = m.Err.Error()
		}
	}
	h.recordLocked(ev)
}

// stateLocked returns the state of handle, creating it for output that
// arrives ahead of the opened reply.
func (h *Hub) stateLocked(handle int) *inspectorState {
	st := h.inspectors[handle]
	if st == nil {
		st = &inspectorState{
			info:    InspectorInfo{Handle: handle},
			view:    symview.New(h.config.SymbolStride, h.config.SymbolRows, h.config.SymbolLimit),
			decider: symview.NewDecider(2),
		}
		h.inspectors[handle] = st
	}
	return st
}

func (h *Hub) recordLocked(ev Event) {
	ev.Timestamp = time.Now()
	h.history = append(h.history, ev)
	if len(h.history) > h.config.HistoryLimit {
		h.history = h.history[len(h.history)-h.config.HistoryLimit:]
	}
	for ch := range h.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// History returns a copy of stored events.
func (h *Hub) History() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Event, len(h.history))
	copy(out, h.history)
	return out
}

// Inspectors returns the open inspectors ordered by handle.
func (h *Hub) Inspectors() []InspectorInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]InspectorInfo, 0, len(h.inspectors))
	for _, st := range h.inspectors {
		info := st.info
		off, win := st.view.Snapshot()
		info.Offset = off
		digits := make([]byte, len(win))
		for i, s := range win {
			digits[i] = '0' + s
		}
		info.Window = string(digits)
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b InspectorInfo) int { return a.Handle - b.Handle })
	return out
}

// Spectrum returns a copy of the averaged spectrum.
func (h *Hub) Spectrum() SpectrumSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := h.spectrum
	s.Bins = slices.Clone(s.Bins)
	s.Channels = slices.Clone(s.Channels)
	return s
}

// ConfigSnapshot returns the latest validated configuration.
func (h *Hub) ConfigSnapshot() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.config
}

// Subscribe registers a listener for live updates.
func (h *Hub) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 16)
	h.mu.Lock()
	h.subscribers[ch] = struct{}{}
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		delete(h.subscribers, ch)
		close(ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

// applyConfig takes effect for views created afterwards; existing views
// keep their layout.
func (h *Hub) applyConfig(cfg Config) {
	h.config = cfg
	if len(h.history) > cfg.HistoryLimit {
		h.history = h.history[len(h.history)-cfg.HistoryLimit:]
	}
	h.spectrum.Frames = min(h.spectrum.Frames, cfg.PSDAverage)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Hub) handleHistory(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.History())
}

func (h *Hub) handleInspectors(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.Inspectors())
}

func (h *Hub) handlePSD(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, h.Spectrum())
}

func (h *Hub) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.ConfigSnapshot())
}

func (h *Hub) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var incoming Config
	if err := json.NewDecoder(r.Body).Decode(&incoming); err != nil {
		http.Error(w, fmt.Sprintf("invalid config payload: %v", err), http.StatusBadRequest)
		return
	}

	h.mu.RLock()
	current := h.config
	h.mu.RUnlock()

	cfg, err := validateConfig(incoming, current)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	h.applyConfig(cfg)
	h.mu.Unlock()
	h.logger.Info("telemetry config updated",
		logging.F("history_limit", cfg.HistoryLimit),
		logging.F("psd_average", cfg.PSDAverage))

	writeJSON(w, cfg)
}

func (h *Hub) handleLive(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.Subscribe()
	defer cancel()

	// send existing history for immediate display
	for _, ev := range h.History() {
		writeEvent(w, ev)
	}
	flusher.Flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			writeEvent(w, ev)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, payload)
}
