// Package inspector implements the per-channel analysis state machine:
// channel selection, gain control, carrier recovery, baud estimation and
// symbol timing, driven one sample at a time by a consumer task.
package inspector

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"strings"
	"sync/atomic"

	"hz.tools/rf"

	"github.com/rjboer/GoInspect/internal/dsp"
)

var (
	ErrInvalidChannel = errors.New("inspector: invalid channel")
	ErrInvalidParams  = errors.New("inspector: invalid params")
	ErrBadTransition  = errors.New("inspector: invalid state transition")
)

// State is the inspector lifecycle. Transitions only move forward.
type State int32

const (
	Created State = iota
	Running
	Halting
	Halted
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Halting:
		return "halting"
	case Halted:
		return "halted"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// CarrierControl selects how the carrier is removed.
type CarrierControl int

const (
	// Manual rotates by a local oscillator at Params.FcOffset/FcPhase.
	Manual CarrierControl = iota
	// Costas2 tracks the carrier with a BPSK Costas loop.
	Costas2
	// Costas4 tracks the carrier with a QPSK Costas loop.
	Costas4
)

func (c CarrierControl) String() string {
	switch c {
	case Manual:
		return "manual"
	case Costas2:
		return "costas2"
	case Costas4:
		return "costas4"
	default:
		return fmt.Sprintf("carrier(%d)", int(c))
	}
}

// ParseCarrierControl maps a name to a CarrierControl.
func ParseCarrierControl(s string) (CarrierControl, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "manual", "":
		return Manual, nil
	case "costas2", "bpsk":
		return Costas2, nil
	case "costas4", "qpsk":
		return Costas4, nil
	default:
		return Manual, fmt.Errorf("%w: unknown carrier control %q", ErrInvalidParams, s)
	}
}

// Channel is the band an inspector demodulates, relative to the source
// centre frequency.
type Channel struct {
	Offset    rf.Hz `json:"offset" yaml:"offset"`
	Bandwidth rf.Hz `json:"bandwidth" yaml:"bandwidth"`
}

// Validate checks that ch lies inside the band of a source sampled at
// sampleRate.
func (ch Channel) Validate(sampleRate rf.Hz) error {
	fs := float64(sampleRate)
	bw := float64(ch.Bandwidth)
	off := float64(ch.Offset)
	switch {
	case fs <= 0:
		return fmt.Errorf("%w: sample rate %v", ErrInvalidChannel, sampleRate)
	case !finite(bw) || !finite(off):
		return fmt.Errorf("%w: non-finite values", ErrInvalidChannel)
	case bw <= 0 || bw > fs:
		return fmt.Errorf("%w: bandwidth %v outside (0, %v]", ErrInvalidChannel, ch.Bandwidth, sampleRate)
	case math.Abs(off)+bw/2 > fs/2:
		return fmt.Errorf("%w: offset %v with bandwidth %v leaves the band", ErrInvalidChannel, ch.Offset, ch.Bandwidth)
	}
	return nil
}

// Params are the tunable parameters of an inspector. Frequencies and baud
// are normalised to the sample rate.
type Params struct {
	Carrier  CarrierControl `json:"fc_ctrl"`
	FcOffset float64        `json:"fc_off"`
	FcPhase  float64        `json:"fc_phi"`
	SymPhase float64        `json:"sym_phase"`
	// Baud is symbols per sample. Zero uses the FAC estimate.
	Baud float64 `json:"baud"`
	// ID is an opaque number echoed in symbol messages.
	ID uint32 `json:"inspector_id"`
}

// Validate rejects out of range parameters.
func (p Params) Validate() error {
	switch {
	case p.Carrier < Manual || p.Carrier > Costas4:
		return fmt.Errorf("%w: carrier control %d", ErrInvalidParams, p.Carrier)
	case !finite(p.FcOffset) || math.Abs(p.FcOffset) > 0.5:
		return fmt.Errorf("%w: fc_off %v outside [-0.5, 0.5]", ErrInvalidParams, p.FcOffset)
	case !finite(p.FcPhase):
		return fmt.Errorf("%w: fc_phi %v", ErrInvalidParams, p.FcPhase)
	case !finite(p.SymPhase) || p.SymPhase < 0 || p.SymPhase >= 1:
		return fmt.Errorf("%w: sym_phase %v outside [0, 1)", ErrInvalidParams, p.SymPhase)
	case !finite(p.Baud) || p.Baud < 0 || p.Baud > 0.5:
		return fmt.Errorf("%w: baud %v outside [0, 0.5]", ErrInvalidParams, p.Baud)
	}
	return nil
}

// BaudResult holds the latest estimates of both detectors in symbols per
// sample. Zero means not estimated yet.
type BaudResult struct {
	FAC float64 `json:"fac"`
	NLN float64 `json:"nln"`
}

// Config sets up the processing chain.
type Config struct {
	SampleRate rf.Hz
	// DetectorWindow is the number of samples per baud estimate.
	DetectorWindow int
	// CostasBandwidth is the normalised loop bandwidth.
	CostasBandwidth float64
}

const (
	defaultDetectorWindow  = 4096
	defaultCostasBandwidth = 0.01
)

// Inspector is one channel's state. Parameters and detector results may
// be read and written from any goroutine; Feed and Process must only be
// called by the owning consumer task.
type Inspector struct {
	channel Channel
	cfg     Config

	state   atomic.Int32
	params  atomic.Pointer[Params]
	baud    atomic.Pointer[BaudResult]
	lock    atomic.Uint64 // float64 bits
	samples atomic.Uint64

	// processing state, owned by the consumer goroutine
	mixer   *dsp.NCO
	lowpass *dsp.Lowpass
	agc     *dsp.AGC
	lo      *dsp.NCO
	rot     complex128
	costas2 *dsp.Costas
	costas4 *dsp.Costas
	fac     *dsp.FACDetector
	nln     *dsp.NLNDetector
	applied *Params
	phase   float64
	last    complex128
	sampler complex128
	fresh   bool
}

// New builds an inspector for ch. The channel must fit the configured
// sample rate.
func New(ch Channel, cfg Config) (*Inspector, error) {
	if err := ch.Validate(cfg.SampleRate); err != nil {
		return nil, err
	}
	if cfg.DetectorWindow <= 0 {
		cfg.DetectorWindow = defaultDetectorWindow
	}
	if cfg.CostasBandwidth <= 0 {
		cfg.CostasBandwidth = defaultCostasBandwidth
	}
	fs := float64(cfg.SampleRate)
	insp := &Inspector{
		channel: ch,
		cfg:     cfg,
		mixer:   dsp.NewNCO(-float64(ch.Offset) / fs),
		lowpass: dsp.NewLowpass(float64(ch.Bandwidth) / 2 / fs),
		agc:     dsp.NewAGC(1),
		lo:      dsp.NewNCO(0),
		rot:     1,
		costas2: dsp.NewCostas(2, cfg.CostasBandwidth),
		costas4: dsp.NewCostas(4, cfg.CostasBandwidth),
		fac:     dsp.NewFACDetector(cfg.DetectorWindow),
		nln:     dsp.NewNLNDetector(cfg.DetectorWindow),
	}
	insp.params.Store(&Params{})
	insp.baud.Store(&BaudResult{})
	insp.lock.Store(math.Float64bits(1))
	return insp, nil
}

// Channel returns the channel the inspector was opened on.
func (i *Inspector) Channel() Channel { return i.channel }

// State returns the lifecycle state.
func (i *Inspector) State() State { return State(i.state.Load()) }

// Start moves CREATED to RUNNING once the inspector's task is registered.
func (i *Inspector) Start() error { return i.transition(Created, Running) }

// BeginHalt moves a created or running inspector to HALTING.
func (i *Inspector) BeginHalt() error {
	if i.state.CompareAndSwap(int32(Created), int32(Halting)) {
		return nil
	}
	return i.transition(Running, Halting)
}

// MarkHalted records that no callback will touch the inspector again. It
// is called from the task's removal hook.
func (i *Inspector) MarkHalted() {
	i.state.Store(int32(Halted))
}

func (i *Inspector) transition(from, to State) error {
	if i.state.CompareAndSwap(int32(from), int32(to)) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s from %s", ErrBadTransition, from, to, i.State())
}

// SetParams validates p and swaps it in. The next processed sample sees
// either the old or the new set, never a mix.
func (i *Inspector) SetParams(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	i.params.Store(&p)
	return nil
}

// Params returns a copy of the current parameter set.
func (i *Inspector) Params() Params { return *i.params.Load() }

// BaudInfo returns the latest detector estimates.
func (i *Inspector) BaudInfo() BaudResult { return *i.baud.Load() }

// Samples returns how many samples have been processed.
func (i *Inspector) Samples() uint64 { return i.samples.Load() }

// CarrierLock returns the lock indicator of the active Costas loop as of
// the last processed batch, or 1 in manual mode.
func (i *Inspector) CarrierLock() float64 { return math.Float64frombits(i.lock.Load()) }

// Feed runs one sample through the chain. It returns the sampler output
// and true when the symbol clock crossed a boundary on this sample.
func (i *Inspector) Feed(x complex64) (complex64, bool) {
	p := i.params.Load()
	if p != i.applied {
		i.apply(p)
	}
	i.samples.Add(1)

	y := i.lowpass.Feed(i.mixer.Mix(complex128(x)))
	y = i.agc.Feed(y)

	switch p.Carrier {
	case Costas2:
		y = i.costas2.Feed(y)
	case Costas4:
		y = i.costas4.Feed(y)
	default:
		y *= i.lo.Step() * i.rot
	}

	facReady := i.fac.Feed(y)
	nlnReady := i.nln.Feed(y)
	if facReady || nlnReady {
		i.baud.Store(&BaudResult{FAC: i.fac.Baud(), NLN: i.nln.Baud()})
	}

	i.fresh = false
	baud := p.Baud
	if baud == 0 {
		baud = i.fac.Baud()
	}
	if baud > 0 {
		i.phase += baud
		if i.phase >= 1 {
			i.phase -= 1
			frac := math.Min(i.phase/baud, 1)
			i.sampler = i.last*complex(frac, 0) + y*complex(1-frac, 0)
			i.fresh = true
		}
	}
	i.last = y
	return complex64(i.sampler), i.fresh
}

// apply brings the oscillator and symbol clock in line with a new
// parameter snapshot.
func (i *Inspector) apply(p *Params) {
	prev := i.applied
	i.applied = p
	if prev == nil || prev.FcOffset != p.FcOffset {
		i.lo.SetFrequency(-p.FcOffset)
	}
	if prev == nil || prev.FcPhase != p.FcPhase {
		i.rot = cmplx.Rect(1, -p.FcPhase)
	}
	if prev == nil || prev.SymPhase != p.SymPhase {
		i.phase = p.SymPhase
	}
	if prev != nil && prev.Carrier != p.Carrier {
		i.costas2.Reset()
		i.costas4.Reset()
	}
}

// Process feeds every sample in samples, appending symbol clock outputs to
// syms. updated reports whether a detector produced a new estimate.
func (i *Inspector) Process(samples []complex64, syms []complex64) (out []complex64, updated bool) {
	before := i.fac.Estimates() + i.nln.Estimates()
	for _, x := range samples {
		if s, ok := i.Feed(x); ok {
			syms = append(syms, s)
		}
	}
	i.lock.Store(math.Float64bits(i.loopLock()))
	return syms, i.fac.Estimates()+i.nln.Estimates() != before
}

func (i *Inspector) loopLock() float64 {
	if i.applied == nil {
		return 1
	}
	switch i.applied.Carrier {
	case Costas2:
		return i.costas2.Lock()
	case Costas4:
		return i.costas4.Lock()
	}
	return 1
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
