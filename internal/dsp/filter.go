package dsp

import segdsp "github.com/racerxdl/segdsp/dsp"

const (
	// lowpassMinTransition bounds the tap count for narrow channels.
	lowpassMinTransition = 0.01
	lowpassGain          = 1
)

// Lowpass is a windowed-sinc FIR channel filter fed one sample at a time.
// The taps come from segdsp's low-pass designer; segdsp keeps the sample
// history between calls.
type Lowpass struct {
	fir  *segdsp.FirFilter
	taps int
	in   [1]complex64
	out  [1]complex64
}

// NewLowpass returns a filter with the given normalised cutoff (cycles per
// sample). A cutoff at or above 0.5 passes samples unchanged.
func NewLowpass(cutoff float64) *Lowpass {
	if cutoff <= 0 || cutoff >= 0.5 {
		return &Lowpass{}
	}
	transition := max(cutoff/2, lowpassMinTransition)
	taps := segdsp.MakeLowPass(lowpassGain, 1, cutoff, transition)
	return &Lowpass{fir: segdsp.MakeFirFilter(taps), taps: len(taps)}
}

// Taps returns the filter length; zero for a pass-through.
func (f *Lowpass) Taps() int { return f.taps }

// Feed filters one sample.
func (f *Lowpass) Feed(x complex128) complex128 {
	if f.fir == nil {
		return x
	}
	f.in[0] = complex64(x)
	f.fir.WorkBuffer(f.in[:], f.out[:])
	return complex128(f.out[0])
}
