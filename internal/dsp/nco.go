package dsp

import (
	"math"
)

// NCO is a phase-accumulating local oscillator. Frequencies are normalised
// to the sample rate (cycles per sample).
type NCO struct {
	phase float64 // radians, kept in [-pi, pi)
	omega float64 // radians per sample
}

// NewNCO returns an oscillator running at freq cycles per sample.
func NewNCO(freq float64) *NCO {
	o := &NCO{}
	o.SetFrequency(freq)
	return o
}

// SetFrequency changes the rate without a phase jump.
func (o *NCO) SetFrequency(freq float64) { o.omega = 2 * math.Pi * freq }

// Frequency returns the rate in cycles per sample.
func (o *NCO) Frequency() float64 { return o.omega / (2 * math.Pi) }

// SetPhase moves the oscillator to phase radians.
func (o *NCO) SetPhase(phase float64) { o.phase = wrapPhase(phase) }

// Phase returns the current phase in radians.
func (o *NCO) Phase() float64 { return o.phase }

// Step returns exp(j*phase) and advances one sample.
func (o *NCO) Step() complex128 {
	s, c := math.Sincos(o.phase)
	o.phase = wrapPhase(o.phase + o.omega)
	return complex(c, s)
}

// Mix multiplies x by the oscillator output and advances one sample.
func (o *NCO) Mix(x complex128) complex128 { return x * o.Step() }

func wrapPhase(p float64) float64 {
	if p >= -math.Pi && p < math.Pi {
		return p
	}
	p = math.Mod(p+math.Pi, 2*math.Pi)
	if p < 0 {
		p += 2 * math.Pi
	}
	return p - math.Pi
}

func abs(x complex128) float64 { return math.Hypot(real(x), imag(x)) }
