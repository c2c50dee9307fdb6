package dsp

import (
	"math"
	"math/cmplx"

	segdsp "github.com/racerxdl/segdsp/dsp"
)

const lockSmoothing = 0.005

// Costas is a carrier recovery loop for BPSK (order 2) or QPSK (order 4)
// built on the segdsp loops. It is fed one sample at a time and keeps a
// smoothed lock indicator over the derotated output.
type Costas struct {
	order  int
	loopBW float32
	loop   segdsp.CostasLoop
	in     [1]complex64
	out    [1]complex64
	lock   float64
}

// NewCostas builds a loop of the given order (2 or 4). loopBW is the
// normalised loop bandwidth, typically 2*pi/100 .. 2*pi/200.
func NewCostas(order int, loopBW float64) *Costas {
	if order != 4 {
		order = 2
	}
	c := &Costas{order: order, loopBW: float32(loopBW)}
	c.Reset()
	return c
}

// Order returns 2 or 4.
func (c *Costas) Order() int { return c.order }

// Feed derotates x by the loop phase and returns the derotated sample.
func (c *Costas) Feed(x complex128) complex128 {
	c.in[0] = complex64(x)
	c.loop.WorkBuffer(c.in[:], c.out[:])
	y := complex128(c.out[0])
	if mag := cmplx.Abs(y); mag > 0 {
		c.lock += lockSmoothing * (c.lockMetric(y/complex(mag, 0)) - c.lock)
	}
	return y
}

// lockMetric is 1 when the unit sample sits on a constellation point and
// drops towards 0 (or below) as it drifts off.
func (c *Costas) lockMetric(u complex128) float64 {
	p := u * u
	if c.order == 4 {
		p *= p
		return -real(p)
	}
	return real(p)
}

// Frequency returns the tracked carrier offset in cycles per sample.
func (c *Costas) Frequency() float64 { return float64(c.loop.GetFrequency()) / (2 * math.Pi) }

// Error returns the loop's last phase error.
func (c *Costas) Error() float64 { return float64(c.loop.GetError()) }

// Lock returns a smoothed lock indicator in [-1, 1]; values near 1 mean the
// loop is locked.
func (c *Costas) Lock() float64 { return c.lock }

// Reset restarts the loop from zero phase and frequency.
func (c *Costas) Reset() {
	if c.order == 4 {
		c.loop = segdsp.MakeCostasLoop4(c.loopBW)
	} else {
		c.loop = segdsp.MakeCostasLoop2(c.loopBW)
	}
	c.lock = 0
}
