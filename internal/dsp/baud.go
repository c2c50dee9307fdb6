package dsp

import (
	"math"
	"math/cmplx"

	"github.com/racerxdl/segdsp/dsp"
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// Baud estimates are normalised to the sample rate: symbols per sample.
// Zero means no estimate yet.

// FACDetector estimates the symbol rate from the magnitude of the
// autocorrelation of the signal. For rectangular-pulse PSK |R(tau)| falls
// off as a triangle of width T, so the half-height lag gives T/2.
type FACDetector struct {
	size  int
	buf   []complex128
	n     int
	fft   *fourier.CmplxFFT
	work  []complex128
	spec  []complex128
	acf   []complex128
	mag   []float64
	baud  float64
	ready int
}

// NewFACDetector returns a detector that produces an estimate every size
// samples.
func NewFACDetector(size int) *FACDetector {
	if size < 16 {
		size = 16
	}
	return &FACDetector{
		size: size,
		buf:  make([]complex128, size),
		fft:  fourier.NewCmplxFFT(2 * size),
		work: make([]complex128, 2*size),
		spec: make([]complex128, 2*size),
		acf:  make([]complex128, 2*size),
		mag:  make([]float64, size/2),
	}
}

// Feed adds one sample and reports whether a new estimate was computed.
func (d *FACDetector) Feed(x complex128) bool {
	d.buf[d.n] = x
	d.n++
	if d.n < d.size {
		return false
	}
	d.n = 0
	d.baud = d.estimate()
	d.ready++
	return true
}

// Baud returns the last estimate.
func (d *FACDetector) Baud() float64 { return d.baud }

// Estimates returns how many windows have been evaluated.
func (d *FACDetector) Estimates() int { return d.ready }

func (d *FACDetector) estimate() float64 {
	copy(d.work, d.buf)
	clear(d.work[d.size:])
	d.spec = d.fft.Coefficients(d.spec, d.work)
	for i, v := range d.spec {
		d.spec[i] = complex(real(v)*real(v)+imag(v)*imag(v), 0)
	}
	d.acf = d.fft.Sequence(d.acf, d.spec)
	for k := range d.mag {
		d.mag[k] = cmplx.Abs(d.acf[k])
	}
	return halfHeightBaud(d.mag)
}

// halfHeightBaud finds the lag where the autocorrelation magnitude drops
// below half of its lag-1 value. Lag 0 is skipped because white noise piles
// up there.
func halfHeightBaud(mag []float64) float64 {
	if len(mag) < 3 || mag[1] == 0 {
		return 0
	}
	half := mag[1] / 2
	for k := 2; k < len(mag); k++ {
		if mag[k] >= half {
			continue
		}
		frac := (mag[k-1] - half) / (mag[k-1] - mag[k])
		tau := float64(k-1) + frac
		period := 2*tau - 1
		if period <= 1 {
			return 0
		}
		return 1 / period
	}
	return 0
}

// NLNDetector estimates the symbol rate from the spectral line that a
// non-linear transform of the signal produces at the baud rate. The
// transform is |x[n] - x[n-1]|^2, which pulses at every symbol transition.
type NLNDetector struct {
	size   int
	minBin int
	prev   complex64
	buf    []complex64
	diff   []complex64
	feat   []float64
	n      int
	fft    *fourier.FFT
	coeffs []complex128
	mag    []float64
	baud   float64
	ready  int
}

// NewNLNDetector returns a detector evaluated every size samples.
func NewNLNDetector(size int) *NLNDetector {
	if size < 16 {
		size = 16
	}
	return &NLNDetector{
		size:   size,
		minBin: 2,
		buf:    make([]complex64, size),
		diff:   make([]complex64, size),
		feat:   make([]float64, size),
		fft:    fourier.NewFFT(size),
		coeffs: make([]complex128, size/2+1),
		mag:    make([]float64, size/2+1),
	}
}

// Feed adds one sample and reports whether a new estimate was computed.
func (d *NLNDetector) Feed(x complex128) bool {
	d.buf[d.n] = complex64(x)
	d.n++
	if d.n < d.size {
		return false
	}
	d.n = 0
	d.baud = d.estimate()
	d.ready++
	return true
}

// Baud returns the last estimate.
func (d *NLNDetector) Baud() float64 { return d.baud }

// Estimates returns how many windows have been evaluated.
func (d *NLNDetector) Estimates() int { return d.ready }

func (d *NLNDetector) estimate() float64 {
	// the first difference is against the last sample of the previous window
	prev := d.prev
	for i, v := range d.buf {
		d.diff[i] = v - prev
		prev = v
	}
	d.prev = prev
	power := dsp.MultiplyConjugate(d.diff, d.diff, d.size)
	for i, v := range power {
		d.feat[i] = float64(real(v))
	}
	floats.AddConst(-floats.Sum(d.feat)/float64(d.size), d.feat)

	d.coeffs = d.fft.Coefficients(d.coeffs, d.feat)
	for i, v := range d.coeffs {
		d.mag[i] = cmplx.Abs(v)
	}
	bin := fundamentalBin(d.mag, d.minBin)
	if bin <= 0 {
		return 0
	}
	return bin / float64(d.size)
}

// fundamentalBin returns the refined position of the lowest spectral line
// that is at least half as strong as the strongest one above minBin.
// Harmonics of the symbol rate can be as strong as the fundamental, so the
// plain maximum is not enough.
func fundamentalBin(mag []float64, minBin int) float64 {
	if len(mag) < minBin+3 {
		return 0
	}
	top := floats.Max(mag[minBin : len(mag)-1])
	if top == 0 {
		return 0
	}
	for k := minBin; k < len(mag)-1; k++ {
		if mag[k] < top/2 || mag[k] < mag[k-1] || mag[k] < mag[k+1] {
			continue
		}
		return float64(k) + parabolicOffset(mag[k-1], mag[k], mag[k+1])
	}
	return 0
}

func parabolicOffset(l, c, r float64) float64 {
	den := l - 2*c + r
	if den == 0 {
		return 0
	}
	p := 0.5 * (l - r) / den
	if math.IsNaN(p) || math.Abs(p) > 0.5 {
		return 0
	}
	return p
}
