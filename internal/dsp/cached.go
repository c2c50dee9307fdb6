package dsp

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// CachedDSP keeps the Hamming window, its normalisation sum and the FFT plan
// for one spectrum size so the source reader does not rebuild them for every
// PSD frame.
type CachedDSP struct {
	mu        sync.RWMutex
	window    []float64
	windowSum float64
	size      int
	fft       *fourier.CmplxFFT
	scratch   []complex128
	coeffs    []complex128
}

// NewCachedDSP creates a spectrum helper for frames of size samples.
func NewCachedDSP(size int) *CachedDSP {
	c := &CachedDSP{}
	c.UpdateSize(size)
	return c
}

// FFTAndDBFS returns the shifted spectrum of samples and its dBFS magnitude.
// Frames of a different size fall back to the uncached path.
func (c *CachedDSP) FFTAndDBFS(samples []complex64) ([]complex128, []float64) {
	if len(samples) == 0 {
		return []complex128{}, []float64{}
	}
	if len(samples) != c.Size() {
		return FFTAndDBFS(samples)
	}

	c.mu.Lock()
	windowed := ApplyWindow(samples, c.window)
	coeffs := c.fft.Coefficients(nil, windowed)
	norm := complex(c.windowSum, 0)
	c.mu.Unlock()

	for i := range coeffs {
		coeffs[i] /= norm
	}
	shifted := FFTShift(coeffs)
	return shifted, toDBFS(shifted, nil)
}

// PSD writes the dBFS power spectrum of samples into dst, growing it as
// needed, and returns it. DC sits in the middle bin. It allocates nothing
// once dst has the right length.
func (c *CachedDSP) PSD(samples []complex64, dst []float64) []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(samples) != c.size || c.size == 0 {
		return dst[:0]
	}
	for i, v := range samples {
		w := c.window[i]
		c.scratch[i] = complex(float64(real(v))*w, float64(imag(v))*w)
	}
	c.coeffs = c.fft.Coefficients(c.coeffs, c.scratch)
	if cap(dst) < c.size {
		dst = make([]float64, c.size)
	}
	dst = dst[:c.size]
	half := c.size / 2
	for i, v := range c.coeffs {
		dst[(i+c.size-half)%c.size] = dbfs(v / complex(c.windowSum, 0))
	}
	return dst
}

// UpdateSize rebuilds the cached window and plan for a new frame size.
func (c *CachedDSP) UpdateSize(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.size = size
	c.window = Hamming(size)
	c.windowSum = 0
	for _, v := range c.window {
		c.windowSum += v
	}
	c.scratch = make([]complex128, max(size, 0))
	c.coeffs = make([]complex128, max(size, 0))
	if size > 0 {
		c.fft = fourier.NewCmplxFFT(size)
	} else {
		c.fft = nil
	}
}

// Size returns the cached frame size.
func (c *CachedDSP) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

func toDBFS(spec []complex128, dst []float64) []float64 {
	if cap(dst) < len(spec) {
		dst = make([]float64, len(spec))
	}
	dst = dst[:len(spec)]
	for i, v := range spec {
		dst[i] = dbfs(v)
	}
	return dst
}

func dbfs(v complex128) float64 {
	mag := cmplx.Abs(v)
	if mag == 0 {
		return -math.Inf(1)
	}
	return 20 * math.Log10(mag/fullScale)
}
