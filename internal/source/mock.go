package source

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"hz.tools/rf"
)

// Mock synthesises rectangular-pulse M-PSK at ToneOffset from the centre,
// with optional Gaussian noise.
type Mock struct {
	mu  sync.Mutex
	cfg Config
	rng *rand.Rand

	carrier  float64 // radians
	carrStep float64
	symClock float64
	symStep  float64
	symbol   complex128
	produced int
	started  time.Time
	closed   bool
}

// NewMock validates cfg and returns a mock source. Zero values get the
// defaults 48 kS/s, 1200 baud BPSK.
func NewMock(cfg Config) (*Mock, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 48 * rf.KHz
	}
	if cfg.Baud == 0 {
		cfg.Baud = 1200
	}
	if cfg.Order == 0 {
		cfg.Order = 2
	}
	switch {
	case cfg.SampleRate < 0:
		return nil, fmt.Errorf("source: sample rate %v must be positive", cfg.SampleRate)
	case cfg.Order != 2 && cfg.Order != 4:
		return nil, fmt.Errorf("source: psk order %d not supported", cfg.Order)
	case cfg.Baud < 0 || cfg.Baud > float64(cfg.SampleRate)/2:
		return nil, fmt.Errorf("source: baud %v outside (0, fs/2]", cfg.Baud)
	case math.Abs(float64(cfg.ToneOffset)) >= float64(cfg.SampleRate)/2:
		return nil, fmt.Errorf("source: tone offset %v outside the band", cfg.ToneOffset)
	case cfg.Limit < 0:
		return nil, fmt.Errorf("source: negative limit %d", cfg.Limit)
	}
	fs := float64(cfg.SampleRate)
	m := &Mock{
		cfg:      cfg,
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x5851f42d4c957f2d)),
		carrStep: 2 * math.Pi * float64(cfg.ToneOffset) / fs,
		symStep:  cfg.Baud / fs,
		symClock: 1,
	}
	return m, nil
}

func (m *Mock) SampleRate() rf.Hz      { return m.cfg.SampleRate }
func (m *Mock) CenterFrequency() rf.Hz { return m.cfg.CenterFreq }
func (m *Mock) RealTime() bool         { return m.cfg.RealTime }

// Produced returns the number of samples generated so far.
func (m *Mock) Produced() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.produced
}

// Read generates len(dst) samples, or fewer when the limit is reached. In
// real-time mode it sleeps so the average rate matches the sample rate.
func (m *Mock) Read(ctx context.Context, dst []complex64) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	n := len(dst)
	if m.cfg.Limit > 0 {
		left := m.cfg.Limit - m.produced
		if left <= 0 {
			m.mu.Unlock()
			return 0, io.EOF
		}
		n = min(n, left)
	}
	if m.started.IsZero() {
		m.started = time.Now()
	}
	m.generate(dst[:n])
	m.produced += n
	due := m.started.Add(time.Duration(float64(m.produced) / float64(m.cfg.SampleRate) * float64(time.Second)))
	m.mu.Unlock()

	if m.cfg.RealTime {
		if wait := time.Until(due); wait > 0 {
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return n, nil
			}
		}
	}
	return n, nil
}

func (m *Mock) generate(dst []complex64) {
	order := float64(m.cfg.Order)
	base := 0.0
	if m.cfg.Order == 4 {
		base = math.Pi / 4
	}
	for i := range dst {
		if m.symClock >= 1 {
			m.symClock -= math.Floor(m.symClock)
			k := float64(m.rng.IntN(m.cfg.Order))
			s, c := math.Sincos(base + 2*math.Pi*k/order)
			m.symbol = complex(c, s)
		}
		m.symClock += m.symStep
		s, c := math.Sincos(m.carrier)
		v := m.symbol * complex(c, s)
		if m.cfg.NoiseLevel > 0 {
			v += complex(m.rng.NormFloat64()*m.cfg.NoiseLevel, m.rng.NormFloat64()*m.cfg.NoiseLevel)
		}
		dst[i] = complex64(v)
		m.carrier = math.Mod(m.carrier+m.carrStep, 2*math.Pi)
	}
}

// Close makes further reads fail.
func (m *Mock) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
