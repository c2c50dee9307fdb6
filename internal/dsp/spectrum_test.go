package dsp

import (
	"math"
	"math/cmplx"
	"testing"

	"hz.tools/rf"
)

func TestHamming(t *testing.T) {
	win := Hamming(4)
	expected := []float64{0.08, 0.77, 0.77, 0.08}
	if len(win) != len(expected) {
		t.Fatalf("unexpected length: %d", len(win))
	}
	for i := range expected {
		if math.Abs(win[i]-expected[i]) > 1e-6 {
			t.Fatalf("index %d expected %.2f got %.6f", i, expected[i], win[i])
		}
	}
	if got := Hamming(1); len(got) != 1 || got[0] != 1 {
		t.Fatalf("single point window: %v", got)
	}
}

func TestFFTShiftCentresDC(t *testing.T) {
	out := FFTShift([]complex128{0, 1, 2, 3, 4})
	expected := []complex128{2, 3, 4, 0, 1}
	for i := range expected {
		if out[i] != expected[i] {
			t.Fatalf("index %d expected %v got %v", i, expected[i], out[i])
		}
	}
}

func TestFFTAndDBFSPeakAtToneBin(t *testing.T) {
	n := 64
	data := make([]complex64, n)
	for i := range data {
		phase := 2 * math.Pi * 5 * float64(i) / float64(n)
		data[i] = complex64(cmplx.Rect(1, phase))
	}
	_, db := FFTAndDBFS(data)
	peak, bin, ok := peakInBand(db, 0, n)
	if !ok || bin != n/2+5 {
		t.Fatalf("expected peak at %d got %d", n/2+5, bin)
	}
	if math.Abs(peak) > 0.5 {
		t.Fatalf("unit tone should be close to 0 dBFS, got %.2f", peak)
	}
	if f := BinFrequency(bin, n, 64); f != 5 {
		t.Fatalf("bin frequency %v", f)
	}
}

func TestCachedPSDMatchesUncached(t *testing.T) {
	size := 512
	cached := NewCachedDSP(size)
	samples := make([]complex64, size)
	for i := range samples {
		samples[i] = complex(float32(i)/float32(size), float32(size-i)/float32(size))
	}

	_, want := FFTAndDBFS(samples)
	got := cached.PSD(samples, nil)
	_, viaFFT := cached.FFTAndDBFS(samples)
	if len(got) != size || len(viaFFT) != size {
		t.Fatalf("length mismatch: %d %d", len(got), len(viaFFT))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-6 || math.Abs(viaFFT[i]-want[i]) > 1e-6 {
			t.Fatalf("bin %d: psd %.6f fft %.6f want %.6f", i, got[i], viaFFT[i], want[i])
		}
	}

	// dst is reused
	again := cached.PSD(samples, got)
	if &again[0] != &got[0] {
		t.Fatalf("PSD reallocated a large enough dst")
	}
	if out := cached.PSD(samples[:10], got); len(out) != 0 {
		t.Fatalf("mismatched frame should give an empty result")
	}
}

func TestCachedDSPUpdateSize(t *testing.T) {
	cached := NewCachedDSP(256)
	cached.UpdateSize(128)
	if cached.Size() != 128 {
		t.Fatalf("size %d", cached.Size())
	}
	if got := cached.PSD(make([]complex64, 128), nil); len(got) != 128 {
		t.Fatalf("psd length %d", len(got))
	}
	if fft, db := cached.FFTAndDBFS(nil); len(fft) != 0 || len(db) != 0 {
		t.Fatalf("empty input should give empty output")
	}
}

func TestDetectChannels(t *testing.T) {
	n := 1024
	db := make([]float64, n)
	for i := range db {
		db[i] = -80
	}
	for i := 100; i < 120; i++ {
		db[i] = -30
	}
	db[110] = -25
	for i := 700; i < 704; i++ {
		db[i] = -60
	}

	chans := DetectChannels(db, rf.Hz(1024), 10)
	if len(chans) != 2 {
		t.Fatalf("expected 2 channels, got %+v", chans)
	}
	c := chans[0]
	if c.Offset != rf.Hz(-402.5) || c.Bandwidth != rf.Hz(20) {
		t.Fatalf("first channel %+v", c)
	}
	if math.Abs(c.SNR-55) > 1e-9 {
		t.Fatalf("snr %.2f", c.SNR)
	}
	if chans[1].Bandwidth != rf.Hz(4) {
		t.Fatalf("second channel %+v", chans[1])
	}
	if DetectChannels(nil, rf.Hz(1024), 10) != nil {
		t.Fatalf("empty spectrum should give no channels")
	}
}

func TestAveragePSD(t *testing.T) {
	acc, n := AveragePSD(nil, []float64{2, 4}, 0)
	acc, n = AveragePSD(acc, []float64{4, 8}, n)
	if n != 2 || acc[0] != 3 || acc[1] != 6 {
		t.Fatalf("running mean %v over %d", acc, n)
	}
}
