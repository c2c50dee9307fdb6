package dsp

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"hz.tools/rf"
)

// Channel is a band of the source spectrum, relative to the centre
// frequency.
type Channel struct {
	Offset    rf.Hz   `json:"offset"`
	Bandwidth rf.Hz   `json:"bandwidth"`
	SNR       float64 `json:"snr_db"`
}

// binRange clamps [start,end) to [0,n).
// If the resulting interval is empty, it returns (0,0).
func binRange(n, start, end int) (int, int) {
	if n <= 0 {
		return 0, 0
	}
	if start < 0 {
		start = 0
	}
	if end <= 0 || end > n {
		end = n
	}
	if start >= end {
		return 0, 0
	}
	return start, end
}

// peakInBand returns the maximum value of db in [start,end).
func peakInBand(db []float64, start, end int) (peak float64, bin int, ok bool) {
	s, e := binRange(len(db), start, end)
	if s == e {
		return 0, 0, false
	}
	peak = -math.MaxFloat64
	for i := s; i < e; i++ {
		if db[i] > peak {
			peak = db[i]
			bin = i
		}
	}
	if peak == -math.MaxFloat64 {
		return 0, bin, false
	}
	return peak, bin, true
}

// NoiseFloor estimates the floor of a dB spectrum as the mean of its lower
// half, ignoring -Inf and NaN bins. Occupied bins sit in the upper half
// unless most of the band is in use.
func NoiseFloor(db []float64) (float64, bool) {
	vals := make([]float64, 0, len(db))
	for _, v := range db {
		if math.IsInf(v, 0) || math.IsNaN(v) {
			continue
		}
		vals = append(vals, v)
	}
	if len(vals) == 0 {
		return 0, false
	}
	slices.Sort(vals)
	low := vals[:max(1, len(vals)/2)]
	return floats.Sum(low) / float64(len(low)), true
}

// DetectChannels finds runs of bins at least thresholdDB above the noise
// floor of a shifted dB spectrum and reports each as a Channel.
func DetectChannels(db []float64, sampleRate rf.Hz, thresholdDB float64) []Channel {
	floor, ok := NoiseFloor(db)
	if !ok || sampleRate <= 0 {
		return nil
	}
	n := len(db)
	binWidth := float64(sampleRate) / float64(n)
	level := floor + thresholdDB

	var out []Channel
	for i := 0; i < n; {
		if db[i] < level {
			i++
			continue
		}
		start := i
		for i < n && db[i] >= level {
			i++
		}
		peak, _, _ := peakInBand(db, start, i)
		centre := float64(start+i-1) / 2
		out = append(out, Channel{
			Offset:    rf.Hz((centre - float64(n/2)) * binWidth),
			Bandwidth: rf.Hz(float64(i-start) * binWidth),
			SNR:       peak - floor,
		})
	}
	return out
}

// AveragePSD folds frame into acc as a running mean over count frames and
// returns the updated count. acc is resized to match frame when empty.
func AveragePSD(acc []float64, frame []float64, count int) ([]float64, int) {
	if len(acc) != len(frame) || count == 0 {
		acc = append(acc[:0], frame...)
		return acc, 1
	}
	count++
	w := 1 / float64(count)
	floats.Scale(1-w, acc)
	floats.AddScaled(acc, w, frame)
	return acc, count
}
