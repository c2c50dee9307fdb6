// Package source provides the sample producers an analyzer reads from.
package source

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"hz.tools/rf"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("source: unknown backend")

// Source produces complex baseband samples normalised to unit full scale.
type Source interface {
	// Read fills dst with the next samples. It returns io.EOF once the
	// source is exhausted; n may be non-zero together with a nil error only.
	Read(ctx context.Context, dst []complex64) (int, error)
	SampleRate() rf.Hz
	CenterFrequency() rf.Hz
	// RealTime reports whether samples arrive at the sample rate rather
	// than as fast as they are read.
	RealTime() bool
	Close() error
}

// Config carries the parameters of every backend. Fields a backend does
// not use are ignored; the file backend takes its rate and centre
// frequency from the capture header.
type Config struct {
	Backend    string  `yaml:"backend"`
	SampleRate rf.Hz   `yaml:"sample_rate"`
	CenterFreq rf.Hz   `yaml:"center_freq"`
	ToneOffset rf.Hz   `yaml:"tone_offset"`
	Baud       float64 `yaml:"baud"`
	Order      int     `yaml:"order"`
	NoiseLevel float64 `yaml:"noise_level"`
	// Limit ends the stream after this many samples; 0 means endless.
	Limit    int    `yaml:"limit"`
	RealTime bool   `yaml:"real_time"`
	Path     string `yaml:"path"`
	Seed     uint64 `yaml:"seed"`
}

// Open builds the backend named by cfg.Backend.
func Open(cfg Config) (Source, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "mock":
		return NewMock(cfg)
	case "file":
		return OpenFile(cfg.Path)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}
