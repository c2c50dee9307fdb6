package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"hz.tools/rf"
	"hz.tools/rfcap"
	"hz.tools/sdr"
	"hz.tools/sdr/stream"
)

// File replays an rfcap capture. Sample rate and centre frequency come
// from the capture header; samples in other formats are converted to C64.
type File struct {
	f      *os.File
	r      sdr.Reader
	fs     rf.Hz
	fc     rf.Hz
	closed bool
}

// OpenFile opens the rfcap capture at path.
func OpenFile(path string) (*File, error) {
	if path == "" {
		return nil, errors.New("source: file backend needs a path")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open capture: %w", err)
	}
	r, hdr, err := rfcap.Reader(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("source: capture header: %w", err)
	}
	if r.SampleFormat() != sdr.SampleFormatC64 {
		if r, err = stream.ConvertReader(r, sdr.SampleFormatC64); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("source: convert capture: %w", err)
		}
	}
	if r.SampleRate() == 0 {
		_ = f.Close()
		return nil, errors.New("source: capture header has no sample rate")
	}
	return &File{f: f, r: r, fs: rf.Hz(r.SampleRate()), fc: hdr.CenterFrequency}, nil
}

func (s *File) SampleRate() rf.Hz      { return s.fs }
func (s *File) CenterFrequency() rf.Hz { return s.fc }
func (s *File) RealTime() bool         { return false }

// Read fills dst from the capture. A short final read returns what was
// left; the call after it reports io.EOF.
func (s *File) Read(ctx context.Context, dst []complex64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	n, err := sdr.ReadFull(s.r, sdr.SamplesC64(dst))
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		if n > 0 {
			return n, nil
		}
		return 0, io.EOF
	default:
		return n, fmt.Errorf("source: read capture: %w", err)
	}
}

// Close releases the file.
func (s *File) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.f.Close()
}

// FileWriter streams C64 samples into an rfcap capture.
type FileWriter struct {
	f *os.File
	w sdr.Writer
	n int
}

// CreateFile truncates or creates path and writes an rfcap header for a
// C64 capture at sampleRate around centre.
func CreateFile(path string, sampleRate, centre rf.Hz) (*FileWriter, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("source: sample rate %v must be positive", sampleRate)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("source: create capture: %w", err)
	}
	w, err := rfcap.Writer(f, rfcap.Header{
		CenterFrequency: centre,
		SampleRate:      uint(sampleRate),
		SampleFormat:    sdr.SampleFormatC64,
	})
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("source: capture header: %w", err)
	}
	return &FileWriter{f: f, w: w}, nil
}

// Write appends samples.
func (w *FileWriter) Write(samples []complex64) error {
	n, err := w.w.Write(sdr.SamplesC64(samples))
	w.n += n
	if err != nil {
		return fmt.Errorf("source: write capture: %w", err)
	}
	return nil
}

// Samples returns how many samples were written.
func (w *FileWriter) Samples() int { return w.n }

// Close closes the capture file.
func (w *FileWriter) Close() error {
	return w.f.Close()
}

// WriteFile stores samples as an rfcap capture at path.
func WriteFile(path string, sampleRate, centre rf.Hz, samples []complex64) error {
	w, err := CreateFile(path, sampleRate, centre)
	if err != nil {
		return err
	}
	if err := w.Write(samples); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
