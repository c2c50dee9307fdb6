// Command iqgen writes a synthetic PSK capture as an rfcap file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
	"hz.tools/rf"

	"github.com/rjboer/GoInspect/internal/logging"
	"github.com/rjboer/GoInspect/internal/source"
)

type options struct {
	out        string
	samples    int
	sampleRate float64
	center     float64
	tone       float64
	baud       float64
	order      int
	noise      float64
	seed       uint64
}

func main() {
	if err := run(os.Args[1:], logging.New(logging.Info, logging.Text, os.Stderr)); err != nil {
		fmt.Fprintf(os.Stderr, "iqgen: %v\n", err)
		os.Exit(1)
	}
}

func parseOptions(args []string) (options, error) {
	var o options
	fs := pflag.NewFlagSet("iqgen", pflag.ContinueOnError)
	fs.StringVarP(&o.out, "out", "o", "capture.rfcap", "Output file")
	fs.IntVarP(&o.samples, "samples", "n", 480_000, "Number of samples to write")
	fs.Float64Var(&o.sampleRate, "sample-rate", 48_000, "Sample rate in Hz")
	fs.Float64Var(&o.center, "center-freq", 0, "Centre frequency recorded in the header in Hz")
	fs.Float64Var(&o.tone, "tone-offset", 1_000, "Carrier offset from centre in Hz")
	fs.Float64Var(&o.baud, "baud", 1_200, "Symbol rate")
	fs.IntVar(&o.order, "order", 2, "PSK order (2|4)")
	fs.Float64Var(&o.noise, "noise", 0.05, "Noise standard deviation")
	fs.Uint64Var(&o.seed, "seed", 1, "Random seed")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.samples <= 0 {
		return options{}, errors.New("samples must be positive")
	}
	return o, nil
}

func run(args []string, logger logging.Logger) error {
	o, err := parseOptions(args)
	if err != nil {
		return err
	}
	mock, err := source.NewMock(source.Config{
		SampleRate: rf.Hz(o.sampleRate),
		ToneOffset: rf.Hz(o.tone),
		Baud:       o.baud,
		Order:      o.order,
		NoiseLevel: o.noise,
		Limit:      o.samples,
		Seed:       o.seed,
	})
	if err != nil {
		return err
	}
	defer mock.Close()

	w, err := source.CreateFile(o.out, rf.Hz(o.sampleRate), rf.Hz(o.center))
	if err != nil {
		return err
	}
	buf := make([]complex64, 4096)
	ctx := context.Background()
	for {
		n, err := mock.Read(ctx, buf)
		if n > 0 {
			if werr := w.Write(buf[:n]); werr != nil {
				_ = w.Close()
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			_ = w.Close()
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}
	logger.Info("capture written",
		logging.F("path", o.out),
		logging.F("samples", w.Samples()),
		logging.F("sample_rate", rf.Hz(o.sampleRate)),
		logging.F("center_freq", rf.Hz(o.center)),
		logging.F("baud", o.baud))
	return nil
}
