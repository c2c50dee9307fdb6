package analyzer

import (
	"context"
	"errors"
	"io"

	"github.com/rjboer/GoInspect/internal/dsp"
	"github.com/rjboer/GoInspect/internal/logging"
)

// readSource is the source reader goroutine: it moves batches from the
// source into the stream and reports end of stream or failure once.
func (a *Analyzer) readSource(ctx context.Context) {
	defer close(a.readDone)

	log := a.logger.With(logging.F("subsystem", "source"))
	buf := make([]complex64, a.cfg.ReadSize)
	tap := newSpectrumTap(a)

	for {
		n, err := a.src.Read(ctx, buf)
		if n > 0 {
			if werr := a.stream.Write(ctx, buf[:n]); werr != nil {
				if ctx.Err() != nil {
					return
				}
				err = werr
			} else {
				a.samples.Add(uint64(n))
				tap.feed(buf[:n])
			}
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			continue
		}

		var cause error
		if !errors.Is(err, io.EOF) {
			cause = err
			log.Warn("source read failed", logging.F("err", err))
		} else {
			log.Debug("source exhausted", logging.F("samples", a.samples.Load()))
		}
		a.stream.Finish(cause)
		if perr := a.in.Push(msgTypeSourceEnded, sourceEnded{err: cause}); perr != nil {
			log.Debug("end of stream after teardown")
		}
		return
	}
}

// spectrumTap keeps the most recent samples and emits PSD and channel
// messages on their sample-time intervals.
type spectrumTap struct {
	a         *Analyzer
	cache     *dsp.CachedDSP
	hist      []complex64
	frame     []complex64
	pos       int
	filled    bool
	psdEvery  uint64
	chanEvery uint64
	sincePSD  uint64
	sinceChan uint64
	bins      []float64
}

func newSpectrumTap(a *Analyzer) *spectrumTap {
	fs := float64(a.src.SampleRate())
	t := &spectrumTap{
		a:         a,
		psdEvery:  uint64(a.cfg.PSDInterval * fs),
		chanEvery: uint64(a.cfg.ChannelInterval * fs),
	}
	if t.psdEvery > 0 || t.chanEvery > 0 {
		t.cache = dsp.NewCachedDSP(a.cfg.PSDSize)
		t.hist = make([]complex64, a.cfg.PSDSize)
		t.frame = make([]complex64, a.cfg.PSDSize)
	}
	return t
}

func (t *spectrumTap) feed(samples []complex64) {
	if t.cache == nil {
		return
	}
	for len(samples) > 0 {
		n := copy(t.hist[t.pos:], samples)
		samples = samples[n:]
		t.pos += n
		if t.pos == len(t.hist) {
			t.pos = 0
			t.filled = true
		}
		t.sincePSD += uint64(n)
		t.sinceChan += uint64(n)
	}
	if !t.filled {
		return
	}
	psdDue := t.psdEvery > 0 && t.sincePSD >= t.psdEvery
	chanDue := t.chanEvery > 0 && t.sinceChan >= t.chanEvery
	if !psdDue && !chanDue {
		return
	}

	// oldest sample first
	k := copy(t.frame, t.hist[t.pos:])
	copy(t.frame[k:], t.hist[:t.pos])
	t.bins = t.cache.PSD(t.frame, t.bins)

	if psdDue {
		t.sincePSD = 0
		t.a.push(MsgTypePSD, &PSDMsg{
			CenterFreq: t.a.src.CenterFrequency(),
			SampleRate: t.a.src.SampleRate(),
			Bins:       append([]float64(nil), t.bins...),
		})
	}
	if chanDue {
		t.sinceChan = 0
		t.a.push(MsgTypeChannels, &ChannelsMsg{
			Channels: dsp.DetectChannels(t.bins, t.a.src.SampleRate(), t.a.cfg.ChannelThresholdDB),
		})
	}
}
