package telemetry

import (
	"context"
	"errors"
	"strconv"

	"github.com/rjboer/GoInspect/internal/analyzer"
	"github.com/rjboer/GoInspect/internal/logging"
	"github.com/rjboer/GoInspect/internal/mq"
)

// Reporter consumes analyzer outbound messages. Report must not keep the
// message or its payload slices past the call.
type Reporter interface {
	Report(msg mq.Message)
}

// StdoutReporter logs analyzer events.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return StdoutReporter{logger: logger.With(logging.F("subsystem", "telemetry"))}
}

func (r StdoutReporter) Report(msg mq.Message) {
	switch p := msg.Payload.(type) {
	case *analyzer.SymbolsMsg:
		r.logger.Debug("symbols", logging.F("handle", p.Handle), logging.F("count", len(p.Samples)))
	case *analyzer.BaudInfoMsg:
		r.logger.Info("baud estimate",
			logging.F("handle", p.Handle),
			logging.F("inspector_id", p.InspectorID),
			logging.F("fac_hz", p.FACHz()),
			logging.F("nln_hz", p.NLNHz()))
	case *analyzer.InspectorMsg:
		fields := []logging.Field{
			{Key: "kind", Value: p.Kind.String()},
			{Key: "handle", Value: p.Handle},
			{Key: "req_id", Value: p.ReqID},
		}
		if p.Kind == analyzer.KindOpened {
			fields = append(fields,
				logging.F("offset", p.Channel.Offset),
				logging.F("bandwidth", p.Channel.Bandwidth),
				logging.F("worker", p.Worker))
		}
		if p.Kind.Failed() {
			fields = append(fields, logging.F("err", p.Err))
			r.logger.Warn("inspector request failed", fields...)
			return
		}
		r.logger.Info("inspector", fields...)
	case *analyzer.PSDMsg:
		r.logger.Debug("spectrum", logging.F("bins", len(p.Bins)), logging.F("center_freq", p.CenterFreq))
	case *analyzer.ChannelsMsg:
		fields := []logging.Field{{Key: "count", Value: len(p.Channels)}}
		for i, ch := range p.Channels {
			if i == 4 {
				break
			}
			fields = append(fields, logging.F("ch"+strconv.Itoa(i), ch))
		}
		r.logger.Info("channels", fields...)
	case *analyzer.SourceErrorMsg:
		r.logger.Error("source error", logging.F("err", p.Err))
	case *analyzer.EOSMsg:
		r.logger.Info("end of stream", logging.F("samples", p.Samples))
	case *analyzer.HaltedMsg:
		r.logger.Info("analyzer halted", logging.F("reason", p.Reason))
	default:
		r.logger.Debug("message", logging.F("type", uint32(msg.Type)))
	}
}

// MultiReporter fans out messages to multiple destinations.
type MultiReporter []Reporter

// Report forwards msg to each configured reporter.
func (m MultiReporter) Report(msg mq.Message) {
	for _, r := range m {
		if r != nil {
			r.Report(msg)
		}
	}
}

// MessageReader is the outbound side of an analyzer.
type MessageReader interface {
	Read(ctx context.Context) (mq.Message, error)
}

// Pump hands every outbound message of src to r and disposes it. It
// returns nil after the analyzer's halted message, or the context error.
func Pump(ctx context.Context, src MessageReader, r Reporter) error {
	for {
		msg, err := src.Read(ctx)
		if err != nil {
			if errors.Is(err, mq.ErrClosed) {
				return nil
			}
			return err
		}
		if r != nil {
			r.Report(msg)
		}
		analyzer.DisposeMessage(msg)
		if msg.Type == analyzer.MsgTypeHalt {
			return nil
		}
	}
}
