package analyzer

import (
	"github.com/rjboer/GoInspect/internal/consumer"
	"github.com/rjboer/GoInspect/internal/inspector"
	"github.com/rjboer/GoInspect/internal/mq"
)

// inspectorTask drives insp over every new sample of its consumer. Symbols
// of one cycle go out as one message; baud estimates go out when a
// detector has a new value and InfoInterval has passed.
func (a *Analyzer) inspectorTask(handle int, insp *inspector.Inspector) consumer.Func {
	infoEvery := uint64(a.cfg.InfoInterval * float64(a.src.SampleRate()))
	sinceInfo := infoEvery
	var syms []complex64

	return func(out *mq.Queue, st *consumer.TaskState) bool {
		if insp.State() != inspector.Running {
			return true
		}
		window := st.AssertSamples()
		if len(window) == 0 {
			return true
		}
		var updated bool
		syms, updated = insp.Process(window, syms[:0])
		if err := st.Advance(len(window)); err != nil {
			return false
		}
		sinceInfo += uint64(len(window))

		p := insp.Params()
		if len(syms) > 0 {
			msg := newSymbolsMsg(handle, p.ID, syms)
			if err := out.Push(MsgTypeSymbols, msg); err != nil {
				DisposeMessage(mq.Message{Type: MsgTypeSymbols, Payload: msg})
				return false
			}
		}
		if updated && sinceInfo >= infoEvery {
			sinceInfo = 0
			err := out.Push(MsgTypeBaudInfo, &BaudInfoMsg{
				Handle:      handle,
				InspectorID: p.ID,
				Baud:        insp.BaudInfo(),
				Lock:        insp.CarrierLock(),
				SampleRate:  a.src.SampleRate(),
			})
			if err != nil {
				return false
			}
		}
		return true
	}
}
