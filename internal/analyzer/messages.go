package analyzer

import (
	"fmt"
	"sync"

	"hz.tools/rf"

	"github.com/rjboer/GoInspect/internal/dsp"
	"github.com/rjboer/GoInspect/internal/inspector"
	"github.com/rjboer/GoInspect/internal/mq"
)

// Message types on the inbound and outbound queues.
const (
	// MsgTypeInspector carries *InspectorMsg requests and replies.
	MsgTypeInspector mq.Type = iota + 1
	// MsgTypeBaudInfo carries *BaudInfoMsg.
	MsgTypeBaudInfo
	// MsgTypeSymbols carries *SymbolsMsg.
	MsgTypeSymbols
	// MsgTypePSD carries *PSDMsg.
	MsgTypePSD
	// MsgTypeChannels carries *ChannelsMsg.
	MsgTypeChannels
	// MsgTypeSourceError carries *SourceErrorMsg.
	MsgTypeSourceError
	// MsgTypeEOS carries *EOSMsg.
	MsgTypeEOS
	// MsgTypeHalt inbound asks the analyzer to stop; outbound it carries
	// *HaltedMsg and is the last message the analyzer emits.
	MsgTypeHalt

	msgTypeInspectorHalted
	msgTypeSourceEnded

	// MsgTypeUser is the first type free for protocol extensions. Inbound
	// messages of unknown type are relayed to the outbound queue in order.
	MsgTypeUser mq.Type = 0x100
)

// InspectorKind tells requests, replies and failures apart.
type InspectorKind int

const (
	KindOpen InspectorKind = iota
	KindClose
	KindGetInfo
	KindSetParams

	KindOpened
	KindClosed
	KindInfo
	KindParamsSet

	KindWrongHandle
	KindInvalidChannel
	KindInvalidParams
	KindHalted
)

var kindNames = [...]string{
	KindOpen:           "open",
	KindClose:          "close",
	KindGetInfo:        "get_info",
	KindSetParams:      "set_params",
	KindOpened:         "opened",
	KindClosed:         "closed",
	KindInfo:           "info",
	KindParamsSet:      "params_set",
	KindWrongHandle:    "wrong_handle",
	KindInvalidChannel: "invalid_channel",
	KindInvalidParams:  "invalid_params",
	KindHalted:         "halted",
}

func (k InspectorKind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Failed reports whether k is an error reply.
func (k InspectorKind) Failed() bool { return k >= KindWrongHandle }

// InspectorMsg is both the request and the reply of the inspector control
// protocol. Replies copy ReqID from the request.
type InspectorMsg struct {
	Kind    InspectorKind
	ReqID   uint32
	Handle  int
	Channel inspector.Channel
	Params  inspector.Params
	Baud    inspector.BaudResult
	// Lock is the carrier lock indicator reported with KindInfo.
	Lock float64
	// Worker is the consumer index an opened inspector was assigned to.
	Worker int
	Err    error

	reply chan *InspectorMsg
}

// BaudInfoMsg reports fresh baud estimates of one inspector.
type BaudInfoMsg struct {
	Handle      int
	InspectorID uint32
	Baud        inspector.BaudResult
	// Lock is the carrier loop lock indicator, 1 in manual mode.
	Lock       float64
	SampleRate rf.Hz
}

// FACHz returns the FAC estimate in symbols per second.
func (m *BaudInfoMsg) FACHz() float64 { return m.Baud.FAC * float64(m.SampleRate) }

// NLNHz returns the NLN estimate in symbols per second.
func (m *BaudInfoMsg) NLNHz() float64 { return m.Baud.NLN * float64(m.SampleRate) }

// SymbolsMsg batches the symbol clock outputs of one inspector in one
// consumer cycle. Samples is pooled: DisposeMessage recycles it.
type SymbolsMsg struct {
	Handle      int
	InspectorID uint32
	Samples     []complex64
}

// PSDMsg is a dBFS power spectrum with DC in the middle bin.
type PSDMsg struct {
	CenterFreq rf.Hz
	SampleRate rf.Hz
	Bins       []float64
}

// ChannelsMsg lists the bands found above the noise floor.
type ChannelsMsg struct {
	Channels []dsp.Channel
}

// SourceErrorMsg reports a failed source read. It ends the session.
type SourceErrorMsg struct {
	Err error
}

// EOSMsg reports that the source ran dry after Samples samples.
type EOSMsg struct {
	Samples uint64
}

// HaltedMsg is the analyzer's last message.
type HaltedMsg struct {
	Reason string
}

type sourceEnded struct {
	err error
}

var symbolsPool = sync.Pool{
	New: func() any { return &SymbolsMsg{Samples: make([]complex64, 0, 256)} },
}

func newSymbolsMsg(handle int, id uint32, syms []complex64) *SymbolsMsg {
	m := symbolsPool.Get().(*SymbolsMsg)
	m.Handle = handle
	m.InspectorID = id
	m.Samples = append(m.Samples[:0], syms...)
	return m
}

// DisposeMessage releases whatever msg owns without interpreting it. Pass
// it to mq.Queue.Drain when abandoning a queue.
func DisposeMessage(msg mq.Message) {
	switch p := msg.Payload.(type) {
	case *SymbolsMsg:
		p.Samples = p.Samples[:0]
		symbolsPool.Put(p)
	case *InspectorMsg:
		if p.reply != nil {
			// nobody will answer now
			select {
			case p.reply <- &InspectorMsg{Kind: KindHalted, ReqID: p.ReqID, Handle: p.Handle, Err: ErrNotRunning}:
			default:
			}
		}
	}
}
