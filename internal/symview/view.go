// Package symview keeps decided symbols of one inspector for display.
package symview

import (
	"math"
	"sync"
)

// View is a growable buffer of symbol values with an autoscrolling window
// of Height rows of Stride symbols.
type View struct {
	mu     sync.Mutex
	data   []byte
	stride int
	height int
	offset int
	limit  int
	scroll bool
}

// New returns a view showing height rows of stride symbols. At most limit
// symbols are kept; older ones are dropped from the front. limit 0 keeps
// everything.
func New(stride, height, limit int) *View {
	if stride <= 0 {
		stride = 64
	}
	if height <= 0 {
		height = 16
	}
	return &View{stride: stride, height: height, limit: limit, scroll: true}
}

// Append adds one symbol value.
func (v *View) Append(b byte) {
	v.mu.Lock()
	v.data = append(v.data, b)
	v.trimLocked()
	v.followLocked()
	v.mu.Unlock()
}

// AppendAll adds a batch of symbol values.
func (v *View) AppendAll(bs []byte) {
	if len(bs) == 0 {
		return
	}
	v.mu.Lock()
	v.data = append(v.data, bs...)
	v.trimLocked()
	v.followLocked()
	v.mu.Unlock()
}

// Clear drops every symbol and resets the window.
func (v *View) Clear() {
	v.mu.Lock()
	v.data = v.data[:0]
	v.offset = 0
	v.mu.Unlock()
}

// Len returns the number of stored symbols.
func (v *View) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.data)
}

// SetAutoscroll turns window following on or off.
func (v *View) SetAutoscroll(on bool) {
	v.mu.Lock()
	v.scroll = on
	v.followLocked()
	v.mu.Unlock()
}

// ScrollTo moves the window to start at row and disables autoscroll.
func (v *View) ScrollTo(row int) {
	v.mu.Lock()
	v.scroll = false
	v.offset = max(0, min(row*v.stride, v.lastRowLocked()))
	v.mu.Unlock()
}

// Snapshot returns a copy of the symbols under the window and the index
// of the first one.
func (v *View) Snapshot() (offset int, window []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	end := min(len(v.data), v.offset+v.stride*v.height)
	return v.offset, append([]byte(nil), v.data[v.offset:end]...)
}

func (v *View) trimLocked() {
	if v.limit <= 0 || len(v.data) <= v.limit {
		return
	}
	// drop whole rows so the layout does not shift sideways
	drop := len(v.data) - v.limit
	drop = (drop + v.stride - 1) / v.stride * v.stride
	drop = min(drop, len(v.data))
	v.data = append(v.data[:0], v.data[drop:]...)
	v.offset = max(0, v.offset-drop)
}

func (v *View) followLocked() {
	if !v.scroll {
		return
	}
	rows := (len(v.data) + v.stride - 1) / v.stride
	v.offset = max(0, rows-v.height) * v.stride
}

func (v *View) lastRowLocked() int {
	if len(v.data) == 0 {
		return 0
	}
	return (len(v.data) - 1) / v.stride * v.stride
}

// Decider maps symbol samples to symbol values by phase sector.
type Decider struct {
	order int
	base  float64
}

// NewDecider returns a decider for M-PSK. QPSK sectors are centred on
// the diagonals, BPSK on the real axis.
func NewDecider(order int) Decider {
	if order < 2 {
		order = 2
	}
	d := Decider{order: order}
	if order == 4 {
		d.base = math.Pi / 4
	}
	return d
}

// Decide returns the sector index of x in [0, order).
func (d Decider) Decide(x complex64) byte {
	phi := math.Atan2(float64(imag(x)), float64(real(x))) - d.base
	sector := 2 * math.Pi / float64(d.order)
	k := int(math.Round(phi/sector)) % d.order
	if k < 0 {
		k += d.order
	}
	return byte(k)
}

// DecideAll appends the decisions for xs to dst.
func (d Decider) DecideAll(dst []byte, xs []complex64) []byte {
	for _, x := range xs {
		dst = append(dst, d.Decide(x))
	}
	return dst
}
