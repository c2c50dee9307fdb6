package dsp

const (
	agcAttack = 0.05
	agcDecay  = 0.0005
	agcFloor  = 1e-9
)

// AGC normalises sample magnitude towards a target level. The envelope
// follows rising magnitude quickly and decays slowly, so symbol transitions
// do not pump the gain.
type AGC struct {
	target float64
	env    float64
}

// NewAGC returns a gain control that drives the envelope to target.
func NewAGC(target float64) *AGC {
	if target <= 0 {
		target = 1
	}
	return &AGC{target: target}
}

// Feed scales x by the current gain and updates the envelope.
func (a *AGC) Feed(x complex128) complex128 {
	mag := abs(x)
	switch {
	case a.env == 0:
		a.env = mag
	case mag > a.env:
		a.env += agcAttack * (mag - a.env)
	default:
		a.env += agcDecay * (mag - a.env)
	}
	if a.env < agcFloor {
		return x
	}
	return x * complex(a.target/a.env, 0)
}

// Gain returns the gain the next sample would get.
func (a *AGC) Gain() float64 {
	if a.env < agcFloor {
		return 1
	}
	return a.target / a.env
}

// Reset forgets the envelope.
func (a *AGC) Reset() { a.env = 0 }
