package streamer

import (
	"github.com/chewxy/math32"
	"github.com/viterin/vek/vek32"
)

// DeclickRamp smooths gain changes at transport start and stop with a
// one-pole exponential so the output does not click. At 44.1 kHz the
// coefficient moves the gain about a tenth of the remaining way to the
// target per block, a time constant of roughly 150 samples (3 ms).
//
// The gain update runs once per block of up to declickBlock samples
// instead of per sample, so the gain is constant within a block; Accurate
// selects a variant that updates short tail blocks with an exponential
// scaled by the block length instead of the full-block coefficient. Both
// variants are deterministic for a given sample rate and call pattern; the
// curve depends on how the samples are split across calls.
type DeclickRamp struct {
	a        float32
	l        float32
	g        float32
	Accurate bool
}

const (
	declickBlock = 16
	// snap threshold; below this the ramp has audibly converged and g is
	// pinned to the target so the constant-gain fast path takes over
	gainCoeffDelta = 1e-5
)

func MakeDeclickRamp(sampleRate int) DeclickRamp {
	a := 4550.0 / float32(sampleRate)
	return DeclickRamp{a: a, l: -math32.Log1p(a)}
}

func (d *DeclickRamp) Gain() float32 {
	return d.g
}

func (d *DeclickRamp) SetGain(g float32) {
	d.g = g
}

// ApplyGain multiplies buf with the ramp from the current gain towards
// target, leaving the ramp's end value in the DeclickRamp. With the gain
// already at the target it degenerates to a constant multiply. Never
// allocates.
func (d *DeclickRamp) ApplyGain(buf []float32, target float32) {
	if len(buf) == 0 {
		return
	}
	g := d.g
	if g == target {
		if g != 1 {
			vek32.MulNumber_Inplace(buf, g)
		}
		return
	}
	remain := len(buf)
	offset := 0
	for remain > 0 {
		nProc := remain
		if nProc > declickBlock {
			nProc = declickBlock
		}
		for i := 0; i < nProc; i++ {
			buf[offset+i] *= g
		}
		if !d.Accurate || nProc == declickBlock {
			g += d.a * (target - g)
		} else {
			g = target - (target-g)*math32.Exp(d.l*float32(nProc)/declickBlock)
		}
		remain -= nProc
		offset += nProc
	}
	if math32.Abs(g-target) < gainCoeffDelta {
		d.g = target
	} else {
		d.g = g
	}
}
