package reeltime

import (
	"fmt"
	"math"
	"strconv"
)

// PPQN is the tick resolution of musical time: pulses per quarter note.
const PPQN = 1920

// Beats is musical time as whole beats plus sub-beat ticks at PPQN
// resolution. The canonical form keeps |ticks| < PPQN with the signs of the
// two fields agreeing (or either zero); every constructor and arithmetic
// operation returns canonical values. Beats is a pure value type.
type Beats struct {
	beats int32
	ticks int32
}

// makeBeatsFromTicks builds the canonical form from a total tick count.
// Integer division and remainder truncate towards zero, which is exactly
// the sign agreement the canonical form needs.
func makeBeatsFromTicks(total int64) Beats {
	return Beats{beats: int32(total / PPQN), ticks: int32(total % PPQN)}
}

// MakeBeats creates Beats from a precise beat/tick pair, normalizing it.
func MakeBeats(beats, ticks int32) Beats {
	return makeBeatsFromTicks(int64(beats)*PPQN + int64(ticks))
}

// BeatsFromInt creates Beats from a whole number of beats.
func BeatsFromInt(beats int32) Beats {
	return Beats{beats: beats}
}

// BeatsFromTicks creates Beats from ticks at the standard PPQN.
func BeatsFromTicks(ticks int64) Beats {
	return makeBeatsFromTicks(ticks)
}

// BeatsFromFloat creates Beats from a real number of beats, rounding the
// fractional part to the nearest tick.
func BeatsFromFloat(time float64) Beats {
	whole, frac := math.Modf(time)
	return makeBeatsFromTicks(int64(whole)*PPQN + int64(math.Round(frac*PPQN)))
}

// BeatsFromTicksAtRate creates Beats from ticks at an arbitrary rate. This
// can also convert from samples by passing samples per beat as the rate.
// The result has the standard PPQN, so the conversion may lose precision.
func BeatsFromTicksAtRate(ticks int64, rate int64) Beats {
	return makeBeatsFromTicks(ticks/rate*PPQN + ticks%rate*PPQN/rate)
}

// OneTick is the smallest representable musical time step.
func OneTick() Beats {
	return Beats{ticks: 1}
}

// BeatsLowest and BeatsMax are the extremes of the underlying 32-bit
// fields. There is deliberately no "smallest positive" value; it would mean
// different things depending on whether Beats is read as an integral or a
// real quantity.

func BeatsLowest() Beats {
	return Beats{beats: math.MinInt32, ticks: -(PPQN - 1)}
}

func BeatsMax() Beats {
	return Beats{beats: math.MaxInt32, ticks: PPQN - 1}
}

func (b Beats) WholeBeats() int32 { return b.beats }
func (b Beats) Ticks() int32      { return b.ticks }

func (b Beats) IsZero() bool {
	return b.beats == 0 && b.ticks == 0
}

// Float returns the time as a real number of beats.
func (b Beats) Float() float64 {
	return float64(b.beats) + float64(b.ticks)/PPQN
}

// TotalTicks returns the time as a total tick count at the standard PPQN.
func (b Beats) TotalTicks() int64 {
	return int64(b.beats)*PPQN + int64(b.ticks)
}

// TotalTicksAtRate returns the time as a total tick count at the given rate.
func (b Beats) TotalTicksAtRate(rate int64) int64 {
	return int64(b.beats)*rate + int64(b.ticks)*rate/PPQN
}

// RoundToBeat rounds to the nearest whole beat; exactly half a beat of
// ticks rounds up.
func (b Beats) RoundToBeat() Beats {
	if b.ticks >= PPQN/2 {
		return Beats{beats: b.beats + 1}
	}
	return Beats{beats: b.beats}
}

// RoundUpToBeat returns the next whole beat, unless already on a beat
// boundary.
func (b Beats) RoundUpToBeat() Beats {
	if b.ticks == 0 {
		return b
	}
	return Beats{beats: b.beats + 1}
}

// RoundDownToBeat truncates the ticks.
func (b Beats) RoundDownToBeat() Beats {
	return Beats{beats: b.beats}
}

// SnapTo returns the smallest multiple of snap that is >= b, computed in
// real-number arithmetic.
func (b Beats) SnapTo(snap Beats) Beats {
	snapTime := snap.Float()
	return BeatsFromFloat(math.Ceil(b.Float()/snapTime) * snapTime)
}

func (b Beats) Add(o Beats) Beats {
	return makeBeatsFromTicks(b.TotalTicks() + o.TotalTicks())
}

func (b Beats) Sub(o Beats) Beats {
	return makeBeatsFromTicks(b.TotalTicks() - o.TotalTicks())
}

func (b Beats) Neg() Beats {
	return Beats{beats: -b.beats, ticks: -b.ticks}
}

func (b Beats) Mul(factor int64) Beats {
	return makeBeatsFromTicks(b.TotalTicks() * factor)
}

// Div divides by a scalar, returning a tick-precision result.
func (b Beats) Div(factor int64) Beats {
	return makeBeatsFromTicks(b.TotalTicks() / factor)
}

func (b Beats) AddInt(beats int32) Beats {
	return makeBeatsFromTicks(b.TotalTicks() + int64(beats)*PPQN)
}

func (b Beats) SubInt(beats int32) Beats {
	return makeBeatsFromTicks(b.TotalTicks() - int64(beats)*PPQN)
}

// Cmp returns -1, 0 or 1 as b is before, equal to or after o.
func (b Beats) Cmp(o Beats) int {
	switch {
	case b.beats < o.beats, b.beats == o.beats && b.ticks < o.ticks:
		return -1
	case b.beats == o.beats && b.ticks == o.ticks:
		return 0
	}
	return 1
}

func (b Beats) Less(o Beats) bool { return b.Cmp(o) < 0 }

// EqFloat compares against a real number of beats with one tick of
// tolerance.
func (b Beats) EqFloat(t float64) bool {
	return math.Abs(b.Float()-t) <= 1.0/PPQN
}

// LessFloat is a strict comparison against a real number of beats: values
// within one tick are considered identical, so it returns false for them.
func (b Beats) LessFloat(t float64) bool {
	return !b.EqFloat(t) && b.Float() < t
}

// GreaterFloat is the strict mirror of LessFloat.
func (b Beats) GreaterFloat(t float64) bool {
	return !b.EqFloat(t) && b.Float() > t
}

// String formats as "<beats>.<ticks>"; note this is not a decimal number,
// the dot separates the two fields.
func (b Beats) String() string {
	return fmt.Sprintf("%d.%d", b.beats, b.ticks)
}

// ParseBeats reads a real number of beats.
func ParseBeats(s string) (Beats, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Beats{}, fmt.Errorf("parsing musical time %q: %w", s, err)
	}
	return BeatsFromFloat(v), nil
}

// MarshalYAML emits a real number of beats, the same form UnmarshalYAML
// reads. The two-field String form is for humans; round-tripping it through
// the real-number reader would misread the tick field as decimals.
func (b Beats) MarshalYAML() (interface{}, error) {
	return b.Float(), nil
}

func (b *Beats) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var f float64
	if err := unmarshal(&f); err == nil {
		*b = BeatsFromFloat(f)
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseBeats(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
