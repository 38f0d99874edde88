package audio

import (
	"math"
	"math/rand"
)

// ClickKind selects a metronome sample.
type ClickKind int

const (
	ClickNormal ClickKind = iota
	ClickAccent
	ClickCountIn
)

// ClickParams describe one synthesized tone.
type ClickParams struct {
	Frequency float64 // Hz
	Duration  float64 // seconds
	Volume    float64 // peak amplitude after normalization, in (0, 1]
}

// Envelope proportions are fixed relative to the click duration:
// linear attack, exponential decay to the sustain level, sustain,
// exponential release to silence.
const (
	attackPortion  = 0.05
	decayPortion   = 0.15
	sustainPortion = 0.70 // sustain holds until this point
	sustainLevel   = 0.6
	releaseFalloff = 8.0 // exponent of the release tail

	// noiseMix is the fixed broadband component giving the click a
	// woodblock timbre instead of a pure beep.
	noiseMix = 0.10
)

// Synthesize generates a short percussive tone: a sine carrier mixed
// with a little noise, shaped by the fixed-proportion envelope and
// peak-normalized to exactly p.Volume. The buffer length is
// round(rate*duration); the first and last samples sit at (nearly)
// zero so playback never clicks at the boundaries.
func Synthesize(p ClickParams, sampleRate int) []float32 {
	n := int(math.Round(float64(sampleRate) * p.Duration))
	if n <= 0 {
		return nil
	}

	buf := make([]float32, n)
	step := 2 * math.Pi * p.Frequency / float64(sampleRate)
	peak := 0.0
	for i := 0; i < n; i++ {
		pos := float64(i) / float64(n)
		carrier := math.Sin(step * float64(i))
		s := (1-noiseMix)*carrier + noiseMix*(rand.Float64()*2-1)
		s *= envelope(pos)
		buf[i] = float32(s)
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}

	if peak > 0 {
		scale := float32(p.Volume / peak)
		for i := range buf {
			buf[i] *= scale
		}
	}
	return buf
}

// envelope evaluates the ADSR shape at pos in [0, 1).
func envelope(pos float64) float64 {
	switch {
	case pos < attackPortion:
		return pos / attackPortion
	case pos < attackPortion+decayPortion:
		// Exponential interpolation from 1 down to the sustain level.
		u := (pos - attackPortion) / decayPortion
		return math.Pow(sustainLevel, u)
	case pos < sustainPortion:
		return sustainLevel
	default:
		u := (pos - sustainPortion) / (1 - sustainPortion)
		return sustainLevel * math.Exp(-releaseFalloff*u)
	}
}

// ClickSet holds the three metronome variants plus the output test
// tone, all generated for one sample rate. A set generated at a
// different rate than the running stream must never be played - the
// click's pitch and duration would both come out wrong - so sets are
// regenerated whenever the negotiated rate moves.
type ClickSet struct {
	SampleRate int

	normal   []float32
	accent   []float32
	countIn  []float32
	testTone []float32
}

// testToneParams is the A4 verification tone used to check an output
// device before recording.
var testToneParams = ClickParams{Frequency: 440, Duration: 0.5, Volume: 0.3}

// NewClickSet synthesizes all variants at the given rate.
func NewClickSet(normal, accent, countIn ClickParams, sampleRate int) *ClickSet {
	return &ClickSet{
		SampleRate: sampleRate,
		normal:     Synthesize(normal, sampleRate),
		accent:     Synthesize(accent, sampleRate),
		countIn:    Synthesize(countIn, sampleRate),
		testTone:   Synthesize(testToneParams, sampleRate),
	}
}

// Buffer returns the immutable PCM buffer for a click kind. Callers
// must not modify it.
func (s *ClickSet) Buffer(kind ClickKind) []float32 {
	switch kind {
	case ClickAccent:
		return s.accent
	case ClickCountIn:
		return s.countIn
	default:
		return s.normal
	}
}

// TestTone returns the output verification tone.
func (s *ClickSet) TestTone() []float32 {
	return s.testTone
}
