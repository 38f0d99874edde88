package audio

import (
	"math"
	"sync"
	"sync/atomic"
)

// DefaultScopeSize is the oscilloscope window handed to the UI.
const DefaultScopeSize = 2048

// ScopeBuffer keeps the most recent N samples for the UI oscilloscope.
// Fixed capacity, pre-zeroed, always valid to read. Single writer (the
// active session's callback - monitoring and recording are mutually
// exclusive, so two sessions never write concurrently), any number of
// polling readers. The lock is held only for a bounded copy.
type ScopeBuffer struct {
	mu      sync.Mutex
	samples []float32
}

func NewScopeBuffer(size int) *ScopeBuffer {
	if size <= 0 {
		size = DefaultScopeSize
	}
	return &ScopeBuffer{samples: make([]float32, size)}
}

// Write appends a captured block. A block smaller than the buffer
// rolls the window left by the block size and appends; a larger block
// replaces the whole window with its tail. The buffer never changes
// size.
func (b *ScopeBuffer) Write(block []float32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	size := len(b.samples)
	if len(block) >= size {
		copy(b.samples, block[len(block)-size:])
		return
	}
	n := len(block)
	copy(b.samples, b.samples[n:])
	copy(b.samples[size-n:], block)
}

// Snapshot returns a copy of the window. Never blocks on the audio
// thread beyond the bounded copy.
func (b *ScopeBuffer) Snapshot() []float32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]float32, len(b.samples))
	copy(out, b.samples)
	return out
}

// Clear zeroes the window.
func (b *ScopeBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.samples {
		b.samples[i] = 0
	}
}

// Size returns the fixed capacity.
func (b *ScopeBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.samples)
}

// levelMeter publishes the input level from the audio callback as an
// atomically swapped float32, so UI polls never contend with the
// realtime thread.
type levelMeter struct {
	bits atomic.Uint32
}

func (m *levelMeter) set(v float32) {
	m.bits.Store(math.Float32bits(v))
}

func (m *levelMeter) get() float32 {
	return math.Float32frombits(m.bits.Load())
}

// levelGain maps raw RMS to a responsive meter reading before
// clamping.
const levelGain = 5

// blockLevel computes the meter value for a delivered block: RMS over
// every channel, through the fixed gain, clamped to [0, 1].
func blockLevel(in [][]float32) float32 {
	var sum float64
	var n int
	for _, ch := range in {
		for _, s := range ch {
			sum += float64(s) * float64(s)
		}
		n += len(ch)
	}
	if n == 0 {
		return 0
	}
	v := math.Sqrt(sum/float64(n)) * levelGain
	if v > 1 {
		v = 1
	}
	return float32(v)
}
