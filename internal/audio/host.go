package audio

// Direction selects which sides of the hardware a stream drives.
type Direction int

const (
	DirInput Direction = iota
	DirOutput
	DirDuplex
)

func (d Direction) String() string {
	switch d {
	case DirInput:
		return "input"
	case DirOutput:
		return "output"
	case DirDuplex:
		return "duplex"
	}
	return "unknown"
}

// CallbackFlags carries driver-reported buffer conditions into the
// data callback.
type CallbackFlags int

const (
	FlagInputOverflow CallbackFlags = 1 << iota
	FlagOutputUnderflow
)

// DataCallback is invoked on the backend's realtime audio thread once
// per hardware block. in holds one slice per input channel, out one
// slice per output channel; either is nil for single-direction
// streams. The delivered slices are owned by the driver and may be
// reused the moment the callback returns: copy, never alias. The
// callback must complete in bounded time - no blocking, no I/O, no
// allocation beyond what is pre-sized.
type DataCallback func(in, out [][]float32, flags CallbackFlags)

// StreamRequest describes one attempt to open a hardware stream.
// Devices are referenced by catalog name.
type StreamRequest struct {
	Direction       Direction
	InputDevice     string
	OutputDevice    string
	SampleRate      int
	Channels        int // input channel count (and output for output-only streams)
	OutputChannels  int // duplex output side; defaults to 1
	FramesPerBuffer int
	Callback        DataCallback
}

// Stream is one open hardware pipeline.
type Stream interface {
	Start() error
	Stop() error
	Close() error
}

// Host abstracts the audio backend so everything above it can be
// exercised without hardware. The production implementation sits on
// PortAudio; tests substitute a fake.
type Host interface {
	// Devices returns a snapshot of the hardware endpoints the
	// backend can see. Entries carry raw facts only; the catalog
	// derives scores and flags.
	Devices() ([]DeviceDescriptor, error)

	// Supports reports whether the backend believes the device can
	// open a stream with the given format, without opening one.
	Supports(device string, dir Direction, sampleRate, channels int) bool

	// OpenStream opens, but does not start, a stream. A device held
	// exclusively elsewhere fails with an error wrapping
	// ErrStreamBusy.
	OpenStream(req StreamRequest) (Stream, error)

	Close() error
}
