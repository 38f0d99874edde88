package audio

import (
	"errors"
	"fmt"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"
)

// portAudioHost implements Host on top of the system PortAudio
// library. All methods run on the calling (non-callback) thread; the
// data callbacks run on PortAudio's realtime thread.
type portAudioHost struct {
	log zerolog.Logger
}

// NewPortAudioHost initializes PortAudio and returns the production
// backend. Close terminates the library.
func NewPortAudioHost(log zerolog.Logger) (Host, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	return &portAudioHost{log: log}, nil
}

func (h *portAudioHost) Devices() ([]DeviceDescriptor, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceQueryFailed, err)
	}
	defIn, _ := portaudio.DefaultInputDevice()
	defOut, _ := portaudio.DefaultOutputDevice()

	out := make([]DeviceDescriptor, 0, len(infos))
	for _, d := range infos {
		if d == nil {
			// Failed introspection: omit, never fail the whole list.
			continue
		}
		api := ""
		if d.HostApi != nil {
			api = d.HostApi.Name
		}
		out = append(out, DeviceDescriptor{
			Name:              d.Name,
			HostAPI:           api,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: int(d.DefaultSampleRate),
			DefaultInput:      d == defIn,
			DefaultOutput:     d == defOut,
		})
	}
	return out, nil
}

func (h *portAudioHost) Supports(device string, dir Direction, sampleRate, channels int) bool {
	req := StreamRequest{
		Direction:  dir,
		SampleRate: sampleRate,
		Channels:   channels,
	}
	if dir == DirOutput {
		req.OutputDevice = device
	} else {
		req.InputDevice = device
	}
	params, err := h.params(req)
	if err != nil {
		return false
	}
	return portaudio.IsFormatSupported(params, h.callbackFor(req, nil)) == nil
}

func (h *portAudioHost) OpenStream(req StreamRequest) (Stream, error) {
	params, err := h.params(req)
	if err != nil {
		return nil, err
	}

	stream, err := portaudio.OpenStream(params, h.callbackFor(req, req.Callback))
	if err != nil {
		return nil, classifyOpenErr(err)
	}
	return stream, nil
}

func (h *portAudioHost) Close() error {
	return portaudio.Terminate()
}

// lookup resolves a catalog device name to PortAudio's device record.
func (h *portAudioHost) lookup(name string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceQueryFailed, err)
	}
	for _, d := range devices {
		if d != nil && d.Name == name {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
}

func (h *portAudioHost) params(req StreamRequest) (portaudio.StreamParameters, error) {
	var p portaudio.StreamParameters
	p.SampleRate = float64(req.SampleRate)
	p.FramesPerBuffer = req.FramesPerBuffer

	if req.Direction != DirOutput {
		dev, err := h.lookup(req.InputDevice)
		if err != nil {
			return p, err
		}
		p.Input = portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: req.Channels,
			Latency:  dev.DefaultLowInputLatency,
		}
	}
	if req.Direction != DirInput {
		dev, err := h.lookup(req.OutputDevice)
		if err != nil {
			return p, err
		}
		ch := req.OutputChannels
		if req.Direction == DirOutput {
			ch = req.Channels
		}
		if ch <= 0 {
			ch = 1
		}
		p.Output = portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: ch,
			Latency:  dev.DefaultLowOutputLatency,
		}
	}
	return p, nil
}

// callbackFor adapts a DataCallback to the signature PortAudio expects
// for the stream's direction; the argument shape tells the binding
// which sides carry buffers.
func (h *portAudioHost) callbackFor(req StreamRequest, cb DataCallback) interface{} {
	if cb == nil {
		cb = func(in, out [][]float32, flags CallbackFlags) {}
	}
	switch req.Direction {
	case DirInput:
		return func(in [][]float32, _ portaudio.StreamCallbackTimeInfo, f portaudio.StreamCallbackFlags) {
			cb(in, nil, translateFlags(f))
		}
	case DirOutput:
		return func(out [][]float32, _ portaudio.StreamCallbackTimeInfo, f portaudio.StreamCallbackFlags) {
			cb(nil, out, translateFlags(f))
		}
	default:
		return func(in, out [][]float32, _ portaudio.StreamCallbackTimeInfo, f portaudio.StreamCallbackFlags) {
			cb(in, out, translateFlags(f))
		}
	}
}

func translateFlags(f portaudio.StreamCallbackFlags) CallbackFlags {
	var flags CallbackFlags
	if f&portaudio.InputOverflow != 0 {
		flags |= FlagInputOverflow
	}
	if f&portaudio.OutputUnderflow != 0 {
		flags |= FlagOutputUnderflow
	}
	return flags
}

// classifyOpenErr maps PortAudio's "device unavailable" onto
// ErrStreamBusy so callers can tell busy from incompatible.
func classifyOpenErr(err error) error {
	var pa portaudio.Error
	if errors.As(err, &pa) && pa == portaudio.DeviceUnavailable {
		return fmt.Errorf("%w: %v", ErrStreamBusy, err)
	}
	return err
}
