package audio

import (
	"github.com/rs/zerolog"
)

// StreamConfig is the (sample rate, channel count, block size) tuple a
// session is actually running with, as accepted by the driver.
type StreamConfig struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
}

// rateCandidates builds the sample rates to try, highest trust first:
// the rate the caller last successfully used, the device's reported
// native rate, then the two standard rates. De-duplicated, zeros
// skipped. Devices routinely report a default rate they cannot
// actually open (exclusive-mode drivers especially), which is why the
// list never has fewer than the two standard entries.
func rateCandidates(preferred, native int) []int {
	out := make([]int, 0, 4)
	seen := make(map[int]bool, 4)
	for _, r := range []int{preferred, native, 44100, 48000} {
		if r <= 0 || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// channelCandidates builds the channel counts to try: the configured
// count, plus stereo when the device has at least two input channels.
func channelCandidates(configured, maxIn int) []int {
	out := make([]int, 0, 2)
	seen := make(map[int]bool, 2)
	for _, ch := range []int{configured, 2} {
		if ch <= 0 || seen[ch] {
			continue
		}
		if ch == 2 && configured != 2 && maxIn < 2 {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}

// negotiate folds the candidate (rate, channels) pairs through the
// host until one opens and starts. The first success short-circuits;
// every failure is swallowed locally and recorded, and only exhaustion
// of the whole cascade is surfaced, as a NegotiationError carrying the
// attempt history.
func negotiate(host Host, log zerolog.Logger, req StreamRequest, rates, channels []int) (Stream, StreamConfig, error) {
	device := req.InputDevice
	if req.Direction == DirOutput {
		device = req.OutputDevice
	}

	var attempts []Attempt
	for _, sr := range rates {
		for _, ch := range channels {
			try := req
			try.SampleRate = sr
			try.Channels = ch

			stream, err := host.OpenStream(try)
			if err == nil {
				if err = stream.Start(); err != nil {
					stream.Close()
				}
			}
			if err != nil {
				attempts = append(attempts, Attempt{SampleRate: sr, Channels: ch, Err: err})
				log.Debug().
					Str("device", device).
					Int("sample_rate", sr).
					Int("channels", ch).
					Err(err).
					Msg("Stream open attempt failed")
				continue
			}

			cfg := StreamConfig{SampleRate: sr, Channels: ch, FramesPerBuffer: try.FramesPerBuffer}
			log.Info().
				Str("device", device).
				Str("direction", req.Direction.String()).
				Int("sample_rate", sr).
				Int("channels", ch).
				Msg("Stream open")
			return stream, cfg, nil
		}
	}

	return nil, StreamConfig{}, &NegotiationError{
		Device:    device,
		Direction: req.Direction,
		Attempts:  attempts,
	}
}
