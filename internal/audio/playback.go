package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// PlayClick arms a metronome sample for the next output opportunity.
// Always thread-safe arm/replace: clicks are not queued, the most
// recent request overwrites any not-yet-consumed one. When no duplex
// session is active, a best-effort standalone preview is also started
// so the metronome is audible before recording begins.
func (e *Engine) PlayClick(kind ClickKind) {
	e.mu.Lock()
	e.ensureClicksLocked(e.currentRateLocked())
	buf := e.clicks.Buffer(kind)
	rate := e.clicks.SampleRate
	e.armed = &armedClick{buf: buf}
	preview := e.state != StateRecording
	e.mu.Unlock()

	if preview {
		go func() {
			if err := e.playBuffer(buf, rate, ""); err != nil {
				e.log.Debug().Err(err).Msg("Click preview failed")
			}
		}()
	}
}

// PlayBuffer plays back a captured take through the selected (or
// default) output device. Stereo takes are played from their first
// channel.
func (e *Engine) PlayBuffer(rec Recording) error {
	if rec.Empty() {
		e.log.Warn().Msg("Attempted to play empty audio buffer")
		return errors.New("audio: empty buffer")
	}
	rate := rec.SampleRate
	if rate == 0 {
		rate = e.cfg.SampleRate
	}
	return e.playBuffer(rec.Mono(), rate, "")
}

// PlayTestTone plays the 440Hz verification tone on the given output
// device (or the selected one when empty).
func (e *Engine) PlayTestTone(device string) error {
	e.mu.Lock()
	e.ensureClicksLocked(e.currentRateLocked())
	tone := e.clicks.TestTone()
	rate := e.clicks.SampleRate
	e.mu.Unlock()

	if err := e.playBuffer(tone, rate, device); err != nil {
		// Common fallback rate; regenerate so the pitch stays put.
		e.log.Debug().Err(err).Msg("Test tone failed, retrying at 48000Hz")
		return e.playBuffer(Synthesize(testToneParams, 48000), 48000, device)
	}
	return nil
}

// StopPlayback force-stops any standalone playback. No-op when none is
// active.
func (e *Engine) StopPlayback() {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.stopPlaybackLocked()
}

func (e *Engine) stopPlaybackLocked() {
	e.mu.Lock()
	stream := e.playback
	e.playback = nil
	e.mu.Unlock()
	if stream == nil {
		return
	}
	e.closeStream(stream, "playback")
}

// stopPlaybackIf stops playback only when the given stream is still
// the active one, so a drain goroutine never kills a newer playback.
func (e *Engine) stopPlaybackIf(target Stream) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.playback != target {
		e.mu.Unlock()
		return
	}
	e.playback = nil
	e.mu.Unlock()
	e.closeStream(target, "playback")
}

func (e *Engine) playBuffer(samples []float32, rate int, device string) error {
	if len(samples) == 0 {
		return errors.New("audio: empty buffer")
	}
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.playBufferLocked(samples, rate, device)
}

// playBufferLocked opens a short-lived output-only stream, plays the
// buffer once, and closes the stream as soon as it drains. Best
// effort: mutually exclusive with recording, replaced by any newer
// playback.
func (e *Engine) playBufferLocked(samples []float32, rate int, device string) error {
	e.stopPlaybackLocked()

	e.mu.Lock()
	if e.state == StateRecording {
		e.mu.Unlock()
		return ErrRecordingActive
	}
	if device == "" {
		device = e.outputDevice
	}
	e.mu.Unlock()

	desc, err := e.resolveOutput(device)
	if err != nil {
		return err
	}

	var pos int // callback-thread only
	var once sync.Once
	done := make(chan struct{})
	cb := func(in, out [][]float32, flags CallbackFlags) {
		e.noteFlags(flags)
		if len(out) == 0 {
			return
		}
		for _, ch := range out {
			for i := range ch {
				ch[i] = 0
			}
		}
		remain := len(samples) - pos
		if remain <= 0 {
			once.Do(func() { close(done) })
			return
		}
		n := len(out[0])
		if remain < n {
			n = remain
		}
		for _, ch := range out {
			copy(ch[:n], samples[pos:pos+n])
		}
		pos += n
	}

	outCh := 1
	if desc.MaxOutputChannels >= 2 {
		outCh = 2
	}
	req := StreamRequest{
		Direction:       DirOutput,
		OutputDevice:    desc.Name,
		Channels:        outCh,
		FramesPerBuffer: e.cfg.FramesPerBuffer,
		Callback:        cb,
	}
	stream, scfg, err := negotiate(e.host, e.log, req, rateCandidates(rate, desc.DefaultSampleRate), []int{outCh})
	if err != nil {
		return err
	}
	if scfg.SampleRate != rate {
		e.log.Debug().Int("buffer_rate", rate).Int("stream_rate", scfg.SampleRate).Msg("Playback rate mismatch")
	}

	e.mu.Lock()
	e.playback = stream
	e.mu.Unlock()

	go func() {
		drain := time.Duration(float64(len(samples))/float64(scfg.SampleRate)*float64(time.Second)) + time.Second
		select {
		case <-done:
		case <-time.After(drain):
		}
		e.stopPlaybackIf(stream)
	}()
	return nil
}

// resolveOutput maps a device name to a descriptor, falling back to
// the system default (then the best-ranked) output device.
func (e *Engine) resolveOutput(device string) (DeviceDescriptor, error) {
	if device != "" {
		desc, ok := e.catalog.FindByName(device)
		if !ok {
			return DeviceDescriptor{}, fmt.Errorf("%w: %q", ErrDeviceNotFound, device)
		}
		return desc, nil
	}
	outputs := e.catalog.Outputs()
	for _, d := range outputs {
		if d.DefaultOutput {
			return d, nil
		}
	}
	if len(outputs) > 0 {
		return outputs[0], nil
	}
	return DeviceDescriptor{}, ErrNoOutputDevice
}
