package audio

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// State is the engine lifecycle state. Exactly one hardware stream is
// active per non-Idle state.
type State int

const (
	StateIdle State = iota
	StateMonitoring
	StateRecording
)

func (s State) String() string {
	switch s {
	case StateMonitoring:
		return "monitoring"
	case StateRecording:
		return "recording"
	default:
		return "idle"
	}
}

// EngineConfig carries every knob the engine needs explicitly, so
// click generation and negotiation are pure functions of the current
// config instead of ambient globals.
type EngineConfig struct {
	SampleRate      int
	Channels        int
	FramesPerBuffer int
	ScopeSize       int

	Click   ClickParams
	Accent  ClickParams
	CountIn ClickParams

	// MonitorCooldown is slept after closing any stream so the OS
	// driver fully releases the device before the next open.
	// RecordSettle is the extra pause before opening the duplex
	// stream. Real driver constraints, not tunables to zero out in
	// production; tests zero them.
	MonitorCooldown time.Duration
	RecordSettle    time.Duration
}

// DefaultEngineConfig returns the stock configuration: 44.1kHz mono,
// 512-frame blocks, the classic metronome voicing.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		SampleRate:      44100,
		Channels:        1,
		FramesPerBuffer: 512,
		ScopeSize:       DefaultScopeSize,
		Click:           ClickParams{Frequency: 1000, Duration: 0.05, Volume: 0.2},
		Accent:          ClickParams{Frequency: 1500, Duration: 0.05, Volume: 0.3},
		CountIn:         ClickParams{Frequency: 800, Duration: 0.05, Volume: 0.2},
		MonitorCooldown: 120 * time.Millisecond,
		RecordSettle:    300 * time.Millisecond,
	}
}

// Recording is a flattened capture, interleaved at the channel count
// the duplex stream was negotiated with.
type Recording struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

func (r Recording) Empty() bool { return len(r.Samples) == 0 }

func (r Recording) Duration() time.Duration {
	if r.SampleRate == 0 || r.Channels == 0 {
		return 0
	}
	frames := len(r.Samples) / r.Channels
	return time.Duration(float64(frames) / float64(r.SampleRate) * float64(time.Second))
}

// Mono extracts the first channel of an interleaved capture.
func (r Recording) Mono() []float32 {
	if r.Channels <= 1 {
		return r.Samples
	}
	out := make([]float32, 0, len(r.Samples)/r.Channels)
	for i := 0; i < len(r.Samples); i += r.Channels {
		out = append(out, r.Samples[i])
	}
	return out
}

// armedClick is a pending click: a buffer plus a read cursor consumed
// incrementally by the duplex callback.
type armedClick struct {
	buf []float32
	pos int
}

// Engine is the capture/playback core: it owns the device catalog,
// negotiates working stream configurations against unpredictable
// drivers, runs the monitoring and duplex recording sessions, and
// exposes the level/scope poll surface to the UI.
type Engine struct {
	host    Host
	catalog *Catalog
	log     zerolog.Logger
	cfg     EngineConfig

	scope    *ScopeBuffer
	level    levelMeter
	overruns atomic.Int64

	// opMu serializes session lifecycle transitions including their
	// cooldown sleeps. Never taken from the audio callback.
	opMu sync.Mutex

	// mu guards state shared with the audio callback; held only for
	// short critical sections.
	mu             sync.Mutex
	state          State
	stream         Stream
	streamCfg      StreamConfig
	inputDevice    string
	outputDevice   string
	lastGoodRate   int
	activeChannels int
	clicks         *ClickSet
	recording      bool
	chunks         [][]float32
	armed          *armedClick
	playback       Stream
}

// New creates an engine on top of a backend host. Zero format fields
// fall back to defaults; cooldown durations are taken as given.
func New(host Host, cfg EngineConfig, log zerolog.Logger) *Engine {
	def := DefaultEngineConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = def.Channels
	}
	if cfg.FramesPerBuffer <= 0 {
		cfg.FramesPerBuffer = def.FramesPerBuffer
	}
	if cfg.ScopeSize <= 0 {
		cfg.ScopeSize = def.ScopeSize
	}
	if cfg.Click.Duration == 0 {
		cfg.Click = def.Click
	}
	if cfg.Accent.Duration == 0 {
		cfg.Accent = def.Accent
	}
	if cfg.CountIn.Duration == 0 {
		cfg.CountIn = def.CountIn
	}

	e := &Engine{
		host:    host,
		catalog: NewCatalog(host, log),
		log:     log,
		cfg:     cfg,
		scope:   NewScopeBuffer(cfg.ScopeSize),
	}
	e.clicks = NewClickSet(cfg.Click, cfg.Accent, cfg.CountIn, cfg.SampleRate)
	log.Info().Int("sample_rate", cfg.SampleRate).Int("channels", cfg.Channels).Msg("Audio engine initialized")
	return e
}

// Catalog exposes the device catalog for UI listings.
func (e *Engine) Catalog() *Catalog { return e.catalog }

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// InputLevel returns the current meter value in [0, 1]. Cheap and
// non-blocking; intended for a fixed UI timer.
func (e *Engine) InputLevel() float32 { return e.level.get() }

// ScopeSnapshot returns a copy of the oscilloscope window.
func (e *Engine) ScopeSnapshot() []float32 { return e.scope.Snapshot() }

// SetDevices selects the active input and output devices by name.
func (e *Engine) SetDevices(input, output string) {
	e.mu.Lock()
	e.inputDevice = input
	e.outputDevice = output
	e.mu.Unlock()
	e.log.Info().Str("input", input).Str("output", output).Msg("Devices set")
}

// Selection returns the device names and last negotiated format, for
// persistence. Names survive enumeration-index churn; indices do not.
func (e *Engine) Selection() (input, output string, sampleRate, channels int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rate := e.lastGoodRate
	if rate == 0 {
		rate = e.cfg.SampleRate
	}
	ch := e.activeChannels
	if ch == 0 {
		ch = e.cfg.Channels
	}
	return e.inputDevice, e.outputDevice, rate, ch
}

// ApplySelection restores a persisted selection, re-resolving devices
// by exact name against the current catalog. Devices that no longer
// resolve are dropped with a warning rather than failing the load.
func (e *Engine) ApplySelection(input, output string, sampleRate, channels int) {
	resolve := func(name string) string {
		if name == "" {
			return ""
		}
		if d, ok := e.catalog.FindByName(name); ok {
			return d.FullName()
		}
		e.log.Warn().Str("device", name).Msg("Persisted device no longer present")
		return ""
	}
	input = resolve(input)
	output = resolve(output)

	e.mu.Lock()
	e.inputDevice = input
	e.outputDevice = output
	if sampleRate > 0 {
		e.lastGoodRate = sampleRate
	}
	if channels > 0 {
		e.activeChannels = channels
	}
	e.ensureClicksLocked(e.currentRateLocked())
	e.mu.Unlock()
	e.log.Info().Str("input", input).Str("output", output).Int("sample_rate", sampleRate).Msg("Audio selection restored")
}

// StartMonitoring opens an input-only stream on the given device (or
// the selected input when empty) feeding the level meter and scope.
func (e *Engine) StartMonitoring(device string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.startMonitoringLocked(device)
}

func (e *Engine) startMonitoringLocked(device string) error {
	// Unconditional stop first guarantees at most one input stream is
	// ever open, no matter how the UI churns.
	e.stopMonitoringLocked()

	e.mu.Lock()
	if e.state == StateRecording {
		e.mu.Unlock()
		return ErrRecordingActive
	}
	if device == "" {
		device = e.inputDevice
	}
	preferred := e.lastGoodRate
	if preferred == 0 {
		preferred = e.cfg.SampleRate
	}
	e.mu.Unlock()

	if device == "" {
		return ErrNoInputDevice
	}
	desc, ok := e.catalog.FindByName(device)
	if !ok {
		return fmt.Errorf("%w: %q", ErrDeviceNotFound, device)
	}

	req := StreamRequest{
		Direction:       DirInput,
		InputDevice:     desc.Name,
		FramesPerBuffer: e.cfg.FramesPerBuffer,
		Callback:        e.monitorCallback,
	}
	rates := rateCandidates(preferred, desc.DefaultSampleRate)
	chans := channelCandidates(e.cfg.Channels, desc.MaxInputChannels)

	stream, scfg, err := negotiate(e.host, e.log, req, rates, chans)
	if err != nil {
		e.level.set(0)
		return err
	}

	e.mu.Lock()
	e.state = StateMonitoring
	e.stream = stream
	e.streamCfg = scfg
	e.inputDevice = desc.FullName()
	e.lastGoodRate = scfg.SampleRate
	e.activeChannels = scfg.Channels
	e.ensureClicksLocked(scfg.SampleRate)
	e.mu.Unlock()
	return nil
}

// StopMonitoring closes the monitoring stream and blocks for the
// driver-release cooldown. No-op when no monitoring session is active;
// safe to call any number of times.
func (e *Engine) StopMonitoring() {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.stopMonitoringLocked()
}

func (e *Engine) stopMonitoringLocked() {
	e.mu.Lock()
	if e.state != StateMonitoring {
		e.mu.Unlock()
		return
	}
	stream := e.stream
	e.stream = nil
	e.streamCfg = StreamConfig{}
	e.state = StateIdle
	e.mu.Unlock()

	e.closeStream(stream, "monitoring")
	// Give the driver time to release the device; without this the
	// next open spuriously fails on some driver stacks.
	time.Sleep(e.cfg.MonitorCooldown)
	e.level.set(0)
}

// StartRecording displaces any monitoring session, force-stops
// playback, and opens the duplex stream that captures input while
// mixing armed clicks into the output. On any failure the engine
// rolls back to a clean Idle; restoring a displaced monitoring
// session is the caller's decision.
func (e *Engine) StartRecording(inputDevice, outputDevice string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	if e.state == StateRecording {
		e.mu.Unlock()
		return ErrRecordingActive
	}
	if inputDevice == "" {
		inputDevice = e.inputDevice
	}
	if outputDevice == "" {
		outputDevice = e.outputDevice
	}
	preferred := e.lastGoodRate
	if preferred == 0 {
		preferred = e.cfg.SampleRate
	}
	e.mu.Unlock()

	if inputDevice == "" {
		return ErrNoInputDevice
	}
	if outputDevice == "" {
		return ErrNoOutputDevice
	}
	in, ok := e.catalog.FindByName(inputDevice)
	if !ok {
		return fmt.Errorf("%w: %q", ErrDeviceNotFound, inputDevice)
	}
	out, ok := e.catalog.FindByName(outputDevice)
	if !ok {
		return fmt.Errorf("%w: %q", ErrDeviceNotFound, outputDevice)
	}

	// Implicit stop-then-cooldown before re-acquisition, plus killing
	// any dangling playback holding the output device.
	e.stopMonitoringLocked()
	e.stopPlaybackLocked()

	// Recording straight after a teardown is the most failure-prone
	// transition; give the driver extra settle time.
	time.Sleep(e.cfg.RecordSettle)

	outCh := 1
	if out.MaxOutputChannels >= 2 {
		outCh = 2
	}
	req := StreamRequest{
		Direction:       DirDuplex,
		InputDevice:     in.Name,
		OutputDevice:    out.Name,
		OutputChannels:  outCh,
		FramesPerBuffer: e.cfg.FramesPerBuffer,
		Callback:        e.duplexCallback,
	}
	// Output exclusivity is usually the stricter constraint, so the
	// native-rate bias goes to the output device.
	rates := rateCandidates(preferred, out.DefaultSampleRate)
	chans := channelCandidates(e.cfg.Channels, in.MaxInputChannels)

	stream, scfg, err := negotiate(e.host, e.log, req, rates, chans)
	if err != nil {
		e.mu.Lock()
		e.state = StateIdle
		e.armed = nil
		e.chunks = nil
		e.recording = false
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	e.state = StateRecording
	e.stream = stream
	e.streamCfg = scfg
	e.inputDevice = in.FullName()
	e.outputDevice = out.FullName()
	e.lastGoodRate = scfg.SampleRate
	e.activeChannels = scfg.Channels
	e.chunks = nil
	e.recording = true
	e.armed = nil
	e.ensureClicksLocked(scfg.SampleRate)
	e.mu.Unlock()
	return nil
}

// StopRecording closes the duplex stream, waits out the driver-release
// delay, and returns the flattened capture. Returns an empty Recording
// when no session is active or nothing was captured.
func (e *Engine) StopRecording() Recording {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return e.stopRecordingLocked()
}

func (e *Engine) stopRecordingLocked() Recording {
	e.mu.Lock()
	if e.state != StateRecording {
		e.mu.Unlock()
		return Recording{}
	}
	stream := e.stream
	e.stream = nil
	e.state = StateIdle
	e.recording = false
	chunks := e.chunks
	e.chunks = nil
	e.armed = nil
	scfg := e.streamCfg
	e.streamCfg = StreamConfig{}
	e.mu.Unlock()

	e.closeStream(stream, "recording")
	// Same driver-release delay as monitoring.
	time.Sleep(e.cfg.MonitorCooldown)
	e.level.set(0)

	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	samples := make([]float32, 0, total)
	for _, c := range chunks {
		samples = append(samples, c...)
	}

	e.log.Info().
		Int("samples", len(samples)).
		Int("sample_rate", scfg.SampleRate).
		Int("channels", scfg.Channels).
		Msg("Recording stopped")
	return Recording{Samples: samples, SampleRate: scfg.SampleRate, Channels: scfg.Channels}
}

// Close tears down any active session, discarding captured audio, and
// releases the backend.
func (e *Engine) Close() error {
	e.opMu.Lock()
	e.stopPlaybackLocked()
	e.stopMonitoringLocked()
	e.stopRecordingLocked()
	e.opMu.Unlock()
	return e.host.Close()
}

// monitorCallback is the input-only session callback: level meter and
// scope only, nothing is retained.
func (e *Engine) monitorCallback(in, out [][]float32, flags CallbackFlags) {
	e.noteFlags(flags)
	if len(in) == 0 {
		return
	}
	e.scope.Write(in[0])
	e.level.set(blockLevel(in))
}

// duplexCallback runs once per hardware block for the recording
// session. Capture path first, then the output path: silence by
// default, then at most min(remaining, block) armed-click samples into
// every output channel, so a click is emitted exactly once at the
// first output opportunity with no double-trigger and no channel
// imbalance.
func (e *Engine) duplexCallback(in, out [][]float32, flags CallbackFlags) {
	e.noteFlags(flags)

	if len(in) > 0 {
		e.scope.Write(in[0])
		e.level.set(blockLevel(in))

		e.mu.Lock()
		if e.recording {
			// Copy, never alias: the driver reuses the delivered
			// buffers the moment this callback returns.
			e.chunks = append(e.chunks, interleave(in))
		}
		e.mu.Unlock()
	}

	if len(out) == 0 {
		return
	}
	for _, ch := range out {
		for i := range ch {
			ch[i] = 0
		}
	}

	e.mu.Lock()
	if a := e.armed; a != nil {
		n := len(out[0])
		if remain := len(a.buf) - a.pos; remain < n {
			n = remain
		}
		for _, ch := range out {
			copy(ch[:n], a.buf[a.pos:a.pos+n])
		}
		a.pos += n
		if a.pos >= len(a.buf) {
			e.armed = nil
		}
	}
	e.mu.Unlock()
}

// noteFlags counts driver-reported over/underruns. Non-fatal; the
// callback cannot log, so the count is reported when the stream
// closes.
func (e *Engine) noteFlags(flags CallbackFlags) {
	if flags != 0 {
		e.overruns.Add(1)
	}
}

func (e *Engine) closeStream(stream Stream, session string) {
	if stream == nil {
		return
	}
	if err := stream.Stop(); err != nil {
		e.log.Error().Err(err).Str("session", session).Msg("Error stopping stream")
	}
	if err := stream.Close(); err != nil {
		e.log.Error().Err(err).Str("session", session).Msg("Error closing stream")
	}
	if n := e.overruns.Swap(0); n > 0 {
		e.log.Warn().Int64("count", n).Str("session", session).Msg("Driver reported buffer over/underruns")
	}
}

// interleave copies a per-channel block into one interleaved chunk.
func interleave(in [][]float32) []float32 {
	if len(in) == 1 {
		return append([]float32(nil), in[0]...)
	}
	frames := len(in[0])
	buf := make([]float32, 0, frames*len(in))
	for i := 0; i < frames; i++ {
		for c := range in {
			buf = append(buf, in[c][i])
		}
	}
	return buf
}

func (e *Engine) currentRateLocked() int {
	if e.state != StateIdle && e.streamCfg.SampleRate != 0 {
		return e.streamCfg.SampleRate
	}
	if e.lastGoodRate != 0 {
		return e.lastGoodRate
	}
	return e.cfg.SampleRate
}

// ensureClicksLocked regenerates the click set when the active rate
// moved; stale buffers would play at the wrong pitch and duration.
func (e *Engine) ensureClicksLocked(rate int) {
	if e.clicks != nil && e.clicks.SampleRate == rate {
		return
	}
	e.clicks = NewClickSet(e.cfg.Click, e.cfg.Accent, e.cfg.CountIn, rate)
	e.log.Debug().Int("sample_rate", rate).Msg("Clicks regenerated")
}

// probeRates is the standard set checked by RateSupport.
var probeRates = []int{44100, 48000, 88200, 96000}

// RateSupport probes which standard sample rates a device claims to
// support at the configured channel count. Claims only: drivers lie,
// which is what the negotiation cascade exists for.
func (e *Engine) RateSupport(device string) (map[int]bool, error) {
	desc, ok := e.catalog.FindByName(device)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, device)
	}
	dir := DirInput
	if desc.MaxInputChannels == 0 {
		dir = DirOutput
	}
	out := make(map[int]bool, len(probeRates))
	for _, r := range probeRates {
		out[r] = e.host.Supports(desc.Name, dir, r, e.cfg.Channels)
	}
	return out, nil
}

// LogHardwareStatus dumps the current hardware view to the log.
func (e *Engine) LogHardwareStatus() {
	e.log.Info().Msg("--- HARDWARE STATUS REPORT ---")
	for _, d := range e.catalog.List() {
		if d.Virtual {
			continue
		}
		e.log.Info().
			Str("device", d.FullName()).
			Int("inputs", d.MaxInputChannels).
			Int("outputs", d.MaxOutputChannels).
			Int("sample_rate", d.DefaultSampleRate).
			Int("score", d.Score).
			Bool("default_input", d.DefaultInput).
			Bool("default_output", d.DefaultOutput).
			Msg("Device")
	}
	e.log.Info().Msg("--- END REPORT ---")
}
