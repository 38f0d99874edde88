package audio

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// fakeStream records lifecycle calls and hands the data callback back
// to the test so blocks can be driven by hand.
type fakeStream struct {
	req  StreamRequest
	host *fakeHost

	mu       sync.Mutex
	started  bool
	stopped  bool
	isClosed bool
}

func (s *fakeStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.host.failStart {
		return errors.New("start refused")
	}
	s.started = true
	return nil
}

func (s *fakeStream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isClosed = true
	return nil
}

func (s *fakeStream) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isClosed
}

func (s *fakeStream) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped && !s.isClosed
}

// fakeHost is an in-memory backend. rejects decides per request whether
// an open fails; every open attempt is recorded in order.
type fakeHost struct {
	devices    []DeviceDescriptor
	devicesErr error
	rejects    func(StreamRequest) error
	failStart  bool

	mu       sync.Mutex
	attempts []StreamRequest
	streams  []*fakeStream
}

func (h *fakeHost) Devices() ([]DeviceDescriptor, error) {
	return h.devices, h.devicesErr
}

func (h *fakeHost) Supports(device string, dir Direction, sampleRate, channels int) bool {
	if h.rejects == nil {
		return true
	}
	return h.rejects(StreamRequest{Direction: dir, InputDevice: device, SampleRate: sampleRate, Channels: channels}) == nil
}

func (h *fakeHost) OpenStream(req StreamRequest) (Stream, error) {
	h.mu.Lock()
	h.attempts = append(h.attempts, req)
	h.mu.Unlock()

	if h.rejects != nil {
		if err := h.rejects(req); err != nil {
			return nil, err
		}
	}
	s := &fakeStream{req: req, host: h}
	h.mu.Lock()
	h.streams = append(h.streams, s)
	h.mu.Unlock()
	return s, nil
}

func (h *fakeHost) Close() error { return nil }

func (h *fakeHost) snapshotAttempts() []StreamRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]StreamRequest(nil), h.attempts...)
}

func (h *fakeHost) snapshotStreams() []*fakeStream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*fakeStream(nil), h.streams...)
}

func (h *fakeHost) attemptedRates() []int {
	out := []int{}
	for _, a := range h.snapshotAttempts() {
		out = append(out, a.SampleRate)
	}
	return out
}

func (h *fakeHost) lastStream() *fakeStream {
	streams := h.snapshotStreams()
	if len(streams) == 0 {
		return nil
	}
	return streams[len(streams)-1]
}

func testDevices() []DeviceDescriptor {
	return []DeviceDescriptor{
		{Name: "UMC404HD 192k", HostAPI: "Windows WASAPI", MaxInputChannels: 4, MaxOutputChannels: 4, DefaultSampleRate: 48000, DefaultInput: true},
		{Name: "Speakers", HostAPI: "Windows WASAPI", MaxInputChannels: 0, MaxOutputChannels: 2, DefaultSampleRate: 48000, DefaultOutput: true},
	}
}

func newTestEngine(host *fakeHost) *Engine {
	cfg := DefaultEngineConfig()
	cfg.MonitorCooldown = 0
	cfg.RecordSettle = 0
	return New(host, cfg, zerolog.Nop())
}

func TestStopMonitoringIdempotent(t *testing.T) {
	e := newTestEngine(&fakeHost{devices: testDevices()})

	e.StopMonitoring()
	e.StopMonitoring()
	if e.State() != StateIdle {
		t.Fatalf("state %v, want idle", e.State())
	}
}

func TestStartMonitoringNoDevice(t *testing.T) {
	e := newTestEngine(&fakeHost{devices: testDevices()})
	if err := e.StartMonitoring(""); !errors.Is(err, ErrNoInputDevice) {
		t.Fatalf("expected ErrNoInputDevice, got %v", err)
	}
}

func TestStartMonitoringUnknownDevice(t *testing.T) {
	e := newTestEngine(&fakeHost{devices: testDevices()})
	if err := e.StartMonitoring("gone"); !errors.Is(err, ErrDeviceNotFound) {
		t.Fatalf("expected ErrDeviceNotFound, got %v", err)
	}
}

func TestStartMonitoringFallsBackToNativeRate(t *testing.T) {
	host := &fakeHost{
		devices: testDevices(),
		rejects: func(req StreamRequest) error {
			if req.SampleRate == 44100 {
				return errors.New("paInvalidSampleRate")
			}
			return nil
		},
	}
	e := newTestEngine(host)

	if err := e.StartMonitoring("UMC404HD 192k"); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	defer e.StopMonitoring()

	if e.State() != StateMonitoring {
		t.Fatalf("state %v, want monitoring", e.State())
	}
	_, _, rate, _ := e.Selection()
	if rate != 48000 {
		t.Fatalf("negotiated rate %d, want 48000", rate)
	}

	// Configured rate first (all channel variants), then the device
	// native rate.
	rates := host.attemptedRates()
	distinct := []int{}
	for _, r := range rates {
		if len(distinct) == 0 || distinct[len(distinct)-1] != r {
			distinct = append(distinct, r)
		}
	}
	if !intsEqual(distinct, []int{44100, 48000}) {
		t.Fatalf("attempt order %v, want 44100 before 48000", rates)
	}
}

func TestRestartMonitoringPrefersLastGoodRate(t *testing.T) {
	host := &fakeHost{
		devices: testDevices(),
		rejects: func(req StreamRequest) error {
			if req.SampleRate == 44100 {
				return errors.New("paInvalidSampleRate")
			}
			return nil
		},
	}
	e := newTestEngine(host)

	if err := e.StartMonitoring("UMC404HD 192k"); err != nil {
		t.Fatalf("first StartMonitoring: %v", err)
	}
	e.StopMonitoring()

	host.mu.Lock()
	host.attempts = nil
	host.mu.Unlock()

	if err := e.StartMonitoring("UMC404HD 192k"); err != nil {
		t.Fatalf("second StartMonitoring: %v", err)
	}
	defer e.StopMonitoring()

	rates := host.attemptedRates()
	if len(rates) == 0 || rates[0] != 48000 {
		t.Fatalf("attempt order %v, want last-good 48000 first", rates)
	}
}

func TestStartRecordingDisplacesMonitoring(t *testing.T) {
	host := &fakeHost{devices: testDevices()}
	e := newTestEngine(host)

	if err := e.StartMonitoring("UMC404HD 192k"); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	monitor := host.lastStream()

	if err := e.StartRecording("UMC404HD 192k", "Speakers"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	defer e.StopRecording()

	if e.State() != StateRecording {
		t.Fatalf("state %v, want recording", e.State())
	}
	if monitor.active() {
		t.Fatal("monitoring stream left running")
	}

	active := 0
	for _, s := range host.snapshotStreams() {
		if s.active() {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("%d active streams, want exactly 1", active)
	}
}

func TestStartRecordingFailureRollsBackToIdle(t *testing.T) {
	host := &fakeHost{
		devices: testDevices(),
		rejects: func(req StreamRequest) error {
			if req.Direction == DirDuplex {
				return errors.New("paDeviceUnavailable")
			}
			return nil
		},
	}
	e := newTestEngine(host)

	if err := e.StartMonitoring("UMC404HD 192k"); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}
	if err := e.StartRecording("UMC404HD 192k", "Speakers"); err == nil {
		t.Fatal("StartRecording should fail")
	}

	if e.State() != StateIdle {
		t.Fatalf("state %v after failed record, want idle", e.State())
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.armed != nil || e.chunks != nil || e.recording {
		t.Fatal("capture state not cleared after failed record")
	}
}

func TestStartRecordingWhileRecording(t *testing.T) {
	e := newTestEngine(&fakeHost{devices: testDevices()})
	if err := e.StartRecording("UMC404HD 192k", "Speakers"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	defer e.StopRecording()

	if err := e.StartRecording("UMC404HD 192k", "Speakers"); !errors.Is(err, ErrRecordingActive) {
		t.Fatalf("expected ErrRecordingActive, got %v", err)
	}
}

func TestStopRecordingWhenIdle(t *testing.T) {
	e := newTestEngine(&fakeHost{devices: testDevices()})
	if rec := e.StopRecording(); !rec.Empty() {
		t.Fatalf("expected empty recording, got %d samples", len(rec.Samples))
	}
}

func TestDuplexCallbackAccumulatesInput(t *testing.T) {
	host := &fakeHost{devices: testDevices()}
	e := newTestEngine(host)
	if err := e.StartRecording("UMC404HD 192k", "Speakers"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	in := [][]float32{{0.1, 0.2, 0.3, 0.4}}
	out := [][]float32{make([]float32, 4), make([]float32, 4)}
	e.duplexCallback(in, out, 0)
	e.duplexCallback([][]float32{{0.5, 0.6}}, out, 0)

	rec := e.StopRecording()
	if rec.Empty() {
		t.Fatal("expected captured audio")
	}
	want := []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6}
	if len(rec.Samples) != len(want) {
		t.Fatalf("captured %d samples, want %d", len(rec.Samples), len(want))
	}
	for i := range want {
		if rec.Samples[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v", i, rec.Samples[i], want[i])
		}
	}
	if rec.SampleRate != 44100 || rec.Channels != 1 {
		t.Fatalf("recording format %d/%d, want 44100/1", rec.SampleRate, rec.Channels)
	}
}

func TestDuplexCallbackInterleavesStereo(t *testing.T) {
	host := &fakeHost{devices: testDevices()}
	cfg := DefaultEngineConfig()
	cfg.Channels = 2
	cfg.MonitorCooldown = 0
	cfg.RecordSettle = 0
	e := New(host, cfg, zerolog.Nop())

	if err := e.StartRecording("UMC404HD 192k", "Speakers"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}

	in := [][]float32{{1, 2, 3}, {4, 5, 6}}
	e.duplexCallback(in, nil, 0)

	rec := e.StopRecording()
	want := []float32{1, 4, 2, 5, 3, 6}
	if len(rec.Samples) != len(want) {
		t.Fatalf("captured %d samples, want %d", len(rec.Samples), len(want))
	}
	for i := range want {
		if rec.Samples[i] != want[i] {
			t.Fatalf("sample %d = %v, want %v (frame interleaving broken)", i, rec.Samples[i], want[i])
		}
	}
	if rec.Channels != 2 {
		t.Fatalf("channels %d, want 2", rec.Channels)
	}
}

func TestDuplexCallbackEmitsArmedClickOnce(t *testing.T) {
	host := &fakeHost{devices: testDevices()}
	cfg := DefaultEngineConfig()
	// 600 samples at 44.1kHz: spans two full 256-frame blocks plus 88.
	cfg.Click = ClickParams{Frequency: 1000, Duration: 600.0 / 44100.0, Volume: 0.2}
	cfg.FramesPerBuffer = 256
	cfg.MonitorCooldown = 0
	cfg.RecordSettle = 0
	e := New(host, cfg, zerolog.Nop())

	if err := e.StartRecording("UMC404HD 192k", "Speakers"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	defer e.StopRecording()

	e.PlayClick(ClickNormal)

	e.mu.Lock()
	click := e.clicks.Buffer(ClickNormal)
	e.mu.Unlock()
	if len(click) != 600 {
		t.Fatalf("click length %d, want 600", len(click))
	}

	block := func() [][]float32 {
		return [][]float32{make([]float32, 256), make([]float32, 256)}
	}
	in := [][]float32{make([]float32, 256)}

	out1 := block()
	e.duplexCallback(in, out1, 0)
	out2 := block()
	e.duplexCallback(in, out2, 0)
	out3 := block()
	e.duplexCallback(in, out3, 0)
	out4 := block()
	e.duplexCallback(in, out4, 0)

	check := func(out [][]float32, want []float32, label string) {
		t.Helper()
		for c, ch := range out {
			for i := range ch {
				exp := float32(0)
				if i < len(want) {
					exp = want[i]
				}
				if ch[i] != exp {
					t.Fatalf("%s: channel %d sample %d = %v, want %v", label, c, i, ch[i], exp)
				}
			}
		}
	}
	check(out1, click[0:256], "block 1")
	check(out2, click[256:512], "block 2")
	check(out3, click[512:600], "block 3")
	check(out4, nil, "block 4")

	e.mu.Lock()
	armed := e.armed
	e.mu.Unlock()
	if armed != nil {
		t.Fatal("armed click not cleared after full emission")
	}
}

func TestPlayClickLatestWins(t *testing.T) {
	host := &fakeHost{devices: testDevices()}
	e := newTestEngine(host)
	if err := e.StartRecording("UMC404HD 192k", "Speakers"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	defer e.StopRecording()

	e.PlayClick(ClickNormal)
	e.PlayClick(ClickAccent)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.armed == nil {
		t.Fatal("no armed click")
	}
	// Buffers are identity-comparable: the set synthesizes each kind
	// once per sample rate.
	if &e.armed.buf[0] != &e.clicks.Buffer(ClickAccent)[0] {
		t.Fatal("later click did not replace the pending one")
	}
}

func TestMonitorCallbackFeedsMeterAndScope(t *testing.T) {
	e := newTestEngine(&fakeHost{devices: testDevices()})

	in := [][]float32{make([]float32, 128)}
	for i := range in[0] {
		in[0][i] = 0.1
	}
	e.monitorCallback(in, nil, 0)

	// RMS of a constant 0.1 block is 0.1; the meter applies 5x gain.
	if lvl := e.InputLevel(); math.Abs(float64(lvl)-0.5) > 1e-4 {
		t.Fatalf("level %v, want 0.5", lvl)
	}

	snap := e.ScopeSnapshot()
	if len(snap) != DefaultScopeSize {
		t.Fatalf("scope size %d, want %d", len(snap), DefaultScopeSize)
	}
	if snap[len(snap)-1] != 0.1 {
		t.Fatalf("scope tail %v, want 0.1", snap[len(snap)-1])
	}
}

func TestApplySelectionDropsMissingDevices(t *testing.T) {
	e := newTestEngine(&fakeHost{devices: testDevices()})

	e.ApplySelection("UMC404HD 192k (Windows WASAPI)", "Unplugged Headset (MME)", 48000, 2)
	input, output, rate, channels := e.Selection()
	if input != "UMC404HD 192k (Windows WASAPI)" {
		t.Fatalf("input %q not restored", input)
	}
	if output != "" {
		t.Fatalf("missing output device kept: %q", output)
	}
	if rate != 48000 || channels != 2 {
		t.Fatalf("restored format %d/%d, want 48000/2", rate, channels)
	}
}

func TestCloseStopsEverything(t *testing.T) {
	host := &fakeHost{devices: testDevices()}
	e := newTestEngine(host)
	if err := e.StartMonitoring("UMC404HD 192k"); err != nil {
		t.Fatalf("StartMonitoring: %v", err)
	}

	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, s := range host.snapshotStreams() {
		if s.active() {
			t.Fatal("stream still active after Close")
		}
	}
	if e.State() != StateIdle {
		t.Fatalf("state %v after Close, want idle", e.State())
	}
}

func TestRecordingMonoAndDuration(t *testing.T) {
	rec := Recording{Samples: []float32{1, 2, 3, 4, 5, 6}, SampleRate: 3, Channels: 2}
	mono := rec.Mono()
	want := []float32{1, 3, 5}
	if len(mono) != len(want) {
		t.Fatalf("mono length %d, want %d", len(mono), len(want))
	}
	for i := range want {
		if mono[i] != want[i] {
			t.Fatalf("mono[%d] = %v, want %v", i, mono[i], want[i])
		}
	}
	if d := rec.Duration(); d.Seconds() != 1 {
		t.Fatalf("duration %v, want 1s", d)
	}
}
