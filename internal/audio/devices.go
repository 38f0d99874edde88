package audio

import (
	"strings"

	"github.com/rs/zerolog"
)

// DeviceDescriptor is an immutable snapshot of one hardware endpoint.
// Descriptors are recreated on every catalog refresh and never mutated
// in place.
type DeviceDescriptor struct {
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate int
	DefaultInput      bool
	DefaultOutput     bool

	// Derived by the catalog.
	LowLatencyAPI bool
	Virtual       bool
	Score         int
}

// FullName is the display and persistence identity of a device: the
// same physical endpoint often appears once per host API, so the API
// name is part of the identity.
func (d DeviceDescriptor) FullName() string {
	return d.Name + " (" + d.HostAPI + ")"
}

// apiWeights ranks host APIs, highest for kernel-level/low-latency
// APIs, lowest for legacy shared-mode ones. Matched by substring
// against the API name.
var apiWeights = map[string]int{
	"ASIO":   100,
	"WDM-KS": 80,
	"WASAPI": 60,
	"MME":    20,
}

// proKeywords are professional-interface markers matched
// case-sensitively against the device name.
var proKeywords = []string{"ASIO", "UMC", "Focusrite", "Yamaha", "Steinberg", "RME", "Audient"}

// virtualMarkers identify loopback/virtual endpoints that clutter
// enumeration on Windows. They are flagged, never hidden.
var virtualMarkers = []string{"Streaming", "Primary", "Asignador"}

// lowLatencyAPIs are host APIs that bypass the OS shared mixer.
var lowLatencyAPIs = []string{"ASIO", "WDM-KS", "JACK", "Core Audio"}

// Score rates a device, higher = preferred. Pure function: host-API
// weight, +30 per professional-hardware keyword in the name, +10 when
// the device has at least two input channels.
func Score(d DeviceDescriptor) int {
	score := 0
	for api, points := range apiWeights {
		if strings.Contains(d.HostAPI, api) {
			score += points
		}
	}
	for _, kw := range proKeywords {
		if strings.Contains(d.Name, kw) {
			score += 30
		}
	}
	if d.MaxInputChannels >= 2 {
		score += 10
	}
	return score
}

func isVirtualName(name string) bool {
	for _, m := range virtualMarkers {
		if strings.Contains(name, m) {
			return true
		}
	}
	return false
}

func isLowLatencyAPI(api string) bool {
	for _, a := range lowLatencyAPIs {
		if strings.Contains(api, a) {
			return true
		}
	}
	return false
}

// Catalog queries the host for hardware endpoints and annotates them.
// Cheap and side-effect free; safe to call repeatedly.
type Catalog struct {
	host Host
	log  zerolog.Logger
}

func NewCatalog(host Host, log zerolog.Logger) *Catalog {
	return &Catalog{host: host, log: log}
}

// List returns every visible device with derived flags and score
// filled in. Enumeration failure degrades to an empty list; devices
// that failed introspection are omitted by the host.
func (c *Catalog) List() []DeviceDescriptor {
	devices, err := c.host.Devices()
	if err != nil {
		c.log.Error().Err(err).Msg("Device enumeration failed")
		return nil
	}

	out := make([]DeviceDescriptor, 0, len(devices))
	for _, d := range devices {
		d.Virtual = isVirtualName(d.Name)
		d.LowLatencyAPI = isLowLatencyAPI(d.HostAPI)
		d.Score = Score(d)
		out = append(out, d)
	}
	return out
}

// FindByName resolves a persisted device identity against the current
// catalog. Accepts either the full "Name (API)" form or the bare
// device name.
func (c *Catalog) FindByName(name string) (DeviceDescriptor, bool) {
	if name == "" {
		return DeviceDescriptor{}, false
	}
	for _, d := range c.List() {
		if d.FullName() == name || d.Name == name {
			return d, true
		}
	}
	return DeviceDescriptor{}, false
}

// Inputs returns the capture-capable devices, real hardware before
// virtual endpoints, best score first within each group.
func (c *Catalog) Inputs() []DeviceDescriptor {
	return rank(c.List(), func(d DeviceDescriptor) bool { return d.MaxInputChannels > 0 })
}

// Outputs returns the playback-capable devices in the same order.
func (c *Catalog) Outputs() []DeviceDescriptor {
	return rank(c.List(), func(d DeviceDescriptor) bool { return d.MaxOutputChannels > 0 })
}

func rank(devices []DeviceDescriptor, keep func(DeviceDescriptor) bool) []DeviceDescriptor {
	out := make([]DeviceDescriptor, 0, len(devices))
	for _, d := range devices {
		if keep(d) {
			out = append(out, d)
		}
	}
	// Insertion sort; device lists are tiny.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && better(out[j], out[j-1]); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func better(a, b DeviceDescriptor) bool {
	if a.Virtual != b.Virtual {
		return !a.Virtual
	}
	return a.Score > b.Score
}
