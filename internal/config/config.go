package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
)

type Config struct {
	LogLevel  string            `json:"log_level"`
	Audio     AudioSettings     `json:"audio"`
	Metronome MetronomeSettings `json:"metronome"`
}

// AudioSettings stores the user's hardware selection. Devices are kept
// by name, not by enumeration index: indices shift across reboots and
// hotplugs, names survive them.
type AudioSettings struct {
	InputDevice  string `json:"input_device_name"`
	OutputDevice string `json:"output_device_name"`
	SampleRate   int    `json:"sample_rate"`
	Channels     int    `json:"channels"`
	BufferSize   int    `json:"buffer_size"`
	ScopeSize    int    `json:"scope_size"`
}

type MetronomeSettings struct {
	BPM             int     `json:"bpm"`
	ClickFrequency  float64 `json:"click_frequency"`
	ClickVolume     float64 `json:"click_volume"`
	AccentFrequency float64 `json:"accent_frequency"`
	AccentVolume    float64 `json:"accent_volume"`
	CountInFrequency float64 `json:"countin_frequency"`
	CountInVolume    float64 `json:"countin_volume"`
	ClickDuration   float64 `json:"click_duration"`
}

// Default returns the built-in settings used before any config file
// exists.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Audio: AudioSettings{
			SampleRate: 44100,
			Channels:   1,
			BufferSize: 512,
			ScopeSize:  2048,
		},
		Metronome: MetronomeSettings{
			BPM:              120,
			ClickFrequency:   1000,
			ClickVolume:      0.2,
			AccentFrequency:  1500,
			AccentVolume:     0.3,
			CountInFrequency: 800, // lower pitch for count-in
			CountInVolume:    0.2,
			ClickDuration:    0.05,
		},
	}
}

// Load reads the config from disk or returns defaults
func Load() (*Config, error) {
	return LoadFrom(configPath())
}

// LoadFrom reads the config from an explicit path, overlaying it onto
// the defaults so missing keys keep their built-in values.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	// Load existing config if it exists
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	return c.SaveTo(configPath())
}

// SaveTo writes the config to an explicit path.
func (c *Config) SaveTo(path string) error {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// configPath returns the platform-specific config file path
func configPath() string {
	var base string

	switch runtime.GOOS {
	case "darwin":
		base = os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		base = os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			base = xdg
		} else {
			base = os.Getenv("HOME") + "/.config"
		}
	}

	return filepath.Join(base, "vocalparam", "config.json")
}
