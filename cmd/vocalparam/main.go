package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/lxisus/VocalParam/internal/audio"
	"github.com/lxisus/VocalParam/internal/config"
	"github.com/lxisus/VocalParam/internal/logging"
	"github.com/lxisus/VocalParam/internal/wavio"
	"github.com/rs/zerolog"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `vocalparam %s - voicebank sample recorder engine

Usage:
  vocalparam devices                     list audio devices
  vocalparam monitor  [-device D] [-seconds N]
  vocalparam record   [-device D] [-output D] [-seconds N] [-countin N] [-bpm N] -out FILE
  vocalparam tone     [-device D]        play the output test tone
  vocalparam version
`, Version)
}

func main() {
	// Load config from XDG/Library/AppData
	cfg, err := config.Load()
	if err != nil {
		// Use default logger if config fails to load
		log := logging.New()
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	log := logging.NewWithLevel(cfg.LogLevel)

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	if os.Args[1] == "version" {
		fmt.Printf("vocalparam %s (%s)\n", Version, Commit)
		return
	}

	host, err := audio.NewPortAudioHost(log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize audio backend")
	}

	eng := audio.New(host, engineConfig(cfg), log)
	defer eng.Close()
	eng.ApplySelection(cfg.Audio.InputDevice, cfg.Audio.OutputDevice, cfg.Audio.SampleRate, cfg.Audio.Channels)

	switch os.Args[1] {
	case "devices":
		err = runDevices(eng)
	case "monitor":
		err = runMonitor(eng, cfg, os.Args[2:], log)
	case "record":
		err = runRecord(eng, cfg, os.Args[2:], log)
	case "tone":
		err = runTone(eng, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

// engineConfig maps the persisted settings onto the engine's explicit
// config struct.
func engineConfig(cfg *config.Config) audio.EngineConfig {
	ec := audio.DefaultEngineConfig()
	if cfg.Audio.SampleRate > 0 {
		ec.SampleRate = cfg.Audio.SampleRate
	}
	if cfg.Audio.Channels > 0 {
		ec.Channels = cfg.Audio.Channels
	}
	if cfg.Audio.BufferSize > 0 {
		ec.FramesPerBuffer = cfg.Audio.BufferSize
	}
	if cfg.Audio.ScopeSize > 0 {
		ec.ScopeSize = cfg.Audio.ScopeSize
	}
	m := cfg.Metronome
	if m.ClickFrequency > 0 && m.ClickDuration > 0 {
		ec.Click = audio.ClickParams{Frequency: m.ClickFrequency, Duration: m.ClickDuration, Volume: m.ClickVolume}
		ec.Accent = audio.ClickParams{Frequency: m.AccentFrequency, Duration: m.ClickDuration, Volume: m.AccentVolume}
		ec.CountIn = audio.ClickParams{Frequency: m.CountInFrequency, Duration: m.ClickDuration, Volume: m.CountInVolume}
	}
	return ec
}

// saveSelection persists the device names and last negotiated format,
// so the next run can re-resolve the hardware even if enumeration
// order shifted.
func saveSelection(eng *audio.Engine, cfg *config.Config, log zerolog.Logger) {
	in, out, rate, ch := eng.Selection()
	cfg.Audio.InputDevice = in
	cfg.Audio.OutputDevice = out
	cfg.Audio.SampleRate = rate
	cfg.Audio.Channels = ch
	if err := cfg.Save(); err != nil {
		log.Error().Err(err).Msg("Failed to save config")
	}
}

func runDevices(eng *audio.Engine) error {
	devices := eng.Catalog().List()
	if len(devices) == 0 {
		fmt.Println("no audio devices found")
		return nil
	}
	fmt.Printf("%-45s %-14s %3s %3s %7s %6s %s\n", "DEVICE", "API", "IN", "OUT", "RATE", "SCORE", "FLAGS")
	for _, d := range devices {
		var flags []string
		if d.DefaultInput {
			flags = append(flags, "default-in")
		}
		if d.DefaultOutput {
			flags = append(flags, "default-out")
		}
		if d.LowLatencyAPI {
			flags = append(flags, "low-latency")
		}
		if d.Virtual {
			flags = append(flags, "virtual")
		}
		fmt.Printf("%-45s %-14s %3d %3d %7d %6d %s\n",
			d.Name, d.HostAPI, d.MaxInputChannels, d.MaxOutputChannels,
			d.DefaultSampleRate, d.Score, strings.Join(flags, ","))
	}
	return nil
}

func runMonitor(eng *audio.Engine, cfg *config.Config, args []string, log zerolog.Logger) error {
	fs := flag.NewFlagSet("monitor", flag.ExitOnError)
	device := fs.String("device", "", "input device name (default: configured device)")
	seconds := fs.Int("seconds", 10, "how long to monitor")
	fs.Parse(args)

	if err := eng.StartMonitoring(*device); err != nil {
		return err
	}
	defer eng.StopMonitoring()
	defer saveSelection(eng, cfg, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(time.Duration(*seconds) * time.Second)

	for {
		select {
		case <-ticker.C:
			level := eng.InputLevel()
			bar := int(level * 50)
			fmt.Printf("\r[%-50s] %4.2f", strings.Repeat("#", bar), level)
		case <-deadline:
			fmt.Println()
			return nil
		case <-sigChan:
			fmt.Println()
			return nil
		}
	}
}

func runRecord(eng *audio.Engine, cfg *config.Config, args []string, log zerolog.Logger) error {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	device := fs.String("device", "", "input device name (default: configured device)")
	output := fs.String("output", "", "output device name (default: configured device)")
	seconds := fs.Float64("seconds", 4, "recording length after count-in")
	countIn := fs.Int("countin", 3, "count-in beats before the take")
	bpm := fs.Int("bpm", 0, "metronome tempo (default: configured BPM)")
	out := fs.String("out", "take.wav", "output WAV path")
	fs.Parse(args)

	tempo := *bpm
	if tempo <= 0 {
		tempo = cfg.Metronome.BPM
	}
	beat := time.Duration(float64(time.Minute) / float64(tempo))

	if err := eng.StartRecording(*device, *output); err != nil {
		return err
	}

	// Count-in clicks land inside the take; downstream offset search
	// skips past them.
	for i := 0; i < *countIn; i++ {
		eng.PlayClick(audio.ClickCountIn)
		time.Sleep(beat)
	}

	beats := int(*seconds * float64(tempo) / 60)
	for i := 0; i < beats; i++ {
		if i == 0 {
			eng.PlayClick(audio.ClickAccent)
		} else {
			eng.PlayClick(audio.ClickNormal)
		}
		time.Sleep(beat)
	}
	if rest := time.Duration(*seconds*float64(time.Second)) - time.Duration(beats)*beat; rest > 0 {
		time.Sleep(rest)
	}

	rec := eng.StopRecording()
	saveSelection(eng, cfg, log)
	if rec.Empty() {
		return fmt.Errorf("nothing captured")
	}

	if err := wavio.Save(*out, rec.Samples, rec.SampleRate, rec.Channels); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%.2fs @ %dHz, %dch)\n", *out, rec.Duration().Seconds(), rec.SampleRate, rec.Channels)
	return nil
}

func runTone(eng *audio.Engine, args []string) error {
	fs := flag.NewFlagSet("tone", flag.ExitOnError)
	device := fs.String("device", "", "output device name (default: system default)")
	fs.Parse(args)

	if err := eng.PlayTestTone(*device); err != nil {
		return err
	}
	// Let the tone drain before tearing the backend down.
	time.Sleep(time.Second)
	eng.StopPlayback()
	return nil
}
