// Package wavio reads and writes the 16-bit PCM WAV files the rest of
// the toolchain (UTAU included) expects.
package wavio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// scale converts between float samples in [-1, 1] and 16-bit PCM.
const scale = 32767

// Save writes float samples (interleaved when channels > 1) as a
// 16-bit PCM WAV file, creating parent directories as needed.
func Save(path string, samples []float32, sampleRate, channels int) error {
	if sampleRate <= 0 || channels <= 0 {
		return fmt.Errorf("wavio: invalid format %dHz/%dch", sampleRate, channels)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &goaudio.IntBuffer{
		Format: &goaudio.Format{
			SampleRate:  sampleRate,
			NumChannels: channels,
		},
		Data:           make([]int, len(samples)),
		SourceBitDepth: 16,
	}
	for i, s := range samples {
		v := int(s * scale)
		// Clamp instead of wrapping on hot signals.
		if v > scale {
			v = scale
		} else if v < -scale-1 {
			v = -scale - 1
		}
		buf.Data[i] = v
	}

	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}

// Load reads a 16-bit PCM WAV file back into float samples.
func Load(path string) (samples []float32, sampleRate, channels int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		if err := dec.Err(); err != nil {
			return nil, 0, 0, fmt.Errorf("wavio: invalid wav file %q: %w", path, err)
		}
		return nil, 0, 0, errors.New("wavio: invalid wav file " + path)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, err
	}

	samples = make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(v) / scale
	}
	return samples, int(dec.SampleRate), int(dec.NumChans), nil
}
