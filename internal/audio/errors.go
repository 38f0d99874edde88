package audio

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDeviceQueryFailed marks a failed hardware enumeration. The
	// catalog degrades to an empty list rather than surfacing it.
	ErrDeviceQueryFailed = errors.New("audio: device query failed")

	// ErrDeviceNotFound is returned when a persisted or requested
	// device name no longer resolves against the catalog.
	ErrDeviceNotFound = errors.New("audio: device not found")

	// ErrStreamBusy marks a device held exclusively by another
	// application. The corrective action (close the other app) differs
	// from an incompatible device, so it is kept distinct.
	ErrStreamBusy = errors.New("audio: device busy")

	// ErrNoCompatibleConfig is returned when every sample-rate and
	// channel combination failed for a device.
	ErrNoCompatibleConfig = errors.New("audio: no compatible stream configuration")

	// ErrNoInputDevice is returned when a session is started without
	// an input device selected or given.
	ErrNoInputDevice = errors.New("audio: no input device selected")

	// ErrNoOutputDevice is returned when recording is started without
	// an output device for the click path.
	ErrNoOutputDevice = errors.New("audio: no output device selected")

	// ErrRecordingActive is returned when a conflicting session is
	// requested while a recording is in flight.
	ErrRecordingActive = errors.New("audio: recording session already active")
)

// Attempt records one tried candidate during negotiation.
type Attempt struct {
	SampleRate int
	Channels   int
	Err        error
}

// NegotiationError is the hard failure surfaced when the fallback
// cascade exhausts every candidate. It keeps the attempt history for
// diagnostics instead of discarding it.
type NegotiationError struct {
	Device    string
	Direction Direction
	Attempts  []Attempt
}

// AllBusy reports whether every attempt failed because the device was
// held exclusively by another application.
func (e *NegotiationError) AllBusy() bool {
	if len(e.Attempts) == 0 {
		return false
	}
	for _, a := range e.Attempts {
		if !errors.Is(a.Err, ErrStreamBusy) {
			return false
		}
	}
	return true
}

// Unwrap classifies the failure: busy when every candidate was
// rejected as busy, incompatible otherwise.
func (e *NegotiationError) Unwrap() error {
	if e.AllBusy() {
		return ErrStreamBusy
	}
	return ErrNoCompatibleConfig
}

func (e *NegotiationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cannot open %s stream on %q", e.Direction, e.Device)
	if len(e.Attempts) > 0 {
		b.WriteString(" (tried")
		for _, a := range e.Attempts {
			fmt.Fprintf(&b, " %dHz/%dch", a.SampleRate, a.Channels)
		}
		b.WriteString(")")
	}
	if e.AllBusy() {
		b.WriteString(": device is in use by another application, close it and retry")
	} else {
		b.WriteString(": device rejected every configuration, try another device")
	}
	return b.String()
}
