//go:build !portaudio

package portaudio

import (
	"log/slog"

	"github.com/MrWong99/englishear/pkg/audio"
)

// Device is a placeholder for the PortAudio host in builds without the tag.
type Device struct{}

// Open always fails with [ErrUnavailable].
func Open() (*Device, error) { return nil, ErrUnavailable }

// Close is a no-op.
func (d *Device) Close() error { return nil }

// NewSink always fails with [ErrUnavailable].
func (d *Device) NewSink(sampleRate, framesPerBuffer int) (audio.Sink, error) {
	return nil, ErrUnavailable
}

// NewCapture always fails with [ErrUnavailable].
func (d *Device) NewCapture(sampleRate, framesPerBuffer int, logger *slog.Logger) (audio.Capture, error) {
	return nil, ErrUnavailable
}
