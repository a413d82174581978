// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (OpenAI speech, ElevenLabs,
// a local Coqui server) and presents a uniform streaming interface. Synthesize
// takes one utterance of text and returns a channel of raw PCM16 mono audio at
// [audio.DefaultSampleRate] as it becomes available, so playback can be
// prepared before synthesis completes.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"errors"
)

// ErrEmptyText is returned by Synthesize when there is nothing to say.
var ErrEmptyText = errors.New("tts: empty text")

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize starts synthesising text with voice and returns a channel that
	// emits raw little-endian PCM16 mono audio at 24 kHz. The channel is closed
	// when synthesis is complete, when ctx is cancelled, or early when the
	// backend fails mid-stream. The caller must drain the channel.
	//
	// A non-nil error means synthesis could not be started; this is what the
	// fallback chain reacts to.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns the voice profiles available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}
