// Package vad is the voice-activity boundary of the conversation engine.
//
// An [Engine] hands out one [Session] per audio stream. A session classifies
// fixed-size PCM16 frames synchronously and keeps its own run-length state, so
// the engine can call it from inside a tick without suspending.
package vad

// DefaultMinVoiceFrames is the run of voiced frames needed before speech is
// reported.
const DefaultMinVoiceFrames = 5

// Config parameterises one session.
type Config struct {
	// SampleRate of the frames passed to ProcessFrame, in Hz.
	SampleRate int

	// EnergyThreshold is the score above which a frame is voiced. The energy
	// engine scores mean squared normalised amplitude, so useful values lie
	// roughly between 0.001 and 0.01.
	EnergyThreshold float64

	// MinVoiceFrames of zero means [DefaultMinVoiceFrames].
	MinVoiceFrames int
}

// Session classifies the frames of one stream. It is not safe for concurrent
// use.
type Session interface {
	// ProcessFrame classifies one raw little-endian PCM16 mono frame. It
	// must not block.
	ProcessFrame(frame []byte) (Event, error)

	// Reset forgets the current voiced run.
	Reset()

	// Close releases the session; later ProcessFrame calls fail. Safe to call
	// more than once.
	Close() error
}

// Engine creates sessions. Safe for concurrent use.
type Engine interface {
	NewSession(cfg Config) (Session, error)
}
