// Package realtime defines the boundary to a remote conversational speech
// service such as the OpenAI Realtime API.
//
// A Session carries microphone audio up and delivers [Event] values down: speech
// deltas (already synthesised AI audio with an id and optional transcript),
// end-of-turn markers, text-only responses that must be synthesised locally, and
// classified service errors. Socket framing, authentication and the wire
// protocol live in the implementations; reconnection is not attempted.
package realtime

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by Session methods after Close.
var ErrSessionClosed = errors.New("realtime: session closed")

// EventType identifies the kind of an [Event].
type EventType int

const (
	// EventSpeechDelta carries one fragment of AI speech in Event.Delta.
	EventSpeechDelta EventType = iota

	// EventTurnEnd marks the end of one AI response.
	EventTurnEnd

	// EventText carries a complete text-only response in Event.Text.
	EventText

	// EventUserTranscript carries the service's transcription of user speech.
	EventUserTranscript

	// EventError carries a classified service error in Event.Err.
	EventError
)

// String returns the event type name.
func (t EventType) String() string {
	switch t {
	case EventSpeechDelta:
		return "speech_delta"
	case EventTurnEnd:
		return "turn_end"
	case EventText:
		return "text"
	case EventUserTranscript:
		return "user_transcript"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// SpeechDelta is one inbound fragment of AI speech.
type SpeechDelta struct {
	// ID is unique per fragment; redelivered fragments repeat it.
	ID string

	// Audio is raw little-endian PCM16 mono at the session's sample rate.
	Audio []byte

	// Transcript is the text spoken in this fragment, if the service sent any.
	Transcript string
}

// Event is one item of a Session's inbound stream.
type Event struct {
	Type       EventType
	ResponseID string
	Delta      SpeechDelta
	Text       string
	Err        error
}

// SessionConfig is the typed session configuration sent when connecting.
type SessionConfig struct {
	// Voice is the service voice ("nova").
	Voice string

	// Instructions is the system prompt.
	Instructions string

	// Temperature is the sampling temperature. Zero leaves the service default.
	Temperature float64

	// Modalities lists the response modalities, e.g. ["text", "audio"].
	Modalities []string
}

// Session is an open conversation with the remote service. All methods are
// safe for concurrent use.
type Session interface {
	// SendAudio appends a PCM16 chunk of user audio to the service's input
	// buffer.
	SendAudio(chunk []byte) error

	// SendText adds a user text message and asks for a response.
	SendText(text string) error

	// Cancel stops the response currently being generated.
	Cancel() error

	// Events returns the inbound stream. It is closed when the session ends;
	// Err then reports why.
	Events() <-chan Event

	// Err returns the error that ended the session, or nil.
	Err() error

	// Close ends the session. Safe to call more than once.
	Close() error
}

// Provider opens sessions.
type Provider interface {
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)
}
