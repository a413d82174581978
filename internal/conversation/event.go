package conversation

import "time"

// EventType classifies engine events.
type EventType int

const (
	// EventModeChange is emitted on the user stream when the derived mode
	// changes between ticks.
	EventModeChange EventType = iota

	// EventSpeechStart is emitted on the user stream when the VAD first
	// detects user speech.
	EventSpeechStart

	// EventSpeechEnd is emitted on the user stream when detected speech ends.
	EventSpeechEnd

	// EventStop is the explicit stop control event emitted on both streams
	// when user speech interrupts the AI.
	EventStop

	// EventAIAudio is emitted on the AI stream for every AI fragment handed to
	// the segmenter.
	EventAIAudio

	// EventAIDiscarded is emitted on the AI stream for AI audio dropped because
	// it arrived within the activity window after an interruption.
	EventAIDiscarded

	// EventTurnEnd is emitted on the AI stream after an AI turn was flushed.
	EventTurnEnd
)

// String returns the name of the event type.
func (t EventType) String() string {
	switch t {
	case EventModeChange:
		return "mode_change"
	case EventSpeechStart:
		return "speech_start"
	case EventSpeechEnd:
		return "speech_end"
	case EventStop:
		return "stop"
	case EventAIAudio:
		return "ai_audio"
	case EventAIDiscarded:
		return "ai_discarded"
	case EventTurnEnd:
		return "turn_end"
	default:
		return "unknown"
	}
}

// Event is one notification on a user or AI event stream.
type Event struct {
	Type EventType
	At   time.Time

	// Mode is the derived mode at At.
	Mode Mode

	// FragmentID identifies the AI fragment for AI audio events.
	FragmentID string

	// Bytes is the payload size for AI audio events.
	Bytes int
}
