package vad

// EventType is the detector state after one frame.
type EventType int

const (
	// SpeechStart is reported on the frame that completes MinVoiceFrames
	// consecutive voiced frames.
	SpeechStart EventType = iota

	// SpeechContinue is reported for every further voiced frame.
	SpeechContinue

	// SpeechEnd is reported on the first unvoiced frame after speech.
	SpeechEnd

	// Silence is reported for unvoiced frames and for voiced frames that have
	// not yet reached MinVoiceFrames.
	Silence
)

func (t EventType) String() string {
	switch t {
	case SpeechStart:
		return "speech_start"
	case SpeechContinue:
		return "speech_continue"
	case SpeechEnd:
		return "speech_end"
	case Silence:
		return "silence"
	}
	return "unknown"
}

// Event is the detector's verdict on one frame.
type Event struct {
	Type EventType

	// Score is the frame's detector score in the engine's native scale (mean
	// squared amplitude for the energy engine).
	Score float64

	// VoiceFrames counts consecutive voiced frames up to and including this
	// one; 0 for an unvoiced frame.
	VoiceFrames int
}

// Detected reports whether the frame belongs to detected speech.
func (e Event) Detected() bool {
	return e.Type == SpeechStart || e.Type == SpeechContinue
}
