// Package playback provides the sequential playback queue: the single owner
// of an [audio.Sink] that plays one task at a time in FIFO order and inserts a
// pacing gap after each task according to its cadence class.
package playback

// Cadence is the pacing category of a [Task]. It selects the silence inserted
// after the task finishes playing.
type Cadence int

const (
	// CadenceNone is used for audio that does not end on punctuation.
	CadenceNone Cadence = iota

	// CadencePhraseEnd marks audio ending on a soft boundary (, ; :).
	CadencePhraseEnd

	// CadenceSentenceEnd marks audio ending on a strong boundary (. ! ?).
	CadenceSentenceEnd
)

// String returns the metric label for the cadence.
func (c Cadence) String() string {
	switch c {
	case CadenceNone:
		return "none"
	case CadencePhraseEnd:
		return "phrase_end"
	case CadenceSentenceEnd:
		return "sentence_end"
	default:
		return "unknown"
	}
}

// Task is one unit of playback. Audio is raw PCM in the queue's format; the
// queue wraps it in a WAV container before handing it to the sink. A task is
// consumed exactly once.
type Task struct {
	Audio   []byte
	Cadence Cadence

	// Text is the transcript carried for logging. Optional.
	Text string

	// SentenceID identifies the segmenter sentence the task came from, or 0.
	SentenceID uint64
}
