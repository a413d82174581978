package audio

import "time"

// Conversation audio defaults: raw PCM16 mono at 24 kHz, the format the
// realtime speech service streams and expects.
const (
	DefaultSampleRate    = 24000
	DefaultChannels      = 1
	DefaultBitsPerSample = 16
)

// Format describes the layout of a PCM stream.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DefaultFormat returns PCM16 mono at [DefaultSampleRate].
func DefaultFormat() Format {
	return Format{
		SampleRate:    DefaultSampleRate,
		Channels:      DefaultChannels,
		BitsPerSample: DefaultBitsPerSample,
	}
}

// BytesPerSecond returns the byte rate of the format, or 0 when the format is
// incomplete.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * f.BitsPerSample / 8
}

// Duration returns how long n bytes of audio in this format play for.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 || n <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// Fragment is one arriving piece of audio, with optional transcript text, from
// the AI service or from the local microphone. A Fragment is immutable once
// created; consumers must not modify Payload.
type Fragment struct {
	// ID is an opaque identifier assigned by the producer. Fragments carrying
	// the same ID are the same fragment.
	ID string

	// Payload is raw little-endian PCM16 mono audio.
	Payload []byte

	// Text is the transcript text that accompanies this piece of audio, if any.
	Text string

	// ReceivedAt is when the fragment entered the process.
	ReceivedAt time.Time
}
