// Package audio defines the PCM types shared by the conversation pipeline and
// the two native-audio boundaries it talks to:
//
//   - [Sink] plays one WAV buffer at a time and reports completion.
//   - [Capture] delivers microphone frames as raw PCM16.
//
// Concrete implementations live in sub-packages (audio/portaudio,
// audio/filesink). The core never plays audio against a Sink directly; the
// playback queue in audio/playback owns the sink exclusively.
package audio

import (
	"context"
	"errors"
)

// ErrStopped is delivered on a playback completion channel when the sink was
// stopped before the buffer finished playing.
var ErrStopped = errors.New("audio: playback stopped")

// Sink is the native playback boundary.
//
// Play starts playing a complete WAV buffer and returns immediately. The
// returned channel receives exactly one value, nil on natural completion or an
// error on failure, and is then closed. A synchronous error from Play means
// nothing started.
//
// Stop halts the current playback and must return without waiting for the
// device. Pause and Resume suspend and continue the current buffer.
//
// Callers must not invoke Play while a previous completion is outstanding,
// unless Stop was called in between.
type Sink interface {
	Play(wav []byte) (<-chan error, error)
	Stop() error
	Pause() error
	Resume() error
}

// Capture is the microphone boundary. Start begins capturing and returns a
// channel of PCM16 mono frames at the capture's sample rate. The channel is
// closed when ctx is cancelled or Close is called.
type Capture interface {
	Start(ctx context.Context) (<-chan []byte, error)
	SampleRate() int
	Close() error
}

// Done returns a completion channel that already carries err. Sinks that finish
// synchronously use it to satisfy the [Sink] contract.
func Done(err error) <-chan error {
	ch := make(chan error, 1)
	ch <- err
	close(ch)
	return ch
}
