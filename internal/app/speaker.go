package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/englishear/internal/segment"
	"github.com/MrWong99/englishear/pkg/audio"
	"github.com/MrWong99/englishear/pkg/provider/tts"
)

// speakerBacklog bounds the text responses waiting for synthesis.
const speakerBacklog = 8

// errSuperseded is returned by speak when clear was called mid-utterance.
var errSuperseded = errors.New("app: utterance superseded")

// synthesizer is the part of resilience.TTSChain the speaker needs.
type synthesizer interface {
	SynthesizeWith(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan []byte, string, error)
}

// speaker turns text responses into AI fragments, one sentence per fragment,
// so they pass through the same dedup, interruption and cadence logic as
// streamed speech.
type speaker struct {
	tts     synthesizer
	process func(audio.Fragment) error
	endTurn func()
	log     *slog.Logger

	// outRate is the conversation sample rate; synthesis arrives at
	// audio.DefaultSampleRate.
	outRate int

	texts      chan string
	generation atomic.Uint64
}

func newSpeaker(t synthesizer, process func(audio.Fragment) error, endTurn func(), outRate int, log *slog.Logger) *speaker {
	return &speaker{
		tts:     t,
		process: process,
		endTurn: endTurn,
		outRate: outRate,
		log:     log,
		texts:   make(chan string, speakerBacklog),
	}
}

// enqueue schedules text for run. It never blocks; text is dropped when the
// backlog is full.
func (s *speaker) enqueue(text string) {
	select {
	case s.texts <- text:
	default:
		s.log.Warn("speaker: backlog full, dropping text response", "chars", len(text))
	}
}

// clear drops queued text and aborts the utterance being synthesised.
func (s *speaker) clear() {
	s.generation.Add(1)
	for {
		select {
		case <-s.texts:
		default:
			return
		}
	}
}

func (s *speaker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case text := <-s.texts:
			if err := s.speak(ctx, text); err != nil && !errors.Is(err, errSuperseded) && ctx.Err() == nil {
				s.log.Warn("speaker: text response not spoken", "err", err)
			}
		}
	}
}

// speak synthesises text sentence by sentence and ends the AI turn.
func (s *speaker) speak(ctx context.Context, text string) error {
	gen := s.generation.Load()
	sentences := segment.SplitSentences(text)
	if len(sentences) == 0 {
		return tts.ErrEmptyText
	}
	defer s.endTurn()

	for _, sentence := range sentences {
		if s.generation.Load() != gen {
			return errSuperseded
		}
		ch, backend, err := s.tts.SynthesizeWith(ctx, sentence, tts.VoiceProfile{})
		if err != nil {
			return fmt.Errorf("speaker: synthesize: %w", err)
		}
		pcm := audio.Collect(ch)
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.generation.Load() != gen {
			return errSuperseded
		}
		pcm = audio.ResampleMono16(pcm, audio.DefaultSampleRate, s.outRate)
		s.log.Debug("speaker: sentence synthesised", "backend", backend, "bytes", len(pcm))

		err = s.process(audio.Fragment{
			ID:         uuid.NewString(),
			Payload:    pcm,
			Text:       sentence + " ",
			ReceivedAt: time.Now(),
		})
		if err != nil {
			s.log.Debug("speaker: fragment rejected", "err", err)
		}
	}
	return nil
}
