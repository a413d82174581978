// Package segment accumulates AI text and audio fragments into sentences and
// phrases, shapes their intonation, and hands the finished units to the
// playback queue.
//
// A sentence stays open until its accumulated text ends on a strong boundary.
// A soft boundary emits the audio buffered so far as a phrase but keeps the
// sentence open. Finished units that the playback queue cannot take yet stay
// retained with their sentence; at most a fixed number of sentences is
// retained and the oldest are dropped unplayed when the queue falls behind.
package segment

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/MrWong99/englishear/internal/observe"
	"github.com/MrWong99/englishear/pkg/audio"
	"github.com/MrWong99/englishear/pkg/audio/playback"
)

// Defaults for the retention and soft-boundary policies.
const (
	DefaultMaxSentences    = 3
	DefaultMinSoftSegments = 4
)

// Enqueuer receives finished units. [playback.Queue] implements it.
type Enqueuer interface {
	Enqueue(task playback.Task) error
	TryEnqueue(task playback.Task) bool
}

var _ Enqueuer = (*playback.Queue)(nil)

// Option configures a [Segmenter].
type Option func(*Segmenter)

// WithClassifier replaces the default [PunctuationClassifier].
func WithClassifier(c Classifier) Option {
	return func(s *Segmenter) {
		s.classifier = c
	}
}

// WithMaxSentences sets how many sentences may be retained at once.
func WithMaxSentences(n int) Option {
	return func(s *Segmenter) {
		if n > 0 {
			s.maxSentences = n
		}
	}
}

// WithMinSoftSegments sets how many audio segments must be buffered before a
// soft boundary emits a phrase.
func WithMinSoftSegments(n int) Option {
	return func(s *Segmenter) {
		if n > 0 {
			s.minSoft = n
		}
	}
}

// WithShaping toggles intonation shaping of finished sentences. Enabled by
// default.
func WithShaping(enabled bool) Option {
	return func(s *Segmenter) {
		s.shape = enabled
	}
}

// WithMetrics records pruned sentences.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Segmenter) {
		s.metrics = m
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Segmenter) {
		s.log = l
	}
}

// sentence is one accumulated run of fragments.
type sentence struct {
	id       uint64
	text     strings.Builder
	emitted  int // length of text already carried by emitted units
	segments [][]byte
	open     bool
	units    []playback.Task // finished but not yet delivered
}

// Stats is a snapshot of the segmenter counters.
type Stats struct {
	Sentences uint64 // sentence-end units produced
	Phrases   uint64 // phrase-end units produced
	Delivered uint64 // units accepted by the playback queue
	Pruned    uint64 // sentences dropped by the retention cap
	Retained  int
}

// Segmenter is the sentence-boundary state machine. All exported methods are
// safe for concurrent use.
type Segmenter struct {
	out          Enqueuer
	classifier   Classifier
	maxSentences int
	minSoft      int
	shape        bool
	metrics      *observe.Metrics
	log          *slog.Logger

	mu        sync.Mutex
	sentences []*sentence // oldest first; the open sentence, if any, is last
	nextID    uint64
	stats     Stats
}

// New creates a [Segmenter] that delivers finished units to out.
func New(out Enqueuer, opts ...Option) *Segmenter {
	s := &Segmenter{
		out:          out,
		classifier:   NewPunctuationClassifier(),
		maxSentences: DefaultMaxSentences,
		minSoft:      DefaultMinSoftSegments,
		shape:        true,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Append adds a fragment's text and PCM to the open sentence, opening a new
// one if needed, and emits a unit when the accumulated text now ends on a
// boundary. Finished units are offered to the queue immediately.
func (s *Segmenter) Append(text string, pcm []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.openLocked()
	cur.text.WriteString(text)
	if len(pcm) > 0 {
		cur.segments = append(cur.segments, pcm)
	}

	text = cur.text.String()
	switch s.classifier.Classify(text) {
	case BoundaryStrong:
		s.closeLocked(cur)
	case BoundarySoft:
		// A soft boundary counts once; audio-only fragments after an emitted
		// comma wait for more text.
		if len(text) > cur.emitted && len(cur.segments) >= s.minSoft {
			s.emitPhraseLocked(cur)
		}
	}

	s.pumpLocked()
	s.pruneLocked()
}

// Pump retries delivery of retained units. The conversation engine calls it
// every tick. It returns the number of units delivered.
func (s *Segmenter) Pump() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pumpLocked()
}

// Flush closes the open sentence as complete and delivers every retained unit,
// bypassing the queue backlog. Used at end of turn.
func (s *Segmenter) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.sentences); n > 0 && s.sentences[n-1].open {
		cur := s.sentences[n-1]
		if len(cur.segments) > 0 {
			s.closeLocked(cur)
		} else {
			cur.open = false
		}
	}

	for _, st := range s.sentences {
		for _, u := range st.units {
			if err := s.out.Enqueue(u); err != nil {
				s.log.Warn("segment: flush dropped unit", "sentence_id", u.SentenceID, "err", err)
				continue
			}
			s.stats.Delivered++
		}
	}
	s.sentences = nil
}

// Clear discards every sentence and unit without delivering them. It returns
// the number of sentences discarded.
func (s *Segmenter) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.sentences)
	s.sentences = nil
	return n
}

// Stats returns a snapshot of the counters.
func (s *Segmenter) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Retained = len(s.sentences)
	return st
}

// openLocked returns the open sentence, creating it when the last sentence is
// closed.
func (s *Segmenter) openLocked() *sentence {
	if n := len(s.sentences); n > 0 && s.sentences[n-1].open {
		return s.sentences[n-1]
	}
	s.nextID++
	st := &sentence{id: s.nextID, open: true}
	s.sentences = append(s.sentences, st)
	return st
}

// closeLocked combines the sentence's segments into one shaped sentence-end
// unit and closes it.
func (s *Segmenter) closeLocked(st *sentence) {
	st.open = false
	if len(st.segments) == 0 {
		return
	}
	text := st.text.String()
	pcm := audio.Concat(st.segments)
	if s.shape {
		pcm = Shape(pcm, terminal(text))
	}
	st.units = append(st.units, playback.Task{
		Audio:      pcm,
		Cadence:    playback.CadenceSentenceEnd,
		Text:       text[st.emitted:],
		SentenceID: st.id,
	})
	st.segments = nil
	st.emitted = len(text)
	s.stats.Sentences++
}

// emitPhraseLocked emits the buffered segments unshaped as a phrase-end unit
// and keeps the sentence open.
func (s *Segmenter) emitPhraseLocked(st *sentence) {
	text := st.text.String()
	st.units = append(st.units, playback.Task{
		Audio:      audio.Concat(st.segments),
		Cadence:    playback.CadencePhraseEnd,
		Text:       text[st.emitted:],
		SentenceID: st.id,
	})
	st.segments = nil
	st.emitted = len(text)
	s.stats.Phrases++
}

// pruneLocked drops the oldest sentences beyond the retention cap.
func (s *Segmenter) pruneLocked() {
	for len(s.sentences) > s.maxSentences {
		old := s.sentences[0]
		s.sentences[0] = nil
		s.sentences = s.sentences[1:]
		s.stats.Pruned++
		s.log.Debug("segment: sentence pruned", "sentence_id", old.id, "units", len(old.units))
		if s.metrics != nil {
			s.metrics.SentencesPruned.Add(context.Background(), 1)
		}
	}
}

// pumpLocked offers retained units to the queue in order, stopping at the first
// refusal, and forgets closed sentences with nothing left to deliver.
func (s *Segmenter) pumpLocked() int {
	delivered := 0
	kept := s.sentences[:0]
	blocked := false
	for _, st := range s.sentences {
		for !blocked && len(st.units) > 0 {
			if !s.out.TryEnqueue(st.units[0]) {
				blocked = true
				break
			}
			st.units[0] = playback.Task{}
			st.units = st.units[1:]
			delivered++
		}
		if st.open || len(st.units) > 0 {
			kept = append(kept, st)
		}
	}
	clear(s.sentences[len(kept):])
	s.sentences = kept
	s.stats.Delivered += uint64(delivered)
	return delivered
}
