// Package mock provides in-memory mock implementations of [audio.Sink] and
// [audio.Capture] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control behaviour.
//
// Typical usage:
//
//	sink := &mock.Sink{PlayDuration: 5 * time.Millisecond}
//	q := playback.New(sink, audio.DefaultFormat())
//	q.Enqueue(task)
//	// ... later
//	if sink.MaxInFlight() != 1 { ... }
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/englishear/pkg/audio"
)

// ─── Sink ─────────────────────────────────────────────────────────────────────

var _ audio.Sink = (*Sink)(nil)

// Sink is a mock implementation of [audio.Sink].
//
// By default every Play completes immediately with nil. Set PlayDuration to
// simulate real playback time, PlayErr to fail synchronously, or DoneErr to
// report a failure on the completion channel. Set Hold to keep every playback
// in flight until [Sink.Finish] or [Sink.Stop] is called.
type Sink struct {
	mu sync.Mutex

	// PlayErr is returned synchronously by Play when non-nil.
	PlayErr error

	// DoneErr is delivered on the completion channel.
	DoneErr error

	// PlayDuration delays completion by this long.
	PlayDuration time.Duration

	// Hold keeps playbacks in flight until Finish or Stop.
	Hold bool

	// OnPlay, if set, is called synchronously from Play with the buffer.
	OnPlay func(wav []byte)

	// Played records every buffer handed to Play, in order (including failed
	// ones).
	Played [][]byte

	// PlayedAt records when each Play call happened.
	PlayedAt []time.Time

	// CallCountStop, CallCountPause and CallCountResume count the control calls.
	CallCountStop   int
	CallCountPause  int
	CallCountResume int

	inFlight    int
	maxInFlight int
	pending     []chan error
}

// Play implements [audio.Sink].
func (s *Sink) Play(wav []byte) (<-chan error, error) {
	s.mu.Lock()
	cp := make([]byte, len(wav))
	copy(cp, wav)
	s.Played = append(s.Played, cp)
	s.PlayedAt = append(s.PlayedAt, time.Now())
	onPlay := s.OnPlay
	if s.PlayErr != nil {
		err := s.PlayErr
		s.mu.Unlock()
		if onPlay != nil {
			onPlay(cp)
		}
		return nil, err
	}

	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	done := make(chan error, 1)
	doneErr := s.DoneErr
	dur := s.PlayDuration
	hold := s.Hold
	if hold {
		s.pending = append(s.pending, done)
	}
	s.mu.Unlock()

	if onPlay != nil {
		onPlay(cp)
	}
	if hold {
		return done, nil
	}
	if dur <= 0 {
		s.complete(done, doneErr)
		return done, nil
	}
	go func() {
		time.Sleep(dur)
		s.complete(done, doneErr)
	}()
	return done, nil
}

func (s *Sink) complete(done chan error, err error) {
	s.mu.Lock()
	s.inFlight--
	s.mu.Unlock()
	done <- err
	close(done)
}

// Finish completes every held playback with err.
func (s *Sink) Finish(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, ch := range pending {
		s.complete(ch, err)
	}
}

// Stop implements [audio.Sink]. Held playbacks complete with [audio.ErrStopped].
func (s *Sink) Stop() error {
	s.mu.Lock()
	s.CallCountStop++
	s.mu.Unlock()
	s.Finish(audio.ErrStopped)
	return nil
}

// Pause implements [audio.Sink].
func (s *Sink) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountPause++
	return nil
}

// Resume implements [audio.Sink].
func (s *Sink) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountResume++
	return nil
}

// PlayCount returns the number of Play calls so far.
func (s *Sink) PlayCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Played)
}

// PlayedBuffers returns a copy of every buffer handed to Play.
func (s *Sink) PlayedBuffers() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.Played))
	copy(out, s.Played)
	return out
}

// PlayTimes returns when each Play call happened.
func (s *Sink) PlayTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, len(s.PlayedAt))
	copy(out, s.PlayedAt)
	return out
}

// MaxInFlight returns the largest number of simultaneous playbacks observed.
func (s *Sink) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// Stops returns CallCountStop under the lock.
func (s *Sink) Stops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountStop
}

// ─── Capture ──────────────────────────────────────────────────────────────────

var _ audio.Capture = (*Capture)(nil)

// ErrCaptureClosed is returned by Start after Close.
var ErrCaptureClosed = errors.New("mock: capture closed")

// Capture is a mock implementation of [audio.Capture] that replays Frames.
type Capture struct {
	mu sync.Mutex

	// Frames are delivered in order after Start.
	Frames [][]byte

	// Rate is returned by SampleRate. Defaults to [audio.DefaultSampleRate].
	Rate int

	// StartErr is returned by Start when non-nil.
	StartErr error

	// CallCountStart and CallCountClose count lifecycle calls.
	CallCountStart int
	CallCountClose int

	closed bool
}

// Start implements [audio.Capture].
func (c *Capture) Start(ctx context.Context) (<-chan []byte, error) {
	c.mu.Lock()
	c.CallCountStart++
	if c.StartErr != nil {
		err := c.StartErr
		c.mu.Unlock()
		return nil, err
	}
	if c.closed {
		c.mu.Unlock()
		return nil, ErrCaptureClosed
	}
	frames := make([][]byte, len(c.Frames))
	copy(frames, c.Frames)
	c.mu.Unlock()

	out := make(chan []byte)
	go func() {
		defer close(out)
		for _, f := range frames {
			select {
			case out <- f:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// SampleRate implements [audio.Capture].
func (c *Capture) SampleRate() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Rate == 0 {
		return audio.DefaultSampleRate
	}
	return c.Rate
}

// Close implements [audio.Capture].
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	c.closed = true
	return nil
}
