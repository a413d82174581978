//go:build portaudio

package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/englishear/pkg/audio"
)

// Device owns the PortAudio host. Open it once per process and Close it after
// every sink and capture created from it has been closed.
type Device struct {
	mu     sync.Mutex
	closed bool
}

// Open initialises PortAudio.
func Open() (*Device, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return &Device{}, nil
}

// Close terminates PortAudio. It is safe to call more than once.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return pa.Terminate()
}

// NewSink opens and starts a mono output stream on the default device.
func (d *Device) NewSink(sampleRate, framesPerBuffer int) (audio.Sink, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	out := make([]int16, framesPerBuffer)
	stream, err := pa.OpenDefaultStream(0, 1, float64(sampleRate), framesPerBuffer, out)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("portaudio: start output stream: %w", err)
	}
	return &Sink{stream: stream, out: out, rate: sampleRate}, nil
}

// Sink plays WAV buffers on the default output device. Play writes the decoded
// samples from a goroutine, one device buffer at a time, so Stop and Pause
// take effect within one buffer.
type Sink struct {
	stream *pa.Stream
	rate   int

	// writeMu guards out, which is bound to the stream.
	writeMu sync.Mutex
	out     []int16

	mu       sync.Mutex
	current  *playing
	resumeCh chan struct{} // non-nil while paused
}

type playing struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan error
}

func (p *playing) halt() { p.stopOnce.Do(func() { close(p.stop) }) }

var _ audio.Sink = (*Sink)(nil)

// Play implements audio.Sink.
func (s *Sink) Play(buf []byte) (<-chan error, error) {
	samples, err := samplesFor(buf, s.rate)
	if err != nil {
		return nil, err
	}
	p := &playing{stop: make(chan struct{}), done: make(chan error, 1)}

	s.mu.Lock()
	if s.current != nil {
		s.current.halt()
	}
	s.current = p
	s.mu.Unlock()

	go s.play(p, samples)
	return p.done, nil
}

func (s *Sink) play(p *playing, samples []int16) {
	defer close(p.done)
	defer func() {
		s.mu.Lock()
		if s.current == p {
			s.current = nil
		}
		s.mu.Unlock()
	}()

	for off := 0; off < len(samples); off += len(s.out) {
		if err := s.waitRunnable(p); err != nil {
			p.done <- err
			return
		}
		if err := s.write(samples[off:]); err != nil {
			p.done <- err
			return
		}
	}
	p.done <- nil
}

// waitRunnable blocks while the sink is paused and reports audio.ErrStopped
// once p has been stopped.
func (s *Sink) waitRunnable(p *playing) error {
	for {
		select {
		case <-p.stop:
			return audio.ErrStopped
		default:
		}
		s.mu.Lock()
		resume := s.resumeCh
		s.mu.Unlock()
		if resume == nil {
			return nil
		}
		select {
		case <-resume:
		case <-p.stop:
			return audio.ErrStopped
		}
	}
}

func (s *Sink) write(samples []int16) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	n := copy(s.out, samples)
	clear(s.out[n:])
	if err := s.stream.Write(); err != nil && !errors.Is(err, pa.OutputUnderflowed) {
		return fmt.Errorf("portaudio: write: %w", err)
	}
	return nil
}

// Stop implements audio.Sink. It does not wait for the device.
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.halt()
	}
	return nil
}

// Pause implements audio.Sink.
func (s *Sink) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resumeCh == nil {
		s.resumeCh = make(chan struct{})
	}
	return nil
}

// Resume implements audio.Sink.
func (s *Sink) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resumeCh != nil {
		close(s.resumeCh)
		s.resumeCh = nil
	}
	return nil
}

// Close stops playback and closes the output stream.
func (s *Sink) Close() error {
	_ = s.Stop()
	_ = s.Resume()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return errors.Join(s.stream.Stop(), s.stream.Close())
}

// NewCapture opens a mono input stream on the default device. Frames are
// framesPerBuffer samples long.
func (d *Device) NewCapture(sampleRate, framesPerBuffer int, logger *slog.Logger) (audio.Capture, error) {
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	in := make([]int16, framesPerBuffer)
	stream, err := pa.OpenDefaultStream(1, 0, float64(sampleRate), framesPerBuffer, in)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input stream: %w", err)
	}
	return &Capture{stream: stream, in: in, rate: sampleRate, logger: logger}, nil
}

// Capture reads microphone frames from the default input device.
type Capture struct {
	stream *pa.Stream
	in     []int16
	rate   int
	logger *slog.Logger

	closed  atomic.Bool
	dropped atomic.Int64
}

var _ audio.Capture = (*Capture)(nil)

// SampleRate implements audio.Capture.
func (c *Capture) SampleRate() int { return c.rate }

// Dropped returns how many frames were discarded because the consumer was
// not keeping up.
func (c *Capture) Dropped() int64 { return c.dropped.Load() }

// Start implements audio.Capture. Frames are delivered without blocking the
// device; a frame the consumer cannot take is dropped.
func (c *Capture) Start(ctx context.Context) (<-chan []byte, error) {
	if err := c.stream.Start(); err != nil {
		return nil, fmt.Errorf("portaudio: start input stream: %w", err)
	}
	frames := make(chan []byte, 16)
	go func() {
		defer close(frames)
		for ctx.Err() == nil && !c.closed.Load() {
			if err := c.stream.Read(); err != nil && !errors.Is(err, pa.InputOverflowed) {
				if !c.closed.Load() {
					c.logger.Warn("portaudio: capture read failed", "err", err)
				}
				return
			}
			select {
			case frames <- audio.Bytes(c.in):
			default:
				if n := c.dropped.Add(1); n%50 == 1 {
					c.logger.Debug("portaudio: dropping mic frames", "dropped", n)
				}
			}
		}
	}()
	return frames, nil
}

// Close stops and closes the input stream. The frame channel closes shortly
// after.
func (c *Capture) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return errors.Join(c.stream.Stop(), c.stream.Close())
}
