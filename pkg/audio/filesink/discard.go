// Package filesink provides [audio.Sink] implementations that need no audio
// device: [Discard] keeps real-time pacing without producing sound, and [File]
// writes every buffer it is asked to play to disk.
package filesink

import (
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/englishear/pkg/audio"
	"github.com/MrWong99/englishear/pkg/audio/wav"
)

// Discard is a sink that plays nothing but completes each buffer after the
// duration declared by its WAV header. Pause freezes the remaining time.
type Discard struct {
	mu     sync.Mutex
	cur    *pending
	paused bool
	now    func() time.Time
}

type pending struct {
	done      chan error
	timer     *time.Timer
	remaining time.Duration
	startedAt time.Time
	finished  bool
}

var _ audio.Sink = (*Discard)(nil)

// NewDiscard returns a ready Discard sink.
func NewDiscard() *Discard {
	return &Discard{now: time.Now}
}

// Play implements audio.Sink.
func (d *Discard) Play(buf []byte) (<-chan error, error) {
	dur, err := duration(buf)
	if err != nil {
		return nil, err
	}
	p := &pending{done: make(chan error, 1), remaining: dur}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur != nil {
		d.finish(d.cur, audio.ErrStopped)
	}
	d.cur = p
	if !d.paused {
		d.start(p)
	}
	return p.done, nil
}

// start arms the completion timer. d.mu must be held.
func (d *Discard) start(p *pending) {
	p.startedAt = d.now()
	p.timer = time.AfterFunc(p.remaining, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.finish(p, nil)
	})
}

// finish delivers err once. d.mu must be held.
func (d *Discard) finish(p *pending, err error) {
	if p.finished {
		return
	}
	p.finished = true
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- err
	close(p.done)
	if d.cur == p {
		d.cur = nil
	}
}

// Stop implements audio.Sink.
func (d *Discard) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cur != nil {
		d.finish(d.cur, audio.ErrStopped)
	}
	return nil
}

// Pause implements audio.Sink.
func (d *Discard) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.paused {
		return nil
	}
	d.paused = true
	if p := d.cur; p != nil && p.timer != nil && p.timer.Stop() {
		p.remaining -= d.now().Sub(p.startedAt)
		if p.remaining < 0 {
			p.remaining = 0
		}
		p.timer = nil
	}
	return nil
}

// Resume implements audio.Sink.
func (d *Discard) Resume() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.paused {
		return nil
	}
	d.paused = false
	if p := d.cur; p != nil && p.timer == nil {
		d.start(p)
	}
	return nil
}

func duration(buf []byte) (time.Duration, error) {
	h, pcm, err := wav.Parse(buf)
	if err != nil {
		return 0, fmt.Errorf("filesink: %w", err)
	}
	f := audio.Format{SampleRate: h.SampleRate, Channels: h.Channels, BitsPerSample: h.BitsPerSample}
	return f.Duration(len(pcm)), nil
}
