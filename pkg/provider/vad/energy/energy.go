// Package energy provides a [vad.Engine] that classifies frames by their mean
// squared amplitude, with a consecutive-frame hysteresis before speech is
// reported.
//
// A frame scores above the threshold or it does not; there is no leak or
// decay. The consecutive voiced-frame counter resets to zero on any single
// frame at or below the threshold.
package energy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/englishear/pkg/audio"
	"github.com/MrWong99/englishear/pkg/provider/vad"
)

// DefaultThreshold is a mean squared amplitude that separates quiet room
// noise from close speech on a typical headset microphone.
const DefaultThreshold = 0.002

// ErrSessionClosed is returned by ProcessFrame after Close.
var ErrSessionClosed = errors.New("energy: session closed")

// Engine creates energy-based VAD sessions. The zero value is ready to use.
type Engine struct{}

var _ vad.Engine = Engine{}

// New returns an [Engine].
func New() Engine { return Engine{} }

// NewSession implements [vad.Engine].
func (Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	if cfg.EnergyThreshold < 0 || cfg.EnergyThreshold >= 1 {
		return nil, fmt.Errorf("energy: threshold %v outside [0, 1)", cfg.EnergyThreshold)
	}
	if cfg.MinVoiceFrames < 0 {
		return nil, fmt.Errorf("energy: min voice frames %d is negative", cfg.MinVoiceFrames)
	}
	if cfg.EnergyThreshold == 0 {
		cfg.EnergyThreshold = DefaultThreshold
	}
	if cfg.MinVoiceFrames == 0 {
		cfg.MinVoiceFrames = vad.DefaultMinVoiceFrames
	}
	return &Session{cfg: cfg}, nil
}

// Session is one energy VAD stream. It is safe for concurrent use.
type Session struct {
	cfg vad.Config

	mu       sync.Mutex
	voiced   int
	detected bool
	closed   bool
}

var _ vad.Session = (*Session)(nil)

// ProcessFrame implements [vad.Session].
func (s *Session) ProcessFrame(frame []byte) (vad.Event, error) {
	score := audio.MeanSquare(frame)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return vad.Event{}, ErrSessionClosed
	}

	if score <= s.cfg.EnergyThreshold {
		s.voiced = 0
		if s.detected {
			s.detected = false
			return vad.Event{Type: vad.SpeechEnd, Score: score}, nil
		}
		return vad.Event{Type: vad.Silence, Score: score}, nil
	}

	s.voiced++
	ev := vad.Event{Score: score, VoiceFrames: s.voiced}
	switch {
	case s.voiced < s.cfg.MinVoiceFrames:
		ev.Type = vad.Silence
	case s.detected:
		ev.Type = vad.SpeechContinue
	default:
		s.detected = true
		ev.Type = vad.SpeechStart
	}
	return ev, nil
}

// VoiceFrames returns the current consecutive voiced-frame count.
func (s *Session) VoiceFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voiced
}

// Reset implements [vad.Session].
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.voiced = 0
	s.detected = false
}

// Close implements [vad.Session].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
