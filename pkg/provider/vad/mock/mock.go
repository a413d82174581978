// Package mock provides scripted stand-ins for the vad interfaces.
//
//	sess := &mock.Session{Script: []vad.Event{{Type: vad.SpeechStart}}}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/englishear/pkg/provider/vad"
)

var (
	_ vad.Engine  = (*Engine)(nil)
	_ vad.Session = (*Session)(nil)
)

// Engine returns Session (or a fresh default Session) from NewSession.
type Engine struct {
	mu sync.Mutex

	Session       vad.Session
	NewSessionErr error

	// Configs records the Config of every NewSession call.
	Configs []vad.Config
}

func (e *Engine) NewSession(cfg vad.Config) (vad.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Configs = append(e.Configs, cfg)
	switch {
	case e.NewSessionErr != nil:
		return nil, e.NewSessionErr
	case e.Session != nil:
		return e.Session, nil
	}
	return &Session{EventResult: vad.Event{Type: vad.Silence}}, nil
}

// LastConfig returns the Config of the latest NewSession call.
func (e *Engine) LastConfig() (vad.Config, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.Configs) == 0 {
		return vad.Config{}, false
	}
	return e.Configs[len(e.Configs)-1], true
}

// Session plays back Script one event per frame, then repeats EventResult.
type Session struct {
	mu sync.Mutex

	Script          []vad.Event
	EventResult     vad.Event
	ProcessFrameErr error
	CloseErr        error

	// Frames holds a copy of every processed frame.
	Frames [][]byte
	Resets int
	Closes int
}

func (s *Session) ProcessFrame(frame []byte) (vad.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames = append(s.Frames, append([]byte(nil), frame...))
	ev := s.EventResult
	if len(s.Script) > 0 {
		ev, s.Script = s.Script[0], s.Script[1:]
	}
	return ev, s.ProcessFrameErr
}

// SetResult replaces EventResult under the lock.
func (s *Session) SetResult(ev vad.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EventResult = ev
}

// FrameCount returns how many frames were processed.
func (s *Session) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames)
}

func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Resets++
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closes++
	return s.CloseErr
}
