// Package mock provides test doubles for the realtime package interfaces.
//
// Use Session to push scripted events into the consumer and to inspect what was
// sent upstream:
//
//	sess := mock.NewSession(16)
//	p := &mock.Provider{Session: sess}
//	sess.Push(realtime.Event{Type: realtime.EventSpeechDelta, Delta: ...})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/englishear/pkg/provider/realtime"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	Ctx context.Context
	Cfg realtime.SessionConfig
}

// Provider is a mock implementation of realtime.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by Connect. If nil, Connect creates a new Session.
	Session *Session

	// ConnectErr, if non-nil, is returned by Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg realtime.SessionConfig) (realtime.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session == nil {
		p.Session = NewSession(64)
	}
	return p.Session, nil
}

// ConnectCount returns the number of Connect calls.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

var _ realtime.Provider = (*Provider)(nil)

// Session is a mock implementation of realtime.Session.
type Session struct {
	mu     sync.Mutex
	events chan realtime.Event
	closed bool

	// SendAudioErr, SendTextErr and CancelErr are returned by the matching calls.
	SendAudioErr error
	SendTextErr  error
	CancelErr    error

	// ErrVal is returned by Err.
	ErrVal error

	// Call records.
	SentAudio      [][]byte
	SentText       []string
	CancelCount    int
	CloseCallCount int
}

// NewSession returns a Session whose event channel has the given buffer.
func NewSession(buffer int) *Session {
	return &Session{events: make(chan realtime.Event, buffer)}
}

// Push delivers ev to the consumer. It blocks when the buffer is full and is a
// no-op after Close.
func (s *Session) Push(ev realtime.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}

// End closes the event stream as if the service hung up with err.
func (s *Session) End(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ErrVal = err
	s.closed = true
	close(s.events)
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrSessionClosed
	}
	s.SentAudio = append(s.SentAudio, append([]byte(nil), chunk...))
	return s.SendAudioErr
}

// SendText records text.
func (s *Session) SendText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return realtime.ErrSessionClosed
	}
	s.SentText = append(s.SentText, text)
	return s.SendTextErr
}

// Cancel increments CancelCount.
func (s *Session) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CancelCount++
	return s.CancelErr
}

// Cancels returns CancelCount under the lock.
func (s *Session) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CancelCount
}

// AudioFrames returns the number of SendAudio calls.
func (s *Session) AudioFrames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SentAudio)
}

// AudioFrame returns a copy of the i-th chunk passed to SendAudio.
func (s *Session) AudioFrame(i int) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.SentAudio[i]...)
}

// Texts returns a copy of SentText.
func (s *Session) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.SentText...)
}

func (s *Session) Events() <-chan realtime.Event { return s.events }

func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ErrVal
}

// Close closes the event stream. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	return nil
}

var _ realtime.Session = (*Session)(nil)
