package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/englishear/internal/config"
	"github.com/MrWong99/englishear/pkg/audio"
	"github.com/MrWong99/englishear/pkg/provider/realtime"
	realtimemock "github.com/MrWong99/englishear/pkg/provider/realtime/mock"
	"github.com/MrWong99/englishear/pkg/provider/tts"
)

type recorder struct {
	mu        sync.Mutex
	fragments []audio.Fragment
	turnEnds  int
	texts     []string
}

func (r *recorder) config(p realtime.Provider) SessionManagerConfig {
	return SessionManagerConfig{
		Provider: p,
		Config: config.RealtimeConfig{
			Provider:   "openai-realtime",
			Model:      "gpt-4o-realtime-preview",
			Voice:      "nova",
			Modalities: []string{"text", "audio"},
		},
		Fragments: func(f audio.Fragment) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.fragments = append(r.fragments, f)
		},
		TurnEnd: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.turnEnds++
		},
		Text: func(s string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.texts = append(r.texts, s)
		},
		Logger: discardLogger(),
	}
}

func TestSessionManager_Dispatch(t *testing.T) {
	t.Parallel()
	sess := realtimemock.NewSession(8)
	provider := &realtimemock.Provider{Session: sess}
	rec := &recorder{}
	sm := NewSessionManager(rec.config(provider))

	if err := sm.State(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("State before Run = %v, want ErrNotConnected", err)
	}

	sess.Push(realtime.Event{Type: realtime.EventSpeechDelta, Delta: realtime.SpeechDelta{ID: "a", Audio: []byte{1, 2}, Transcript: "Hi"}})
	sess.Push(realtime.Event{Type: realtime.EventUserTranscript, Text: "hello"})
	sess.Push(realtime.Event{Type: realtime.EventError, Err: realtime.ErrRateLimited})
	sess.Push(realtime.Event{Type: realtime.EventText, Text: "Text only."})
	sess.Push(realtime.Event{Type: realtime.EventTurnEnd})
	sess.End(realtime.ErrServiceUnavailable)

	if err := sm.Run(context.Background()); !errors.Is(err, realtime.ErrSessionClosed) || !errors.Is(err, realtime.ErrServiceUnavailable) {
		t.Fatalf("Run = %v, want ErrSessionClosed wrapping ErrServiceUnavailable", err)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.fragments) != 1 || rec.fragments[0].ID != "a" || rec.fragments[0].Text != "Hi" {
		t.Errorf("fragments = %+v", rec.fragments)
	}
	if rec.turnEnds != 1 {
		t.Errorf("turnEnds = %d, want 1", rec.turnEnds)
	}
	if len(rec.texts) != 1 || rec.texts[0] != "Text only." {
		t.Errorf("texts = %v", rec.texts)
	}
	if err := sm.State(); !errors.Is(err, realtime.ErrServiceUnavailable) {
		t.Errorf("State after end = %v, want ErrServiceUnavailable", err)
	}
	if _, ok := sm.Info(); ok {
		t.Error("Info reports an open session after the end")
	}

	cfg := provider.ConnectCalls[0].Cfg
	if cfg.Voice != "nova" || len(cfg.Modalities) != 2 {
		t.Errorf("session config = %+v", cfg)
	}
}

func TestSessionManager_FatalEnd(t *testing.T) {
	t.Parallel()
	sess := realtimemock.NewSession(1)
	sess.End(realtime.ErrInsufficientQuota)
	sm := NewSessionManager((&recorder{}).config(&realtimemock.Provider{Session: sess}))
	if err := sm.Run(context.Background()); !errors.Is(err, realtime.ErrInsufficientQuota) {
		t.Errorf("Run = %v, want ErrInsufficientQuota", err)
	}
}

func TestSessionManager_CleanCloseAndGreeting(t *testing.T) {
	t.Parallel()
	sess := realtimemock.NewSession(1)
	rec := &recorder{}
	cfg := rec.config(&realtimemock.Provider{Session: sess})
	cfg.Config.Greeting = "Hello! Let's practise."
	sm := NewSessionManager(cfg)

	done := make(chan error, 1)
	go func() { done <- sm.Run(context.Background()) }()
	waitFor(t, "greeting", func() bool { return len(sess.Texts()) == 1 })
	if got := sess.Texts()[0]; got != cfg.Config.Greeting {
		t.Errorf("greeting = %q, want %q", got, cfg.Config.Greeting)
	}

	info, ok := sm.Info()
	if !ok || info.SessionID == "" || info.Model != "gpt-4o-realtime-preview" {
		t.Errorf("Info = %+v, %v", info, ok)
	}

	sess.End(nil)
	if err := <-done; !errors.Is(err, realtime.ErrSessionClosed) {
		t.Errorf("Run = %v, want ErrSessionClosed", err)
	}
}

func TestSessionManager_SendAndCancel(t *testing.T) {
	t.Parallel()
	sess := realtimemock.NewSession(1)
	sm := NewSessionManager((&recorder{}).config(&realtimemock.Provider{Session: sess}))

	// Not connected: dropped without error.
	sm.SendAudio([]byte{1, 2})
	sm.Cancel()
	if err := sm.SendText("hi"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendText = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sm.Run(ctx) }()
	waitFor(t, "connect", func() bool { return sm.State() == nil })

	sm.SendAudio([]byte{1, 2})
	sm.Cancel()
	if err := sm.SendText("hi"); err != nil {
		t.Errorf("SendText: %v", err)
	}
	if sess.AudioFrames() != 1 || sess.Cancels() != 1 || len(sess.Texts()) != 1 {
		t.Errorf("audio=%d cancels=%d texts=%v", sess.AudioFrames(), sess.Cancels(), sess.Texts())
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run = %v, want context.Canceled", err)
	}
	if sess.CloseCallCount == 0 {
		t.Error("session was not closed")
	}
}

// fakeSynth returns one chunk per sentence and records the text.
type fakeSynth struct {
	mu    sync.Mutex
	texts []string
	err   error
	block chan struct{}
}

func (f *fakeSynth) SynthesizeWith(ctx context.Context, text string, _ tts.VoiceProfile) (<-chan []byte, string, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.err != nil {
		return nil, "", f.err
	}
	if f.block != nil {
		<-f.block
	}
	ch := make(chan []byte, 1)
	ch <- pcm(480)
	close(ch)
	return ch, "fake", nil
}

func TestSpeaker_Speak(t *testing.T) {
	t.Parallel()
	synth := &fakeSynth{}
	var (
		frags []audio.Fragment
		ends  int
	)
	s := newSpeaker(synth, func(f audio.Fragment) error {
		frags = append(frags, f)
		return nil
	}, func() { ends++ }, 48000, discardLogger())

	if err := s.speak(context.Background(), "One. Two! Three"); err != nil {
		t.Fatalf("speak: %v", err)
	}
	if len(frags) != 3 || ends != 1 {
		t.Fatalf("fragments=%d ends=%d, want 3 and 1", len(frags), ends)
	}
	if frags[0].Text != "One. " || frags[0].ID == "" || frags[0].ID == frags[1].ID {
		t.Errorf("fragment 0 = %+v", frags[0])
	}
	// 480 samples at 24 kHz become 960 at 48 kHz.
	if len(frags[0].Payload) != 960*2 {
		t.Errorf("payload = %d bytes, want %d", len(frags[0].Payload), 960*2)
	}

	if err := s.speak(context.Background(), "   "); !errors.Is(err, tts.ErrEmptyText) {
		t.Errorf("speak(blank) = %v, want ErrEmptyText", err)
	}
}

func TestSpeaker_SynthesisError(t *testing.T) {
	t.Parallel()
	boom := errors.New("all backends down")
	ends := 0
	s := newSpeaker(&fakeSynth{err: boom}, func(audio.Fragment) error { return nil }, func() { ends++ }, 24000, discardLogger())
	if err := s.speak(context.Background(), "Hello."); !errors.Is(err, boom) {
		t.Errorf("speak = %v, want %v", err, boom)
	}
	if ends != 1 {
		t.Errorf("turn not ended after failure")
	}
}

func TestSpeaker_ClearSupersedes(t *testing.T) {
	t.Parallel()
	synth := &fakeSynth{block: make(chan struct{})}
	var mu sync.Mutex
	var frags int
	s := newSpeaker(synth, func(audio.Fragment) error {
		mu.Lock()
		defer mu.Unlock()
		frags++
		return nil
	}, func() {}, 24000, discardLogger())

	errCh := make(chan error, 1)
	go func() { errCh <- s.speak(context.Background(), "First. Second.") }()
	waitFor(t, "synthesis start", func() bool {
		synth.mu.Lock()
		defer synth.mu.Unlock()
		return len(synth.texts) == 1
	})
	s.enqueue("queued")
	s.clear()
	close(synth.block)

	select {
	case err := <-errCh:
		if !errors.Is(err, errSuperseded) {
			t.Errorf("speak = %v, want errSuperseded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("speak did not return")
	}
	mu.Lock()
	defer mu.Unlock()
	if frags != 0 {
		t.Errorf("fragments = %d, want 0 after clear", frags)
	}
	if len(s.texts) != 0 {
		t.Error("queued text survived clear")
	}
}

func TestSpeaker_EnqueueDropsWhenFull(t *testing.T) {
	t.Parallel()
	s := newSpeaker(&fakeSynth{}, func(audio.Fragment) error { return nil }, func() {}, 24000, discardLogger())
	for range speakerBacklog + 3 {
		s.enqueue("x")
	}
	if len(s.texts) != speakerBacklog {
		t.Errorf("backlog = %d, want %d", len(s.texts), speakerBacklog)
	}
}
