// Package app wires the englishear subsystems into a running conversation.
//
// The pipeline for AI speech is
//
//	realtime session → chunk deduplicator → conversation engine →
//	sentence segmenter → playback queue → audio sink
//
// and microphone frames are fanned out to both the conversation engine (for
// voice-activity detection and interruption) and the realtime session. An
// interruption emitted by the engine cancels the in-flight response upstream.
// Text-only responses are spoken through the TTS fallback chain and enter the
// same pipeline as AI fragments.
//
// The App owns every lifetime: New builds the pipeline, Run or Say drives it,
// and Shutdown tears it down.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/englishear/internal/chunk"
	"github.com/MrWong99/englishear/internal/config"
	"github.com/MrWong99/englishear/internal/conversation"
	"github.com/MrWong99/englishear/internal/observe"
	"github.com/MrWong99/englishear/internal/resilience"
	"github.com/MrWong99/englishear/internal/segment"
	"github.com/MrWong99/englishear/pkg/audio"
	"github.com/MrWong99/englishear/pkg/audio/playback"
	"github.com/MrWong99/englishear/pkg/provider/realtime"
	"github.com/MrWong99/englishear/pkg/provider/tts"
	"github.com/MrWong99/englishear/pkg/provider/vad"
)

// idlePoll is how often Say checks whether playback has drained.
const idlePoll = 20 * time.Millisecond

// Providers holds the external collaborators built by main from the config
// registry. Nil Realtime, TTS or Capture disable the parts that need them.
type Providers struct {
	Realtime realtime.Provider
	TTS      *resilience.TTSChain
	VAD      vad.Engine
	Sink     audio.Sink
	Capture  audio.Capture
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	log       *slog.Logger
	level     *slog.LevelVar

	queue    *playback.Queue
	seg      *segment.Segmenter
	engine   *conversation.Engine
	dedup    *chunk.Deduplicator
	speaker  *speaker
	sessions *SessionManager

	// closers run in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
	started  sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets [App.ApplyConfig] change the process log level.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// New builds the pipeline from cfg. providers.Sink and providers.VAD are
// required.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.Sink == nil || providers.VAD == nil {
		return nil, errors.New("app: a sink and a vad engine are required")
	}
	a := &App{cfg: cfg, providers: providers}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.log == nil {
		a.log = slog.Default()
	}

	format := audio.Format{
		SampleRate:    cfg.Audio.SampleRate,
		Channels:      cfg.Audio.Channels,
		BitsPerSample: cfg.Audio.BitsPerSample,
	}

	// ── Playback queue ───────────────────────────────────────────────────
	pb := cfg.Playback
	a.queue = playback.New(providers.Sink, format,
		playback.WithGaps(pb.SentenceGap, pb.PhraseGap, pb.DefaultGap),
		playback.WithBacklog(pb.Backlog),
		playback.WithMetrics(a.metrics),
		playback.WithLogger(a.log.With("component", "playback")),
	)
	a.closers = append(a.closers, a.queue.Close)

	// ── Segmenter ────────────────────────────────────────────────────────
	a.seg = segment.New(a.queue,
		segment.WithMaxSentences(cfg.Segmenter.MaxSentences),
		segment.WithMinSoftSegments(cfg.Segmenter.MinSoftSegments),
		segment.WithShaping(!cfg.Segmenter.DisableShaping),
		segment.WithMetrics(a.metrics),
		segment.WithLogger(a.log.With("component", "segment")),
	)

	// ── Conversation engine ──────────────────────────────────────────────
	conv := cfg.Conversation
	eng, err := conversation.New(conversation.Config{
		Tick:                conv.Tick,
		ActivityWindow:      conv.ActivityWindow,
		InterruptionEnabled: conv.Interruptions(),
		VAD: vad.Config{
			SampleRate:      cfg.Audio.SampleRate,
			EnergyThreshold: conv.VADEnergyThreshold,
			MinVoiceFrames:  conv.VADMinVoiceFrames,
		},
		MaxUserFrames: conv.MaxUserFrames,
	}, providers.VAD, a.seg, a.queue,
		conversation.WithMetrics(a.metrics),
		conversation.WithLogger(a.log.With("component", "conversation")),
	)
	if err != nil {
		_ = a.queue.Close()
		return nil, fmt.Errorf("app: %w", err)
	}
	a.engine = eng

	// ── Deduplicator ─────────────────────────────────────────────────────
	a.dedup = chunk.New(a.engine.SendAIAudio,
		chunk.WithMinPayload(cfg.Dedup.MinPayloadBytes),
		chunk.WithRetention(cfg.Dedup.MaxEntries, cfg.Dedup.TTL),
		chunk.WithMetrics(a.metrics),
		chunk.WithLogger(a.log.With("component", "chunk")),
	)

	// ── Speech for text responses ────────────────────────────────────────
	if providers.TTS != nil {
		a.speaker = newSpeaker(providers.TTS, a.dedup.Process, a.engine.EndAITurn, cfg.Audio.SampleRate, a.log.With("component", "speaker"))
	}

	// ── Realtime session ─────────────────────────────────────────────────
	if providers.Realtime != nil {
		a.sessions = NewSessionManager(SessionManagerConfig{
			Provider: providers.Realtime,
			Config:   cfg.Realtime,
			Fragments: func(f audio.Fragment) {
				if err := a.dedup.Process(f); err != nil {
					a.log.Debug("app: fragment dropped", "id", f.ID, "err", err)
				}
			},
			TurnEnd: a.engine.EndAITurn,
			Text:    a.speakAsync,
			Metrics: a.metrics,
			Logger:  a.log.With("component", "session"),
		})
	}

	if c, ok := providers.Sink.(interface{ Close() error }); ok {
		a.closers = append(a.closers, c.Close)
	}
	if providers.Capture != nil {
		a.closers = append(a.closers, providers.Capture.Close)
	}
	return a, nil
}

// Engine returns the conversation engine.
func (a *App) Engine() *conversation.Engine { return a.engine }

// Sessions returns the realtime session manager, or nil when no realtime
// provider is configured.
func (a *App) Sessions() *SessionManager { return a.sessions }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run drives the conversation until ctx is cancelled or the realtime session
// ends. A session the service closes stops every loop and is returned as an
// error wrapping [realtime.ErrSessionClosed], or the fatal service error.
// Run and Say may each be called once, and not both.
func (a *App) Run(ctx context.Context) error {
	if a.sessions == nil {
		return errors.New("app: no realtime provider configured")
	}
	if !a.start() {
		return errors.New("app: already running")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.engine.Run(ctx) })
	g.Go(func() error { a.watchUserEvents(ctx); return nil })
	g.Go(func() error { a.watchAIEvents(); return nil })
	g.Go(func() error { return a.sessions.Run(ctx) })
	if a.speaker != nil {
		g.Go(func() error { a.speaker.run(ctx); return nil })
	}
	if a.providers.Capture != nil {
		g.Go(func() error { return a.pumpMicrophone(ctx) })
	}
	if a.cfg.Server.ListenAddr != "" {
		g.Go(func() error { return a.serveHTTP(ctx) })
	}

	a.log.Info("app running",
		"sink", a.cfg.Audio.Sink,
		"capture", a.cfg.Audio.Capture,
		"realtime", a.cfg.Realtime.Provider,
	)
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Say synthesizes text through the TTS chain and plays it through the same
// segmenter and playback queue a conversation uses. It returns once playback
// has drained.
func (a *App) Say(ctx context.Context, text string) error {
	if a.speaker == nil {
		return errors.New("app: no tts backends configured")
	}
	if !a.start() {
		return errors.New("app: already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- a.engine.Run(runCtx) }()
	go a.watchAIEvents()

	err := a.speaker.speak(ctx, text)
	if err == nil {
		err = a.waitIdle(ctx)
	}
	cancel()
	runErr := <-done
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	return errors.Join(err, runErr)
}

// Voices lists the voices of the first TTS backend that answers.
func (a *App) Voices(ctx context.Context) ([]tts.VoiceProfile, error) {
	if a.providers.TTS == nil {
		return nil, errors.New("app: no tts backends configured")
	}
	return a.providers.TTS.ListVoices(ctx)
}

func (a *App) start() bool {
	ok := false
	a.started.Do(func() { ok = true })
	return ok
}

// waitIdle blocks until no AI audio is pending anywhere in the pipeline.
func (a *App) waitIdle(ctx context.Context) error {
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()
	for {
		if a.engine.PendingAI() == 0 && a.seg.Stats().Retained == 0 && a.queue.Len() == 0 && !a.queue.Busy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *App) speakAsync(text string) {
	if a.speaker == nil {
		a.log.Warn("app: text response without tts backends", "chars", len(text))
		return
	}
	a.speaker.enqueue(text)
}

// watchUserEvents forwards interruptions upstream and logs mode changes.
func (a *App) watchUserEvents(ctx context.Context) {
	for ev := range a.engine.UserEvents() {
		switch ev.Type {
		case conversation.EventStop:
			a.log.Info("app: user interrupted the AI", "mode", ev.Mode)
			if a.speaker != nil {
				a.speaker.clear()
			}
			if a.sessions != nil {
				a.sessions.Cancel()
			}
		case conversation.EventModeChange:
			a.log.Debug("app: mode changed", "mode", ev.Mode)
		case conversation.EventSpeechStart, conversation.EventSpeechEnd:
			a.log.Debug("app: user speech", "event", ev.Type)
		}
	}
}

func (a *App) watchAIEvents() {
	for ev := range a.engine.AIEvents() {
		switch ev.Type {
		case conversation.EventAIDiscarded:
			a.log.Debug("app: ai audio discarded after interruption", "id", ev.FragmentID, "bytes", ev.Bytes)
		case conversation.EventTurnEnd:
			a.log.Debug("app: ai turn ended")
		}
	}
}

// pumpMicrophone fans captured frames out to the engine and the session.
func (a *App) pumpMicrophone(ctx context.Context) error {
	capture := a.providers.Capture
	frames, err := capture.Start(ctx)
	if err != nil {
		return fmt.Errorf("app: start capture: %w", err)
	}
	srcRate, dstRate := capture.SampleRate(), a.cfg.Audio.SampleRate
	for frame := range frames {
		frame = audio.ResampleMono16(frame, srcRate, dstRate)
		a.engine.SendUserAudio(frame)
		a.sessions.SendAudio(frame)
	}
	return nil
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between old and new.
// Changes that need a restart are logged.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(observe.ParseLevel(string(d.NewLogLevel)))
		a.log.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.InterruptionChanged {
		a.engine.SetInterruptionEnabled(d.NewInterruption)
		a.log.Info("app: interruption toggled", "enabled", d.NewInterruption)
	}
	if d.VADThresholdChanged {
		if err := a.engine.SetVADThreshold(d.NewVADThreshold); err != nil {
			a.log.Warn("app: vad threshold not applied", "err", err)
		} else {
			a.log.Info("app: vad threshold changed", "threshold", d.NewVADThreshold)
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("app: configuration changes need a restart", "sections", d.RestartRequired)
	}
}

// ─── HTTP ────────────────────────────────────────────────────────────────────

func (a *App) serveHTTP(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	a.log.Info("app: http listening", "addr", srv.Addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. If ctx expires first the
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
