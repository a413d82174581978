package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/englishear/internal/config"
	"github.com/MrWong99/englishear/internal/observe"
	"github.com/MrWong99/englishear/pkg/audio"
	"github.com/MrWong99/englishear/pkg/provider/realtime"
)

// ErrNotConnected is reported by [SessionManager.State] while no realtime
// session is open.
var ErrNotConnected = errors.New("session: not connected")

// SessionInfo holds metadata about the active realtime session.
type SessionInfo struct {
	// SessionID is a random identifier used to correlate log lines.
	SessionID string `json:"session_id"`

	// StartedAt is when the session was connected.
	StartedAt time.Time `json:"started_at"`

	// Provider and Model identify the remote service.
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Provider realtime.Provider
	Config   config.RealtimeConfig

	// Fragments receives every speech delta as an audio fragment.
	Fragments func(audio.Fragment)

	// TurnEnd is called when the service finishes a response.
	TurnEnd func()

	// Text receives text-only responses that must be synthesised locally.
	Text func(string)

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// SessionManager owns the single realtime session of a conversation. All
// exported methods are safe for concurrent use.
type SessionManager struct {
	cfg SessionManagerConfig
	log *slog.Logger

	mu      sync.Mutex
	session realtime.Session
	info    SessionInfo
	lastErr error
}

// NewSessionManager creates a SessionManager. Nil callbacks are ignored.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	if cfg.Fragments == nil {
		cfg.Fragments = func(audio.Fragment) {}
	}
	if cfg.TurnEnd == nil {
		cfg.TurnEnd = func() {}
	}
	if cfg.Text == nil {
		cfg.Text = func(string) {}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{cfg: cfg, log: log, lastErr: ErrNotConnected}
}

// Run connects and dispatches inbound events until ctx is cancelled or the
// service ends the session. The session is not re-established, so every end
// other than cancellation is returned: a fatal service error as is, anything
// else wrapped in [realtime.ErrSessionClosed].
func (sm *SessionManager) Run(ctx context.Context) error {
	rc := sm.cfg.Config
	info := SessionInfo{
		SessionID: uuid.NewString(),
		Provider:  rc.Provider,
		Model:     rc.Model,
	}
	ctx = observe.WithSession(ctx, info.SessionID)
	log := observe.Enrich(sm.log, ctx)

	connectCtx, span := observe.StartSpan(ctx, "realtime.connect",
		trace.WithAttributes(attribute.String("provider", rc.Provider), attribute.String("model", rc.Model)))
	sess, err := sm.cfg.Provider.Connect(connectCtx, realtime.SessionConfig{
		Voice:        rc.Voice,
		Instructions: rc.Instructions,
		Temperature:  rc.Temperature,
		Modalities:   rc.Modalities,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		sm.cfg.Metrics.RecordProviderError(ctx, rc.Provider, "realtime")
		sm.setClosed(err)
		return fmt.Errorf("session: connect: %w", err)
	}
	span.End()

	info.StartedAt = time.Now().UTC()
	sm.mu.Lock()
	sm.session = sess
	sm.info = info
	sm.lastErr = nil
	sm.mu.Unlock()

	log.Info("session: connected", "provider", info.Provider, "model", info.Model)
	sm.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	defer func() {
		_ = sess.Close()
		sm.cfg.Metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}()

	if rc.Greeting != "" {
		if err := sm.SendText(rc.Greeting); err != nil {
			log.Warn("session: greeting not sent", "err", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			sm.setClosed(ctx.Err())
			log.Info("session: closed", "duration", time.Since(info.StartedAt).Round(time.Second))
			return ctx.Err()
		case ev, ok := <-sess.Events():
			if !ok {
				err := sess.Err()
				if err == nil {
					err = realtime.ErrSessionClosed
				}
				sm.setClosed(err)
				if realtime.Fatal(err) {
					return fmt.Errorf("session: %w", err)
				}
				log.Warn("session: ended by the service", "err", err)
				if errors.Is(err, realtime.ErrSessionClosed) {
					return err
				}
				return fmt.Errorf("%w: %w", realtime.ErrSessionClosed, err)
			}
			if err := sm.dispatch(ctx, log, ev); err != nil {
				sm.setClosed(err)
				return err
			}
		}
	}
}

func (sm *SessionManager) dispatch(ctx context.Context, log *slog.Logger, ev realtime.Event) error {
	switch ev.Type {
	case realtime.EventSpeechDelta:
		sm.cfg.Fragments(audio.Fragment{
			ID:         ev.Delta.ID,
			Payload:    ev.Delta.Audio,
			Text:       ev.Delta.Transcript,
			ReceivedAt: time.Now(),
		})
	case realtime.EventTurnEnd:
		if ev.Text != "" {
			// Transcript that arrived after the last audio delta.
			log.Debug("session: trailing transcript", "response_id", ev.ResponseID, "text", ev.Text)
		}
		sm.cfg.TurnEnd()
	case realtime.EventText:
		sm.cfg.Text(ev.Text)
	case realtime.EventUserTranscript:
		log.Info("session: user said", "text", ev.Text)
	case realtime.EventError:
		sm.cfg.Metrics.RecordProviderError(ctx, sm.cfg.Config.Provider, "realtime")
		if realtime.Fatal(ev.Err) {
			log.Error("session: fatal service error", "err", ev.Err)
			return fmt.Errorf("session: %w", ev.Err)
		}
		log.Warn("session: service error", "err", ev.Err)
	}
	return nil
}

func (sm *SessionManager) setClosed(err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.session = nil
	sm.lastErr = err
}

func (sm *SessionManager) current() realtime.Session {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.session
}

// SendAudio forwards a microphone frame. Frames are dropped while no
// session is open.
func (sm *SessionManager) SendAudio(frame []byte) {
	sess := sm.current()
	if sess == nil {
		return
	}
	if err := sess.SendAudio(frame); err != nil && !errors.Is(err, realtime.ErrSessionClosed) {
		sm.log.Debug("session: send audio failed", "err", err)
	}
}

// SendText submits a user text message.
func (sm *SessionManager) SendText(text string) error {
	sess := sm.current()
	if sess == nil {
		return ErrNotConnected
	}
	return sess.SendText(text)
}

// Cancel asks the service to stop the response in progress.
func (sm *SessionManager) Cancel() {
	sess := sm.current()
	if sess == nil {
		return
	}
	if err := sess.Cancel(); err != nil {
		sm.log.Warn("session: cancel failed", "err", err)
	}
}

// State returns nil while a session is open, otherwise why there is none.
func (sm *SessionManager) State() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.lastErr
}

// Info returns metadata for the open session. ok is false when none is open.
func (sm *SessionManager) Info() (info SessionInfo, ok bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.session == nil {
		return SessionInfo{}, false
	}
	return sm.info, true
}
