// Package conversation implements the dual-stream conversation engine: two
// independent tick-driven loops, one for the user's microphone audio and one
// for AI audio, that share nothing but the activity timestamps the
// conversation mode is derived from.
//
// The user loop runs voice-activity detection on every frame. When sustained
// user speech coincides with recent AI activity, it interrupts the AI: the
// AI-direction queue is cleared, the segmenter and playback queue are
// flushed, and an [EventStop] is emitted on both event streams.
//
// The AI loop hands accepted AI fragments to the sentence segmenter, retries
// delivery of retained units and flushes the segmenter at the end of a turn.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/englishear/internal/observe"
	"github.com/MrWong99/englishear/pkg/audio"
	"github.com/MrWong99/englishear/pkg/provider/vad"
)

// Defaults for [Config].
const (
	DefaultTick           = 10 * time.Millisecond
	DefaultActivityWindow = 500 * time.Millisecond
	DefaultEventBuffer    = 256
	DefaultMaxUserFrames  = 100
)

// Segmenter is the part of the sentence segmenter the engine drives.
// [segment.Segmenter] implements it.
type Segmenter interface {
	Append(text string, pcm []byte)
	Pump() int
	Flush()
	Clear() int
}

// Player is the part of the playback queue the engine drives.
// [playback.Queue] implements it.
type Player interface {
	// Stop clears the queue and halts the sink without waiting for it.
	Stop() int

	// Busy reports whether audio is playing or its pacing gap is running.
	Busy() bool
}

// Config holds the engine tuning.
type Config struct {
	// Tick is the interval at which each loop drains its queue.
	Tick time.Duration

	// ActivityWindow is the decay window for mode derivation and the
	// interruption policy.
	ActivityWindow time.Duration

	// InterruptionEnabled allows user speech to interrupt the AI.
	InterruptionEnabled bool

	// VAD configures the voice-activity session for user audio.
	VAD vad.Config

	// EventBuffer is the capacity of each event stream.
	EventBuffer int

	// MaxUserFrames bounds the user queue between ticks; the oldest frames are
	// dropped beyond it.
	MaxUserFrames int
}

func (c *Config) applyDefaults() {
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.ActivityWindow <= 0 {
		c.ActivityWindow = DefaultActivityWindow
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	if c.MaxUserFrames <= 0 {
		c.MaxUserFrames = DefaultMaxUserFrames
	}
}

// Option configures an [Engine].
type Option func(*Engine)

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// WithMetrics records interruptions, discarded AI audio and dropped events.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// Stats is a snapshot of the engine counters.
type Stats struct {
	UserFrames    uint64
	VoicedFrames  uint64
	DroppedFrames uint64
	AIFragments   uint64
	DiscardedAI   uint64
	Interruptions uint64
	DroppedEvents uint64
}

type aiItem struct {
	fragment audio.Fragment
	turnEnd  bool
}

// Engine is the dual-stream conversation orchestrator. Create it with [New],
// feed it with [Engine.SendUserAudio], [Engine.SendAIAudio] and
// [Engine.EndAITurn], and drive it with [Engine.Run].
type Engine struct {
	cfg     Config
	vadEng  vad.Engine
	seg     Segmenter
	player  Player
	now     func() time.Time
	metrics *observe.Metrics
	log     *slog.Logger

	interruptEnabled atomic.Bool

	// Activity timestamps in Unix nanoseconds. lastUser and interruptedAt are
	// written only by the user loop, lastAI only by the AI loop.
	lastUser      atomic.Int64
	lastAI        atomic.Int64
	interruptedAt atomic.Int64

	vadMu   sync.Mutex
	vadSess vad.Session

	userMu sync.Mutex
	userQ  [][]byte

	// aiMu guards the AI queue and is held while the AI loop processes a
	// batch, so an interruption never interleaves with a segmenter append.
	aiMu sync.Mutex
	aiQ  []aiItem

	lastMode Mode // owned by the user loop

	userEvents chan Event
	aiEvents   chan Event

	userFrames    atomic.Uint64
	voicedFrames  atomic.Uint64
	droppedFrames atomic.Uint64
	aiFragments   atomic.Uint64
	discardedAI   atomic.Uint64
	interruptions atomic.Uint64
	droppedEvents atomic.Uint64

	running atomic.Bool
}

// New creates an [Engine]. vadEng creates the user-audio VAD session; seg and
// player are the AI-side segmenter and playback queue the engine drives.
func New(cfg Config, vadEng vad.Engine, seg Segmenter, player Player, opts ...Option) (*Engine, error) {
	if vadEng == nil || seg == nil || player == nil {
		return nil, errors.New("conversation: vad engine, segmenter and player are required")
	}
	cfg.applyDefaults()

	sess, err := vadEng.NewSession(cfg.VAD)
	if err != nil {
		return nil, fmt.Errorf("conversation: create vad session: %w", err)
	}

	e := &Engine{
		cfg:        cfg,
		vadEng:     vadEng,
		vadSess:    sess,
		seg:        seg,
		player:     player,
		now:        time.Now,
		log:        slog.Default(),
		userEvents: make(chan Event, cfg.EventBuffer),
		aiEvents:   make(chan Event, cfg.EventBuffer),
	}
	e.interruptEnabled.Store(cfg.InterruptionEnabled)
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Run drives both loops until ctx is cancelled, then closes the event
// streams. Run may be called only once.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("conversation: engine already running")
	}
	defer close(e.userEvents)
	defer close(e.aiEvents)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.loop(ctx, e.tickUser) })
	g.Go(func() error { return e.loop(ctx, e.tickAI) })
	err := g.Wait()

	e.vadMu.Lock()
	_ = e.vadSess.Close()
	e.vadMu.Unlock()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) loop(ctx context.Context, tick func(time.Time)) error {
	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			tick(e.now())
		}
	}
}

// SendUserAudio queues one microphone frame of PCM16 mono for the user loop.
// It never blocks; when more than MaxUserFrames are waiting the oldest frame
// is dropped.
func (e *Engine) SendUserAudio(frame []byte) {
	e.userMu.Lock()
	defer e.userMu.Unlock()
	if len(e.userQ) >= e.cfg.MaxUserFrames {
		e.userQ[0] = nil
		e.userQ = e.userQ[1:]
		e.droppedFrames.Add(1)
	}
	e.userQ = append(e.userQ, frame)
}

// SendAIAudio queues an accepted AI fragment for the AI loop. It never blocks
// and is the downstream of the chunk deduplicator.
func (e *Engine) SendAIAudio(f audio.Fragment) {
	e.aiMu.Lock()
	defer e.aiMu.Unlock()
	e.aiQ = append(e.aiQ, aiItem{fragment: f})
}

// EndAITurn marks the end of the current AI turn. Fragments queued before it
// are processed first, then the segmenter is flushed.
func (e *Engine) EndAITurn() {
	e.aiMu.Lock()
	defer e.aiMu.Unlock()
	e.aiQ = append(e.aiQ, aiItem{turnEnd: true})
}

// PendingAI returns the number of AI fragments and turn ends waiting for the
// next AI tick. Zero also means no batch is being processed.
func (e *Engine) PendingAI() int {
	e.aiMu.Lock()
	defer e.aiMu.Unlock()
	return len(e.aiQ)
}

// UserEvents returns the user-direction event stream. It is closed when Run
// returns.
func (e *Engine) UserEvents() <-chan Event { return e.userEvents }

// AIEvents returns the AI-direction event stream. It is closed when Run
// returns.
func (e *Engine) AIEvents() <-chan Event { return e.aiEvents }

// Mode returns the conversation mode derived at the current time.
func (e *Engine) Mode() Mode {
	return e.activity().derive(e.now().UnixNano(), e.cfg.ActivityWindow)
}

// SetInterruptionEnabled toggles the interruption policy at runtime.
func (e *Engine) SetInterruptionEnabled(enabled bool) {
	e.interruptEnabled.Store(enabled)
}

// SetVADThreshold replaces the user VAD session with one using threshold.
// Hysteresis state starts over.
func (e *Engine) SetVADThreshold(threshold float64) error {
	cfg := e.cfg.VAD
	cfg.EnergyThreshold = threshold
	sess, err := e.vadEng.NewSession(cfg)
	if err != nil {
		return fmt.Errorf("conversation: create vad session: %w", err)
	}

	e.vadMu.Lock()
	old := e.vadSess
	e.vadSess = sess
	e.cfg.VAD = cfg
	e.vadMu.Unlock()

	return old.Close()
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	return Stats{
		UserFrames:    e.userFrames.Load(),
		VoicedFrames:  e.voicedFrames.Load(),
		DroppedFrames: e.droppedFrames.Load(),
		AIFragments:   e.aiFragments.Load(),
		DiscardedAI:   e.discardedAI.Load(),
		Interruptions: e.interruptions.Load(),
		DroppedEvents: e.droppedEvents.Load(),
	}
}

func (e *Engine) activity() activity {
	return activity{
		lastUser:      e.lastUser.Load(),
		lastAI:        e.lastAI.Load(),
		interruptedAt: e.interruptedAt.Load(),
	}
}

// tickUser drains the user queue through the VAD, applies the interruption
// policy and publishes mode changes.
func (e *Engine) tickUser(now time.Time) {
	e.userMu.Lock()
	batch := e.userQ
	e.userQ = nil
	e.userMu.Unlock()

	if len(batch) > 0 {
		e.vadMu.Lock()
		for _, frame := range batch {
			e.processUserFrame(now, frame)
		}
		e.vadMu.Unlock()
	}

	mode := e.activity().derive(now.UnixNano(), e.cfg.ActivityWindow)
	if mode != e.lastMode {
		e.log.Debug("conversation: mode changed", "from", e.lastMode.String(), "to", mode.String())
		e.lastMode = mode
		e.emit(e.userEvents, "user", Event{Type: EventModeChange, At: now, Mode: mode})
	}
}

// processUserFrame must be called with vadMu held.
func (e *Engine) processUserFrame(now time.Time, frame []byte) {
	e.userFrames.Add(1)
	ev, err := e.vadSess.ProcessFrame(frame)
	if err != nil {
		e.log.Warn("conversation: vad failed", "err", err)
		return
	}

	switch ev.Type {
	case vad.SpeechEnd:
		e.emit(e.userEvents, "user", Event{Type: EventSpeechEnd, At: now, Mode: e.lastMode})
		return
	case vad.Silence:
		return
	}

	ts := now.UnixNano()
	e.voicedFrames.Add(1)
	e.lastUser.Store(ts)
	if ev.Type == vad.SpeechStart {
		e.emit(e.userEvents, "user", Event{Type: EventSpeechStart, At: now, Mode: ModeUserSpeaking})
	}

	if e.interruptEnabled.Load() && e.activity().aiRecent(ts, e.cfg.ActivityWindow) {
		e.interrupt(now)
	}
}

// interrupt flushes the AI path and emits the stop event. Called from the
// user loop only.
func (e *Engine) interrupt(now time.Time) {
	e.aiMu.Lock()
	e.interruptedAt.Store(now.UnixNano())
	queued := len(e.aiQ)
	e.aiQ = nil
	sentences := e.seg.Clear()
	tasks := e.player.Stop()
	e.aiMu.Unlock()

	e.interruptions.Add(1)
	if e.metrics != nil {
		e.metrics.Interruptions.Add(context.Background(), 1)
	}
	e.log.Info("conversation: user interrupted ai",
		"queued_fragments", queued,
		"sentences", sentences,
		"playback_tasks", tasks,
	)

	stop := Event{Type: EventStop, At: now, Mode: ModeUserSpeaking}
	e.emit(e.userEvents, "user", stop)
	e.emit(e.aiEvents, "ai", stop)
}

// tickAI drains the AI queue into the segmenter and retries delivery of
// retained units.
func (e *Engine) tickAI(now time.Time) {
	e.aiMu.Lock()
	defer e.aiMu.Unlock()

	batch := e.aiQ
	e.aiQ = nil
	ts := now.UnixNano()
	act := e.activity()
	suppressed := recent(act.interruptedAt, ts, e.cfg.ActivityWindow)

	for _, item := range batch {
		if item.turnEnd {
			if !suppressed {
				e.seg.Flush()
			}
			e.emit(e.aiEvents, "ai", Event{Type: EventTurnEnd, At: now, Mode: act.derive(ts, e.cfg.ActivityWindow)})
			continue
		}

		f := item.fragment
		if suppressed {
			e.discardedAI.Add(1)
			if e.metrics != nil {
				e.metrics.RecordFragment(context.Background(), "discarded")
			}
			e.emit(e.aiEvents, "ai", Event{Type: EventAIDiscarded, At: now, FragmentID: f.ID, Bytes: len(f.Payload)})
			continue
		}

		e.aiFragments.Add(1)
		e.lastAI.Store(ts)
		e.seg.Append(f.Text, f.Payload)
		e.emit(e.aiEvents, "ai", Event{Type: EventAIAudio, At: now, Mode: e.activity().derive(ts, e.cfg.ActivityWindow), FragmentID: f.ID, Bytes: len(f.Payload)})
	}

	e.seg.Pump()

	// Audio still playing counts as AI activity.
	if !suppressed && e.player.Busy() {
		e.lastAI.Store(ts)
	}
}

// emit sends ev without blocking; events nobody is ready for are dropped.
func (e *Engine) emit(ch chan Event, direction string, ev Event) {
	select {
	case ch <- ev:
	default:
		e.droppedEvents.Add(1)
		if e.metrics != nil {
			e.metrics.RecordDroppedEvent(context.Background(), direction)
		}
	}
}
