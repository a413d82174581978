package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/englishear/internal/observe"
	"github.com/MrWong99/englishear/pkg/provider/tts"
)

// errNoAudio is reported for a backend whose stream closed before producing a
// single chunk.
var errNoAudio = errors.New("resilience: backend produced no audio")

// Backend is one synthesis engine of a [TTSChain].
type Backend struct {
	// Name identifies the backend in logs and metrics ("openai", "elevenlabs").
	Name string

	// Priority orders backends; lower is tried first.
	Priority int

	// Provider performs the synthesis.
	Provider tts.Provider

	// Voice is used for this backend unless the caller's VoiceProfile names
	// this backend as its Provider.
	Voice tts.VoiceProfile

	// Available, if set, is consulted before each attempt, in addition to the
	// backend's circuit breaker.
	Available func(ctx context.Context) bool
}

// ChainOption is a functional option for [NewTTSChain].
type ChainOption func(*chainConfig)

type chainConfig struct {
	breaker CircuitBreakerConfig
	metrics *observe.Metrics
	logger  *slog.Logger
}

// WithBreakerConfig sets the template for the per-backend circuit breakers.
func WithBreakerConfig(cfg CircuitBreakerConfig) ChainOption {
	return func(c *chainConfig) { c.breaker = cfg }
}

// WithChainMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithChainMetrics(m *observe.Metrics) ChainOption {
	return func(c *chainConfig) { c.metrics = m }
}

// WithChainLogger sets the logger. Defaults to slog.Default().
func WithChainLogger(l *slog.Logger) ChainOption {
	return func(c *chainConfig) { c.logger = l }
}

// TTSChain resolves one synthesis backend per utterance: the sticky backend
// first when available, then the rest by ascending priority. A backend counts
// as successful once its stream yields a first chunk, so a backend that accepts
// the request but produces nothing is treated as failed and the next one is
// tried. When every backend is unavailable or fails the caller receives
// [ErrAllEnginesFailed]; no empty stream is ever returned.
type TTSChain struct {
	group   *Group[Backend]
	metrics *observe.Metrics
	log     *slog.Logger
}

var _ tts.Provider = (*TTSChain)(nil)

// NewTTSChain builds a chain over backends.
func NewTTSChain(backends []Backend, opts ...ChainOption) (*TTSChain, error) {
	cfg := chainConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	seen := make(map[string]bool, len(backends))
	members := make([]Member[Backend], 0, len(backends))
	var errs []error
	for _, b := range backends {
		switch {
		case b.Name == "":
			errs = append(errs, errors.New("backend name must not be empty"))
			continue
		case b.Provider == nil:
			errs = append(errs, fmt.Errorf("backend %q: provider must not be nil", b.Name))
			continue
		}
		if seen[b.Name] {
			errs = append(errs, fmt.Errorf("backend %q: duplicate name", b.Name))
			continue
		}
		seen[b.Name] = true
		members = append(members, Member[Backend]{Name: b.Name, Priority: b.Priority, Value: b, Available: b.Available})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("resilience: tts chain: %w", err)
	}

	log := cfg.logger.With("component", "tts_chain")
	return &TTSChain{
		group:   NewGroup(GroupConfig{CircuitBreaker: cfg.breaker, Logger: log}, members...),
		metrics: cfg.metrics,
		log:     log,
	}, nil
}

// Synthesize resolves a backend and returns its PCM stream.
func (c *TTSChain) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan []byte, error) {
	ch, _, err := c.SynthesizeWith(ctx, text, voice)
	return ch, err
}

// SynthesizeWith is [TTSChain.Synthesize] that also reports which backend
// served the request.
func (c *TTSChain) SynthesizeWith(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan []byte, string, error) {
	if text == "" {
		return nil, "", tts.ErrEmptyText
	}
	ctx, span := observe.StartSpan(ctx, "tts.synthesize",
		trace.WithAttributes(attribute.Int("tts.text_length", len(text))))
	defer span.End()

	ch, name, err := ExecuteWithResult(ctx, c.group, func(ctx context.Context, b Backend) (<-chan []byte, error) {
		return c.attempt(ctx, b, text, c.voiceFor(b, voice))
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrAllEnginesFailed) {
			observe.Logger(ctx).Error("tts: all engines failed", "err", err)
		}
		return nil, "", err
	}
	span.SetAttributes(attribute.String("tts.backend", name))
	return ch, name, nil
}

// attempt runs one backend and waits for its first chunk.
func (c *TTSChain) attempt(ctx context.Context, b Backend, text string, voice tts.VoiceProfile) (<-chan []byte, error) {
	start := time.Now()
	ch, err := b.Provider.Synthesize(ctx, text, voice)
	if err == nil {
		ch, err = prime(ctx, ch)
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.metrics.RecordProviderRequest(ctx, b.Name, "tts", "error")
			c.metrics.RecordProviderError(ctx, b.Name, "tts")
		}
		return nil, err
	}
	c.metrics.RecordProviderRequest(ctx, b.Name, "tts", "ok")
	c.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("backend", b.Name)))
	c.log.Debug("tts: backend resolved", "backend", b.Name, "first_chunk", time.Since(start))
	return ch, nil
}

func (c *TTSChain) voiceFor(b Backend, requested tts.VoiceProfile) tts.VoiceProfile {
	if requested.ID != "" && requested.Provider == b.Name {
		return requested
	}
	v := b.Voice
	if v.SpeedFactor == 0 {
		v.SpeedFactor = requested.SpeedFactor
	}
	return v
}

// prime blocks until src yields its first chunk and returns a stream that
// replays it followed by the rest of src.
func prime(ctx context.Context, src <-chan []byte) (<-chan []byte, error) {
	var first []byte
	for len(first) == 0 {
		select {
		case chunk, ok := <-src:
			if !ok {
				return nil, errNoAudio
			}
			first = chunk
		case <-ctx.Done():
			go drain(src)
			return nil, ctx.Err()
		}
	}

	out := make(chan []byte, cap(src)+1)
	out <- first
	go func() {
		defer close(out)
		for chunk := range src {
			select {
			case out <- chunk:
			case <-ctx.Done():
				drain(src)
				return
			}
		}
	}()
	return out, nil
}

func drain(ch <-chan []byte) {
	for range ch {
	}
}

// ListVoices lists the voices of the first backend that answers. It leaves
// the sticky backend and the circuit breakers untouched.
func (c *TTSChain) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	voices, _, err := Query(ctx, c.group, func(ctx context.Context, b Backend) ([]tts.VoiceProfile, error) {
		return b.Provider.ListVoices(ctx)
	})
	return voices, err
}

// ResetStickyPreference forgets the cached backend; the next call resolves
// from the highest priority again.
func (c *TTSChain) ResetStickyPreference() {
	c.group.ResetSticky()
	c.log.Info("tts: sticky preference reset")
}

// Sticky returns the name of the backend that served the last successful call.
func (c *TTSChain) Sticky() string { return c.group.Sticky() }

// Backends returns backend names in priority order.
func (c *TTSChain) Backends() []string { return c.group.Names() }

// Available returns the names of backends that would currently be tried.
func (c *TTSChain) Available(ctx context.Context) []string { return c.group.Available(ctx) }

// Breaker exposes the circuit breaker of the named backend, or nil.
func (c *TTSChain) Breaker(name string) *CircuitBreaker { return c.group.Breaker(name) }
