// Package chunk de-duplicates inbound AI audio fragments before they reach the
// conversation engine.
//
// Every fragment is checked in a fixed order: duplicate id first, then payload
// validity, and only a fragment that passes both is recorded as processed and
// forwarded. A fragment id is therefore forwarded at most once, and a rejected
// fragment leaves no trace other than a counter.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/englishear/internal/observe"
	"github.com/MrWong99/englishear/pkg/audio"
)

var (
	// ErrDuplicateChunk is returned by [Deduplicator.Process] for an id that was
	// already forwarded.
	ErrDuplicateChunk = errors.New("chunk: duplicate fragment")

	// ErrInvalidPayload is returned by [Deduplicator.Process] for a fragment that
	// is too small to be real audio or carries no id.
	ErrInvalidPayload = errors.New("chunk: invalid payload")
)

// Defaults for the retention policy and payload validation.
const (
	DefaultMinPayloadBytes = 100
	DefaultMaxEntries      = 100
	DefaultTTL             = 5 * time.Minute
)

// Option configures a [Deduplicator].
type Option func(*Deduplicator)

// WithMinPayload sets the smallest payload, in bytes, that is forwarded.
func WithMinPayload(n int) Option {
	return func(d *Deduplicator) {
		if n >= 0 {
			d.minPayload = n
		}
	}
}

// WithRetention sets the retention policy: once more than maxEntries ids are
// retained, ids first seen longer than ttl ago are pruned.
func WithRetention(maxEntries int, ttl time.Duration) Option {
	return func(d *Deduplicator) {
		if maxEntries > 0 {
			d.maxEntries = maxEntries
		}
		if ttl > 0 {
			d.ttl = ttl
		}
	}
}

// WithClock replaces time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Deduplicator) {
		d.now = now
	}
}

// WithMetrics records fragment outcomes.
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Deduplicator) {
		d.metrics = m
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Deduplicator) {
		d.log = l
	}
}

// Stats is a snapshot of the deduplicator counters.
type Stats struct {
	Received   uint64
	Duplicates uint64
	Invalid    uint64
	Accepted   uint64

	// Retained is the number of ids currently remembered.
	Retained int
}

// Deduplicator forwards each fragment id at most once.
//
// Accepted fragments are forwarded to the downstream function while the
// deduplicator's lock is held, so downstream sees them in arrival order. The
// downstream function must not block and must not call back into the
// Deduplicator.
//
// All exported methods are safe for concurrent use.
type Deduplicator struct {
	next       func(audio.Fragment)
	minPayload int
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
	metrics    *observe.Metrics
	log        *slog.Logger

	mu    sync.Mutex
	seen  map[string]time.Time
	stats Stats
}

// New creates a [Deduplicator] that forwards accepted fragments to next.
func New(next func(audio.Fragment), opts ...Option) *Deduplicator {
	d := &Deduplicator{
		next:       next,
		minPayload: DefaultMinPayloadBytes,
		maxEntries: DefaultMaxEntries,
		ttl:        DefaultTTL,
		now:        time.Now,
		log:        slog.Default(),
		seen:       make(map[string]time.Time),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Process checks f and forwards it when it is new and valid. The returned
// error is informational: [ErrDuplicateChunk] and [ErrInvalidPayload] mean the
// fragment was dropped and nothing else changed.
func (d *Deduplicator) Process(f audio.Fragment) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Received++

	if _, dup := d.seen[f.ID]; dup {
		d.stats.Duplicates++
		d.log.Debug("chunk: duplicate fragment skipped", "id", f.ID)
		d.record("duplicate")
		return fmt.Errorf("%w: %s", ErrDuplicateChunk, f.ID)
	}

	switch {
	case f.ID == "":
		d.stats.Invalid++
		d.log.Warn("chunk: fragment without id dropped", "bytes", len(f.Payload))
		d.record("invalid")
		return fmt.Errorf("%w: missing id", ErrInvalidPayload)
	case len(f.Payload) < d.minPayload:
		d.stats.Invalid++
		d.log.Warn("chunk: fragment too small", "id", f.ID, "bytes", len(f.Payload), "min", d.minPayload)
		d.record("invalid")
		return fmt.Errorf("%w: %s has %d bytes, need %d", ErrInvalidPayload, f.ID, len(f.Payload), d.minPayload)
	}

	now := d.now()
	d.seen[f.ID] = now
	d.stats.Accepted++
	d.record("accepted")

	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = now
	}
	if d.next != nil {
		d.next(f)
	}

	if len(d.seen) > d.maxEntries {
		d.pruneLocked(now)
	}
	return nil
}

// pruneLocked drops ids first seen more than ttl before now.
func (d *Deduplicator) pruneLocked(now time.Time) {
	cutoff := now.Add(-d.ttl)
	pruned := 0
	for id, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, id)
			pruned++
		}
	}
	if pruned > 0 {
		d.log.Debug("chunk: pruned processed ids", "pruned", pruned, "retained", len(d.seen))
	}
}

// Stats returns a snapshot of the counters.
func (d *Deduplicator) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.Retained = len(d.seen)
	return s
}

func (d *Deduplicator) record(outcome string) {
	if d.metrics != nil {
		d.metrics.RecordFragment(context.Background(), outcome)
	}
}
