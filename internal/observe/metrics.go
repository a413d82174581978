// Package observe wires OpenTelemetry metrics and traces, slog loggers and
// the HTTP middleware of the health server.
//
// Instruments live in [Metrics]. [InitProvider] installs a Prometheus reader
// so the same readings are scraped from /metrics. Components that are not
// handed a [Metrics] fall back to [DefaultMetrics].
package observe

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/MrWong99/englishear"

// Metrics bundles the instruments of the voice pipeline. The OTel types are
// safe for concurrent use.
type Metrics struct {
	// TTSDuration is labelled with "backend".
	TTSDuration metric.Float64Histogram

	// PlaybackDuration tracks how long the sink took to play one task.
	PlaybackDuration metric.Float64Histogram

	// Fragments is labelled with "outcome": accepted, duplicate, invalid or
	// discarded.
	Fragments metric.Int64Counter

	// PlaybackTasks is labelled with "cadence" and "status".
	PlaybackTasks metric.Int64Counter

	// Interruptions counts user barge-ins that flushed AI audio.
	Interruptions metric.Int64Counter

	// SentencesPruned counts sentences dropped by the segmenter retention cap.
	SentencesPruned metric.Int64Counter

	// DroppedEvents counts engine events no observer was ready to receive,
	// labelled with "direction" (user or ai).
	DroppedEvents metric.Int64Counter

	// ProviderRequests is labelled with "provider", "kind" and "status".
	ProviderRequests metric.Int64Counter

	// ProviderErrors is labelled with "provider" and "kind".
	ProviderErrors metric.Int64Counter

	// PlaybackQueueDepth tracks tasks waiting in the playback queue.
	PlaybackQueueDepth metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live realtime sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration is labelled with "method", "route" and "status".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds. Synthesis and playback
// both land between tens of milliseconds and a few seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// instruments creates instruments on one meter and remembers the first
// failure, so NewMetrics can declare everything before checking errors.
type instruments struct {
	m   metric.Meter
	err error
}

func (in *instruments) histogram(name, desc string, buckets ...float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if len(buckets) > 0 {
		opts = append(opts, metric.WithExplicitBucketBoundaries(buckets...))
	}
	h, err := in.m.Float64Histogram(name, opts...)
	in.keep(name, err)
	return h
}

func (in *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := in.m.Int64Counter(name, metric.WithDescription(desc))
	in.keep(name, err)
	return c
}

func (in *instruments) gauge(name, desc string) metric.Int64UpDownCounter {
	g, err := in.m.Int64UpDownCounter(name, metric.WithDescription(desc))
	in.keep(name, err)
	return g
}

func (in *instruments) keep(name string, err error) {
	if err != nil && in.err == nil {
		in.err = fmt.Errorf("observe: create %s: %w", name, err)
	}
}

// NewMetrics creates every instrument on mp. Tests pass their own provider
// so readings do not leak between them.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	in := &instruments{m: mp.Meter(meterName)}
	met := &Metrics{
		TTSDuration:      in.histogram("englishear.tts.duration", "Time to the first synthesized chunk of a backend.", latencyBuckets...),
		PlaybackDuration: in.histogram("englishear.playback.duration", "Time the sink spent playing one task.", latencyBuckets...),

		Fragments:        in.counter("englishear.fragments", "Inbound AI audio fragments by outcome."),
		PlaybackTasks:    in.counter("englishear.playback.tasks", "Finished playback tasks by cadence and status."),
		Interruptions:    in.counter("englishear.interruptions", "User barge-ins that flushed AI audio."),
		SentencesPruned:  in.counter("englishear.segmenter.pruned", "Sentences dropped by the segmenter retention cap."),
		DroppedEvents:    in.counter("englishear.events.dropped", "Engine events dropped because no observer was ready."),
		ProviderRequests: in.counter("englishear.provider.requests", "Provider calls by provider, kind and status."),
		ProviderErrors:   in.counter("englishear.provider.errors", "Provider failures by provider and kind."),

		PlaybackQueueDepth: in.gauge("englishear.playback.queue_depth", "Tasks waiting in the playback queue."),
		ActiveSessions:     in.gauge("englishear.active_sessions", "Live realtime sessions."),

		HTTPRequestDuration: in.histogram("englishear.http.request.duration", "Health and scrape request latency by method, route and status."),
	}
	if in.err != nil {
		return nil, in.err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide [Metrics] built on the global meter
// provider at first use. It panics if an instrument cannot be created.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest counts one provider call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordFragment records one inbound fragment with its outcome.
func (m *Metrics) RecordFragment(ctx context.Context, outcome string) {
	m.Fragments.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordPlayback records a finished playback task.
func (m *Metrics) RecordPlayback(ctx context.Context, cadence, status string) {
	m.PlaybackTasks.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("cadence", cadence),
			attribute.String("status", status),
		),
	)
}

// RecordDroppedEvent records an engine event that was dropped.
func (m *Metrics) RecordDroppedEvent(ctx context.Context, direction string) {
	m.DroppedEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordProviderError counts one provider failure.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
