package resilience

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

var (
	// ErrAllEnginesFailed is returned when every member of a [Group] was either
	// unavailable or failed. The returned error also wraps each member's error.
	ErrAllEnginesFailed = errors.New("resilience: all engines failed")

	// ErrBackendUnavailable marks a member that was skipped because its
	// availability predicate returned false or its circuit breaker is open.
	ErrBackendUnavailable = errors.New("resilience: backend unavailable")
)

// Member describes one entry of a [Group].
type Member[T any] struct {
	// Name identifies the member in logs, metrics and errors. Must be unique.
	Name string

	// Priority orders members; lower values are tried first.
	Priority int

	// Value is the wrapped provider.
	Value T

	// Available, if set, is consulted before each attempt. A nil predicate
	// means always available.
	Available func(ctx context.Context) bool
}

// GroupConfig configures a [Group].
type GroupConfig struct {
	// CircuitBreaker is the template for the per-member breakers. Name is
	// overwritten with the member name.
	CircuitBreaker CircuitBreakerConfig

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type entry[T any] struct {
	Member[T]
	breaker *CircuitBreaker
}

// Group resolves a call against a fixed set of members: the sticky member (the
// last one that succeeded) first if it is available, then every other available
// member in ascending priority. Unavailable members are never called.
type Group[T any] struct {
	cfg     GroupConfig
	log     *slog.Logger
	entries []*entry[T]

	mu     sync.Mutex
	sticky *entry[T]
}

// NewGroup builds a Group from members. Members are sorted by priority once;
// equal priorities keep their given order.
func NewGroup[T any](cfg GroupConfig, members ...Member[T]) *Group[T] {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	g := &Group[T]{cfg: cfg, log: cfg.Logger}
	for _, m := range members {
		cbCfg := cfg.CircuitBreaker
		cbCfg.Name = m.Name
		g.entries = append(g.entries, &entry[T]{Member: m, breaker: NewCircuitBreaker(cbCfg)})
	}
	slices.SortStableFunc(g.entries, func(a, b *entry[T]) int {
		return cmp.Compare(a.Priority, b.Priority)
	})
	return g
}

// Len returns the number of members.
func (g *Group[T]) Len() int { return len(g.entries) }

// Names returns member names in resolution order, ignoring stickiness.
func (g *Group[T]) Names() []string {
	names := make([]string, len(g.entries))
	for i, e := range g.entries {
		names[i] = e.Name
	}
	return names
}

// Sticky returns the name of the sticky member, or "" when none is cached.
func (g *Group[T]) Sticky() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sticky == nil {
		return ""
	}
	return g.sticky.Name
}

// ResetSticky clears the cached member so the next call resolves from the top
// of the priority order.
func (g *Group[T]) ResetSticky() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sticky = nil
}

// Breaker returns the circuit breaker of the named member, or nil.
func (g *Group[T]) Breaker(name string) *CircuitBreaker {
	for _, e := range g.entries {
		if e.Name == name {
			return e.breaker
		}
	}
	return nil
}

// Available returns the names of the members that would currently be tried.
func (g *Group[T]) Available(ctx context.Context) []string {
	var names []string
	for _, e := range g.entries {
		if g.available(ctx, e) {
			names = append(names, e.Name)
		}
	}
	return names
}

func (g *Group[T]) available(ctx context.Context, e *entry[T]) bool {
	if !e.breaker.Available() {
		return false
	}
	return e.Available == nil || e.Available(ctx)
}

// Execute runs fn against members until one succeeds and returns the name of
// that member. See [ExecuteWithResult].
func (g *Group[T]) Execute(ctx context.Context, fn func(context.Context, T) error) (string, error) {
	_, name, err := ExecuteWithResult(ctx, g, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return name, err
}

// ExecuteWithResult resolves a member and returns fn's result together with the
// name of the member that produced it. It is a package-level function because
// Go methods cannot declare type parameters.
//
// A failing sticky member loses its sticky status. When every member is
// skipped or fails the error wraps [ErrAllEnginesFailed] and each member's
// error, so errors.Is also matches [ErrBackendUnavailable] or [ErrCircuitOpen].
// Context cancellation stops the iteration and is returned as is.
func ExecuteWithResult[T, R any](ctx context.Context, g *Group[T], fn func(context.Context, T) (R, error)) (R, string, error) {
	var zero R

	g.mu.Lock()
	sticky := g.sticky
	g.mu.Unlock()

	var errs []error
	try := func(e *entry[T]) (R, bool) {
		var result R
		err := e.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(ctx, e.Value)
			return innerErr
		})
		if err == nil {
			g.mu.Lock()
			g.sticky = e
			g.mu.Unlock()
			return result, true
		}
		g.log.Warn("resilience: member failed", "member", e.Name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", e.Name, err))
		return zero, false
	}

	if sticky != nil {
		if g.available(ctx, sticky) {
			if r, ok := try(sticky); ok {
				return r, sticky.Name, nil
			}
		} else {
			errs = append(errs, fmt.Errorf("%s: %w", sticky.Name, ErrBackendUnavailable))
		}
		g.mu.Lock()
		if g.sticky == sticky {
			g.sticky = nil
		}
		g.mu.Unlock()
	}

	for _, e := range g.entries {
		if e == sticky {
			continue
		}
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		if !g.available(ctx, e) {
			g.log.Debug("resilience: skipping unavailable member", "member", e.Name)
			errs = append(errs, fmt.Errorf("%s: %w", e.Name, ErrBackendUnavailable))
			continue
		}
		if r, ok := try(e); ok {
			return r, e.Name, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return zero, "", err
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no members configured"))
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllEnginesFailed, errors.Join(errs...))
}

// Query runs a read-only fn against members and returns the first result.
// The sticky member goes first when available, then the rest by priority.
// Unlike [ExecuteWithResult] it never changes the sticky member and never
// reports to the circuit breakers, so listings cannot move synthesis.
func Query[T, R any](ctx context.Context, g *Group[T], fn func(context.Context, T) (R, error)) (R, string, error) {
	var zero R

	g.mu.Lock()
	order := make([]*entry[T], 0, len(g.entries))
	if g.sticky != nil {
		order = append(order, g.sticky)
	}
	g.mu.Unlock()
	for _, e := range g.entries {
		if len(order) == 0 || e != order[0] {
			order = append(order, e)
		}
	}

	var errs []error
	for _, e := range order {
		if err := ctx.Err(); err != nil {
			return zero, "", err
		}
		if !g.available(ctx, e) {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name, ErrBackendUnavailable))
			continue
		}
		r, err := fn(ctx, e.Value)
		if err == nil {
			return r, e.Name, nil
		}
		g.log.Debug("resilience: query failed", "member", e.Name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", e.Name, err))
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no members configured"))
	}
	return zero, "", fmt.Errorf("%w: %w", ErrAllEnginesFailed, errors.Join(errs...))
}
