package resilience

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/englishear/internal/observe"
	"github.com/MrWong99/englishear/pkg/audio"
	"github.com/MrWong99/englishear/pkg/provider/tts"
	ttsmock "github.com/MrWong99/englishear/pkg/provider/tts/mock"
)

func newChainMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// providerErrors returns the englishear.provider.errors count for provider.
func providerErrors(t *testing.T, reader *sdkmetric.ManualReader, provider string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "englishear.provider.errors" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				if v, ok := dp.Attributes.Value("provider"); ok && v.AsString() == provider {
					return dp.Value
				}
			}
		}
	}
	return 0
}

func audioProvider(chunks ...string) *ttsmock.Provider {
	p := &ttsmock.Provider{}
	for _, c := range chunks {
		p.SynthesizeChunks = append(p.SynthesizeChunks, []byte(c))
	}
	return p
}

func mustChain(t *testing.T, backends []Backend, opts ...ChainOption) *TTSChain {
	t.Helper()
	c, err := NewTTSChain(backends, opts...)
	if err != nil {
		t.Fatalf("NewTTSChain: %v", err)
	}
	return c
}

func TestTTSChain_FallbackResolution(t *testing.T) {
	a, b, c := audioProvider("a"), audioProvider("b1", "b2"), audioProvider("c")
	pa, pb := newGate(false), newGate(true)
	chain := mustChain(t, []Backend{
		{Name: "A", Priority: 1, Provider: a, Available: pa.Available},
		{Name: "C", Priority: 3, Provider: c},
		{Name: "B", Priority: 2, Provider: b, Available: pb.Available},
	})

	for i := range 3 {
		ch, name, err := chain.SynthesizeWith(context.Background(), "Hello.", tts.VoiceProfile{})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if name != "B" {
			t.Fatalf("call %d resolved %q, want B", i, name)
		}
		if got := audio.Collect(ch); !bytes.Equal(got, []byte("b1b2")) {
			t.Fatalf("audio = %q, want b1b2", got)
		}
	}
	if a.CallCount() != 0 || c.CallCount() != 0 {
		t.Errorf("A called %d times, C called %d times; want 0", a.CallCount(), c.CallCount())
	}
	if pa.calls.Load() != 1 {
		t.Errorf("A availability consulted %d times, want once", pa.calls.Load())
	}

	pb.up.Store(false)
	ch, name, err := chain.SynthesizeWith(context.Background(), "Hello.", tts.VoiceProfile{})
	if err != nil || name != "C" {
		t.Fatalf("after B down: name=%q err=%v, want C", name, err)
	}
	audio.Collect(ch)
}

func TestTTSChain_SynthesisFailureFallsThrough(t *testing.T) {
	m, reader := newChainMetrics(t)
	a := audioProvider("a")
	a.SynthesizeErr = errors.New("503 service unavailable")
	b := audioProvider("b")
	chain := mustChain(t, []Backend{
		{Name: "a", Priority: 1, Provider: a},
		{Name: "b", Priority: 2, Provider: b},
	}, WithChainMetrics(m))

	ch, err := chain.Synthesize(context.Background(), "Hi.", tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if got := string(audio.Collect(ch)); got != "b" {
		t.Errorf("audio = %q, want b", got)
	}
	if chain.Sticky() != "b" {
		t.Errorf("sticky = %q, want b", chain.Sticky())
	}
	if got := providerErrors(t, reader, "a"); got != 1 {
		t.Errorf("provider errors for a = %d, want 1", got)
	}
}

func TestTTSChain_EmptyStreamIsFailure(t *testing.T) {
	silent := audioProvider() // stream closes without audio
	b := audioProvider("b")
	chain := mustChain(t, []Backend{
		{Name: "silent", Priority: 1, Provider: silent},
		{Name: "b", Priority: 2, Provider: b},
	}, WithChainMetrics(observe.DefaultMetrics()))

	ch, name, err := chain.SynthesizeWith(context.Background(), "Hi.", tts.VoiceProfile{})
	if err != nil {
		t.Fatalf("SynthesizeWith: %v", err)
	}
	if name != "b" {
		t.Errorf("resolved %q, want b", name)
	}
	audio.Collect(ch)
}

func TestTTSChain_AllEnginesFailed(t *testing.T) {
	a := audioProvider()
	a.SynthesizeErr = errors.New("invalid_api_key")
	b := audioProvider()
	chain := mustChain(t, []Backend{
		{Name: "a", Priority: 1, Provider: a},
		{Name: "b", Priority: 2, Provider: b, Available: func(context.Context) bool { return false }},
	})

	ch, err := chain.Synthesize(context.Background(), "Hi.", tts.VoiceProfile{})
	if !errors.Is(err, ErrAllEnginesFailed) {
		t.Fatalf("err = %v, want ErrAllEnginesFailed", err)
	}
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("err = %v, want it to mention the unavailable backend", err)
	}
	if ch != nil {
		t.Error("channel returned alongside error")
	}
	if b.CallCount() != 0 {
		t.Error("unavailable backend was called")
	}
}

func TestTTSChain_EmptyText(t *testing.T) {
	chain := mustChain(t, []Backend{{Name: "a", Provider: audioProvider("a")}})
	if _, err := chain.Synthesize(context.Background(), "", tts.VoiceProfile{}); !errors.Is(err, tts.ErrEmptyText) {
		t.Errorf("err = %v, want ErrEmptyText", err)
	}
}

func TestTTSChain_VoiceSelection(t *testing.T) {
	p := audioProvider("x")
	chain := mustChain(t, []Backend{
		{Name: "openai", Provider: p, Voice: tts.VoiceProfile{ID: "nova", Provider: "openai"}},
	})

	tests := []struct {
		name      string
		requested tts.VoiceProfile
		wantID    string
		wantSpeed float64
	}{
		{"backend default", tts.VoiceProfile{}, "nova", 0},
		{"other provider ignored", tts.VoiceProfile{ID: "rachel", Provider: "elevenlabs", SpeedFactor: 1.1}, "nova", 1.1},
		{"matching provider wins", tts.VoiceProfile{ID: "shimmer", Provider: "openai"}, "shimmer", 0},
	}
	for i, tc := range tests {
		ch, err := chain.Synthesize(context.Background(), "Hi.", tc.requested)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		audio.Collect(ch)
		got := p.SynthesizeCalls[i].Voice
		if got.ID != tc.wantID || got.SpeedFactor != tc.wantSpeed {
			t.Errorf("%s: voice = %+v, want id %q speed %v", tc.name, got, tc.wantID, tc.wantSpeed)
		}
	}
}

func TestTTSChain_ResetStickyPreference(t *testing.T) {
	a, b := audioProvider("a"), audioProvider("b")
	aUp := newGate(false)
	chain := mustChain(t, []Backend{
		{Name: "a", Priority: 1, Provider: a, Available: aUp.Available},
		{Name: "b", Priority: 2, Provider: b},
	})
	synth := func() string {
		t.Helper()
		ch, name, err := chain.SynthesizeWith(context.Background(), "Hi.", tts.VoiceProfile{})
		if err != nil {
			t.Fatal(err)
		}
		audio.Collect(ch)
		return name
	}

	if got := synth(); got != "b" {
		t.Fatalf("resolved %q, want b", got)
	}
	aUp.up.Store(true)
	if got := synth(); got != "b" {
		t.Fatalf("sticky resolved %q, want b", got)
	}
	chain.ResetStickyPreference()
	if chain.Sticky() != "" {
		t.Fatal("sticky not cleared")
	}
	if got := synth(); got != "a" {
		t.Fatalf("after reset resolved %q, want a", got)
	}
}

func TestTTSChain_BreakerTakesBackendOut(t *testing.T) {
	clock := newFakeClock()
	a := audioProvider()
	a.SynthesizeErr = errors.New("boom")
	b := audioProvider("b")
	chain := mustChain(t, []Backend{
		{Name: "a", Priority: 1, Provider: a},
		{Name: "b", Priority: 2, Provider: b},
	}, WithBreakerConfig(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute, Now: clock.Now}))

	for range 3 {
		chain.ResetStickyPreference()
		ch, err := chain.Synthesize(context.Background(), "Hi.", tts.VoiceProfile{})
		if err != nil {
			t.Fatal(err)
		}
		audio.Collect(ch)
	}
	if a.CallCount() != 2 {
		t.Errorf("a called %d times, want 2 before its breaker opened", a.CallCount())
	}
	if chain.Breaker("a").State() != StateOpen {
		t.Errorf("breaker = %v, want open", chain.Breaker("a").State())
	}
	if got := chain.Available(context.Background()); len(got) != 1 || got[0] != "b" {
		t.Errorf("available = %v, want [b]", got)
	}
}

func TestTTSChain_ListVoices(t *testing.T) {
	a := audioProvider()
	a.ListVoicesErr = errors.New("down")
	b := audioProvider()
	b.ListVoicesResult = []tts.VoiceProfile{{ID: "nova", Provider: "openai"}}
	chain := mustChain(t, []Backend{
		{Name: "a", Priority: 1, Provider: a},
		{Name: "b", Priority: 2, Provider: b},
	})
	voices, err := chain.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 || voices[0].ID != "nova" {
		t.Errorf("voices = %+v", voices)
	}
}

func TestTTSChain_ListVoicesKeepsSticky(t *testing.T) {
	a := audioProvider("a")
	a.SynthesizeErr = errors.New("503 service unavailable")
	a.ListVoicesResult = []tts.VoiceProfile{{ID: "rachel", Provider: "a"}}
	b := audioProvider("b")
	b.ListVoicesErr = errors.New("voices endpoint down")
	chain := mustChain(t, []Backend{
		{Name: "a", Priority: 1, Provider: a},
		{Name: "b", Priority: 2, Provider: b},
	}, WithBreakerConfig(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Minute}))
	ctx := context.Background()

	ch, name, err := chain.SynthesizeWith(ctx, "Hello.", tts.VoiceProfile{})
	if err != nil || name != "b" {
		t.Fatalf("first synthesis: name=%q err=%v, want b", name, err)
	}
	audio.Collect(ch)
	aCalls := a.CallCount()

	for range 2 {
		voices, err := chain.ListVoices(ctx)
		if err != nil {
			t.Fatalf("ListVoices: %v", err)
		}
		if len(voices) != 1 || voices[0].ID != "rachel" {
			t.Errorf("voices = %+v, want the listing of a", voices)
		}
	}

	if chain.Sticky() != "b" {
		t.Errorf("sticky after ListVoices = %q, want b", chain.Sticky())
	}
	if st := chain.Breaker("b").State(); st != StateClosed {
		t.Errorf("breaker of b = %v after failed listings, want closed", st)
	}

	ch, name, err = chain.SynthesizeWith(ctx, "Again.", tts.VoiceProfile{})
	if err != nil || name != "b" {
		t.Fatalf("second synthesis: name=%q err=%v, want b", name, err)
	}
	audio.Collect(ch)
	if got := a.CallCount(); got != aCalls {
		t.Errorf("a was called %d more times, want 0", got-aCalls)
	}
}

func TestQuery_AllFail(t *testing.T) {
	g := NewGroup(GroupConfig{},
		Member[string]{Name: "a", Priority: 1, Value: "a"},
		Member[string]{Name: "b", Priority: 2, Value: "b", Available: func(context.Context) bool { return false }},
	)
	down := errors.New("down")
	_, _, err := Query(context.Background(), g, func(context.Context, string) (int, error) { return 0, down })
	if !errors.Is(err, ErrAllEnginesFailed) || !errors.Is(err, down) || !errors.Is(err, ErrBackendUnavailable) {
		t.Errorf("Query error = %v, want all engines failed wrapping down and unavailable", err)
	}
	if g.Breaker("a").State() != StateClosed {
		t.Error("Query tripped the breaker of a")
	}
}

func TestNewTTSChain_Validation(t *testing.T) {
	p := audioProvider("x")
	tests := map[string][]Backend{
		"empty name":   {{Provider: p}},
		"nil provider": {{Name: "a"}},
		"duplicate":    {{Name: "a", Provider: p}, {Name: "a", Provider: p}},
	}
	for name, backends := range tests {
		if _, err := NewTTSChain(backends); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestPrime_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	src := make(chan []byte)
	cancel()
	if _, err := prime(ctx, src); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	close(src)
}
