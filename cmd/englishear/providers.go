package main

import (
	"fmt"
	"log/slog"

	"github.com/MrWong99/englishear/internal/app"
	"github.com/MrWong99/englishear/internal/config"
	"github.com/MrWong99/englishear/internal/resilience"
	"github.com/MrWong99/englishear/pkg/audio"
	"github.com/MrWong99/englishear/pkg/audio/filesink"
	"github.com/MrWong99/englishear/pkg/audio/portaudio"
	"github.com/MrWong99/englishear/pkg/provider/realtime"
	rtopenai "github.com/MrWong99/englishear/pkg/provider/realtime/openai"
	"github.com/MrWong99/englishear/pkg/provider/tts"
	"github.com/MrWong99/englishear/pkg/provider/tts/coqui"
	"github.com/MrWong99/englishear/pkg/provider/tts/elevenlabs"
	ttsopenai "github.com/MrWong99/englishear/pkg/provider/tts/openai"
	"github.com/MrWong99/englishear/pkg/provider/vad"
	"github.com/MrWong99/englishear/pkg/provider/vad/energy"
)

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("openai", func(entry config.BackendEntry) (tts.Provider, error) {
		var opts []ttsopenai.Option
		if entry.BaseURL != "" {
			opts = append(opts, ttsopenai.WithBaseURL(entry.BaseURL))
		}
		return ttsopenai.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterTTS("elevenlabs", func(entry config.BackendEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.BackendEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	// ── Realtime ──────────────────────────────────────────────────────────────

	reg.RegisterRealtime("openai-realtime", func(rc config.RealtimeConfig) (realtime.Provider, error) {
		opts := []rtopenai.Option{rtopenai.WithLogger(slog.Default().With("component", "realtime"))}
		if rc.Model != "" {
			opts = append(opts, rtopenai.WithModel(rc.Model))
		}
		if rc.BaseURL != "" {
			opts = append(opts, rtopenai.WithBaseURL(rc.BaseURL))
		}
		return rtopenai.New(rc.APIKey, opts...), nil
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(config.ConversationConfig) (vad.Engine, error) {
		return energy.New(), nil
	})

	for kind, names := range reg.Names() {
		slog.Debug("registered providers", "kind", kind, "names", names)
	}
}

// buildProviders instantiates everything cfg names. The returned function
// releases the audio device and must be called after the application has shut
// down. withDevices false skips the sink and microphone.
func buildProviders(cfg *config.Config, reg *config.Registry, withDevices bool) (*app.Providers, func(), error) {
	ps := &app.Providers{}
	noop := func() {}

	v, err := reg.CreateVAD(cfg.Conversation)
	if err != nil {
		return nil, noop, fmt.Errorf("create vad %q: %w", cfg.Conversation.VAD, err)
	}
	ps.VAD = v

	if name := cfg.Realtime.Provider; name != "" {
		p, err := reg.CreateRealtime(cfg.Realtime)
		if err != nil {
			return nil, noop, fmt.Errorf("create realtime provider %q: %w", name, err)
		}
		ps.Realtime = p
		slog.Info("provider created", "kind", "realtime", "name", name, "model", cfg.Realtime.Model)
	}

	chain, err := buildChain(cfg, reg)
	if err != nil {
		return nil, noop, err
	}
	ps.TTS = chain

	if !withDevices {
		ps.Sink = filesink.NewDiscard()
		return ps, noop, nil
	}
	release, err := openDevices(cfg, ps)
	if err != nil {
		return nil, noop, err
	}
	return ps, release, nil
}

// buildChain creates one backend per configured entry. Backends that cannot
// be created are skipped; the chain is nil when none remain.
func buildChain(cfg *config.Config, reg *config.Registry) (*resilience.TTSChain, error) {
	var backends []resilience.Backend
	for _, entry := range cfg.TTS.Backends {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			slog.Warn("tts backend skipped", "name", entry.Name, "provider", entry.Provider, "err", err)
			continue
		}
		backends = append(backends, resilience.Backend{
			Name:     entry.Name,
			Priority: entry.Priority,
			Provider: p,
			Voice: tts.VoiceProfile{
				ID:          entry.Voice,
				Provider:    entry.Name,
				SpeedFactor: entry.SpeedFactor,
			},
		})
		slog.Info("provider created", "kind", "tts", "name", entry.Name, "provider", entry.Provider)
	}
	if len(backends) == 0 {
		return nil, nil
	}

	cb := cfg.TTS.CircuitBreaker
	chain, err := resilience.NewTTSChain(backends,
		resilience.WithBreakerConfig(resilience.CircuitBreakerConfig{
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
			HalfOpenMax:  cb.HalfOpenMax,
		}),
		resilience.WithChainLogger(slog.Default().With("component", "tts")),
	)
	if err != nil {
		return nil, fmt.Errorf("create tts chain: %w", err)
	}
	return chain, nil
}

// openDevices fills ps.Sink and ps.Capture from the audio section.
func openDevices(cfg *config.Config, ps *app.Providers) (func(), error) {
	a := cfg.Audio
	needDevice := a.Sink == config.SinkPortAudio || a.Capture == config.CapturePortAudio

	var dev *portaudio.Device
	release := func() {}
	if needDevice {
		d, err := portaudio.Open()
		if err != nil {
			return release, fmt.Errorf("open audio device: %w", err)
		}
		dev = d
		release = func() {
			if err := d.Close(); err != nil {
				slog.Warn("audio device close error", "err", err)
			}
		}
	}

	var err error
	switch a.Sink {
	case config.SinkPortAudio:
		ps.Sink, err = dev.NewSink(a.SampleRate, a.FramesPerBuffer)
	case config.SinkFile:
		ps.Sink, err = filesink.NewFile(a.SinkDir,
			filesink.WithPacing(),
			filesink.WithLogger(slog.Default().With("component", "filesink")),
		)
	default:
		ps.Sink = filesink.NewDiscard()
	}
	if err != nil {
		release()
		return func() {}, fmt.Errorf("open %s sink: %w", a.Sink, err)
	}

	if a.Capture == config.CapturePortAudio {
		var c audio.Capture
		c, err = dev.NewCapture(a.CaptureSampleRate, a.FramesPerBuffer, slog.Default().With("component", "capture"))
		if err != nil {
			release()
			return func() {}, fmt.Errorf("open microphone: %w", err)
		}
		ps.Capture = c
	}
	return release, nil
}

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
