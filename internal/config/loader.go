package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/englishear/internal/chunk"
	"github.com/MrWong99/englishear/internal/conversation"
	"github.com/MrWong99/englishear/internal/segment"
	"github.com/MrWong99/englishear/pkg/audio"
	"github.com/MrWong99/englishear/pkg/audio/playback"
	"github.com/MrWong99/englishear/pkg/provider/vad"
	"github.com/MrWong99/englishear/pkg/provider/vad/energy"
)

// defaultBacklog bounds how many segmented units wait in the playback queue
// before the segmenter holds on to them.
const defaultBacklog = 2

// EnvPrefix prefixes the environment overrides read by [Load].
const EnvPrefix = "ENGLISHEAR"

// ValidProviderNames lists the built-in provider names per kind. [Validate]
// warns about names outside this list.
var ValidProviderNames = map[string][]string{
	"tts":      {"openai", "elevenlabs", "coqui"},
	"realtime": {"openai-realtime"},
	"vad":      {"energy"},
}

// overrides are read with the ENGLISHEAR_ prefix.
type overrides struct {
	LogLevel   string `envconfig:"LOG_LEVEL"`
	ListenAddr string `envconfig:"LISTEN_ADDR"`
	Sink       string `envconfig:"SINK"`
	SinkDir    string `envconfig:"SINK_DIR"`
}

// secrets use the variable names the providers document.
type secrets struct {
	OpenAIKey     string `envconfig:"OPENAI_API_KEY"`
	ElevenLabsKey string `envconfig:"ELEVENLABS_API_KEY"`
}

// Load reads the YAML configuration file at path, applies environment
// overrides and returns a validated [Config].
//
// Variables from a .env file next to the working directory are loaded first
// without replacing variables that are already set. OPENAI_API_KEY and
// ELEVENLABS_API_KEY fill empty api_key fields of the matching providers;
// ENGLISHEAR_LOG_LEVEL, ENGLISHEAR_LISTEN_ADDR, ENGLISHEAR_SINK and
// ENGLISHEAR_SINK_DIR replace the file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := loadBytes(data, true)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. The environment is not consulted.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadBytes(data []byte, env bool) (*Config, error) {
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if env {
		if err := ApplyEnv(cfg); err != nil {
			return nil, err
		}
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// ApplyEnv loads .env (if present) and merges environment variables into cfg.
func ApplyEnv(cfg *Config) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: load .env: %w", err)
	}

	var ov overrides
	if err := envconfig.Process(EnvPrefix, &ov); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	var sec secrets
	if err := envconfig.Process("", &sec); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}

	if ov.LogLevel != "" {
		cfg.Server.LogLevel = LogLevel(ov.LogLevel)
	}
	if ov.ListenAddr != "" {
		cfg.Server.ListenAddr = ov.ListenAddr
	}
	if ov.Sink != "" {
		cfg.Audio.Sink = SinkKind(ov.Sink)
	}
	if ov.SinkDir != "" {
		cfg.Audio.SinkDir = ov.SinkDir
	}

	if cfg.Realtime.APIKey == "" && cfg.Realtime.Provider == "openai-realtime" {
		cfg.Realtime.APIKey = sec.OpenAIKey
	}
	for i := range cfg.TTS.Backends {
		b := &cfg.TTS.Backends[i]
		if b.APIKey != "" {
			continue
		}
		switch b.Provider {
		case "openai":
			b.APIKey = sec.OpenAIKey
		case "elevenlabs":
			b.APIKey = sec.ElevenLabsKey
		}
	}
	return nil
}

// ApplyDefaults fills zero values with the package defaults of the component
// each section configures.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	a := &cfg.Audio
	if a.SampleRate == 0 {
		a.SampleRate = audio.DefaultSampleRate
	}
	if a.Channels == 0 {
		a.Channels = audio.DefaultChannels
	}
	if a.BitsPerSample == 0 {
		a.BitsPerSample = audio.DefaultBitsPerSample
	}
	if a.Sink == "" {
		a.Sink = SinkPortAudio
	}
	if a.Capture == "" {
		a.Capture = CapturePortAudio
	}
	if a.CaptureSampleRate == 0 {
		a.CaptureSampleRate = a.SampleRate
	}
	if a.FramesPerBuffer == 0 {
		a.FramesPerBuffer = a.SampleRate / 25
	}

	c := &cfg.Conversation
	if c.Tick == 0 {
		c.Tick = conversation.DefaultTick
	}
	if c.ActivityWindow == 0 {
		c.ActivityWindow = conversation.DefaultActivityWindow
	}
	if c.VAD == "" {
		c.VAD = "energy"
	}
	if c.VADEnergyThreshold == 0 {
		c.VADEnergyThreshold = energy.DefaultThreshold
	}
	if c.VADMinVoiceFrames == 0 {
		c.VADMinVoiceFrames = vad.DefaultMinVoiceFrames
	}
	if c.MaxUserFrames == 0 {
		c.MaxUserFrames = conversation.DefaultMaxUserFrames
	}

	d := &cfg.Dedup
	if d.MinPayloadBytes == 0 {
		d.MinPayloadBytes = chunk.DefaultMinPayloadBytes
	}
	if d.MaxEntries == 0 {
		d.MaxEntries = chunk.DefaultMaxEntries
	}
	if d.TTL == 0 {
		d.TTL = chunk.DefaultTTL
	}

	s := &cfg.Segmenter
	if s.MaxSentences == 0 {
		s.MaxSentences = segment.DefaultMaxSentences
	}
	if s.MinSoftSegments == 0 {
		s.MinSoftSegments = segment.DefaultMinSoftSegments
	}

	p := &cfg.Playback
	if p.SentenceGap == 0 {
		p.SentenceGap = playback.DefaultSentenceGap
	}
	if p.PhraseGap == 0 {
		p.PhraseGap = playback.DefaultPhraseGap
	}
	if p.DefaultGap == 0 {
		p.DefaultGap = playback.DefaultGap
	}
	if p.Backlog == 0 {
		p.Backlog = defaultBacklog
	}

	r := &cfg.Realtime
	if r.Provider != "" && len(r.Modalities) == 0 {
		r.Modalities = []string{"text", "audio"}
	}

	for i := range cfg.TTS.Backends {
		if cfg.TTS.Backends[i].Name == "" {
			cfg.TTS.Backends[i].Name = cfg.TTS.Backends[i].Provider
		}
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing every failure found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	a := cfg.Audio
	if a.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.Channels > 1 {
		errs = append(errs, fmt.Errorf("audio.channels %d is unsupported; the pipeline is mono", a.Channels))
	}
	if a.BitsPerSample != 0 && a.BitsPerSample != 16 {
		errs = append(errs, fmt.Errorf("audio.bits_per_sample %d is unsupported; only 16 is", a.BitsPerSample))
	}
	if a.Sink != "" && !a.Sink.IsValid() {
		errs = append(errs, fmt.Errorf("audio.sink %q is invalid; valid values: portaudio, file, discard", a.Sink))
	}
	if a.Sink == SinkFile && a.SinkDir == "" {
		errs = append(errs, errors.New("audio.sink_dir is required when audio.sink is file"))
	}
	if a.Capture != "" && !a.Capture.IsValid() {
		errs = append(errs, fmt.Errorf("audio.capture %q is invalid; valid values: portaudio, none", a.Capture))
	}
	if a.CaptureSampleRate < 0 || a.FramesPerBuffer < 0 {
		errs = append(errs, errors.New("audio.capture_sample_rate and audio.frames_per_buffer must not be negative"))
	}

	c := cfg.Conversation
	if c.Tick < 0 || c.ActivityWindow < 0 {
		errs = append(errs, errors.New("conversation.tick and conversation.activity_window must not be negative"))
	}
	if c.VADEnergyThreshold < 0 {
		errs = append(errs, fmt.Errorf("conversation.vad_energy_threshold %g must not be negative", c.VADEnergyThreshold))
	}
	if c.VADMinVoiceFrames < 0 || c.MaxUserFrames < 0 {
		errs = append(errs, errors.New("conversation.vad_min_voice_frames and conversation.max_user_frames must not be negative"))
	}
	validateProviderName("vad", c.VAD)

	d := cfg.Dedup
	if d.MinPayloadBytes < 0 || d.MaxEntries < 0 || d.TTL < 0 {
		errs = append(errs, errors.New("dedup values must not be negative"))
	}

	if cfg.Segmenter.MaxSentences < 0 || cfg.Segmenter.MinSoftSegments < 0 {
		errs = append(errs, errors.New("segmenter values must not be negative"))
	}

	p := cfg.Playback
	if p.SentenceGap < 0 || p.PhraseGap < 0 || p.DefaultGap < 0 {
		errs = append(errs, errors.New("playback gaps must not be negative"))
	}
	if p.Backlog < 0 {
		errs = append(errs, fmt.Errorf("playback.backlog %d must not be negative", p.Backlog))
	}

	r := cfg.Realtime
	validateProviderName("realtime", r.Provider)
	if r.Temperature != 0 && (r.Temperature < 0.6 || r.Temperature > 1.2) {
		errs = append(errs, fmt.Errorf("realtime.temperature %.2f is out of range [0.6, 1.2]", r.Temperature))
	}
	for _, m := range r.Modalities {
		if m != "text" && m != "audio" {
			errs = append(errs, fmt.Errorf("realtime.modalities: %q is invalid; valid values: text, audio", m))
		}
	}

	seen := make(map[string]int, len(cfg.TTS.Backends))
	for i, b := range cfg.TTS.Backends {
		prefix := fmt.Sprintf("tts.backends[%d]", i)
		if b.Provider == "" {
			errs = append(errs, fmt.Errorf("%s.provider is required", prefix))
		}
		validateProviderName("tts", b.Provider)
		name := b.Name
		if name == "" {
			name = b.Provider
		}
		if name != "" {
			if prev, ok := seen[name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of tts.backends[%d]", prefix, name, prev))
			}
			seen[name] = i
		}
		if b.SpeedFactor != 0 && (b.SpeedFactor < 0.25 || b.SpeedFactor > 4.0) {
			errs = append(errs, fmt.Errorf("%s.speed_factor %.2f is out of range [0.25, 4.0]", prefix, b.SpeedFactor))
		}
	}
	cb := cfg.TTS.CircuitBreaker
	if cb.MaxFailures < 0 || cb.ResetTimeout < 0 || cb.HalfOpenMax < 0 {
		errs = append(errs, errors.New("tts.circuit_breaker values must not be negative"))
	}

	if r.Provider != "" && len(cfg.TTS.Backends) == 0 {
		slog.Warn("no tts backends configured; text-only responses will not be spoken")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not one of
// the built-in names for kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidProviderNames[kind], name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", ValidProviderNames[kind],
	)
}
