// Package config provides the configuration schema, loader and provider
// registry for englishear.
//
// A configuration is a YAML document with one section per pipeline stage.
// Secrets usually come from the environment (or a .env file) rather than the
// YAML file; see [Load].
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SinkKind selects where AI speech is played.
type SinkKind string

const (
	// SinkPortAudio plays through the default speaker. Requires a binary
	// built with the portaudio tag.
	SinkPortAudio SinkKind = "portaudio"

	// SinkFile writes every utterance to Audio.SinkDir as a .wav file.
	SinkFile SinkKind = "file"

	// SinkDiscard drops audio but keeps real-time pacing.
	SinkDiscard SinkKind = "discard"
)

// IsValid reports whether s is a recognised sink.
func (s SinkKind) IsValid() bool {
	return s == SinkPortAudio || s == SinkFile || s == SinkDiscard
}

// CaptureKind selects the microphone source.
type CaptureKind string

const (
	CapturePortAudio CaptureKind = "portaudio"
	CaptureNone      CaptureKind = "none"
)

// IsValid reports whether c is a recognised capture source.
func (c CaptureKind) IsValid() bool {
	return c == CapturePortAudio || c == CaptureNone
}

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Audio        AudioConfig        `yaml:"audio"`
	Conversation ConversationConfig `yaml:"conversation"`
	Dedup        DedupConfig        `yaml:"dedup"`
	Segmenter    SegmenterConfig    `yaml:"segmenter"`
	Playback     PlaybackConfig     `yaml:"playback"`
	Realtime     RealtimeConfig     `yaml:"realtime"`
	TTS          TTSConfig          `yaml:"tts"`
}

// ServerConfig holds the metrics/health listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the address of the /metrics, /healthz and /readyz
	// endpoints (e.g. ":9090"). Empty disables the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. It can be changed without a restart.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig describes the conversation audio format and the local devices.
type AudioConfig struct {
	// SampleRate of the PCM exchanged with the realtime service, in Hz.
	SampleRate int `yaml:"sample_rate"`

	// Channels must be 1; the pipeline is mono.
	Channels int `yaml:"channels"`

	// BitsPerSample must be 16.
	BitsPerSample int `yaml:"bits_per_sample"`

	Sink    SinkKind `yaml:"sink"`
	SinkDir string   `yaml:"sink_dir"`

	Capture CaptureKind `yaml:"capture"`

	// CaptureSampleRate is the microphone rate. Frames are resampled to
	// SampleRate before they reach the engine. Zero means SampleRate.
	CaptureSampleRate int `yaml:"capture_sample_rate"`

	// FramesPerBuffer is the device buffer length in samples.
	FramesPerBuffer int `yaml:"frames_per_buffer"`
}

// ConversationConfig tunes the dual-stream engine.
type ConversationConfig struct {
	Tick           time.Duration `yaml:"tick"`
	ActivityWindow time.Duration `yaml:"activity_window"`

	// InterruptionEnabled is a pointer so an explicit false survives
	// defaulting. It can be changed without a restart.
	InterruptionEnabled *bool `yaml:"interruption_enabled"`

	// VAD names the registered voice-activity engine. Default "energy".
	VAD string `yaml:"vad"`

	// VADEnergyThreshold can be changed without a restart.
	VADEnergyThreshold float64 `yaml:"vad_energy_threshold"`
	VADMinVoiceFrames  int     `yaml:"vad_min_voice_frames"`

	MaxUserFrames int `yaml:"max_user_frames"`
}

// Interruptions reports whether barge-in is enabled. Unset means enabled.
func (c ConversationConfig) Interruptions() bool {
	return c.InterruptionEnabled == nil || *c.InterruptionEnabled
}

// DedupConfig tunes the fragment deduplicator.
type DedupConfig struct {
	MinPayloadBytes int           `yaml:"min_payload_bytes"`
	MaxEntries      int           `yaml:"max_entries"`
	TTL             time.Duration `yaml:"ttl"`
}

// SegmenterConfig tunes the sentence segmenter.
type SegmenterConfig struct {
	MaxSentences    int `yaml:"max_sentences"`
	MinSoftSegments int `yaml:"min_soft_segments"`

	// DisableShaping plays sentences without intonation shaping and
	// smoothing.
	DisableShaping bool `yaml:"disable_shaping"`
}

// PlaybackConfig tunes the sequential playback queue.
type PlaybackConfig struct {
	SentenceGap time.Duration `yaml:"sentence_gap"`
	PhraseGap   time.Duration `yaml:"phrase_gap"`
	DefaultGap  time.Duration `yaml:"default_gap"`
	Backlog     int           `yaml:"backlog"`
}

// RealtimeConfig configures the realtime speech service connection.
type RealtimeConfig struct {
	// Provider selects the registered transport (e.g. "openai-realtime").
	// Empty disables the conversation; only -say and -voices work then.
	Provider string `yaml:"provider"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	Voice        string   `yaml:"voice"`
	Instructions string   `yaml:"instructions"`
	Temperature  float64  `yaml:"temperature"`
	Modalities   []string `yaml:"modalities"`

	// Greeting, if set, is sent as the first user message once the session
	// is open, so the assistant speaks first.
	Greeting string `yaml:"greeting"`
}

// TTSConfig lists the synthesis backends of the fallback chain.
type TTSConfig struct {
	Backends       []BackendEntry       `yaml:"backends"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// BackendEntry configures one synthesis backend.
type BackendEntry struct {
	// Name identifies the backend in logs, metrics and sticky selection.
	// Defaults to Provider.
	Name string `yaml:"name"`

	// Provider selects the registered implementation (e.g. "openai",
	// "elevenlabs", "coqui").
	Provider string `yaml:"provider"`

	// Priority orders the chain; lower values are tried first.
	Priority int `yaml:"priority"`

	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Voice is the provider-specific voice identifier.
	Voice string `yaml:"voice"`

	// SpeedFactor adjusts speaking rate in the range [0.25, 4.0]. Zero means
	// the provider default.
	SpeedFactor float64 `yaml:"speed_factor"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// CircuitBreakerConfig is applied to every backend of the chain.
type CircuitBreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}
