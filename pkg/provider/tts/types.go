package tts

// VoiceProfile selects and tunes a voice.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier (e.g. "nova").
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS backend this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate in the range 0.25 to 4.0. Zero or 1.0
	// is the default. Not every backend honours it.
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string
}

// Speed returns SpeedFactor, or 1.0 when unset.
func (v VoiceProfile) Speed() float64 {
	if v.SpeedFactor <= 0 {
		return 1.0
	}
	return v.SpeedFactor
}
