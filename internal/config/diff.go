package config

import "reflect"

// ConfigDiff describes what changed between two configs. Hot-reloadable
// fields are reported individually; everything else is listed in
// RestartRequired by section name.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	InterruptionChanged bool
	NewInterruption     bool

	VADThresholdChanged bool
	NewVADThreshold     float64

	// RestartRequired names the sections whose changes only take effect
	// after a restart.
	RestartRequired []string
}

// HotChanges reports whether the diff carries anything that can be applied
// at runtime.
func (d ConfigDiff) HotChanges() bool {
	return d.LogLevelChanged || d.InterruptionChanged || d.VADThresholdChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Conversation.Interruptions() != new.Conversation.Interruptions() {
		d.InterruptionChanged = true
		d.NewInterruption = new.Conversation.Interruptions()
	}
	if old.Conversation.VADEnergyThreshold != new.Conversation.VADEnergyThreshold {
		d.VADThresholdChanged = true
		d.NewVADThreshold = new.Conversation.VADEnergyThreshold
	}

	// Compare the remaining fields with the hot ones masked out.
	oc, nc := *old, *new
	oc.Server.LogLevel, nc.Server.LogLevel = "", ""
	oc.Conversation.InterruptionEnabled, nc.Conversation.InterruptionEnabled = nil, nil
	oc.Conversation.VADEnergyThreshold, nc.Conversation.VADEnergyThreshold = 0, 0

	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oc.Server, nc.Server},
		{"audio", oc.Audio, nc.Audio},
		{"conversation", oc.Conversation, nc.Conversation},
		{"dedup", oc.Dedup, nc.Dedup},
		{"segmenter", oc.Segmenter, nc.Segmenter},
		{"playback", oc.Playback, nc.Playback},
		{"realtime", oc.Realtime, nc.Realtime},
		{"tts", oc.TTS, nc.TTS},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
