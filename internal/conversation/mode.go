package conversation

import "time"

// Mode is the conversational state derived from the two activity timestamps.
// It is never stored as truth; [Engine.Mode] recomputes it on every call.
type Mode int

const (
	// ModeIdle means neither side was active within the activity window.
	ModeIdle Mode = iota

	// ModeActive means both sides were active within the activity window.
	ModeActive

	// ModeUserSpeaking means only the user was recently active.
	ModeUserSpeaking

	// ModeAISpeaking means only the AI was recently active.
	ModeAISpeaking
)

// String returns the name of the mode.
func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeActive:
		return "active"
	case ModeUserSpeaking:
		return "user_speaking"
	case ModeAISpeaking:
		return "ai_speaking"
	default:
		return "unknown"
	}
}

// activity holds the timestamps a mode is derived from, in Unix nanoseconds.
// Zero means never.
type activity struct {
	lastUser      int64
	lastAI        int64
	interruptedAt int64
}

// recent reports whether ts lies within window before now.
func recent(ts, now int64, window time.Duration) bool {
	return ts != 0 && now-ts < int64(window)
}

// aiRecent reports whether AI activity is recent and happened after the last
// interruption.
func (a activity) aiRecent(now int64, window time.Duration) bool {
	return recent(a.lastAI, now, window) && a.lastAI > a.interruptedAt
}

// derive computes the mode at now.
func (a activity) derive(now int64, window time.Duration) Mode {
	user := recent(a.lastUser, now, window)
	ai := a.aiRecent(now, window)
	switch {
	case user && ai:
		return ModeActive
	case user:
		return ModeUserSpeaking
	case ai:
		return ModeAISpeaking
	default:
		return ModeIdle
	}
}
