package config_test

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/englishear/internal/config"
)

const baseYAML = `
server:
  log_level: info
conversation:
  interruption_enabled: true
  vad_energy_threshold: 0.02
tts:
  backends:
    - provider: openai
`

// reload is one onChange invocation.
type reload struct {
	old, new *config.Config
}

// watchFile writes content to a fresh config file and starts a fast-polling
// watcher on it. Every reload is forwarded to the returned channel.
func watchFile(t *testing.T, content string) (string, *config.Watcher, <-chan reload) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "englishear.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}

	reloads := make(chan reload, 8)
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		reloads <- reload{old: old, new: new}
	},
		config.WithInterval(20*time.Millisecond),
		config.WithEnv(false),
		config.WithWatcherLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return path, w, reloads
}

// rewrite replaces the file content and moves its mtime forward so the next
// poll sees it regardless of filesystem timestamp granularity.
func rewrite(t *testing.T, path, content string, bump time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	touch(t, path, bump)
}

func touch(t *testing.T, path string, bump time.Duration) {
	t.Helper()
	ts := time.Now().Add(bump)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func awaitReload(t *testing.T, reloads <-chan reload) reload {
	t.Helper()
	select {
	case r := <-reloads:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reload within 2s")
		return reload{}
	}
}

func assertNoReload(t *testing.T, reloads <-chan reload) {
	t.Helper()
	select {
	case r := <-reloads:
		t.Fatalf("unexpected reload to log_level %q", r.new.Server.LogLevel)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestWatcher_Current(t *testing.T) {
	t.Parallel()
	_, w, _ := watchFile(t, baseYAML)

	cfg := w.Current()
	if cfg == nil {
		t.Fatal("Current() = nil after NewWatcher")
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("LogLevel = %q, want %q", cfg.Server.LogLevel, config.LogInfo)
	}
	if !cfg.Conversation.Interruptions() {
		t.Error("Interruptions() = false, want true")
	}
}

func TestWatcher_HotReload(t *testing.T) {
	t.Parallel()
	path, w, reloads := watchFile(t, baseYAML)

	rewrite(t, path, `
server:
  log_level: debug
conversation:
  interruption_enabled: false
  vad_energy_threshold: 0.05
tts:
  backends:
    - provider: openai
`, time.Second)

	r := awaitReload(t, reloads)
	if r.old.Server.LogLevel != config.LogInfo || r.new.Server.LogLevel != config.LogDebug {
		t.Errorf("log levels = %q -> %q, want info -> debug", r.old.Server.LogLevel, r.new.Server.LogLevel)
	}

	d := config.Diff(r.old, r.new)
	if !d.HotChanges() {
		t.Fatalf("HotChanges() = false for %+v", d)
	}
	if !d.InterruptionChanged || d.NewInterruption {
		t.Errorf("interruption diff = changed:%v new:%v, want changed:true new:false", d.InterruptionChanged, d.NewInterruption)
	}
	if !d.VADThresholdChanged || d.NewVADThreshold != 0.05 {
		t.Errorf("vad diff = changed:%v new:%v, want changed:true new:0.05", d.VADThresholdChanged, d.NewVADThreshold)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}

	if got := w.Current(); got != r.new {
		t.Error("Current() does not return the config handed to onChange")
	}
}

func TestWatcher_RestartRequiredSection(t *testing.T) {
	t.Parallel()
	path, _, reloads := watchFile(t, baseYAML)

	rewrite(t, path, baseYAML+`
segmenter:
  max_sentences: 5
`, time.Second)

	r := awaitReload(t, reloads)
	d := config.Diff(r.old, r.new)
	if d.HotChanges() {
		t.Errorf("HotChanges() = true for %+v", d)
	}
	if !slices.Equal(d.RestartRequired, []string{"segmenter"}) {
		t.Errorf("RestartRequired = %v, want [segmenter]", d.RestartRequired)
	}
}

func TestWatcher_IgnoredEdits(t *testing.T) {
	tests := []struct {
		name string
		edit func(t *testing.T, path string)
	}{
		{
			name: "invalid log level",
			edit: func(t *testing.T, path string) {
				rewrite(t, path, "server:\n  log_level: bananas\n", time.Second)
			},
		},
		{
			name: "unknown field",
			edit: func(t *testing.T, path string) {
				rewrite(t, path, baseYAML+"speaker:\n  volume: 11\n", time.Second)
			},
		},
		{
			name: "malformed yaml",
			edit: func(t *testing.T, path string) {
				rewrite(t, path, "server: [\n", time.Second)
			},
		},
		{
			name: "touch only",
			edit: func(t *testing.T, path string) {
				touch(t, path, time.Second)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path, w, reloads := watchFile(t, baseYAML)
			before := w.Current()

			tt.edit(t, path)
			assertNoReload(t, reloads)

			if w.Current() != before {
				t.Error("Current() changed after an ignored edit")
			}
		})
	}
}

func TestWatcher_RecoversAfterInvalidEdit(t *testing.T) {
	t.Parallel()
	path, w, reloads := watchFile(t, baseYAML)

	rewrite(t, path, "server:\n  log_level: bananas\n", time.Second)
	assertNoReload(t, reloads)

	rewrite(t, path, strings.Replace(baseYAML, "log_level: info", "log_level: warn", 1), 2*time.Second)
	r := awaitReload(t, reloads)
	if r.old.Server.LogLevel != config.LogInfo {
		t.Errorf("old LogLevel = %q, want the last valid config (info)", r.old.Server.LogLevel)
	}
	if w.Current().Server.LogLevel != config.LogWarn {
		t.Errorf("Current().LogLevel = %q, want %q", w.Current().Server.LogLevel, config.LogWarn)
	}
}

func TestNewWatcher_InitialLoadErrors(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("server:\n  log_level: bananas\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{filepath.Join(dir, "missing.yaml"), invalid} {
		w, err := config.NewWatcher(path, nil, config.WithEnv(false))
		if err == nil {
			w.Stop()
			t.Errorf("NewWatcher(%s) error = nil, want error", filepath.Base(path))
		}
	}
}

func TestWatcher_StopTwice(t *testing.T) {
	t.Parallel()
	_, w, _ := watchFile(t, baseYAML)
	w.Stop()
	w.Stop()
}
