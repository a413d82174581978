package filesink

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/MrWong99/englishear/pkg/audio"
	"github.com/MrWong99/englishear/pkg/audio/wav"
)

// Option configures a [File] sink.
type Option func(*File)

// WithPrefix sets the file name prefix. The default is "utterance-".
func WithPrefix(prefix string) Option {
	return func(f *File) { f.prefix = prefix }
}

// WithPacing makes the sink complete each buffer after its real playback
// duration instead of immediately after writing it.
func WithPacing() Option {
	return func(f *File) { f.pacer = NewDiscard() }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(f *File) { f.logger = l }
}

// File writes every played buffer to dir as a numbered .wav file.
type File struct {
	dir    string
	prefix string
	pacer  *Discard
	logger *slog.Logger

	mu    sync.Mutex
	seq   int
	paths []string
}

var _ audio.Sink = (*File)(nil)

// NewFile creates dir if needed and returns a sink writing into it.
func NewFile(dir string, opts ...Option) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("filesink: directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("filesink: create %s: %w", dir, err)
	}
	f := &File{dir: dir, prefix: "utterance-", logger: slog.Default()}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Play implements audio.Sink.
func (f *File) Play(buf []byte) (<-chan error, error) {
	if _, _, err := wav.Parse(buf); err != nil {
		return nil, fmt.Errorf("filesink: %w", err)
	}

	f.mu.Lock()
	f.seq++
	path := filepath.Join(f.dir, fmt.Sprintf("%s%04d.wav", f.prefix, f.seq))
	f.mu.Unlock()

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return nil, fmt.Errorf("filesink: write %s: %w", path, err)
	}
	f.logger.Debug("filesink: wrote buffer", "path", path, "bytes", len(buf))

	f.mu.Lock()
	f.paths = append(f.paths, path)
	f.mu.Unlock()

	if f.pacer != nil {
		return f.pacer.Play(buf)
	}
	return audio.Done(nil), nil
}

// Paths returns the files written so far, oldest first.
func (f *File) Paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

// Stop implements audio.Sink.
func (f *File) Stop() error {
	if f.pacer != nil {
		return f.pacer.Stop()
	}
	return nil
}

// Pause implements audio.Sink.
func (f *File) Pause() error {
	if f.pacer != nil {
		return f.pacer.Pause()
	}
	return nil
}

// Resume implements audio.Sink.
func (f *File) Resume() error {
	if f.pacer != nil {
		return f.pacer.Resume()
	}
	return nil
}
