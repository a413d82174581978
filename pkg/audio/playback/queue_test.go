package playback_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/englishear/pkg/audio"
	"github.com/MrWong99/englishear/pkg/audio/mock"
	"github.com/MrWong99/englishear/pkg/audio/playback"
	"github.com/MrWong99/englishear/pkg/audio/wav"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func task(b byte, c playback.Cadence) playback.Task {
	return playback.Task{Audio: bytes.Repeat([]byte{b}, 8), Cadence: c}
}

func newQueue(t *testing.T, sink audio.Sink, opts ...playback.Option) *playback.Queue {
	t.Helper()
	q := playback.New(sink, audio.DefaultFormat(), opts...)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestEnqueue_WrapsInWAV(t *testing.T) {
	t.Parallel()
	sink := &mock.Sink{}
	q := newQueue(t, sink, playback.WithGaps(0, 0, 0))

	pcm := []byte{1, 2, 3, 4}
	if err := q.Enqueue(playback.Task{Audio: pcm}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "one play", func() bool { return sink.PlayCount() == 1 })

	got := sink.PlayedBuffers()[0]
	want := wav.Encode(pcm, audio.DefaultSampleRate, audio.DefaultChannels, audio.DefaultBitsPerSample)
	if !bytes.Equal(got, want) {
		t.Errorf("sink received %v, want %v", got, want)
	}
}

func TestFIFOOrder_NoOverlap(t *testing.T) {
	t.Parallel()
	sink := &mock.Sink{PlayDuration: 3 * time.Millisecond}
	q := newQueue(t, sink, playback.WithGaps(0, 0, 0))

	for i := range 10 {
		if err := q.Enqueue(task(byte(i), playback.CadenceNone)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	waitFor(t, "ten plays", func() bool { return sink.PlayCount() == 10 })

	for i, buf := range sink.PlayedBuffers() {
		if buf[wav.HeaderSize] != byte(i) {
			t.Errorf("play %d carried task %d", i, buf[wav.HeaderSize])
		}
	}
	if got := sink.MaxInFlight(); got != 1 {
		t.Errorf("max in-flight plays = %d, want 1", got)
	}
}

func TestCadenceGaps(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		cadence playback.Cadence
		minGap  time.Duration
	}{
		{"sentence end", playback.CadenceSentenceEnd, 60 * time.Millisecond},
		{"phrase end", playback.CadencePhraseEnd, 30 * time.Millisecond},
		{"none", playback.CadenceNone, 10 * time.Millisecond},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sink := &mock.Sink{}
			q := newQueue(t, sink, playback.WithGaps(60*time.Millisecond, 30*time.Millisecond, 10*time.Millisecond))

			_ = q.Enqueue(task(1, tc.cadence))
			_ = q.Enqueue(task(2, playback.CadenceNone))
			waitFor(t, "two plays", func() bool { return sink.PlayCount() == 2 })

			at := sink.PlayTimes()
			gap := at[1].Sub(at[0])
			if gap < tc.minGap {
				t.Errorf("gap = %v, want >= %v", gap, tc.minGap)
			}
		})
	}
}

func TestFailedTask_NoGapAndContinues(t *testing.T) {
	t.Parallel()
	sink := &mock.Sink{DoneErr: errors.New("device gone")}
	q := newQueue(t, sink, playback.WithGaps(time.Hour, time.Hour, time.Hour))

	_ = q.Enqueue(task(1, playback.CadenceSentenceEnd))
	_ = q.Enqueue(task(2, playback.CadenceSentenceEnd))
	waitFor(t, "both tasks attempted", func() bool { return sink.PlayCount() == 2 })
	waitFor(t, "failures counted", func() bool { return q.Stats().Failed == 2 })
}

func TestRejectedTask_Continues(t *testing.T) {
	t.Parallel()
	sink := &mock.Sink{PlayErr: errors.New("busy")}
	q := newQueue(t, sink)

	_ = q.Enqueue(task(1, playback.CadenceNone))
	_ = q.Enqueue(task(2, playback.CadenceNone))
	waitFor(t, "both tasks attempted", func() bool { return sink.PlayCount() == 2 })
	if q.Stats().Played != 0 {
		t.Errorf("played = %d, want 0", q.Stats().Played)
	}
}

func TestStop_ClearsQueueAndAbandonsWait(t *testing.T) {
	t.Parallel()
	sink := &mock.Sink{Hold: true}
	q := newQueue(t, sink)

	for i := range 4 {
		_ = q.Enqueue(task(byte(i), playback.CadenceNone))
	}
	waitFor(t, "first play", func() bool { return sink.PlayCount() == 1 })

	if n := q.Stop(); n != 3 {
		t.Errorf("Stop discarded %d tasks, want 3", n)
	}
	if sink.Stops() != 1 {
		t.Errorf("sink stops = %d, want 1", sink.Stops())
	}
	waitFor(t, "queue idle", func() bool { return !q.Busy() })
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}

	// The queue keeps working after a stop.
	sink.Finish(nil)
	_ = q.Enqueue(task(9, playback.CadenceNone))
	waitFor(t, "play after stop", func() bool { return sink.PlayCount() == 2 })
}

func TestStop_DuringGap(t *testing.T) {
	t.Parallel()
	sink := &mock.Sink{}
	q := newQueue(t, sink, playback.WithGaps(time.Hour, time.Hour, time.Hour))

	_ = q.Enqueue(task(1, playback.CadenceSentenceEnd))
	waitFor(t, "first play", func() bool { return sink.PlayCount() == 1 })
	waitFor(t, "gap running", func() bool { return q.Stats().Played == 1 })

	q.Stop()
	waitFor(t, "gap abandoned", func() bool { return !q.Busy() })

	_ = q.Enqueue(task(2, playback.CadenceNone))
	waitFor(t, "next play", func() bool { return sink.PlayCount() == 2 })
}

func TestPauseResume_KeepsOrder(t *testing.T) {
	t.Parallel()
	sink := &mock.Sink{}
	q := newQueue(t, sink, playback.WithGaps(0, 0, 0))

	if err := q.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	_ = q.Enqueue(task(1, playback.CadenceNone))
	_ = q.Enqueue(task(2, playback.CadenceNone))
	time.Sleep(20 * time.Millisecond)
	if sink.PlayCount() != 0 {
		t.Fatalf("played %d tasks while paused", sink.PlayCount())
	}
	if q.Len() != 2 {
		t.Fatalf("Len = %d, want 2", q.Len())
	}

	if err := q.Resume(); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	waitFor(t, "two plays", func() bool { return sink.PlayCount() == 2 })
	bufs := sink.PlayedBuffers()
	if bufs[0][wav.HeaderSize] != 1 || bufs[1][wav.HeaderSize] != 2 {
		t.Error("pause/resume changed queue order")
	}
	if sink.CallCountPause != 1 || sink.CallCountResume != 1 {
		t.Errorf("pause/resume calls = %d/%d, want 1/1", sink.CallCountPause, sink.CallCountResume)
	}
}

func TestTryEnqueue_Backlog(t *testing.T) {
	t.Parallel()
	sink := &mock.Sink{Hold: true}
	q := newQueue(t, sink, playback.WithBacklog(2))

	if !q.TryEnqueue(task(0, playback.CadenceNone)) {
		t.Fatal("first TryEnqueue rejected")
	}
	waitFor(t, "first play", func() bool { return sink.PlayCount() == 1 })

	if !q.TryEnqueue(task(1, playback.CadenceNone)) || !q.TryEnqueue(task(2, playback.CadenceNone)) {
		t.Fatal("TryEnqueue rejected within backlog")
	}
	if q.TryEnqueue(task(3, playback.CadenceNone)) {
		t.Error("TryEnqueue accepted beyond backlog")
	}
	if err := q.Enqueue(task(4, playback.CadenceNone)); err != nil {
		t.Errorf("Enqueue ignored backlog but failed: %v", err)
	}
}

func TestClose(t *testing.T) {
	t.Parallel()
	sink := &mock.Sink{Hold: true}
	q := playback.New(sink, audio.DefaultFormat())

	_ = q.Enqueue(task(1, playback.CadenceNone))
	waitFor(t, "first play", func() bool { return sink.PlayCount() == 1 })

	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := q.Enqueue(task(2, playback.CadenceNone)); !errors.Is(err, playback.ErrQueueClosed) {
		t.Errorf("Enqueue after Close = %v, want ErrQueueClosed", err)
	}
	if q.TryEnqueue(task(3, playback.CadenceNone)) {
		t.Error("TryEnqueue accepted after Close")
	}
}

func TestConcurrentEnqueue(t *testing.T) {
	t.Parallel()
	sink := &mock.Sink{PlayDuration: time.Millisecond}
	q := newQueue(t, sink, playback.WithGaps(0, 0, 0))

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = q.Enqueue(task(byte(i), playback.CadenceNone))
		}()
	}
	wg.Wait()
	waitFor(t, "all plays", func() bool { return sink.PlayCount() == 20 })
	if got := sink.MaxInFlight(); got != 1 {
		t.Errorf("max in-flight plays = %d, want 1", got)
	}
}

func TestCadence_String(t *testing.T) {
	tests := map[playback.Cadence]string{
		playback.CadenceNone:        "none",
		playback.CadencePhraseEnd:   "phrase_end",
		playback.CadenceSentenceEnd: "sentence_end",
		playback.Cadence(99):        "unknown",
	}
	for c, want := range tests {
		if got := c.String(); got != want {
			t.Errorf("Cadence(%d).String() = %q, want %q", int(c), got, want)
		}
	}
}
