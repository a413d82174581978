package segment

import (
	"bytes"
	"sync"
	"testing"

	"github.com/MrWong99/englishear/pkg/audio/playback"
)

// fakeQueue records delivered tasks. When full is set TryEnqueue refuses.
type fakeQueue struct {
	mu    sync.Mutex
	tasks []playback.Task
	full  bool
}

func (q *fakeQueue) Enqueue(t playback.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, t)
	return nil
}

func (q *fakeQueue) TryEnqueue(t playback.Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return false
	}
	q.tasks = append(q.tasks, t)
	return true
}

func (q *fakeQueue) setFull(full bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.full = full
}

func (q *fakeQueue) delivered() []playback.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]playback.Task, len(q.tasks))
	copy(out, q.tasks)
	return out
}

func pcm(b byte) []byte { return bytes.Repeat([]byte{b, 0}, 4) }

func TestAppend_SentenceEnd(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	s := New(q)

	s.Append("Hello ", pcm(1))
	if len(q.delivered()) != 0 {
		t.Fatal("emitted before a boundary")
	}
	s.Append("world.", pcm(2))

	got := q.delivered()
	if len(got) != 1 {
		t.Fatalf("delivered %d tasks, want 1", len(got))
	}
	if got[0].Cadence != playback.CadenceSentenceEnd {
		t.Errorf("cadence = %v, want sentence_end", got[0].Cadence)
	}
	if got[0].Text != "Hello world." {
		t.Errorf("text = %q, want %q", got[0].Text, "Hello world.")
	}
	if len(got[0].Audio) != 16 {
		t.Errorf("audio = %d bytes, want both segments combined (16)", len(got[0].Audio))
	}
	if got[0].SentenceID != 1 {
		t.Errorf("sentence id = %d, want 1", got[0].SentenceID)
	}
}

func TestAppend_PhraseThenSentence(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	s := New(q, WithShaping(false))

	s.Append("W", pcm(1))
	s.Append("a", pcm(2))
	s.Append("i", pcm(3))
	s.Append("t, ", pcm(4))
	s.Append("please.", pcm(5))

	got := q.delivered()
	if len(got) != 2 {
		t.Fatalf("delivered %d tasks, want 2", len(got))
	}
	if got[0].Cadence != playback.CadencePhraseEnd || got[0].Text != "Wait, " {
		t.Errorf("first = %v %q, want phrase_end %q", got[0].Cadence, got[0].Text, "Wait, ")
	}
	wantPhrase := bytes.Join([][]byte{pcm(1), pcm(2), pcm(3), pcm(4)}, nil)
	if !bytes.Equal(got[0].Audio, wantPhrase) {
		t.Error("phrase audio is not the unshaped buffered segments")
	}
	if got[1].Cadence != playback.CadenceSentenceEnd || got[1].Text != "please." {
		t.Errorf("second = %v %q, want sentence_end %q", got[1].Cadence, got[1].Text, "please.")
	}
	if !bytes.Equal(got[1].Audio, pcm(5)) {
		t.Error("sentence audio should only hold segments after the phrase")
	}
	if got[0].SentenceID != got[1].SentenceID {
		t.Errorf("phrase and sentence ids differ: %d vs %d", got[0].SentenceID, got[1].SentenceID)
	}
}

func TestAppend_AudioOnlyAfterComma(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	s := New(q, WithShaping(false))

	for i, text := range []string{"Wa", "it", ",", " "} {
		s.Append(text, pcm(byte(i+1)))
	}
	// Realtime deltas usually carry audio with no transcript.
	for i := range 8 {
		s.Append("", pcm(byte(10+i)))
	}
	s.Append("please.", pcm(20))

	got := q.delivered()
	if len(got) != 2 {
		t.Fatalf("delivered %d tasks, want one phrase and one sentence: %+v", len(got), got)
	}
	if got[0].Cadence != playback.CadencePhraseEnd || got[0].Text != "Wait, " {
		t.Errorf("first = %v %q, want phrase_end %q", got[0].Cadence, got[0].Text, "Wait, ")
	}
	if got[1].Cadence != playback.CadenceSentenceEnd || got[1].Text != "please." {
		t.Errorf("second = %v %q, want sentence_end %q", got[1].Cadence, got[1].Text, "please.")
	}
	if n := len(got[1].Audio) / len(pcm(0)); n != 9 {
		t.Errorf("sentence holds %d segments, want the 8 audio-only ones plus its own", n)
	}
	if st := s.Stats(); st.Phrases != 1 {
		t.Errorf("Stats().Phrases = %d, want 1", st.Phrases)
	}
}

func TestAppend_SoftBoundaryNeedsSegments(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	s := New(q)

	s.Append("Wait, ", pcm(1))
	if n := len(q.delivered()); n != 0 {
		t.Fatalf("delivered %d tasks on a lone soft boundary, want 0", n)
	}
	s.Append("please.", pcm(2))
	got := q.delivered()
	if len(got) != 1 || got[0].Text != "Wait, please." {
		t.Fatalf("got %+v, want one sentence %q", got, "Wait, please.")
	}
}

func TestAppend_IncrementsSentenceID(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	s := New(q)

	s.Append("One.", pcm(1))
	s.Append("Two.", pcm(2))
	s.Append("Three?", pcm(3))

	got := q.delivered()
	for i, task := range got {
		if task.SentenceID != uint64(i+1) {
			t.Errorf("task %d id = %d, want %d", i, task.SentenceID, i+1)
		}
	}
}

func TestRetention_PrunesOldestWhenQueueFull(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{full: true}
	s := New(q)

	for i := range 5 {
		s.Append("Sentence.", pcm(byte(i+1)))
	}
	st := s.Stats()
	if st.Retained != DefaultMaxSentences {
		t.Fatalf("Retained = %d, want %d", st.Retained, DefaultMaxSentences)
	}
	if st.Pruned != 2 {
		t.Fatalf("Pruned = %d, want 2", st.Pruned)
	}

	q.setFull(false)
	if n := s.Pump(); n != 3 {
		t.Fatalf("Pump delivered %d, want 3", n)
	}
	got := q.delivered()
	for i, task := range got {
		if want := uint64(i + 3); task.SentenceID != want {
			t.Errorf("delivered[%d] id = %d, want %d", i, task.SentenceID, want)
		}
	}
	if s.Stats().Retained != 0 {
		t.Errorf("Retained after pump = %d, want 0", s.Stats().Retained)
	}
}

func TestPump_KeepsOrderAcrossRefusals(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	s := New(q)

	s.Append("First.", pcm(1))
	q.setFull(true)
	s.Append("Second.", pcm(2))
	if s.Pump() != 0 {
		t.Fatal("Pump delivered into a full queue")
	}
	q.setFull(false)
	s.Pump()

	got := q.delivered()
	if len(got) != 2 || got[0].Text != "First." || got[1].Text != "Second." {
		t.Fatalf("delivered %+v", got)
	}
}

func TestFlush_ClosesOpenSentence(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	s := New(q)

	s.Append("no punctuation here", pcm(1))
	s.Flush()

	got := q.delivered()
	if len(got) != 1 {
		t.Fatalf("delivered %d tasks, want 1", len(got))
	}
	if got[0].Cadence != playback.CadenceSentenceEnd {
		t.Errorf("cadence = %v, want sentence_end", got[0].Cadence)
	}

	// The next fragment starts a new sentence.
	s.Append("Next.", pcm(2))
	got = q.delivered()
	if got[1].SentenceID != got[0].SentenceID+1 {
		t.Errorf("sentence id after flush = %d, want %d", got[1].SentenceID, got[0].SentenceID+1)
	}
}

func TestFlush_BypassesBacklog(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{full: true}
	s := New(q)

	s.Append("One.", pcm(1))
	s.Append("Two", pcm(2))
	s.Flush()

	if n := len(q.delivered()); n != 2 {
		t.Fatalf("delivered %d tasks, want 2", n)
	}
	if s.Stats().Retained != 0 {
		t.Error("sentences retained after flush")
	}
}

func TestFlush_TextOnlySentence(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	s := New(q)

	s.Append("just text", nil)
	s.Flush()
	if n := len(q.delivered()); n != 0 {
		t.Errorf("delivered %d tasks for a sentence without audio, want 0", n)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{full: true}
	s := New(q)

	s.Append("Done.", pcm(1))
	s.Append("open", pcm(2))
	if n := s.Clear(); n != 2 {
		t.Errorf("Clear = %d, want 2", n)
	}
	q.setFull(false)
	s.Flush()
	if n := len(q.delivered()); n != 0 {
		t.Errorf("delivered %d tasks after Clear, want 0", n)
	}
}

func TestWithClassifier(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	s := New(q, WithClassifier(ClassifierFunc(func(text string) Boundary {
		if len(text) >= 3 {
			return BoundaryStrong
		}
		return BoundaryNone
	})))

	s.Append("ab", pcm(1))
	s.Append("c", pcm(2))
	if n := len(q.delivered()); n != 1 {
		t.Errorf("delivered %d tasks, want 1", n)
	}
}
