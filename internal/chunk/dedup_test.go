package chunk

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/englishear/pkg/audio"
)

// fakeClock is a manually advanced clock.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func frag(id string, n int) audio.Fragment {
	return audio.Fragment{ID: id, Payload: make([]byte, n)}
}

// collector records forwarded fragments.
type collector struct{ got []audio.Fragment }

func (c *collector) add(f audio.Fragment) { c.got = append(c.got, f) }

func TestProcess_ForwardsOnce(t *testing.T) {
	t.Parallel()
	var c collector
	d := New(c.add)

	if err := d.Process(frag("a", 200)); err != nil {
		t.Fatalf("first Process: %v", err)
	}
	err := d.Process(frag("a", 200))
	if !errors.Is(err, ErrDuplicateChunk) {
		t.Fatalf("second Process = %v, want ErrDuplicateChunk", err)
	}
	if len(c.got) != 1 {
		t.Fatalf("forwarded %d fragments, want 1", len(c.got))
	}

	s := d.Stats()
	want := Stats{Received: 2, Duplicates: 1, Accepted: 1, Retained: 1}
	if s != want {
		t.Errorf("Stats = %+v, want %+v", s, want)
	}
}

func TestProcess_RejectsSmallPayload(t *testing.T) {
	t.Parallel()
	var c collector
	d := New(c.add)

	if err := d.Process(frag("tiny", 99)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("Process = %v, want ErrInvalidPayload", err)
	}
	if len(c.got) != 0 {
		t.Fatal("invalid fragment was forwarded")
	}
	// Validation does not mark the id, so a valid retry with the same id passes.
	if err := d.Process(frag("tiny", 100)); err != nil {
		t.Fatalf("retry Process: %v", err)
	}
	s := d.Stats()
	if s.Invalid != 1 || s.Accepted != 1 || s.Duplicates != 0 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestProcess_DuplicateCheckedBeforeValidity(t *testing.T) {
	t.Parallel()
	d := New(nil)
	_ = d.Process(frag("x", 150))

	if err := d.Process(frag("x", 1)); !errors.Is(err, ErrDuplicateChunk) {
		t.Fatalf("Process = %v, want ErrDuplicateChunk", err)
	}
	if s := d.Stats(); s.Invalid != 0 || s.Duplicates != 1 {
		t.Errorf("Stats = %+v", s)
	}
}

func TestProcess_RejectsMissingID(t *testing.T) {
	t.Parallel()
	d := New(nil)
	if err := d.Process(frag("", 500)); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("Process = %v, want ErrInvalidPayload", err)
	}
}

func TestProcess_PreservesArrivalOrder(t *testing.T) {
	t.Parallel()
	var c collector
	d := New(c.add)
	for i := range 20 {
		_ = d.Process(frag(fmt.Sprintf("f%02d", i), 120))
	}
	for i, f := range c.got {
		if want := fmt.Sprintf("f%02d", i); f.ID != want {
			t.Fatalf("forwarded[%d] = %s, want %s", i, f.ID, want)
		}
	}
}

func TestProcess_StampsReceivedAt(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Unix(1000, 0)}
	var c collector
	d := New(c.add, WithClock(clk.Now))

	_ = d.Process(frag("a", 120))
	if !c.got[0].ReceivedAt.Equal(clk.t) {
		t.Errorf("ReceivedAt = %v, want %v", c.got[0].ReceivedAt, clk.t)
	}
}

func TestRetention_PrunesOnlyOldEntriesPastCap(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Unix(0, 0)}
	d := New(nil, WithClock(clk.Now), WithRetention(5, time.Minute))

	for i := range 5 {
		_ = d.Process(frag(fmt.Sprintf("old%d", i), 120))
	}
	clk.Advance(2 * time.Minute)

	// Still at the cap: nothing is pruned even though the entries are old.
	if got := d.Stats().Retained; got != 5 {
		t.Fatalf("Retained = %d, want 5", got)
	}

	// The sixth entry exceeds the cap and prunes everything older than a minute.
	_ = d.Process(frag("new", 120))
	if got := d.Stats().Retained; got != 1 {
		t.Fatalf("Retained = %d, want 1", got)
	}

	// A pruned id is forgotten and may be forwarded again.
	if err := d.Process(frag("old0", 120)); err != nil {
		t.Errorf("Process(old0) after prune = %v, want nil", err)
	}
}

func TestRetention_KeepsRecentEntriesPastCap(t *testing.T) {
	t.Parallel()
	clk := &fakeClock{t: time.Unix(0, 0)}
	d := New(nil, WithClock(clk.Now), WithRetention(3, time.Minute))

	for i := range 10 {
		clk.Advance(time.Second)
		_ = d.Process(frag(fmt.Sprintf("r%d", i), 120))
	}
	if got := d.Stats().Retained; got != 10 {
		t.Errorf("Retained = %d, want 10 (all within ttl)", got)
	}
	if err := d.Process(frag("r3", 120)); !errors.Is(err, ErrDuplicateChunk) {
		t.Errorf("recent id was forgotten: %v", err)
	}
}
