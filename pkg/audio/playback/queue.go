package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/englishear/internal/observe"
	"github.com/MrWong99/englishear/pkg/audio"
	"github.com/MrWong99/englishear/pkg/audio/wav"
)

// ErrQueueClosed is returned by [Queue.Enqueue] after [Queue.Close].
var ErrQueueClosed = errors.New("playback: queue closed")

// Default pacing gaps by cadence class of the task that just finished.
const (
	DefaultSentenceGap = 300 * time.Millisecond
	DefaultPhraseGap   = 150 * time.Millisecond
	DefaultGap         = 50 * time.Millisecond
)

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithGaps overrides the pacing gaps inserted after sentence-end, phrase-end
// and other tasks. Zero disables the corresponding gap.
func WithGaps(sentence, phrase, other time.Duration) Option {
	return func(q *Queue) {
		q.gaps[CadenceSentenceEnd] = sentence
		q.gaps[CadencePhraseEnd] = phrase
		q.gaps[CadenceNone] = other
	}
}

// WithBacklog caps the number of waiting tasks accepted by [Queue.TryEnqueue].
// Zero means unbounded. [Queue.Enqueue] ignores the cap.
func WithBacklog(n int) Option {
	return func(q *Queue) {
		if n >= 0 {
			q.backlog = n
		}
	}
}

// WithMetrics records playback counters and the queue depth gauge.
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		q.log = l
	}
}

// Queue serialises playback against one [audio.Sink]. At most one Play call is
// ever outstanding: the busy flag covers both the sink playing and the pacing
// gap that follows it. A failed task is logged and abandoned and the next task
// starts without a gap.
//
// [Queue.Stop] abandons the in-flight wait immediately; it never waits for the
// sink to acknowledge.
//
// All exported methods are safe for concurrent use.
type Queue struct {
	sink    audio.Sink
	format  audio.Format
	gaps    [3]time.Duration
	backlog int
	metrics *observe.Metrics
	log     *slog.Logger

	mu      sync.Mutex
	queue   []Task
	busy    bool
	paused  bool
	cancel  chan struct{} // closed to abandon the current task or gap
	closed  bool
	played  uint64
	failed  uint64
	stopped uint64

	notify chan struct{} // signalled on enqueue and resume
	done   chan struct{} // closed by Close
	exited chan struct{} // closed when dispatch returns
}

// New creates a [Queue] that owns sink and plays PCM in format. The dispatch
// goroutine starts immediately; call [Queue.Close] to stop it.
func New(sink audio.Sink, format audio.Format, opts ...Option) *Queue {
	q := &Queue{
		sink:   sink,
		format: format,
		gaps: [3]time.Duration{
			CadenceNone:        DefaultGap,
			CadencePhraseEnd:   DefaultPhraseGap,
			CadenceSentenceEnd: DefaultSentenceGap,
		},
		log:    slog.Default(),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	go q.dispatch()
	return q
}

// Enqueue appends task to the queue. If nothing is playing it starts at once.
func (q *Queue) Enqueue(task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}
	q.pushLocked(task)
	return nil
}

// TryEnqueue appends task unless the queue is closed or the backlog configured
// with [WithBacklog] is full. It reports whether the task was accepted.
func (q *Queue) TryEnqueue(task Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || (q.backlog > 0 && len(q.queue) >= q.backlog) {
		return false
	}
	q.pushLocked(task)
	return true
}

func (q *Queue) pushLocked(task Task) {
	q.queue = append(q.queue, task)
	q.depth(1)
	q.wake()
}

// Stop clears the queue, abandons the in-flight playback or gap and halts the
// sink. It returns the number of waiting tasks that were discarded.
func (q *Queue) Stop() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.queue)
	q.queue = nil
	q.depth(-int64(n))
	if q.cancel != nil {
		close(q.cancel)
		q.cancel = nil
	}
	// Sinks must return from Stop without waiting for the device, so holding
	// the lock here keeps a Play racing with Stop from surviving it.
	if err := q.sink.Stop(); err != nil {
		q.log.Warn("playback: sink stop failed", "err", err)
	}
	return n
}

// Pause pauses the sink and holds the queue: the current task stays pending in
// the sink and no new task starts until [Queue.Resume].
func (q *Queue) Pause() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return nil
	}
	q.paused = true
	return q.sink.Pause()
}

// Resume resumes the sink and lets the queue continue in order.
func (q *Queue) Resume() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.paused {
		return nil
	}
	q.paused = false
	err := q.sink.Resume()
	q.wake()
	return err
}

// Len returns the number of tasks waiting, excluding the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Busy reports whether a task is playing or its pacing gap is running.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

// Stats is a snapshot of the queue counters.
type Stats struct {
	Played  uint64
	Failed  uint64
	Stopped uint64
	Pending int
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Played: q.played, Failed: q.failed, Stopped: q.stopped, Pending: len(q.queue)}
}

// Close stops playback, discards waiting tasks and stops the dispatch
// goroutine. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.Stop()
	close(q.done)
	<-q.exited
	return nil
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) depth(n int64) {
	if q.metrics != nil && n != 0 {
		q.metrics.PlaybackQueueDepth.Add(context.Background(), n)
	}
}

// dispatch pulls tasks from the queue and plays them one at a time until
// Close.
func (q *Queue) dispatch() {
	defer close(q.exited)

	gapTimer := time.NewTimer(0)
	if !gapTimer.Stop() {
		<-gapTimer.C
	}
	defer gapTimer.Stop()

	for {
		select {
		case <-q.done:
			return
		case <-q.notify:
		}

		for {
			task, cancel, ok := q.dequeue()
			if !ok {
				break
			}

			status := q.play(task, cancel)
			if status == statusPlayed {
				if gap := q.gaps[task.Cadence]; gap > 0 {
					gapTimer.Reset(gap)
					select {
					case <-q.done:
						gapTimer.Stop()
						q.finish(cancel)
						return
					case <-cancel:
						if !gapTimer.Stop() {
							<-gapTimer.C
						}
					case <-gapTimer.C:
					}
				}
			}
			q.finish(cancel)
		}
	}
}

// dequeue pops the oldest task and marks the queue busy. Returns ok=false when
// the queue is empty, paused or closed.
func (q *Queue) dequeue() (Task, chan struct{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.queue) == 0 || q.paused || q.closed {
		return Task{}, nil, false
	}
	task := q.queue[0]
	q.queue[0] = Task{}
	q.queue = q.queue[1:]
	q.depth(-1)

	cancel := make(chan struct{})
	q.cancel = cancel
	q.busy = true
	return task, cancel, true
}

// finish clears the busy flag after a task and its gap are over.
func (q *Queue) finish(cancel chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel == cancel {
		q.cancel = nil
	}
	q.busy = false
}

type playStatus int

const (
	statusPlayed playStatus = iota
	statusFailed
	statusStopped
)

func (s playStatus) String() string {
	switch s {
	case statusPlayed:
		return "played"
	case statusFailed:
		return "failed"
	default:
		return "stopped"
	}
}

// play hands task to the sink and waits for completion or cancellation.
func (q *Queue) play(task Task, cancel chan struct{}) playStatus {
	buf := wav.Encode(task.Audio, q.format.SampleRate, q.format.Channels, q.format.BitsPerSample)
	start := time.Now()

	q.mu.Lock()
	select {
	case <-cancel:
		q.mu.Unlock()
		return q.record(task, statusStopped, start)
	default:
	}
	doneCh, err := q.sink.Play(buf)
	q.mu.Unlock()

	if err != nil {
		q.log.Warn("playback: sink rejected task", "sentence_id", task.SentenceID, "bytes", len(task.Audio), "err", err)
		return q.record(task, statusFailed, start)
	}

	select {
	case <-cancel:
		return q.record(task, statusStopped, start)
	case <-q.done:
		return q.record(task, statusStopped, start)
	case err := <-doneCh:
		switch {
		case errors.Is(err, audio.ErrStopped):
			return q.record(task, statusStopped, start)
		case err != nil:
			q.log.Warn("playback: task failed", "sentence_id", task.SentenceID, "bytes", len(task.Audio), "err", err)
			return q.record(task, statusFailed, start)
		}
		return q.record(task, statusPlayed, start)
	}
}

func (q *Queue) record(task Task, status playStatus, start time.Time) playStatus {
	q.mu.Lock()
	switch status {
	case statusPlayed:
		q.played++
	case statusFailed:
		q.failed++
	case statusStopped:
		q.stopped++
	}
	q.mu.Unlock()

	q.log.Debug("playback: task finished",
		"status", status.String(),
		"cadence", task.Cadence.String(),
		"sentence_id", task.SentenceID,
		"duration", time.Since(start),
	)
	if q.metrics != nil {
		ctx := context.Background()
		q.metrics.RecordPlayback(ctx, task.Cadence.String(), status.String())
		if status == statusPlayed {
			q.metrics.PlaybackDuration.Record(ctx, time.Since(start).Seconds())
		}
	}
	return status
}
