// Package playback schedules decoded audio chunks for gap-free,
// back-to-back playback against a monotonic output clock.
package playback

import (
	"log/slog"
	"sync"
	"time"
)

// Clock is a monotonic output clock in seconds. The zero point is
// arbitrary; only differences matter.
type Clock interface {
	Now() float64
}

type monotonicClock struct {
	start time.Time
}

func (c monotonicClock) Now() float64 { return time.Since(c.start).Seconds() }

// NewMonotonicClock returns a Clock anchored at the moment of creation.
func NewMonotonicClock() Clock {
	return monotonicClock{start: time.Now()}
}

// Chunk is one decoded audio payload.
type Chunk struct {
	Samples    []float32
	SampleRate int
}

// Duration is the chunk's playback length in seconds.
func (c Chunk) Duration() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(len(c.Samples)) / float64(c.SampleRate)
}

// Source is an in-flight playback unit. Stop must be safe to call after
// natural completion.
type Source interface {
	Stop()
}

// Renderer starts actual playback of a chunk at a committed clock time and
// reports natural completion through onEnded. onEnded may fire on any
// goroutine, including synchronously from Start for degenerate chunks.
type Renderer interface {
	Start(chunk Chunk, startAt float64, onEnded func()) (Source, error)
}

// Scheduler owns the next-available-start cursor and the registry of live
// sources. Membership in the live set is the sole authority for whether a
// chunk is still audible.
type Scheduler struct {
	clock    Clock
	renderer Renderer
	logger   *slog.Logger

	mu    sync.Mutex
	next  float64
	seq   int64
	live  map[int64]Source
	ended map[int64]bool
}

// NewScheduler wires a clock and a renderer. A nil logger falls back to
// slog.Default.
func NewScheduler(clock Clock, renderer Renderer, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		clock:    clock,
		renderer: renderer,
		logger:   logger,
		live:     make(map[int64]Source),
		ended:    make(map[int64]bool),
	}
}

// Enqueue schedules one chunk at max(cursor, now) and advances the cursor
// past it. Taking the later of the two self-heals after stream stalls:
// playback resumes immediately instead of racing through a stale backlog,
// while steady streams stay strictly ordered and gap-free. Zero-length
// chunks are a no-op. A renderer failure is isolated to its chunk.
func (s *Scheduler) Enqueue(samples []float32, sampleRate int) {
	chunk := Chunk{Samples: samples, SampleRate: sampleRate}
	if len(samples) == 0 || chunk.Duration() == 0 {
		return
	}

	s.mu.Lock()
	start := s.next
	if now := s.clock.Now(); now > start {
		start = now
	}
	end := start + chunk.Duration()
	s.next = end
	id := s.seq
	s.seq++
	s.mu.Unlock()

	src, err := s.renderer.Start(chunk, start, func() { s.remove(id) })
	if err != nil {
		s.logger.Warn("playback: skipping chunk, renderer failed", "err", err)
		s.mu.Lock()
		// Give the reserved slot back unless a later enqueue moved past it.
		if s.next == end {
			s.next = start
		}
		delete(s.ended, id)
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	if s.ended[id] {
		delete(s.ended, id)
	} else {
		s.live[id] = src
	}
	s.mu.Unlock()
}

func (s *Scheduler) remove(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[id]; ok {
		delete(s.live, id)
		return
	}
	// Ended before registration completed.
	s.ended[id] = true
}

// Live reports the number of scheduled-but-unfinished sources.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// StopAll forcibly stops every live source, clears the registry, and
// resets the cursor to zero. Used on disconnect and teardown only; muting
// suppresses new scheduling instead, so in-flight audio ends without click
// artifacts. Idempotent.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	sources := make([]Source, 0, len(s.live))
	for _, src := range s.live {
		sources = append(sources, src)
	}
	s.live = make(map[int64]Source)
	s.ended = make(map[int64]bool)
	s.next = 0
	s.mu.Unlock()

	for _, src := range sources {
		src.Stop()
	}
}
