package retry

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type (
	// Record is the unit of data the scheduler tracks: an application
	// record plus the two mutable retry fields described by the core's
	// data model (tryCount and firstAttemptAt).
	Record[T any] struct {
		Value          T
		TryCount       uint32
		FirstAttemptAt time.Time
	}

	// Algorithm selects the backoff policy applied between attempts.
	Algorithm int

	// Config configures a Scheduler. See NewScheduler.
	Config struct {
		// MaxTries caps the number of attempts a record may receive before
		// Expiration is invoked and the record is discarded. 0 means no
		// limit.
		MaxTries uint32
		// RetryDelay is the base delay: the fixed delay under Fixed, and
		// the per-attempt multiplicand under Exponential.
		RetryDelay time.Duration
		// MaxRetryDelay caps the delay computed under Exponential. Ignored
		// under Fixed.
		MaxRetryDelay time.Duration
		// Algorithm selects Fixed or Exponential.
		Algorithm Algorithm
		// Clock is used for all timing decisions, allowing deterministic
		// control in tests. Defaults to clock.New(), the real wall clock.
		Clock clock.Clock
	}

	// Scheduler holds records awaiting their next retry attempt, ordered by
	// nextAttemptAt, and re-dispatches them via the dispatch callback given
	// to NewScheduler once that time is reached.
	Scheduler[T any] struct {
		cfg      Config
		dispatch func(originalKey uint64, rec Record[T])
		expire   func(originalKey uint64, rec Record[T])
		onPanic  func(err error)

		reqCh  chan request[T]
		stopCh chan struct{}
		doneCh chan struct{}
		once   sync.Once

		mu      sync.Mutex
		size    int
		pending []*item[T]
	}

	request[T any] struct {
		key  uint64
		rec  Record[T]
		done chan struct{}
	}

	item[T any] struct {
		key           uint64
		rec           Record[T]
		nextAttemptAt time.Time
		index         int
	}

	itemHeap[T any] []*item[T]
)

const (
	// Fixed retries after a constant RetryDelay.
	Fixed Algorithm = iota
	// Exponential retries after min(MaxRetryDelay, RetryDelay*2^tryCount).
	Exponential
)

func (h itemHeap[T]) Len() int { return len(h) }
func (h itemHeap[T]) Less(i, j int) bool {
	if !h[i].nextAttemptAt.Equal(h[j].nextAttemptAt) {
		return h[i].nextAttemptAt.Before(h[j].nextAttemptAt)
	}
	return h[i].key < h[j].key
}
func (h itemHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *itemHeap[T]) Push(x any) {
	it := x.(*item[T])
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap[T]) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// NewScheduler constructs a Scheduler. dispatch is invoked, on the
// timekeeper goroutine, once a record's delay has elapsed; expire is
// invoked when a record has exhausted MaxTries. Both are called
// synchronously from the timekeeper loop, so they must not block or
// re-enter the Scheduler. onPanic, if non-nil, is invoked (with the
// timekeeper's panic recovered) if the timekeeper goroutine panics -
// e.g. from within dispatch or expire - so the owning orchestrator can
// still shut down cleanly instead of losing the goroutine silently.
func NewScheduler[T any](cfg Config, dispatch func(originalKey uint64, rec Record[T]), expire func(originalKey uint64, rec Record[T]), onPanic func(err error)) *Scheduler[T] {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Scheduler[T]{
		cfg:      cfg,
		dispatch: dispatch,
		expire:   expire,
		onPanic:  onPanic,
		reqCh:    make(chan request[T]),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start launches the timekeeper goroutine.
func (s *Scheduler[T]) Start() {
	go s.run()
}

// Stop halts the timekeeper and drains any pending records, invoking drain
// for each - used on orchestrator shutdown to persist pending retries back
// to the spill store with their tryCount intact.
func (s *Scheduler[T]) Stop(drain func(originalKey uint64, rec Record[T])) {
	s.once.Do(func() { close(s.stopCh) })
	<-s.doneCh

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.pending {
		drain(it.key, it.rec)
	}
	s.pending = nil
	s.size = 0
}

// pending is only accessed from the timekeeper goroutine while running, and
// from Stop after the timekeeper has exited (synchronized via doneCh).
func (s *Scheduler[T]) run() {
	defer close(s.doneCh)
	defer func() {
		if r := recover(); r != nil && s.onPanic != nil {
			s.onPanic(fmt.Errorf("retry: timekeeper panic: %v", r))
		}
	}()

	var h itemHeap[T]
	heap.Init(&h)

	timer := s.cfg.Clock.Timer(time.Hour)
	defer timer.Stop()
	armed := false

	rearm := func() {
		if armed {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			armed = false
		}
		if h.Len() == 0 {
			return
		}
		d := h[0].nextAttemptAt.Sub(s.cfg.Clock.Now())
		if d < 0 {
			d = 0
		}
		timer.Reset(d)
		armed = true
	}

	syncPending := func() {
		s.mu.Lock()
		s.pending = append(s.pending[:0], []*item[T](h)...)
		s.size = h.Len()
		s.mu.Unlock()
	}

	for {
		select {
		case <-s.stopCh:
			syncPending()
			return

		case req := <-s.reqCh:
			s.schedule(&h, req.key, req.rec)
			syncPending()
			rearm()
			close(req.done)

		case <-timer.C:
			armed = false
			now := s.cfg.Clock.Now()
			for h.Len() > 0 && !h[0].nextAttemptAt.After(now) {
				it := heap.Pop(&h).(*item[T])
				s.dispatch(it.key, it.rec)
			}
			syncPending()
			rearm()
		}
	}
}

// schedule computes the next attempt time for rec (whose TryCount reflects
// the number of attempts already made), incrementing TryCount and pushing
// onto the heap - or, if MaxTries has been reached, invoking expire instead.
func (s *Scheduler[T]) schedule(h *itemHeap[T], key uint64, rec Record[T]) {
	if s.cfg.MaxTries > 0 && rec.TryCount+1 >= s.cfg.MaxTries {
		s.expire(key, rec)
		return
	}

	delay := s.delay(rec.TryCount)
	rec.TryCount++
	if rec.FirstAttemptAt.IsZero() {
		rec.FirstAttemptAt = s.cfg.Clock.Now()
	}

	heap.Push(h, &item[T]{
		key:           key,
		rec:           rec,
		nextAttemptAt: s.cfg.Clock.Now().Add(delay),
	})
}

func (s *Scheduler[T]) delay(tryCount uint32) time.Duration {
	switch s.cfg.Algorithm {
	case Exponential:
		d := s.cfg.RetryDelay
		for i := uint32(0); i < tryCount; i++ {
			if d >= s.cfg.MaxRetryDelay {
				return s.cfg.MaxRetryDelay
			}
			d *= 2
		}
		if s.cfg.MaxRetryDelay > 0 && d > s.cfg.MaxRetryDelay {
			return s.cfg.MaxRetryDelay
		}
		return d
	default: // Fixed
		return s.cfg.RetryDelay
	}
}

// Requeue submits a record (identified by its original spill key, or its
// insertion order for records that were never spilled) for scheduling,
// blocking until the timekeeper has recomputed its next wake-up. This keeps
// the heap's sole owner (the timekeeper goroutine) safely reachable from
// any number of concurrent callers.
func (s *Scheduler[T]) Requeue(originalKey uint64, rec Record[T]) {
	done := make(chan struct{})
	s.reqCh <- request[T]{key: originalKey, rec: rec, done: done}
	<-done
}

// Size returns the number of records currently awaiting their next attempt.
func (s *Scheduler[T]) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}
