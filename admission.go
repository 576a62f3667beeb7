package fqueue

import (
	"context"
	"sync"
)

// admission is a resizable counting semaphore bounding the number of
// records live in a Queue at once (in flight, queued in memory, spilled to
// disk, or awaiting retry). golang.org/x/sync/semaphore.Weighted was
// evaluated for this role and rejected - it has no operation to change a
// already-constructed semaphore's capacity, and Config.MaxQueueSize is
// fixed for a Queue's lifetime only because nothing in this package's
// surface needs to change it, not because the primitive couldn't support
// it. A condition variable over a plain counter gives both acquire/release
// and the resize this design anticipates needing.
type admission struct {
	mu        sync.Mutex
	cond      *sync.Cond
	max       int
	available int
	closed    bool
}

func newAdmission(max int) *admission {
	a := &admission{max: max, available: max}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// acquire blocks until a permit is available, ctx is cancelled, or the
// admission is closed. It returns ctx.Err() or ErrStopped, respectively.
func (a *admission) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	if ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				// take the lock so the wake-up cannot fall between the
				// waiter's ctx check and its Wait
				a.mu.Lock()
				a.cond.Broadcast()
				a.mu.Unlock()
			case <-done:
			}
		}()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		if a.closed {
			return ErrStopped
		}
		if a.available > 0 {
			a.available--
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		a.cond.Wait()
	}
}

// tryAcquire takes a permit without blocking, reporting whether one was
// available.
func (a *admission) tryAcquire() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || a.available <= 0 {
		return false
	}
	a.available--
	return true
}

// release returns a permit, waking one blocked acquirer if any. available
// never rises above max.
func (a *admission) release() {
	a.mu.Lock()
	if a.available < a.max {
		a.available++
	}
	a.mu.Unlock()
	a.cond.Signal()
}

// acquireMany forcibly reserves n permits without blocking, used during
// Start to account for spilled records recovered from a prior run. It may
// drive available negative, which is intentional - it just means the queue
// starts fuller than max, and further acquires block until enough permits
// are released to bring it back under max.
func (a *admission) acquireMany(n int) {
	a.mu.Lock()
	a.available -= n
	a.mu.Unlock()
}

// setMax changes the semaphore's capacity, releasing blocked acquirers if
// the new capacity makes more permits available.
func (a *admission) setMax(max int) {
	a.mu.Lock()
	a.available += max - a.max
	a.max = max
	a.mu.Unlock()
	a.cond.Broadcast()
}

// close marks the admission closed; all blocked and future acquire calls
// return ErrStopped.
func (a *admission) close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.cond.Broadcast()
}

func (a *admission) snapshot() (available, max int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.available, a.max
}
