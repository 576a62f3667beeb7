package fqueue

import (
	"context"
	"sync"
)

// queueItem is an envelope in transit, annotated with enough spill-store
// context for the orchestrator to acknowledge or discard it once a
// Consumer has rendered a verdict. spillKey is meaningless unless spilled
// is true - fast-path items that never touched the store have no spill
// entry to remove.
type queueItem[T any] struct {
	env      Envelope[T]
	spillKey uint64
	spilled  bool
}

// transferChan is the bounded hand-off between the pump goroutine (and,
// for the fast path and retry re-dispatch, Submit and the retry
// scheduler) and the worker pool: a capacity-WorkerCount channel of items,
// closeable while arbitrary producer goroutines may still be attempting a
// send. A plain channel close races any in-flight sender - mirroring
// microbatch.Batcher's done/stopped/sync.Once trio isn't enough here,
// since that pattern assumes a single internal sender. Instead, every
// send holds a read-lock for the duration of its attempt, and close takes
// the write-lock, which can only succeed once every in-flight send has
// returned - so the channel is never closed while a send on it could
// still happen.
type transferChan[T any] struct {
	mu     sync.RWMutex
	ch     chan queueItem[T]
	closed bool
}

func newTransferChan[T any](capacity int) *transferChan[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &transferChan[T]{
		ch: make(chan queueItem[T], capacity),
	}
}

// put blocks until item is accepted or ctx is cancelled, and returns
// ErrStopped without blocking if the channel is already closed. A put in
// progress holds the read-lock, so close waits for it: callers that may
// still be inside put when close is expected to run MUST use a ctx that is
// cancelled no later than close is called, or close will block until they
// return.
func (t *transferChan[T]) put(ctx context.Context, item queueItem[T]) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return ErrStopped
	}
	select {
	case t.ch <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// offer attempts a non-blocking send, reporting whether item was accepted
// (false both when the channel is full and when it is closed).
func (t *transferChan[T]) offer(item queueItem[T]) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return false
	}
	select {
	case t.ch <- item:
		return true
	default:
		return false
	}
}

// take blocks until an item is available, or the channel is drained after
// being closed (ok is false).
func (t *transferChan[T]) take() (item queueItem[T], ok bool) {
	item, ok = <-t.ch
	return item, ok
}

// close prevents further sends. Already-buffered items remain available
// to take until drained.
func (t *transferChan[T]) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.ch)
	}
}
