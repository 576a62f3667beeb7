package fqueue

import (
	"fmt"

	"github.com/joeycumines/go-fqueue/retry"
)

// pump is the single task responsible for moving spilled entries into the
// transfer channel in FIFO order. It owns the invariant that, whenever the
// spill store is nonempty and the transfer channel has capacity, the
// oldest spilled entry is offered next - entries already carrying a
// tryCount (persisted back to the store by a prior Stop) are instead
// handed straight to the retry scheduler, which resumes their backoff
// rather than re-offering them immediately.
func (q *Queue[T]) pump() {
	defer q.bgWg.Done()
	defer func() {
		if r := recover(); r != nil {
			q.reportFatal(fmt.Errorf("fqueue: pump panic: %v", r))
		}
	}()
	for {
		select {
		case <-q.runCtx.Done():
			return
		default:
		}

		key, b, ok, err := q.st.PeekOldest()
		if err != nil {
			q.reportFatal(q.translateStoreErr("pump", err))
			return
		}
		if !ok {
			select {
			case <-q.runCtx.Done():
				return
			case <-q.spillNotify:
			}
			continue
		}

		env, err := decodeEnvelope(q.codec, b)
		if err != nil {
			// a corrupt entry would otherwise wedge the pump forever;
			// drop it and move on, there is nothing else to do with it.
			q.logErr(err).Uint64(`key`, key).Log(`pump: dropping undecodable spill entry`)
			if rmErr := q.st.Remove(key); rmErr != nil {
				q.reportFatal(q.translateStoreErr("pump", rmErr))
				return
			}
			q.spillCount.Add(-1)
			continue
		}

		if env.TryCount > 0 {
			if err := q.st.Remove(key); err != nil {
				q.reportFatal(q.translateStoreErr("pump", err))
				return
			}
			q.spillCount.Add(-1)
			q.sched.Requeue(key, env)
			continue
		}

		item := queueItem[T]{env: env, spillKey: key, spilled: true}
		if err := q.transfer.put(q.runCtx, item); err != nil {
			// Stop is in progress; leave the entry in the store untouched.
			return
		}
		// Wait for onVerdict to acknowledge (remove) this entry before
		// peeking the next one - exactly one spilled item is ever in
		// flight between the pump and the workers at a time, so this
		// unbuffered rendezvous is enough to keep PeekOldest from handing
		// out the same key twice.
		<-q.spillAckCh
	}
}

// scanner periodically re-triggers the pump's wait, purely as a defensive
// measure against a missed wake-up - it carries no information the pump
// doesn't already have access to via the store itself.
func (q *Queue[T]) scanner() {
	defer q.bgWg.Done()
	defer func() {
		if r := recover(); r != nil {
			q.reportFatal(fmt.Errorf("fqueue: scanner panic: %v", r))
		}
	}()
	ticker := q.clock.Ticker(q.cfg.PersistRetryDelay)
	defer ticker.Stop()
	for {
		select {
		case <-q.runCtx.Done():
			return
		case <-ticker.C:
			q.notifySpill()
		}
	}
}

// onVerdict is invoked by a worker once a Consumer has rendered a verdict
// for item. Spilled items are always acknowledged (removed from the
// store) here, regardless of verdict - per the data model, an item is
// live in exactly one place at a time, and once a worker has taken it off
// the transfer channel, its spill entry (if any) no longer reflects
// reality.
func (q *Queue[T]) onVerdict(item queueItem[T], verdict Verdict) {
	if item.spilled {
		if err := q.st.Remove(item.spillKey); err != nil {
			q.reportFatal(q.translateStoreErr("onVerdict", err))
		} else {
			q.spillCount.Add(-1)
		}
		q.spillAckCh <- struct{}{}
	}

	switch verdict {
	case Success, FailNoQueue:
		q.admission.release()
	case FailRequeue:
		key := item.spillKey
		if !item.spilled {
			key = q.nextItemID.Add(1)
		}
		q.sched.Requeue(key, item.env)
	}
}

// dispatchRetry is invoked by the retry scheduler's timekeeper once a
// record's backoff has elapsed. It bypasses the admission semaphore
// entirely - the permit was never released for a FAIL_REQUEUE verdict -
// and falls back to persisting the record if the transfer channel has no
// room (or has already been closed by Stop), so a record is never lost
// between the scheduler and the store.
func (q *Queue[T]) dispatchRetry(key uint64, rec retry.Record[T]) {
	if q.transfer.offer(queueItem[T]{env: rec}) {
		return
	}
	b, err := encodeEnvelope(q.codec, rec)
	if err != nil {
		q.reportFatal(newErr("dispatchRetry", KindIO, err))
		return
	}
	if _, err := q.st.Append(b); err != nil {
		q.reportFatal(q.translateStoreErr("dispatchRetry", err))
		return
	}
	q.spillCount.Add(1)
	q.notifySpill()
}

// expireRetry is invoked when a record has exhausted MaxTries. The permit
// it has held since its FAIL_REQUEUE verdict is released here - this is
// the record's destruction point, per the data model's lifecycle.
func (q *Queue[T]) expireRetry(key uint64, rec retry.Record[T]) {
	if q.cfg.Expiration != nil {
		q.cfg.Expiration(rec.Value)
	}
	q.admission.release()
}
