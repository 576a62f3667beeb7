package fqueue

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/joeycumines/go-fqueue/retry"
	"github.com/joeycumines/go-fqueue/store"
	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
)

type queueState int32

const (
	stateCreated queueState = iota
	stateStarted
	stateStopping
	stateStopped
)

// Queue is the embedded FIFO work queue's public handle: it owns the
// persistent spill store, the transfer channel, the worker pool, and the
// retry scheduler, and drives them through the
// created/started/stopping/stopped lifecycle. A *Queue[T] must be
// constructed with New and is safe for concurrent use by any number of
// producers once Start has returned.
type Queue[T any] struct {
	cfg   Config[T]
	codec Codec[T]
	clock clock.Clock

	state atomic.Int32

	st          *store.Store
	admission   *admission
	transfer    *transferChan[T]
	workers     *workerPool[T]
	sched       *retry.Scheduler[T]
	spillCount  atomic.Int64
	nextItemID  atomic.Uint64
	spillNotify chan struct{}
	spillAckCh  chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc
	bgWg      sync.WaitGroup

	fatalCh   chan error
	fatalOnce sync.Once
	stopOnce  sync.Once
	stopErr   error
	stopped   chan struct{}
}

// New validates cfg, applies defaults, and returns a Queue ready for
// Start. It does not touch the filesystem.
func New[T any](cfg Config[T]) (*Queue[T], error) {
	if cfg.QueuePath == "" {
		return nil, newErr("New", KindInvalidArg, errors.New("QueuePath is required"))
	}
	if cfg.Consumer == nil {
		return nil, newErr("New", KindInvalidArg, errors.New("Consumer is required"))
	}
	if cfg.Codec == nil {
		cfg.Codec = JSONCodec[T]{}
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = math.MaxInt32
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = runtime.NumCPU()
	}
	if cfg.PersistRetryDelay <= 0 {
		cfg.PersistRetryDelay = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	q := &Queue[T]{
		cfg:         cfg,
		codec:       cfg.Codec,
		clock:       cfg.Clock,
		admission:   newAdmission(cfg.MaxQueueSize),
		spillNotify: make(chan struct{}, 1),
		spillAckCh:  make(chan struct{}),
		fatalCh:     make(chan error, 8),
		stopped:     make(chan struct{}),
	}
	return q, nil
}

// Start opens the spill store, reconciles admitted permits against the
// entries recovered from a prior run, and launches the background
// goroutines (worker pool, retry timekeeper, pump, persisted-retry
// scanner). It fails with KindAlreadyStarted if Start has already been
// called.
func (q *Queue[T]) Start() error {
	if !q.state.CompareAndSwap(int32(stateCreated), int32(stateStarted)) {
		return newErr("Start", KindAlreadyStarted, nil)
	}

	bucket := q.cfg.QueueName
	path := filepath.Join(q.cfg.QueuePath, "queue.db")
	st, err := store.Open(path, bucket)
	if err != nil {
		return q.translateStoreErr("Start", err)
	}
	q.st = st

	spillCount, err := st.Size()
	if err != nil {
		_ = st.Close()
		return q.translateStoreErr("Start", err)
	}
	q.spillCount.Store(int64(spillCount))

	headroom := spillCount
	if headroom > uint64(q.cfg.MaxQueueSize) {
		headroom = uint64(q.cfg.MaxQueueSize)
	}
	q.admission.acquireMany(int(headroom))
	q.logInfo().Uint64(`recoveredEntries`, spillCount).Int(`reservedPermits`, int(headroom)).Log(`queue started`)

	q.transfer = newTransferChan[T](q.cfg.WorkerCount)
	q.runCtx, q.runCancel = context.WithCancel(context.Background())

	q.sched = retry.NewScheduler[T](retry.Config{
		MaxTries:      q.cfg.MaxTries,
		RetryDelay:    q.cfg.RetryDelay,
		MaxRetryDelay: q.cfg.MaxRetryDelay,
		Algorithm:     q.cfg.RetryDelayAlgorithm,
		Clock:         q.clock,
	}, q.dispatchRetry, q.expireRetry, q.reportFatal)
	q.sched.Start()

	q.workers = newWorkerPool[T](q.cfg.Consumer, q.transfer, q.onVerdict, q.logConsumerPanic)
	q.workers.start(q.runCtx, q.cfg.WorkerCount)

	q.bgWg.Add(2)
	go q.pump()
	go q.scanner()

	return nil
}

// Stop transitions the Queue through stopping to stopped, rejecting new
// submissions immediately, draining in-flight work, and persisting any
// records still awaiting retry back to the spill store. It is idempotent:
// concurrent and repeated calls all block until the first caller's
// shutdown sequence has completed, and all observe the same result.
func (q *Queue[T]) Stop() error {
	q.stopOnce.Do(func() {
		q.state.Store(int32(stateStopping))
		var errs *multierror.Error

		q.admission.close()
		q.runCancel()
		q.bgWg.Wait() // pump + scanner have stopped attempting sends/peeks

		q.transfer.close()
		q.workers.wait() // drains any buffered envelopes first

		q.sched.Stop(func(key uint64, rec retry.Record[T]) {
			b, err := encodeEnvelope(q.codec, rec)
			if err != nil {
				errs = multierror.Append(errs, err)
				return
			}
			if _, err := q.st.Append(b); err != nil {
				errs = multierror.Append(errs, err)
				return
			}
			q.spillCount.Add(1)
		})

		if err := q.st.Close(); err != nil {
			errs = multierror.Append(errs, err)
		}

		q.state.Store(int32(stateStopped))
		close(q.stopped)
		q.stopErr = errs.ErrorOrNil()
	})
	<-q.stopped
	return q.stopErr
}

// Submit enqueues record with no deadline on the admission wait.
func (q *Queue[T]) Submit(record T) error {
	return q.SubmitContext(context.Background(), record, 0)
}

// SubmitContext enqueues record, waiting up to timeout (if positive) for
// an admission permit. A zero timeout waits indefinitely, bounded only by
// ctx.
func (q *Queue[T]) SubmitContext(ctx context.Context, record T, timeout time.Duration) error {
	if queueState(q.state.Load()) != stateStarted {
		return q.notStartedOrStoppedErr()
	}

	acqCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		acqCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := q.admission.acquire(acqCtx); err != nil {
		if err == ErrStopped {
			return ErrStopped
		}
		// Cancellation of the caller's own ctx (not the timeout this
		// method may have derived from it) is a deliberate interruption,
		// not a capacity problem - keep it distinct from a timed-out
		// wait for a permit, which is KindQueueFull.
		if errors.Is(err, context.Canceled) {
			return newErr("Submit", KindInterrupted, err)
		}
		return newErr("Submit", KindQueueFull, err)
	}

	if queueState(q.state.Load()) != stateStarted {
		q.admission.release()
		return q.notStartedOrStoppedErr()
	}

	env := Envelope[T]{Value: record}

	if q.spillCount.Load() == 0 && q.transfer.offer(queueItem[T]{env: env}) {
		return nil
	}

	b, err := encodeEnvelope(q.codec, env)
	if err != nil {
		q.admission.release()
		return newErr("Submit", KindIO, err)
	}
	if _, err := q.st.Append(b); err != nil {
		q.admission.release()
		return q.translateStoreErr("Submit", err)
	}
	q.spillCount.Add(1)
	q.notifySpill()
	return nil
}

// Size returns the number of entries currently persisted in the spill
// store (does not include in-flight or in-memory retry records).
func (q *Queue[T]) Size() (uint64, error) {
	if q.st == nil {
		return 0, ErrNotStarted
	}
	n, err := q.st.Size()
	if err != nil {
		return 0, q.translateStoreErr("Size", err)
	}
	return n, nil
}

// AvailablePermits reports the number of admission permits not currently
// held by a live item.
func (q *Queue[T]) AvailablePermits() int {
	available, _ := q.admission.snapshot()
	return available
}

// Fatal surfaces errors recovered from background goroutines - the pump,
// the persisted-retry scanner, the retry timekeeper, and unrecoverable
// spill-store I/O encountered off the Submit path (a panicking Consumer
// is NOT one of these - that is reported as FailNoQueue and logged, per
// Consumer's contract, and never reaches this channel or triggers Stop).
// A send on this channel means the Queue has already begun an
// asynchronous Stop, since a background goroutine cannot be trusted to
// keep the queue's invariants once it has panicked or hit a fatal error;
// callers may still call Stop themselves to wait for that shutdown to
// finish and observe its error.
func (q *Queue[T]) Fatal() <-chan error { return q.fatalCh }

// InstallShutdownHook returns an idempotent function that calls Stop. It
// is intended to be registered with the embedder's own signal.Notify
// handler; this package never touches os/signal itself. Calling the
// returned function more than once, including concurrently, is safe and
// only the first call's error is material - later calls simply observe
// the same completed shutdown.
func (q *Queue[T]) InstallShutdownHook() func() {
	return func() { _ = q.Stop() }
}

func (q *Queue[T]) notStartedOrStoppedErr() error {
	switch queueState(q.state.Load()) {
	case stateCreated:
		return ErrNotStarted
	default:
		return ErrStopped
	}
}

func (q *Queue[T]) notifySpill() {
	select {
	case q.spillNotify <- struct{}{}:
	default:
	}
}

// reportFatal handles a fatal background-goroutine error (a recovered
// panic, or store I/O the pump/scanner/timekeeper cannot proceed past):
// it logs, makes a best-effort send on Fatal(), and triggers an
// asynchronous Stop - a panic in any background component must stop the
// orchestrator, not just be logged. The Stop call is
// launched in its own goroutine, guarded by fatalOnce, since reportFatal
// may itself be called from a goroutine Stop needs to join (pump,
// scanner, the retry timekeeper) - calling Stop synchronously here could
// deadlock against Stop's own bgWg.Wait()/sched.Stop().
func (q *Queue[T]) reportFatal(err error) {
	q.logErr(err).Log(`background panic recovered`)
	select {
	case q.fatalCh <- err:
	default:
	}
	q.fatalOnce.Do(func() {
		go func() { _ = q.Stop() }()
	})
}

// logConsumerPanic logs a Consumer panic recovered by the worker pool.
// Per Consumer's own contract, a panicking Consumer is treated as
// FailNoQueue and logged - it is not a background-goroutine fault, so it
// is never sent on Fatal() and never triggers Stop.
func (q *Queue[T]) logConsumerPanic(err error) {
	q.logErr(err).Log(`consumer panic recovered`)
}

func (q *Queue[T]) translateStoreErr(op string, err error) error {
	var serr *store.Error
	if errors.As(err, &serr) {
		kind := KindIO
		if serr.Kind == store.KindNoSpace {
			kind = KindNoSpace
		}
		return newErr(op, kind, serr)
	}
	return newErr(op, KindIO, err)
}

func (q *Queue[T]) logInfo() *logiface.Builder[*izerolog.Event] { return q.cfg.Logger.Info() }
func (q *Queue[T]) logErr(err error) *logiface.Builder[*izerolog.Event] {
	return q.cfg.Logger.Err().Err(err)
}
