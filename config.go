package fqueue

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joeycumines/go-fqueue/retry"
	"github.com/joeycumines/izerolog"
	"github.com/joeycumines/logiface"
)

type (
	// Verdict is the result a Consumer returns for one record.
	Verdict int

	// Consumer processes records taken off the transfer channel or the
	// spill store. Its Consume method must not block indefinitely past ctx
	// cancellation - ctx is cancelled when Stop is called, while this
	// specific invocation is still in flight.
	//
	// Consume's FailRequeue verdict retains the record's admission permit
	// for as long as the record remains in the retry scheduler - this
	// limits total outstanding work, but can starve producers if many
	// records are stuck retrying; that tradeoff is intentional, not a bug.
	Consumer[T any] interface {
		Consume(ctx context.Context, record T) Verdict
	}

	// ConsumerFunc adapts a plain function to Consumer.
	ConsumerFunc[T any] func(ctx context.Context, record T) Verdict

	// Envelope is the record plus the retry metadata the core needs to
	// round-trip through persistence and the retry scheduler.
	Envelope[T any] = retry.Record[T]

	// Codec converts a record to and from bytes. Implementations must be
	// deterministic and lossless.
	Codec[T any] interface {
		Encode(T) ([]byte, error)
		Decode([]byte) (T, error)
	}

	// Algorithm selects the backoff policy used between retry attempts.
	Algorithm = retry.Algorithm

	// Config configures a Queue. Zero-value fields take the defaults noted
	// per-field below, mirroring how BatcherConfig/ChannelConfig elsewhere
	// in this codebase document their defaults.
	Config[T any] struct {
		// QueueName is used as the spill store's bucket name.
		QueueName string
		// QueuePath is the directory holding the spill store's file.
		// Required.
		QueuePath string
		// Codec encodes/decodes records. Defaults to JSONCodec[T].
		Codec Codec[T]
		// Consumer processes records. Required.
		Consumer Consumer[T]
		// Expiration, if set, is invoked (with the permit still held, on
		// the retry timekeeper goroutine) when a record exceeds MaxTries.
		// It must not block.
		Expiration func(T)
		// MaxQueueSize bounds the number of items live in the queue at
		// once (in-flight + channel + spill + retry). Defaults to
		// math.MaxInt32 if <= 0.
		MaxQueueSize int
		// MaxTries caps retry attempts; 0 means unlimited.
		MaxTries uint32
		// RetryDelay is the base retry delay.
		RetryDelay time.Duration
		// MaxRetryDelay caps Exponential backoff.
		MaxRetryDelay time.Duration
		// RetryDelayAlgorithm selects Fixed or Exponential. Defaults to
		// Fixed.
		RetryDelayAlgorithm Algorithm
		// PersistRetryDelay is the spill-rescan interval for the
		// idempotent pump rescan of stale entries. Defaults to 1 minute.
		PersistRetryDelay time.Duration
		// WorkerCount sizes the consumer pool. Defaults to
		// runtime.NumCPU().
		WorkerCount int
		// Logger receives structured logs. A nil Logger is safe to use (it
		// behaves as a disabled logger) - see logiface.Logger's nil-method
		// semantics.
		Logger *logiface.Logger[*izerolog.Event]
		// Clock overrides time for the retry scheduler and pump rescan
		// timer. Defaults to the real wall clock (clock.New()). Intended
		// for tests.
		Clock clock.Clock
	}
)

const (
	// Success: ack the spill entry (if any), release one admission permit.
	Success Verdict = iota
	// FailRequeue: hand the record to the retry scheduler; the permit is
	// NOT released.
	FailRequeue
	// FailNoQueue: ack the spill entry (if any), release one admission
	// permit, discard the record.
	FailNoQueue
)

func (f ConsumerFunc[T]) Consume(ctx context.Context, record T) Verdict { return f(ctx, record) }

const (
	// FixedDelay retries after a constant RetryDelay.
	FixedDelay = retry.Fixed
	// ExponentialDelay retries after min(MaxRetryDelay, RetryDelay*2^tryCount).
	ExponentialDelay = retry.Exponential
)
