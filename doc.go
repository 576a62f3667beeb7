// Package fqueue implements an embedded, persistent, single-process FIFO
// work queue. Producers submit application-defined records; a pool of
// consumers processes them asynchronously. Records that cannot be handed
// off to a free consumer immediately are spilled to a local bbolt-backed
// store so they survive process restarts, and records whose processing
// fails with a retry verdict are re-scheduled with fixed or exponential
// backoff via the retry subpackage.
//
// The queue engine covers the fast path between producer and consumer,
// the persistent spill store with ordered dequeue, the retry scheduler,
// and the admission/shutdown discipline gluing them together. Record
// serialization is pluggable via Codec; the Consumer callback and the
// optional Expiration callback are supplied by the embedder.
package fqueue
