// Package store implements the persistent ordered key-value log used to
// spill queue items that could not be handed off to an idle consumer.
//
// It is a thin, FIFO-shaped wrapper over go.etcd.io/bbolt: a single bucket,
// keyed by a monotonically increasing uint64 allocated at Append time, with
// ordered iteration coming for free from bbolt's B+tree (keys compare as
// big-endian byte strings, so Cursor.First/Next already yield insertion
// order).
package store
