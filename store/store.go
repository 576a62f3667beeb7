package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Kind distinguishes the two failure modes this package's operations can
// produce, matching the core's NO_SPACE/IO split.
type Kind int

const (
	// KindIO covers any storage failure other than KindNoSpace.
	KindIO Kind = iota
	// KindNoSpace indicates the underlying filesystem rejected a write due
	// to insufficient space.
	KindNoSpace
)

// Error wraps a storage failure with its Kind.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("store: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	kind := KindIO
	if errors.Is(err, syscall.ENOSPC) {
		kind = KindNoSpace
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

var bucketName = []byte("queue")

// Store is a crash-durable, append-only, FIFO-ordered byte-slice log,
// backed by a single bbolt database file.
type Store struct {
	db      *bolt.DB
	bucket  []byte
	nextKey atomic.Uint64
}

// Open opens or creates the bbolt file at path, containing a single bucket
// named name, and recovers Store's next-key counter from the greatest
// existing key (or 0, if the bucket is empty).
//
// name is accepted for API symmetry with callers that model a logical
// named map; since each Store owns exactly one file and one bucket, it
// only affects the bucket's name within that file.
func Open(path, name string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, wrapErr("open", err)
	}

	bucket := bucketName
	if name != "" {
		bucket = []byte(name)
	}

	s := &Store{db: db}

	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return err
		}
		if k, _ := b.Cursor().Last(); k != nil {
			s.nextKey.Store(decodeKey(k) + 1)
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, wrapErr("open", err)
	}

	s.bucket = bucket
	return s, nil
}

func encodeKey(key uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, key)
	return b
}

func decodeKey(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

// Append assigns the next key, in arrival order, and durably writes
// (key, b). Concurrent callers are serialized by bbolt's single-writer
// transaction model, and the allocated keys reflect that serialization
// order.
func (s *Store) Append(b []byte) (uint64, error) {
	var key uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		key = s.nextKey.Load()
		bucket := tx.Bucket(s.bucket)
		if err := bucket.Put(encodeKey(key), b); err != nil {
			return err
		}
		s.nextKey.Store(key + 1)
		return nil
	})
	if err != nil {
		return 0, wrapErr("append", err)
	}
	return key, nil
}

// PeekOldest returns the least key and its bytes, without removing it. ok
// is false if the store is empty.
func (s *Store) PeekOldest() (key uint64, b []byte, ok bool, err error) {
	txErr := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		k, v := c.First()
		if k == nil {
			return nil
		}
		key = decodeKey(k)
		b = append([]byte(nil), v...)
		ok = true
		return nil
	})
	if txErr != nil {
		return 0, nil, false, wrapErr("peek", txErr)
	}
	return key, b, ok, nil
}

// Remove deletes the entry for key. The deletion is durable before Remove
// returns.
func (s *Store) Remove(key uint64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Delete(encodeKey(key))
	})
	if err != nil {
		return wrapErr("remove", err)
	}
	return nil
}

// Size returns the current number of entries in the store.
func (s *Store) Size() (uint64, error) {
	var n uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		n = uint64(tx.Bucket(s.bucket).Stats().KeyN)
		return nil
	})
	if err != nil {
		return 0, wrapErr("size", err)
	}
	return n, nil
}

// Close flushes and releases the underlying database file.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return wrapErr("close", err)
	}
	return nil
}
