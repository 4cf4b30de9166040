package engine

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrLockTimeout is returned when a bucket lock could not be acquired
// inside the configured wait. The fragment is requeued, not dropped.
var ErrLockTimeout = errors.New("bucket lock timeout")

// BucketLocks serializes fragment processing per bucket key. Two
// concurrent fragments for the same real event would otherwise both
// miss the candidate search and both create an incident; at most one
// matcher/creator runs per bucket at a time. Other buckets proceed
// unimpeded. Waiters on one bucket are granted in arrival order.
type BucketLocks struct {
	mu      sync.Mutex
	buckets map[string]*bucketLock
}

type bucketLock struct {
	held    bool
	waiters []chan struct{} // FIFO; closing a waiter grants it the lock
}

// NewBucketLocks creates an empty lock table.
func NewBucketLocks() *BucketLocks {
	return &BucketLocks{buckets: make(map[string]*bucketLock)}
}

// Lease is a held bucket lock. Release is idempotent and must be called
// on every exit path.
type Lease struct {
	key  string
	lm   *BucketLocks
	once sync.Once
}

// Key returns the bucket key the lease holds.
func (l *Lease) Key() string { return l.key }

// Release hands the bucket to the next waiter, if any.
func (l *Lease) Release() {
	l.once.Do(func() { l.lm.release(l.key) })
}

// Acquire takes the lock for key, waiting up to timeout (and no longer
// than the context allows). On timeout it returns ErrLockTimeout.
func (b *BucketLocks) Acquire(ctx context.Context, key string, timeout time.Duration) (*Lease, error) {
	b.mu.Lock()
	bl, ok := b.buckets[key]
	if !ok {
		bl = &bucketLock{}
		b.buckets[key] = bl
	}
	if !bl.held {
		bl.held = true
		b.mu.Unlock()
		return &Lease{key: key, lm: b}, nil
	}
	w := make(chan struct{})
	bl.waiters = append(bl.waiters, w)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w:
		return &Lease{key: key, lm: b}, nil
	case <-timer.C:
		if b.abandon(key, w) {
			return nil, ErrLockTimeout
		}
		// The grant raced our timeout; we hold the lock after all.
		return &Lease{key: key, lm: b}, nil
	case <-ctx.Done():
		if b.abandon(key, w) {
			return nil, ctx.Err()
		}
		lease := &Lease{key: key, lm: b}
		lease.Release()
		return nil, ctx.Err()
	}
}

func (b *BucketLocks) release(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	bl := b.buckets[key]
	if len(bl.waiters) > 0 {
		next := bl.waiters[0]
		bl.waiters = bl.waiters[1:]
		close(next) // lock stays held, ownership transfers
		return
	}
	bl.held = false
	delete(b.buckets, key)
}

// abandon removes a timed-out waiter from the queue. It returns false
// when the waiter was already granted the lock, in which case the
// caller owns it.
func (b *BucketLocks) abandon(key string, w chan struct{}) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	bl := b.buckets[key]
	for i, cand := range bl.waiters {
		if cand == w {
			bl.waiters = append(bl.waiters[:i], bl.waiters[i+1:]...)
			return true
		}
	}
	return false
}

// Len reports the number of live bucket entries, for tests and metrics.
func (b *BucketLocks) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buckets)
}
