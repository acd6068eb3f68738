package tree

import (
	"context"
	"sync"
)

// ctxKey marks a context that already carries this RWMutex's read lock, so a
// recursive RLock from the same logical caller doesn't try to re-acquire
// (and deadlock behind a waiting writer). Keyed by the mutex's own pointer
// so nesting calls across different trees never collide.
type ctxKey struct{ mu *RWMutex }

// RWMutex is a writer-preferring, context-reentrant read-write lock: an
// arriving writer blocks subsequent new readers even while existing readers
// are still draining (spec.md §4.3 concurrency, §5, §8 fairness scenario),
// but a read-lock already held by the calling context is honored again
// without blocking, so a single logical caller can recurse through nested
// read-locking calls without deadlocking behind its own wait
// (spec.md §9 "Re-entrant reads under a writer-preference lock").
type RWMutex struct {
	mu            sync.Mutex
	cond          *sync.Cond
	readers       int
	writerWaiting int
	writerActive  bool
}

// NewRWMutex constructs a ready-to-use RWMutex.
func NewRWMutex() *RWMutex {
	m := &RWMutex{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// RLock acquires a read lock, honoring writer preference, unless ctx already
// carries this mutex's read lock (a reentrant call), in which case it is a
// no-op. It returns a context to pass to nested calls and an unlock func
// that must always be called exactly once, regardless of whether this call
// actually acquired the lock.
func (m *RWMutex) RLock(ctx context.Context) (context.Context, func()) {
	if ctx.Value(ctxKey{mu: m}) != nil {
		return ctx, func() {}
	}
	m.mu.Lock()
	for m.writerActive || m.writerWaiting > 0 {
		m.cond.Wait()
	}
	m.readers++
	m.mu.Unlock()

	next := context.WithValue(ctx, ctxKey{mu: m}, true)
	return next, func() {
		m.mu.Lock()
		m.readers--
		if m.readers == 0 {
			m.cond.Broadcast()
		}
		m.mu.Unlock()
	}
}

// Lock acquires the exclusive write lock. Writers are mutually exclusive and
// are never starved by a continuous stream of new readers: once a writer
// begins waiting, no new reader (that isn't a reentrant holder) can acquire
// the lock ahead of it.
func (m *RWMutex) Lock() {
	m.mu.Lock()
	m.writerWaiting++
	for m.writerActive || m.readers > 0 {
		m.cond.Wait()
	}
	m.writerWaiting--
	m.writerActive = true
	m.mu.Unlock()
}

// Unlock releases the write lock.
func (m *RWMutex) Unlock() {
	m.mu.Lock()
	m.writerActive = false
	m.cond.Broadcast()
	m.mu.Unlock()
}
