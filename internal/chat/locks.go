package chat

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// threadLocks serializes turns per thread id. The watermark filter is only
// correct when runs on a thread do not interleave, so a second concurrent
// turn waits for the first to finish. Entries are reference-counted and
// removed when the last waiter leaves, which bounds the map to the set of
// threads with in-flight turns.
type threadLocks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	sem  chan struct{} // capacity 1
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{entries: make(map[string]*lockEntry)}
}

// acquire blocks until the thread's lock is held, the timeout elapses, or
// ctx is canceled. On success the returned release func must be called
// exactly once.
func (l *threadLocks) acquire(ctx context.Context, threadID string, timeout time.Duration) (func(), error) {
	l.mu.Lock()
	entry, ok := l.entries[threadID]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		l.entries[threadID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case entry.sem <- struct{}{}:
		return func() {
			<-entry.sem
			l.put(threadID, entry)
		}, nil
	case <-timer.C:
		l.put(threadID, entry)
		return nil, fmt.Errorf("%w: another turn is in flight on this thread", ErrThreadBusy)
	case <-ctx.Done():
		l.put(threadID, entry)
		return nil, fmt.Errorf("%w: %v", ErrThreadBusy, ctx.Err())
	}
}

// put drops one reference to the entry, removing it once unused.
func (l *threadLocks) put(threadID string, entry *lockEntry) {
	l.mu.Lock()
	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, threadID)
	}
	l.mu.Unlock()
}
