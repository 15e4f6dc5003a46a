// Package limiter provides per-key admission control for delegated tasks.
package limiter

import (
	"context"
	"strings"
	"sync"
)

// DefaultLimit is the fallback concurrency limit when nothing is configured.
const DefaultLimit = 5

// Limits configures how many concurrent holders each resource key admits.
// A value of 0 means unlimited for that key.
type Limits struct {
	Default     int            `json:"default"`
	PerKey      map[string]int `json:"per_key,omitempty"`
	PerProvider map[string]int `json:"per_provider,omitempty"`
}

// waiter is a parked Acquire call. Its ch is closed when the slot is handed over.
type waiter struct {
	ch chan struct{}
}

// Limiter admits at most N concurrent holders per resource key and parks
// excess acquirers in a per-key FIFO queue. Release hands the slot directly
// to the longest-waiting acquirer instead of decrementing the count, so a
// freed slot can never be stolen by a late arrival.
type Limiter struct {
	mu      sync.Mutex
	limits  Limits
	holders map[string]int
	waiters map[string][]*waiter
}

// New creates a Limiter with the given limits.
func New(limits Limits) *Limiter {
	return &Limiter{
		limits:  limits,
		holders: make(map[string]int),
		waiters: make(map[string][]*waiter),
	}
}

// LimitFor resolves the limit for a key: exact key override, then provider
// override (the key segment before the first "/"), then the configured
// default, then DefaultLimit. 0 means unlimited.
func (l *Limiter) LimitFor(key string) int {
	if v, ok := l.limits.PerKey[key]; ok {
		return v
	}
	if provider, _, ok := strings.Cut(key, "/"); ok {
		if v, ok := l.limits.PerProvider[provider]; ok {
			return v
		}
	}
	if l.limits.Default > 0 {
		return l.limits.Default
	}
	return DefaultLimit
}

// Acquire obtains a slot for key, blocking while the key is at capacity.
// Waiters are granted in FIFO order. Returns ctx.Err() if the context is
// cancelled while waiting; the waiter is removed from the queue.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	limit := l.LimitFor(key)
	if limit == 0 {
		return nil // unlimited
	}

	l.mu.Lock()
	if l.holders[key] < limit {
		l.holders[key]++
		l.mu.Unlock()
		return nil
	}

	w := &waiter{ch: make(chan struct{})}
	l.waiters[key] = append(l.waiters[key], w)
	l.mu.Unlock()

	select {
	case <-w.ch:
		// Slot handed over by Release; holder count already accounts for us.
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		if l.removeWaiter(key, w) {
			l.mu.Unlock()
			return ctx.Err()
		}
		// Release already handed us the slot; we lost the race with ctx.
		// Pass it on so the grant is not lost.
		l.releaseLocked(key)
		l.mu.Unlock()
		return ctx.Err()
	}
}

// Release frees a slot for key. If a waiter is queued, the slot passes
// directly to it (holder count unchanged). Releasing a key with no holders
// and no waiters is a silent no-op so cleanup paths can stay idempotent.
func (l *Limiter) Release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked(key)
}

func (l *Limiter) releaseLocked(key string) {
	if q := l.waiters[key]; len(q) > 0 {
		w := q[0]
		if len(q) == 1 {
			delete(l.waiters, key)
		} else {
			l.waiters[key] = q[1:]
		}
		close(w.ch)
		return
	}
	if l.holders[key] > 0 {
		l.holders[key]--
		if l.holders[key] == 0 {
			delete(l.holders, key)
		}
	}
}

// removeWaiter unlinks w from key's queue. Returns false if w was already
// granted (no longer queued).
func (l *Limiter) removeWaiter(key string, w *waiter) bool {
	q := l.waiters[key]
	for i, cand := range q {
		if cand == w {
			l.waiters[key] = append(q[:i], q[i+1:]...)
			if len(l.waiters[key]) == 0 {
				delete(l.waiters, key)
			}
			return true
		}
	}
	return false
}

// Holders returns the current holder count for key.
func (l *Limiter) Holders(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holders[key]
}

// Waiting returns the number of parked acquirers for key.
func (l *Limiter) Waiting(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters[key])
}

// AtCapacity reports whether key has no free slot.
func (l *Limiter) AtCapacity(key string) bool {
	limit := l.LimitFor(key)
	if limit == 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holders[key] >= limit
}

// Snapshot returns a copy of all keys with at least one holder.
func (l *Limiter) Snapshot() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.holders))
	for k, v := range l.holders {
		out[k] = v
	}
	return out
}

// Clear resets all holders and wakes every waiter. Test and reset use only.
func (l *Limiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, q := range l.waiters {
		for _, w := range q {
			close(w.ch)
		}
	}
	l.holders = make(map[string]int)
	l.waiters = make(map[string][]*waiter)
}
