// Package lockservice implements the leased per-key mutex that serializes
// concurrent draft generation attempts, plus its HTTP surface and client.
package lockservice

import (
	"sync"
	"time"
)

// AcquireResult reports the outcome of an acquire attempt. LockedUntilMs is
// the lease expiry as Unix milliseconds: the new expiry when acquired, the
// current holder's expiry when not.
type AcquireResult struct {
	Acquired      bool  `json:"acquired"`
	LockedUntilMs int64 `json:"lockedUntilMs"`
}

type lockEntry struct {
	mu            sync.Mutex
	lockedUntilMs int64
}

// Table is an in-memory leased lock table. The read-check-write sequence in
// Acquire runs under the per-key mutex, so two concurrent acquires on the
// same key can never both be granted for overlapping windows.
type Table struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
	now   func() time.Time
}

// NewTable creates an empty lock table.
func NewTable() *Table {
	return &Table{
		locks: make(map[string]*lockEntry),
		now:   time.Now,
	}
}

func (t *Table) entry(key string) *lockEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.locks[key]
	if !ok {
		e = &lockEntry{}
		t.locks[key] = e
	}
	return e
}

// Acquire grants the lease when the key is free or its lease has expired.
// When the lock is held it returns the current expiry so callers can back
// off until then.
func (t *Table) Acquire(key string, ttl time.Duration) AcquireResult {
	e := t.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()

	nowMs := t.now().UnixMilli()
	if e.lockedUntilMs > nowMs {
		return AcquireResult{Acquired: false, LockedUntilMs: e.lockedUntilMs}
	}
	e.lockedUntilMs = nowMs + ttl.Milliseconds()
	return AcquireResult{Acquired: true, LockedUntilMs: e.lockedUntilMs}
}

// Release resets the lease to instant expiry. Releasing a key that was never
// acquired, or releasing twice, is a no-op.
func (t *Table) Release(key string) {
	e := t.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lockedUntilMs = 0
}
