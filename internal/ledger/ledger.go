// Package ledger keeps a bounded, in-memory record of recently triggered
// jobs so that the webhook and poll paths trigger each queued job once.
//
// The ledger is process-local and best-effort: it does not survive a
// restart, and records are evicted oldest-first once capacity is reached
// regardless of their age.
package ledger

import (
	"sync"
	"time"
)

// DefaultCapacity is used when New is given a non-positive capacity.
const DefaultCapacity = 1000

// Record is one trigger attempt.  Records are never mutated.
type Record struct {
	JobID       int64
	TriggeredAt time.Time
}

// Ledger is an insertion-ordered, fixed-capacity sequence of Records.  All
// methods are safe for concurrent use.
type Ledger struct {
	capacity int
	now      func() time.Time

	mu      sync.Mutex
	records []Record
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates an empty Ledger holding at most capacity records.
func New(capacity int, opts ...Option) *Ledger {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Ledger{
		capacity: capacity,
		now:      time.Now,
		records:  make([]Record, 0, capacity),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// WasRecentlyTriggered reports whether jobID was marked within the last
// window.
func (l *Ledger) WasRecentlyTriggered(jobID int64, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recent(jobID, window)
}

// MarkTriggered appends a record for jobID, evicting the oldest records if
// the ledger is over capacity.
func (l *Ledger) MarkTriggered(jobID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mark(jobID)
}

// CheckAndMark atomically records jobID unless it was already marked within
// window.  It returns true when the caller won and must trigger the job,
// false when the job is already covered.  Both trigger paths must use this
// rather than pairing WasRecentlyTriggered with MarkTriggered.
func (l *Ledger) CheckAndMark(jobID int64, window time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.recent(jobID, window) {
		return false
	}
	l.mark(jobID)
	return true
}

// Len returns the number of retained records.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Capacity returns the maximum number of retained records.
func (l *Ledger) Capacity() int {
	return l.capacity
}

// Snapshot returns a copy of the retained records, oldest first.
func (l *Ledger) Snapshot() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

// recent must be called with mu held.  Stale entries are ignored, not
// removed.
func (l *Ledger) recent(jobID int64, window time.Duration) bool {
	cutoff := l.now().Add(-window)
	for i := len(l.records) - 1; i >= 0; i-- {
		r := l.records[i]
		if r.JobID == jobID && r.TriggeredAt.After(cutoff) {
			return true
		}
	}
	return false
}

// mark must be called with mu held.
func (l *Ledger) mark(jobID int64) {
	l.records = append(l.records, Record{JobID: jobID, TriggeredAt: l.now()})
	if over := len(l.records) - l.capacity; over > 0 {
		n := copy(l.records, l.records[over:])
		clear(l.records[n:])
		l.records = l.records[:n]
	}
}
