package processor

import (
	"sync"
	"time"
)

// DeadLetterEntry is the snapshot kept when a task exhausts its retry budget
// or fails permanently.
type DeadLetterEntry struct {
	TaskID     string
	Priority   Priority
	RetryCount int
	Reason     string
	FailedAt   time.Time
}

// deadLetter is a capped ring of permanently failed tasks. The processor is
// the only writer; observability reads snapshots.
type deadLetter struct {
	mu      sync.Mutex
	entries []DeadLetterEntry
	max     int
}

func newDeadLetter(max int) *deadLetter {
	return &deadLetter{max: max}
}

func (d *deadLetter) add(e DeadLetterEntry) {
	d.mu.Lock()
	d.entries = append(d.entries, e)
	if len(d.entries) > d.max {
		// Drop the oldest half rather than trimming one at a time.
		d.entries = append([]DeadLetterEntry(nil), d.entries[len(d.entries)-d.max/2:]...)
	}
	d.mu.Unlock()
}

func (d *deadLetter) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *deadLetter) list() []DeadLetterEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DeadLetterEntry, len(d.entries))
	copy(out, d.entries)
	return out
}
