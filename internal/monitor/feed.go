package monitor

import (
	"sync"

	"github.com/unielevate/proctor/internal/model"
)

// FeedCapacity is how many raw answer events the activity stream keeps.
const FeedCapacity = 50

// FeedEntry is a raw answer event enriched with the resolved student
// identity for display.
type FeedEntry struct {
	model.AnswerEvent
	StudentName string `json:"student_name"`
}

// Feed is the bounded, most-recent-first tail of answer traffic across
// all exams. It is intentionally not deduplicated: a re-submission
// shows up twice here even though the rollup collapses it.
type Feed struct {
	mu       sync.Mutex
	capacity int
	entries  []FeedEntry
}

// NewFeed creates a feed window; capacity <= 0 uses FeedCapacity.
func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = FeedCapacity
	}
	return &Feed{capacity: capacity}
}

// Push prepends an entry, evicting the oldest once the window is full.
func (f *Feed) Push(entry FeedEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.entries = append([]FeedEntry{entry}, f.entries...)
	if len(f.entries) > f.capacity {
		f.entries = f.entries[:f.capacity]
	}
}

// Snapshot returns a read-only copy, most recent first.
func (f *Feed) Snapshot() []FeedEntry {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]FeedEntry, len(f.entries))
	copy(out, f.entries)
	return out
}

// Len reports the current window size.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}
