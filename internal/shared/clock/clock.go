package clock

import (
	"sync"
	"time"
)

// Clock is the time source used for deadlines, bid timestamps and the closure sweep.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock. time.Now carries a monotonic reading, so
// comparisons between two Now values are immune to wall clock jumps.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fake is a manually driven Clock for tests. Safe for concurrent use.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake creates a fake clock frozen at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the clock forward by d and returns the new time.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	return f.now
}

// Set moves the clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}
