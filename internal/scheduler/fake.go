package scheduler

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manual scheduler for tests. Time moves only on Advance, and due
// callbacks run synchronously in deadline order on the advancing goroutine.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     uint64
	waiters []*fakeTimer
}

type fakeTimer struct {
	f        *Fake
	deadline time.Time
	seq      uint64
	fn       func()
	done     bool
}

// NewFake returns a Fake starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc registers fn. A non-positive delay is due on the next Advance.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{f: f, deadline: f.now.Add(d), seq: f.seq, fn: fn}
	f.waiters = append(f.waiters, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.f.mu.Lock()
	defer t.f.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}

// Advance moves time forward by d and runs every callback that became due,
// including ones scheduled by callbacks within the window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDueLocked(target)
		if next == nil {
			f.now = target
			f.compactLocked()
			f.mu.Unlock()
			return
		}
		next.done = true
		if next.deadline.After(f.now) {
			f.now = next.deadline
		}
		f.mu.Unlock()
		next.fn()
	}
}

// Pending returns the number of callbacks not yet run or stopped.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, w := range f.waiters {
		if !w.done {
			n++
		}
	}
	return n
}

func (f *Fake) nextDueLocked(target time.Time) *fakeTimer {
	var due []*fakeTimer
	for _, w := range f.waiters {
		if !w.done && !w.deadline.After(target) {
			due = append(due, w)
		}
	}
	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].deadline.Equal(due[j].deadline) {
			return due[i].seq < due[j].seq
		}
		return due[i].deadline.Before(due[j].deadline)
	})
	return due[0]
}

func (f *Fake) compactLocked() {
	live := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.done {
			live = append(live, w)
		}
	}
	f.waiters = live
}

var _ Scheduler = (*Fake)(nil)
