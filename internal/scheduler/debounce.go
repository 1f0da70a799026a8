package scheduler

import (
	"sync"
	"time"
)

// Debouncer collapses bursts of calls into one callback run after a quiet
// period. The most recent call's function wins.
type Debouncer struct {
	mu    sync.Mutex
	sched Scheduler
	delay time.Duration
	timer Timer
	seq   uint64
}

// NewDebouncer creates a debouncer on sched. A nil sched uses Real.
func NewDebouncer(sched Scheduler, delay time.Duration) *Debouncer {
	if sched == nil {
		sched = Real()
	}
	return &Debouncer{sched: sched, delay: delay}
}

// Call schedules fn after the quiet period, replacing any pending call.
func (d *Debouncer) Call(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.seq++
	seq := d.seq
	d.timer = d.sched.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if d.seq != seq {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		fn()
	})
}

// Cancel drops any pending call.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Pending reports whether a call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}
