// Package scheduler abstracts delayed callbacks so timer-driven store
// behavior (auto-dismiss, debounced resize) can be tested deterministically.
package scheduler

import "time"

// Timer cancels a pending callback.
type Timer interface {
	// Stop prevents the callback from running. It reports false if the
	// callback already ran or was already stopped.
	Stop() bool
}

// Scheduler runs callbacks after a delay.
type Scheduler interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) Timer
}

type realScheduler struct{}

// Real returns the wall-clock scheduler. Callbacks run on their own goroutine.
func Real() Scheduler { return realScheduler{} }

func (realScheduler) Now() time.Time { return time.Now() }

func (realScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
