package call

import "time"

// Scheduler runs fn once after d. Implementations must not block the caller.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func())
}

// timeScheduler schedules on the runtime timer heap
type timeScheduler struct{}

func (timeScheduler) AfterFunc(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}
