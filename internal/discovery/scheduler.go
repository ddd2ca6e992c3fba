package discovery

import "time"

// Scheduler arms delayed callbacks. The callback runs at most once;
// the returned cancel stops a pending callback and is a no-op once it
// has fired.
type Scheduler interface {
	After(d time.Duration, fn func()) (cancel func())
}

// TimerScheduler runs callbacks on real timers.
type TimerScheduler struct{}

func (TimerScheduler) After(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
