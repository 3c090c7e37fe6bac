// Package clock abstracts time so that timers, tickers and elapsed-time
// arithmetic can be driven deterministically in tests. Production code
// takes Real(); tests take a *Fake and call Advance.
package clock

import "time"

// Clock is the subset of the time package the rest of the module uses.
type Clock interface {
	// Now returns the current time. Values from Real carry a monotonic
	// reading, so Sub between two of them ignores wall-clock steps.
	Now() time.Time

	// AfterFunc calls f after d elapses. f runs on an arbitrary
	// goroutine for Real and synchronously inside Advance for Fake.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call. It reports whether the call was still
	// pending.
	Stop() bool
}

type realClock struct{}

// Real returns the Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
