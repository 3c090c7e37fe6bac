// Package sensor defines the accelerometer feed the session core consumes
// and a simulated feed for hosts without a physical sensor.
package sensor

import (
	"context"
	"log"
	"time"
)

// Sample is one tri-axial acceleration reading in m/s^2.
type Sample struct {
	X, Y, Z    float64
	CapturedAt time.Time
}

type Permission int

const (
	Denied Permission = iota
	Granted
)

func (p Permission) String() string {
	if p == Granted {
		return "granted"
	}
	return "denied"
}

// Access is the outcome of the capability check that guards session
// start.
type Access struct {
	Permission Permission
	Available  bool
}

// Feed is the boundary to the platform sensor. Subscribe callbacks may be
// invoked on any goroutine; consumers hop onto their own event loop.
type Feed interface {
	IsAvailable(ctx context.Context) (bool, error)
	RequestPermission(ctx context.Context) (Permission, error)
	// Subscribe registers fn for every sample and returns a function that
	// removes it. The returned function is safe to call more than once.
	Subscribe(fn func(Sample)) (unsubscribe func())
	SetInterval(d time.Duration)
}

// Probe runs the capability check: permission first, then availability.
// Errors are logged and treated as a negative answer.
func Probe(ctx context.Context, feed Feed) Access {
	var access Access

	perm, err := feed.RequestPermission(ctx)
	if err != nil {
		log.Printf("[sensor] permission request failed: %v", err)
		return access
	}
	access.Permission = perm
	if perm != Granted {
		return access
	}

	ok, err := feed.IsAvailable(ctx)
	if err != nil {
		log.Printf("[sensor] availability check failed: %v", err)
		return access
	}
	access.Available = ok
	return access
}
