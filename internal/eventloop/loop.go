// Package eventloop serializes every callback that touches session state
// onto a single goroutine. Sensor samples, timer fires, socket events and
// user commands are all posted here as closures and run one at a time in
// the order they were posted, so loop-confined components need no locks.
package eventloop

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by Call when the loop has exited.
var ErrStopped = errors.New("event loop stopped")

// Executor accepts work for later, ordered execution.
type Executor interface {
	Post(fn func())
}

// Loop is an unbounded FIFO of closures. Post never blocks, which matters
// because timer callbacks and socket goroutines post from outside the
// loop and must not stall when the loop is busy.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

// New returns an idle loop. Nothing runs until Run or Drain is called.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post queues fn. Posts after the loop stopped are discarded.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes posted closures until ctx is cancelled. Closures still
// queued at cancellation are dropped.
func (l *Loop) Run(ctx context.Context) {
	defer l.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.wake:
			l.Drain()
		}
	}
}

// Drain runs everything queued so far, including closures posted by the
// closures it runs, on the calling goroutine. Tests use it in place of
// Run; production code never calls it while Run is active.
func (l *Loop) Drain() {
	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			fn()
		}
	}
}

// Call posts fn and waits for it to finish. It must not be called from
// the loop goroutine.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	l.Post(func() {
		fn()
		close(finished)
	})
	select {
	case <-finished:
		return nil
	case <-l.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

func (l *Loop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.pending = nil
	l.mu.Unlock()
	close(l.done)
}
