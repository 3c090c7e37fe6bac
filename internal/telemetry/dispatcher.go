// Package telemetry periodically relays session snapshots to the
// transport. Delivery is best effort: a snapshot that cannot be sent is
// dropped, because the next tick carries a newer one.
package telemetry

import (
	"encoding/json"
	"log"
	"time"

	"github.com/stride-relay/stride/internal/clock"
	"github.com/stride-relay/stride/internal/eventloop"
	"github.com/stride-relay/stride/internal/session"
)

// DefaultInterval is the dispatch period used when Arm is given a
// non-positive interval.
const DefaultInterval = 900 * time.Millisecond

// Source produces the snapshot to send. ok is false when there is no
// active session.
type Source interface {
	Snapshot() (snap session.Snapshot, ok bool)
}

// Sender offers bytes to the network without blocking.
type Sender interface {
	Send(data []byte) bool
}

type Stats struct {
	Attempted uint64 `json:"attempted"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

// Dispatcher is loop-confined. Its timer fires on the clock's goroutine
// and re-posts onto the loop; each arm gets a fresh generation so a tick
// scheduled under an earlier arm is ignored.
type Dispatcher struct {
	exec   eventloop.Executor
	clock  clock.Clock
	source Source
	sender Sender

	armed    bool
	interval time.Duration
	gen      uint64
	timer    clock.Timer
	stats    Stats
}

func NewDispatcher(exec eventloop.Executor, clk clock.Clock, source Source, sender Sender) *Dispatcher {
	return &Dispatcher{
		exec:   exec,
		clock:  clk,
		source: source,
		sender: sender,
	}
}

// Arm starts periodic dispatch. Re-arming restarts the period.
func (d *Dispatcher) Arm(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	d.Disarm()
	d.armed = true
	d.interval = interval
	d.schedule(d.gen)
}

// Disarm cancels the pending tick. Ticks already posted to the loop see
// the bumped generation and do nothing.
func (d *Dispatcher) Disarm() {
	d.armed = false
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Dispatcher) Armed() bool { return d.armed }

// DispatchNow sends the current snapshot with the given finished flag.
// It reports whether the transport accepted it; false covers both "no
// session" and "not connected".
func (d *Dispatcher) DispatchNow(finished bool) bool {
	snap, ok := d.source.Snapshot()
	if !ok {
		return false
	}
	snap.Finished = finished

	data, err := json.Marshal(snap)
	if err != nil {
		log.Printf("[telemetry] marshal error: %v", err)
		return false
	}

	d.stats.Attempted++
	if d.sender.Send(data) {
		d.stats.Delivered++
		return true
	}
	d.stats.Dropped++
	if finished {
		log.Printf("[telemetry] final snapshot for %s dropped (transport not connected)", snap.SessionID)
	}
	return false
}

func (d *Dispatcher) Stats() Stats { return d.stats }

func (d *Dispatcher) schedule(gen uint64) {
	d.timer = d.clock.AfterFunc(d.interval, func() {
		d.exec.Post(func() { d.tick(gen) })
	})
}

func (d *Dispatcher) tick(gen uint64) {
	if !d.armed || gen != d.gen {
		return
	}
	d.timer = nil
	d.DispatchNow(false)
	d.schedule(gen)
}
