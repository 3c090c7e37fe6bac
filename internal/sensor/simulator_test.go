package sensor

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stride-relay/stride/internal/clock"
	"github.com/stride-relay/stride/internal/config"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func newTestSimulator(c *clock.Fake, mutate func(*config.SensorConfig)) *Simulator {
	cfg := config.Default().Sensor
	cfg.SampleInterval = 100 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	return NewSimulator(c, cfg, 9.81)
}

func TestSimulatorDeliversAtInterval(t *testing.T) {
	c := clock.NewFake(epoch)
	sim := newTestSimulator(c, nil)

	var got []Sample
	unsub := sim.Subscribe(func(s Sample) { got = append(got, s) })
	defer unsub()

	c.Advance(time.Second)
	if len(got) != 10 {
		t.Fatalf("got %d samples in 1s at 100ms, want 10", len(got))
	}
	for i := 1; i < len(got); i++ {
		if gap := got[i].CapturedAt.Sub(got[i-1].CapturedAt); gap != 100*time.Millisecond {
			t.Errorf("sample %d gap = %v, want 100ms", i, gap)
		}
	}
}

func TestSimulatorStopsWhenUnsubscribed(t *testing.T) {
	c := clock.NewFake(epoch)
	sim := newTestSimulator(c, nil)

	n := 0
	unsub := sim.Subscribe(func(Sample) { n++ })
	c.Advance(300 * time.Millisecond)
	unsub()
	unsub() // idempotent

	c.Advance(time.Second)
	if n != 3 {
		t.Errorf("delivered %d samples, want 3", n)
	}
	if sim.Subscribers() != 0 {
		t.Errorf("Subscribers() = %d, want 0", sim.Subscribers())
	}
	if c.Pending() != 0 {
		t.Errorf("simulator left %d timers pending", c.Pending())
	}
}

func TestSimulatorRestingSignalIsGravity(t *testing.T) {
	c := clock.NewFake(epoch)
	sim := newTestSimulator(c, func(cfg *config.SensorConfig) {
		cfg.Simulate.Cadence = 0
		cfg.Simulate.Noise = 0
	})

	var last Sample
	unsub := sim.Subscribe(func(s Sample) { last = s })
	defer unsub()
	c.Advance(100 * time.Millisecond)

	m := math.Sqrt(last.X*last.X + last.Y*last.Y + last.Z*last.Z)
	if math.Abs(m-9.81) > 0.25 {
		t.Errorf("resting magnitude = %.3f, want ~9.81", m)
	}
}

func TestSimulatorCapabilities(t *testing.T) {
	c := clock.NewFake(epoch)
	ctx := context.Background()

	granted := newTestSimulator(c, nil)
	if got := Probe(ctx, granted); got.Permission != Granted || !got.Available {
		t.Errorf("default Probe = %+v, want granted and available", got)
	}

	denied := newTestSimulator(c, func(cfg *config.SensorConfig) { cfg.Simulate.Permission = "denied" })
	if got := Probe(ctx, denied); got.Permission != Denied || got.Available {
		t.Errorf("denied Probe = %+v, want denied and not checked", got)
	}

	missing := newTestSimulator(c, func(cfg *config.SensorConfig) { cfg.Simulate.Available = false })
	if got := Probe(ctx, missing); got.Permission != Granted || got.Available {
		t.Errorf("unavailable Probe = %+v, want granted and unavailable", got)
	}
}

func TestProbeCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sim := newTestSimulator(clock.NewFake(epoch), nil)
	if got := Probe(ctx, sim); got.Permission != Denied {
		t.Errorf("Probe with cancelled ctx = %+v, want denied", got)
	}
}

func TestSimulatorStaleTickAfterResubscribe(t *testing.T) {
	c := clock.NewFake(epoch)
	sim := newTestSimulator(c, nil)

	unsub := sim.Subscribe(func(Sample) {})
	sim.mu.Lock()
	first := sim.chain
	sim.mu.Unlock()
	unsub()

	var got int
	unsub = sim.Subscribe(func(Sample) { got++ })
	defer unsub()

	// A tick from the first subscription that fired before its timer was
	// stopped, and only reached the lock after the resubscribe.
	sim.tick(first)
	if got != 0 {
		t.Fatalf("stale tick delivered %d samples", got)
	}

	c.Advance(time.Second)
	if got != 10 {
		t.Errorf("got %d samples in 1s at 100ms, want 10 (one tick chain)", got)
	}
	if n := c.Pending(); n != 1 {
		t.Errorf("%d timers pending, want 1", n)
	}
}
