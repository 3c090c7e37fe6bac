package sensor

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/stride-relay/stride/internal/clock"
	"github.com/stride-relay/stride/internal/config"
)

// stanceFraction is the share of each stride cycle spent in the impact
// bump; the remainder sits at rest so the detector can release.
const stanceFraction = 0.5

// Simulator is a Feed that synthesizes a walking signal: gravity on the
// z axis, a half-sine impact bump once per step, a slow lateral sway and
// seeded noise. It only ticks while somebody is subscribed.
type Simulator struct {
	clock   clock.Clock
	cfg     config.SimulatorConfig
	gravity float64

	mu       sync.Mutex
	interval time.Duration
	subs     map[int]func(Sample)
	nextID   int
	timer    clock.Timer
	chain    uint64
	started  time.Time
	rng      *rand.Rand
}

// NewSimulator returns a simulator sampling at cfg.SampleInterval.
func NewSimulator(clk clock.Clock, cfg config.SensorConfig, gravity float64) *Simulator {
	return &Simulator{
		clock:    clk,
		cfg:      cfg.Simulate,
		gravity:  gravity,
		interval: cfg.SampleInterval,
		subs:     make(map[int]func(Sample)),
		rng:      rand.New(rand.NewSource(cfg.Simulate.Seed)),
	}
}

func (s *Simulator) IsAvailable(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.cfg.Available, nil
}

func (s *Simulator) RequestPermission(ctx context.Context) (Permission, error) {
	if err := ctx.Err(); err != nil {
		return Denied, err
	}
	if s.cfg.Permission == "denied" {
		return Denied, nil
	}
	return Granted, nil
}

func (s *Simulator) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.interval = d
	s.mu.Unlock()
}

func (s *Simulator) Subscribe(fn func(Sample)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	if s.timer == nil {
		s.started = s.clock.Now()
		s.chain++
		s.schedule(s.chain)
	}

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(id) })
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Simulator) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Simulator) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
	if len(s.subs) == 0 && s.timer != nil {
		s.timer.Stop()
		s.timer = nil
		s.chain++
	}
}

// schedule arms the next tick of chain. Caller holds mu.
func (s *Simulator) schedule(chain uint64) {
	s.timer = s.clock.AfterFunc(s.interval, func() { s.tick(chain) })
}

// tick runs one step of chain. A tick that fired while unsubscribe was
// stopping its timer belongs to a superseded chain and does nothing.
func (s *Simulator) tick(chain uint64) {
	s.mu.Lock()
	if chain != s.chain || len(s.subs) == 0 {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	sample := s.sampleAt(now)
	fns := make([]func(Sample), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.schedule(chain)
	s.mu.Unlock()

	for _, fn := range fns {
		fn(sample)
	}
}

// sampleAt computes the reading at now. Caller holds mu.
func (s *Simulator) sampleAt(now time.Time) Sample {
	t := now.Sub(s.started).Seconds()

	bump := 0.0
	if s.cfg.Cadence > 0 {
		_, phase := math.Modf(t * s.cfg.Cadence)
		if phase < stanceFraction {
			bump = s.cfg.Amplitude * math.Sin(math.Pi*phase/stanceFraction)
		}
	}
	sway := 0.2 * math.Sin(2*math.Pi*0.5*t)

	return Sample{
		X:          sway + s.noise(),
		Y:          s.noise(),
		Z:          s.gravity + bump + s.noise(),
		CapturedAt: now,
	}
}

func (s *Simulator) noise() float64 {
	if s.cfg.Noise == 0 {
		return 0
	}
	return s.rng.NormFloat64() * s.cfg.Noise
}
