// Package motion turns raw acceleration into step events and a motion
// intensity signal. Both detectors consume the same per-sample deviation
// from gravity; compute it once with Deviation and feed it to each.
package motion

import (
	"math"
	"time"

	"github.com/stride-relay/stride/internal/config"
	"github.com/stride-relay/stride/internal/sensor"
)

// Deviation returns |‖(x,y,z)‖ - gravity|. ok is false when any component
// is NaN or infinite; such samples must be dropped.
func Deviation(s sensor.Sample, gravity float64) (d float64, ok bool) {
	for _, v := range [...]float64{s.X, s.Y, s.Z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
	}
	m := math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
	return math.Abs(m - gravity), true
}

// Round2 rounds half away from zero to two decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// StepDetector is a two-state {idle, armed} machine over the deviation
// signal. A step fires on the rising edge through the trigger threshold,
// at most once per MinStepInterval, and the detector re-arms only after
// the signal falls below the lower release threshold.
type StepDetector struct {
	trigger     float64
	release     float64
	minInterval time.Duration
	gravity     float64

	armed      bool
	lastStepAt time.Time
	hasStepped bool
}

func NewStepDetector(cfg config.DetectorConfig) *StepDetector {
	return &StepDetector{
		trigger:     cfg.StepThreshold,
		release:     cfg.ReleaseThreshold(),
		minInterval: cfg.MinStepInterval,
		gravity:     cfg.Gravity,
	}
}

// Observe feeds one deviation value captured at now and reports whether
// it completes a step.
func (d *StepDetector) Observe(now time.Time, dev float64) bool {
	if !d.armed {
		if dev > d.trigger && d.debounced(now) {
			d.armed = true
			d.lastStepAt = now
			d.hasStepped = true
			return true
		}
		return false
	}
	if dev < d.release {
		d.armed = false
	}
	return false
}

// OnSample is Observe for a raw sample. Malformed samples never step.
func (d *StepDetector) OnSample(s sensor.Sample) bool {
	dev, ok := Deviation(s, d.gravity)
	if !ok {
		return false
	}
	return d.Observe(s.CapturedAt, dev)
}

// debounced reports whether enough time has passed since the last step.
// Before the first step lastStepAt is treated as minus infinity.
func (d *StepDetector) debounced(now time.Time) bool {
	if !d.hasStepped {
		return true
	}
	return now.Sub(d.lastStepAt) > d.minInterval
}

func (d *StepDetector) Armed() bool { return d.armed }

func (d *StepDetector) Reset() {
	d.armed = false
	d.hasStepped = false
	d.lastStepAt = time.Time{}
}

// IntensityAggregator keeps the lifetime mean of deviation for the
// current session. There is no window or decay.
type IntensityAggregator struct {
	gravity float64
	sum     float64
	count   uint64
}

func NewIntensityAggregator(gravity float64) *IntensityAggregator {
	return &IntensityAggregator{gravity: gravity}
}

// Add folds one deviation into the mean and returns the new average.
func (a *IntensityAggregator) Add(dev float64) (avg float64, ok bool) {
	a.sum += dev
	a.count++
	return a.Average()
}

// OnSample is Add for a raw sample. Malformed samples leave the mean
// unchanged.
func (a *IntensityAggregator) OnSample(s sensor.Sample) (avg float64, ok bool) {
	dev, valid := Deviation(s, a.gravity)
	if !valid {
		return a.Average()
	}
	return a.Add(dev)
}

// Average returns sum/count rounded to two decimals; ok is false until
// the first sample.
func (a *IntensityAggregator) Average() (avg float64, ok bool) {
	if a.count == 0 {
		return 0, false
	}
	return Round2(a.sum / float64(a.count)), true
}

func (a *IntensityAggregator) Count() uint64 { return a.count }

func (a *IntensityAggregator) Reset() {
	a.sum = 0
	a.count = 0
}
