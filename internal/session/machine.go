package session

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/stride-relay/stride/internal/clock"
	"github.com/stride-relay/stride/internal/config"
	"github.com/stride-relay/stride/internal/eventloop"
	"github.com/stride-relay/stride/internal/motion"
	"github.com/stride-relay/stride/internal/sensor"
)

type State int

const (
	Idle State = iota
	Running
)

var stateNames = map[State]string{
	Idle:    "idle",
	Running: "running",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Status messages surfaced to the UI layer.
const (
	StatusStarted              = "Session started"
	StatusStartedWithoutSensor = "Session started without accelerometer; steps and intensity unavailable."
	StatusStopped              = "Session stopped"
	StatusPermissionDenied     = "Permission for activity recognition not granted."
	StatusSensorUnavailable    = "Pedometer not available (use physical device)."
)

var (
	ErrPermissionDenied  = errors.New("sensor permission denied")
	ErrSensorUnavailable = errors.New("sensor unavailable")
)

// Dispatcher is the telemetry side of a session: armed while running,
// asked for one final send at stop.
type Dispatcher interface {
	Arm(interval time.Duration)
	Disarm()
	DispatchNow(finished bool) bool
}

// Session identifies the active walk.
type Session struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"startedAt"`
}

// Options configures a Machine.
type Options struct {
	Detector               config.DetectorConfig
	SampleInterval         time.Duration
	SendInterval           time.Duration
	AllowUnavailableSensor bool
	// NewID generates session ids. Defaults to random UUIDs.
	NewID func() string
}

// Machine owns the session lifecycle (idle -> running -> idle) and the
// per-session metrics. It is confined to the event loop: every method
// must run on the loop goroutine. Sensor callbacks are re-posted to the
// loop and dropped if the session they were registered for has ended.
type Machine struct {
	exec       eventloop.Executor
	clock      clock.Clock
	feed       sensor.Feed
	dispatcher Dispatcher
	opts       Options

	detector  *motion.StepDetector
	intensity *motion.IntensityAggregator
	elapsed   Clock

	state       State
	session     *Session
	steps       uint64
	status      string
	unsubscribe func()

	sensorChecked   bool
	sensorAvailable bool
	malformed       uint64
	last            *Snapshot
}

func NewMachine(exec eventloop.Executor, clk clock.Clock, feed sensor.Feed, opts Options) *Machine {
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Machine{
		exec:      exec,
		clock:     clk,
		feed:      feed,
		opts:      opts,
		detector:  motion.NewStepDetector(opts.Detector),
		intensity: motion.NewIntensityAggregator(opts.Detector.Gravity),
	}
}

// SetDispatcher attaches the telemetry dispatcher. Must be called before
// the first Start.
func (m *Machine) SetDispatcher(d Dispatcher) {
	m.dispatcher = d
}

// Start transitions idle -> running when access allows it. Starting while
// running is a no-op. A denied permission or a missing sensor leaves the
// machine idle, sets the status message and returns the matching error.
func (m *Machine) Start(access sensor.Access) error {
	if m.state == Running {
		return nil
	}

	if access.Permission != sensor.Granted {
		m.status = StatusPermissionDenied
		log.Printf("[session] start refused: %v", ErrPermissionDenied)
		return ErrPermissionDenied
	}

	m.sensorChecked = true
	m.sensorAvailable = access.Available
	if !access.Available && !m.opts.AllowUnavailableSensor {
		m.status = StatusSensorUnavailable
		log.Printf("[session] start refused: %v", ErrSensorUnavailable)
		return ErrSensorUnavailable
	}

	id := m.opts.NewID()
	now := m.clock.Now()

	m.detector.Reset()
	m.intensity.Reset()
	m.steps = 0
	m.malformed = 0
	m.elapsed.Start(now)
	m.session = &Session{ID: id, StartedAt: now}
	m.last = nil
	m.state = Running

	if access.Available {
		m.feed.SetInterval(m.opts.SampleInterval)
		m.unsubscribe = m.feed.Subscribe(func(s sensor.Sample) {
			m.exec.Post(func() { m.onSample(id, s) })
		})
		m.status = StatusStarted
	} else {
		m.status = StatusStartedWithoutSensor
	}

	if m.dispatcher != nil {
		m.dispatcher.Arm(m.opts.SendInterval)
	}

	log.Printf("[session] started %s", id)
	return nil
}

// Stop transitions running -> idle. It disarms telemetry, makes exactly
// one finished=true dispatch attempt, unsubscribes from the sensor and
// clears the session, all before returning. Stopping while idle is a
// no-op.
func (m *Machine) Stop() {
	if m.state != Running {
		return
	}

	final, _ := m.Snapshot()
	final.Finished = true

	if m.dispatcher != nil {
		m.dispatcher.Disarm()
		m.dispatcher.DispatchNow(true)
	}
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}

	log.Printf("[session] stopped %s after %s: %s steps",
		m.session.ID, time.Duration(final.DurationSeconds)*time.Second, humanize.Comma(int64(final.Steps)))
	if m.malformed > 0 {
		log.Printf("[session] %d malformed samples dropped", m.malformed)
	}

	m.elapsed.Stop()
	m.session = nil
	m.last = &final
	m.state = Idle
	m.status = StatusStopped
}

// Snapshot builds the current snapshot. ok is false while idle.
func (m *Machine) Snapshot() (snap Snapshot, ok bool) {
	if m.state != Running {
		return Snapshot{}, false
	}
	now := m.clock.Now()
	snap = Snapshot{
		SessionID:       m.session.ID,
		Steps:           m.steps,
		DurationSeconds: m.elapsed.ElapsedSeconds(now),
		Timestamp:       epochMillis(now),
	}
	if avg, defined := m.intensity.Average(); defined {
		snap.AvgIntensity = &avg
	}
	return snap, true
}

// OnSample feeds a sample into the active session. Samples arriving while
// idle are ignored.
func (m *Machine) OnSample(s sensor.Sample) {
	if m.session == nil {
		return
	}
	m.onSample(m.session.ID, s)
}

func (m *Machine) onSample(id string, s sensor.Sample) {
	if m.state != Running || m.session == nil || m.session.ID != id {
		return
	}
	dev, ok := motion.Deviation(s, m.opts.Detector.Gravity)
	if !ok {
		m.malformed++
		return
	}
	if m.detector.Observe(s.CapturedAt, dev) {
		m.steps++
	}
	m.intensity.Add(dev)
}

func (m *Machine) State() State   { return m.state }
func (m *Machine) Status() string { return m.status }
func (m *Machine) Steps() uint64  { return m.steps }
func (m *Machine) Running() bool  { return m.state == Running }

func (m *Machine) Session() (Session, bool) {
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// View is a copy of everything a UI needs to render the session.
type View struct {
	State  State  `json:"state"`
	Status string `json:"status"`
	// Snapshot is the live snapshot while running, the final one after
	// a stop, and nil before the first session.
	Snapshot        *Snapshot `json:"snapshot,omitempty"`
	SensorChecked   bool      `json:"sensorChecked"`
	SensorAvailable bool      `json:"sensorAvailable"`
	MalformedDrops  uint64    `json:"malformedDrops"`
}

func (m *Machine) View() View {
	v := View{
		State:           m.state,
		Status:          m.status,
		SensorChecked:   m.sensorChecked,
		SensorAvailable: m.sensorAvailable,
		MalformedDrops:  m.malformed,
	}
	if snap, ok := m.Snapshot(); ok {
		v.Snapshot = &snap
	} else if m.last != nil {
		last := *m.last
		v.Snapshot = &last
	}
	return v
}
