// Package engine assembles one device's session runtime: the event loop,
// the session machine, the telemetry dispatcher and the transport. Its
// methods are safe to call from any goroutine; each hops onto the loop.
package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/stride-relay/stride/internal/clock"
	"github.com/stride-relay/stride/internal/config"
	"github.com/stride-relay/stride/internal/eventloop"
	"github.com/stride-relay/stride/internal/sensor"
	"github.com/stride-relay/stride/internal/session"
	"github.com/stride-relay/stride/internal/telemetry"
	"github.com/stride-relay/stride/internal/transport"
)

// DefaultShutdownGrace bounds how long Run waits for the outbox to drain
// before closing the link.
const DefaultShutdownGrace = 2 * time.Second

type Options struct {
	Config *config.Config
	Clock  clock.Clock
	Feed   sensor.Feed
	Dialer transport.Dialer
	// Endpoint overrides Config.Transport.Endpoint when set.
	Endpoint      string
	ShutdownGrace time.Duration
	NewID         func() string
}

// View is a point-in-time copy of the runtime for display.
type View struct {
	session.View
	Endpoint   string          `json:"endpoint"`
	Connection transport.State `json:"connection"`
	Transport  transport.Stats `json:"transport"`
	Telemetry  telemetry.Stats `json:"telemetry"`
}

type Engine struct {
	loop       *eventloop.Loop
	feed       sensor.Feed
	machine    *session.Machine
	dispatcher *telemetry.Dispatcher
	transport  *transport.Transport
	endpoint   string
	grace      time.Duration
}

func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Feed == nil {
		return nil, errors.New("engine: no sensor feed")
	}
	if opts.Dialer == nil {
		return nil, errors.New("engine: no dialer")
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	cfg := opts.Config
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = cfg.Transport.Endpoint
	}
	if endpoint == "" {
		return nil, errors.New("engine: no transport endpoint")
	}

	loop := eventloop.New()
	machine := session.NewMachine(loop, opts.Clock, opts.Feed, session.Options{
		Detector:               cfg.Detector,
		SampleInterval:         cfg.Sensor.SampleInterval,
		SendInterval:           cfg.Telemetry.SendInterval,
		AllowUnavailableSensor: cfg.Session.AllowUnavailableSensor,
		NewID:                  opts.NewID,
	})
	tr := transport.New(loop, opts.Clock, opts.Dialer, transport.Options{
		ReconnectDelay: cfg.Transport.ReconnectDelay,
		DialTimeout:    cfg.Transport.DialTimeout,
		OutboxSize:     cfg.Transport.OutboxSize,
	})
	dispatcher := telemetry.NewDispatcher(loop, opts.Clock, machine, tr)
	machine.SetDispatcher(dispatcher)

	tr.OnStateChange(func(s transport.State) {
		if s == transport.Disconnected && machine.Running() {
			log.Printf("[engine] link down during session; telemetry dropped until reconnect")
		}
	})

	return &Engine{
		loop:       loop,
		feed:       opts.Feed,
		machine:    machine,
		dispatcher: dispatcher,
		transport:  tr,
		endpoint:   endpoint,
		grace:      opts.ShutdownGrace,
	}, nil
}

// Run connects the transport and processes events until ctx is done. On
// the way out it stops any running session, which makes the final
// dispatch attempt, waits up to the shutdown grace for everything the
// transport accepted to be written, then closes the transport.
func (e *Engine) Run(ctx context.Context) error {
	loopCtx, cancelLoop := context.WithCancel(context.Background())
	defer func() {
		cancelLoop()
		<-e.loop.Done()
	}()
	go e.loop.Run(loopCtx)

	e.loop.Post(func() { e.transport.Connect(e.endpoint) })
	log.Printf("[engine] running, telemetry to %s", e.endpoint)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The session may already have been stopped by the caller, in which
	// case its finished snapshot can still be sitting in the outbox.
	var flushed <-chan struct{}
	if err := e.loop.Call(shutdownCtx, func() {
		e.machine.Stop()
		flushed = e.transport.Drain()
	}); err != nil {
		return err
	}
	grace := time.NewTimer(e.grace)
	defer grace.Stop()
	select {
	case <-flushed:
	case <-grace.C:
		log.Printf("[engine] outbox not drained after %v; closing anyway", e.grace)
	case <-shutdownCtx.Done():
	}
	if err := e.loop.Call(shutdownCtx, e.transport.Close); err != nil {
		return err
	}
	log.Printf("[engine] stopped")
	return nil
}

// StartSession checks sensor access off the loop, then starts the session
// on it. Errors are session.ErrPermissionDenied, session.ErrSensorUnavailable
// or a context/loop error.
func (e *Engine) StartSession(ctx context.Context) error {
	access := sensor.Probe(ctx, e.feed)
	if err := ctx.Err(); err != nil {
		return err
	}
	var startErr error
	if err := e.loop.Call(ctx, func() { startErr = e.machine.Start(access) }); err != nil {
		return err
	}
	return startErr
}

// StopSession returns once the final dispatch has been attempted and the
// session torn down.
func (e *Engine) StopSession(ctx context.Context) error {
	return e.loop.Call(ctx, e.machine.Stop)
}

// Reconnect drops the current link or attempt and dials again.
func (e *Engine) Reconnect() {
	e.loop.Post(e.transport.Reconnect)
}

func (e *Engine) View(ctx context.Context) (View, error) {
	var v View
	err := e.loop.Call(ctx, func() {
		v = View{
			View:       e.machine.View(),
			Endpoint:   e.endpoint,
			Connection: e.transport.State(),
			Transport:  e.transport.Stats(),
			Telemetry:  e.dispatcher.Stats(),
		}
	})
	return v, err
}

// ConnectionState may be called from any goroutine without a loop hop.
func (e *Engine) ConnectionState() transport.State {
	return e.transport.State()
}
