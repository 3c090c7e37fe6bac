// Package transport keeps one message-oriented connection to the
// telemetry endpoint alive. It reconnects after every close or error on a
// fixed delay, forever, and never blocks a sender waiting for the link.
package transport

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stride-relay/stride/internal/clock"
	"github.com/stride-relay/stride/internal/eventloop"
)

type State int32

const (
	Connecting State = iota
	Connected
	Disconnected
)

var stateNames = map[State]string{
	Connecting:   "connecting",
	Connected:    "connected",
	Disconnected: "disconnected",
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

// Conn is one established link. ReadMessage blocks until a message
// arrives or the link fails; the transport only uses it to notice closes.
type Conn interface {
	WriteMessage(data []byte) error
	ReadMessage() ([]byte, error)
	Close() error
}

// Dialer opens a Conn. It must return promptly once ctx is cancelled.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

type Options struct {
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	OutboxSize     int
}

type Stats struct {
	Dials       uint64 `json:"dials"`
	Connects    uint64 `json:"connects"`
	Disconnects uint64 `json:"disconnects"`
	Accepted    uint64 `json:"accepted"`
	Rejected    uint64 `json:"rejected"`
}

// Transport is confined to the event loop except for State, which any
// goroutine may read. Each connection attempt gets a generation number;
// dial results and link failures carry it back to the loop, and anything
// from a superseded generation is discarded.
type Transport struct {
	exec   eventloop.Executor
	clock  clock.Clock
	dialer Dialer
	opts   Options

	state atomic.Int32

	endpoint   string
	gen        uint64
	closed     bool
	cancelDial context.CancelFunc
	live       *link
	reconnect  clock.Timer
	observers  []func(State)
	stats      Stats
}

func New(exec eventloop.Executor, clk clock.Clock, dialer Dialer, opts Options) *Transport {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 16
	}
	t := &Transport{
		exec:   exec,
		clock:  clk,
		dialer: dialer,
		opts:   opts,
	}
	t.state.Store(int32(Disconnected))
	return t
}

// OnStateChange registers fn to run on the loop after every transition.
func (t *Transport) OnStateChange(fn func(State)) {
	t.observers = append(t.observers, fn)
}

// State is safe to call from any goroutine.
func (t *Transport) State() State {
	return State(t.state.Load())
}

func (t *Transport) Stats() Stats { return t.stats }

// Connect starts the connect/reconnect cycle for endpoint.
func (t *Transport) Connect(endpoint string) {
	t.endpoint = endpoint
	t.closed = false
	t.connect()
}

// Reconnect abandons the current link or attempt and dials again now.
func (t *Transport) Reconnect() {
	if t.closed || t.endpoint == "" {
		return
	}
	t.connect()
}

// Send offers data to the live link. It returns false without blocking
// when there is no link or its outbox is full.
func (t *Transport) Send(data []byte) bool {
	if t.live == nil || t.State() != Connected {
		t.stats.Rejected++
		return false
	}
	if !t.live.offer(data) {
		t.stats.Rejected++
		return false
	}
	t.stats.Accepted++
	return true
}

// Drain stops the live link from accepting more data and returns a
// channel closed once its write pump has written everything already
// queued, or has given up on the link. Without a link the channel is
// already closed.
func (t *Transport) Drain() <-chan struct{} {
	if t.live == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return t.live.drain()
}

// Close stops the cycle for good and drops the link.
func (t *Transport) Close() {
	if t.closed {
		return
	}
	t.closed = true
	t.gen++
	t.teardown()
	t.setState(Disconnected)
}

func (t *Transport) connect() {
	t.teardown()
	t.gen++
	gen := t.gen
	t.setState(Connecting)

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if t.opts.DialTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), t.opts.DialTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	t.cancelDial = cancel
	t.stats.Dials++

	endpoint := t.endpoint
	go func() {
		conn, err := t.dialer.Dial(ctx, endpoint)
		t.exec.Post(func() { t.dialed(gen, conn, err) })
	}()
}

func (t *Transport) dialed(gen uint64, conn Conn, err error) {
	if gen != t.gen || t.closed {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if t.cancelDial != nil {
		t.cancelDial()
		t.cancelDial = nil
	}
	if err != nil {
		log.Printf("[transport] dial %s failed: %v", t.endpoint, err)
		t.down(gen, err)
		return
	}

	l := newLink(conn, t.opts.OutboxSize)
	t.live = l
	t.stats.Connects++
	t.setState(Connected)

	report := func(err error) {
		t.exec.Post(func() { t.down(gen, err) })
	}
	go l.writePump(report)
	go l.readPump(report)
}

// down handles a close or error on generation gen: drop the link, go
// disconnected and schedule the next attempt. Both pumps may report the
// same failure; only the first counts.
func (t *Transport) down(gen uint64, err error) {
	if gen != t.gen || t.closed || t.State() == Disconnected {
		return
	}
	if t.live != nil {
		t.live.close()
		t.live = nil
		log.Printf("[transport] connection to %s lost: %v", t.endpoint, err)
	}
	t.stats.Disconnects++
	t.setState(Disconnected)
	t.scheduleReconnect()
}

func (t *Transport) scheduleReconnect() {
	if t.reconnect != nil {
		return
	}
	gen := t.gen
	t.reconnect = t.clock.AfterFunc(t.opts.ReconnectDelay, func() {
		t.exec.Post(func() { t.fireReconnect(gen) })
	})
}

func (t *Transport) fireReconnect(gen uint64) {
	if gen != t.gen || t.closed {
		return
	}
	t.reconnect = nil
	t.connect()
}

// teardown cancels the in-flight dial, the pending reconnect timer and the
// live link, so that at most one attempt exists after the caller starts
// the next.
func (t *Transport) teardown() {
	if t.reconnect != nil {
		t.reconnect.Stop()
		t.reconnect = nil
	}
	if t.cancelDial != nil {
		t.cancelDial()
		t.cancelDial = nil
	}
	if t.live != nil {
		t.live.close()
		t.live = nil
	}
}

func (t *Transport) setState(s State) {
	prev := State(t.state.Swap(int32(s)))
	if prev == s {
		return
	}
	if s == Connected {
		log.Printf("[transport] connected to %s", t.endpoint)
	}
	for _, fn := range t.observers {
		fn(s)
	}
}

// link owns one Conn: a bounded outbox drained by a write pump, and a
// read pump that exists to observe the peer closing.
type link struct {
	conn      Conn
	outbox    chan []byte
	quit      chan struct{}
	draining  chan struct{}
	flushed   chan struct{}
	once      sync.Once
	drainOnce sync.Once
}

func newLink(conn Conn, size int) *link {
	return &link{
		conn:     conn,
		outbox:   make(chan []byte, size),
		quit:     make(chan struct{}),
		draining: make(chan struct{}),
		flushed:  make(chan struct{}),
	}
}

func (l *link) offer(data []byte) bool {
	select {
	case <-l.quit:
		return false
	case <-l.draining:
		return false
	default:
	}
	select {
	case l.outbox <- data:
		return true
	default:
		return false
	}
}

func (l *link) drain() <-chan struct{} {
	l.drainOnce.Do(func() { close(l.draining) })
	return l.flushed
}

func (l *link) writePump(report func(error)) {
	defer close(l.flushed)
	for {
		select {
		case <-l.quit:
			return
		case msg := <-l.outbox:
			if err := l.conn.WriteMessage(msg); err != nil {
				report(err)
				return
			}
		case <-l.draining:
			l.flush(report)
			return
		}
	}
}

// flush writes whatever is still queued. offer refuses new data once
// draining is closed, so the outbox only shrinks here.
func (l *link) flush(report func(error)) {
	for {
		select {
		case <-l.quit:
			return
		case msg := <-l.outbox:
			if err := l.conn.WriteMessage(msg); err != nil {
				report(err)
				return
			}
		default:
			return
		}
	}
}

func (l *link) readPump(report func(error)) {
	for {
		if _, err := l.conn.ReadMessage(); err != nil {
			report(err)
			return
		}
	}
}

func (l *link) close() {
	l.once.Do(func() {
		close(l.quit)
		l.conn.Close()
	})
}
