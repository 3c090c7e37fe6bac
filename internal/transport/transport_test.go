package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stride-relay/stride/internal/clock"
	"github.com/stride-relay/stride/internal/eventloop"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

var errRefused = errors.New("connection refused")

type fakeConn struct {
	written chan []byte
	closed  chan struct{}
	once    sync.Once
	block   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		written: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-c.closed:
		}
	}
	select {
	case <-c.closed:
		return net.ErrClosed
	default:
	}
	c.written <- data
	return nil
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	<-c.closed
	return nil, io.EOF
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// fakeDialer records when each dial started and which attempts were
// cancelled. When gate is set, dials wait for it or for cancellation.
type fakeDialer struct {
	clock clock.Clock
	gate  chan struct{}
	block chan struct{}

	mu        sync.Mutex
	fail      bool
	dialedAt  []time.Time
	conns     []*fakeConn
	cancelled int
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.dialedAt = append(d.dialedAt, d.clock.Now())
	fail := d.fail
	d.mu.Unlock()

	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			d.mu.Lock()
			d.cancelled++
			d.mu.Unlock()
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errRefused
	}
	c := newFakeConn()
	c.block = d.block
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	d.fail = fail
	d.mu.Unlock()
}

func (d *fakeDialer) dials() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.dialedAt...)
}

func (d *fakeDialer) openConns() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.conns {
		if !c.isClosed() {
			n++
		}
	}
	return n
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

const delay = 1500 * time.Millisecond

type fixture struct {
	loop   *eventloop.Loop
	clock  *clock.Fake
	dialer *fakeDialer
	tr     *Transport
	states []State
}

func newFixture(opts Options) *fixture {
	f := &fixture{
		loop:  eventloop.New(),
		clock: clock.NewFake(t0),
	}
	f.dialer = &fakeDialer{clock: f.clock}
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = delay
	}
	f.tr = New(f.loop, f.clock, f.dialer, opts)
	f.tr.OnStateChange(func(s State) { f.states = append(f.states, s) })
	return f
}

// waitFor drains the loop until cond holds. Dials run on their own
// goroutines, so results reach the loop asynchronously.
func (f *fixture) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.loop.Drain()
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s (state %v)", what, f.tr.State())
}

func (f *fixture) waitState(t *testing.T, want State) {
	t.Helper()
	f.waitFor(t, want.String(), func() bool { return f.tr.State() == want })
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Connecting, "connecting"},
		{Connected, "connected"},
		{Disconnected, "disconnected"},
		{State(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestInitiallyDisconnected(t *testing.T) {
	f := newFixture(Options{})
	if f.tr.State() != Disconnected {
		t.Errorf("State() = %v before Connect", f.tr.State())
	}
	if f.tr.Send([]byte("x")) {
		t.Error("Send accepted before Connect")
	}
}

func TestReconnectsAfterEveryFailure(t *testing.T) {
	f := newFixture(Options{})
	f.dialer.setFail(true)
	f.tr.Connect("ws://walk.test/ingest")

	const failures = 5
	for i := 1; i <= failures; i++ {
		f.waitFor(t, "dial failure", func() bool {
			return len(f.dialer.dials()) == i && f.tr.State() == Disconnected
		})

		f.clock.Advance(delay - time.Millisecond)
		f.loop.Drain()
		if n := len(f.dialer.dials()); n != i {
			t.Fatalf("dial %d started before the reconnect delay elapsed", n)
		}
		f.clock.Advance(time.Millisecond)
	}
	f.waitFor(t, "final redial", func() bool { return len(f.dialer.dials()) == failures+1 })

	dials := f.dialer.dials()
	for i := 1; i < len(dials); i++ {
		if gap := dials[i].Sub(dials[i-1]); gap < delay {
			t.Errorf("dials %d and %d only %v apart", i-1, i, gap)
		}
	}
	if st := f.tr.Stats(); st.Dials != failures+1 || st.Connects != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestReconnectAfterPeerClose(t *testing.T) {
	f := newFixture(Options{})
	f.tr.Connect("ws://walk.test/ingest")
	f.waitState(t, Connected)

	f.dialer.conn(0).Close()
	f.waitState(t, Disconnected)
	if f.clock.Pending() != 1 {
		t.Fatalf("Pending() = %d, want one reconnect timer", f.clock.Pending())
	}

	f.clock.Advance(delay)
	f.waitState(t, Connected)

	if n := len(f.dialer.dials()); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
	if n := f.dialer.openConns(); n != 1 {
		t.Errorf("open connections = %d, want 1", n)
	}
	want := []State{Connecting, Connected, Disconnected, Connecting, Connected}
	if len(f.states) != len(want) {
		t.Fatalf("transitions = %v, want %v", f.states, want)
	}
	for i := range want {
		if f.states[i] != want[i] {
			t.Errorf("transition %d = %v, want %v", i, f.states[i], want[i])
		}
	}
}

func TestReconnectCancelsInFlightDial(t *testing.T) {
	f := newFixture(Options{})
	f.dialer.gate = make(chan struct{})
	f.tr.Connect("ws://walk.test/ingest")
	f.waitFor(t, "first dial", func() bool { return len(f.dialer.dials()) == 1 })

	f.tr.Reconnect()
	f.waitFor(t, "first dial cancelled", func() bool {
		f.dialer.mu.Lock()
		defer f.dialer.mu.Unlock()
		return f.dialer.cancelled == 1 && len(f.dialer.dialedAt) == 2
	})
	if f.tr.State() != Connecting {
		t.Fatalf("State() = %v after stale dial result, want connecting", f.tr.State())
	}

	close(f.dialer.gate)
	f.waitState(t, Connected)
	if n := f.dialer.openConns(); n != 1 {
		t.Errorf("open connections = %d, want 1", n)
	}
	if f.clock.Pending() != 0 {
		t.Errorf("reconnect timer scheduled for a superseded attempt")
	}
}

func TestManualReconnectReplacesLink(t *testing.T) {
	f := newFixture(Options{})
	f.tr.Connect("ws://walk.test/ingest")
	f.waitState(t, Connected)

	f.tr.Reconnect()
	if !f.dialer.conn(0).isClosed() {
		t.Error("old link left open by Reconnect")
	}
	f.waitFor(t, "second link", func() bool {
		return len(f.dialer.dials()) == 2 && f.tr.State() == Connected
	})
	if n := f.dialer.openConns(); n != 1 {
		t.Errorf("open connections = %d, want 1", n)
	}
	if st := f.tr.Stats(); st.Disconnects != 0 {
		t.Errorf("manual reconnect counted as disconnect: %+v", st)
	}
}

func TestSendDeliversWhenConnected(t *testing.T) {
	f := newFixture(Options{})
	f.tr.Connect("ws://walk.test/ingest")
	f.waitState(t, Connected)

	if !f.tr.Send([]byte(`{"steps":3}`)) {
		t.Fatal("Send rejected while connected")
	}
	select {
	case got := <-f.dialer.conn(0).written:
		if string(got) != `{"steps":3}` {
			t.Errorf("written = %s", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message never written")
	}
}

func TestSendRejectsWhenNotConnected(t *testing.T) {
	f := newFixture(Options{})
	f.dialer.gate = make(chan struct{})
	defer close(f.dialer.gate)
	f.tr.Connect("ws://walk.test/ingest")

	if f.tr.State() != Connecting {
		t.Fatalf("State() = %v, want connecting", f.tr.State())
	}
	if f.tr.Send([]byte("x")) {
		t.Error("Send accepted while connecting")
	}
	if st := f.tr.Stats(); st.Rejected != 1 || st.Accepted != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestFullOutboxRejects(t *testing.T) {
	f := newFixture(Options{OutboxSize: 2})
	f.dialer.block = make(chan struct{})
	defer close(f.dialer.block)
	f.tr.Connect("ws://walk.test/ingest")
	f.waitState(t, Connected)

	rejected := false
	for i := 0; i < 10; i++ {
		if !f.tr.Send([]byte("x")) {
			rejected = true
			break
		}
	}
	if !rejected {
		t.Fatal("Send never rejected with a stalled writer")
	}
	// Two queued plus at most one held by the stalled write.
	if st := f.tr.Stats(); st.Accepted > 3 {
		t.Errorf("accepted %d messages into an outbox of 2", st.Accepted)
	}
}

func TestCloseStopsCycle(t *testing.T) {
	f := newFixture(Options{})
	f.dialer.setFail(true)
	f.tr.Connect("ws://walk.test/ingest")
	f.waitFor(t, "dial failure", func() bool { return f.tr.Stats().Disconnects == 1 })

	f.tr.Close()
	if f.clock.Pending() != 0 {
		t.Errorf("reconnect timer still pending after Close")
	}
	f.clock.Advance(10 * delay)
	f.loop.Drain()
	time.Sleep(10 * time.Millisecond)
	f.loop.Drain()

	if n := len(f.dialer.dials()); n != 1 {
		t.Errorf("dials = %d after Close, want 1", n)
	}
	if f.tr.State() != Disconnected {
		t.Errorf("State() = %v after Close", f.tr.State())
	}
	f.tr.Reconnect()
	if n := len(f.dialer.dials()); n != 1 {
		t.Error("Reconnect dialed after Close")
	}
}

func TestCloseDropsLateDialResult(t *testing.T) {
	f := newFixture(Options{})
	f.dialer.gate = make(chan struct{})
	f.tr.Connect("ws://walk.test/ingest")
	f.waitFor(t, "dial", func() bool { return len(f.dialer.dials()) == 1 })

	f.tr.Close()
	f.waitFor(t, "cancelled dial", func() bool {
		f.dialer.mu.Lock()
		defer f.dialer.mu.Unlock()
		return f.dialer.cancelled == 1
	})
	close(f.dialer.gate)
	time.Sleep(10 * time.Millisecond)
	f.loop.Drain()
	if f.tr.State() != Disconnected || f.tr.Stats().Connects != 0 {
		t.Errorf("late dial result revived a closed transport: %v %+v", f.tr.State(), f.tr.Stats())
	}
}

func TestDrainWritesQueuedBeforeSignalling(t *testing.T) {
	f := newFixture(Options{})
	block := make(chan struct{})
	f.dialer.block = block
	f.tr.Connect("ws://walk.test/ingest")
	f.waitState(t, Connected)

	for _, msg := range []string{"a", "b", "c"} {
		if !f.tr.Send([]byte(msg)) {
			t.Fatalf("Send(%s) rejected", msg)
		}
	}
	flushed := f.tr.Drain()
	if f.tr.Send([]byte("late")) {
		t.Error("Send accepted after Drain")
	}
	select {
	case <-flushed:
		t.Fatal("flushed before the stalled write finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(block)
	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("outbox never drained")
	}
	conn := f.dialer.conn(0)
	if n := len(conn.written); n != 3 {
		t.Errorf("written %d messages before flushed, want 3", n)
	}
	if conn.isClosed() {
		t.Error("Drain closed the connection")
	}
}

func TestDrainWithoutLink(t *testing.T) {
	f := newFixture(Options{})
	select {
	case <-f.tr.Drain():
	default:
		t.Error("Drain without a link did not report flushed")
	}
}
