package receiver

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	clientSendBuffer = 64
	maxViewers       = 128
	viewerWriteWait  = 10 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, clientSendBuffer),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(viewerWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			// Keep draining so broadcast never blocks on a dead viewer.
			for range c.send {
			}
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster fans session changes out to viewer websockets. Updates are
// coalesced for throttle before going out as one delta; Run also pushes a
// full snapshot every snapshotInterval so late or lossy viewers converge.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[*client]bool
	store   *Store

	throttle         time.Duration
	snapshotInterval time.Duration

	flushMu        sync.Mutex
	pendingUpdates map[string]*Record
	pendingOrder   []string
	pendingRemoved []string
	flushTimer     *time.Timer
}

func NewBroadcaster(store *Store, throttle, snapshotInterval time.Duration) *Broadcaster {
	return &Broadcaster{
		clients:          make(map[*client]bool),
		store:            store,
		throttle:         throttle,
		snapshotInterval: snapshotInterval,
		pendingUpdates:   make(map[string]*Record),
	}
}

// AddClient registers a viewer and queues the current snapshot for it.
// It returns nil when the viewer limit is reached.
func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	data, err := json.Marshal(Message{
		Type:    MsgSnapshot,
		Payload: SnapshotPayload{Sessions: b.store.GetAll()},
	})
	if err != nil {
		log.Printf("[receiver] snapshot marshal error: %v", err)
		data = nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.clients) >= maxViewers {
		return nil
	}
	c := newClient(conn)
	b.clients[c] = true
	if data != nil {
		c.send <- data
	}
	return c
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// QueueUpdate schedules rec for the next delta. Several updates to one
// session inside a throttle window collapse to the latest.
func (b *Broadcaster) QueueUpdate(rec *Record) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	if _, ok := b.pendingUpdates[rec.SessionID]; !ok {
		b.pendingOrder = append(b.pendingOrder, rec.SessionID)
	}
	b.pendingUpdates[rec.SessionID] = rec
	b.armFlush()
}

func (b *Broadcaster) QueueRemoval(ids []string) {
	if len(ids) == 0 {
		return
	}
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	b.pendingRemoved = append(b.pendingRemoved, ids...)
	b.armFlush()
}

// QueueCompletion is sent immediately, ahead of any pending delta.
func (b *Broadcaster) QueueCompletion(rec *Record) {
	b.broadcast(Message{
		Type: MsgCompletion,
		Payload: CompletionPayload{
			SessionID:       rec.SessionID,
			Device:          rec.Device,
			Steps:           rec.Steps,
			DurationSeconds: rec.DurationSeconds,
			AvgIntensity:    rec.AvgIntensity,
		},
	})
}

// Run sends periodic snapshots until ctx is done.
func (b *Broadcaster) Run(ctx context.Context) {
	if b.snapshotInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(b.snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.broadcast(Message{
				Type:    MsgSnapshot,
				Payload: SnapshotPayload{Sessions: b.store.GetAll()},
			})
		}
	}
}

// Caller holds flushMu.
func (b *Broadcaster) armFlush() {
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	updates := make([]*Record, 0, len(b.pendingOrder))
	for _, id := range b.pendingOrder {
		updates = append(updates, b.pendingUpdates[id])
	}
	removed := b.pendingRemoved
	b.pendingUpdates = make(map[string]*Record)
	b.pendingOrder = nil
	b.pendingRemoved = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(updates) == 0 && len(removed) == 0 {
		return
	}
	b.broadcast(Message{
		Type:    MsgDelta,
		Payload: DeltaPayload{Updates: updates, Removed: removed},
	})
}

func (b *Broadcaster) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[receiver] broadcast marshal error: %v", err)
		return
	}

	// Sends happen under the read lock so RemoveClient cannot close a
	// channel mid-send.
	var slow []*client
	b.mu.RLock()
	for c := range b.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		log.Printf("[receiver] viewer too slow, disconnecting")
		b.RemoveClient(c)
	}
}
