package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
)

// WebSocketDialer opens text-frame websocket links. Each message written
// is one frame.
type WebSocketDialer struct {
	Header       http.Header
	WriteTimeout time.Duration
	PingInterval time.Duration
	Dialer       *websocket.Dialer
}

func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}
	return newWSConn(conn, d.WriteTimeout, d.PingInterval), nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	writeTimeout time.Duration
	quit         chan struct{}
	once         sync.Once
}

func newWSConn(conn *websocket.Conn, writeTimeout, pingInterval time.Duration) *wsConn {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	c := &wsConn{
		conn:         conn,
		writeTimeout: writeTimeout,
		quit:         make(chan struct{}),
	}

	// A peer that stops answering pings is treated as gone.
	pongTimeout := 2 * pingInterval
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	go c.pingLoop(pingInterval)
	return c
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	return data, err
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.quit)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage, msg)
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) write(kind int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(kind, data)
}

func (c *wsConn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.quit:
			return
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
