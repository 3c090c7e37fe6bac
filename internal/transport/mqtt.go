package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MQTT client ids longer than this are rejected by strict 3.1 brokers.
const maxClientID = 23

// MQTTDialer publishes each message to Topic on the broker named by the
// endpoint. Paho's own reconnect is off; Transport decides when to retry.
type MQTTDialer struct {
	Topic        string
	QoS          byte
	ClientID     string
	Username     string
	Password     string
	WriteTimeout time.Duration
}

func (d *MQTTDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	if d.Topic == "" {
		return nil, errors.New("mqtt dial: empty topic")
	}
	c := &mqttConn{
		topic:   d.Topic,
		qos:     d.QoS,
		timeout: d.WriteTimeout,
		lost:    make(chan struct{}),
	}
	if c.timeout <= 0 {
		c.timeout = defaultWriteTimeout
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(endpoint)
	opts.SetClientID(clientID(d.ClientID))
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	if d.Username != "" {
		opts.SetUsername(d.Username)
		opts.SetPassword(d.Password)
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts.SetConnectTimeout(time.Until(deadline))
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.fail(err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		go func() {
			<-token.Done()
			client.Disconnect(0)
		}()
		return nil, fmt.Errorf("mqtt dial %s: %w", endpoint, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt dial %s: %w", endpoint, err)
	}
	c.client = client
	return c, nil
}

func clientID(id string) string {
	if id == "" {
		id = "stride"
	}
	if len(id) > maxClientID {
		id = id[:maxClientID]
	}
	return id
}

type mqttConn struct {
	client  mqtt.Client
	topic   string
	qos     byte
	timeout time.Duration

	lost chan struct{}
	err  error
	once sync.Once
}

func (c *mqttConn) WriteMessage(data []byte) error {
	token := c.client.Publish(c.topic, c.qos, false, data)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("mqtt publish to %s: timed out after %v", c.topic, c.timeout)
	}
	return token.Error()
}

// ReadMessage never yields data; it returns once the broker link is lost
// or closed.
func (c *mqttConn) ReadMessage() ([]byte, error) {
	<-c.lost
	return nil, c.err
}

func (c *mqttConn) Close() error {
	c.fail(net.ErrClosed)
	c.client.Disconnect(250)
	return nil
}

func (c *mqttConn) fail(err error) {
	if err == nil {
		err = errors.New("mqtt connection lost")
	}
	c.once.Do(func() {
		c.err = err
		close(c.lost)
	})
}
