package receiver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/stride-relay/stride/internal/config"
)

// MQTTIngest subscribes to <topic>/+ on a broker and feeds every message
// into the Ingestor, taking the device from the last topic level.
type MQTTIngest struct {
	cfg      config.MQTTConfig
	clientID string
	token    string
	ingestor *Ingestor
	client   mqtt.Client
}

// MQTT 3.1 brokers may reject client ids longer than this.
const maxClientID = 23

func NewMQTTIngest(cfg config.MQTTConfig, clientID, authToken string, ingestor *Ingestor) *MQTTIngest {
	if len(clientID) > maxClientID {
		clientID = clientID[:maxClientID]
	}
	return &MQTTIngest{
		cfg:      cfg,
		clientID: clientID,
		token:    authToken,
		ingestor: ingestor,
	}
}

func (m *MQTTIngest) filter() string {
	return strings.TrimSuffix(m.cfg.Topic, "/") + "/+"
}

// Start connects and subscribes. Paho reconnects on its own here and the
// subscription is renewed on every connect.
func (m *MQTTIngest) Start(ctx context.Context) error {
	if m.cfg.Broker == "" {
		return errors.New("mqtt ingest: no broker configured")
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(m.cfg.Broker)
	opts.SetClientID(m.clientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	if m.token != "" {
		opts.SetUsername("stride-receiver")
		opts.SetPassword(m.token)
	}
	opts.OnConnect = func(c mqtt.Client) {
		token := c.Subscribe(m.filter(), m.cfg.QoS, m.handle)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Printf("[receiver] mqtt subscribe %s: %v", m.filter(), err)
			return
		}
		log.Printf("[receiver] mqtt subscribed to %s", m.filter())
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Printf("[receiver] mqtt connection lost: %v", err)
	}

	m.client = mqtt.NewClient(opts)
	token := m.client.Connect()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect %s: %w", m.cfg.Broker, err)
	}
	return nil
}

func (m *MQTTIngest) Stop() {
	if m.client != nil {
		m.client.Disconnect(250)
	}
}

func (m *MQTTIngest) handle(_ mqtt.Client, msg mqtt.Message) {
	device := deviceFromTopic(m.cfg.Topic, msg.Topic())
	if err := m.ingestor.Ingest(msg.Payload(), device); err != nil && !errors.Is(err, ErrStale) {
		log.Printf("[receiver] rejected mqtt message on %s: %v", msg.Topic(), err)
	}
}

func deviceFromTopic(base, topic string) string {
	prefix := strings.TrimSuffix(base, "/") + "/"
	if !strings.HasPrefix(topic, prefix) {
		return ""
	}
	return strings.TrimPrefix(topic, prefix)
}
