package transport

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/stride-relay/stride/internal/config"
	"github.com/stride-relay/stride/internal/device"
)

// DialerFor picks the dialer for endpoint's scheme: ws/wss use websockets,
// tcp/mqtt/ssl/tls/mqtts use an MQTT broker.
func DialerFor(endpoint string, cfg config.TransportConfig, dev device.Info) (Dialer, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		header := http.Header{}
		header.Set(device.Header, dev.String())
		if cfg.AuthToken != "" {
			header.Set("Authorization", "Bearer "+cfg.AuthToken)
		}
		return &WebSocketDialer{
			Header:       header,
			WriteTimeout: cfg.WriteTimeout,
			PingInterval: cfg.PingInterval,
			Dialer: &websocket.Dialer{
				Proxy:            http.ProxyFromEnvironment,
				HandshakeTimeout: cfg.DialTimeout,
			},
		}, nil
	case "tcp", "mqtt", "ssl", "tls", "mqtts":
		d := &MQTTDialer{
			Topic:        DeviceTopic(cfg.MQTT.Topic, dev),
			QoS:          cfg.MQTT.QoS,
			ClientID:     "stride-" + dev.String(),
			WriteTimeout: cfg.WriteTimeout,
		}
		if cfg.AuthToken != "" {
			d.Username = dev.String()
			d.Password = cfg.AuthToken
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
}

// DeviceTopic is the per-device publish topic under base. Receivers
// subscribe to base/+ and read the device from the last level.
func DeviceTopic(base string, dev device.Info) string {
	return strings.TrimSuffix(base, "/") + "/" + dev.String()
}
