package mqtt

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/gray-logic-hue/internal/infrastructure/config"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second

	// defaultDisconnectQuiesce is in milliseconds.
	defaultDisconnectQuiesce = 1000

	defaultKeepAlive = 60 * time.Second

	defaultClientID = "graylogic-hue"

	maxQoS        = 2
	tlsMinVersion = tls.VersionTLS12
)

// Status payload values.
const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// statusPayload is the retained message on Topics.Status.
type statusPayload struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// buildClientOptions creates paho options from the bridge configuration:
// broker URL (tcp:// or ssl://), client id, credentials, reconnect backoff,
// keepalive and TLS.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	scheme := "tcp"
	if cfg.Broker.TLS {
		scheme = "ssl"
	}
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, cfg.Broker.Host, cfg.Broker.Port))
	opts.SetClientID(clientID(cfg))

	if cfg.Auth.Username != "" {
		opts.SetUsername(cfg.Auth.Username)
		opts.SetPassword(cfg.Auth.Password)
	}

	// Commands are not queued for an offline bridge; Core sees the ack timeout.
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(time.Duration(cfg.Reconnect.InitialDelay) * time.Second)
	opts.SetMaxReconnectInterval(time.Duration(cfg.Reconnect.MaxDelay) * time.Second)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)

	if cfg.Broker.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tlsMinVersion})
	}

	configureLWT(opts, clientID(cfg))
	return opts
}

func clientID(cfg config.MQTTConfig) string {
	if cfg.Broker.ClientID == "" {
		return defaultClientID
	}
	return cfg.Broker.ClientID
}

// configureLWT makes the broker publish a retained offline status if the
// bridge disconnects without calling Close.
func configureLWT(opts *pahomqtt.ClientOptions, id string) {
	opts.SetWill(Topics{}.Status(id), string(statusMessage(id, statusOffline, "unexpected_disconnect")), 1, true)
}

// statusMessage encodes a status payload stamped with the current time.
func statusMessage(id, status, reason string) []byte {
	data, _ := json.Marshal(statusPayload{ //nolint:errcheck // Only string fields
		Status:    status,
		ClientID:  id,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return data
}
