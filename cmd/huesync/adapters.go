package main

import (
	"github.com/nerrad567/gray-logic-hue/internal/bridges/hue"
	"github.com/nerrad567/gray-logic-hue/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-hue/internal/infrastructure/mqtt"
)

// Compile-time checks that the infrastructure clients satisfy the bridge interfaces.
var (
	_ hue.MQTTClient    = (*mqttBridgeAdapter)(nil)
	_ hue.MetricsWriter = (*influxdb.Client)(nil)
)

// brokerClient is the subset of *mqtt.Client used by the adapter.
type brokerClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// mqttBridgeAdapter adapts the infrastructure MQTT client to the bridge's
// MQTTClient interface. The primary difference is the Subscribe handler signature:
//   - Infrastructure mqtt: func(topic, payload []byte) error
//   - Hue bridge expects: func(topic, payload []byte)
type mqttBridgeAdapter struct {
	client brokerClient
}

// Publish implements hue.MQTTClient.
func (a *mqttBridgeAdapter) Publish(topic string, payload []byte, qos byte, retained bool) error {
	return a.client.Publish(topic, payload, qos, retained)
}

// Subscribe implements hue.MQTTClient.
func (a *mqttBridgeAdapter) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	// Bridge handlers report failures on the ack topic, never to the broker client.
	return a.client.Subscribe(topic, qos, func(t string, p []byte) error {
		handler(t, p)
		return nil
	})
}

// Unsubscribe implements hue.MQTTClient.
func (a *mqttBridgeAdapter) Unsubscribe(topic string) error {
	return a.client.Unsubscribe(topic)
}

// IsConnected implements hue.MQTTClient.
func (a *mqttBridgeAdapter) IsConnected() bool {
	return a.client.IsConnected()
}
