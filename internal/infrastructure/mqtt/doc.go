// Package mqtt provides the broker connection used by the Hue bridge to
// talk to Gray Logic Core.
//
// This package manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS and retain flags
//   - Subscriptions that are restored after a reconnect
//   - A retained online/offline status with Last Will for crash detection
//
// The bridge publishes device discovery, state, acks and health, and
// subscribes to commands. Topics follow the flat scheme
// graylogic/{category}/{protocol}/{address}; see Topics.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe(mqtt.Topics{}.Wildcard("command", "hue"), 1,
//	    func(topic string, payload []byte) error {
//	        return handle(topic, payload)
//	    })
//
// Handlers run on paho's goroutines. A handler panic is recovered and
// logged; a returned error is logged at warn level.
package mqtt
