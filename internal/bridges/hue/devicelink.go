package hue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultCommandTimeout = 10 * time.Second

	// minTopicParts is the minimum number of segments in a valid topic.
	// graylogic/command/hue/{serial} = 4 parts
	minTopicParts = 4
)

// MQTTClient is the interface for MQTT operations.
// Satisfied by an adapter over the infrastructure MQTT client.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// Unsubscribe removes a subscription.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// DeviceWriter writes resources on the gateway that exposes a device.
type DeviceWriter interface {
	Owns(serial string, p ResourcePath) bool
	RequestWrite(ctx context.Context, p ResourcePath, body map[string]any) (*Result, error)
}

// DeviceLinkOptions configures a DeviceLink.
type DeviceLinkOptions struct {
	// MQTT is the broker connection (required).
	MQTT MQTTClient

	// Route finds the writer for a device serial. Usually Engine.Route.
	Route func(serial string) (DeviceWriter, bool)

	// CommandTimeout bounds one forwarded write. Default: 10 seconds.
	CommandTimeout time.Duration

	Logger Logger
}

// DeviceLinkStats contains runtime statistics.
type DeviceLinkStats struct {
	Discoveries   uint64
	StatesSent    uint64
	Commands      uint64
	CommandErrors uint64
	PublishErrors uint64
}

// DeviceLink is the downstream device layer over MQTT. It publishes
// discovery and state messages and forwards commands to the gateways.
//
// Thread Safety: All methods are safe for concurrent use.
type DeviceLink struct {
	logHolder
	opts DeviceLinkOptions

	mu      sync.RWMutex
	ctx     context.Context
	cancel  context.CancelFunc
	devices map[string]int // bridge id -> exposed devices

	discoveries   atomic.Uint64
	statesSent    atomic.Uint64
	commands      atomic.Uint64
	commandErrors atomic.Uint64
	publishErrors atomic.Uint64
}

// NewDeviceLink validates opts and creates a link. Call Start to subscribe.
func NewDeviceLink(opts DeviceLinkOptions) (*DeviceLink, error) {
	if opts.MQTT == nil {
		return nil, errors.New("MQTT client is required")
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	l := &DeviceLink{
		opts:    opts,
		ctx:     context.Background(),
		devices: make(map[string]int),
	}
	l.logger = opts.Logger
	return l, nil
}

// Start subscribes to the command topics. Forwarded writes are cancelled with ctx.
func (l *DeviceLink) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.ctx = ctx
	l.cancel = cancel
	l.mu.Unlock()

	if err := l.opts.MQTT.Subscribe(CommandSubscribeTopic(), 1, l.handleMQTTMessage); err != nil {
		cancel()
		return fmt.Errorf("subscribing to commands: %w", err)
	}
	l.logInfo("device link started", "topic", CommandSubscribeTopic())
	return nil
}

// Stop unsubscribes and cancels forwarded writes.
func (l *DeviceLink) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	if err := l.opts.MQTT.Unsubscribe(CommandSubscribeTopic()); err != nil {
		l.logWarn("unsubscribe failed", "topic", CommandSubscribeTopic(), "error", err)
	}
	cancel()
}

// DeviceCount returns the number of devices exposed for bridgeID.
func (l *DeviceLink) DeviceCount(bridgeID string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.devices[bridgeID]
}

// Stats returns current statistics.
func (l *DeviceLink) Stats() DeviceLinkStats {
	return DeviceLinkStats{
		Discoveries:   l.discoveries.Load(),
		StatesSent:    l.statesSent.Load(),
		Commands:      l.commands.Load(),
		CommandErrors: l.commandErrors.Load(),
		PublishErrors: l.publishErrors.Load(),
	}
}

// DevicesExposed implements DeviceHandler.
func (l *DeviceLink) DevicesExposed(ident *GatewayIdentity, devices []*DeviceIdentity) {
	l.mu.Lock()
	l.devices[ident.BridgeID] = len(devices)
	l.mu.Unlock()

	if l.publish(DiscoveryTopic(ident.BridgeID), NewDiscoveryMessage(ident, devices)) {
		l.discoveries.Add(1)
	}
	l.logInfo("devices published", "bridge_id", ident.BridgeID, "devices", len(devices))
}

// StateChanged implements DeviceHandler.
func (l *DeviceLink) StateChanged(dev *DeviceIdentity, d Delta) { l.publishDelta(dev, d) }

// ConfigChanged implements DeviceHandler.
func (l *DeviceLink) ConfigChanged(dev *DeviceIdentity, d Delta) { l.publishDelta(dev, d) }

// AttrChanged implements DeviceHandler.
func (l *DeviceLink) AttrChanged(dev *DeviceIdentity, d Delta) { l.publishDelta(dev, d) }

// publishDelta publishes the changed attributes of one device.
func (l *DeviceLink) publishDelta(dev *DeviceIdentity, d Delta) {
	if l.publish(StateTopic(dev.Serial), NewStateMessage(d)) {
		l.statesSent.Add(1)
	}
}

// publish marshals msg and publishes it retained at QoS 1.
func (l *DeviceLink) publish(topic string, msg any) bool {
	payload, err := json.Marshal(msg)
	if err != nil {
		l.publishErrors.Add(1)
		l.logError("failed to marshal message", err, "topic", topic)
		return false
	}
	if err := l.opts.MQTT.Publish(topic, payload, 1, true); err != nil {
		l.publishErrors.Add(1)
		l.logError("failed to publish message", err, "topic", topic)
		return false
	}
	return true
}

// handleMQTTMessage routes incoming MQTT messages.
func (l *DeviceLink) handleMQTTMessage(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) < minTopicParts {
		l.logWarn("invalid topic format", "topic", topic)
		return
	}
	switch parts[1] {
	case "command":
		l.handleCommand(parts[len(parts)-1], payload)
	default:
		l.logWarn("unknown message type", "topic", topic)
	}
}

// handleCommand forwards one command and acknowledges it.
func (l *DeviceLink) handleCommand(topicSerial string, payload []byte) {
	l.commands.Add(1)

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		l.commandErrors.Add(1)
		l.logWarn("failed to parse command", "error", err, "serial", topicSerial)
		l.ack(topicSerial, NewAckError(CommandMessage{DeviceID: topicSerial}, ErrCodeInvalidCommand, err.Error()))
		return
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = topicSerial
	}

	l.logDebug("received command", "command_id", cmd.ID, "device_id", cmd.DeviceID, "resource", cmd.Resource)

	ackMsg, ok := l.execute(cmd)
	if !ok {
		l.commandErrors.Add(1)
	}
	l.ack(cmd.DeviceID, ackMsg)
}

// execute validates and forwards cmd. It reports false when the ack is a failure.
func (l *DeviceLink) execute(cmd CommandMessage) (AckMessage, bool) {
	path, err := ParsePath(cmd.Resource)
	if err != nil {
		return NewAckError(cmd, ErrCodeInvalidCommand, err.Error()), false
	}
	if len(cmd.Body) == 0 {
		return NewAckError(cmd, ErrCodeInvalidCommand, "empty body"), false
	}

	var writer DeviceWriter
	ok := false
	if l.opts.Route != nil {
		writer, ok = l.opts.Route(cmd.DeviceID)
	}
	if !ok || !writer.Owns(cmd.DeviceID, path) {
		return NewAckError(cmd, ErrCodeNotConfigured,
			fmt.Sprintf("resource %s not exposed by device %s", cmd.Resource, cmd.DeviceID)), false
	}

	l.mu.RLock()
	parent := l.ctx
	l.mu.RUnlock()
	ctx, cancel := context.WithTimeout(parent, l.opts.CommandTimeout)
	defer cancel()

	res, err := writer.RequestWrite(ctx, path, cmd.Body)
	switch {
	case errors.Is(err, ErrNotConnected):
		return NewAckError(cmd, ErrCodeNotConnected, err.Error()), false
	case err != nil:
		l.logWarn("command failed", "command_id", cmd.ID, "device_id", cmd.DeviceID, "error", err)
		return NewAckError(cmd, ErrCodeGatewayError, err.Error()), false
	}
	if apiErr := res.Err(); apiErr != nil {
		msg := NewAckError(cmd, ErrCodeAPIError, apiErr.Error())
		msg.Result = res.State
		return msg, false
	}
	return NewAckMessage(cmd, res.State), true
}

// ack publishes msg on the ack topic of serial, not retained.
func (l *DeviceLink) ack(serial string, msg AckMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		l.logError("failed to marshal ack", err, "command_id", msg.CommandID)
		return
	}
	if err := l.opts.MQTT.Publish(AckTopic(serial), payload, 1, false); err != nil {
		l.publishErrors.Add(1)
		l.logError("failed to publish ack", err, "command_id", msg.CommandID)
	}
}
