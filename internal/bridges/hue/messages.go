package hue

import (
	"encoding/json"
	"fmt"
	"time"
)

// MQTT message types exchanged between Gray Logic Core and the Hue bridge.
// Devices are addressed by serial; resources by their REST path.

// Protocol is the protocol identifier used in topics and messages.
const Protocol = "hue"

// CommandMessage is sent from Core to the bridge to write a resource.
// Topic: graylogic/command/hue/{serial}
type CommandMessage struct {
	// ID uniquely identifies this command for correlation with acknowledgments.
	ID string `json:"id"`

	// Timestamp is when the command was issued (UTC, ISO8601).
	Timestamp time.Time `json:"timestamp"`

	// DeviceID is the device serial. Defaults to the topic suffix.
	DeviceID string `json:"device_id"`

	// Resource is the REST path written, e.g. "/lights/3/state".
	Resource string `json:"resource"`

	// Body is forwarded verbatim, e.g. {"on": true, "bri": 254}.
	Body map[string]any `json:"body"`

	// Source indicates where the command originated.
	Source string `json:"source,omitempty"`
}

// UnmarshalJSON accepts a missing timestamp.
func (m *CommandMessage) UnmarshalJSON(data []byte) error {
	type Alias CommandMessage
	aux := &struct {
		*Alias
		Timestamp string `json:"timestamp"`
	}{
		Alias: (*Alias)(m),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return fmt.Errorf("unmarshal command message: %w", err)
	}
	if aux.Timestamp != "" {
		t, err := time.Parse(time.RFC3339, aux.Timestamp)
		if err != nil {
			return fmt.Errorf("parse timestamp: %w", err)
		}
		m.Timestamp = t
	}
	return nil
}

// AckStatus represents the acknowledgment status of a command.
type AckStatus string

const (
	// AckAccepted indicates the gateway accepted every written attribute.
	AckAccepted AckStatus = "accepted"

	// AckFailed indicates the command could not be executed, fully or in part.
	AckFailed AckStatus = "failed"
)

// AckMessage is sent from the bridge to Core to acknowledge a command.
// Topic: graylogic/ack/hue/{serial}
type AckMessage struct {
	// CommandID is the ID from the original command.
	CommandID string `json:"command_id"`

	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Status    AckStatus `json:"status"`
	Protocol  string    `json:"protocol"`
	Resource  string    `json:"resource,omitempty"`

	// Result holds the attributes the gateway confirmed.
	Result map[string]any `json:"result,omitempty"`

	Error *AckError `json:"error,omitempty"`
}

// AckError contains error details for failed commands.
type AckError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes for command failures.
const (
	ErrCodeInvalidCommand = "INVALID_COMMAND"
	ErrCodeNotConfigured  = "NOT_CONFIGURED"
	ErrCodeNotConnected   = "NOT_CONNECTED"
	ErrCodeAPIError       = "API_ERROR"
	ErrCodeGatewayError   = "GATEWAY_ERROR"
)

// StateMessage is sent from the bridge to Core when a resource changes.
// Topic: graylogic/state/hue/{serial}
// QoS: 1, Retained: Yes
type StateMessage struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`

	// Resource is the changed object, e.g. "/sensors/7/state".
	Resource string `json:"resource"`

	// Changes holds only the fields that changed.
	Changes map[string]any `json:"changes"`

	// Source is "poll" or "event".
	Source   Source `json:"source"`
	Protocol string `json:"protocol"`
}

// DiscoveryMessage announces the devices exposed by one gateway.
// Topic: graylogic/discovery/hue/{bridge_id}
// QoS: 1, Retained: Yes
type DiscoveryMessage struct {
	Timestamp time.Time          `json:"timestamp"`
	Bridge    string             `json:"bridge"`
	Gateway   DiscoveredGateway  `json:"gateway"`
	Devices   []DiscoveredDevice `json:"devices"`
}

// DiscoveredGateway describes the gateway itself.
type DiscoveredGateway struct {
	Host         string `json:"host"`
	Name         string `json:"name"`
	Model        string `json:"model"`
	Manufacturer string `json:"manufacturer"`
	Version      string `json:"version"`
}

// DiscoveredDevice represents one exposed device.
type DiscoveredDevice struct {
	Serial       string   `json:"serial"`
	Kind         string   `json:"kind"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Resources    []string `json:"resources"`
	Policies     []string `json:"policies,omitempty"`
	Merge        string   `json:"merge,omitempty"`
	Stable       bool     `json:"stable"`
}

// HealthStatus represents the operational status of a gateway connection.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthStopping  HealthStatus = "stopping"
)

// HealthMessage reports the status of one gateway.
// Topic: graylogic/health/hue/{bridge_id}
// QoS: 1, Retained: Yes
// Interval: Every 30 seconds
type HealthMessage struct {
	Bridge        string       `json:"bridge"`
	Timestamp     time.Time    `json:"timestamp"`
	Status        HealthStatus `json:"status"`
	Version       string       `json:"version"`
	UptimeSeconds int64        `json:"uptime_seconds"`

	Gateway    *GatewayStatus     `json:"gateway,omitempty"`
	Statistics *GatewayStatistics `json:"statistics,omitempty"`

	DevicesManaged int    `json:"devices_managed"`
	Reason         string `json:"reason,omitempty"`
}

// GatewayStatus describes the gateway connection.
type GatewayStatus struct {
	Host      string `json:"host"`
	Model     string `json:"model"`
	Ready     bool   `json:"ready"`
	Heartrate int    `json:"heartrate,omitempty"`

	// EventStream is the push connection state, empty when the gateway has none.
	EventStream string `json:"event_stream,omitempty"`
}

// GatewayStatistics contains operational counters.
type GatewayStatistics struct {
	Requests     uint64 `json:"requests"`
	Errors       uint64 `json:"errors"`
	Resends      uint64 `json:"resends"`
	Events       uint64 `json:"events"`
	PollErrors   uint64 `json:"poll_errors"`
	DroppedBeats uint64 `json:"dropped_beats"`
	LastPollMS   int64  `json:"last_poll_ms"`
}

// NewAckMessage creates an accepted acknowledgment.
func NewAckMessage(cmd CommandMessage, result map[string]any) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    AckAccepted,
		Protocol:  Protocol,
		Resource:  cmd.Resource,
		Result:    result,
	}
}

// NewAckError creates a failed acknowledgment.
func NewAckError(cmd CommandMessage, code, message string) AckMessage {
	return AckMessage{
		CommandID: cmd.ID,
		Timestamp: time.Now().UTC(),
		DeviceID:  cmd.DeviceID,
		Status:    AckFailed,
		Protocol:  Protocol,
		Resource:  cmd.Resource,
		Error:     &AckError{Code: code, Message: message},
	}
}

// NewStateMessage creates a state message from a delta.
func NewStateMessage(d Delta) StateMessage {
	return StateMessage{
		DeviceID:  d.Serial,
		Timestamp: time.Now().UTC(),
		Resource:  d.Path.String(),
		Changes:   d.Changes,
		Source:    d.Source,
		Protocol:  Protocol,
	}
}

// NewDiscoveryMessage describes the devices exposed by a gateway.
func NewDiscoveryMessage(ident *GatewayIdentity, devices []*DeviceIdentity) DiscoveryMessage {
	msg := DiscoveryMessage{
		Timestamp: time.Now().UTC(),
		Bridge:    ident.BridgeID,
		Gateway: DiscoveredGateway{
			Host:         ident.Host,
			Name:         ident.Name,
			Model:        ident.Model,
			Manufacturer: ident.Manufacturer,
			Version:      ident.Version,
		},
		Devices: make([]DiscoveredDevice, 0, len(devices)),
	}
	for _, dev := range devices {
		d := DiscoveredDevice{
			Serial:       dev.Serial,
			Kind:         dev.Kind.String(),
			Name:         dev.Name,
			Manufacturer: dev.Manufacturer,
			Model:        dev.Model,
			Merge:        string(dev.Merge),
			Stable:       dev.Stable,
		}
		for _, p := range dev.Resources {
			d.Resources = append(d.Resources, p.String())
		}
		for _, p := range dev.Policies {
			d.Policies = append(d.Policies, string(p))
		}
		msg.Devices = append(msg.Devices, d)
	}
	return msg
}

// NewHealthMessage creates a health status message from gateway metrics.
func NewHealthMessage(m GatewayMetrics, version string, status HealthStatus, startTime time.Time) HealthMessage {
	msg := HealthMessage{
		Bridge:         m.BridgeID,
		Timestamp:      time.Now().UTC(),
		Status:         status,
		Version:        version,
		UptimeSeconds:  int64(time.Since(startTime).Seconds()),
		DevicesManaged: m.Devices,
		Gateway: &GatewayStatus{
			Host:      m.Host,
			Model:     m.Model,
			Ready:     m.Ready,
			Heartrate: m.Heartrate,
		},
		Statistics: &GatewayStatistics{
			Requests:     m.Transport.Requests,
			Errors:       m.Transport.Errors + m.Transport.APIErrors,
			Resends:      m.Transport.Resends,
			Events:       m.Events.Events,
			PollErrors:   m.PollErrors,
			DroppedBeats: m.DroppedBeats,
			LastPollMS:   m.LastPoll.Milliseconds(),
		},
	}
	if m.EventStream {
		msg.Gateway.EventStream = m.Events.State.String()
	}
	return msg
}

// Topic helpers

const (
	// TopicPrefix is the base topic for all Gray Logic messages.
	TopicPrefix = "graylogic"
)

// CommandTopic returns the command topic for a device.
// Example: graylogic/command/hue/001788010200AF28
func CommandTopic(serial string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, Protocol, serial)
}

// AckTopic returns the acknowledgment topic for a device.
func AckTopic(serial string) string {
	return fmt.Sprintf("%s/ack/%s/%s", TopicPrefix, Protocol, serial)
}

// StateTopic returns the state topic for a device.
func StateTopic(serial string) string {
	return fmt.Sprintf("%s/state/%s/%s", TopicPrefix, Protocol, serial)
}

// DiscoveryTopic returns the discovery topic for a gateway.
// Example: graylogic/discovery/hue/00212EFFFF001234
func DiscoveryTopic(bridgeID string) string {
	return fmt.Sprintf("%s/discovery/%s/%s", TopicPrefix, Protocol, bridgeID)
}

// HealthTopic returns the health topic for a gateway.
func HealthTopic(bridgeID string) string {
	return fmt.Sprintf("%s/health/%s/%s", TopicPrefix, Protocol, bridgeID)
}

// CommandSubscribeTopic returns the subscription pattern for all commands.
func CommandSubscribeTopic() string {
	return fmt.Sprintf("%s/command/%s/#", TopicPrefix, Protocol)
}
