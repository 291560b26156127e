package hue

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

const defaultHealthInterval = 30 * time.Second

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	// Publish sends a message to a topic with the specified QoS and retention.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// IsConnected returns true if the publisher is connected.
	IsConnected() bool
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// Version is the bridge software version.
	Version string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	// Publisher is the MQTT client for publishing messages.
	Publisher HealthPublisher

	// Gateways returns the current metrics of every gateway. Usually Engine.Metrics.
	Gateways func() []GatewayMetrics

	Clock  Clock
	Logger Logger
}

// HealthReporter publishes one retained health message per gateway at a
// fixed interval. Gateways without a bridge id yet are skipped.
type HealthReporter struct {
	logHolder
	cfg       HealthReporterConfig
	startTime time.Time

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewHealthReporter creates a new health reporter. Call Start to begin reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	h := &HealthReporter{
		cfg:       cfg,
		startTime: cfg.Clock.Now(),
		done:      make(chan struct{}),
	}
	h.logger = cfg.Logger
	return h
}

// Start begins periodic health reporting until ctx is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop stops reporting and publishes a final "stopping" status per gateway.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		for _, m := range h.gateways() {
			if err := h.publishStatus(m, HealthStopping, "bridge stopping"); err != nil {
				h.logDebug("failed to publish stopping health", "bridge_id", m.BridgeID, "error", err)
			}
		}
	})
}

// PublishNow publishes the current status of every gateway immediately.
// Returns the first publish error.
func (h *HealthReporter) PublishNow() error {
	var first error
	for _, m := range h.gateways() {
		status, reason := h.determineStatus(m)
		if err := h.publishStatus(m, status, reason); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-h.cfg.Clock.After(h.cfg.Interval):
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

func (h *HealthReporter) gateways() []GatewayMetrics {
	if h.cfg.Gateways == nil {
		return nil
	}
	var out []GatewayMetrics
	for _, m := range h.cfg.Gateways() {
		if m.BridgeID != "" {
			out = append(out, m)
		}
	}
	return out
}

// determineStatus evaluates one gateway.
func (h *HealthReporter) determineStatus(m GatewayMetrics) (HealthStatus, string) {
	if h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected() {
		return HealthDegraded, "MQTT disconnected"
	}
	if !m.Ready {
		return HealthUnhealthy, "gateway not ready"
	}
	if m.EventStream && m.Events.State != MonitorListening {
		return HealthDegraded, "event stream " + m.Events.State.String()
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) publishStatus(m GatewayMetrics, status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}
	msg := NewHealthMessage(m, h.cfg.Version, status, h.startTime)
	msg.Timestamp = h.cfg.Clock.Now().UTC()
	msg.UptimeSeconds = int64(h.cfg.Clock.Now().Sub(h.startTime).Seconds())
	msg.Reason = reason

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.cfg.Publisher.Publish(HealthTopic(m.BridgeID), payload, 1, true)
}
