package hue

import "time"

// Measurement names written to the time-series store.
const (
	MeasurementGateway   = "hue_gateway"
	MeasurementHeartbeat = "hue_heartbeat"
)

// MetricsWriter accepts telemetry points. Satisfied by *influxdb.Client.
// Writes are fire-and-forget.
type MetricsWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]interface{})
}

// writeGatewayPoint records one heartbeat poll cycle.
func writeGatewayPoint(w MetricsWriter, m GatewayMetrics) {
	if w == nil {
		return
	}
	w.WritePoint(MeasurementGateway,
		map[string]string{
			"bridge_id": m.BridgeID,
			"host":      m.Host,
			"model":     m.Model,
		},
		map[string]interface{}{
			"requests":    int64(m.Transport.Requests),
			"errors":      int64(m.Transport.Errors),
			"api_errors":  int64(m.Transport.APIErrors),
			"resends":     int64(m.Transport.Resends),
			"devices":     m.Devices,
			"poll_errors": int64(m.PollErrors),
			"poll_ms":     float64(m.LastPoll) / float64(time.Millisecond),
			"events":      int64(m.Events.Events),
		})
}

// DriftRecorder returns a PacemakerOptions.OnDrift callback writing each
// beat's drift to w.
func DriftRecorder(w MetricsWriter) func(beat int, drift time.Duration) {
	return func(beat int, drift time.Duration) {
		if w == nil {
			return
		}
		w.WritePoint(MeasurementHeartbeat, nil, map[string]interface{}{
			"beat":     beat,
			"drift_ms": float64(drift) / float64(time.Millisecond),
		})
	}
}
