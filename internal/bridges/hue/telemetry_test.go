package hue

import (
	"sync"
	"testing"
	"time"
)

// recordingWriter implements MetricsWriter.
type recordingWriter struct {
	mu     sync.Mutex
	points []writtenPoint
}

type writtenPoint struct {
	measurement string
	tags        map[string]string
	fields      map[string]interface{}
}

func (w *recordingWriter) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, writtenPoint{measurement, tags, fields})
}

func (w *recordingWriter) written() []writtenPoint {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]writtenPoint(nil), w.points...)
}

func TestWriteGatewayPoint(t *testing.T) {
	w := &recordingWriter{}
	writeGatewayPoint(w, GatewayMetrics{
		Host:      "10.0.0.2",
		BridgeID:  "00212EFFFF001234",
		Model:     ModelDeconz,
		Devices:   7,
		Transport: ClientStats{Requests: 40, Errors: 2, Resends: 1},
		LastPoll:  1500 * time.Microsecond,
	})

	points := w.written()
	if len(points) != 1 || points[0].measurement != MeasurementGateway {
		t.Fatalf("points = %+v", points)
	}
	p := points[0]
	if p.tags["bridge_id"] != "00212EFFFF001234" || p.tags["model"] != ModelDeconz {
		t.Errorf("tags = %v", p.tags)
	}
	if p.fields["requests"] != int64(40) || p.fields["devices"] != 7 || p.fields["poll_ms"] != 1.5 {
		t.Errorf("fields = %v", p.fields)
	}

	// nil writer is a no-op
	writeGatewayPoint(nil, GatewayMetrics{})
}

func TestDriftRecorder(t *testing.T) {
	w := &recordingWriter{}
	record := DriftRecorder(w)
	record(3, -20*time.Millisecond)

	points := w.written()
	if len(points) != 1 || points[0].measurement != MeasurementHeartbeat {
		t.Fatalf("points = %+v", points)
	}
	if points[0].fields["beat"] != 3 || points[0].fields["drift_ms"] != float64(-20) {
		t.Errorf("fields = %v", points[0].fields)
	}

	DriftRecorder(nil)(1, time.Second)
}

func TestGateway_WritesTelemetry(t *testing.T) {
	fg := newFakeGateway(t, deconzConfig(deconzID, 0))
	seedDeconz(fg)
	w := &recordingWriter{}
	gw := newTestGateway(t, fg, GatewayOptions{Metrics: w})
	if err := gw.Start(t.Context()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	gw.heartbeat(t.Context(), 0)
	gw.heartbeat(t.Context(), 1)

	points := w.written()
	if len(points) != 1 {
		t.Fatalf("points = %d, want one per poll cycle", len(points))
	}
	if points[0].fields["devices"] != 4 {
		t.Errorf("devices = %v", points[0].fields["devices"])
	}
}
