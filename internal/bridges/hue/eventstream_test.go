package hue

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeEventServer pushes scripted messages to every connection.
type fakeEventServer struct {
	*httptest.Server
	upgrader websocket.Upgrader
	connects atomic.Int32

	// messages are sent on connect; closeAfter closes the connection once sent.
	messages   []string
	closeAfter bool
}

func newFakeEventServer(t *testing.T, messages []string, closeAfter bool) *fakeEventServer {
	t.Helper()
	s := &fakeEventServer{messages: messages, closeAfter: closeAfter}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

func (s *fakeEventServer) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.connects.Add(1)

	for _, msg := range s.messages {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return
		}
	}
	if s.closeAfter {
		return
	}
	// Hold the connection until the client goes away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *fakeEventServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/"
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEventMonitor_DeliversEvents(t *testing.T) {
	server := newFakeEventServer(t, []string{
		`{"t":"event","e":"changed","r":"sensors","id":"7","state":{"presence":true}}`,
		`{"t":"event","e":"added","r":"lights","id":"9"}`,
		`not json`,
		`{"t":"event","e":"changed","r":"lights","id":"666","state":{"on":true}}`,
		`{"t":"event","e":"changed","r":"scenes","id":"1"}`,
		`{"t":"event","e":"changed","r":"lights","id":"3","attr":{"name":"Desk"}}`,
	}, false)

	var (
		mu      sync.Mutex
		applied []string
		hooked  atomic.Int32
	)
	m, err := NewEventMonitor(EventMonitorOptions{
		URL: server.wsURL(),
		OnEvent: func(ev Event) error {
			if ev.Path.ID == "666" {
				panic("boom")
			}
			mu.Lock()
			applied = append(applied, ev.Path.String())
			mu.Unlock()
			return nil
		},
		Hook:   func(Event) { hooked.Add(1) },
		Logger: &testLogger{},
	})
	if err != nil {
		t.Fatalf("NewEventMonitor() error = %v", err)
	}
	if m.State() != MonitorDisconnected {
		t.Errorf("initial State() = %v, want disconnected", m.State())
	}

	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, "two applied events", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(applied) == 2
	})

	mu.Lock()
	if applied[0] != "/sensors/7" || applied[1] != "/lights/3" {
		t.Errorf("applied = %v, want [/sensors/7 /lights/3]", applied)
	}
	mu.Unlock()

	if got := hooked.Load(); got != 5 {
		t.Errorf("hook calls = %d, want 5", got)
	}
	stats := m.Stats()
	if stats.State != MonitorListening {
		t.Errorf("State = %v, want listening", stats.State)
	}
	if stats.Connects != 1 {
		t.Errorf("Connects = %d, want 1", stats.Connects)
	}
	if stats.EventErrors != 2 {
		t.Errorf("EventErrors = %d, want 2", stats.EventErrors)
	}
}

func TestEventMonitor_ApplyErrorKeepsConnection(t *testing.T) {
	server := newFakeEventServer(t, []string{
		`{"t":"event","e":"changed","r":"lights","id":"1","state":{"on":true}}`,
		`{"t":"event","e":"changed","r":"lights","id":"2","state":{"on":true}}`,
	}, false)

	var calls atomic.Int32
	m, _ := NewEventMonitor(EventMonitorOptions{
		URL: server.wsURL(),
		OnEvent: func(Event) error {
			calls.Add(1)
			return errors.New("not applied")
		},
	})
	m.Start(context.Background())
	defer m.Stop()

	waitFor(t, "both events", func() bool { return calls.Load() == 2 })
	if server.connects.Load() != 1 {
		t.Errorf("server connects = %d, want 1", server.connects.Load())
	}
}

func TestEventMonitor_Reconnects(t *testing.T) {
	server := newFakeEventServer(t, []string{
		`{"t":"event","e":"changed","r":"lights","id":"1","state":{"on":true}}`,
	}, true)

	var events atomic.Int32
	m, _ := NewEventMonitor(EventMonitorOptions{
		URL:       server.wsURL(),
		Reconnect: 10 * time.Millisecond,
		OnEvent:   func(Event) error { events.Add(1); return nil },
	})
	m.Start(context.Background())

	waitFor(t, "three connections", func() bool { return server.connects.Load() >= 3 })
	m.Stop()

	if events.Load() < 2 {
		t.Errorf("events = %d, want one per finished connection", events.Load())
	}
	if m.State() != MonitorDisconnected {
		t.Errorf("State() after Stop = %v, want disconnected", m.State())
	}
}

func TestEventMonitor_DialFailureRetries(t *testing.T) {
	logger := &testLogger{}
	m, _ := NewEventMonitor(EventMonitorOptions{
		URL:       "ws://127.0.0.1:1/",
		Reconnect: 10 * time.Millisecond,
		Logger:    logger,
	})
	m.Start(context.Background())
	waitFor(t, "connect failure", func() bool { return logger.contains("warn", "event stream connect failed") })
	m.Stop()

	if m.Stats().Connects != 0 {
		t.Errorf("Connects = %d, want 0", m.Stats().Connects)
	}
}

func TestNewEventMonitor_RequiresURL(t *testing.T) {
	if _, err := NewEventMonitor(EventMonitorOptions{}); err == nil {
		t.Error("NewEventMonitor() expected error without url")
	}
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		path    string
		changed bool
		wantErr bool
	}{
		{"state change", `{"t":"event","e":"changed","r":"sensors","id":"7","state":{"buttonevent":1002}}`, "/sensors/7", true, false},
		{"group", `{"t":"event","e":"changed","r":"groups","id":"2","state":{"any_on":true}}`, "/groups/2", true, false},
		{"added", `{"t":"event","e":"added","r":"lights","id":"4"}`, "/lights/4", false, false},
		{"unknown collection", `{"t":"event","e":"changed","r":"scenes","id":"1"}`, "", true, false},
		{"missing id", `{"t":"event","e":"changed","r":"lights"}`, "", true, false},
		{"malformed", `{"t":`, "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeEvent([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeEvent() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			got := ""
			if ev.Path.Kind != 0 {
				got = ev.Path.String()
			}
			if got != tt.path {
				t.Errorf("Path = %q, want %q", got, tt.path)
			}
			if ev.Changed() != tt.changed {
				t.Errorf("Changed() = %v, want %v", ev.Changed(), tt.changed)
			}
		})
	}
}
