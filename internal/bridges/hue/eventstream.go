package hue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const defaultEventReconnect = 30 * time.Second

// MonitorState is the connection state of an EventMonitor.
type MonitorState int

// Monitor states. A monitor starts Disconnected and cycles
// Connecting -> Listening -> Closed -> Connecting until stopped.
const (
	MonitorDisconnected MonitorState = iota
	MonitorConnecting
	MonitorListening
	MonitorClosed
)

func (s MonitorState) String() string {
	switch s {
	case MonitorDisconnected:
		return "disconnected"
	case MonitorConnecting:
		return "connecting"
	case MonitorListening:
		return "listening"
	case MonitorClosed:
		return "closed"
	}
	return "unknown"
}

// Event is one decoded push notification.
type Event struct {
	// Type and Event are the envelope "t" and "e" fields, e.g. "event" and "changed".
	Type  string
	Event string

	// Path is the resource the event is about, without a Sub.
	Path ResourcePath

	UniqueID string

	Attr   map[string]any
	State  map[string]any
	Config map[string]any

	Raw []byte
}

// Changed reports whether e is a resource change notification.
func (e Event) Changed() bool {
	return e.Type == "event" && e.Event == "changed"
}

// eventEnvelope is the wire form of a push notification.
type eventEnvelope struct {
	T        string         `json:"t"`
	E        string         `json:"e"`
	R        string         `json:"r"`
	ID       string         `json:"id"`
	UniqueID string         `json:"uniqueid,omitempty"`
	Attr     map[string]any `json:"attr,omitempty"`
	State    map[string]any `json:"state,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
}

// DecodeEvent parses one push message. Messages for collections other than
// the five resource kinds decode with a zero Path.
func DecodeEvent(raw []byte) (Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Event{}, fmt.Errorf("decoding event: %w", err)
	}
	ev := Event{
		Type:     env.T,
		Event:    env.E,
		UniqueID: env.UniqueID,
		Attr:     env.Attr,
		State:    env.State,
		Config:   env.Config,
		Raw:      raw,
	}
	if k, ok := ParseKind(env.R); ok && env.ID != "" {
		ev.Path = ResourcePath{Kind: k, ID: env.ID}
	}
	return ev, nil
}

// EventHook receives every decoded event, changed or not.
type EventHook func(ev Event)

// EventMonitorOptions configures an EventMonitor.
type EventMonitorOptions struct {
	// URL is the event stream endpoint, e.g. ws://deconz:443/ (required).
	URL string

	// Reconnect is the fixed wait after a close or dial failure. Defaults to 30s.
	Reconnect time.Duration

	// OnEvent applies a change notification. Errors and panics are logged
	// and never close the connection.
	OnEvent func(ev Event) error

	// Hook is the vendor extension hook.
	Hook EventHook

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	Clock  Clock
	Logger Logger
}

// EventMonitorStats contains event stream counters.
type EventMonitorStats struct {
	State       MonitorState
	Connects    uint64
	Events      uint64
	EventErrors uint64
}

// EventMonitor keeps a push connection open and feeds its events to OnEvent.
//
// Thread Safety: All methods are safe for concurrent use.
type EventMonitor struct {
	logHolder
	opts EventMonitorOptions

	mu     sync.Mutex
	state  MonitorState
	conn   *websocket.Conn
	cancel context.CancelFunc

	connects    atomic.Uint64
	events      atomic.Uint64
	eventErrors atomic.Uint64

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewEventMonitor creates a monitor in the Disconnected state.
func NewEventMonitor(opts EventMonitorOptions) (*EventMonitor, error) {
	if opts.URL == "" {
		return nil, errors.New("event stream url is required")
	}
	if opts.Reconnect <= 0 {
		opts.Reconnect = defaultEventReconnect
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	m := &EventMonitor{opts: opts}
	m.logger = opts.Logger
	return m, nil
}

// Start runs the connect loop in the background until Stop or ctx is done.
func (m *EventMonitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(ctx)
	}()
}

// Stop closes the connection and waits for the loop to exit.
func (m *EventMonitor) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		if m.cancel != nil {
			m.cancel()
		}
		if m.conn != nil {
			_ = m.conn.Close()
		}
		m.mu.Unlock()
		m.wg.Wait()
		m.setState(MonitorDisconnected)
	})
}

// State returns the current connection state.
func (m *EventMonitor) State() MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stats returns a snapshot of the counters.
func (m *EventMonitor) Stats() EventMonitorStats {
	return EventMonitorStats{
		State:       m.State(),
		Connects:    m.connects.Load(),
		Events:      m.events.Load(),
		EventErrors: m.eventErrors.Load(),
	}
}

func (m *EventMonitor) setState(s MonitorState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// run is the connect loop. Every failure, whether dialling or reading,
// waits Reconnect before the next attempt.
func (m *EventMonitor) run(ctx context.Context) {
	for {
		m.setState(MonitorConnecting)
		conn, _, err := m.opts.Dialer.DialContext(ctx, m.opts.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logWarn("event stream connect failed", "url", m.opts.URL, "error", err, "retry_in", m.opts.Reconnect.String())
		} else {
			m.listen(ctx, conn) // Blocks until the connection drops
		}

		m.setState(MonitorClosed)
		if sleep(ctx, m.opts.Clock, m.opts.Reconnect) != nil {
			return
		}
	}
}

// listen reads messages until the connection fails or is closed.
func (m *EventMonitor) listen(ctx context.Context, conn *websocket.Conn) {
	m.mu.Lock()
	if ctx.Err() != nil {
		m.mu.Unlock()
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.state = MonitorListening
	m.mu.Unlock()

	m.connects.Add(1)
	m.logDebug("listening on event stream", "url", m.opts.URL)

	defer func() {
		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				m.logWarn("event stream closed", "url", m.opts.URL, "error", err,
					"retry_in", m.opts.Reconnect.String())
			}
			return
		}
		m.handle(raw)
	}
}

// handle processes one message. A failing message never ends the connection.
func (m *EventMonitor) handle(raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.eventErrors.Add(1)
			m.logError("panic while handling event", fmt.Errorf("%v", r), "event", string(raw))
		}
	}()

	ev, err := DecodeEvent(raw)
	if err != nil {
		m.eventErrors.Add(1)
		m.logWarn("ignoring malformed event", "error", err)
		return
	}
	m.events.Add(1)

	if m.opts.Hook != nil {
		m.opts.Hook(ev)
	}
	if !ev.Changed() || ev.Path.Kind == 0 || m.opts.OnEvent == nil {
		return
	}
	if err := m.opts.OnEvent(ev); err != nil {
		m.eventErrors.Add(1)
		m.logWarn("event not applied", "resource", ev.Path.String(), "error", err)
	}
}
