package hue

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Gateway defaults.
const (
	defaultHeartrate       = 5
	defaultHistoryInterval = 600
	defaultHistorySize     = 144
	defaultStartupRetry    = 15 * time.Second
	defaultResourceWait    = 60 * time.Second
	defaultAppName         = "graylogic-hue"
	defaultLinkName        = "homebridge-hue"

	minHeartrate = 1
	maxHeartrate = 30
)

// GatewayOptions configures one gateway connection.
type GatewayOptions struct {
	// Host is the gateway address, optionally with port (required).
	Host string

	// Username is the credential when already known.
	Username string

	// Credentials looks up a stored credential once the bridge id is known.
	Credentials func(bridgeID string) string

	// OnCredential is called after pairing with the new credential.
	OnCredential func(bridgeID, username string)

	// BridgeID is the expected bridge id. Empty accepts any.
	BridgeID string

	// Fingerprint is the pinned certificate fingerprint.
	Fingerprint string

	// OnFingerprint is called when a fingerprint is pinned on first use.
	OnFingerprint func(bridgeID, fingerprint string)

	// Classify carries operator overrides for classification.
	Classify ClassifyOptions

	// Exposure selects which resources become devices.
	Exposure ExposureOptions

	// ResourceLinkName is the resourcelink name holding directives. Defaults to "homebridge-hue".
	ResourceLinkName string

	// AppName is the application part of the pairing devicetype.
	AppName string

	// Heartrate is the poll period in beats (1..30). Defaults to 5.
	Heartrate int

	// HistoryInterval is the sampling period in beats. Defaults to 600.
	HistoryInterval int

	// HistorySize is the number of samples kept per sensor. Defaults to 144.
	HistorySize int

	// Transport settings, see ClientOptions.
	Timeout          time.Duration
	ParallelRequests int
	ResendDelay      time.Duration
	MaxResends       int
	SettleDelays     *SettleDelays

	// StartupRetry is the wait after a failed bootstrap. Defaults to 15s.
	StartupRetry time.Duration

	// ResourceWait is the wait for an uninitialised gateway or a resource
	// referenced before it exists. Defaults to 60s.
	ResourceWait time.Duration

	// EventReconnect is the event stream reconnect wait. Defaults to 30s.
	EventReconnect time.Duration

	// Handler receives device callbacks.
	Handler DeviceHandler

	// EventHook receives every decoded push event.
	EventHook EventHook

	// Metrics receives per-heartbeat telemetry.
	Metrics MetricsWriter

	Clock  Clock
	Logger Logger
}

// GatewayMetrics contains runtime statistics for one gateway.
type GatewayMetrics struct {
	Host              string
	BridgeID          string
	Model             string
	Ready             bool
	Heartrate         int
	Devices           int
	Transport         ClientStats
	EventStream       bool
	Events            EventMonitorStats
	Beats             uint64
	DroppedBeats      uint64
	PollErrors        uint64
	Reasserts         uint64
	LastPoll          time.Duration
	BootstrapAttempts int
}

// GatewaySnapshot is the diagnostic state exposed for persistence.
type GatewaySnapshot struct {
	Session   string                               `json:"session"`
	Taken     time.Time                            `json:"taken"`
	Identity  *GatewayIdentity                     `json:"identity"`
	Devices   []*DeviceIdentity                    `json:"devices"`
	Excluded  map[string]string                    `json:"excluded"`
	Resources map[string]map[string]map[string]any `json:"resources"`
}

// desiredWrite is the last write forwarded for a light or group.
type desiredWrite struct {
	path ResourcePath
	body map[string]any
}

// Gateway owns everything for one gateway connection.
// It handles:
//   - Bootstrap: classification, pairing, the full state fetch and resolution
//   - Heartbeat polls that replace cached resources and report changes
//   - The deCONZ event stream that merges pushed changes into the cache
//   - Forwarding device writes and reasserting them after a power cycle
//
// Thread Safety: All methods are safe for concurrent use.
type Gateway struct {
	logHolder

	opts       GatewayOptions
	client     *Client
	classifier *Classifier
	cache      *StateCache
	history    *History
	retrier    *Retrier
	handler    DeviceHandler

	// Replaced as a whole on every successful bootstrap.
	mu         sync.RWMutex
	session    string
	ident      *GatewayIdentity
	resolution *Resolution
	counts     map[Kind]int
	group0     bool
	linkButton bool
	rejected   string
	desired    map[ResourcePath]desiredWrite
	monitor    *EventMonitor
	lastPoll   time.Duration

	heartrate atomic.Int32
	ready     atomic.Bool
	busy      atomic.Bool
	stopped   atomic.Bool

	// Counters reported through Metrics.
	beats        atomic.Uint64
	droppedBeats atomic.Uint64
	pollErrors   atomic.Uint64
	reasserts    atomic.Uint64

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewGateway validates opts and creates a gateway.
// No connection is made until Start.
//
// Parameters:
//   - opts: Gateway options; Host is required, zero values take the defaults
//
// Returns:
//   - *Gateway: Gateway ready to Start
//   - error: If Host is empty or Heartrate is outside 1-30
func NewGateway(opts GatewayOptions) (*Gateway, error) {
	if opts.Host == "" {
		return nil, errors.New("host is required")
	}
	if opts.Heartrate == 0 {
		opts.Heartrate = defaultHeartrate
	}
	if opts.Heartrate < minHeartrate || opts.Heartrate > maxHeartrate {
		return nil, fmt.Errorf("heartrate must be %d-%d, got %d", minHeartrate, maxHeartrate, opts.Heartrate)
	}
	if opts.HistoryInterval <= 0 {
		opts.HistoryInterval = defaultHistoryInterval
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	if opts.StartupRetry <= 0 {
		opts.StartupRetry = defaultStartupRetry
	}
	if opts.ResourceWait <= 0 {
		opts.ResourceWait = defaultResourceWait
	}
	if opts.EventReconnect <= 0 {
		opts.EventReconnect = defaultEventReconnect
	}
	if opts.AppName == "" {
		opts.AppName = defaultAppName
	}
	if opts.ResourceLinkName == "" {
		opts.ResourceLinkName = defaultLinkName
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}

	client, err := NewClient(ClientOptions{
		Host:             opts.Host,
		Username:         opts.Username,
		BridgeID:         opts.BridgeID,
		Fingerprint:      opts.Fingerprint,
		OnFingerprint:    opts.OnFingerprint,
		Timeout:          opts.Timeout,
		ParallelRequests: opts.ParallelRequests,
		ResendDelay:      opts.ResendDelay,
		MaxResends:       opts.MaxResends,
		SettleDelays:     opts.SettleDelays,
		Clock:            opts.Clock,
		Logger:           opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		opts:    opts,
		client:  client,
		cache:   NewStateCache(),
		history: NewHistory(opts.HistorySize),
		handler: opts.Handler,
		counts:  make(map[Kind]int),
		desired: make(map[ResourcePath]desiredWrite),
	}
	if g.handler == nil {
		g.handler = nopHandler{}
	}
	g.logger = opts.Logger
	g.heartrate.Store(int32(opts.Heartrate))
	g.classifier, err = NewClassifier(ClassifierOptions{
		Client:       client,
		Classify:     opts.Classify,
		StartupRetry: opts.StartupRetry,
		ResourceWait: opts.ResourceWait,
		Clock:        opts.Clock,
		Logger:       opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	g.retrier = NewRetrier(RetrierOptions{
		Name:   "bootstrap " + opts.Host,
		Delay:  opts.StartupRetry,
		Clock:  opts.Clock,
		Logger: opts.Logger,
		Retryable: func(err error) bool {
			return !errors.Is(err, ErrUnknownGateway) && !errors.Is(err, ErrBridgeIDMismatch)
		},
		Backoff: func(err error) time.Duration {
			if errors.Is(err, ErrResolutionIncomplete) {
				return opts.ResourceWait
			}
			return 0
		},
	})
	return g, nil
}

// Host returns the configured gateway address.
func (g *Gateway) Host() string { return g.opts.Host }

// Client returns the transport client.
func (g *Gateway) Client() *Client { return g.client }

// Cache returns the state cache.
func (g *Gateway) Cache() *StateCache { return g.cache }

// History returns the sensor history.
func (g *Gateway) History() *History { return g.history }

// Ready reports whether bootstrap has completed.
func (g *Gateway) Ready() bool { return g.ready.Load() }

// Identity returns the classified identity, nil before bootstrap.
func (g *Gateway) Identity() *GatewayIdentity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ident
}

// Resolution returns the current resolution, nil before bootstrap.
func (g *Gateway) Resolution() *Resolution {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.resolution
}

// Devices returns the exposed devices.
func (g *Gateway) Devices() []*DeviceIdentity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.resolution == nil {
		return nil
	}
	out := make([]*DeviceIdentity, len(g.resolution.Devices))
	copy(out, g.resolution.Devices)
	return out
}

// Start bootstraps the gateway, retrying until it succeeds, ctx is
// cancelled or the gateway turns out to be unsupported. On success the
// event stream is started when the gateway has one.
//
// Returns:
//   - nil once ready
//   - an error matching ErrUnknownGateway or ErrBridgeIDMismatch
//   - ctx.Err() when cancelled
func (g *Gateway) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.cancel = cancel
	g.mu.Unlock()

	if err := g.retrier.Do(ctx, g.bootstrap); err != nil {
		return err
	}
	if g.stopped.Load() {
		return fmt.Errorf("%w: %s: stopped during bootstrap", ErrNotConnected, g.opts.Host)
	}

	ident := g.Identity()
	if port := ident.Capabilities.WebsocketPort; port > 0 {
		if err := g.startMonitor(ctx, ident, port); err != nil {
			g.logError("event stream not started", err, "gateway", g.opts.Host)
		}
	}
	g.ready.Store(true)
	g.logInfo("gateway ready",
		"gateway", g.opts.Host,
		"bridge_id", ident.BridgeID,
		"devices", len(g.Devices()),
		"attempts", g.retrier.Attempts(),
		"classify_attempts", g.classifier.Attempts())
	return nil
}

// Stop gracefully shuts down the gateway.
//
// It performs the following cleanup:
//  1. Marks the gateway stopped so new heartbeats are refused
//  2. Stops the event stream
//  3. Waits for a running heartbeat to finish
//  4. Cancels the context Start was given
//
// Calling Stop more than once is safe.
func (g *Gateway) Stop() {
	g.stopOnce.Do(func() {
		g.stopped.Store(true)
		g.ready.Store(false)

		g.mu.Lock()
		monitor := g.monitor
		cancel := g.cancel
		g.mu.Unlock()

		if monitor != nil {
			monitor.Stop()
		}
		g.wg.Wait()
		if cancel != nil {
			cancel()
		}
		g.logInfo("gateway stopped", "gateway", g.opts.Host)
	})
}

// bootstrap is one attempt: classify, pair, fetch the full state and resolve.
// Classification waits out an uninitialised or unreachable gateway itself.
func (g *Gateway) bootstrap(ctx context.Context) error {
	ident, err := g.classifier.Run(ctx)
	if err != nil {
		return err
	}

	if err := g.ensureCredential(ctx, ident); err != nil {
		return err
	}

	fs, err := g.fetchFullState(ctx)
	if err != nil {
		// An unauthorised user means the stored credential was deleted on the
		// gateway. Forget it so the next attempt pairs again.
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Type == 1 {
			g.mu.Lock()
			g.rejected = g.client.Username()
			g.mu.Unlock()
			g.client.SetUsername("")
			g.logWarn("credential rejected by gateway, pairing again", "gateway", g.opts.Host, "bridge_id", ident.BridgeID)
		}
		return err
	}

	// The ruleset is parsed from scratch on every attempt.
	rs := ParseRuleset(fs.ResourceLinks, g.opts.ResourceLinkName, g.getLogger())
	res, err := NewResolver(ident, g.opts.Exposure, g.getLogger()).Resolve(fs, rs)
	if err != nil {
		return err
	}

	g.install(ident, fs, res)
	return nil
}

// ensureCredential makes sure the client has a username, pairing when needed.
// A credential the gateway rejected earlier is not offered again.
func (g *Gateway) ensureCredential(ctx context.Context, ident *GatewayIdentity) error {
	if g.client.Username() != "" {
		return nil
	}

	g.mu.RLock()
	rejected := g.rejected
	g.mu.RUnlock()

	if g.opts.Credentials != nil {
		if u := g.opts.Credentials(ident.BridgeID); u != "" && u != rejected {
			g.client.SetUsername(u)
			return nil
		}
	}

	username, err := g.client.CreateCredential(ctx, g.opts.AppName)
	if err != nil {
		return err
	}
	g.logInfo("paired with gateway",
		"gateway", g.opts.Host,
		"bridge_id", ident.BridgeID,
		"username", MaskUsername(username))
	if g.opts.OnCredential != nil {
		g.opts.OnCredential(ident.BridgeID, username)
	}
	return nil
}

// fetchFullState reads GET /, group 0 and, when missing, the resourcelinks.
func (g *Gateway) fetchFullState(ctx context.Context) (*FullState, error) {
	body, err := g.client.GetObject(ctx, "/")
	if err != nil {
		return nil, err
	}
	fs := DecodeFullState(body)

	// Group 0 (all lights) is not part of GET /.
	group0, err := g.client.GetObject(ctx, "/groups/0")
	if err != nil {
		return nil, err
	}
	if group0 != nil {
		fs.SetResource(KindGroup, "0", group0)
	}

	// deCONZ leaves resourcelinks out of GET /; older gateways have none at all.
	if !fs.HasResourceLinks() {
		links, err := g.client.GetObject(ctx, "/resourcelinks")
		switch {
		case errors.Is(err, ErrAPI):
			g.logDebug("gateway has no resourcelinks", "gateway", g.opts.Host, "error", err)
		case err != nil:
			return nil, err
		}
		fs.ResourceLinks = asCollection(links)
	}
	return fs, nil
}

// install publishes a completed bootstrap: it loads the cache, swaps in the
// new resolution under a fresh session id and announces the devices.
func (g *Gateway) install(ident *GatewayIdentity, fs *FullState, res *Resolution) {
	g.cache.Load(fs)

	counts := make(map[Kind]int, len(Kinds))
	for _, k := range Kinds {
		counts[k] = len(res.Exposed(k))
	}
	_, group0 := res.ByPath[ResourcePath{Kind: KindGroup, ID: "0"}]
	linkButton, _ := fs.Config["linkbutton"].(bool)

	g.mu.Lock()
	g.session = uuid.NewString()
	g.ident = ident
	g.resolution = res
	g.counts = counts
	g.group0 = group0
	g.linkButton = linkButton
	g.mu.Unlock()

	for _, c := range res.Conflicts {
		g.logDebug("resolution conflict", "serial", c.Serial, "resource", c.Path.String(), "existing", c.Existing.String())
	}
	g.logInfo("resources resolved", "gateway", g.opts.Host, "bridge_id", ident.BridgeID, "resolution", res.String())
	g.handler.DevicesExposed(ident, res.Devices)
}

// startMonitor connects the event stream on the websocket port the gateway
// advertised. The host part of the configured address is reused.
func (g *Gateway) startMonitor(ctx context.Context, ident *GatewayIdentity, port int) error {
	host, _, err := net.SplitHostPort(g.opts.Host)
	if err != nil {
		host = g.opts.Host
	}
	m, err := NewEventMonitor(EventMonitorOptions{
		URL:       "ws://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/",
		Reconnect: g.opts.EventReconnect,
		OnEvent:   g.applyEvent,
		Hook:      g.opts.EventHook,
		Clock:     g.opts.Clock,
		Logger:    g.getLogger(),
	})
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.monitor = m
	g.mu.Unlock()
	m.Start(ctx)
	g.logDebug("event stream started", "gateway", g.opts.Host, "bridge_id", ident.BridgeID, "port", port)
	return nil
}

// applyEvent merges a push event into the cache and notifies the bound device.
// Attribute, state and config changes are merged separately, so a stale
// state part does not drop a fresh config part of the same event.
func (g *Gateway) applyEvent(ev Event) error {
	res := g.Resolution()
	var dev *DeviceIdentity
	if res != nil {
		dev = res.DeviceFor(ev.Path)
	}

	parts := []struct {
		sub     string
		changes map[string]any
	}{
		{"", ev.Attr},
		{"state", ev.State},
		{"config", ev.Config},
	}
	for _, part := range parts {
		if len(part.changes) == 0 {
			continue
		}
		if !g.cache.Merge(ev.Path.Kind, ev.Path.ID, part.sub, part.changes) {
			g.logDebug("stale event dropped", "resource", ev.Path.String(), "field", part.sub)
			continue
		}
		if dev == nil {
			continue
		}
		p := ev.Path
		p.Sub = part.sub
		dispatch(g.handler, dev, Delta{Serial: dev.Serial, Path: p, Changes: part.changes, Source: SourceEvent})
	}
	return nil
}

// RequestWrite forwards body verbatim as a PUT to path and remembers it as
// the desired state of the resource for later reassertion.
//
// Parameters:
//   - ctx: Context for timeout/cancellation, including the write gate wait
//   - path: Target resource, e.g. /lights/3/state
//   - body: Attributes to set, sent unchanged
//
// Returns:
//   - *Result: The folded batch response; per-attribute errors are in Result.Errors
//   - error: ErrNotConnected before bootstrap, or the transport error
func (g *Gateway) RequestWrite(ctx context.Context, path ResourcePath, body map[string]any) (*Result, error) {
	if !g.Ready() {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, g.opts.Host)
	}
	res, err := g.client.Put(ctx, path.String(), body)
	if err != nil {
		return nil, err
	}

	switch {
	case path.Kind == KindLight && path.Sub == "state", path.Kind == KindGroup && path.Sub == "action":
		g.mu.Lock()
		g.desired[path.Base()] = desiredWrite{path: path, body: deepCopyMap(body)}
		g.mu.Unlock()
	}
	if len(res.State) > 0 && path.Kind.Valid() {
		g.cache.Merge(path.Kind, path.ID, path.Sub, res.State)
	}
	return res, nil
}

// Owns reports whether the resource at p belongs to the device with serial.
func (g *Gateway) Owns(serial string, p ResourcePath) bool {
	res := g.Resolution()
	if res == nil {
		return false
	}
	dev := res.DeviceFor(p)
	return dev != nil && dev.Serial == serial
}

// SetHeartrate changes the poll period at runtime.
func (g *Gateway) SetHeartrate(rate int) error {
	if rate < minHeartrate || rate > maxHeartrate {
		return fmt.Errorf("heartrate must be %d-%d, got %d", minHeartrate, maxHeartrate, rate)
	}
	old := g.heartrate.Swap(int32(rate))
	if int(old) != rate {
		g.logInfo("heartrate changed", "gateway", g.opts.Host, "from", old, "to", rate)
	}
	return nil
}

// Heartrate returns the poll period in beats.
func (g *Gateway) Heartrate() int {
	return int(g.heartrate.Load())
}

// Snapshot returns the identity, devices and a copy of the cache.
func (g *Gateway) Snapshot() GatewaySnapshot {
	g.mu.RLock()
	snap := GatewaySnapshot{
		Session:  g.session,
		Taken:    g.opts.Clock.Now(),
		Identity: g.ident,
	}
	res := g.resolution
	g.mu.RUnlock()

	if res != nil {
		snap.Devices = res.Devices
		snap.Excluded = make(map[string]string, len(res.Excluded))
		for p, reason := range res.Excluded {
			snap.Excluded[p.String()] = reason
		}
	}
	snap.Resources = g.cache.Dump()
	return snap
}

// Metrics returns current runtime statistics.
func (g *Gateway) Metrics() GatewayMetrics {
	g.mu.RLock()
	m := GatewayMetrics{
		Host:     g.opts.Host,
		LastPoll: g.lastPoll,
	}
	if g.ident != nil {
		m.BridgeID = g.ident.BridgeID
		m.Model = g.ident.Model
	}
	if g.resolution != nil {
		m.Devices = len(g.resolution.Devices)
	}
	monitor := g.monitor
	g.mu.RUnlock()

	m.Ready = g.Ready()
	m.Heartrate = g.Heartrate()
	m.Transport = g.client.Stats()
	if monitor != nil {
		m.EventStream = true
		m.Events = monitor.Stats()
	}
	m.Beats = g.beats.Load()
	m.DroppedBeats = g.droppedBeats.Load()
	m.PollErrors = g.pollErrors.Load()
	m.Reasserts = g.reasserts.Load()
	m.BootstrapAttempts = g.retrier.Attempts()
	return m
}
