package hue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// EngineOptions configures an Engine.
type EngineOptions struct {
	// Gateways holds one entry per configured host.
	Gateways []GatewayOptions

	// Pacemaker drives the heartbeats. Defaults to a 1s pacemaker.
	Pacemaker *Pacemaker

	// OnGatewayReady is called when a gateway has bootstrapped and been registered.
	OnGatewayReady func(gw *Gateway)

	// Logger is optional; nil disables engine logging.
	Logger Logger
}

// Engine runs every configured gateway under one pacemaker.
// It handles:
//   - Bootstrapping each gateway on its own goroutine
//   - Registering ready gateways by bridge id and rejecting duplicates
//   - Routing device writes to the gateway that exposes the device
//
// A gateway that fails never affects the others.
//
// Thread Safety: All methods are safe for concurrent use.
type Engine struct {
	logHolder
	opts      EngineOptions
	pacemaker *Pacemaker
	gateways  []*Gateway

	// byBridge holds ready gateways only; failed is keyed by host.
	mu       sync.RWMutex
	byBridge map[string]*Gateway
	failed   map[string]error

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewEngine creates the gateways. Hosts must be unique.
//
// Parameters:
//   - opts: Engine options; at least one gateway is required
//
// Returns:
//   - *Engine: Engine ready to Start
//   - error: If no gateway is given, a host repeats or a gateway's options are invalid
func NewEngine(opts EngineOptions) (*Engine, error) {
	if len(opts.Gateways) == 0 {
		return nil, errors.New("at least one gateway is required")
	}
	if opts.Pacemaker == nil {
		opts.Pacemaker = NewPacemaker(PacemakerOptions{Logger: opts.Logger})
	}
	e := &Engine{
		opts:      opts,
		pacemaker: opts.Pacemaker,
		byBridge:  make(map[string]*Gateway),
		failed:    make(map[string]error),
	}
	e.logger = opts.Logger

	hosts := make(map[string]bool, len(opts.Gateways))
	for _, gopts := range opts.Gateways {
		if hosts[gopts.Host] {
			return nil, fmt.Errorf("gateway %s configured twice", gopts.Host)
		}
		hosts[gopts.Host] = true
		gw, err := NewGateway(gopts)
		if err != nil {
			return nil, fmt.Errorf("gateway %s: %w", gopts.Host, err)
		}
		e.gateways = append(e.gateways, gw)
	}
	return e, nil
}

// Start starts the pacemaker and bootstraps every gateway in the background.
// It returns immediately; use OnGatewayReady or Failed to follow progress.
func (e *Engine) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.pacemaker.Start(ctx)
	for _, gw := range e.gateways {
		e.wg.Add(1)
		go func(gw *Gateway) {
			defer e.wg.Done()
			e.startGateway(ctx, gw)
		}(gw)
	}
	e.logInfo("engine started", "gateways", len(e.gateways))
}

// startGateway bootstraps gw and registers it with the pacemaker. Two hosts
// resolving to the same bridge id are a configuration error: the later one
// is stopped and recorded as failed.
func (e *Engine) startGateway(ctx context.Context, gw *Gateway) {
	if err := gw.Start(ctx); err != nil {
		if ctx.Err() == nil {
			e.setFailed(gw.Host(), err)
			e.logError("gateway stopped", err, "gateway", gw.Host())
		}
		return
	}

	bridgeID := gw.Identity().BridgeID
	e.mu.Lock()
	if other, dup := e.byBridge[bridgeID]; dup && other != gw {
		e.mu.Unlock()
		err := fmt.Errorf("%w: %s already served by %s", ErrDuplicateGateway, bridgeID, other.Host())
		e.setFailed(gw.Host(), err)
		e.logError("gateway stopped", err, "gateway", gw.Host())
		gw.Stop()
		return
	}
	e.byBridge[bridgeID] = gw
	e.mu.Unlock()

	e.pacemaker.Add(gw)
	if e.opts.OnGatewayReady != nil {
		e.opts.OnGatewayReady(gw)
	}
}

// setFailed records the error that stopped the gateway at host.
func (e *Engine) setFailed(host string, err error) {
	e.mu.Lock()
	e.failed[host] = err
	e.mu.Unlock()
}

// Stop gracefully shuts down the engine.
//
// It performs the following cleanup:
//  1. Stops the pacemaker so no new beats are delivered
//  2. Cancels bootstraps still in progress and waits for them
//  3. Stops every gateway
//
// Calling Stop more than once is safe.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.pacemaker.Stop()
		e.mu.Lock()
		cancel := e.cancel
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		e.wg.Wait()
		for _, gw := range e.gateways {
			e.pacemaker.Remove(gw)
			gw.Stop()
		}
		e.logInfo("engine stopped")
	})
}

// Gateways returns every configured gateway, ready or not.
func (e *Engine) Gateways() []*Gateway {
	out := make([]*Gateway, len(e.gateways))
	copy(out, e.gateways)
	return out
}

// Gateway returns the ready gateway serving bridgeID, or nil.
func (e *Engine) Gateway(bridgeID string) *Gateway {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.byBridge[bridgeID]
}

// GatewayForDevice returns the gateway that exposes serial, or nil.
func (e *Engine) GatewayForDevice(serial string) *Gateway {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, gw := range e.byBridge {
		if res := gw.Resolution(); res != nil && res.Device(serial) != nil {
			return gw
		}
	}
	return nil
}

// Route returns the gateway exposing serial as a DeviceWriter.
func (e *Engine) Route(serial string) (DeviceWriter, bool) {
	gw := e.GatewayForDevice(serial)
	if gw == nil {
		return nil, false
	}
	return gw, true
}

// Failed returns the gateways that stopped with an error, keyed by host.
func (e *Engine) Failed() map[string]error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]error, len(e.failed))
	for h, err := range e.failed {
		out[h] = err
	}
	return out
}

// Metrics returns the metrics of every gateway.
func (e *Engine) Metrics() []GatewayMetrics {
	out := make([]GatewayMetrics, 0, len(e.gateways))
	for _, gw := range e.gateways {
		out = append(out, gw.Metrics())
	}
	return out
}
