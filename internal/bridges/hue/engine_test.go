package hue

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

func engineGateway(fg *fakeGateway) GatewayOptions {
	return GatewayOptions{
		Host:         fg.host(),
		Username:     fg.username,
		SettleDelays: &SettleDelays{},
		Exposure:     ExposureOptions{Lights: true, Sensors: true},
		Classify:     ClassifyOptions{ForceHTTP: true},
		Clock:        newFakeClock(),
	}
}

func TestNewEngine_Validation(t *testing.T) {
	if _, err := NewEngine(EngineOptions{}); err == nil {
		t.Error("NewEngine() without gateways expected error")
	}
	gw := GatewayOptions{Host: "10.0.0.2"}
	if _, err := NewEngine(EngineOptions{Gateways: []GatewayOptions{gw, gw}}); err == nil {
		t.Error("NewEngine() with duplicate hosts expected error")
	}
	if _, err := NewEngine(EngineOptions{Gateways: []GatewayOptions{{Host: "10.0.0.2", Heartrate: 99}}}); err == nil {
		t.Error("NewEngine() with invalid gateway expected error")
	}
}

func TestEngine_IsolatesFailures(t *testing.T) {
	good := newFakeGateway(t, deconzConfig(deconzID, 0))
	seedDeconz(good)
	unknown := newFakeGateway(t, hueConfig("001788FFFE654321", "1.20.0"))
	unknown.setConfig("modelid", "BSB003")

	var (
		mu    sync.Mutex
		ready []*Gateway
	)
	e, err := NewEngine(EngineOptions{
		Gateways: []GatewayOptions{engineGateway(good), engineGateway(unknown)},
		OnGatewayReady: func(gw *Gateway) {
			mu.Lock()
			ready = append(ready, gw)
			mu.Unlock()
		},
		Logger: &testLogger{},
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	e.Start(context.Background())
	defer e.Stop()

	waitFor(t, "failed gateway", func() bool { return len(e.Failed()) == 1 })
	waitFor(t, "ready gateway", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ready) == 1
	})

	if err := e.Failed()[unknown.host()]; !errors.Is(err, ErrUnknownGateway) {
		t.Errorf("Failed()[unknown] = %v, want ErrUnknownGateway", err)
	}
	gw := e.Gateway(deconzID)
	if gw == nil || gw.Host() != good.host() {
		t.Fatalf("Gateway(%s) = %v", deconzID, gw)
	}
	if e.GatewayForDevice("000B57FFFE000001") != gw {
		t.Error("GatewayForDevice() did not find light 1")
	}
	if e.GatewayForDevice("nope") != nil {
		t.Error("GatewayForDevice() found unknown serial")
	}
	if n := len(e.Metrics()); n != 2 {
		t.Errorf("Metrics() = %d entries, want 2", n)
	}
}

func TestEngine_DuplicateBridgeID(t *testing.T) {
	first := newFakeGateway(t, deconzConfig(deconzID, 0))
	second := newFakeGateway(t, deconzConfig(deconzID, 0))

	e, err := NewEngine(EngineOptions{
		Gateways: []GatewayOptions{engineGateway(first), engineGateway(second)},
		Logger:   &testLogger{},
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	e.Start(context.Background())
	defer e.Stop()

	waitFor(t, "duplicate detected", func() bool { return len(e.Failed()) == 1 })
	var dupErr error
	for _, err := range e.Failed() {
		dupErr = err
	}
	if !errors.Is(dupErr, ErrDuplicateGateway) {
		t.Errorf("Failed() error = %v, want ErrDuplicateGateway", dupErr)
	}
	if e.Gateway(deconzID) == nil {
		t.Error("no gateway registered for the bridge id")
	}
}

func TestEngine_PacemakerDrivesHeartbeats(t *testing.T) {
	fg := newFakeGateway(t, deconzConfig(deconzID, 0))
	seedDeconz(fg)
	clock := newFakeClock()
	pm := NewPacemaker(PacemakerOptions{Clock: clock})

	opts := engineGateway(fg)
	opts.Heartrate = 1
	readyCh := make(chan *Gateway, 1)
	e, err := NewEngine(EngineOptions{
		Gateways:       []GatewayOptions{opts},
		Pacemaker:      pm,
		OnGatewayReady: func(gw *Gateway) { readyCh <- gw },
	})
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	e.Start(context.Background())
	defer e.Stop()

	var gw *Gateway
	select {
	case gw = <-readyCh:
	case <-time.After(3 * time.Second):
		t.Fatal("gateway not ready")
	}

	clock.Advance(time.Second)
	waitFor(t, "first heartbeat", func() bool { return gw.Metrics().Beats == 1 })
	waitFor(t, "lights poll", func() bool {
		return len(fg.recorded(http.MethodGet, "/api/"+fg.username+"/lights")) == 1
	})
}
