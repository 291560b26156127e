package hue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	yes, no := true, false

	tests := []struct {
		name       string
		config     BridgeConfig
		opts       ClassifyOptions
		wantModel  string
		wantManuf  string
		wantVer    string
		wantHTTPS  bool
		wantLink   bool
		wantButton bool
		wantNative bool
		wantPar    int
		wantCodes  int
		wantUser   string
	}{
		{
			name:       "modern hue bridge",
			config:     BridgeConfig{BridgeID: "001788FFFE123456", ModelID: "BSB002", APIVersion: "1.50.0", SWVersion: "1950207110"},
			wantModel:  ModelBSB002,
			wantManuf:  "Signify Netherlands B.V.",
			wantVer:    "1.50.0",
			wantHTTPS:  true,
			wantNative: true,
			wantPar:    10,
			wantCodes:  1,
		},
		{
			name:       "old hue bridge needs link reset",
			config:     BridgeConfig{BridgeID: "001788FFFE123456", ModelID: "BSB002", APIVersion: "1.23.0"},
			wantModel:  ModelBSB002,
			wantManuf:  "Philips",
			wantVer:    "1.23.0",
			wantLink:   true,
			wantButton: true,
			wantNative: true,
			wantPar:    10,
			wantCodes:  1,
		},
		{
			name:      "hue bridge between https and signify",
			config:    BridgeConfig{BridgeID: "ECB5FAFFFE123456", ModelID: "BSB002", APIVersion: "1.31.0"},
			wantModel: ModelBSB002, wantManuf: "Philips", wantVer: "1.31.0",
			wantHTTPS: true, wantNative: true, wantPar: 10, wantCodes: 1,
		},
		{
			name:      "link button forced on",
			config:    BridgeConfig{BridgeID: "001788FFFE123456", ModelID: "BSB002", APIVersion: "1.50.0"},
			opts:      ClassifyOptions{LinkButton: &yes},
			wantModel: ModelBSB002, wantManuf: "Signify Netherlands B.V.", wantVer: "1.50.0",
			wantHTTPS: true, wantButton: true, wantNative: true, wantPar: 10, wantCodes: 1,
		},
		{
			name:      "link button forced off",
			config:    BridgeConfig{BridgeID: "001788FFFE123456", ModelID: "BSB002", APIVersion: "1.20.0"},
			opts:      ClassifyOptions{LinkButton: &no},
			wantModel: ModelBSB002, wantManuf: "Philips", wantVer: "1.20.0",
			wantLink: true, wantNative: true, wantPar: 10, wantCodes: 1,
		},
		{
			name:      "v1 bridge",
			config:    BridgeConfig{BridgeID: "001788FFFE123456", ModelID: "BSB001", APIVersion: "1.16.0"},
			wantModel: ModelBSB001, wantManuf: "Philips", wantVer: "1.16.0",
			wantLink: true, wantButton: true, wantPar: 3, wantCodes: 1,
		},
		{
			name:      "deconz",
			config:    BridgeConfig{BridgeID: "00212EFFFF001234", ModelID: "deCONZ", APIVersion: "1.16.0", SWVersion: "2.25.3"},
			wantModel: ModelDeconz, wantManuf: "dresden elektronik", wantVer: "2.25.3",
			wantPar: 10, wantCodes: 4,
		},
		{
			name:      "ha-bridge emulating BSB002",
			config:    BridgeConfig{BridgeID: "B827EBFFFE123456", ModelID: "BSB002", APIVersion: "1.17.0"},
			wantModel: ModelHABridge, wantManuf: "HA-Bridge", wantVer: "1.17.0",
			wantPar: 10, wantCodes: 1,
		},
		{
			name:      "tasmota without model",
			config:    BridgeConfig{BridgeID: "5CCF7FFFFE123456", APIVersion: "1.17.0", SWVersion: "8.1"},
			wantModel: ModelTasmota, wantManuf: "Sonoff", wantVer: "8.1",
			wantPar: 10, wantCodes: 1, wantUser: "homebridgehue",
		},
		{
			name:      "force http and parallel override",
			config:    BridgeConfig{BridgeID: "001788FFFE123456", ModelID: "BSB002", APIVersion: "1.50.0"},
			opts:      ClassifyOptions{ForceHTTP: true, ParallelRequests: 5},
			wantModel: ModelBSB002, wantManuf: "Signify Netherlands B.V.", wantVer: "1.50.0",
			wantNative: true, wantPar: 5, wantCodes: 1,
		},
		{
			name:      "unparseable version",
			config:    BridgeConfig{BridgeID: "001788FFFE123456", ModelID: "BSB002", APIVersion: "garbage"},
			wantModel: ModelBSB002, wantManuf: "Philips", wantVer: "garbage",
			wantLink: true, wantButton: true, wantNative: true, wantPar: 10, wantCodes: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ident, err := Classify(tt.config, tt.opts)
			if err != nil {
				t.Fatalf("Classify() error = %v", err)
			}
			caps := ident.Capabilities
			if ident.Model != tt.wantModel {
				t.Errorf("Model = %q, want %q", ident.Model, tt.wantModel)
			}
			if ident.Manufacturer != tt.wantManuf {
				t.Errorf("Manufacturer = %q, want %q", ident.Manufacturer, tt.wantManuf)
			}
			if ident.Version != tt.wantVer {
				t.Errorf("Version = %q, want %q", ident.Version, tt.wantVer)
			}
			if caps.HTTPS != tt.wantHTTPS {
				t.Errorf("HTTPS = %v, want %v", caps.HTTPS, tt.wantHTTPS)
			}
			if caps.Link != tt.wantLink {
				t.Errorf("Link = %v, want %v", caps.Link, tt.wantLink)
			}
			if caps.LinkButton != tt.wantButton {
				t.Errorf("LinkButton = %v, want %v", caps.LinkButton, tt.wantButton)
			}
			if caps.NativeExposure != tt.wantNative {
				t.Errorf("NativeExposure = %v, want %v", caps.NativeExposure, tt.wantNative)
			}
			if caps.ParallelRequests != tt.wantPar {
				t.Errorf("ParallelRequests = %d, want %d", caps.ParallelRequests, tt.wantPar)
			}
			if len(caps.ValidStatusCodes) != tt.wantCodes {
				t.Errorf("ValidStatusCodes = %v, want %d codes", caps.ValidStatusCodes, tt.wantCodes)
			}
			if caps.DefaultUsername != tt.wantUser {
				t.Errorf("DefaultUsername = %q, want %q", caps.DefaultUsername, tt.wantUser)
			}
		})
	}
}

func TestClassify_Errors(t *testing.T) {
	tests := []struct {
		name    string
		config  BridgeConfig
		wantErr error
	}{
		{"zero bridge id", BridgeConfig{BridgeID: "0000000000000000", ModelID: "deCONZ"}, ErrGatewayNotReady},
		{"unknown model", BridgeConfig{BridgeID: "001788FFFE123456", ModelID: "BSB003"}, ErrUnknownGateway},
		{"short bridge id", BridgeConfig{BridgeID: "0017", ModelID: "BSB002"}, ErrUnknownGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Classify(tt.config, ClassifyOptions{Host: "gw"})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Classify() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseBridgeConfig(t *testing.T) {
	bc := ParseBridgeConfig(map[string]any{
		"bridgeid":      "00212effff001234",
		"modelid":       "deCONZ",
		"apiversion":    "1.16.0",
		"swversion":     "2.25.3",
		"websocketport": float64(443),
		"linkbutton":    true,
	})
	if bc.BridgeID != "00212EFFFF001234" {
		t.Errorf("BridgeID = %q, want upper case", bc.BridgeID)
	}
	if bc.WebsocketPort != 443 || !bc.LinkButton {
		t.Errorf("BridgeConfig = %+v", bc)
	}
}

func TestClassifier_WaitsForInitialisedGateway(t *testing.T) {
	g := newFakeGateway(t, deconzConfig("0000000000000000", 0))
	clock := newFakeClock()
	logger := &testLogger{}
	c := newTestClient(t, g, ClientOptions{Clock: clock})

	cl, err := NewClassifier(ClassifierOptions{
		Client:       c,
		StartupRetry: 15 * time.Second,
		ResourceWait: time.Minute,
		Clock:        clock,
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("NewClassifier() error = %v", err)
	}

	type result struct {
		ident *GatewayIdentity
		err   error
	}
	done := make(chan result, 1)
	go func() {
		ident, err := cl.Run(context.Background())
		done <- result{ident, err}
	}()

	// First attempt sees the zero id and waits the full resource wait.
	clock.BlockUntil(t, 1)
	g.setConfig("bridgeid", "00212EFFFF001234")
	clock.Advance(59 * time.Second)
	select {
	case <-done:
		t.Fatal("Run() returned before the resource wait elapsed")
	case <-time.After(20 * time.Millisecond):
	}
	clock.Advance(time.Second)

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Run() error = %v", r.err)
		}
		if r.ident.BridgeID != "00212EFFFF001234" || r.ident.Model != ModelDeconz {
			t.Errorf("identity = %+v", r.ident)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not re-classify")
	}
	if cl.Attempts() != 2 {
		t.Errorf("Attempts() = %d, want 2", cl.Attempts())
	}
	if got := len(g.recorded("GET", "/api/config")); got != 2 {
		t.Errorf("config fetches = %d, want 2", got)
	}
}

func TestClassifier_UnknownModelIsFatal(t *testing.T) {
	cfg := hueConfig("001788FFFE123456", "1.50.0")
	cfg["modelid"] = "BSB003"
	g := newFakeGateway(t, cfg)
	c := newTestClient(t, g, ClientOptions{})

	cl, err := NewClassifier(ClassifierOptions{Client: c, StartupRetry: time.Hour, ResourceWait: time.Hour, Clock: newFakeClock()})
	if err != nil {
		t.Fatalf("NewClassifier() error = %v", err)
	}
	_, err = cl.Run(context.Background())
	var ce *ClassificationError
	if !errors.As(err, &ce) || ce.ModelID != "BSB003" {
		t.Errorf("Run() error = %v, want ClassificationError for BSB003", err)
	}
}

func TestVersionAtLeast(t *testing.T) {
	tests := []struct {
		v, min string
		want   bool
	}{
		{"1.24.0", "1.24.0", true},
		{"1.23.9", "1.24.0", false},
		{"1.50.0", "1.36.0", true},
		{"1.9.0", "1.24.0", false},
		{"2.0.0", "1.24.0", true},
		{"", "1.24.0", false},
		{"abc", "1.0.0", false},
	}
	for _, tt := range tests {
		if got := versionAtLeast(tt.v, tt.min); got != tt.want {
			t.Errorf("versionAtLeast(%q, %q) = %v, want %v", tt.v, tt.min, got, tt.want)
		}
	}
}
