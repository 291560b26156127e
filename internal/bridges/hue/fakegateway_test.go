package hue

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// recordedRequest is one request seen by fakeGateway.
type recordedRequest struct {
	Method string
	Path   string
	Body   map[string]any
	At     time.Time
}

// fakeGateway is an in-memory REST gateway.
type fakeGateway struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	config   map[string]any
	state    map[string]map[string]any // collection -> id -> object
	links    map[string]any            // resourcelinks, nil when unsupported
	group0   map[string]any
	username string
	pairOK   bool
	requests []recordedRequest
	override func(w http.ResponseWriter, r *http.Request, body map[string]any) bool
	arrivals chan recordedRequest
}

func newFakeGateway(t *testing.T, config map[string]any) *fakeGateway {
	t.Helper()
	g := &fakeGateway{
		t:        t,
		config:   config,
		state:    map[string]map[string]any{},
		group0:   map[string]any{"name": "Group 0", "type": "LightGroup", "lights": []any{}, "action": map[string]any{"on": false}},
		username: "0123456789abcdef",
		pairOK:   true,
		arrivals: make(chan recordedRequest, 64),
	}
	for _, k := range Kinds {
		g.state[k.Collection()] = map[string]any{}
	}
	g.srv = httptest.NewServer(http.HandlerFunc(g.serve))
	t.Cleanup(g.srv.Close)
	return g
}

// hueConfig returns a /config body for a BSB002 bridge.
func hueConfig(bridgeID, apiversion string) map[string]any {
	return map[string]any{
		"name":       "Philips hue",
		"bridgeid":   bridgeID,
		"modelid":    "BSB002",
		"apiversion": apiversion,
		"swversion":  "1940094000",
		"linkbutton": false,
	}
}

// deconzConfig returns a /config body for a deCONZ gateway.
func deconzConfig(bridgeID string, wsPort int) map[string]any {
	return map[string]any{
		"name":          "Phoscon-GW",
		"bridgeid":      bridgeID,
		"modelid":       "deCONZ",
		"apiversion":    "1.16.0",
		"swversion":     "2.25.3",
		"websocketport": float64(wsPort),
	}
}

func (g *fakeGateway) host() string {
	return strings.TrimPrefix(g.srv.URL, "http://")
}

func (g *fakeGateway) setResource(kind Kind, id string, obj map[string]any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state[kind.Collection()][id] = obj
}

func (g *fakeGateway) setResourceLink(id string, obj map[string]any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.links == nil {
		g.links = map[string]any{}
	}
	g.links[id] = obj
}

func (g *fakeGateway) setConfig(key string, value any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.config[key] = value
}

func (g *fakeGateway) setOverride(f func(w http.ResponseWriter, r *http.Request, body map[string]any) bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.override = f
}

// recorded returns requests matching method and path ("" matches all).
func (g *fakeGateway) recorded(method, path string) []recordedRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []recordedRequest
	for _, r := range g.requests {
		if (method == "" || r.Method == method) && (path == "" || r.Path == path) {
			out = append(out, r)
		}
	}
	return out
}

func (g *fakeGateway) serve(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if data, _ := io.ReadAll(r.Body); len(data) > 0 {
		_ = json.Unmarshal(data, &body)
	}
	rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Body: body, At: time.Now()}

	g.mu.Lock()
	g.requests = append(g.requests, rec)
	override := g.override
	g.mu.Unlock()

	select {
	case g.arrivals <- rec:
	default:
	}

	if override != nil && override(w, r, body) {
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	path := strings.Trim(r.URL.Path, "/")
	segs := strings.Split(path, "/")
	if len(segs) == 0 || segs[0] != "api" {
		http.NotFound(w, r)
		return
	}
	segs = segs[1:]

	switch {
	case len(segs) == 0 && r.Method == http.MethodPost:
		if !g.pairOK {
			writeJSON(w, []any{apiErrorRecord(101, "", "link button not pressed")})
			return
		}
		writeJSON(w, []any{map[string]any{"success": map[string]any{"username": g.username}}})
		return
	case len(segs) == 1 && segs[0] == "config":
		writeJSON(w, g.config)
		return
	case len(segs) == 0:
		http.NotFound(w, r)
		return
	}

	if segs[0] != g.username {
		writeJSON(w, []any{apiErrorRecord(1, "/", "unauthorized user")})
		return
	}
	segs = segs[1:]

	if r.Method == http.MethodGet {
		g.serveGet(w, segs)
		return
	}

	// Mutations answer with one success record per body key.
	prefix := "/" + strings.Join(segs, "/")
	var out []any
	for k, v := range body {
		out = append(out, map[string]any{"success": map[string]any{prefix + "/" + k: v}})
	}
	writeJSON(w, out)
}

func (g *fakeGateway) serveGet(w http.ResponseWriter, segs []string) {
	if len(segs) == 0 {
		full := map[string]any{"config": g.config}
		for coll, items := range g.state {
			full[coll] = items
		}
		if g.links != nil {
			full["resourcelinks"] = g.links
		}
		writeJSON(w, full)
		return
	}
	switch segs[0] {
	case "config":
		writeJSON(w, g.config)
		return
	case "resourcelinks":
		if g.links == nil {
			writeJSON(w, map[string]any{})
			return
		}
		writeJSON(w, g.links)
		return
	}
	coll, ok := g.state[segs[0]]
	if !ok {
		writeJSON(w, []any{apiErrorRecord(4, "/"+segs[0], "method not available")})
		return
	}
	if len(segs) == 1 {
		writeJSON(w, coll)
		return
	}
	if segs[0] == "groups" && segs[1] == "0" {
		writeJSON(w, g.group0)
		return
	}
	obj, ok := coll[segs[1]]
	if !ok {
		writeJSON(w, []any{apiErrorRecord(3, "/"+segs[0]+"/"+segs[1], "resource not available")})
		return
	}
	writeJSON(w, obj)
}

func apiErrorRecord(typ int, address, description string) map[string]any {
	return map[string]any{"error": map[string]any{"type": typ, "address": address, "description": description}}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
