package hue

import (
	"strings"
	"sync"
	"time"
)

// historyTypes are the sensor types, without their ZHA/ZLL/CLIP prefix,
// that keep a history.
var historyTypes = map[string]bool{
	"Temperature": true,
	"Humidity":    true,
	"Pressure":    true,
	"Presence":    true,
	"OpenClose":   true,
	"LightLevel":  true,
	"Power":       true,
	"Consumption": true,
}

// supportsHistory reports whether sensors of type t record history samples.
func supportsHistory(t string) bool {
	for _, prefix := range []string{"ZHA", "ZLL", "CLIP"} {
		if rest, ok := strings.CutPrefix(t, prefix); ok {
			return historyTypes[rest]
		}
	}
	return false
}

// HistorySample is the state of one sensor at one point in time.
type HistorySample struct {
	Time  time.Time      `json:"time"`
	State map[string]any `json:"state"`
}

// History keeps a fixed number of samples per resource, oldest dropped first.
// It lives in memory only.
type History struct {
	mu    sync.RWMutex
	size  int
	rings map[ResourcePath]*ring
}

type ring struct {
	samples []HistorySample
	next    int
	full    bool
}

// NewHistory creates a history keeping size samples per resource.
func NewHistory(size int) *History {
	if size < 1 {
		size = 1
	}
	return &History{size: size, rings: make(map[ResourcePath]*ring)}
}

// Record appends a sample for p.
func (h *History) Record(p ResourcePath, t time.Time, state map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.rings[p.Base()]
	if r == nil {
		r = &ring{samples: make([]HistorySample, h.size)}
		h.rings[p.Base()] = r
	}
	r.samples[r.next] = HistorySample{Time: t, State: deepCopyMap(state)}
	r.next = (r.next + 1) % h.size
	if r.next == 0 {
		r.full = true
	}
}

// Samples returns the samples of p, oldest first.
func (h *History) Samples(p ResourcePath) []HistorySample {
	h.mu.RLock()
	defer h.mu.RUnlock()

	r := h.rings[p.Base()]
	if r == nil {
		return nil
	}
	if !r.full {
		out := make([]HistorySample, r.next)
		copy(out, r.samples[:r.next])
		return out
	}
	out := make([]HistorySample, 0, h.size)
	out = append(out, r.samples[r.next:]...)
	return append(out, r.samples[:r.next]...)
}

// Len returns the number of resources with samples.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rings)
}
