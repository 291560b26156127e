package hue

import (
	"context"
	"strings"
	"sync/atomic"
	"time"
)

// SettleDelays is the minimum spacing between mutating requests,
// looked up by the collection the request addresses.
type SettleDelays struct {
	// Default applies to collections without an entry in PerKind.
	Default time.Duration

	// PerKind maps a collection name ("groups") to its delay.
	PerKind map[string]time.Duration
}

// DefaultSettleDelays returns 50ms for single resources and 1s for groups.
func DefaultSettleDelays() SettleDelays {
	return SettleDelays{
		Default: 50 * time.Millisecond,
		PerKind: map[string]time.Duration{"groups": time.Second},
	}
}

// For returns the delay for a request to resource, e.g. "/groups/3/action".
func (s SettleDelays) For(resource string) time.Duration {
	collection, _, _ := strings.Cut(strings.TrimPrefix(resource, "/"), "/")
	if d, ok := s.PerKind[collection]; ok {
		return d
	}
	return s.Default
}

// writeGate is a single slot shared by all mutating requests to one gateway.
// A request holds the slot while it is in flight; once it completes the slot
// returns after the settle delay for that request's collection.
type writeGate struct {
	clock  Clock
	delays SettleDelays
	slot   chan struct{}
}

func newWriteGate(clock Clock, delays SettleDelays) *writeGate {
	g := &writeGate{
		clock:  clock,
		delays: delays,
		slot:   make(chan struct{}, 1),
	}
	g.slot <- struct{}{}
	return g
}

// Acquire blocks until the previous mutation's settle window has closed.
// The returned ticket must be released exactly once.
func (g *writeGate) Acquire(ctx context.Context, resource string) (*writeTicket, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-g.slot:
	}
	return &writeTicket{gate: g, delay: g.delays.For(resource)}, nil
}

func (g *writeGate) put() { g.slot <- struct{}{} }

// writeTicket is the slot held by one mutating request.
type writeTicket struct {
	gate       *writeGate
	delay      time.Duration
	dispatched atomic.Bool
}

// dispatch marks the request as handed to the HTTP transport.
func (t *writeTicket) dispatch() { t.dispatched.Store(true) }

// release returns the slot. A request that never reached the gateway
// releases immediately; one that did opens its settle window now.
func (t *writeTicket) release() {
	if !t.dispatched.Load() || t.delay <= 0 {
		t.gate.put()
		return
	}
	t.gate.clock.AfterFunc(t.delay, t.gate.put)
}
