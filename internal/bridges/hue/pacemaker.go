package hue

import (
	"context"
	"sync"
	"time"
)

// Pacemaker defaults.
const (
	defaultBeatInterval = time.Second
	defaultDriftWarn    = 250 * time.Millisecond
)

// Beater receives heartbeats. Beat must return promptly; long work runs
// on the beater's own goroutine.
type Beater interface {
	Beat(ctx context.Context, beat int)
}

// PacemakerOptions configures a Pacemaker.
type PacemakerOptions struct {
	// Interval is the base period. Defaults to 1s.
	Interval time.Duration

	// DriftWarn is the drift above which a beat is logged at warn. Defaults to 250ms.
	DriftWarn time.Duration

	// OnDrift is called for every beat with the measured drift.
	OnDrift func(beat int, drift time.Duration)

	Clock  Clock
	Logger Logger
}

// Pacemaker is the base clock shared by all gateways. Beat n is due
// (n+1) intervals after Start; each tick measures its drift against that
// schedule and shortens or lengthens the next wait to compensate.
//
// Thread Safety: All methods are safe for concurrent use.
type Pacemaker struct {
	logHolder
	opts PacemakerOptions

	mu      sync.Mutex
	beaters []Beater
	start   time.Time
	timer   Timer
	ctx     context.Context
	running bool
	last    int
}

// NewPacemaker creates a stopped pacemaker.
func NewPacemaker(opts PacemakerOptions) *Pacemaker {
	if opts.Interval <= 0 {
		opts.Interval = defaultBeatInterval
	}
	if opts.DriftWarn <= 0 {
		opts.DriftWarn = defaultDriftWarn
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	p := &Pacemaker{opts: opts, last: -1}
	p.logger = opts.Logger
	return p
}

// Add registers b for subsequent beats.
func (p *Pacemaker) Add(b Beater) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.beaters = append(p.beaters, b)
}

// Remove unregisters b.
func (p *Pacemaker) Remove(b Beater) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, have := range p.beaters {
		if have == b {
			p.beaters = append(p.beaters[:i], p.beaters[i+1:]...)
			return
		}
	}
}

// Start begins beating. The first beat, numbered 0, fires one interval later.
func (p *Pacemaker) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.ctx = ctx
	p.start = p.opts.Clock.Now()
	p.last = -1
	p.timer = p.opts.Clock.AfterFunc(p.opts.Interval, func() { p.fire(0) })
}

// Stop cancels the next beat. Beats already dispatched are not interrupted.
func (p *Pacemaker) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false
	if p.timer != nil {
		p.timer.Stop()
	}
	p.logDebug("pacemaker stopped", "last_beat", p.last)
}

// LastBeat returns the number of the most recent beat, -1 before the first.
func (p *Pacemaker) LastBeat() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// drift returns how late beat is at now.
func (p *Pacemaker) drift(beat int, now time.Time) time.Duration {
	return now.Sub(p.start) - p.opts.Interval*time.Duration(beat+1)
}

// fire delivers beat to every registered Beater and schedules the next one
// against the start time so drift does not accumulate.
func (p *Pacemaker) fire(beat int) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	drift := p.drift(beat, p.opts.Clock.Now())
	p.last = beat
	p.timer = p.opts.Clock.AfterFunc(p.opts.Interval-drift, func() { p.fire(beat + 1) })
	ctx := p.ctx
	beaters := make([]Beater, len(p.beaters))
	copy(beaters, p.beaters)
	p.mu.Unlock()

	if drift < -p.opts.DriftWarn || drift > p.opts.DriftWarn {
		p.logWarn("heartbeat drift", "beat", beat, "drift", drift.String())
	}
	if p.opts.OnDrift != nil {
		p.opts.OnDrift(beat, drift)
	}
	for _, b := range beaters {
		b.Beat(ctx, beat)
	}
}
