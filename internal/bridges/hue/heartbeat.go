package hue

import "context"

// gatewayDevice returns the pseudo device standing for the gateway itself.
func gatewayDevice(ident *GatewayIdentity) *DeviceIdentity {
	return &DeviceIdentity{
		Serial:       ident.BridgeID,
		Name:         ident.Name,
		Manufacturer: ident.Manufacturer,
		Model:        ident.ModelID,
		Stable:       true,
	}
}

// Beat implements Beater. The heartbeat runs on its own goroutine; a beat
// arriving while the previous one still runs is dropped.
func (g *Gateway) Beat(ctx context.Context, beat int) {
	if !g.Ready() || g.stopped.Load() {
		return
	}
	if !g.busy.CompareAndSwap(false, true) {
		g.droppedBeats.Add(1)
		g.logDebug("heartbeat still running, beat dropped", "gateway", g.opts.Host, "beat", beat)
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.busy.Store(false)
		g.heartbeat(ctx, beat)
	}()
}

// heartbeat runs the polls due at beat. Every poll failure is logged and
// skipped; it never aborts the remaining polls.
func (g *Gateway) heartbeat(ctx context.Context, beat int) {
	g.beats.Add(1)
	rate := g.Heartrate()

	// Polls run in a fixed order: config, sensors, lights, group 0,
	// groups, schedules, rules; then one write is reasserted.
	if beat%rate == 0 {
		start := g.opts.Clock.Now()

		g.pollConfig(ctx)
		g.pollCollection(ctx, KindSensor)
		g.pollCollection(ctx, KindLight)
		g.pollGroup0(ctx)
		g.pollCollection(ctx, KindGroup)
		g.pollCollection(ctx, KindSchedule)
		g.pollCollection(ctx, KindRule)
		g.reassert(ctx, beat/rate)

		g.mu.Lock()
		g.lastPoll = g.opts.Clock.Now().Sub(start)
		g.mu.Unlock()
		writeGatewayPoint(g.opts.Metrics, g.Metrics())
	}

	if beat%g.opts.HistoryInterval == 0 {
		g.recordHistory()
	}
}

// pollConfig watches the link button when the gateway class supports it.
func (g *Gateway) pollConfig(ctx context.Context) {
	ident := g.Identity()
	if ident == nil || !ident.Capabilities.LinkButton {
		return
	}
	cfg, err := g.client.GetObject(ctx, "/config")
	if err != nil {
		g.pollFailed("/config", err)
		return
	}
	pressed, _ := cfg["linkbutton"].(bool)

	g.mu.Lock()
	changed := pressed != g.linkButton
	g.linkButton = pressed
	g.mu.Unlock()
	if !changed {
		return
	}

	g.logDebug("link button changed", "gateway", g.opts.Host, "linkbutton", pressed)
	// Only presses are reported. The release is either ours or the bridge timing out.
	if !pressed {
		return
	}
	dispatch(g.handler, gatewayDevice(ident), Delta{
		Serial:  ident.BridgeID,
		Path:    ResourcePath{Sub: "config"},
		Changes: map[string]any{"linkbutton": true},
		Source:  SourcePoll,
	})
	// Gateways with the link capability leave the button latched until reset.
	if ident.Capabilities.Link {
		if _, err := g.client.Put(ctx, "/config", map[string]any{"linkbutton": false}); err != nil {
			g.logWarn("link button reset failed", "gateway", g.opts.Host, "error", err)
			return
		}
		g.mu.Lock()
		g.linkButton = false
		g.mu.Unlock()
	}
}

// pollCollection replaces every polled resource of kind k in the cache.
// Skipped when nothing of kind k is exposed; groups count without group 0.
func (g *Gateway) pollCollection(ctx context.Context, k Kind) {
	g.mu.RLock()
	n := g.counts[k]
	if k == KindGroup && g.group0 {
		n--
	}
	res := g.resolution
	g.mu.RUnlock()
	if n <= 0 {
		return
	}

	resource := "/" + k.Collection()
	body, err := g.client.GetObject(ctx, resource)
	if err != nil {
		g.pollFailed(resource, err)
		return
	}
	for id, obj := range asCollection(body) {
		g.applyPoll(res, ResourcePath{Kind: k, ID: id}, obj)
	}
}

// pollGroup0 polls the all-lights group, which the groups collection omits.
func (g *Gateway) pollGroup0(ctx context.Context) {
	g.mu.RLock()
	exposed := g.group0
	res := g.resolution
	g.mu.RUnlock()
	if !exposed {
		return
	}
	obj, err := g.client.GetObject(ctx, "/groups/0")
	if err != nil {
		g.pollFailed("/groups/0", err)
		return
	}
	g.applyPoll(res, ResourcePath{Kind: KindGroup, ID: "0"}, obj)
}

// applyPoll replaces the cache entry and reports changed fields to the bound device.
func (g *Gateway) applyPoll(res *Resolution, p ResourcePath, obj map[string]any) {
	if obj == nil {
		return
	}
	prev := g.cache.Replace(p.Kind, p.ID, obj)
	if res == nil || prev == nil {
		return
	}
	dev := res.DeviceFor(p)
	if dev == nil {
		return
	}
	for sub, changes := range diffPayload(prev, obj) {
		dp := p
		dp.Sub = sub
		dispatch(g.handler, dev, Delta{Serial: dev.Serial, Path: dp, Changes: changes, Source: SourcePoll})
	}
}

// pollFailed counts and logs a failed poll. The heartbeat moves on to the next one.
func (g *Gateway) pollFailed(resource string, err error) {
	g.pollErrors.Add(1)
	g.logWarn("poll failed, skipped for this heartbeat", "gateway", g.opts.Host, "resource", resource, "error", err)
}

// reassert replays the last forwarded write of one group or light, chosen
// round-robin over the exposed groups followed by the exposed lights.
func (g *Gateway) reassert(ctx context.Context, tick int) {
	g.mu.RLock()
	res := g.resolution
	g.mu.RUnlock()
	if res == nil {
		return
	}

	var slots []ResourcePath
	for _, k := range []Kind{KindGroup, KindLight} {
		for _, id := range res.Exposed(k) {
			slots = append(slots, ResourcePath{Kind: k, ID: id})
		}
	}
	if len(slots) == 0 {
		return
	}
	p := slots[tick%len(slots)]

	// Resources that were never written through RequestWrite are skipped.
	g.mu.RLock()
	w, ok := g.desired[p]
	g.mu.RUnlock()
	if !ok {
		return
	}

	g.reasserts.Add(1)
	if _, err := g.client.Put(ctx, w.path.String(), w.body); err != nil {
		g.logWarn("reassert failed", "gateway", g.opts.Host, "resource", w.path.String(), "error", err)
	}
}

// recordHistory samples the cached state of every exposed sensor that keeps history.
func (g *Gateway) recordHistory() {
	res := g.Resolution()
	if res == nil {
		return
	}
	now := g.opts.Clock.Now()
	for _, id := range res.Exposed(KindSensor) {
		obj, ok := g.cache.Snapshot(KindSensor, id)
		if !ok || !supportsHistory(stringField(obj, "type")) {
			continue
		}
		state, _ := obj["state"].(map[string]any)
		g.history.Record(ResourcePath{Kind: KindSensor, ID: id}, now, state)
	}
}
