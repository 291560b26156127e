package hue

// Source tells where a delta came from.
type Source string

const (
	SourcePoll  Source = "poll"
	SourceEvent Source = "event"
)

// Delta is a set of changed fields on one resource.
type Delta struct {
	// Serial is the device the resource belongs to.
	Serial string

	// Path addresses the changed object: Sub "state", "config" or "action",
	// or no Sub for top-level attributes.
	Path ResourcePath

	Changes map[string]any
	Source  Source
}

// DeviceHandler is the downstream device layer.
//
// Callbacks run on the goroutine that observed the change (heartbeat or
// event stream) and must not block for long.
type DeviceHandler interface {
	// DevicesExposed is called once per bootstrap with the resolved devices.
	DevicesExposed(ident *GatewayIdentity, devices []*DeviceIdentity)

	StateChanged(dev *DeviceIdentity, d Delta)
	ConfigChanged(dev *DeviceIdentity, d Delta)
	AttrChanged(dev *DeviceIdentity, d Delta)
}

// dispatch routes d by path suffix. Group "action" is routed as state.
func dispatch(h DeviceHandler, dev *DeviceIdentity, d Delta) {
	if h == nil || dev == nil || len(d.Changes) == 0 {
		return
	}
	switch d.Path.Sub {
	case "state", "action":
		h.StateChanged(dev, d)
	case "config":
		h.ConfigChanged(dev, d)
	default:
		h.AttrChanged(dev, d)
	}
}

// nopHandler discards every callback.
type nopHandler struct{}

func (nopHandler) DevicesExposed(*GatewayIdentity, []*DeviceIdentity) {}
func (nopHandler) StateChanged(*DeviceIdentity, Delta)                {}
func (nopHandler) ConfigChanged(*DeviceIdentity, Delta)               {}
func (nopHandler) AttrChanged(*DeviceIdentity, Delta)                 {}
