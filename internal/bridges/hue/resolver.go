package hue

import (
	"fmt"
	"strings"
)

// Manufacturer names with special handling.
const (
	manufacturerPhilips = "Philips"
	manufacturerSignify = "Signify Netherlands B.V."
	manufacturerFoH     = "PhilipsFoH"
	manufacturerDresden = "dresden elektronik"
	manufacturerDevelco = "Develco Products AS"
	manufacturerSamjin  = "Samjin"
)

// Exclusion reasons recorded in Resolution.Excluded.
const (
	ReasonBlacklisted = "blacklisted"
	ReasonDisabled    = "kind disabled"
	ReasonNative      = "exposed natively by gateway"
	ReasonRepeater    = "repeater"
	ReasonExcluded    = "excluded sensor type"
	ReasonDummy       = "dummy"
	ReasonRoom        = "room"
	ReasonGroup0      = "group 0"
)

// ExposureOptions selects which resources become devices.
type ExposureOptions struct {
	Lights    bool
	Groups    bool
	Group0    bool
	Rooms     bool
	Sensors   bool
	Schedules bool
	Rules     bool

	NativeLights  bool
	NativeSensors bool

	// ExcludeSensorTypes holds sensor types to skip; "CLIP" matches every CLIP sensor.
	ExcludeSensorTypes map[string]bool

	HueMotionTemperatureHistory bool
}

// enabled reports whether resources of kind k are exposed by default.
func (o ExposureOptions) enabled(k Kind) bool {
	switch k {
	case KindLight:
		return o.Lights
	case KindGroup:
		return o.Groups
	case KindSensor:
		return o.Sensors
	case KindSchedule:
		return o.Schedules
	case KindRule:
		return o.Rules
	}
	return false
}

// DeviceIdentity is a stable device made of one or more resources.
type DeviceIdentity struct {
	// Serial is the hardware address when available, else gateway id + kind prefix + id.
	Serial string

	// Kind is the kind of the first resource.
	Kind Kind

	// Name, Manufacturer and Model come from the first resource.
	Name         string
	Manufacturer string
	Model        string

	// Resources are the member resource paths in attach order.
	Resources []ResourcePath

	// Merge is PolicyMulticlip or PolicyMultilight for grouped devices.
	Merge Policy

	// Policies are the semantic directives applied to any member
	// (outlet, switch, valve, wallswitch, splitlight).
	Policies []Policy

	// Stable is set when the serial derives from a hardware id.
	Stable bool

	uniqueIDs map[string]ResourcePath
}

// HasPolicy reports whether p applies to the device.
func (d *DeviceIdentity) HasPolicy(p Policy) bool {
	for _, have := range d.Policies {
		if have == p {
			return true
		}
	}
	return false
}

// Conflict records a resource attached to a device that already carries
// a resource with the same full unique id.
type Conflict struct {
	Serial   string
	Path     ResourcePath
	Existing ResourcePath
	UniqueID string
}

// Resolution is the outcome of one resolve pass.
type Resolution struct {
	// Devices in exposure order.
	Devices []*DeviceIdentity

	// ByPath maps every exposed resource to its device serial.
	ByPath map[ResourcePath]string

	// Excluded maps skipped resources to the reason.
	Excluded map[ResourcePath]string

	// Conflicts are informational.
	Conflicts []Conflict

	bySerial map[string]*DeviceIdentity
}

// Device returns the device with serial, or nil.
func (r *Resolution) Device(serial string) *DeviceIdentity {
	return r.bySerial[serial]
}

// DeviceFor returns the device bound to the resource at p, ignoring p.Sub.
func (r *Resolution) DeviceFor(p ResourcePath) *DeviceIdentity {
	serial, ok := r.ByPath[p.Base()]
	if !ok {
		return nil
	}
	return r.bySerial[serial]
}

// Exposed returns the exposed ids of kind k in numeric order.
func (r *Resolution) Exposed(k Kind) []string {
	ids := make(map[string]struct{})
	for p := range r.ByPath {
		if p.Kind == k {
			ids[p.ID] = struct{}{}
		}
	}
	return sortedIDs(ids)
}

// Resolver turns a full state and ruleset into device identities.
// It holds no state between calls; Resolve is idempotent.
type Resolver struct {
	logHolder

	bridgeID       string
	model          string
	philips        string
	nativeExposure bool
	exposure       ExposureOptions
}

// NewResolver creates a resolver for the classified gateway.
func NewResolver(ident *GatewayIdentity, exposure ExposureOptions, logger Logger) *Resolver {
	r := &Resolver{
		bridgeID:       ident.BridgeID,
		model:          ident.Model,
		philips:        manufacturerPhilips,
		nativeExposure: ident.Capabilities.NativeExposure,
		exposure:       exposure,
	}
	if ident.Capabilities.IsHue {
		r.philips = ident.Manufacturer
	}
	r.logger = logger
	return r
}

// resolveState is the per-pass working set.
type resolveState struct {
	fs         *FullState
	blacklist  map[ResourcePath]bool
	whitelist  map[ResourcePath]bool
	groupOf    map[ResourcePath]string // multiclip/multilight member -> serial
	groupMerge map[string]Policy
	policies   map[ResourcePath][]Policy
	res        *Resolution
}

// Resolve maps every exposed resource of fs to a DeviceIdentity.
//
// It runs in two passes:
//  1. Applies the ruleset: blacklist, whitelist, merge groups and per-resource policies
//  2. Walks every resource in kind and numeric id order, then excludes it or attaches it to a device
//
// Parameters:
//   - fs: Full state fetched from the gateway
//   - rs: Parsed ruleset; nil behaves as an empty one
//
// Returns:
//   - *Resolution: Devices, the path to serial mapping and the exclusion reasons
//   - error: *ResolutionIncompleteError when a directive other than blacklist
//     references a resource absent from fs; the caller re-fetches and retries
func (r *Resolver) Resolve(fs *FullState, rs *ClassificationRuleset) (*Resolution, error) {
	st := &resolveState{
		fs:         fs,
		blacklist:  make(map[ResourcePath]bool),
		whitelist:  make(map[ResourcePath]bool),
		groupOf:    make(map[ResourcePath]string),
		groupMerge: make(map[string]Policy),
		policies:   make(map[ResourcePath][]Policy),
		res: &Resolution{
			ByPath:   make(map[ResourcePath]string),
			Excluded: make(map[ResourcePath]string),
			bySerial: make(map[string]*DeviceIdentity),
		},
	}
	if rs == nil {
		rs = &ClassificationRuleset{}
	}

	for _, d := range rs.Directives {
		if err := r.applyDirective(st, d); err != nil {
			return nil, err
		}
	}

	for _, k := range Kinds {
		for _, id := range fs.IDs(k) {
			res, _ := fs.Resource(ResourcePath{Kind: k, ID: id})
			r.expose(st, res)
		}
	}
	return st.res, nil
}

// applyDirective records one resourcelink in the working set. Blacklist
// entries may name resources that no longer exist; every other policy
// requires its members to be present.
func (r *Resolver) applyDirective(st *resolveState, d Directive) error {
	linkRef := "/resourcelinks/" + d.LinkID

	if d.Policy == PolicyBlacklist {
		for _, p := range d.Paths {
			st.blacklist[p] = true
		}
		return nil
	}

	for _, p := range d.Paths {
		if _, ok := st.fs.Resource(p); !ok {
			return &ResolutionIncompleteError{Link: linkRef, Path: p}
		}
	}

	switch d.Policy {
	case PolicyWhitelist:
		for _, p := range d.Paths {
			st.whitelist[p] = true
		}
	case PolicyMulticlip, PolicyMultilight:
		r.applyMerge(st, d, linkRef)
	case PolicyLightlist:
		// Accepted for compatibility; has no effect on exposure.
	default:
		for _, p := range d.Paths {
			st.policies[p] = append(st.policies[p], d.Policy)
		}
	}
	return nil
}

// applyMerge binds the members of a multiclip or multilight link to one
// serial derived from the first accepted member. A resource already claimed
// by an earlier link stays with that link.
func (r *Resolver) applyMerge(st *resolveState, d Directive, linkRef string) {
	serial := ""
	for _, p := range d.Paths {
		res, _ := st.fs.Resource(p)
		if d.Policy == PolicyMulticlip {
			t := res.Type()
			if !strings.HasPrefix(t, "CLIP") && t != "Daylight" {
				r.logWarn("ignoring non-CLIP sensor in multiclip",
					"resourcelink", linkRef, "resource", p.String(), "type", t)
				continue
			}
		}
		if _, dup := st.groupOf[p]; dup {
			r.logWarn("ignoring duplicate resource in "+string(d.Policy),
				"resourcelink", linkRef, "resource", p.String())
			continue
		}
		if serial == "" {
			serial = r.mergeSerial(d.Policy, res)
			st.groupMerge[serial] = d.Policy
		}
		st.groupOf[p] = serial
	}
}

// mergeSerial derives the serial of a grouped device from its first member.
func (r *Resolver) mergeSerial(policy Policy, first Resource) string {
	if policy == PolicyMultilight {
		if hw, ok := ExtractHardwareID(first.UniqueID()); ok {
			return hw.Address
		}
		return r.bridgeID + "-" + KindLight.SerialPrefix() + first.ID
	}
	return r.bridgeID + "-" + first.ID
}

// expose decides one resource: blacklist first, then merge groups, then
// (unless whitelisted) the per-kind switch and the default filters.
func (r *Resolver) expose(st *resolveState, res Resource) {
	p := res.Path()

	if st.blacklist[p] {
		st.res.Excluded[p] = ReasonBlacklisted
		return
	}

	if serial, ok := st.groupOf[p]; ok {
		r.attach(st, res, serial, true, st.groupMerge[serial])
		return
	}

	if !st.whitelist[p] {
		if !r.exposure.enabled(res.Kind) {
			st.res.Excluded[p] = ReasonDisabled
			return
		}
		if reason := r.filter(res); reason != "" {
			st.res.Excluded[p] = reason
			r.logDebug("resource not exposed", "resource", p.String(), "reason", reason)
			return
		}
	}

	serial, stable := r.serial(res, st.policies[p])
	r.attach(st, res, serial, stable, "")
}

// filter applies the default per-kind exclusion rules.
func (r *Resolver) filter(res Resource) string {
	t := res.Type()
	m := res.Manufacturer()

	switch res.Kind {
	case KindSensor:
		if r.exposure.NativeSensors && r.nativeExposure && strings.HasPrefix(t, "Z") &&
			(m == r.philips || m == manufacturerFoH) {
			return ReasonNative
		}
		ex := r.exposure.ExcludeSensorTypes
		if ex[t] || (strings.HasPrefix(t, "CLIP") && ex["CLIP"]) {
			return ReasonExcluded
		}
		if res.Name() == "_dummy" || res.UniqueID() == "_dummy" {
			return ReasonDummy
		}
	case KindLight:
		if r.exposure.NativeLights && r.nativeExposure &&
			(res.Certified() || (!res.HasCapabilities() && m == r.philips)) {
			return ReasonNative
		}
		if t == "Range extender" || t == "Configuration tool" ||
			(t == "Unknown" && m == manufacturerDresden) {
			return ReasonRepeater
		}
	case KindGroup:
		if t == "Room" && !r.exposure.Rooms {
			return ReasonRoom
		}
		if res.ID == "0" && !r.exposure.Group0 {
			return ReasonGroup0
		}
	case KindSchedule, KindRule:
	}
	return ""
}

// serial derives the serial of a single resource and whether it is hardware based.
func (r *Resolver) serial(res Resource, policies []Policy) (string, bool) {
	fallback := r.bridgeID + "-" + res.Kind.SerialPrefix() + res.ID

	switch res.Kind {
	case KindLight:
		hw, ok := ExtractHardwareID(res.UniqueID())
		if !ok || r.model == ModelHABridge {
			return fallback, false
		}
		serial := hw.Address
		for _, p := range policies {
			if p == PolicySplitlight && hw.Endpoint != "" {
				serial += "-" + hw.Endpoint
				break
			}
		}
		return serial, true
	case KindSensor:
		if !strings.HasPrefix(res.Type(), "Z") {
			return fallback, false
		}
		hw, ok := ExtractHardwareID(res.UniqueID())
		if !ok {
			return fallback, false
		}
		return hw.Address + r.sensorSuffix(res), true
	case KindGroup, KindSchedule, KindRule:
	}
	return fallback, false
}

// sensorSuffix splits selected multi-function sensors into separate devices.
func (r *Resolver) sensorSuffix(res Resource) string {
	t, m, model := res.Type(), res.Manufacturer(), res.ModelID()

	if r.exposure.HueMotionTemperatureHistory {
		if (m == manufacturerPhilips || m == manufacturerSignify || m == r.philips) &&
			(model == "SML001" || model == "SML002") &&
			(t == "ZHATemperature" || t == "ZLLTemperature") {
			return "-T"
		}
		if m == manufacturerSamjin && model == "multi" {
			switch t {
			case "ZHATemperature":
				return "-T"
			case "ZHAVibration":
				return "-V"
			}
		}
	}
	if m == manufacturerDevelco && (model == "SMSZB-120" || model == "HESZB-120") && t == "ZHATemperature" {
		return "-T"
	}
	if m == manufacturerSamjin && model == "button" && t == "ZHATemperature" {
		return "-T"
	}
	return ""
}

// attach adds res to the device with serial, creating it on first use.
func (r *Resolver) attach(st *resolveState, res Resource, serial string, stable bool, merge Policy) {
	p := res.Path()
	dev := st.res.bySerial[serial]
	if dev == nil {
		dev = &DeviceIdentity{
			Serial:       serial,
			Kind:         res.Kind,
			Name:         res.Name(),
			Manufacturer: res.Manufacturer(),
			Model:        res.ModelID(),
			Merge:        merge,
			Stable:       stable,
			uniqueIDs:    make(map[string]ResourcePath),
		}
		st.res.bySerial[serial] = dev
		st.res.Devices = append(st.res.Devices, dev)
	}

	if hw, ok := ExtractHardwareID(res.UniqueID()); ok {
		full := hw.String()
		if existing, seen := dev.uniqueIDs[full]; seen && dev.Merge == "" {
			c := Conflict{Serial: serial, Path: p, Existing: existing, UniqueID: full}
			st.res.Conflicts = append(st.res.Conflicts, c)
			r.logWarn("resources share a unique id, attaching to the same device",
				"serial", serial, "resource", p.String(), "existing", existing.String(), "uniqueid", full)
		} else if !seen {
			dev.uniqueIDs[full] = p
		}
	}

	dev.Resources = append(dev.Resources, p)
	for _, pol := range st.policies[p] {
		if !dev.HasPolicy(pol) {
			dev.Policies = append(dev.Policies, pol)
		}
	}
	st.res.ByPath[p] = serial
}

// String summarises the resolution for logs.
func (r *Resolution) String() string {
	return fmt.Sprintf("%d devices, %d resources, %d excluded, %d conflicts",
		len(r.Devices), len(r.ByPath), len(r.Excluded), len(r.Conflicts))
}
