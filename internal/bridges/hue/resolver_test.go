package hue

import (
	"errors"
	"reflect"
	"testing"
)

const gwID = "001788FFFE123456"

func hueIdentity() *GatewayIdentity {
	ident, _ := Classify(BridgeConfig{BridgeID: gwID, ModelID: "BSB002", APIVersion: "1.50.0"}, ClassifyOptions{Host: "hue"})
	return ident
}

func deconzIdentity() *GatewayIdentity {
	ident, _ := Classify(BridgeConfig{BridgeID: "00212EFFFF001234", ModelID: "deCONZ", APIVersion: "1.16.0"}, ClassifyOptions{Host: "deconz"})
	return ident
}

func allExposure() ExposureOptions {
	return ExposureOptions{
		Lights: true, Groups: true, Sensors: true, Schedules: true, Rules: true,
		NativeLights: true, NativeSensors: true,
		ExcludeSensorTypes: map[string]bool{},
	}
}

func light(uniqueid string, extra ...any) map[string]any {
	m := map[string]any{"name": "light", "type": "Extended color light", "uniqueid": uniqueid, "manufacturername": "IKEA of Sweden"}
	for i := 0; i+1 < len(extra); i += 2 {
		m[extra[i].(string)] = extra[i+1]
	}
	return m
}

func sensor(typ, uniqueid string, extra ...any) map[string]any {
	m := map[string]any{"name": "sensor", "type": typ, "uniqueid": uniqueid, "manufacturername": "Acme"}
	for i := 0; i+1 < len(extra); i += 2 {
		m[extra[i].(string)] = extra[i+1]
	}
	return m
}

func newState() *FullState {
	return DecodeFullState(map[string]any{})
}

func paths(ps ...string) []ResourcePath {
	out := make([]ResourcePath, len(ps))
	for i, s := range ps {
		p, err := ParsePath(s)
		if err != nil {
			panic(err)
		}
		out[i] = p
	}
	return out
}

func TestResolve_MultilightMerge(t *testing.T) {
	fs := newState()
	fs.SetResource(KindLight, "12", light("AA:BB:CC:DD:EE:FF:00:11-0b"))
	fs.SetResource(KindLight, "13", light("AA:BB:CC:DD:EE:FF:00:11-0c"))
	rs := &ClassificationRuleset{Directives: []Directive{
		{LinkID: "1", Policy: PolicyMultilight, Paths: paths("/lights/12", "/lights/13")},
	}}

	res, err := NewResolver(deconzIdentity(), allExposure(), nil).Resolve(fs, rs)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if len(res.Devices) != 1 {
		t.Fatalf("Devices = %d, want 1", len(res.Devices))
	}
	dev := res.Devices[0]
	if dev.Serial != "AABBCCDDEEFF0011" {
		t.Errorf("Serial = %q, want AABBCCDDEEFF0011", dev.Serial)
	}
	if !reflect.DeepEqual(dev.Resources, paths("/lights/12", "/lights/13")) {
		t.Errorf("Resources = %v", dev.Resources)
	}
	if dev.Merge != PolicyMultilight || !dev.Stable {
		t.Errorf("Merge = %q Stable = %v", dev.Merge, dev.Stable)
	}
	if len(res.Conflicts) != 0 {
		t.Errorf("Conflicts = %v, want none", res.Conflicts)
	}
}

func TestResolve_MultiLightMergeBareAddress(t *testing.T) {
	fs := newState()
	fs.SetResource(KindLight, "12", light("AA:BB:CC:DD:EE:FF:00:11"))
	fs.SetResource(KindLight, "13", light("AA:BB:CC:DD:EE:FF:00:11"))
	links := map[string]map[string]any{
		"1": link("homebridge-hue", "multi-light-merge", "/lights/12", "/lights/13"),
	}
	rs := ParseRuleset(links, "homebridge-hue", nil)

	res, err := NewResolver(deconzIdentity(), allExposure(), nil).Resolve(fs, rs)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(res.Devices) != 1 {
		t.Fatalf("Devices = %d, want 1", len(res.Devices))
	}
	dev := res.Devices[0]
	if dev.Serial != "AABBCCDDEEFF0011" {
		t.Errorf("Serial = %q, want AABBCCDDEEFF0011", dev.Serial)
	}
	if !reflect.DeepEqual(dev.Resources, paths("/lights/12", "/lights/13")) {
		t.Errorf("Resources = %v", dev.Resources)
	}
	if len(res.Conflicts) != 0 {
		t.Errorf("Conflicts = %v, want none", res.Conflicts)
	}
}

func TestResolve_Idempotent(t *testing.T) {
	fs := newState()
	fs.SetResource(KindLight, "1", light("00:17:88:01:00:bd:c7:b9-0b"))
	fs.SetResource(KindLight, "2", light("00:17:88:01:00:bd:c7:ba-0b"))
	fs.SetResource(KindSensor, "3", sensor("ZHAPresence", "00:17:88:01:02:00:af:28-02-0406"))
	fs.SetResource(KindSensor, "4", sensor("ZHALightLevel", "00:17:88:01:02:00:af:28-02-0400"))
	fs.SetResource(KindGroup, "5", map[string]any{"name": "Zone", "type": "Zone"})
	rs := &ClassificationRuleset{Directives: []Directive{
		{LinkID: "1", Policy: PolicyOutlet, Paths: paths("/lights/2")},
	}}
	r := NewResolver(deconzIdentity(), allExposure(), nil)

	first, err := r.Resolve(fs, rs)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	second, err := r.Resolve(fs, rs)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !reflect.DeepEqual(first.ByPath, second.ByPath) {
		t.Errorf("ByPath differs between runs:\n%v\n%v", first.ByPath, second.ByPath)
	}
	if len(first.Devices) != len(second.Devices) {
		t.Fatalf("device counts differ")
	}
	for i := range first.Devices {
		if first.Devices[i].Serial != second.Devices[i].Serial {
			t.Errorf("device %d serial %s != %s", i, first.Devices[i].Serial, second.Devices[i].Serial)
		}
	}

	// Presence and light level share one physical sensor.
	if first.ByPath[ResourcePath{Kind: KindSensor, ID: "3"}] != "001788010200AF28" {
		t.Errorf("sensor serial = %q", first.ByPath[ResourcePath{Kind: KindSensor, ID: "3"}])
	}
	if dev := first.DeviceFor(ResourcePath{Kind: KindSensor, ID: "4", Sub: "state"}); dev == nil || len(dev.Resources) != 2 {
		t.Errorf("DeviceFor(/sensors/4/state) = %+v, want device with two resources", dev)
	}
	if dev := first.Device("0017880100BDC7BA"); dev == nil || !dev.HasPolicy(PolicyOutlet) {
		t.Errorf("outlet policy not attached: %+v", dev)
	}
	if got := first.ByPath[ResourcePath{Kind: KindGroup, ID: "5"}]; got != "00212EFFFF001234-G5" {
		t.Errorf("group serial = %q", got)
	}
}

func TestResolve_UnknownPolicySkipped(t *testing.T) {
	fs := newState()
	fs.SetResource(KindLight, "1", light("00:17:88:01:00:bd:c7:b9-0b"))
	links := map[string]map[string]any{
		"1": link("homebridge-hue", "multisensor", "/lights/1"),
	}
	rs := ParseRuleset(links, "homebridge-hue", nil)

	res, err := NewResolver(deconzIdentity(), allExposure(), nil).Resolve(fs, rs)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(res.Devices) != 1 || res.Devices[0].Serial != "0017880100BDC7B9" {
		t.Errorf("Devices = %+v, want the light exposed normally", res.Devices)
	}
}

func TestResolve_MissingResourceIsIncomplete(t *testing.T) {
	fs := newState()
	fs.SetResource(KindLight, "1", light(""))
	rs := &ClassificationRuleset{Directives: []Directive{
		{LinkID: "1", Policy: PolicyBlacklist, Paths: paths("/lights/99")},
		{LinkID: "2", Policy: PolicyWhitelist, Paths: paths("/sensors/42")},
	}}

	_, err := NewResolver(deconzIdentity(), allExposure(), nil).Resolve(fs, rs)
	if !errors.Is(err, ErrResolutionIncomplete) {
		t.Fatalf("Resolve() error = %v, want ErrResolutionIncomplete", err)
	}
	var rie *ResolutionIncompleteError
	if !errors.As(err, &rie) || rie.Path.String() != "/sensors/42" || rie.Link != "/resourcelinks/2" {
		t.Errorf("error = %+v", rie)
	}
}

func TestResolve_BlacklistBeatsWhitelist(t *testing.T) {
	fs := newState()
	fs.SetResource(KindLight, "1", light(""))
	fs.SetResource(KindLight, "2", light(""))
	rs := &ClassificationRuleset{Directives: []Directive{
		{LinkID: "1", Policy: PolicyBlacklist, Paths: paths("/lights/1")},
		{LinkID: "2", Policy: PolicyWhitelist, Paths: paths("/lights/1")},
	}}

	res, err := NewResolver(deconzIdentity(), allExposure(), nil).Resolve(fs, rs)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Excluded[ResourcePath{Kind: KindLight, ID: "1"}] != ReasonBlacklisted {
		t.Errorf("Excluded = %v", res.Excluded)
	}
	if _, ok := res.ByPath[ResourcePath{Kind: KindLight, ID: "2"}]; !ok {
		t.Error("light 2 not exposed")
	}
}

func TestResolve_WhitelistBypassesFilters(t *testing.T) {
	fs := newState()
	fs.SetResource(KindSchedule, "1", map[string]any{"name": "wake"})
	fs.SetResource(KindSchedule, "2", map[string]any{"name": "sleep"})
	fs.SetResource(KindLight, "3", light("", "type", "Range extender"))
	exp := allExposure()
	exp.Schedules = false
	rs := &ClassificationRuleset{Directives: []Directive{
		{LinkID: "1", Policy: PolicyWhitelist, Paths: paths("/schedules/2", "/lights/3")},
	}}

	res, err := NewResolver(deconzIdentity(), exp, nil).Resolve(fs, rs)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Excluded[ResourcePath{Kind: KindSchedule, ID: "1"}] != ReasonDisabled {
		t.Errorf("schedule 1 reason = %q", res.Excluded[ResourcePath{Kind: KindSchedule, ID: "1"}])
	}
	if got := res.ByPath[ResourcePath{Kind: KindSchedule, ID: "2"}]; got != "00212EFFFF001234-S2" {
		t.Errorf("schedule 2 serial = %q", got)
	}
	if got := res.ByPath[ResourcePath{Kind: KindLight, ID: "3"}]; got != "00212EFFFF001234-L3" {
		t.Errorf("whitelisted repeater serial = %q", got)
	}
}

func TestResolve_DefaultFilters(t *testing.T) {
	fs := newState()
	// Hue bridge native exposure.
	fs.SetResource(KindLight, "1", light("00:17:88:01:00:00:00:01-0b", "capabilities", map[string]any{"certified": true}))
	fs.SetResource(KindLight, "2", light("00:17:88:01:00:00:00:02-0b", "manufacturername", "Signify Netherlands B.V."))
	fs.SetResource(KindLight, "3", light("00:17:88:01:00:00:00:03-0b", "capabilities", map[string]any{"certified": false}))
	fs.SetResource(KindLight, "4", light("", "type", "Configuration tool"))
	fs.SetResource(KindLight, "5", light("", "type", "Unknown", "manufacturername", "dresden elektronik"))
	fs.SetResource(KindSensor, "6", sensor("ZLLPresence", "00:17:88:01:02:00:00:06-02-0406", "manufacturername", "Signify Netherlands B.V."))
	fs.SetResource(KindSensor, "7", sensor("ZLLSwitch", "00:17:88:01:02:00:00:07-02-fc00", "manufacturername", "PhilipsFoH"))
	fs.SetResource(KindSensor, "8", sensor("CLIPGenericFlag", "flag-8"))
	fs.SetResource(KindSensor, "9", sensor("ZHATemperature", "00:15:8d:00:01:00:00:09-01-0402"))
	fs.SetResource(KindSensor, "10", sensor("ZHAOpenClose", "_dummy"))
	fs.SetResource(KindSensor, "11", sensor("Daylight", ""))
	fs.SetResource(KindGroup, "0", map[string]any{"name": "all", "type": "LightGroup"})
	fs.SetResource(KindGroup, "12", map[string]any{"name": "Living", "type": "Room"})
	fs.SetResource(KindGroup, "13", map[string]any{"name": "Zone", "type": "Zone"})
	fs.SetResource(KindRule, "14", map[string]any{"name": "rule"})

	exp := allExposure()
	exp.ExcludeSensorTypes = map[string]bool{"CLIP": true, "ZHATemperature": true}

	res, err := NewResolver(hueIdentity(), exp, nil).Resolve(fs, nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	wantExcluded := map[string]string{
		"/lights/1":   ReasonNative,
		"/lights/2":   ReasonNative,
		"/lights/4":   ReasonRepeater,
		"/lights/5":   ReasonRepeater,
		"/sensors/6":  ReasonNative,
		"/sensors/7":  ReasonNative,
		"/sensors/8":  ReasonExcluded,
		"/sensors/9":  ReasonExcluded,
		"/sensors/10": ReasonDummy,
		"/groups/0":   ReasonGroup0,
		"/groups/12":  ReasonRoom,
	}
	for p, want := range wantExcluded {
		path, _ := ParsePath(p)
		if got := res.Excluded[path]; got != want {
			t.Errorf("Excluded[%s] = %q, want %q", p, got, want)
		}
	}

	wantSerials := map[string]string{
		"/lights/3":  "0017880100000003",
		"/sensors/11": gwID + "-11",
		"/groups/13": gwID + "-G13",
		"/rules/14":  gwID + "-R14",
	}
	for p, want := range wantSerials {
		path, _ := ParsePath(p)
		if got := res.ByPath[path]; got != want {
			t.Errorf("ByPath[%s] = %q, want %q", p, got, want)
		}
	}

	if got := res.Exposed(KindGroup); len(got) != 1 || got[0] != "13" {
		t.Errorf("Exposed(groups) = %v", got)
	}
}

func TestResolve_NativeFiltersOffForDeconz(t *testing.T) {
	fs := newState()
	fs.SetResource(KindLight, "1", light("00:17:88:01:00:00:00:01-0b", "capabilities", map[string]any{"certified": true}))
	fs.SetResource(KindSensor, "2", sensor("ZHAPresence", "00:17:88:01:02:00:00:06-02-0406", "manufacturername", "Philips"))

	res, err := NewResolver(deconzIdentity(), allExposure(), nil).Resolve(fs, nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(res.ByPath) != 2 {
		t.Errorf("ByPath = %v, want both resources exposed", res.ByPath)
	}
}

func TestResolve_LightSerials(t *testing.T) {
	fs := newState()
	fs.SetResource(KindLight, "1", light("00:17:88:01:00:00:00:01-0b"))
	fs.SetResource(KindLight, "2", light("00:15:8d:00:02:00:00:02-01"))
	fs.SetResource(KindLight, "3", light("00:15:8d:00:02:00:00:02-02"))
	fs.SetResource(KindLight, "4", light("not-a-zigbee-id"))
	fs.SetResource(KindLight, "5", light("00:15:8d:00:02:00:00:05"))
	fs.SetResource(KindLight, "6", light("00:15:8d:00:02:00:00:06"))
	rs := &ClassificationRuleset{Directives: []Directive{
		{LinkID: "1", Policy: PolicySplitlight, Paths: paths("/lights/2", "/lights/3", "/lights/6")},
	}}

	res, err := NewResolver(deconzIdentity(), allExposure(), nil).Resolve(fs, rs)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	want := map[string]string{
		"/lights/1": "0017880100000001",
		"/lights/2": "00158D0002000002-01",
		"/lights/3": "00158D0002000002-02",
		"/lights/4": "00212EFFFF001234-L4",
		"/lights/5": "00158D0002000005",
		"/lights/6": "00158D0002000006",
	}
	for p, w := range want {
		path, _ := ParsePath(p)
		if got := res.ByPath[path]; got != w {
			t.Errorf("ByPath[%s] = %q, want %q", p, got, w)
		}
	}
	if dev := res.Device("00212EFFFF001234-L4"); dev == nil || dev.Stable {
		t.Errorf("fallback device = %+v, want not stable", dev)
	}
}

func TestResolve_HABridgeNeverUsesHardwareID(t *testing.T) {
	ident, err := Classify(BridgeConfig{BridgeID: "B827EBFFFE123456", ModelID: "BSB002", APIVersion: "1.17.0"}, ClassifyOptions{})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	fs := newState()
	fs.SetResource(KindLight, "1", light("00:17:88:01:00:00:00:01-0b"))

	res, err := NewResolver(ident, allExposure(), nil).Resolve(fs, nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := res.ByPath[ResourcePath{Kind: KindLight, ID: "1"}]; got != "B827EBFFFE123456-L1" {
		t.Errorf("serial = %q", got)
	}
}

func TestResolve_SensorSuffixes(t *testing.T) {
	tests := []struct {
		name    string
		history bool
		payload map[string]any
		want    string
	}{
		{
			name:    "hue motion temperature with history",
			history: true,
			payload: sensor("ZLLTemperature", "00:17:88:01:02:00:00:01-02-0402", "manufacturername", "Philips", "modelid", "SML001"),
			want:    "0017880102000001-T",
		},
		{
			name:    "hue motion temperature without history",
			payload: sensor("ZLLTemperature", "00:17:88:01:02:00:00:01-02-0402", "manufacturername", "Philips", "modelid", "SML001"),
			want:    "0017880102000001",
		},
		{
			name:    "samjin multi vibration",
			history: true,
			payload: sensor("ZHAVibration", "28:6d:97:00:01:00:00:02-01-0101", "manufacturername", "Samjin", "modelid", "multi"),
			want:    "286D970001000002-V",
		},
		{
			name:    "samjin multi temperature",
			history: true,
			payload: sensor("ZHATemperature", "28:6d:97:00:01:00:00:02-01-0402", "manufacturername", "Samjin", "modelid", "multi"),
			want:    "286D970001000002-T",
		},
		{
			name:    "develco smoke temperature",
			payload: sensor("ZHATemperature", "00:15:bc:00:31:00:00:03-23-0402", "manufacturername", "Develco Products AS", "modelid", "SMSZB-120"),
			want:    "0015BC0031000003-T",
		},
		{
			name:    "samjin button temperature",
			payload: sensor("ZHATemperature", "28:6d:97:00:01:00:00:04-01-0402", "manufacturername", "Samjin", "modelid", "button"),
			want:    "286D970001000004-T",
		},
		{
			name:    "clip sensor never uses hardware id",
			payload: sensor("CLIPTemperature", "00:17:88:01:02:00:00:05-02-0402"),
			want:    "00212EFFFF001234-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := newState()
			fs.SetResource(KindSensor, "1", tt.payload)
			exp := allExposure()
			exp.HueMotionTemperatureHistory = tt.history

			res, err := NewResolver(deconzIdentity(), exp, nil).Resolve(fs, nil)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got := res.ByPath[ResourcePath{Kind: KindSensor, ID: "1"}]; got != tt.want {
				t.Errorf("serial = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolve_MulticlipMerge(t *testing.T) {
	fs := newState()
	fs.SetResource(KindSensor, "5", sensor("CLIPGenericFlag", "flag-5"))
	fs.SetResource(KindSensor, "6", sensor("CLIPGenericStatus", "status-6"))
	fs.SetResource(KindSensor, "7", sensor("ZHASwitch", "00:15:8d:00:01:00:00:07-01-0006"))
	fs.SetResource(KindSensor, "8", sensor("Daylight", ""))
	logger := &testLogger{}
	rs := &ClassificationRuleset{Directives: []Directive{
		{LinkID: "1", Policy: PolicyMulticlip, Paths: paths("/sensors/5", "/sensors/6", "/sensors/7")},
		{LinkID: "2", Policy: PolicyMulticlip, Paths: paths("/sensors/6", "/sensors/8")},
	}}

	res, err := NewResolver(deconzIdentity(), allExposure(), logger).Resolve(fs, rs)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	first := res.Device("00212EFFFF001234-5")
	if first == nil || !reflect.DeepEqual(first.Resources, paths("/sensors/5", "/sensors/6")) {
		t.Fatalf("first multiclip device = %+v", first)
	}
	if first.Merge != PolicyMulticlip {
		t.Errorf("Merge = %q", first.Merge)
	}
	second := res.Device("00212EFFFF001234-8")
	if second == nil || len(second.Resources) != 1 {
		t.Errorf("second multiclip device = %+v, want daylight only", second)
	}
	if got := res.ByPath[ResourcePath{Kind: KindSensor, ID: "7"}]; got != "00158D0001000007" {
		t.Errorf("non-clip sensor serial = %q, want its own device", got)
	}
	if !logger.contains("warn", "ignoring non-CLIP sensor in multiclip") {
		t.Error("non-CLIP member not warned")
	}
	if !logger.contains("warn", "ignoring duplicate resource in multiclip") {
		t.Error("duplicate member not warned")
	}
}

func TestResolve_ConflictIsPermissive(t *testing.T) {
	fs := newState()
	fs.SetResource(KindSensor, "1", sensor("ZHAOpenClose", "00:15:8d:00:01:00:00:01-01-0006"))
	fs.SetResource(KindSensor, "2", sensor("ZHAOpenClose", "00:15:8d:00:01:00:00:01-01-0006"))
	logger := &testLogger{}

	res, err := NewResolver(deconzIdentity(), allExposure(), logger).Resolve(fs, nil)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("Conflicts = %v, want 1", res.Conflicts)
	}
	c := res.Conflicts[0]
	if c.Path.ID != "2" || c.Existing.ID != "1" || c.Serial != "00158D0001000001" {
		t.Errorf("Conflict = %+v", c)
	}
	dev := res.Device("00158D0001000001")
	if dev == nil || len(dev.Resources) != 2 {
		t.Errorf("device = %+v, want both resources attached", dev)
	}
	if !logger.contains("warn", "resources share a unique id, attaching to the same device") {
		t.Error("conflict not warned")
	}
}
