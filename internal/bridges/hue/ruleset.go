package hue

import (
	"strings"
)

// Policy is the classification directive carried in a resourcelink description.
type Policy string

// Recognised policies.
const (
	PolicyBlacklist  Policy = "blacklist"
	PolicyLightlist  Policy = "lightlist"
	PolicyMulticlip  Policy = "multiclip"
	PolicyMultilight Policy = "multilight"
	PolicyOutlet     Policy = "outlet"
	PolicySplitlight Policy = "splitlight"
	PolicySwitch     Policy = "switch"
	PolicyValve      Policy = "valve"
	PolicyWallswitch Policy = "wallswitch"
	PolicyWhitelist  Policy = "whitelist"
)

// policyKinds lists the kinds each policy accepts. Nil accepts every kind.
var policyKinds = map[Policy][]Kind{
	PolicyBlacklist:  nil,
	PolicyLightlist:  nil,
	PolicyWhitelist:  nil,
	PolicyMulticlip:  {KindSensor},
	PolicyMultilight: {KindLight},
	PolicyOutlet:     {KindGroup, KindLight},
	PolicySwitch:     {KindGroup, KindLight},
	PolicySplitlight: {KindLight},
	PolicyValve:      {KindLight},
	PolicyWallswitch: {KindLight},
}

// policyAliases are the long-form descriptions accepted alongside the short names.
var policyAliases = map[string]Policy{
	"multi-light-merge":     PolicyMultilight,
	"multi-clip-merge":      PolicyMulticlip,
	"multi-sensor-merge":    PolicyMulticlip,
	"outlet-semantics":      PolicyOutlet,
	"split-light":           PolicySplitlight,
	"switch-semantics":      PolicySwitch,
	"valve-semantics":       PolicyValve,
	"wall-switch-semantics": PolicyWallswitch,
}

// ParsePolicy maps a resourcelink description to its Policy, case-insensitively.
func ParsePolicy(description string) (Policy, bool) {
	d := strings.ToLower(strings.TrimSpace(description))
	if p, ok := policyAliases[d]; ok {
		return p, true
	}
	p := Policy(d)
	_, ok := policyKinds[p]
	return p, ok
}

// Accepts reports whether the policy may reference resources of kind k.
func (p Policy) Accepts(k Kind) bool {
	kinds, ok := policyKinds[p]
	if !ok {
		return false
	}
	if kinds == nil {
		return true
	}
	for _, allowed := range kinds {
		if allowed == k {
			return true
		}
	}
	return false
}

// Directive is one parsed resourcelink.
type Directive struct {
	LinkID string
	Name   string
	Policy Policy
	Paths  []ResourcePath
}

// ClassificationRuleset is the set of directives parsed from the gateway's
// resourcelinks in link id order.
type ClassificationRuleset struct {
	Directives []Directive
}

// ParseRuleset extracts the directives from the resourcelinks collection.
// Only links named name with both links and a description count. Unknown
// policies, malformed entries and kind/policy mismatches are logged and skipped.
func ParseRuleset(links map[string]map[string]any, name string, logger Logger) *ClassificationRuleset {
	h := &logHolder{logger: logger}
	rs := &ClassificationRuleset{}

	for _, id := range sortedIDs(links) {
		link := links[id]
		if stringField(link, "name") != name {
			continue
		}
		entries, _ := link["links"].([]any)
		description := stringField(link, "description")
		if len(entries) == 0 || description == "" {
			continue
		}

		policy, ok := ParsePolicy(description)
		if !ok {
			h.logWarn("ignoring resourcelink with unsupported description",
				"resourcelink", "/resourcelinks/"+id, "description", description)
			continue
		}

		d := Directive{LinkID: id, Name: name, Policy: policy}
		for _, e := range entries {
			raw, _ := e.(string)
			p, err := ParsePath(raw)
			if err != nil || p.Sub != "" {
				h.logWarn("ignoring unsupported resource in resourcelink",
					"resourcelink", "/resourcelinks/"+id, "resource", raw)
				continue
			}
			if !policy.Accepts(p.Kind) {
				h.logWarn("ignoring resource not supported by policy",
					"resourcelink", "/resourcelinks/"+id, "policy", string(policy), "resource", raw)
				continue
			}
			d.Paths = append(d.Paths, p)
		}
		rs.Directives = append(rs.Directives, d)
	}
	return rs
}
