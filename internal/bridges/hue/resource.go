package hue

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind is one of the five resource kinds a gateway exposes.
type Kind int

// Resource kinds. The zero value is not a valid kind.
const (
	KindLight Kind = iota + 1
	KindGroup
	KindSensor
	KindSchedule
	KindRule
)

// Kinds lists every kind in exposure order.
var Kinds = []Kind{KindGroup, KindLight, KindSensor, KindSchedule, KindRule}

// Collection returns the REST collection name, e.g. "lights".
func (k Kind) Collection() string {
	switch k {
	case KindLight:
		return "lights"
	case KindGroup:
		return "groups"
	case KindSensor:
		return "sensors"
	case KindSchedule:
		return "schedules"
	case KindRule:
		return "rules"
	}
	return ""
}

// SerialPrefix returns the letter placed between gateway id and resource id
// in fallback serials. Sensors have none.
func (k Kind) SerialPrefix() string {
	switch k {
	case KindLight:
		return "L"
	case KindGroup:
		return "G"
	case KindSensor:
		return ""
	case KindSchedule:
		return "S"
	case KindRule:
		return "R"
	}
	return "?"
}

func (k Kind) String() string {
	if c := k.Collection(); c != "" {
		return c
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Valid reports whether k is one of the five defined kinds.
func (k Kind) Valid() bool {
	return k >= KindLight && k <= KindRule
}

// ParseKind maps a collection name to its Kind.
func ParseKind(collection string) (Kind, bool) {
	switch collection {
	case "lights":
		return KindLight, true
	case "groups":
		return KindGroup, true
	case "sensors":
		return KindSensor, true
	case "schedules":
		return KindSchedule, true
	case "rules":
		return KindRule, true
	}
	return 0, false
}

// MarshalText encodes k as its collection name. The zero kind, used by the
// gateway pseudo-device, encodes as "".
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.Collection()), nil
}

// UnmarshalText decodes a collection name.
func (k *Kind) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*k = 0
		return nil
	}
	parsed, ok := ParseKind(string(text))
	if !ok {
		return fmt.Errorf("unknown kind %q", text)
	}
	*k = parsed
	return nil
}

// ResourcePath addresses a resource or one of its sub-objects:
// /<collection>/<id>[/state|/config|/action].
type ResourcePath struct {
	Kind Kind
	ID   string
	Sub  string
}

// ParsePath parses "/lights/12" or "/sensors/7/state".
func ParsePath(s string) (ResourcePath, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) < 2 || len(parts) > 3 || parts[1] == "" {
		return ResourcePath{}, fmt.Errorf("%w: %q", ErrInvalidPath, s)
	}
	kind, ok := ParseKind(parts[0])
	if !ok {
		return ResourcePath{}, fmt.Errorf("%w: %q: unsupported kind", ErrInvalidPath, s)
	}
	p := ResourcePath{Kind: kind, ID: parts[1]}
	if len(parts) == 3 {
		switch parts[2] {
		case "state", "config", "action":
			p.Sub = parts[2]
		default:
			return ResourcePath{}, fmt.Errorf("%w: %q: unsupported sub-resource", ErrInvalidPath, s)
		}
	}
	return p, nil
}

// String returns the REST path. A path without a kind addresses the
// gateway itself, e.g. "/config".
func (p ResourcePath) String() string {
	if !p.Kind.Valid() {
		return "/" + p.Sub
	}
	s := "/" + p.Kind.Collection() + "/" + p.ID
	if p.Sub != "" {
		s += "/" + p.Sub
	}
	return s
}

// MarshalText encodes p as its REST path.
func (p ResourcePath) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a REST path, including the gateway's own "/config".
func (p *ResourcePath) UnmarshalText(text []byte) error {
	if string(text) == "/config" {
		*p = ResourcePath{Sub: "config"}
		return nil
	}
	parsed, err := ParsePath(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Base returns the path without its sub-resource.
func (p ResourcePath) Base() ResourcePath {
	return ResourcePath{Kind: p.Kind, ID: p.ID}
}

// Resource is one remote object with its raw payload.
type Resource struct {
	Kind    Kind
	ID      string
	Payload map[string]any
}

// Path returns the resource path.
func (r Resource) Path() ResourcePath {
	return ResourcePath{Kind: r.Kind, ID: r.ID}
}

// Type returns the payload "type" field.
func (r Resource) Type() string { return stringField(r.Payload, "type") }

// Name returns the payload "name" field.
func (r Resource) Name() string { return stringField(r.Payload, "name") }

// UniqueID returns the payload "uniqueid" field.
func (r Resource) UniqueID() string { return stringField(r.Payload, "uniqueid") }

// ModelID returns the payload "modelid" field.
func (r Resource) ModelID() string { return stringField(r.Payload, "modelid") }

// Manufacturer returns the payload "manufacturername" with slashes removed.
func (r Resource) Manufacturer() string {
	return strings.ReplaceAll(stringField(r.Payload, "manufacturername"), "/", "")
}

// HasCapabilities reports whether the payload carries a capabilities object.
func (r Resource) HasCapabilities() bool {
	_, ok := r.Payload["capabilities"].(map[string]any)
	return ok
}

// Certified reports capabilities.certified.
func (r Resource) Certified() bool {
	caps, _ := r.Payload["capabilities"].(map[string]any)
	v, _ := caps["certified"].(bool)
	return v
}

// FullState is the decoded response of GET / plus the separately fetched
// group 0 and resourcelinks.
type FullState struct {
	Config        map[string]any
	Resources     map[Kind]map[string]map[string]any
	ResourceLinks map[string]map[string]any
}

// DecodeFullState splits a GET / body into its collections.
// Collections other than the five kinds, config and resourcelinks are ignored.
func DecodeFullState(body map[string]any) *FullState {
	fs := &FullState{
		Config:        asObject(body["config"]),
		Resources:     make(map[Kind]map[string]map[string]any, len(Kinds)),
		ResourceLinks: asCollection(body["resourcelinks"]),
	}
	for _, k := range Kinds {
		fs.Resources[k] = asCollection(body[k.Collection()])
	}
	return fs
}

// HasResourceLinks reports whether resourcelinks were present in the body.
func (fs *FullState) HasResourceLinks() bool {
	return fs.ResourceLinks != nil
}

// Resource returns the resource at p, ignoring p.Sub.
func (fs *FullState) Resource(p ResourcePath) (Resource, bool) {
	payload, ok := fs.Resources[p.Kind][p.ID]
	if !ok {
		return Resource{}, false
	}
	return Resource{Kind: p.Kind, ID: p.ID, Payload: payload}, true
}

// IDs returns the ids of kind k in numeric order.
func (fs *FullState) IDs(k Kind) []string {
	return sortedIDs(fs.Resources[k])
}

// SetResource stores payload under kind and id.
func (fs *FullState) SetResource(k Kind, id string, payload map[string]any) {
	if fs.Resources[k] == nil {
		fs.Resources[k] = make(map[string]map[string]any)
	}
	fs.Resources[k][id] = payload
}

// sortedIDs returns map keys in numeric order, non-numeric keys last in lexical order.
func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.Atoi(ids[i])
		b, errB := strconv.Atoi(ids[j])
		switch {
		case errA == nil && errB == nil:
			return a < b
		case errA == nil:
			return true
		case errB == nil:
			return false
		}
		return ids[i] < ids[j]
	})
	return ids
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func asObject(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asCollection(v any) map[string]map[string]any {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]map[string]any, len(raw))
	for id, item := range raw {
		if obj, ok := item.(map[string]any); ok {
			out[id] = obj
		}
	}
	return out
}
