package hue

import (
	"reflect"
	"sync"
)

// StateCache mirrors the last known payload of every resource.
//
// Polls replace whole entries; events merge partial payloads into one
// field. Payloads are deep-copied on the way in and out so callers never
// share maps with the cache.
//
// Thread Safety: all methods are safe for concurrent use.
type StateCache struct {
	mu      sync.RWMutex
	entries map[Kind]map[string]*cacheEntry
}

type cacheEntry struct {
	payload map[string]any

	// partial is set while the entry holds only merged event data.
	partial bool
}

// NewStateCache creates an empty cache.
func NewStateCache() *StateCache {
	return &StateCache{entries: make(map[Kind]map[string]*cacheEntry, len(Kinds))}
}

// Replace stores payload as the whole entry for (k, id), discarding any
// earlier data including merged partials. It returns a copy of the previous
// payload, nil when there was none.
func (c *StateCache) Replace(k Kind, id string, payload map[string]any) map[string]any {
	next := deepCopyMap(payload)

	c.mu.Lock()
	defer c.mu.Unlock()

	coll := c.collection(k)
	prev := coll[id]
	coll[id] = &cacheEntry{payload: next}
	if prev == nil {
		return nil
	}
	return prev.payload
}

// Merge applies partial to the entry for (k, id). With field "" the keys are
// merged into the top level of the payload, otherwise into the named
// sub-object ("state", "config" or "action").
//
// A merge for an unknown entry creates a partial entry that a later Replace
// supersedes. State carrying a lastupdated older than the cached one is
// dropped. Merge reports whether the partial was applied.
func (c *StateCache) Merge(k Kind, id, field string, partial map[string]any) bool {
	if len(partial) == 0 {
		return false
	}
	in := deepCopyMap(partial)

	c.mu.Lock()
	defer c.mu.Unlock()

	coll := c.collection(k)
	e := coll[id]
	if e == nil {
		e = &cacheEntry{payload: make(map[string]any), partial: true}
		coll[id] = e
	}

	target := e.payload
	if field != "" {
		sub, ok := e.payload[field].(map[string]any)
		if !ok {
			sub = make(map[string]any, len(in))
			e.payload[field] = sub
		}
		target = sub
	}

	if field == "state" && stale(target, in) {
		return false
	}
	for key, v := range in {
		target[key] = v
	}
	return true
}

// stale reports whether in carries a lastupdated older than cur's.
// Timestamps are ISO 8601 and compare lexically; "none" never wins.
func stale(cur, in map[string]any) bool {
	have, ok1 := cur["lastupdated"].(string)
	got, ok2 := in["lastupdated"].(string)
	if !ok1 || !ok2 || have == "none" || got == "none" {
		return false
	}
	return got < have
}

// Snapshot returns a copy of the entry for (k, id).
func (c *StateCache) Snapshot(k Kind, id string) (map[string]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e := c.entries[k][id]
	if e == nil {
		return nil, false
	}
	return deepCopyMap(e.payload), true
}

// Partial reports whether the entry for (k, id) exists but has never been replaced.
func (c *StateCache) Partial(k Kind, id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e := c.entries[k][id]
	return e != nil && e.partial
}

// Count returns the number of entries of kind k.
func (c *StateCache) Count(k Kind) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries[k])
}

// IDs returns the ids of kind k in numeric order.
func (c *StateCache) IDs(k Kind) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedIDs(c.entries[k])
}

// Dump returns a copy of the whole cache keyed by collection name and id.
func (c *StateCache) Dump() map[string]map[string]map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]map[string]map[string]any, len(c.entries))
	for k, coll := range c.entries {
		m := make(map[string]map[string]any, len(coll))
		for id, e := range coll {
			m[id] = deepCopyMap(e.payload)
		}
		out[k.Collection()] = m
	}
	return out
}

// Load replaces every resource of fs.
func (c *StateCache) Load(fs *FullState) {
	for _, k := range Kinds {
		for id, payload := range fs.Resources[k] {
			c.Replace(k, id, payload)
		}
	}
}

// collection returns the id map for k, creating it. Caller holds c.mu.
func (c *StateCache) collection(k Kind) map[string]*cacheEntry {
	coll := c.entries[k]
	if coll == nil {
		coll = make(map[string]*cacheEntry)
		c.entries[k] = coll
	}
	return coll
}

// diffPayload compares two payloads of the same resource and returns the
// changed keys per sub-object: "" for top-level attributes, "state",
// "config" and "action" for the nested objects. Removed keys are ignored.
func diffPayload(prev, next map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any)
	add := func(field, key string, v any) {
		if out[field] == nil {
			out[field] = make(map[string]any)
		}
		out[field][key] = v
	}

	for key, v := range next {
		switch key {
		case "state", "config", "action":
			cur, _ := v.(map[string]any)
			old, _ := prev[key].(map[string]any)
			for sk, sv := range cur {
				if ov, ok := old[sk]; !ok || !reflect.DeepEqual(ov, sv) {
					add(key, sk, sv)
				}
			}
		default:
			if ov, ok := prev[key]; !ok || !reflect.DeepEqual(ov, v) {
				add("", key, v)
			}
		}
	}
	return out
}

// deepCopyMap copies the JSON object tree m. Scalars are shared.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = deepCopy(item)
		}
		return out
	default:
		return v
	}
}
