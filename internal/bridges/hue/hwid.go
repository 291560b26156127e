package hue

import (
	"regexp"
	"strings"
)

// hardwareIDPattern matches a Zigbee unique id: an 8-byte EUI-64 as colon
// separated hex pairs, optionally followed by an endpoint and a 4 digit
// cluster, e.g. "00:17:88:01:02:00:af:28-02-0402" or "aa:bb:cc:dd:ee:ff:00:11".
var hardwareIDPattern = regexp.MustCompile(
	`^([0-9A-Fa-f]{2}(?::[0-9A-Fa-f]{2}){7})(?:-([0-9A-Fa-f]{2})(?:-([0-9A-Fa-f]{4}))?)?$`)

// HardwareID is a normalised Zigbee unique id.
type HardwareID struct {
	// Address is the EUI-64 as 16 upper-case hex digits without separators.
	Address string

	// Endpoint is the upper-case endpoint, e.g. "0B". Empty for a bare address.
	Endpoint string

	// Cluster is the upper-case cluster, empty when absent.
	Cluster string
}

// ExtractHardwareID parses raw as a Zigbee unique id.
// It reports false for anything that does not match the full pattern.
func ExtractHardwareID(raw string) (HardwareID, bool) {
	m := hardwareIDPattern.FindStringSubmatch(raw)
	if m == nil {
		return HardwareID{}, false
	}
	return HardwareID{
		Address:  strings.ToUpper(strings.ReplaceAll(m[1], ":", "")),
		Endpoint: strings.ToUpper(m[2]),
		Cluster:  strings.ToUpper(m[3]),
	}, true
}

// String returns the full normalised id, address[-endpoint[-cluster]].
func (h HardwareID) String() string {
	s := h.Address
	if h.Endpoint == "" {
		return s
	}
	s += "-" + h.Endpoint
	if h.Cluster != "" {
		s += "-" + h.Cluster
	}
	return s
}
