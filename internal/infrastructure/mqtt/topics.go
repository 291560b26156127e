package mqtt

import "strings"

// TopicPrefix is the root of every Gray Logic topic.
const TopicPrefix = "graylogic"

// Topics builds topics in the flat scheme graylogic/{category}/{protocol}/{address}.
//
//	topics := mqtt.Topics{}
//	topics.Bridge("state", "hue", "000B57FFFE000001")
//	// Returns: "graylogic/state/hue/000B57FFFE000001"
type Topics struct{}

// Bridge returns graylogic/{category}/{protocol}/{address}. An empty
// address yields graylogic/{category}/{protocol}.
func (Topics) Bridge(category, protocol, address string) string {
	parts := []string{TopicPrefix, category, protocol}
	if address != "" {
		parts = append(parts, address)
	}
	return strings.Join(parts, "/")
}

// Wildcard matches every address below graylogic/{category}/{protocol}.
//
// Pattern: graylogic/{category}/{protocol}/#
func (Topics) Wildcard(category, protocol string) string {
	return TopicPrefix + "/" + category + "/" + protocol + "/#"
}

// Status returns the retained online/offline topic for a client.
//
// Example: graylogic/system/status/graylogic-hue
func (Topics) Status(clientID string) string {
	return TopicPrefix + "/system/status/" + clientID
}

// Match reports whether topic matches the subscription pattern, honouring
// the + and # wildcards.
func (Topics) Match(pattern, topic string) bool {
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")
	for i, seg := range p {
		if seg == "#" {
			return i == len(p)-1
		}
		if i >= len(t) {
			return false
		}
		if seg != "+" && seg != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}
