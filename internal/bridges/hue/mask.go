package hue

import (
	"strconv"
	"strings"
)

// MaskUsername replaces every character of a credential with '*'.
func MaskUsername(username string) string {
	return strings.Repeat("*", len(username))
}

// MaskUsernames replaces every occurrence of the given credentials in s.
// Used before logging or dumping anything that may echo a request path.
func MaskUsernames(s string, usernames ...string) string {
	for _, u := range usernames {
		if u == "" {
			continue
		}
		s = strings.ReplaceAll(s, u, MaskUsername(u))
	}
	return s
}

// MaskWhitelist replaces the keys of a /config whitelist, which are
// credentials, with numbered masks.
func MaskWhitelist(cfg map[string]any) {
	wl, ok := cfg["whitelist"].(map[string]any)
	if !ok {
		return
	}
	masked := make(map[string]any, len(wl))
	for i, user := range sortedIDs(wl) {
		masked[MaskUsername(user)+"-"+strconv.Itoa(i+1)] = wl[user]
	}
	cfg["whitelist"] = masked
}
