package discovery

import (
	"regexp"
	"strings"
)

// Candidate sources.
const (
	SourceMDNS   = "mdns"
	SourceCoAP   = "coap"
	SourceMQTT   = "mqtt"
	SourceManual = "manual"
)

// Candidate is an address that may belong to a device.
type Candidate struct {
	Address string `json:"address"`
	Source  string `json:"source"`

	// Prefix and ID are set when the source already knows them, e.g. from
	// an mDNS instance name.
	Prefix string `json:"prefix,omitempty"`
	ID     string `json:"id,omitempty"`
}

var instancePattern = regexp.MustCompile(`^(shelly.+)-([0-9A-Fa-f]+)$`)

// Sleeping sensor families. They are asleep whenever mDNS sees them, so
// resolving them over HTTP never succeeds.
var excludedPrefixes = map[string]bool{
	"shellydw":    true,
	"shellyht":    true,
	"shellyflood": true,
}

// MatchInstance splits an instance name into its model prefix and device
// id. ok is false for non-Shelly names and for excluded sleeping families.
func MatchInstance(instance string) (prefix, id string, ok bool) {
	instance = strings.TrimSuffix(instance, ".")
	instance = strings.TrimSuffix(instance, "._http._tcp.local")

	m := instancePattern.FindStringSubmatch(instance)
	if m == nil {
		return "", "", false
	}
	prefix = strings.ToLower(m[1])
	if excludedPrefixes[prefix] {
		return "", "", false
	}
	return prefix, strings.ToUpper(m[2]), true
}
