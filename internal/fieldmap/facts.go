package fieldmap

import (
	"strconv"
	"strings"
	"time"
)

// Transport identifies where a fact came from.
type Transport string

// Transports.
const (
	CoAP Transport = "coap"
	MQTT Transport = "mqtt"
	HTTP Transport = "http"
)

// Transports lists every transport in a stable order.
var Transports = []Transport{CoAP, MQTT, HTTP}

// Facts is one immutable batch of observations about a single device from
// a single transport. Only the field matching Transport is consulted.
type Facts struct {
	Transport Transport
	At        time.Time

	// Address is the device address as seen by this transport, empty when unknown.
	Address string

	// Positions is the CoIoT positional map.
	Positions map[int]any

	// Document is the decoded HTTP /status body.
	Document any

	// Topic is the MQTT topic suffix after shellies/<name>/, e.g. "relay/0/power".
	Topic   string
	Payload []byte
}

// ParseScalar interprets a plain MQTT payload. Numbers become float64,
// "true"/"on" and "false"/"off" become booleans, anything else stays a string.
func ParseScalar(payload []byte) any {
	s := strings.TrimSpace(string(payload))
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch strings.ToLower(s) {
	case "true", "on":
		return true
	case "false", "off":
		return false
	}
	return s
}
