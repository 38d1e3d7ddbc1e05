package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is the root of every upstream topic when
// mqtt.topic_prefix is not configured.
const DefaultTopicPrefix = "shellybridge"

// Device-side topics. Devices configured against an external broker publish
// under shellies/<model>-<id>/... and listen for commands below the same name.
const (
	// DeviceTopicRoot is the first level of every device topic.
	DeviceTopicRoot = "shellies"

	// AllDeviceTelemetry matches everything devices publish.
	AllDeviceTelemetry = DeviceTopicRoot + "/#"

	// DeviceAnnounceCommand asks every listening device to announce itself.
	DeviceAnnounceCommand = DeviceTopicRoot + "/command"
)

// Payloads of the availability topics.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Topics builds upstream topics below a configurable prefix.
//
//	topics := mqtt.Topics{Prefix: "home/shelly"}
//	topics.UnitState("A4CF12F454A3", "relay-0")
//	// Returns: "home/shelly/device/A4CF12F454A3/relay-0/state"
//
// The zero value uses DefaultTopicPrefix.
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return DefaultTopicPrefix
	}
	return p
}

// =============================================================================
// Bridge Topics
// =============================================================================

// BridgeStatus is where the bridge publishes its own online/offline status.
// It is also the Last Will topic.
//
// Example: shellybridge/bridge/status
func (t Topics) BridgeStatus() string {
	return fmt.Sprintf("%s/bridge/status", t.prefix())
}

// =============================================================================
// Device Topics
// =============================================================================

// UnitState returns the retained canonical state topic of a unit.
//
// Example: shellybridge/device/A4CF12F454A3/relay-0/state
func (t Topics) UnitState(deviceID, unitID string) string {
	return fmt.Sprintf("%s/device/%s/%s/state", t.prefix(), deviceID, unitID)
}

// UnitSet returns the topic a controller publishes commands for a unit to.
//
// Example: shellybridge/device/A4CF12F454A3/relay-0/set
func (t Topics) UnitSet(deviceID, unitID string) string {
	return fmt.Sprintf("%s/device/%s/%s/set", t.prefix(), deviceID, unitID)
}

// DeviceAvailable returns the retained availability topic of a device.
//
// Example: shellybridge/device/A4CF12F454A3/available
func (t Topics) DeviceAvailable(deviceID string) string {
	return fmt.Sprintf("%s/device/%s/available", t.prefix(), deviceID)
}

// AllUnitSets matches every unit command topic.
//
// Pattern: shellybridge/device/+/+/set
func (t Topics) AllUnitSets() string {
	return fmt.Sprintf("%s/device/+/+/set", t.prefix())
}

// ParseUnitSet extracts the device and unit IDs from a command topic.
// ok is false for anything that is not <prefix>/device/<id>/<unit>/set.
func (t Topics) ParseUnitSet(topic string) (deviceID, unitID string, ok bool) {
	rest, found := strings.CutPrefix(topic, t.prefix()+"/device/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[2] != "set" || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// DeviceCommand returns a topic below a device's own MQTT name.
//
// Example: shellies/shellyswitch25-A4CF12F454A3/roller/0/command
func DeviceCommand(mqttName, suffix string) string {
	return fmt.Sprintf("%s/%s/%s", DeviceTopicRoot, mqttName, strings.TrimPrefix(suffix, "/"))
}
