package composer

import (
	"time"

	"github.com/nerrad567/gray-logic-shellybridge/internal/device"
	"github.com/nerrad567/gray-logic-shellybridge/internal/fieldmap"
)

// vibrationHold is how long a vibration alarm stays raised.
const vibrationHold = 60 * time.Second

// Energy counters are reported in watt-minutes over HTTP and MQTT and in
// watt-hours over CoIoT.
var energySteps = map[fieldmap.Transport][]string{
	fieldmap.HTTP: {"/60", "round:2"},
	fieldmap.MQTT: {"/60", "round:2"},
}

var (
	boolFmt  = []string{"bool"}
	round1   = []string{"round:1"}
	round2   = []string{"round:2"}
	floatFmt = []string{"float"}
)

// infoUnit carries the device-level values. It is always the first unit.
func infoUnit(battery bool) device.Unit {
	fields := fieldmap.Map{
		infoRule("ssid", "wifi_sta/ssid"),
		infoRule("rssi", "wifi_sta/rssi"),
		infoRule("uptime", "uptime"),
		infoRule("has_firmware_update", "update/has_update"),
		versionRule("latest_fw_version", "update/new_version"),
		versionRule("firmware_version", "update/old_version"),
		infoRule("cloud_enabled", "cloud/enabled"),
		infoRule("cloud_connected", "cloud/connected"),
		infoRule("mqtt_connected", "mqtt/connected"),
	}

	if battery {
		fields = append(fields, fieldmap.Rule{
			Attribute: "battery",
			Positions: []int{77, 3111},
			Path:      "bat/value",
			Topic:     "sensor/battery",
			Format:    floatFmt,
		})
	} else {
		fields = append(fields,
			fieldmap.Rule{
				Attribute: "device_temp",
				Positions: []int{3104},
				Path:      "tmp/tC",
				Topic:     "temperature",
				Format:    []string{"round"},
			},
			fieldmap.Rule{
				Attribute: "over_temp",
				Positions: []int{6101},
				Path:      "overtemperature",
				Topic:     "overtemperature",
				Format:    boolFmt,
			},
		)
	}

	return device.Unit{Kind: device.KindInfo, Fields: fields}
}

// infoRule reads a /status path over HTTP and the same path inside the
// JSON document on the MQTT info topic.
func infoRule(attr, path string) fieldmap.Rule {
	return fieldmap.Rule{Attribute: attr, Path: path, Topic: "info", TopicPath: path}
}

func versionRule(attr, path string) fieldmap.Rule {
	r := infoRule(attr, path)
	r.Format = []string{"ver"}
	return r
}

func relayUnit(ch int) device.Unit {
	return device.Unit{
		Kind:     device.KindRelay,
		Channel:  ch,
		Endpoint: "relay",
		Fields: fieldmap.Map{
			{
				Attribute: fieldmap.StateAttribute,
				Positions: []int{1101, 112},
				Path:      "relays/$/ison",
				Topic:     "relay/$",
				Format:    boolFmt,
			},
			{
				Attribute: "overpower",
				Positions: []int{6102},
				Path:      "relays/$/overpower",
				Format:    boolFmt,
			},
		},
	}
}

// meterUnit reports power and energy of one metering channel. base is the
// MQTT topic root the device publishes the meter under ("relay", "light").
func meterUnit(ch int, base string) device.Unit {
	return device.Unit{
		Kind:    device.KindPowermeter,
		Channel: ch,
		Fields: fieldmap.Map{
			{
				Attribute: fieldmap.StateAttribute,
				Positions: []int{4101, 111},
				Path:      "meters/$/power",
				Topic:     base + "/$/power",
				Format:    round1,
			},
			{
				Attribute: "energy",
				Positions: []int{4103},
				Path:      "meters/$/total",
				Topic:     base + "/$/energy",
				Format:    round2,
				FormatBy:  energySteps,
			},
		},
	}
}

// emeterUnit is one clamp of an energy meter.
func emeterUnit(ch int) device.Unit {
	rule := func(attr string, pos int, field string, steps []string) fieldmap.Rule {
		return fieldmap.Rule{
			Attribute: attr,
			Positions: []int{pos},
			Path:      "emeters/$/" + field,
			Topic:     "emeter/$/" + field,
			Format:    steps,
		}
	}
	return device.Unit{
		Kind:    device.KindPowermeter,
		Name:    "emeter",
		Channel: ch,
		Fields: fieldmap.Map{
			rule(fieldmap.StateAttribute, 4105, "power", round1),
			rule("energy", 4106, "total", round2),
			rule("returned_energy", 4107, "total_returned", round2),
			rule("voltage", 4108, "voltage", round1),
			rule("current", 4109, "current", round2),
			rule("power_factor", 4110, "pf", round2),
		},
	}
}

// inputUnit is a wall switch or push button input.
func inputUnit(ch int, momentary bool) device.Unit {
	return device.Unit{
		Kind:      device.KindSwitch,
		Channel:   ch,
		Momentary: momentary,
		Fields: fieldmap.Map{
			{
				Attribute: fieldmap.StateAttribute,
				Positions: []int{2101},
				Path:      "inputs/$/input",
				Topic:     "input/$",
				Format:    boolFmt,
			},
			{
				Attribute: "event",
				Positions: []int{2102},
				Path:      "inputs/$/event",
				Topic:     "input_event/$",
				TopicPath: "event",
			},
			{
				Attribute: "event_cnt",
				Positions: []int{2103},
				Path:      "inputs/$/event_cnt",
				Topic:     "input_event/$",
				TopicPath: "event_cnt",
				Format:    floatFmt,
			},
		},
	}
}

func rollerUnit() device.Unit {
	return device.Unit{
		Kind:     device.KindRoller,
		Endpoint: "roller",
		Fields: fieldmap.Map{
			{
				Attribute: fieldmap.StateAttribute,
				Positions: []int{1102},
				Path:      "rollers/0/state",
				Topic:     "roller/0",
			},
			{
				Attribute: "position",
				Positions: []int{1103, 113},
				Path:      "rollers/0/current_pos",
				Topic:     "roller/0/pos",
				Format:    floatFmt,
			},
			{
				Attribute: "stop_reason",
				Positions: []int{1104},
				Path:      "rollers/0/stop_reason",
				Topic:     "roller/0/stop_reason",
			},
			{
				Attribute: "last_direction",
				Path:      "rollers/0/last_direction",
			},
			{
				Attribute: "power",
				Positions: []int{4102},
				Path:      "rollers/0/power",
				Topic:     "roller/0/power",
				Format:    round1,
			},
			{
				Attribute: "energy",
				Positions: []int{4104},
				Topic:     "roller/0/energy",
				Format:    round2,
				FormatBy:  map[fieldmap.Transport][]string{fieldmap.MQTT: {"/60", "round:2"}},
			},
		},
	}
}

// lightRules are the on/off and brightness rules shared by every dimmable
// light. base is the HTTP/MQTT endpoint ("light" or "white").
func lightRules(base string) fieldmap.Map {
	return fieldmap.Map{
		{
			Attribute: fieldmap.StateAttribute,
			Positions: []int{1101},
			Path:      "lights/$/ison",
			Topic:     base + "/$",
			Format:    boolFmt,
		},
		{
			Attribute: "brightness",
			Positions: []int{5101},
			Path:      "lights/$/brightness",
			Topic:     base + "/$/status",
			TopicPath: "brightness",
			Format:    floatFmt,
		},
	}
}

func dimmerUnit(ch int) device.Unit {
	return device.Unit{
		Kind:     device.KindDimmer,
		Channel:  ch,
		Endpoint: "light",
		Fields:   lightRules("light"),
	}
}

// whiteUnit is one channel of an LED controller running in white mode.
func whiteUnit(ch int) device.Unit {
	return device.Unit{
		Kind:     device.KindDimmer,
		Channel:  ch,
		Endpoint: "white",
		Fields:   lightRules("white"),
	}
}

func rgbRules(base string) fieldmap.Map {
	rule := func(attr string, pos int) fieldmap.Rule {
		return fieldmap.Rule{
			Attribute: attr,
			Positions: []int{pos},
			Path:      "lights/$/" + attr,
			Topic:     base + "/$/status",
			TopicPath: attr,
			Format:    floatFmt,
		}
	}
	return fieldmap.Map{
		rule("red", 5105),
		rule("green", 5106),
		rule("blue", 5107),
		rule("white", 5108),
	}
}

// colorUnit is an RGBW controller in colour mode. Level is the gain.
func colorUnit() device.Unit {
	fields := fieldmap.Map{
		{
			Attribute: fieldmap.StateAttribute,
			Positions: []int{1101},
			Path:      "lights/$/ison",
			Topic:     "color/$",
			Format:    boolFmt,
		},
		{
			Attribute: "gain",
			Positions: []int{5102},
			Path:      "lights/$/gain",
			Topic:     "color/$/status",
			TopicPath: "gain",
			Format:    floatFmt,
		},
		{
			Attribute: "effect",
			Positions: []int{5109},
			Path:      "lights/$/effect",
			Topic:     "color/$/status",
			TopicPath: "effect",
			Format:    floatFmt,
		},
	}
	fields = append(fields, rgbRules("color")...)
	return device.Unit{Kind: device.KindLight, Endpoint: "color", Fields: fields}
}

// bulbUnit is a colour bulb that switches between colour and white mode on
// the light endpoint.
func bulbUnit() device.Unit {
	fields := lightRules("light")
	fields = append(fields,
		fieldmap.Rule{
			Attribute: "color_temp",
			Positions: []int{5103},
			Path:      "lights/$/temp",
			Topic:     "light/$/status",
			TopicPath: "temp",
			Format:    floatFmt,
		},
		fieldmap.Rule{
			Attribute: "gain",
			Positions: []int{5102},
			Path:      "lights/$/gain",
			Topic:     "light/$/status",
			TopicPath: "gain",
			Format:    floatFmt,
		},
		fieldmap.Rule{
			Attribute: "mode",
			Path:      "lights/$/mode",
			Topic:     "light/$/status",
			TopicPath: "mode",
		},
	)
	fields = append(fields, rgbRules("light")...)
	return device.Unit{Kind: device.KindLight, Endpoint: "light", Fields: fields}
}

// warmUnit is a white filament bulb, tunable when withTemp is set.
func warmUnit(withTemp bool) device.Unit {
	fields := lightRules("light")
	if withTemp {
		fields = append(fields, fieldmap.Rule{
			Attribute: "color_temp",
			Positions: []int{5103},
			Path:      "lights/$/temp",
			Topic:     "light/$/status",
			TopicPath: "temp",
			Format:    floatFmt,
		})
	}
	return device.Unit{Kind: device.KindLight, Endpoint: "light", Fields: fields}
}

// sensorUnit is a single numeric reading. name distinguishes sensors of the
// same device ("temperature", "humidity").
func sensorUnit(name string, positions []int, path, topic string, steps []string) device.Unit {
	return device.Unit{
		Kind: device.KindSensor,
		Name: name,
		Fields: fieldmap.Map{
			{
				Attribute: fieldmap.StateAttribute,
				Positions: positions,
				Path:      path,
				Topic:     topic,
				Format:    steps,
			},
		},
	}
}

func binarySensorUnit(name string, rule fieldmap.Rule) device.Unit {
	rule.Attribute = fieldmap.StateAttribute
	if rule.Format == nil && rule.FormatBy == nil {
		rule.Format = boolFmt
	}
	return device.Unit{
		Kind:   device.KindBinarySensor,
		Name:   name,
		Fields: fieldmap.Map{rule},
	}
}

// extTemperatureUnit reads an add-on DS18B20 probe.
func extTemperatureUnit(ch int) device.Unit {
	u := sensorUnit("ext_temperature", []int{3101}, "ext_temperature/$/tC", "ext_temperature/$", round1)
	u.Channel = ch
	return u
}

func doorWindowUnits() []device.Unit {
	return []device.Unit{
		binarySensorUnit("door", fieldmap.Rule{
			Positions: []int{55, 3108},
			Path:      "sensor/state",
			Topic:     "sensor/state",
			Format:    boolFmt,
			FormatBy: map[fieldmap.Transport][]string{
				fieldmap.HTTP: {"eq:open"},
				fieldmap.MQTT: {"eq:open"},
			},
		}),
		sensorUnit("illuminance", []int{66, 3106}, "lux/value", "sensor/lux", floatFmt),
		sensorUnit("tilt", []int{88, 3109}, "accel/tilt", "sensor/tilt", floatFmt),
		binarySensorUnit("vibration", fieldmap.Rule{
			Positions: []int{99, 6110},
			Path:      "accel/vibration",
			Topic:     "sensor/vibration",
			AutoReset: &fieldmap.AutoReset{Value: false, After: vibrationHold},
		}),
	}
}

// units concatenates unit groups in order behind the info unit.
func units(battery bool, groups ...[]device.Unit) []device.Unit {
	out := []device.Unit{infoUnit(battery)}
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func one(u ...device.Unit) []device.Unit {
	return u
}
