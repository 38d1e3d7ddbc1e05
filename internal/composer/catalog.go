package composer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nerrad567/gray-logic-shellybridge/internal/device"
	"github.com/nerrad567/gray-logic-shellybridge/internal/fieldmap"
)

// Modes of polymorphic hardware.
const (
	ModeRelay  = "relay"
	ModeRoller = "roller"
	ModeColor  = "color"
	ModeWhite  = "white"
)

// Model describes one hardware type.
type Model struct {
	Type string
	Name string

	// MQTTPrefix is the client-id prefix the device uses on MQTT
	// ("shellyswitch25" in shellyswitch25-AABBCC). Empty when the model
	// cannot be told apart from another by its prefix.
	MQTTPrefix string

	// Battery marks sleeping hardware. Its availability is windowed and it
	// is never probed or polled.
	Battery bool

	// Modes lists the configurable modes of polymorphic hardware, default
	// first. Nil for fixed hardware.
	Modes []string

	// Units builds a fresh unit list for a mode ("" for fixed hardware).
	Units func(mode string) []device.Unit
}

// Polymorphic reports whether the model must be probed before composing.
func (m Model) Polymorphic() bool {
	return len(m.Modes) > 0
}

// normalizeMode maps a probed mode onto one the model knows, falling back to
// the default.
func (m Model) normalizeMode(mode string) string {
	if !m.Polymorphic() {
		return ""
	}
	mode = strings.ToLower(strings.TrimSpace(mode))
	for _, known := range m.Modes {
		if known == mode {
			return mode
		}
	}
	return m.Modes[0]
}

// Catalog is an immutable table of hardware models.
type Catalog struct {
	models   map[string]Model
	prefixes map[string]string
}

// NewCatalog validates models and builds a catalog. Every unit of every mode
// is built once so malformed formatting steps are caught here.
func NewCatalog(models ...Model) (Catalog, error) {
	c := Catalog{
		models:   make(map[string]Model, len(models)),
		prefixes: make(map[string]string, len(models)),
	}

	var errs []error
	for _, m := range models {
		if m.Type == "" || m.Units == nil {
			errs = append(errs, fmt.Errorf("%w: model %q is incomplete", ErrInvalidCatalog, m.Type))
			continue
		}
		if _, dup := c.models[m.Type]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate type %q", ErrInvalidCatalog, m.Type))
			continue
		}
		if m.MQTTPrefix != "" {
			if other, dup := c.prefixes[m.MQTTPrefix]; dup {
				errs = append(errs, fmt.Errorf("%w: prefix %q used by %s and %s",
					ErrInvalidCatalog, m.MQTTPrefix, other, m.Type))
				continue
			}
			c.prefixes[m.MQTTPrefix] = m.Type
		}
		if err := validateModel(m); err != nil {
			errs = append(errs, err)
			continue
		}
		c.models[m.Type] = m
	}

	if len(errs) > 0 {
		return Catalog{}, errors.Join(errs...)
	}
	return c, nil
}

func validateModel(m Model) error {
	modes := m.Modes
	if !m.Polymorphic() {
		modes = []string{""}
	}
	for _, mode := range modes {
		for _, u := range m.Units(mode) {
			for _, r := range u.Fields {
				if err := fieldmap.ValidateSteps(r.Format); err != nil {
					return fmt.Errorf("%w: %s %s.%s: %w", ErrInvalidCatalog, m.Type, u.Kind, r.Attribute, err)
				}
				for t, steps := range r.FormatBy {
					if err := fieldmap.ValidateSteps(steps); err != nil {
						return fmt.Errorf("%w: %s %s.%s (%s): %w", ErrInvalidCatalog, m.Type, u.Kind, r.Attribute, t, err)
					}
				}
			}
		}
	}
	return nil
}

// Lookup returns the model for a hardware type.
func (c Catalog) Lookup(hwType string) (Model, bool) {
	m, ok := c.models[hwType]
	return m, ok
}

// TypeForPrefix maps an MQTT client-id prefix to a hardware type.
func (c Catalog) TypeForPrefix(prefix string) (string, bool) {
	t, ok := c.prefixes[strings.ToLower(prefix)]
	return t, ok
}

// Types returns every known hardware type, sorted.
func (c Catalog) Types() []string {
	out := make([]string, 0, len(c.models))
	for t := range c.models {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ModeHint inspects a fact batch for evidence of the mode polymorphic
// hardware is running in. ok is false when the batch says nothing.
func (c Catalog) ModeHint(hwType string, f fieldmap.Facts) (mode string, ok bool) {
	m, known := c.models[hwType]
	if !known || !m.Polymorphic() {
		return "", false
	}

	var hint string
	switch f.Transport {
	case fieldmap.CoAP:
		hint = coapModeHint(f.Positions)
	case fieldmap.HTTP:
		hint = documentModeHint(f.Document)
	case fieldmap.MQTT:
		hint = mqttModeHint(f.Topic, f.Payload)
	}
	if hint == "" {
		return "", false
	}

	for _, known := range m.Modes {
		if known == hint {
			return hint, true
		}
	}
	return "", false
}

func coapModeHint(positions map[int]any) string {
	has := func(keys ...int) bool {
		for _, k := range keys {
			if _, ok := positions[k]; ok {
				return true
			}
		}
		return false
	}
	switch {
	case has(1102, 1103):
		return ModeRoller
	case has(5105, 5102):
		return ModeColor
	case has(5101):
		return ModeWhite
	case has(1101, 1201):
		return ModeRelay
	}
	return ""
}

func documentModeHint(doc any) string {
	obj, ok := doc.(map[string]any)
	if !ok {
		return ""
	}
	if mode, ok := obj["mode"].(string); ok {
		return strings.ToLower(mode)
	}
	if rollers, ok := obj["rollers"].([]any); ok && len(rollers) > 0 {
		return ModeRoller
	}
	if v, ok := fieldmap.Lookup(obj, "lights/0/mode", 0); ok {
		if mode, ok := v.(string); ok {
			return strings.ToLower(mode)
		}
	}
	if relays, ok := obj["relays"].([]any); ok && len(relays) > 0 {
		return ModeRelay
	}
	return ""
}

func mqttModeHint(topic string, payload []byte) string {
	switch {
	case strings.HasPrefix(topic, "roller/"):
		return ModeRoller
	case strings.HasPrefix(topic, "relay/"):
		return ModeRelay
	case strings.HasPrefix(topic, "color/"):
		return ModeColor
	case strings.HasPrefix(topic, "white/"):
		return ModeWhite
	case topic == "announce" || topic == "info":
		var doc any
		if err := json.Unmarshal(payload, &doc); err != nil {
			return ""
		}
		return documentModeHint(doc)
	}
	return ""
}

// DefaultCatalog returns the catalog of supported generation-1 hardware.
func DefaultCatalog() Catalog {
	c, err := NewCatalog(defaultModels()...)
	if err != nil {
		// The built-in table is static; a failure here is a programming error.
		panic(err)
	}
	return c
}

func fixed(build func() []device.Unit) func(string) []device.Unit {
	return func(string) []device.Unit { return build() }
}

func defaultModels() []Model {
	relayWithMeter := fixed(func() []device.Unit {
		return units(false, one(relayUnit(0), meterUnit(0, "relay"), inputUnit(0, false), extTemperatureUnit(0)))
	})

	plug := fixed(func() []device.Unit {
		return units(false, one(relayUnit(0), meterUnit(0, "relay")))
	})

	return []Model{
		{
			Type: "SHSW-1", Name: "Shelly 1", MQTTPrefix: "shelly1",
			Units: fixed(func() []device.Unit {
				return units(false, one(relayUnit(0), inputUnit(0, false), extTemperatureUnit(0)))
			}),
		},
		{
			Type: "SHSK-1", Name: "Shelly Socket", MQTTPrefix: "shellysocket",
			Units: fixed(func() []device.Unit {
				return units(false, one(relayUnit(0), inputUnit(0, false)))
			}),
		},
		{Type: "SHSW-PM", Name: "Shelly 1 PM", MQTTPrefix: "shelly1pm", Units: relayWithMeter},
		{
			Type: "SHSW-21", Name: "Shelly 2", MQTTPrefix: "shellyswitch",
			Modes: []string{ModeRelay, ModeRoller},
			Units: func(mode string) []device.Unit {
				inputs := one(inputUnit(0, false), inputUnit(1, false))
				if mode == ModeRoller {
					return units(false, one(rollerUnit()), inputs)
				}
				return units(false, one(relayUnit(0), relayUnit(1), meterUnit(0, "relay")), inputs)
			},
		},
		{
			Type: "SHSW-25", Name: "Shelly 2.5", MQTTPrefix: "shellyswitch25",
			Modes: []string{ModeRelay, ModeRoller},
			Units: func(mode string) []device.Unit {
				inputs := one(inputUnit(0, false), inputUnit(1, false))
				if mode == ModeRoller {
					return units(false, one(rollerUnit()), inputs)
				}
				return units(false,
					one(relayUnit(0), relayUnit(1), meterUnit(0, "relay"), meterUnit(1, "relay")),
					inputs)
			},
		},
		{Type: "SHPLG-1", Name: "Shelly Plug", MQTTPrefix: "shellyplug", Units: plug},
		{Type: "SHPLG2-1", Name: "Shelly Plug", Units: plug},
		{Type: "SHPLG-S", Name: "Shelly Plug S", MQTTPrefix: "shellyplug-s", Units: plug},
		{
			Type: "SHEM", Name: "Shelly EM", MQTTPrefix: "shellyem",
			Units: fixed(func() []device.Unit {
				return units(false, one(relayUnit(0), emeterUnit(0), emeterUnit(1)))
			}),
		},
		{
			Type: "SHEM-3", Name: "Shelly 3EM", MQTTPrefix: "shellyem3",
			Units: fixed(func() []device.Unit {
				return units(false, one(relayUnit(0), emeterUnit(0), emeterUnit(1), emeterUnit(2)))
			}),
		},
		{
			Type: "SHSW-44", Name: "Shelly 4 Pro", MQTTPrefix: "shelly4pro",
			Units: fixed(func() []device.Unit {
				var out []device.Unit
				for ch := range 4 {
					out = append(out, relayUnit(ch), meterUnit(ch, "relay"), inputUnit(ch, false))
				}
				return units(false, out)
			}),
		},
		{Type: "SHDM-1", Name: "Shelly Dimmer", MQTTPrefix: "shellydimmer", Units: fixed(dimmerUnits)},
		{Type: "SHDM-2", Name: "Shelly Dimmer 2", MQTTPrefix: "shellydimmer2", Units: fixed(dimmerUnits)},
		{
			Type: "SHBLB-1", Name: "Shelly Bulb", MQTTPrefix: "shellybulb",
			Units: fixed(func() []device.Unit { return units(false, one(bulbUnit())) }),
		},
		{
			Type: "SHCL-255", Name: "Shelly Bulb RGBW", MQTTPrefix: "shellycolorbulb",
			Units: fixed(func() []device.Unit { return units(false, one(bulbUnit(), meterUnit(0, "light"))) }),
		},
		{
			Type: "SHRGBW2", Name: "Shelly RGBW2", MQTTPrefix: "shellyrgbw2",
			Modes: []string{ModeColor, ModeWhite},
			Units: func(mode string) []device.Unit {
				if mode == ModeWhite {
					var out []device.Unit
					for ch := range 4 {
						out = append(out, whiteUnit(ch), meterUnit(ch, "white"))
					}
					return units(false, out, one(inputUnit(0, false)))
				}
				return units(false, one(colorUnit(), meterUnit(0, "color"), inputUnit(0, false)))
			},
		},
		{
			Type: "SHRGBWW-01", Name: "Shelly RGBWW", MQTTPrefix: "shellyrgbww",
			Units: fixed(func() []device.Unit { return units(false, one(colorUnit())) }),
		},
		{
			Type: "SH2LED-1", Name: "Shelly 2LED", MQTTPrefix: "shelly2led",
			Units: fixed(func() []device.Unit { return units(false, one(whiteUnit(0), whiteUnit(1))) }),
		},
		{
			Type: "SHBDUO-1", Name: "Shelly Duo", MQTTPrefix: "shellybulbduo",
			Units: fixed(func() []device.Unit { return units(false, one(warmUnit(true), meterUnit(0, "light"))) }),
		},
		{
			Type: "SHVIN-1", Name: "Shelly Vintage", MQTTPrefix: "shellyvintage",
			Units: fixed(func() []device.Unit { return units(false, one(warmUnit(false), meterUnit(0, "light"))) }),
		},
		{
			Type: "SHHT-1", Name: "Shelly H&T", MQTTPrefix: "shellyht", Battery: true,
			Units: fixed(func() []device.Unit {
				return units(true, one(
					sensorUnit("temperature", []int{33, 3101}, "tmp/tC", "sensor/temperature", round1),
					sensorUnit("humidity", []int{44, 3103}, "hum/value", "sensor/humidity", round1),
				))
			}),
		},
		{
			Type: "SHWT-1", Name: "Shelly Flood", MQTTPrefix: "shellyflood", Battery: true,
			Units: fixed(func() []device.Unit {
				return units(true, one(
					binarySensorUnit("flood", fieldmap.Rule{
						Positions: []int{6106},
						Path:      "flood",
						Topic:     "sensor/flood",
					}),
					sensorUnit("temperature", []int{33, 3101}, "tmp/tC", "sensor/temperature", round1),
				))
			}),
		},
		{
			Type: "SHDW-1", Name: "Shelly Door/Window", MQTTPrefix: "shellydw", Battery: true,
			Units: fixed(func() []device.Unit { return units(true, doorWindowUnits()) }),
		},
		{
			Type: "SHDW-2", Name: "Shelly Door/Window 2", MQTTPrefix: "shellydw2", Battery: true,
			Units: fixed(func() []device.Unit {
				return units(true, doorWindowUnits(),
					one(sensorUnit("temperature", []int{3101}, "tmp/tC", "sensor/temperature", round1)))
			}),
		},
		{
			Type: "SHBTN-1", Name: "Shelly Button", MQTTPrefix: "shellybutton1", Battery: true,
			Units: fixed(func() []device.Unit { return units(true, one(inputUnit(0, true))) }),
		},
		{
			Type: "SHIX3-1", Name: "Shelly i3", MQTTPrefix: "shellyix3",
			Units: fixed(func() []device.Unit {
				return units(false, one(inputUnit(0, true), inputUnit(1, true), inputUnit(2, true)))
			}),
		},
		{
			Type: "SHGS-1", Name: "Shelly Gas", MQTTPrefix: "shellygas",
			Units: fixed(func() []device.Unit {
				return units(false, one(
					sensorUnit("gas", []int{3107, 119}, "gas_sensor/alarm_state", "sensor/gas", nil),
					sensorUnit("concentration", []int{3108, 122}, "concentration/ppm", "sensor/concentration", floatFmt),
				))
			}),
		},
		{
			Type: "SHAIR-1", Name: "Shelly Air", MQTTPrefix: "shellyair",
			Units: fixed(func() []device.Unit {
				return units(false,
					one(relayUnit(0), meterUnit(0, "relay"), inputUnit(0, false)),
					one(sensorUnit("temperature", []int{3101, 119}, "ext_temperature/0/tC", "ext_temperature/0", round1)),
				)
			}),
		},
	}
}

func dimmerUnits() []device.Unit {
	return units(false, one(
		dimmerUnit(0),
		meterUnit(0, "light"),
		inputUnit(0, false),
		inputUnit(1, false),
	))
}
