package device

import (
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-shellybridge/internal/fieldmap"
)

// Kind is the closed set of logical unit kinds.
type Kind string

// Unit kinds.
const (
	KindInfo         Kind = "info"
	KindRelay        Kind = "relay"
	KindRoller       Kind = "roller"
	KindDimmer       Kind = "dimmer"
	KindLight        Kind = "light"
	KindSensor       Kind = "sensor"
	KindBinarySensor Kind = "binary_sensor"
	KindSwitch       Kind = "switch"
	KindPowermeter   Kind = "powermeter"
)

// AllKinds lists every unit kind.
var AllKinds = []Kind{
	KindInfo, KindRelay, KindRoller, KindDimmer, KindLight,
	KindSensor, KindBinarySensor, KindSwitch, KindPowermeter,
}

// Device is one physical appliance and its logical units.
// This matches the devices table in migrations/20260301_090000_devices.up.sql
// for the persisted fields.
type Device struct {
	// Identity
	ID   string `json:"id"`
	Type string `json:"type"`

	// Network
	Address  string `json:"address,omitempty"`
	MQTTName string `json:"mqtt_name,omitempty"`

	// Mode is the configured mode of polymorphic hardware ("relay", "roller",
	// "color", "white"); empty for everything else.
	Mode string `json:"mode,omitempty"`

	// Freshness
	LastSeen    map[fieldmap.Transport]time.Time `json:"last_seen"`
	LastUpdated time.Time                        `json:"last_updated"`

	// UnavailableAfter is the availability window; zero means always available.
	UnavailableAfter time.Duration `json:"-"`
	Available        bool          `json:"available"`

	Units []Unit `json:"units"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
}

// Sleeping reports whether the device is battery powered and mostly offline.
func (d *Device) Sleeping() bool {
	return d.UnavailableAfter > 0
}

// Unit returns the unit with the given ID.
func (d *Device) Unit(unitID string) (*Unit, bool) {
	for i := range d.Units {
		if d.Units[i].ID == unitID {
			return &d.Units[i], true
		}
	}
	return nil, false
}

// UnitsOfKind returns the units of one kind in composition order.
func (d *Device) UnitsOfKind(kind Kind) []*Unit {
	var out []*Unit
	for i := range d.Units {
		if d.Units[i].Kind == kind {
			out = append(out, &d.Units[i])
		}
	}
	return out
}

// DeepCopy creates a complete independent copy of the Device.
// All map and slice fields are cloned so modifications to the copy
// do not affect the original.
func (d *Device) DeepCopy() *Device {
	if d == nil {
		return nil
	}

	cpy := *d

	if d.LastSeen != nil {
		cpy.LastSeen = make(map[fieldmap.Transport]time.Time, len(d.LastSeen))
		for k, v := range d.LastSeen {
			cpy.LastSeen[k] = v
		}
	}

	if d.Units != nil {
		cpy.Units = make([]Unit, len(d.Units))
		for i := range d.Units {
			cpy.Units[i] = d.Units[i].deepCopy()
		}
	}

	return &cpy
}

// SourceValue is the last value one transport reported for an attribute.
type SourceValue struct {
	Value any       `json:"value"`
	At    time.Time `json:"at"`
}

// Unit is one facet of a device: a relay channel, a roller, a sensor.
//
// State and Attributes hold canonical values and are written only by the
// engine. Sources keeps, per attribute, what each transport last said.
type Unit struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	Name    string `json:"name,omitempty"`
	Channel int    `json:"channel"`

	// Endpoint is the HTTP/MQTT path segment commands go to ("relay",
	// "roller", "light", "color", "white"). Empty for read-only units.
	Endpoint string `json:"-"`

	// Momentary marks push-button inputs that report holds as L events.
	Momentary bool `json:"momentary,omitempty"`

	State      any                                           `json:"state"`
	Attributes map[string]any                                `json:"attributes"`
	Sources    map[string]map[fieldmap.Transport]SourceValue `json:"sources,omitempty"`

	Fields fieldmap.Map `json:"-"`
}

// Value returns a canonical value; "state" returns the unit state.
func (u *Unit) Value(attr string) (any, bool) {
	if attr == fieldmap.StateAttribute {
		return u.State, u.State != nil
	}
	v, ok := u.Attributes[attr]
	return v, ok
}

// LastObserved returns the most recent time any transport reported attr.
func (u *Unit) LastObserved(attr string) time.Time {
	var latest time.Time
	for _, sv := range u.Sources[attr] {
		if sv.At.After(latest) {
			latest = sv.At
		}
	}
	return latest
}

// record stores the per-source snapshot. It is written for every observation,
// changed or not.
func (u *Unit) record(attr string, t fieldmap.Transport, value any, at time.Time) {
	if u.Sources == nil {
		u.Sources = make(map[string]map[fieldmap.Transport]SourceValue)
	}
	if u.Sources[attr] == nil {
		u.Sources[attr] = make(map[fieldmap.Transport]SourceValue)
	}
	u.Sources[attr][t] = SourceValue{Value: value, At: at}
}

// set writes a canonical value and reports whether it changed.
func (u *Unit) set(attr string, value any) bool {
	if attr == fieldmap.StateAttribute {
		if equal(u.State, value) {
			return false
		}
		u.State = value
		return true
	}

	if u.Attributes == nil {
		u.Attributes = make(map[string]any)
	}
	if old, ok := u.Attributes[attr]; ok && equal(old, value) {
		return false
	}
	u.Attributes[attr] = value
	return true
}

func (u *Unit) deepCopy() Unit {
	cpy := *u
	cpy.State = deepCopyValue(u.State)
	cpy.Attributes = deepCopyMap(u.Attributes)

	if u.Sources != nil {
		cpy.Sources = make(map[string]map[fieldmap.Transport]SourceValue, len(u.Sources))
		for attr, bySource := range u.Sources {
			m := make(map[fieldmap.Transport]SourceValue, len(bySource))
			for t, sv := range bySource {
				m[t] = SourceValue{Value: deepCopyValue(sv.Value), At: sv.At}
			}
			cpy.Sources[attr] = m
		}
	}

	// Fields is immutable configuration and is shared.
	return cpy
}

// AssignUnitIDs gives every unit its deterministic ID: "<deviceID>-<kind>"
// when the kind occurs once on the device, "<deviceID>-<kind>-<n>" (1-based,
// composition order) otherwise.
func AssignUnitIDs(deviceID string, units []Unit) {
	counts := make(map[Kind]int)
	for _, u := range units {
		counts[u.Kind]++
	}

	seen := make(map[Kind]int)
	for i := range units {
		kind := units[i].Kind
		seen[kind]++
		if counts[kind] == 1 {
			units[i].ID = deviceID + "-" + string(kind)
			continue
		}
		units[i].ID = deviceID + "-" + string(kind) + "-" + strconv.Itoa(seen[kind])
	}
}

// NormalizeID turns a hardware address into a device ID: separators
// removed, upper-cased.
func NormalizeID(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.NewReplacer(":", "", "-", "").Replace(s)
	return strings.ToUpper(s)
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives are safe to copy by value
		return v
	}
}
