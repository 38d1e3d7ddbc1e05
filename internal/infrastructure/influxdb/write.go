package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// MeasurementDeviceMetrics is the measurement every unit change is written to.
const MeasurementDeviceMetrics = "device_metrics"

// UnitTags identify the series of one unit.
type UnitTags struct {
	DeviceID   string
	DeviceType string
	UnitID     string
	Kind       string
}

func (t UnitTags) tags() map[string]string {
	tags := map[string]string{
		"device_id": t.DeviceID,
		"unit_id":   t.UnitID,
	}
	if t.DeviceType != "" {
		tags["device_type"] = t.DeviceType
	}
	if t.Kind != "" {
		tags["kind"] = t.Kind
	}
	return tags
}

// UnitFields keeps the values that can be graphed. Numbers become floats and
// booleans become 0/1, so a field never changes type between points; strings
// and nil are dropped.
func UnitFields(values map[string]any) map[string]any {
	fields := make(map[string]any, len(values))
	for k, v := range values {
		if f, ok := toFloat(v); ok {
			fields[k] = f
		}
	}
	return fields
}

// WriteUnit writes one device_metrics point for a unit change.
// Nothing is written when no value is numeric or boolean.
//
// Example:
//
//	client.WriteUnit(influxdb.UnitTags{DeviceID: "A4CF12F454A3", UnitID: "powermeter-0"},
//	    map[string]any{"state": 12.3, "energy": 500.0}, time.Now())
func (c *Client) WriteUnit(tags UnitTags, values map[string]any, at time.Time) bool {
	fields := UnitFields(values)
	if len(fields) == 0 {
		return false
	}
	return c.WritePointWithTime(MeasurementDeviceMetrics, tags.tags(), fields, at)
}

// WritePointWithTime writes a custom point. It reports false when the client
// is closed.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]any, timestamp time.Time) bool {
	if !c.IsConnected() {
		return false
	}

	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, timestamp))
	c.queued.Add(1)
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}
