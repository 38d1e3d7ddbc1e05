// Package influxdb records unit history in InfluxDB.
//
// Every canonical unit change with numeric or boolean values becomes one
// device_metrics point tagged with device_id, device_type, unit_id and kind.
// The state field carries the unit state; other fields are the unit's
// attributes (power, energy, temperature, battery, ...).
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, influxdb.WithDefaultTag("site", cfg.Site.ID))
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.WriteUnit(influxdb.UnitTags{DeviceID: id, UnitID: "relay-0", Kind: "relay"},
//	    map[string]any{"state": true, "overpower": false}, time.Now())
//
// Writes are non-blocking and batched (batch_size, flush_interval).
// Asynchronous write failures are reported through SetOnError.
package influxdb
