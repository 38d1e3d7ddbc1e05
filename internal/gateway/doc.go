// Package gateway connects the device transports to the device engine.
//
// It owns the worker goroutines of a running bridge:
//   - the CoIoT multicast listener and the embedded MQTT broker, whose
//     messages become fact batches;
//   - the status poller, which reads GET /status from mains devices;
//   - candidate resolution, which turns mDNS names, CoIoT announcements and
//     MQTT announces into composed devices;
//   - the maintenance loop for auto-reset attributes and availability.
//
// Every engine change goes through one queue that publishes retained state
// to the upstream MQTT bus, writes state history and InfluxDB points, and
// keeps the device table in SQLite current.
//
// Commands are routed to the first transport that can deliver them: the
// embedded broker, the external broker, then HTTP.
package gateway
