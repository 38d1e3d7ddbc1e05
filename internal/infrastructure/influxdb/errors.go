package influxdb

import "errors"

var (
	// ErrDisabled is returned by Connect when influxdb.enabled is false;
	// the bridge then keeps history in SQLite only.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrConnectionFailed wraps the ping failure from Connect.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is returned after Close.
	ErrNotConnected = errors.New("influxdb: not connected")
)
