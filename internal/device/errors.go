package device

import "errors"

// Lookups wrap these with the missing ID.
var (
	ErrDeviceNotFound = errors.New("device: not found")
	ErrUnitNotFound   = errors.New("device: unit not found")
)

// Command validation. The API answers both with 400.
var (
	// ErrUnsupportedCommand means the action does not exist for the unit
	// kind, e.g. set_level on a relay.
	ErrUnsupportedCommand = errors.New("device: unsupported command")

	// ErrInvalidCommand means the action fits but an argument is out of range.
	ErrInvalidCommand = errors.New("device: invalid command")
)

// ErrInvalidDevice is returned for a device or record without ID or type.
var ErrInvalidDevice = errors.New("device: invalid")
