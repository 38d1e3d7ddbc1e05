package shellyhttp

import "errors"

var (
	// ErrUnauthorized is returned when the device rejects the credentials.
	ErrUnauthorized = errors.New("shellyhttp: unauthorized")

	// ErrBadStatus is returned for any other non-2xx answer.
	ErrBadStatus = errors.New("shellyhttp: unexpected status")

	// ErrNotShelly is returned by Identify when /shelly lacks a type or MAC.
	ErrNotShelly = errors.New("shellyhttp: not a shelly device")
)
