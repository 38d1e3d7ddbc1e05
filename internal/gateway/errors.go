package gateway

import "errors"

// Domain-specific errors for gateway operations.
var (
	// ErrTransportUnavailable is returned when no transport can deliver a command.
	ErrTransportUnavailable = errors.New("gateway: no transport available")

	// ErrInvalidCommand is returned for command payloads that cannot be parsed.
	ErrInvalidCommand = errors.New("gateway: invalid command")

	// ErrNoAddress is returned when a candidate must be identified over HTTP
	// but no address is known yet.
	ErrNoAddress = errors.New("gateway: candidate has no address")
)
