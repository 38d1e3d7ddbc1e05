package coap

import "errors"

// Domain errors for the CoIoT listener.
var (
	// ErrMalformedTelemetry is returned for a datagram that cannot be decoded.
	// The listener logs it and drops the datagram.
	ErrMalformedTelemetry = errors.New("coap: malformed telemetry")

	// ErrNotListening is returned by Discover before Run has opened the socket.
	ErrNotListening = errors.New("coap: listener not running")
)
