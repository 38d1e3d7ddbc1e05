package broker

import "errors"

// Domain errors for the embedded broker.
var (
	// ErrMalformedLength is returned when a remaining-length field keeps its
	// continuation bit set past the fourth byte.
	ErrMalformedLength = errors.New("broker: malformed remaining length")

	// ErrLengthTooLarge is returned when encoding a length above the protocol ceiling.
	ErrLengthTooLarge = errors.New("broker: length exceeds protocol maximum")

	// ErrProtocolViolation is returned for any frame that breaks the wire
	// format. The offending connection is closed; others are unaffected.
	ErrProtocolViolation = errors.New("broker: protocol violation")

	// ErrServerClosed is returned by Serve after Close.
	ErrServerClosed = errors.New("broker: server closed")
)
