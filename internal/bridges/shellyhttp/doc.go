// Package shellyhttp is the HTTP client used to poll and command devices.
//
// Every request is a plain GET with a bounded timeout and Connection: close,
// since the devices handle very few concurrent sockets. A 401 answer is
// retried once with the configured basic-auth credentials.
//
// Failures are reported as ok=false rather than errors: the gateway treats
// an unreachable device as a missing fact, never as a fault.
package shellyhttp
