// Package coap receives CoIoT telemetry: the CoAP-framed status and hello
// datagrams Shelly devices multicast to 224.0.1.187:5683.
//
// Decode is a pure function over one datagram. Listener owns the socket,
// keeps the multicast membership alive and never lets one bad datagram stop
// the receive loop.
package coap
