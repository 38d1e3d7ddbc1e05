// Package broker implements the small MQTT 3.1.1 server that Shelly devices
// connect to directly.
//
// Only the frames devices actually send are understood: CONNECT, PUBLISH,
// SUBSCRIBE, PINGREQ and DISCONNECT. Every other frame type is logged and
// ignored. Each connection is a three state machine:
//
//	AwaitingConnect --CONNECT ok--> Open --DISCONNECT / bad frame / EOF--> Closed
//
// Right after CONNACK the broker publishes "announce" on shellies/command so
// the device reports its full state at once. There is no subscription
// matching or retained storage; the gateway addresses a device by the client
// id it presented in CONNECT.
//
// A malformed frame closes only the offending connection.
package broker
