// Package fieldmap holds the declarative rules that turn raw transport facts
// into canonical attribute values.
//
// A Rule names where one attribute lives in each transport's shape:
//
//   - CoIoT: one or more positional keys, shifted per channel
//   - HTTP:  a slash path into the /status document, "$" is the channel
//   - MQTT:  a topic suffix, "$" is the channel, optionally with a path into
//     a JSON payload
//
// and the formatting pipeline applied to whatever was found. Rules and Facts
// are plain values; nothing here holds state.
package fieldmap
