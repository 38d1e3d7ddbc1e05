// Package composer turns a hardware type into the logical units of a device.
//
// A Catalog is an immutable table of Models. Each Model knows its MQTT
// client-id prefix, whether it runs on battery, and for polymorphic hardware
// (Shelly 2, Shelly 2.5, RGBW2) which modes it can be configured in. The
// Composer looks a type up, probes the configured mode once when needed and
// returns a Composition ready to be added to the device engine.
//
// When a transport reveals that a device runs in a different mode than the
// one it was composed with (Catalog.ModeHint), Recompose swaps the units
// through the engine, which releases every callback bound to the old units.
package composer
