// Package click turns the raw input event counters reported by Shelly
// inputs into debounced gestures.
//
// Inputs report a boolean state, the last event symbol ("S" short, "L" long,
// or composites such as "SS") and a monotonic event counter. The Detector
// keeps one small state record per input unit, accumulates a click count
// while events keep arriving within the debounce window, and emits a single
// Gesture once the input goes quiet.
//
// Momentary buttons report holds as "L": the Detector emits hold_start at
// once and hold_stop on release, with a click count of zero.
//
// Battery powered buttons wake only to report. Their first event is counted
// rather than used as a baseline and their state is dropped after every
// gesture. Some firmware repeats the same counter for a hold shortly after
// waking; a second hold with the same counter within ten seconds is
// suppressed for sleeping momentary inputs only.
package click
