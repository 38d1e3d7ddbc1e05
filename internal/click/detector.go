package click

import (
	"strings"
	"sync"
	"time"
)

// Gesture events.
const (
	EventClick     = "click"
	EventHoldStart = "hold_start"
	EventHoldStop  = "hold_stop"
)

// DefaultDebounce is the quiet period after the last event before a click
// gesture is emitted.
const DefaultDebounce = 700 * time.Millisecond

// duplicateHoldWindow is how long a sleeping button's hold counter is
// remembered.
const duplicateHoldWindow = 10 * time.Second

// maxSynthesized caps how many missed events one counter jump may replay.
const maxSynthesized = 10

// Logger defines the logging interface used by the Detector.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Key identifies one input unit.
type Key struct {
	DeviceID string
	UnitID   string
}

// Profile describes the input hardware.
type Profile struct {
	// Momentary inputs are push buttons that report holds as "L".
	Momentary bool
	// Sleeping inputs belong to battery devices that only wake to report.
	Sleeping bool
}

// Observation is one reading of an input.
type Observation struct {
	State   bool
	Symbol  string
	Counter int
	Profile Profile
}

// Gesture is one emitted result.
type Gesture struct {
	Key     Key
	Event   string
	Count   int
	Pattern string // raw symbol sequence, momentary inputs only
	At      time.Time
}

// Attributes returns the canonical unit attributes a gesture sets.
func (g Gesture) Attributes() map[string]any {
	return map[string]any{
		"click_event":   g.Event,
		"click_count":   g.Count,
		"click_pattern": g.Pattern,
		"click_at":      g.At.UTC().Format(time.RFC3339Nano),
	}
}

// Options configures a Detector.
type Options struct {
	Debounce time.Duration
	Sink     func(Gesture)
	Logger   Logger
}

type stopper interface {
	Stop() bool
}

type state struct {
	counter int
	symbol  string
	on      bool

	profile Profile

	count   int
	pattern []string
	holding bool

	timer stopper
	gen   uint64
}

type heldCounter struct {
	counter int
	at      time.Time
}

// Detector is the click pattern state machine for every input unit.
//
// Thread Safety: Observe may be called from any goroutine. The sink is
// called without the detector lock held, from the observing goroutine or a
// timer goroutine.
type Detector struct {
	mu     sync.Mutex
	states map[Key]*state
	holds  map[Key]heldCounter

	debounce time.Duration
	sink     func(Gesture)
	logger   Logger

	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper
}

// NewDetector creates a Detector.
func NewDetector(opts Options) *Detector {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Sink == nil {
		opts.Sink = func(Gesture) {}
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	return &Detector{
		states:   make(map[Key]*state),
		holds:    make(map[Key]heldCounter),
		debounce: opts.Debounce,
		sink:     opts.Sink,
		logger:   opts.Logger,
		now:      time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// Observe feeds one input reading into the state machine.
func (d *Detector) Observe(key Key, obs Observation) {
	d.mu.Lock()
	out := d.observe(key, obs)
	d.mu.Unlock()

	for _, g := range out {
		d.emit(g)
	}
}

func (d *Detector) observe(key Key, obs Observation) []Gesture {
	st, ok := d.states[key]
	if !ok {
		st = &state{counter: obs.Counter, symbol: obs.Symbol, on: obs.State}
		d.states[key] = st
		if !obs.Profile.Sleeping {
			// Baseline only.
			return nil
		}
		// A sleeping device woke up to report this very event.
		st.counter = obs.Counter - 1
	}
	st.profile = obs.Profile

	delta := obs.Counter - st.counter
	switch {
	case delta == 0:
		return d.sameCounter(key, st, obs)
	case delta < 0:
		// Counter reset by a reboot.
		d.logger.Debug("input counter went backwards, re-baselining",
			"device_id", key.DeviceID, "unit_id", key.UnitID, "from", st.counter, "to", obs.Counter)
		d.stopTimer(st)
		d.states[key] = &state{counter: obs.Counter, symbol: obs.Symbol, on: obs.State, profile: obs.Profile}
		return nil
	}

	if delta > maxSynthesized {
		d.logger.Debug("input counter jump truncated, missed events dropped",
			"device_id", key.DeviceID, "unit_id", key.UnitID,
			"from", st.counter, "to", obs.Counter, "replayed", maxSynthesized)
		delta = maxSynthesized
	}
	symbols := expand(obs.Symbol)

	var out []Gesture
	for range delta {
		for _, sym := range symbols {
			out = append(out, d.apply(key, st, obs, sym)...)
		}
	}

	st.counter = obs.Counter
	st.symbol = obs.Symbol
	st.on = obs.State

	if st.count > 0 && !st.holding {
		d.arm(key, st)
	}
	return out
}

// sameCounter handles a reading whose counter did not move.
func (d *Detector) sameCounter(key Key, st *state, obs Observation) []Gesture {
	if obs.State == st.on {
		return nil
	}
	st.on = obs.State

	if st.holding && obs.Profile.Momentary && !obs.State {
		return []Gesture{d.finishHold(key, st, obs.Profile)}
	}

	st.count++
	d.arm(key, st)
	return nil
}

func (d *Detector) apply(key Key, st *state, obs Observation, sym string) []Gesture {
	switch sym {
	case "L":
		if !obs.Profile.Momentary {
			st.count++
			return nil
		}
		return d.startHold(key, st, obs)

	default:
		if st.on == obs.State {
			st.count += 2
		} else {
			st.count++
		}
		st.on = obs.State
		if obs.Profile.Momentary {
			st.pattern = append(st.pattern, sym)
		}
		return nil
	}
}

func (d *Detector) startHold(key Key, st *state, obs Observation) []Gesture {
	if obs.Profile.Sleeping {
		now := d.now()
		if prev, ok := d.holds[key]; ok && prev.counter == obs.Counter && now.Sub(prev.at) < duplicateHoldWindow {
			d.logger.Debug("suppressing repeated hold from sleeping input",
				"device_id", key.DeviceID, "unit_id", key.UnitID, "counter", obs.Counter)
			d.reset(key, st, obs.Profile)
			return nil
		}
		d.holds[key] = heldCounter{counter: obs.Counter, at: now}
	}

	// The press edge that preceded the hold is part of the hold.
	d.stopTimer(st)
	st.count = 0
	st.pattern = []string{"L"}
	st.holding = true

	out := []Gesture{{Key: key, Event: EventHoldStart, Pattern: "L", At: d.now()}}
	if !obs.State {
		// Already released by the time it was reported.
		out = append(out, d.finishHold(key, st, obs.Profile))
	}
	return out
}

func (d *Detector) finishHold(key Key, st *state, p Profile) Gesture {
	g := Gesture{Key: key, Event: EventHoldStop, Pattern: strings.Join(st.pattern, ""), At: d.now()}
	d.reset(key, st, p)
	return g
}

func (d *Detector) arm(key Key, st *state) {
	d.stopTimer(st)
	st.gen++
	gen := st.gen
	st.timer = d.afterFunc(d.debounce, func() { d.fire(key, gen) })
}

func (d *Detector) stopTimer(st *state) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.gen++
}

// fire emits the accumulated click once the debounce window elapses.
func (d *Detector) fire(key Key, gen uint64) {
	d.mu.Lock()
	st, ok := d.states[key]
	if !ok || st.gen != gen || st.holding || st.count == 0 {
		d.mu.Unlock()
		return
	}
	st.timer = nil

	g := Gesture{Key: key, Event: EventClick, Count: st.count, Pattern: strings.Join(st.pattern, ""), At: d.now()}
	d.reset(key, st, st.profile)
	d.mu.Unlock()

	d.emit(g)
}

// reset clears the accumulated gesture. Sleeping inputs lose their record.
func (d *Detector) reset(key Key, st *state, p Profile) {
	st.count = 0
	st.pattern = nil
	st.holding = false
	if p.Sleeping {
		delete(d.states, key)
	}
}

func (d *Detector) emit(g Gesture) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("gesture sink panicked", "device_id", g.Key.DeviceID, "unit_id", g.Key.UnitID, "panic", r)
		}
	}()
	d.logger.Debug("gesture", "device_id", g.Key.DeviceID, "unit_id", g.Key.UnitID,
		"event", g.Event, "count", g.Count, "pattern", g.Pattern)
	d.sink(g)
}

// Forget drops every record of one device, cancelling pending gestures.
func (d *Detector) Forget(deviceID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, st := range d.states {
		if key.DeviceID == deviceID {
			d.stopTimer(st)
			delete(d.states, key)
		}
	}
	for key := range d.holds {
		if key.DeviceID == deviceID {
			delete(d.holds, key)
		}
	}
}

// Stop cancels every pending gesture.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, st := range d.states {
		d.stopTimer(st)
		delete(d.states, key)
	}
}

// expand splits a composite symbol ("SS", "SL") into single symbols. An
// empty symbol counts as one short press.
func expand(symbol string) []string {
	if symbol == "" {
		return []string{"S"}
	}
	out := make([]string, 0, len(symbol))
	for _, r := range symbol {
		out = append(out, string(r))
	}
	return out
}
