package device

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/gray-logic-shellybridge/internal/fieldmap"
)

// Logger defines the logging interface used by the Engine.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Reason says what produced a Change.
type Reason string

// Change reasons.
const (
	ReasonFacts        Reason = "facts"
	ReasonGesture      Reason = "gesture"
	ReasonExpire       Reason = "expire"
	ReasonAvailability Reason = "availability"
	ReasonAdded        Reason = "added"
	ReasonRecomposed   Reason = "recomposed"
	ReasonRemoved      Reason = "removed"
)

// Change is delivered to subscribers at most once per applied batch.
type Change struct {
	Device    Device
	Units     []string // IDs of units whose canonical values changed
	Reason    Reason
	Transport fieldmap.Transport // set for ReasonFacts

	// Seq orders changes engine-wide. It is stamped under the device lock,
	// so a later change of one device always carries a larger Seq.
	Seq uint64
}

// UnitListener observes one unit. OnRelease runs when the unit is destroyed
// by recomposition or device removal; the listener is never called again.
type UnitListener struct {
	OnChange  func(Unit)
	OnRelease func()
}

// NewDevice describes a device being added to the engine.
type NewDevice struct {
	ID               string
	Type             string
	Address          string
	Mode             string
	MQTTName         string
	UnavailableAfter time.Duration
	Units            []Unit
	CreatedAt        time.Time
}

type entry struct {
	mu        sync.Mutex
	dev       *Device
	listeners map[string][]*UnitListener

	// delivered is the Seq of the newest change handed to callbacks.
	delivered atomic.Uint64
}

type pendingUnit struct {
	unit      Unit
	listeners []*UnitListener
}

// Engine is the reconciliation engine and the single owner of canonical
// device state. Transports hand it fact batches; it resolves each FieldMap
// rule, records per-source snapshots, updates canonical values that differ
// and notifies subscribers once per batch.
//
// Thread Safety: one RWMutex guards the device table and one mutex guards
// each device. Subscribers and unit listeners are called after the device
// lock is released and may call back into the engine.
type Engine struct {
	mu      sync.RWMutex
	devices map[string]*entry

	subsMu  sync.RWMutex
	subs    map[int]func(Change)
	nextSub int

	seq atomic.Uint64

	now func() time.Time

	logger   Logger
	loggerMu sync.RWMutex
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	return &Engine{
		devices: make(map[string]*entry),
		subs:    make(map[int]func(Change)),
		now:     time.Now,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger for the engine.
func (e *Engine) SetLogger(logger Logger) {
	e.loggerMu.Lock()
	defer e.loggerMu.Unlock()
	e.logger = logger
}

func (e *Engine) log() Logger {
	e.loggerMu.RLock()
	defer e.loggerMu.RUnlock()
	return e.logger
}

// Subscribe registers fn for every Change. The returned function removes it.
func (e *Engine) Subscribe(fn func(Change)) (unsubscribe func()) {
	e.subsMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subsMu.Unlock()

	return func() {
		e.subsMu.Lock()
		delete(e.subs, id)
		e.subsMu.Unlock()
	}
}

// OnUnitChange registers a listener on one unit. The returned function
// detaches it without calling OnRelease.
func (e *Engine) OnUnitChange(deviceID, unitID string, l *UnitListener) (func(), error) {
	ent, err := e.lookup(deviceID)
	if err != nil {
		return nil, err
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if _, ok := ent.dev.Unit(unitID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnitNotFound, unitID)
	}
	ent.listeners[unitID] = append(ent.listeners[unitID], l)

	return func() {
		ent.mu.Lock()
		defer ent.mu.Unlock()
		list := ent.listeners[unitID]
		for i, x := range list {
			if x == l {
				ent.listeners[unitID] = append(list[:i:i], list[i+1:]...)
				return
			}
		}
	}, nil
}

// AddDevice creates a device with its composed units. If the ID is already
// known the existing device is returned and created is false.
func (e *Engine) AddDevice(nd NewDevice) (dev Device, created bool, err error) {
	if nd.ID == "" {
		return Device{}, false, fmt.Errorf("%w: empty id", ErrInvalidDevice)
	}

	e.mu.Lock()
	if ent, ok := e.devices[nd.ID]; ok {
		e.mu.Unlock()
		ent.mu.Lock()
		defer ent.mu.Unlock()
		return *ent.dev.DeepCopy(), false, nil
	}

	units := append([]Unit(nil), nd.Units...)
	AssignUnitIDs(nd.ID, units)

	createdAt := nd.CreatedAt
	if createdAt.IsZero() {
		createdAt = e.now()
	}

	d := &Device{
		ID:               nd.ID,
		Type:             nd.Type,
		Address:          nd.Address,
		Mode:             nd.Mode,
		MQTTName:         nd.MQTTName,
		LastSeen:         make(map[fieldmap.Transport]time.Time),
		UnavailableAfter: nd.UnavailableAfter,
		Units:            units,
		CreatedAt:        createdAt,
	}
	d.Available = availableAt(d, e.now())

	ent := &entry{dev: d, listeners: make(map[string][]*UnitListener)}
	e.devices[nd.ID] = ent
	snap := *d.DeepCopy()
	seq := e.seq.Add(1)
	e.mu.Unlock()

	e.log().Info("device added", "device_id", nd.ID, "type", nd.Type, "units", len(units))
	e.deliver(ent, Change{Device: snap, Units: unitIDs(snap.Units), Reason: ReasonAdded, Seq: seq}, nil)
	return snap, true, nil
}

// ReplaceUnits swaps the device's units for a new composition. Listeners on
// the old units are released. Canonical values start empty.
func (e *Engine) ReplaceUnits(deviceID, mode string, units []Unit) (Device, error) {
	ent, err := e.lookup(deviceID)
	if err != nil {
		return Device{}, err
	}

	fresh := append([]Unit(nil), units...)
	AssignUnitIDs(deviceID, fresh)

	ent.mu.Lock()
	released := ent.listeners
	ent.listeners = make(map[string][]*UnitListener)
	ent.dev.Units = fresh
	ent.dev.Mode = mode
	snap := *ent.dev.DeepCopy()
	seq := e.seq.Add(1)
	ent.mu.Unlock()

	release(released)

	e.log().Info("device recomposed", "device_id", deviceID, "mode", mode, "units", len(fresh))
	e.deliver(ent, Change{Device: snap, Units: unitIDs(snap.Units), Reason: ReasonRecomposed, Seq: seq}, nil)
	return snap, nil
}

// RemoveDevice deletes a device and releases all its unit listeners.
func (e *Engine) RemoveDevice(deviceID string) error {
	e.mu.Lock()
	ent, ok := e.devices[deviceID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	delete(e.devices, deviceID)
	e.mu.Unlock()

	ent.mu.Lock()
	released := ent.listeners
	ent.listeners = make(map[string][]*UnitListener)
	snap := *ent.dev.DeepCopy()
	seq := e.seq.Add(1)
	ent.mu.Unlock()

	release(released)

	e.log().Info("device removed", "device_id", deviceID)
	e.deliver(ent, Change{Device: snap, Reason: ReasonRemoved, Seq: seq}, nil)
	return nil
}

// ApplyFacts reconciles one batch of facts into the device.
//
// For every rule of every unit the raw value is located, formatted and
// recorded as the transport's snapshot; the canonical value is replaced
// only when it differs. Missing values are skipped, never cleared.
//
// Returns:
//   - Device: snapshot after the batch
//   - bool: true when any canonical value or availability changed
//   - error: ErrDeviceNotFound, or joined rule errors (the batch is still applied)
func (e *Engine) ApplyFacts(deviceID string, f fieldmap.Facts) (Device, bool, error) {
	ent, err := e.lookup(deviceID)
	if err != nil {
		return Device{}, false, err
	}

	at := f.At
	if at.IsZero() {
		at = e.now()
	}

	ent.mu.Lock()
	d := ent.dev
	if f.Address != "" {
		d.Address = f.Address
	}
	d.LastSeen[f.Transport] = at
	if at.After(d.LastUpdated) {
		d.LastUpdated = at
	}

	var (
		dirty []int
		errs  []error
	)
	for i := range d.Units {
		u := &d.Units[i]
		changed := false
		for _, rule := range u.Fields {
			value, ok, err := rule.Extract(f, u.Channel)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s %s: %w", u.ID, rule.Attribute, err))
				continue
			}
			if !ok {
				continue
			}
			u.record(rule.Attribute, f.Transport, value, at)
			if u.set(rule.Attribute, value) {
				changed = true
			}
		}
		if changed && derive(u) {
			changed = true
		}
		if changed {
			dirty = append(dirty, i)
		}
	}

	availChanged := false
	if now := availableAt(d, e.now()); now != d.Available {
		d.Available = now
		availChanged = true
	}

	changed := len(dirty) > 0 || availChanged
	snap, pending := ent.collect(dirty)
	var seq uint64
	if changed {
		seq = e.seq.Add(1)
	}
	ent.mu.Unlock()

	if changed {
		e.deliver(ent, Change{Device: snap, Units: pendingIDs(pending), Reason: ReasonFacts, Transport: f.Transport, Seq: seq}, pending)
	}
	return snap, changed, errors.Join(errs...)
}

// ApplyGesture folds derived attributes (click results) into a unit.
func (e *Engine) ApplyGesture(deviceID, unitID string, attrs map[string]any) (Device, bool, error) {
	ent, err := e.lookup(deviceID)
	if err != nil {
		return Device{}, false, err
	}

	ent.mu.Lock()
	idx := -1
	for i := range ent.dev.Units {
		if ent.dev.Units[i].ID == unitID {
			idx = i
			break
		}
	}
	if idx < 0 {
		ent.mu.Unlock()
		return Device{}, false, fmt.Errorf("%w: %s", ErrUnitNotFound, unitID)
	}

	u := &ent.dev.Units[idx]
	changed := false
	for _, name := range sortedKeys(attrs) {
		if u.set(name, attrs[name]) {
			changed = true
		}
	}

	var dirty []int
	if changed {
		dirty = []int{idx}
	}
	snap, pending := ent.collect(dirty)
	var seq uint64
	if changed {
		seq = e.seq.Add(1)
	}
	ent.mu.Unlock()

	if changed {
		e.deliver(ent, Change{Device: snap, Units: []string{unitID}, Reason: ReasonGesture, Seq: seq}, pending)
	}
	return snap, changed, nil
}

// SetMQTTName records the broker client name learned from MQTT traffic.
func (e *Engine) SetMQTTName(deviceID, name string) (bool, error) {
	ent, err := e.lookup(deviceID)
	if err != nil {
		return false, err
	}

	ent.mu.Lock()
	defer ent.mu.Unlock()
	if name == "" || ent.dev.MQTTName == name {
		return false, nil
	}
	ent.dev.MQTTName = name
	return true, nil
}

// Expire returns auto-reset attributes to their rest value once they have
// not been reported for their delay. It returns the number of units reset.
func (e *Engine) Expire(now time.Time) int {
	total := 0
	for _, ent := range e.entries() {
		ent.mu.Lock()
		var dirty []int
		for i := range ent.dev.Units {
			u := &ent.dev.Units[i]
			changed := false
			for _, rule := range u.Fields {
				if rule.AutoReset == nil {
					continue
				}
				cur, ok := u.Value(rule.Attribute)
				if !ok || equal(cur, rule.AutoReset.Value) {
					continue
				}
				if now.Sub(u.LastObserved(rule.Attribute)) < rule.AutoReset.After {
					continue
				}
				if u.set(rule.Attribute, rule.AutoReset.Value) {
					changed = true
				}
			}
			if changed {
				dirty = append(dirty, i)
			}
		}
		if len(dirty) == 0 {
			ent.mu.Unlock()
			continue
		}
		snap, pending := ent.collect(dirty)
		seq := e.seq.Add(1)
		ent.mu.Unlock()

		total += len(dirty)
		e.deliver(ent, Change{Device: snap, Units: pendingIDs(pending), Reason: ReasonExpire, Seq: seq}, pending)
	}
	return total
}

// CheckAvailability recomputes the derived available flag of every device
// and notifies for those that flipped. It returns the number flipped.
func (e *Engine) CheckAvailability(now time.Time) int {
	flipped := 0
	for _, ent := range e.entries() {
		ent.mu.Lock()
		avail := availableAt(ent.dev, now)
		if avail == ent.dev.Available {
			ent.mu.Unlock()
			continue
		}
		ent.dev.Available = avail
		snap := *ent.dev.DeepCopy()
		seq := e.seq.Add(1)
		ent.mu.Unlock()

		flipped++
		e.log().Info("device availability changed", "device_id", snap.ID, "available", avail)
		e.deliver(ent, Change{Device: snap, Reason: ReasonAvailability, Seq: seq}, nil)
	}
	return flipped
}

// Get returns a snapshot of one device.
func (e *Engine) Get(deviceID string) (Device, error) {
	ent, err := e.lookup(deviceID)
	if err != nil {
		return Device{}, err
	}
	ent.mu.Lock()
	defer ent.mu.Unlock()
	return *ent.dev.DeepCopy(), nil
}

// List returns snapshots of all devices ordered by ID.
func (e *Engine) List() []Device {
	entries := e.entries()
	out := make([]Device, 0, len(entries))
	for _, ent := range entries {
		ent.mu.Lock()
		out = append(out, *ent.dev.DeepCopy())
		ent.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the ID of every device, unordered. Unlike List it copies no
// device state.
func (e *Engine) IDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.devices))
	for id := range e.devices {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) lookup(deviceID string) (*entry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ent, ok := e.devices[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return ent, nil
}

func (e *Engine) entries() []*entry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*entry, 0, len(e.devices))
	for _, ent := range e.devices {
		out = append(out, ent)
	}
	return out
}

// deliver hands c to the subscribers and then the unit listeners.
//
// Callbacks run outside the device lock, so two batches for one device can
// reach this point out of order. A change is dropped once a newer change of
// the same device has started delivery, and a delivery in progress stops
// when it is overtaken. Callers only ever see a device move forward.
func (e *Engine) deliver(ent *entry, c Change, pending []pendingUnit) {
	if !ent.admit(c.Seq) {
		e.log().Debug("superseded change dropped", "device_id", c.Device.ID, "reason", c.Reason, "seq", c.Seq)
		return
	}

	e.subsMu.RLock()
	subs := make([]func(Change), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.subsMu.RUnlock()

	for _, fn := range subs {
		if ent.overtaken(c.Seq) {
			return
		}
		e.safeCall(func() { fn(c) })
	}

	for _, p := range pending {
		for _, l := range p.listeners {
			if l.OnChange == nil {
				continue
			}
			if ent.overtaken(c.Seq) {
				return
			}
			l.OnChange(p.unit)
		}
	}
}

func (e *Engine) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.log().Error("change subscriber panicked", "panic", r)
		}
	}()
	fn()
}

// collect snapshots the device and the listeners of the dirty units.
// Caller holds ent.mu.
func (ent *entry) collect(dirty []int) (Device, []pendingUnit) {
	snap := *ent.dev.DeepCopy()
	pending := make([]pendingUnit, 0, len(dirty))
	for _, i := range dirty {
		u := snap.Units[i]
		pending = append(pending, pendingUnit{
			unit:      u,
			listeners: append([]*UnitListener(nil), ent.listeners[u.ID]...),
		})
	}
	return snap, pending
}

// admit marks seq as delivered unless a newer change already was.
func (ent *entry) admit(seq uint64) bool {
	for {
		cur := ent.delivered.Load()
		if seq < cur {
			return false
		}
		if ent.delivered.CompareAndSwap(cur, seq) {
			return true
		}
	}
}

func (ent *entry) overtaken(seq uint64) bool {
	return ent.delivered.Load() > seq
}

func release(listeners map[string][]*UnitListener) {
	for _, list := range listeners {
		for _, l := range list {
			if l.OnRelease != nil {
				l.OnRelease()
			}
		}
	}
}

// derive updates attributes computed from other attributes.
func derive(u *Unit) bool {
	switch u.Kind {
	case KindInfo:
		enabled, ok := u.Attributes["cloud_enabled"].(bool)
		if !ok {
			return false
		}
		status := "disabled"
		if enabled {
			status = "disconnected"
			if connected, _ := u.Attributes["cloud_connected"].(bool); connected {
				status = "connected"
			}
		}
		return u.set("cloud_status", status)
	default:
		return false
	}
}

// availableAt reports availability: always for mains devices, within the
// window since the last update for battery devices.
func availableAt(d *Device, now time.Time) bool {
	if d.UnavailableAfter <= 0 {
		return true
	}
	if d.LastUpdated.IsZero() {
		return false
	}
	return now.Sub(d.LastUpdated) <= d.UnavailableAfter
}

func equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func unitIDs(units []Unit) []string {
	ids := make([]string, len(units))
	for i := range units {
		ids[i] = units[i].ID
	}
	return ids
}

func pendingIDs(p []pendingUnit) []string {
	ids := make([]string, len(p))
	for i := range p {
		ids[i] = p[i].unit.ID
	}
	return ids
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
