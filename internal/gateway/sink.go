package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-shellybridge/internal/device"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/mqtt"
)

// commandTimeout bounds a command received on the upstream bus.
const commandTimeout = 10 * time.Second

// UnitState is the retained JSON published for one unit.
type UnitState struct {
	DeviceID   string         `json:"device_id"`
	UnitID     string         `json:"unit_id"`
	Kind       device.Kind    `json:"kind"`
	Name       string         `json:"name,omitempty"`
	State      any            `json:"state"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Available  bool           `json:"available"`
	Updated    time.Time      `json:"updated"`
}

// sink is the single consumer of engine changes. Engine callbacks only
// queue; publishing and storage happen on the sink goroutine so no
// transport waits on the bus or the database.
type sink struct {
	g *Gateway

	mu        sync.Mutex
	saved     map[string]device.Record // last persisted identity per device
	published map[string]map[string]bool
	available map[string]bool
	handled   map[string]uint64 // Seq of the newest change handled per device
}

func newSink(g *Gateway) *sink {
	return &sink{
		g:         g,
		saved:     make(map[string]device.Record),
		published: make(map[string]map[string]bool),
		available: make(map[string]bool),
		handled:   make(map[string]uint64),
	}
}

// queueChange is the engine subscriber. It never blocks.
func (g *Gateway) queueChange(c device.Change) {
	if g.metrics != nil {
		g.metrics.Changes.WithLabelValues(string(c.Reason)).Inc()
	}
	select {
	case g.changes <- c:
	default:
		g.logger.Warn("change queue full, dropping change", "device_id", c.Device.ID, "reason", c.Reason)
	}
}

// runSink drains the change queue until ctx is cancelled.
func (g *Gateway) runSink(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-g.changes:
			g.sink.handle(ctx, c)
		}
	}
}

func (s *sink) handle(ctx context.Context, c device.Change) {
	defer func() {
		if r := recover(); r != nil {
			s.g.logger.Error("change sink panic recovered", "device_id", c.Device.ID, "panic", fmt.Sprint(r))
		}
	}()

	dev := c.Device
	if !s.advance(dev.ID, c.Seq) {
		s.g.logger.Debug("stale change skipped", "device_id", dev.ID, "reason", c.Reason, "seq", c.Seq)
		return
	}

	switch c.Reason {
	case device.ReasonRemoved:
		s.g.clicks.Forget(dev.ID)
		s.g.dir.forget(dev.ID)
		s.clear(dev.ID)
		return

	case device.ReasonAdded:
		s.g.dir.setName(dev.MQTTName, dev.ID)
		s.persist(ctx, dev)
		s.publishDevice(dev)
		return

	case device.ReasonRecomposed:
		s.g.clicks.Forget(dev.ID)
		s.persist(ctx, dev)
		s.dropStale(dev)
		s.publishDevice(dev)
		return
	}

	if dev.Address != "" {
		s.persist(ctx, dev)
	}
	s.publishAvailability(dev)

	source := string(c.Reason)
	if c.Transport != "" {
		source = string(c.Transport)
	}
	for _, unitID := range c.Units {
		u, ok := dev.Unit(unitID)
		if !ok {
			continue
		}
		s.publishUnit(dev, u)
		s.record(ctx, dev, u, source)
	}
}

// advance reports whether seq is newer than every change already handled
// for the device. Changes without a Seq are always handled.
func (s *sink) advance(deviceID string, seq uint64) bool {
	if seq == 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq <= s.handled[deviceID] {
		return false
	}
	s.handled[deviceID] = seq
	return true
}

// remember seeds the persisted identity so loading does not rewrite it.
func (s *sink) remember(rec device.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.UpdatedAt = time.Time{}
	s.saved[rec.ID] = rec
}

func (s *sink) forget(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.saved, deviceID)
}

// persist saves the device identity when it differs from what was saved.
func (s *sink) persist(ctx context.Context, dev device.Device) {
	if s.g.repo == nil {
		return
	}
	rec := device.RecordOf(&dev)

	s.mu.Lock()
	prev, ok := s.saved[dev.ID]
	same := ok && prev.Type == rec.Type && prev.Address == rec.Address &&
		prev.Mode == rec.Mode && prev.MQTTName == rec.MQTTName
	s.mu.Unlock()
	if same {
		return
	}

	// A removal may have overtaken this change in the queue.
	if _, err := s.g.engine.Get(dev.ID); err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := s.g.repo.Save(ctx, &rec); err != nil {
		s.g.logger.Warn("saving device failed", "device_id", dev.ID, "error", err)
		return
	}

	s.mu.Lock()
	s.saved[dev.ID] = rec
	s.mu.Unlock()
}

// record writes one unit change to the state history and InfluxDB.
func (s *sink) record(ctx context.Context, dev device.Device, u *device.Unit, source string) {
	if s.g.history != nil {
		hctx, cancel := context.WithTimeout(ctx, storeTimeout)
		err := s.g.history.RecordChange(hctx, dev.ID, *u, source)
		cancel()
		if err != nil {
			s.g.logger.Warn("recording state history failed", "device_id", dev.ID, "unit_id", u.ID, "error", err)
		}
	}

	if s.g.influx != nil {
		values := make(map[string]any, len(u.Attributes)+1)
		for k, v := range u.Attributes {
			values[k] = v
		}
		values["state"] = u.State

		at := dev.LastUpdated
		if at.IsZero() {
			at = s.g.now()
		}
		s.g.influx.WriteUnit(influxdb.UnitTags{
			DeviceID:   dev.ID,
			DeviceType: dev.Type,
			UnitID:     u.ID,
			Kind:       string(u.Kind),
		}, values, at)
	}
}

// publishDevice publishes availability and every unit of a device.
func (s *sink) publishDevice(dev device.Device) {
	s.publishAvailability(dev)
	for i := range dev.Units {
		s.publishUnit(dev, &dev.Units[i])
	}
}

func (s *sink) publishUnit(dev device.Device, u *device.Unit) {
	if !s.upstreamReady() {
		return
	}

	payload, err := json.Marshal(UnitState{
		DeviceID:   dev.ID,
		UnitID:     u.ID,
		Kind:       u.Kind,
		Name:       u.Name,
		State:      u.State,
		Attributes: u.Attributes,
		Available:  dev.Available,
		Updated:    dev.LastUpdated,
	})
	if err != nil {
		s.g.logger.Warn("encoding unit state failed", "device_id", dev.ID, "unit_id", u.ID, "error", err)
		return
	}

	topic := s.g.mqtt.Topics().UnitState(dev.ID, u.ID)
	if err := s.g.mqtt.PublishRetained(topic, payload); err != nil {
		s.g.logger.Warn("publishing unit state failed", "topic", topic, "error", err)
		return
	}

	s.mu.Lock()
	units, ok := s.published[dev.ID]
	if !ok {
		units = make(map[string]bool)
		s.published[dev.ID] = units
	}
	units[u.ID] = true
	s.mu.Unlock()
}

// publishAvailability publishes the device availability when it differs
// from what was last published.
func (s *sink) publishAvailability(dev device.Device) {
	if !s.upstreamReady() {
		return
	}

	s.mu.Lock()
	prev, ok := s.available[dev.ID]
	s.mu.Unlock()
	if ok && prev == dev.Available {
		return
	}

	payload := mqtt.PayloadOffline
	if dev.Available {
		payload = mqtt.PayloadOnline
	}
	topic := s.g.mqtt.Topics().DeviceAvailable(dev.ID)
	if err := s.g.mqtt.PublishRetained(topic, []byte(payload)); err != nil {
		s.g.logger.Warn("publishing availability failed", "topic", topic, "error", err)
		return
	}

	s.mu.Lock()
	s.available[dev.ID] = dev.Available
	s.mu.Unlock()
}

// dropStale clears the retained state of units a recomposition removed.
func (s *sink) dropStale(dev device.Device) {
	current := make(map[string]bool, len(dev.Units))
	for _, u := range dev.Units {
		current[u.ID] = true
	}

	s.mu.Lock()
	var stale []string
	for unitID := range s.published[dev.ID] {
		if !current[unitID] {
			stale = append(stale, unitID)
			delete(s.published[dev.ID], unitID)
		}
	}
	s.mu.Unlock()

	s.clearUnits(dev.ID, stale)
}

// clear removes every retained message of a removed device.
func (s *sink) clear(deviceID string) {
	s.mu.Lock()
	var units []string
	for unitID := range s.published[deviceID] {
		units = append(units, unitID)
	}
	delete(s.published, deviceID)
	_, hadAvailability := s.available[deviceID]
	delete(s.available, deviceID)
	s.mu.Unlock()

	s.clearUnits(deviceID, units)
	if hadAvailability && s.upstreamReady() {
		if err := s.g.mqtt.PublishRetained(s.g.mqtt.Topics().DeviceAvailable(deviceID), nil); err != nil {
			s.g.logger.Warn("clearing availability failed", "device_id", deviceID, "error", err)
		}
	}
}

func (s *sink) clearUnits(deviceID string, unitIDs []string) {
	if !s.upstreamReady() {
		return
	}
	for _, unitID := range unitIDs {
		if err := s.g.mqtt.PublishRetained(s.g.mqtt.Topics().UnitState(deviceID, unitID), nil); err != nil {
			s.g.logger.Warn("clearing unit state failed", "device_id", deviceID, "unit_id", unitID, "error", err)
		}
	}
}

func (s *sink) upstreamReady() bool {
	return s.g.mqtt != nil && s.g.mqtt.IsConnected()
}

// reset forgets what was published so the next publish is unconditional.
func (s *sink) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = make(map[string]bool)
}

// PublishAll publishes the availability and state of every device to the
// upstream bus.
func (g *Gateway) PublishAll() {
	if g.mqtt == nil {
		return
	}
	g.sink.reset()
	for _, dev := range g.engine.List() {
		g.sink.publishDevice(dev)
	}
}

// handleSetMessage executes a command published on <prefix>/device/<id>/<unit>/set.
func (g *Gateway) handleSetMessage(topic string, payload []byte) error {
	deviceID, unitID, ok := g.mqtt.Topics().ParseUnitSet(topic)
	if !ok {
		return fmt.Errorf("%w: topic %s", ErrInvalidCommand, topic)
	}

	cmd, err := ParseCommand(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(g.context(), commandTimeout)
	defer cancel()

	if _, err := g.Execute(ctx, deviceID, unitID, cmd); err != nil {
		return fmt.Errorf("command for %s/%s: %w", deviceID, unitID, err)
	}
	return nil
}
