package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-shellybridge/internal/bridges/broker"
	"github.com/nerrad567/gray-logic-shellybridge/internal/bridges/coap"
	"github.com/nerrad567/gray-logic-shellybridge/internal/click"
	"github.com/nerrad567/gray-logic-shellybridge/internal/composer"
	"github.com/nerrad567/gray-logic-shellybridge/internal/device"
	"github.com/nerrad567/gray-logic-shellybridge/internal/discovery"
	"github.com/nerrad567/gray-logic-shellybridge/internal/fieldmap"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/mqtt"
)

// Ingest constants.
const (
	// announceInterval rate-limits announce requests on the external broker.
	announceInterval = time.Minute

	// modeCheckInterval rate-limits /settings probes triggered by mode
	// evidence that disagrees with the composed mode.
	modeCheckInterval = time.Minute

	// modeCheckTimeout bounds one mode verification.
	modeCheckTimeout = 10 * time.Second

	topicAnnounce   = "announce"
	topicOnline     = "online"
	topicInputEvent = "input_event/"
)

// announcement is the JSON body of shellies/announce.
type announcement struct {
	ID    string `json:"id"`
	Model string `json:"model"`
	MAC   string `json:"mac"`
	IP    string `json:"ip"`
	FwVer string `json:"fw_ver"`
}

// HandleCoAP applies one decoded CoIoT message. Messages from unknown
// devices queue them for composition; their values are not kept.
func (g *Gateway) HandleCoAP(msg coap.Message) {
	id, known := g.resolveID(msg.DeviceID)
	if id == "" {
		return
	}

	facts := fieldmap.Facts{
		Transport: fieldmap.CoAP,
		At:        g.now(),
		Address:   msg.Address,
		Positions: msg.Values,
	}

	if !known {
		hint, _ := g.catalog.ModeHint(msg.DeviceType, facts)
		g.countCandidate(discovery.SourceCoAP)
		g.schedule(pendingDevice{
			ID:      id,
			Type:    msg.DeviceType,
			Address: msg.Address,
			Hint:    hint,
			Source:  discovery.SourceCoAP,
		})
		return
	}

	g.apply(id, facts)
}

// handleBrokerMessage receives publishes from the embedded broker.
func (g *Gateway) handleBrokerMessage(m broker.Message) {
	g.HandleDeviceMessage(m.Topic, m.Payload, remoteHost(m.Remote))
}

// handleExternalDeviceMessage receives shellies/# from the external broker.
func (g *Gateway) handleExternalDeviceMessage(topic string, payload []byte) error {
	g.HandleDeviceMessage(topic, payload, "")
	return nil
}

// HandleDeviceMessage handles one device publish from either broker.
// address is the device address when the transport knows it.
//
// Topics follow shellies/<model>-<id>/<suffix>. shellies/announce carries
// the identity of a device, and command topics (ours, echoed back by an
// external broker) are ignored.
func (g *Gateway) HandleDeviceMessage(topic string, payload []byte, address string) {
	name, suffix, ok := splitDeviceTopic(topic)
	if !ok {
		return
	}
	if name == topicAnnounce && suffix == "" {
		g.handleAnnounce(payload, address)
		return
	}
	if isCommandTopic(suffix) {
		return
	}
	if suffix == topicOnline && fieldmap.ParseScalar(payload) == false {
		// Last will of a device; availability follows from its silence.
		return
	}

	id, known := g.deviceForName(name)
	if !known {
		g.queueNamed(name, address)
		return
	}

	if suffix == topicAnnounce && address == "" {
		var a announcement
		if json.Unmarshal(payload, &a) == nil {
			address = a.IP
		}
	}

	g.apply(id, fieldmap.Facts{
		Transport: fieldmap.MQTT,
		At:        g.now(),
		Address:   address,
		Topic:     suffix,
		Payload:   payload,
	})
}

// deviceForName maps an MQTT client name to a known device, learning the
// name on first use.
func (g *Gateway) deviceForName(name string) (string, bool) {
	if id, ok := g.dir.byName(name); ok {
		if _, err := g.engine.Get(id); err == nil {
			return id, true
		}
	}

	_, hwID, ok := splitName(name)
	if !ok {
		return "", false
	}
	id, known := g.resolveID(hwID)
	if !known {
		return "", false
	}

	if dev, err := g.engine.Get(id); err == nil {
		g.adopt(dev, name)
	}
	return id, true
}

// queueNamed queues a device only known by its MQTT name. Without an
// address it cannot be identified, so devices are asked to announce.
func (g *Gateway) queueNamed(name, address string) {
	prefix, hwID, ok := splitName(name)
	if !ok {
		return
	}
	hwType, _ := g.catalog.TypeForPrefix(prefix)

	g.countCandidate(discovery.SourceMQTT)
	g.schedule(pendingDevice{
		ID:       device.NormalizeID(hwID),
		Type:     hwType,
		Address:  address,
		MQTTName: name,
		Source:   discovery.SourceMQTT,
	})
	if address == "" {
		g.requestAnnounce()
	}
}

func (g *Gateway) handleAnnounce(payload []byte, address string) {
	var a announcement
	if err := json.Unmarshal(payload, &a); err != nil {
		g.logger.Debug("ignoring malformed announce", "error", err)
		return
	}
	if a.IP != "" {
		address = a.IP
	}

	rawID := a.MAC
	if rawID == "" {
		_, rawID, _ = splitName(a.ID)
	}
	id, known := g.resolveID(rawID)
	if id == "" {
		return
	}

	if known {
		if dev, err := g.engine.Get(id); err == nil {
			g.adopt(dev, a.ID)
		}
		g.apply(id, fieldmap.Facts{
			Transport: fieldmap.MQTT,
			At:        g.now(),
			Address:   address,
			Topic:     topicAnnounce,
			Payload:   payload,
		})
		return
	}

	hwType := a.Model
	if _, ok := g.catalog.Lookup(hwType); !ok {
		prefix, _, _ := splitName(a.ID)
		hwType, _ = g.catalog.TypeForPrefix(prefix)
	}
	hint, _ := g.catalog.ModeHint(hwType, fieldmap.Facts{
		Transport: fieldmap.MQTT,
		Topic:     topicAnnounce,
		Payload:   payload,
	})

	g.countCandidate(discovery.SourceMQTT)
	g.schedule(pendingDevice{
		ID:       id,
		Type:     hwType,
		Address:  address,
		MQTTName: a.ID,
		Hint:     hint,
		Source:   discovery.SourceMQTT,
	})
}

// requestAnnounce asks every device on the external broker to announce.
func (g *Gateway) requestAnnounce() {
	if g.mqtt == nil || !g.subscribeDevices || !g.mqtt.IsConnected() {
		return
	}

	g.announceMu.Lock()
	now := g.now()
	if !g.lastAnnounce.IsZero() && now.Sub(g.lastAnnounce) < announceInterval {
		g.announceMu.Unlock()
		return
	}
	g.lastAnnounce = now
	g.announceMu.Unlock()

	if err := g.mqtt.Publish(mqtt.DeviceAnnounceCommand, []byte("announce"), 0, false); err != nil {
		g.logger.Warn("announce request failed", "error", err)
	}
}

// apply reconciles one fact batch and feeds the results to the click
// detector and the mode check.
func (g *Gateway) apply(deviceID string, f fieldmap.Facts) {
	dev, _, err := g.engine.ApplyFacts(deviceID, f)
	if errors.Is(err, device.ErrDeviceNotFound) {
		return
	}
	g.countFacts(f.Transport, err)
	if err != nil {
		g.logger.Debug("fact batch had unformattable values",
			"device_id", deviceID, "transport", f.Transport, "error", err)
	}

	g.observeInputs(dev, f)

	if hint, ok := g.catalog.ModeHint(dev.Type, f); ok && hint != dev.Mode {
		g.checkMode(dev)
	}
}

// observeInputs feeds the switch units of a device to the click detector.
//
// Over MQTT an input's state and its event counter arrive on separate
// topics. Only input_event/<ch> is observed there; observing both would
// count the state change twice.
func (g *Gateway) observeInputs(dev device.Device, f fieldmap.Facts) {
	if f.Transport == fieldmap.MQTT && !strings.HasPrefix(f.Topic, topicInputEvent) {
		return
	}

	for _, u := range dev.UnitsOfKind(device.KindSwitch) {
		if f.Transport == fieldmap.MQTT && f.Topic != topicInputEvent+strconv.Itoa(u.Channel) {
			continue
		}
		obs, ok := observation(u, dev.Sleeping())
		if !ok {
			continue
		}
		g.clicks.Observe(click.Key{DeviceID: dev.ID, UnitID: u.ID}, obs)
	}
}

// observation reads the canonical input values of a switch unit.
func observation(u *device.Unit, sleeping bool) (click.Observation, bool) {
	cnt, hasCnt := u.Attributes["event_cnt"].(float64)
	state, hasState := u.State.(bool)
	if !hasCnt && !hasState {
		return click.Observation{}, false
	}

	symbol, _ := u.Attributes["event"].(string)
	return click.Observation{
		State:   state,
		Symbol:  symbol,
		Counter: int(cnt),
		Profile: click.Profile{Momentary: u.Momentary, Sleeping: sleeping},
	}, true
}

// handleGesture is the click detector sink.
func (g *Gateway) handleGesture(gesture click.Gesture) {
	if _, _, err := g.engine.ApplyGesture(gesture.Key.DeviceID, gesture.Key.UnitID, gesture.Attributes()); err != nil {
		g.logger.Debug("dropping gesture", "device_id", gesture.Key.DeviceID, "unit_id", gesture.Key.UnitID, "error", err)
		return
	}
	if g.metrics != nil {
		g.metrics.Gestures.WithLabelValues(gesture.Event).Inc()
	}
	g.logger.Debug("gesture",
		"device_id", gesture.Key.DeviceID,
		"unit_id", gesture.Key.UnitID,
		"event", gesture.Event,
		"count", gesture.Count,
	)
}

// checkMode verifies a suspected mode switch against GET /settings and
// recomposes the device when its mode really changed.
func (g *Gateway) checkMode(dev device.Device) {
	if dev.Address == "" {
		return
	}

	g.modeMu.Lock()
	now := g.now()
	if last, ok := g.modeChecks[dev.ID]; ok && now.Sub(last) < modeCheckInterval {
		g.modeMu.Unlock()
		return
	}
	g.modeChecks[dev.ID] = now
	g.modeMu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(g.context(), modeCheckTimeout)
		defer cancel()
		if err := g.recomposeIfChanged(ctx, dev); err != nil {
			g.logger.Debug("mode check failed", "device_id", dev.ID, "error", err)
		}
	}()
}

func (g *Gateway) recomposeIfChanged(ctx context.Context, dev device.Device) error {
	mode, err := g.http.Mode(ctx, dev.Address)
	if err != nil {
		return err
	}
	probe := composer.StaticProbe(mode)

	comp, err := g.composer.Compose(ctx, dev.ID, dev.Type, probe)
	if err != nil {
		return err
	}
	if comp.Mode == dev.Mode {
		return nil
	}

	if _, err := g.composer.Recompose(ctx, dev, probe); err != nil {
		return fmt.Errorf("recomposing %s: %w", dev.ID, err)
	}
	return nil
}

// splitDeviceTopic splits shellies/<name>/<suffix>. For shellies/announce
// the name is "announce" and the suffix empty.
func splitDeviceTopic(topic string) (name, suffix string, ok bool) {
	rest, found := strings.CutPrefix(topic, mqtt.DeviceTopicRoot+"/")
	if !found || rest == "" {
		return "", "", false
	}
	if rest == topicAnnounce {
		return topicAnnounce, "", true
	}

	name, suffix, found = strings.Cut(rest, "/")
	if !found || name == "" || suffix == "" || !strings.HasPrefix(name, "shelly") {
		return "", "", false
	}
	return name, suffix, true
}

// isCommandTopic matches the topics commands are published on, which an
// external broker echoes back to its subscribers.
func isCommandTopic(suffix string) bool {
	return suffix == "command" || strings.HasSuffix(suffix, "/command") ||
		strings.HasSuffix(suffix, "/command/pos") || strings.HasSuffix(suffix, "/set")
}

func remoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return host
}

func (g *Gateway) countFacts(t fieldmap.Transport, err error) {
	if g.metrics == nil {
		return
	}
	g.metrics.FactsApplied.WithLabelValues(string(t)).Inc()
	if err != nil {
		g.metrics.FactErrors.WithLabelValues(string(t)).Inc()
	}
}
