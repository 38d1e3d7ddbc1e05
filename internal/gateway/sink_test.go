package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-shellybridge/internal/bridges/coap"
	"github.com/nerrad567/gray-logic-shellybridge/internal/composer"
	"github.com/nerrad567/gray-logic-shellybridge/internal/device"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/mqtt"
)

func retainedState(t *testing.T, m *mockMQTT, topic string) (UnitState, bool) {
	t.Helper()
	p, ok := m.last(topic)
	if !ok || len(p.payload) == 0 {
		return UnitState{}, false
	}
	require.True(t, p.retained)
	var s UnitState
	require.NoError(t, json.Unmarshal(p.payload, &s))
	return s, true
}

func TestSink_PublishesRetainedState(t *testing.T) {
	upstream := newMockMQTT()
	g, _ := newTestGateway(t, Options{MQTT: upstream})
	startSink(t, g)

	addDevice(t, g, "A4CF12F454A3", "SHSW-1", "", "10.0.0.5", "")
	relayTopic := "test/device/A4CF12F454A3/A4CF12F454A3-relay/state"

	require.Eventually(t, func() bool {
		_, ok := retainedState(t, upstream, relayTopic)
		return ok
	}, waitFor, tick)

	p, ok := upstream.last("test/device/A4CF12F454A3/available")
	require.True(t, ok)
	assert.Equal(t, mqtt.PayloadOnline, string(p.payload))
	assert.True(t, p.retained)

	g.HandleCoAP(coap.Message{DeviceType: "SHSW-1", DeviceID: "A4CF12F454A3", Values: map[int]any{1101: 1.0}})

	require.Eventually(t, func() bool {
		s, ok := retainedState(t, upstream, relayTopic)
		return ok && s.State == true
	}, waitFor, tick)

	s, _ := retainedState(t, upstream, relayTopic)
	assert.Equal(t, "A4CF12F454A3", s.DeviceID)
	assert.Equal(t, "A4CF12F454A3-relay", s.UnitID)
	assert.Equal(t, device.KindRelay, s.Kind)
	assert.True(t, s.Available)

	// Availability is only republished when it flips.
	assert.Equal(t, 1, upstream.count("test/device/A4CF12F454A3/available"))
}

func TestSink_RemovalClearsRetained(t *testing.T) {
	upstream := newMockMQTT()
	g, _ := newTestGateway(t, Options{MQTT: upstream})
	startSink(t, g)

	addDevice(t, g, "A4CF12F454A3", "SHSW-1", "", "10.0.0.5", "")
	relayTopic := "test/device/A4CF12F454A3/A4CF12F454A3-relay/state"
	require.Eventually(t, func() bool {
		_, ok := retainedState(t, upstream, relayTopic)
		return ok
	}, waitFor, tick)

	require.NoError(t, g.RemoveDevice(context.Background(), "A4CF12F454A3"))

	require.Eventually(t, func() bool {
		p, ok := upstream.last(relayTopic)
		return ok && len(p.payload) == 0 && p.retained
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		p, ok := upstream.last("test/device/A4CF12F454A3/available")
		return ok && len(p.payload) == 0
	}, waitFor, tick)
}

func TestSink_RecomposeDropsStaleUnits(t *testing.T) {
	upstream := newMockMQTT()
	g, httpMock := newTestGateway(t, Options{MQTT: upstream})
	startSink(t, g)

	addDevice(t, g, "A4CF12F454A3", "SHSW-25", composer.ModeRelay, "10.0.0.5", "")
	relayTopic := "test/device/A4CF12F454A3/A4CF12F454A3-relay-1/state"
	require.Eventually(t, func() bool {
		_, ok := retainedState(t, upstream, relayTopic)
		return ok
	}, waitFor, tick)

	httpMock.setMode("10.0.0.5", composer.ModeRoller)
	dev, err := g.engine.Get("A4CF12F454A3")
	require.NoError(t, err)
	require.NoError(t, g.recomposeIfChanged(context.Background(), dev))

	require.Eventually(t, func() bool {
		_, ok := retainedState(t, upstream, "test/device/A4CF12F454A3/A4CF12F454A3-roller/state")
		return ok
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		p, ok := upstream.last(relayTopic)
		return ok && len(p.payload) == 0
	}, waitFor, tick)
}

func TestSink_PersistsAndRecords(t *testing.T) {
	repo := newMemRepo()
	history := &mockHistory{}
	writer := &mockWriter{}
	g, _ := newTestGateway(t, Options{Repository: repo, History: history, Influx: writer})
	startSink(t, g)

	addDevice(t, g, "A4CF12F454A3", "SHSW-1", "", "10.0.0.5", "shelly1-F454A3")

	require.Eventually(t, func() bool { return repo.saveCount() == 1 }, waitFor, tick)
	rec, ok := repo.get("A4CF12F454A3")
	require.True(t, ok)
	assert.Equal(t, "SHSW-1", rec.Type)
	assert.Equal(t, "10.0.0.5", rec.Address)
	assert.Equal(t, "shelly1-F454A3", rec.MQTTName)

	g.HandleCoAP(coap.Message{DeviceType: "SHSW-1", DeviceID: "A4CF12F454A3", Values: map[int]any{1101: 1.0}})

	require.Eventually(t, func() bool { return len(history.recorded()) == 1 }, waitFor, tick)
	call := history.recorded()[0]
	assert.Equal(t, historyCall{deviceID: "A4CF12F454A3", unitID: "A4CF12F454A3-relay", source: "coap", state: true}, call)

	require.Eventually(t, func() bool { return len(writer.written()) == 1 }, waitFor, tick)
	w := writer.written()[0]
	assert.Equal(t, "A4CF12F454A3-relay", w.tags.UnitID)
	assert.Equal(t, "relay", w.tags.Kind)
	assert.Equal(t, true, w.values["state"])

	// Unchanged identity is not written again; a new address is.
	assert.Equal(t, 1, repo.saveCount())

	g.HandleCoAP(coap.Message{DeviceType: "SHSW-1", DeviceID: "A4CF12F454A3", Address: "10.0.0.50", Values: map[int]any{1101: 0.0}})
	require.Eventually(t, func() bool { return repo.saveCount() == 2 }, waitFor, tick)
	rec, _ = repo.get("A4CF12F454A3")
	assert.Equal(t, "10.0.0.50", rec.Address)
}

func TestSink_SkipsOlderChange(t *testing.T) {
	upstream := newMockMQTT()
	history := &mockHistory{}
	g, _ := newTestGateway(t, Options{MQTT: upstream, History: history})

	addDevice(t, g, "A4CF12F454A3", "SHSW-1", "", "", "")
	dev, err := g.engine.Get("A4CF12F454A3")
	require.NoError(t, err)
	relayTopic := "test/device/A4CF12F454A3/A4CF12F454A3-relay/state"

	withState := func(on bool) device.Device {
		d := *dev.DeepCopy()
		u, ok := d.Unit("A4CF12F454A3-relay")
		require.True(t, ok)
		u.State = on
		return d
	}

	ctx := context.Background()
	g.sink.handle(ctx, device.Change{Device: withState(false), Units: []string{"A4CF12F454A3-relay"}, Reason: device.ReasonFacts, Seq: 8})
	g.sink.handle(ctx, device.Change{Device: withState(true), Units: []string{"A4CF12F454A3-relay"}, Reason: device.ReasonFacts, Seq: 7})

	s, ok := retainedState(t, upstream, relayTopic)
	require.True(t, ok)
	assert.Equal(t, false, s.State)
	assert.Equal(t, 1, upstream.count(relayTopic))
	require.Len(t, history.recorded(), 1)
	assert.Equal(t, false, history.recorded()[0].state)

	// A newer change goes through.
	g.sink.handle(ctx, device.Change{Device: withState(true), Units: []string{"A4CF12F454A3-relay"}, Reason: device.ReasonFacts, Seq: 9})
	s, _ = retainedState(t, upstream, relayTopic)
	assert.Equal(t, true, s.State)
}

func TestHandleSetMessage(t *testing.T) {
	upstream := newMockMQTT()
	g, httpMock := newTestGateway(t, Options{MQTT: upstream})
	httpMock.accept = true
	addDevice(t, g, "A4CF12F454A3", "SHSW-1", "", "10.0.0.5", "")

	err := g.handleSetMessage("test/device/A4CF12F454A3/A4CF12F454A3-relay/set", []byte("on"))
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.5/relay/0?turn=on"}, httpMock.getCalls())

	err = g.handleSetMessage("test/device/A4CF12F454A3/set", []byte("on"))
	assert.ErrorIs(t, err, ErrInvalidCommand)

	err = g.handleSetMessage("test/device/A4CF12F454A3/A4CF12F454A3-relay/set", []byte("maybe"))
	assert.ErrorIs(t, err, ErrInvalidCommand)

	err = g.handleSetMessage("test/device/A4CF12F454A3/A4CF12F454A3-switch/set", []byte("on"))
	assert.ErrorIs(t, err, device.ErrUnsupportedCommand)
}
