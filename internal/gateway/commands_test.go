package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-shellybridge/internal/composer"
	"github.com/nerrad567/gray-logic-shellybridge/internal/device"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/config"
)

func ptr[T any](v T) *T { return &v }

func TestParseCommand(t *testing.T) {
	tests := []struct {
		payload string
		want    Command
		wantErr bool
	}{
		{"on", Command{Action: ActionSetState, On: ptr(true)}, false},
		{"OFF", Command{Action: ActionSetState, On: ptr(false)}, false},
		{"true", Command{Action: ActionSetState, On: ptr(true)}, false},
		{"42", Command{Action: ActionSetLevel, Level: ptr(42)}, false},
		{"open", Command{Action: ActionMove, Direction: device.DirectionOpen}, false},
		{" Stop ", Command{Action: ActionMove, Direction: device.DirectionStop}, false},
		{`{"action":"move","position":30}`, Command{Action: ActionMove, Position: ptr(30)}, false},
		{`{"action":"set_level","level":80}`, Command{Action: ActionSetLevel, Level: ptr(80)}, false},
		{"", Command{}, true},
		{"12.5", Command{}, true},
		{"sideways", Command{}, true},
		{`{"action":`, Command{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			got, err := ParseCommand([]byte(tt.payload))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCommand)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCommandRequest_MissingArguments(t *testing.T) {
	relay := &device.Unit{Kind: device.KindRelay, Endpoint: "relay"}

	_, err := Command{Action: ActionSetState}.Request(relay)
	assert.ErrorIs(t, err, ErrInvalidCommand)

	_, err = Command{Action: ActionSetLevel}.Request(relay)
	assert.ErrorIs(t, err, ErrInvalidCommand)

	_, err = Command{Action: "blink"}.Request(relay)
	assert.ErrorIs(t, err, ErrInvalidCommand)

	req, err := Command{Action: ActionSetState, On: ptr(true)}.Request(relay)
	require.NoError(t, err)
	assert.Equal(t, "/relay/0?turn=on", req.HTTPPath)
}

func TestExecute_EmbeddedBrokerFirst(t *testing.T) {
	g, httpMock := newTestGateway(t, Options{})
	httpMock.accept = true
	mb := &mockBroker{connected: map[string]bool{"shelly1-B929CC": true}}
	g.broker = mb
	addDevice(t, g, "98F4ABB929CC", "SHSW-1", "", "10.0.0.7", "shelly1-B929CC")

	sent, err := g.Execute(context.Background(), "98F4ABB929CC", "98F4ABB929CC-relay",
		Command{Action: ActionSetState, On: ptr(true)})
	require.NoError(t, err)
	assert.Equal(t, []string{TransportBroker}, sent)

	require.Len(t, mb.published, 1)
	assert.Equal(t, brokerPublish{
		clientID: "shelly1-B929CC",
		topic:    "shellies/shelly1-B929CC/relay/0/command",
		payload:  "on",
	}, mb.published[0])
	assert.Empty(t, httpMock.getCalls())
}

func TestExecute_RedundantHTTP(t *testing.T) {
	cfg := testConfig()
	cfg.Commands = config.CommandsConfig{RedundantHTTP: true}
	g, httpMock := newTestGateway(t, Options{Config: cfg})
	httpMock.accept = true
	g.broker = &mockBroker{connected: map[string]bool{"shellyswitch25-A4CF12F454A3": true}}
	addDevice(t, g, "A4CF12F454A3", "SHSW-25", composer.ModeRoller, "10.0.0.5", "shellyswitch25-A4CF12F454A3")

	sent, err := g.Execute(context.Background(), "A4CF12F454A3", "A4CF12F454A3-roller",
		Command{Action: ActionMove, Position: ptr(40)})
	require.NoError(t, err)
	assert.Equal(t, []string{TransportBroker, TransportHTTP}, sent)
	assert.Equal(t, []string{"10.0.0.5/roller/0?go=to_pos&roller_pos=40"}, httpMock.getCalls())
}

func TestExecute_ExternalBrokerWhenFresh(t *testing.T) {
	upstream := newMockMQTT()
	g, httpMock := newTestGateway(t, Options{MQTT: upstream, SubscribeDevices: true})
	httpMock.accept = true
	addDevice(t, g, "98F4ABB929CC", "SHSW-1", "", "10.0.0.7", "")

	cmd := Command{Action: ActionSetState, On: ptr(false)}

	// Never heard on MQTT: HTTP only.
	sent, err := g.Execute(context.Background(), "98F4ABB929CC", "98F4ABB929CC-relay", cmd)
	require.NoError(t, err)
	assert.Equal(t, []string{TransportHTTP}, sent)

	g.HandleDeviceMessage("shellies/shelly1-B929CC/relay/0", []byte("on"), "")

	sent, err = g.Execute(context.Background(), "98F4ABB929CC", "98F4ABB929CC-relay", cmd)
	require.NoError(t, err)
	assert.Equal(t, []string{TransportMQTT}, sent)

	p, ok := upstream.last("shellies/shelly1-B929CC/relay/0/command")
	require.True(t, ok)
	assert.Equal(t, "off", string(p.payload))
	assert.False(t, p.retained)

	// Silent for longer than the freshness window: back to HTTP.
	g.now = func() time.Time { return time.Now().Add(mqttFreshWindow + time.Minute) }
	sent, err = g.Execute(context.Background(), "98F4ABB929CC", "98F4ABB929CC-relay", cmd)
	require.NoError(t, err)
	assert.Equal(t, []string{TransportHTTP}, sent)
}

func TestExecute_HTTPFallbackPollsSoon(t *testing.T) {
	g, httpMock := newTestGateway(t, Options{})
	httpMock.accept = true
	addDevice(t, g, "98F4ABB929CC", "SHSW-1", "", "10.0.0.7", "")

	now := time.Now()
	require.True(t, g.claimPoll("98F4ABB929CC", now))
	g.finishPoll("98F4ABB929CC", true, now)
	require.False(t, g.claimPoll("98F4ABB929CC", now))

	sent, err := g.Execute(context.Background(), "98F4ABB929CC", "98F4ABB929CC-relay",
		Command{Action: ActionSetState, On: ptr(true)})
	require.NoError(t, err)
	assert.Equal(t, []string{TransportHTTP}, sent)
	assert.Equal(t, []string{"10.0.0.7/relay/0?turn=on"}, httpMock.getCalls())

	assert.True(t, g.claimPoll("98F4ABB929CC", time.Now()), "a command brings the next status poll forward")
}

func TestExecute_UpdateFirmware(t *testing.T) {
	g, httpMock := newTestGateway(t, Options{})
	httpMock.accept = true
	mb := &mockBroker{connected: map[string]bool{}}
	g.broker = mb
	addDevice(t, g, "98F4ABB929CC", "SHSW-1", "", "10.0.0.7", "shelly1-B929CC")
	cmd := Command{Action: ActionUpdateFirmware}

	sent, err := g.Execute(context.Background(), "98F4ABB929CC", "98F4ABB929CC-info", cmd)
	require.NoError(t, err)
	assert.Equal(t, []string{TransportHTTP}, sent)
	assert.Equal(t, []string{"10.0.0.7/ota?update=1"}, httpMock.getCalls())

	mb.connected["shelly1-B929CC"] = true
	sent, err = g.Execute(context.Background(), "98F4ABB929CC", "98F4ABB929CC-info", cmd)
	require.NoError(t, err)
	assert.Equal(t, []string{TransportBroker}, sent)
	require.Len(t, mb.published, 1)
	assert.Equal(t, brokerPublish{
		clientID: "shelly1-B929CC",
		topic:    "shellies/shelly1-B929CC/command",
		payload:  "update_fw",
	}, mb.published[0])

	_, err = g.Execute(context.Background(), "98F4ABB929CC", "98F4ABB929CC-relay", cmd)
	assert.ErrorIs(t, err, device.ErrUnsupportedCommand)
}

func TestExecute_Errors(t *testing.T) {
	g, _ := newTestGateway(t, Options{})
	addDevice(t, g, "98F4ABB929CC", "SHSW-1", "", "", "")
	addDevice(t, g, "A4CF12F454A3", "SHSW-1", "", "10.0.0.5", "")
	on := Command{Action: ActionSetState, On: ptr(true)}

	tests := []struct {
		name    string
		device  string
		unit    string
		cmd     Command
		wantErr error
	}{
		{"unknown device", "C0FFEEC0FFEE", "C0FFEEC0FFEE-relay", on, device.ErrDeviceNotFound},
		{"unknown unit", "98F4ABB929CC", "98F4ABB929CC-roller", on, device.ErrUnitNotFound},
		{"unsupported", "98F4ABB929CC", "98F4ABB929CC-switch", on, device.ErrUnsupportedCommand},
		{"no transport", "98F4ABB929CC", "98F4ABB929CC-relay", on, ErrTransportUnavailable},
		{"http refused", "A4CF12F454A3", "A4CF12F454A3-relay", on, ErrTransportUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.Execute(context.Background(), tt.device, tt.unit, tt.cmd)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
