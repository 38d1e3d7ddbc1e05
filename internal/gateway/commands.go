package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/gray-logic-shellybridge/internal/device"
	"github.com/nerrad567/gray-logic-shellybridge/internal/fieldmap"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/mqtt"
)

// Command actions.
const (
	ActionSetState = "set_state"
	ActionSetLevel = "set_level"
	ActionMove     = "move"

	ActionUpdateFirmware = "update_firmware"
)

// Command delivery transports.
const (
	TransportBroker = "broker"
	TransportMQTT   = "mqtt"
	TransportHTTP   = "http"
)

// mqttFreshWindow is how recently a mains device must have been heard on the
// external broker for commands to go that way.
const mqttFreshWindow = 10 * time.Minute

// Command is one unit command, as accepted by the API and the upstream bus.
type Command struct {
	Action    string `json:"action"`
	On        *bool  `json:"on,omitempty"`
	Level     *int   `json:"level,omitempty"`
	Direction string `json:"direction,omitempty"`
	Position  *int   `json:"position,omitempty"`
}

// Request translates the command for one unit.
func (c Command) Request(u *device.Unit) (device.Request, error) {
	switch c.Action {
	case ActionSetState:
		if c.On == nil {
			return device.Request{}, fmt.Errorf("%w: set_state needs on", ErrInvalidCommand)
		}
		return device.SetState(u, *c.On)

	case ActionSetLevel:
		if c.Level == nil {
			return device.Request{}, fmt.Errorf("%w: set_level needs level", ErrInvalidCommand)
		}
		return device.SetLevel(u, *c.Level)

	case ActionMove:
		return device.Move(u, c.Direction, c.Position)

	case ActionUpdateFirmware:
		return device.UpdateFirmware(u)

	default:
		return device.Request{}, fmt.Errorf("%w: unknown action %q", ErrInvalidCommand, c.Action)
	}
}

// ParseCommand reads a command published on a unit's set topic. It accepts
// the JSON command object or a bare value: on/off/true/false switch, a
// number sets the level, open/close/stop moves a roller.
func ParseCommand(payload []byte) (Command, error) {
	trimmed := strings.TrimSpace(string(payload))
	if trimmed == "" {
		return Command{}, fmt.Errorf("%w: empty payload", ErrInvalidCommand)
	}

	if strings.HasPrefix(trimmed, "{") {
		var c Command
		if err := json.Unmarshal([]byte(trimmed), &c); err != nil {
			return Command{}, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
		}
		return c, nil
	}

	switch strings.ToLower(trimmed) {
	case device.DirectionOpen, device.DirectionClose, device.DirectionStop:
		return Command{Action: ActionMove, Direction: strings.ToLower(trimmed)}, nil
	}

	switch v := fieldmap.ParseScalar([]byte(trimmed)).(type) {
	case bool:
		return Command{Action: ActionSetState, On: &v}, nil
	case float64:
		level, err := strconv.Atoi(trimmed)
		if err != nil {
			return Command{}, fmt.Errorf("%w: level %q", ErrInvalidCommand, trimmed)
		}
		return Command{Action: ActionSetLevel, Level: &level}, nil
	}
	return Command{}, fmt.Errorf("%w: %q", ErrInvalidCommand, trimmed)
}

// Execute sends a command to a unit and returns the transports that
// delivered it.
//
// The embedded broker is tried first, then the external broker when the
// device was heard there recently, then HTTP. With redundant HTTP enabled
// the GET is sent even after a broker delivered. Canonical state is not
// touched; it changes when the device reports back.
//
// Returns:
//   - []string: TransportBroker, TransportMQTT and/or TransportHTTP
//   - error: device.ErrDeviceNotFound, device.ErrUnitNotFound, command
//     translation errors, or ErrTransportUnavailable
func (g *Gateway) Execute(ctx context.Context, deviceID, unitID string, cmd Command) ([]string, error) {
	dev, err := g.engine.Get(deviceID)
	if err != nil {
		return nil, err
	}
	u, ok := dev.Unit(unitID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrUnitNotFound, unitID)
	}

	req, err := cmd.Request(u)
	if err != nil {
		return nil, err
	}

	var sent []string
	switch {
	case g.sendBroker(dev, req):
		sent = append(sent, TransportBroker)
	case g.sendMQTT(dev, req):
		sent = append(sent, TransportMQTT)
	}

	if len(sent) == 0 || g.cfg.Commands.RedundantHTTP {
		if g.sendHTTP(ctx, dev, req) {
			sent = append(sent, TransportHTTP)
		}
	}

	for _, t := range sent {
		g.countCommand(t)
	}
	if len(sent) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTransportUnavailable, deviceID)
	}

	g.logger.Debug("command sent",
		"device_id", deviceID,
		"unit_id", unitID,
		"action", cmd.Action,
		"transports", sent,
	)
	return sent, nil
}

func (g *Gateway) sendBroker(dev device.Device, req device.Request) bool {
	if g.broker == nil || dev.MQTTName == "" || !g.broker.IsConnected(dev.MQTTName) {
		return false
	}
	topic := mqtt.DeviceCommand(dev.MQTTName, req.MQTTTopic)
	if err := g.broker.Publish(dev.MQTTName, topic, []byte(req.MQTTPayload)); err != nil {
		g.logger.Warn("broker command failed", "device_id", dev.ID, "topic", topic, "error", err)
		return false
	}
	return true
}

func (g *Gateway) sendMQTT(dev device.Device, req device.Request) bool {
	if g.mqtt == nil || !g.subscribeDevices || dev.MQTTName == "" || !g.mqtt.IsConnected() {
		return false
	}
	if !g.seenOnMQTT(dev) {
		return false
	}
	topic := mqtt.DeviceCommand(dev.MQTTName, req.MQTTTopic)
	if err := g.mqtt.Publish(topic, []byte(req.MQTTPayload), 0, false); err != nil {
		g.logger.Warn("mqtt command failed", "device_id", dev.ID, "topic", topic, "error", err)
		return false
	}
	return true
}

// seenOnMQTT reports whether the device reported over MQTT within its
// availability window, or mqttFreshWindow for mains devices.
func (g *Gateway) seenOnMQTT(dev device.Device) bool {
	last, ok := dev.LastSeen[fieldmap.MQTT]
	if !ok {
		return false
	}
	window := dev.UnavailableAfter
	if window <= 0 {
		window = mqttFreshWindow
	}
	return g.now().Sub(last) <= window
}

func (g *Gateway) sendHTTP(ctx context.Context, dev device.Device, req device.Request) bool {
	if dev.Address == "" {
		return false
	}
	if ok, _ := g.http.Get(ctx, dev.Address, req.HTTPPath); !ok {
		g.logger.Warn("http command failed", "device_id", dev.ID, "path", req.HTTPPath)
		return false
	}
	g.PollSoon(dev.ID)
	return true
}

func (g *Gateway) countCommand(transport string) {
	if g.metrics != nil {
		g.metrics.Commands.WithLabelValues(transport).Inc()
	}
}
