package device

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Roller directions.
const (
	DirectionOpen  = "open"
	DirectionClose = "close"
	DirectionStop  = "stop"
)

const maxPercent = 100

// Request is one outbound command in every transport's shape. MQTTTopic is
// relative to the device's shellies/<name>/ prefix.
type Request struct {
	HTTPPath    string `json:"http_path"`
	MQTTTopic   string `json:"mqtt_topic"`
	MQTTPayload string `json:"mqtt_payload"`
}

// SetState builds an on/off command. For rollers on opens and off closes.
func SetState(u *Unit, on bool) (Request, error) {
	turn := "off"
	if on {
		turn = "on"
	}

	switch u.Kind {
	case KindRelay, KindDimmer, KindLight:
		ep := endpoint(u)
		ch := strconv.Itoa(u.Channel)
		return Request{
			HTTPPath:    "/" + ep + "/" + ch + "?turn=" + turn,
			MQTTTopic:   ep + "/" + ch + "/command",
			MQTTPayload: turn,
		}, nil

	case KindRoller:
		dir := DirectionClose
		if on {
			dir = DirectionOpen
		}
		return Move(u, dir, nil)

	default:
		return Request{}, fmt.Errorf("%w: set_state on %s", ErrUnsupportedCommand, u.Kind)
	}
}

// SetLevel builds a brightness (dimmer, white light) or gain (colour light)
// command. level is a percentage.
func SetLevel(u *Unit, level int) (Request, error) {
	if level < 0 || level > maxPercent {
		return Request{}, fmt.Errorf("%w: level %d", ErrInvalidCommand, level)
	}

	switch u.Kind {
	case KindDimmer, KindLight:
		ep := endpoint(u)
		ch := strconv.Itoa(u.Channel)
		param := "brightness"
		if ep == "color" {
			param = "gain"
		}
		payload, err := json.Marshal(map[string]any{"turn": "on", param: level})
		if err != nil {
			return Request{}, err
		}
		return Request{
			HTTPPath:    "/" + ep + "/" + ch + "?turn=on&" + param + "=" + strconv.Itoa(level),
			MQTTTopic:   ep + "/" + ch + "/set",
			MQTTPayload: string(payload),
		}, nil

	case KindRoller:
		return Move(u, "", &level)

	default:
		return Request{}, fmt.Errorf("%w: set_level on %s", ErrUnsupportedCommand, u.Kind)
	}
}

// Move builds a roller command: a direction, or a target position when
// position is non-nil.
func Move(u *Unit, direction string, position *int) (Request, error) {
	if u.Kind != KindRoller {
		return Request{}, fmt.Errorf("%w: move on %s", ErrUnsupportedCommand, u.Kind)
	}
	ch := strconv.Itoa(u.Channel)

	if position != nil {
		pos := *position
		if pos < 0 || pos > maxPercent {
			return Request{}, fmt.Errorf("%w: position %d", ErrInvalidCommand, pos)
		}
		return Request{
			HTTPPath:    "/roller/" + ch + "?go=to_pos&roller_pos=" + strconv.Itoa(pos),
			MQTTTopic:   "roller/" + ch + "/command/pos",
			MQTTPayload: strconv.Itoa(pos),
		}, nil
	}

	switch direction {
	case DirectionOpen, DirectionClose, DirectionStop:
		return Request{
			HTTPPath:    "/roller/" + ch + "?go=" + direction,
			MQTTTopic:   "roller/" + ch + "/command",
			MQTTPayload: direction,
		}, nil
	default:
		return Request{}, fmt.Errorf("%w: direction %q", ErrInvalidCommand, direction)
	}
}

// UpdateFirmware asks the device to install the newest release it has been
// offered (has_firmware_update on the info unit). It only applies to the
// info unit, since the update is for the whole device.
func UpdateFirmware(u *Unit) (Request, error) {
	if u.Kind != KindInfo {
		return Request{}, fmt.Errorf("%w: update_firmware on %s", ErrUnsupportedCommand, u.Kind)
	}
	return Request{
		HTTPPath:    "/ota?update=1",
		MQTTTopic:   "command",
		MQTTPayload: "update_fw",
	}, nil
}

func endpoint(u *Unit) string {
	if u.Endpoint != "" {
		return u.Endpoint
	}
	switch u.Kind {
	case KindDimmer:
		return "light"
	default:
		return string(u.Kind)
	}
}
