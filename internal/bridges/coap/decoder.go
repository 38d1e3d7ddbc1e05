package coap

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// CoAP codes the devices use.
const (
	// CodeStatus is a periodic or event-driven status report.
	CodeStatus byte = 30
	// CodeDiscovery is a hello/announce, sent in reply to a discovery request.
	CodeDiscovery byte = 69
)

const (
	minDatagramLen = 10
	headerLen      = 4
	proxyHeaderLen = 8
	payloadMarker  = 0xFF

	// optionDeviceID carries "type#id#firmware".
	optionDeviceID = 3332

	nibbleExt1     = 13
	nibbleExt2     = 14
	nibbleReserved = 15
	ext1Offset     = 13
	ext2Offset     = 269
)

var proxyMarker = []byte("prxy")

// Message is one decoded CoIoT datagram.
type Message struct {
	Code       byte
	DeviceType string
	DeviceID   string
	Firmware   string

	// Address is the device address: the UDP source, or the relayed address
	// when the datagram came through a proxy.
	Address string

	// Values maps positional key to value for status reports. Numbers are
	// float64; input event symbols such as "S" and "L" stay strings.
	Values map[int]any
}

// Relevant reports whether the message carries a code the gateway acts on.
func (m Message) Relevant() bool {
	return m.Code == CodeStatus || m.Code == CodeDiscovery
}

// Decode parses one datagram received from address from.
//
// Messages with a code other than CodeStatus or CodeDiscovery decode to a
// Message with only Code and Address set and no error. Short datagrams,
// option chains that run off the buffer and broken payloads return
// ErrMalformedTelemetry.
func Decode(datagram []byte, from string) (Message, error) {
	if len(datagram) < minDatagramLen {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrMalformedTelemetry, len(datagram))
	}

	msg := Message{Address: from}
	data := datagram

	if len(data) >= proxyHeaderLen && string(data[:len(proxyMarker)]) == string(proxyMarker) {
		msg.Address = net.IPv4(data[4], data[5], data[6], data[7]).String()
		data = data[proxyHeaderLen:]
		if len(data) < headerLen {
			return Message{}, fmt.Errorf("%w: proxied message too short", ErrMalformedTelemetry)
		}
	}

	tkl := int(data[0] & 0x0F)
	msg.Code = data[1]
	if !msg.Relevant() {
		return msg, nil
	}

	pos := headerLen + tkl
	if pos > len(data) {
		return Message{}, fmt.Errorf("%w: token past end", ErrMalformedTelemetry)
	}

	payload, err := msg.readOptions(data, pos)
	if err != nil {
		return Message{}, err
	}
	if msg.DeviceID == "" {
		return Message{}, fmt.Errorf("%w: no device id option", ErrMalformedTelemetry)
	}

	if msg.Code == CodeStatus {
		values, err := decodeValues(payload)
		if err != nil {
			return Message{}, err
		}
		msg.Values = values
	}

	return msg, nil
}

// readOptions walks the option list starting at pos and returns the payload
// bytes following the 0xFF marker (nil when there is none).
func (m *Message) readOptions(data []byte, pos int) ([]byte, error) {
	number := 0
	for pos < len(data) {
		b := data[pos]
		if b == payloadMarker {
			return data[pos+1:], nil
		}
		pos++

		delta, next, err := extend(int(b>>4), data, pos)
		if err != nil {
			return nil, err
		}
		length, next, err := extend(int(b&0x0F), data, next)
		if err != nil {
			return nil, err
		}
		pos = next

		if pos+length > len(data) {
			return nil, fmt.Errorf("%w: option %d length %d past end", ErrMalformedTelemetry, number+delta, length)
		}
		number += delta
		value := data[pos : pos+length]
		pos += length

		if number == optionDeviceID {
			parts := strings.SplitN(string(value), "#", 3)
			m.DeviceType = parts[0]
			if len(parts) > 1 {
				m.DeviceID = parts[1]
			}
			if len(parts) > 2 {
				m.Firmware = parts[2]
			}
		}
	}
	return nil, nil
}

// extend resolves an option delta or length nibble, consuming the extended
// bytes it needs.
func extend(nibble int, data []byte, pos int) (int, int, error) {
	switch nibble {
	case nibbleExt1:
		if pos >= len(data) {
			return 0, 0, fmt.Errorf("%w: truncated extended option", ErrMalformedTelemetry)
		}
		return int(data[pos]) + ext1Offset, pos + 1, nil
	case nibbleExt2:
		if pos+1 >= len(data) {
			return 0, 0, fmt.Errorf("%w: truncated extended option", ErrMalformedTelemetry)
		}
		return int(data[pos])<<8 + int(data[pos+1]) + ext2Offset, pos + 2, nil
	case nibbleReserved:
		return 0, 0, fmt.Errorf("%w: reserved option nibble", ErrMalformedTelemetry)
	default:
		return nibble, pos, nil
	}
}

// payloadFixer repairs the separator glitches some firmware emits.
var payloadFixer = strings.NewReplacer(",,", ",", "][", "],[")

// decodeValues turns a status payload into positional values. The payload
// is either {"G": [[src, key, value], ...]} or the bare array.
func decodeValues(payload []byte) (map[int]any, error) {
	values := make(map[int]any)
	if len(payload) == 0 {
		return values, nil
	}

	text, err := charmap.Windows1252.NewDecoder().Bytes(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: payload encoding: %w", ErrMalformedTelemetry, err)
	}
	fixed := payloadFixer.Replace(string(text))

	var triples [][]any
	trimmed := strings.TrimSpace(fixed)
	if strings.HasPrefix(trimmed, "{") {
		var doc struct {
			G [][]any `json:"G"`
		}
		if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
			return nil, fmt.Errorf("%w: payload: %w", ErrMalformedTelemetry, err)
		}
		triples = doc.G
	} else if err := json.Unmarshal([]byte(trimmed), &triples); err != nil {
		return nil, fmt.Errorf("%w: payload: %w", ErrMalformedTelemetry, err)
	}

	for _, t := range triples {
		if len(t) < 3 { //nolint:mnd // [source, key, value]
			continue
		}
		key, ok := t[1].(float64)
		if !ok {
			continue
		}
		switch v := t[2].(type) {
		case float64, string, bool:
			values[int(key)] = v
		}
	}
	return values, nil
}
