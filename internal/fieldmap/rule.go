package fieldmap

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// StateAttribute is the attribute name that feeds a unit's canonical state.
const StateAttribute = "state"

// channelPlaceholder is replaced with the unit channel in paths and topics.
const channelPlaceholder = "$"

// Positional keys below this value step by 10 per channel, keys at or above
// it step by 100.
const (
	positionSplit      = 1000
	smallChannelStride = 10
	largeChannelStride = 100
)

// AutoReset returns an attribute to Value once it has been unchanged for After.
type AutoReset struct {
	Value any
	After time.Duration
}

// Rule maps one canonical attribute. Any of the locators may be empty; a
// transport whose locator is empty never supplies the attribute.
type Rule struct {
	Attribute string

	Positions []int
	Path      string
	Topic     string
	TopicPath string

	// Channel overrides the unit channel for this attribute.
	Channel *int

	// Format is applied to every transport unless FormatBy has an entry for it.
	Format   []string
	FormatBy map[Transport][]string

	AutoReset *AutoReset
}

// Map is the ordered rule set of one unit.
type Map []Rule

// Channel returns a pointer to ch, for Rule.Channel literals.
func Channel(ch int) *int {
	return &ch
}

// Position returns the channel-relative positional key.
func Position(pos, channel int) int {
	if pos < positionSplit {
		return pos + smallChannelStride*channel
	}
	return pos + largeChannelStride*channel
}

// Steps returns the formatting pipeline used for transport t.
func (r Rule) Steps(t Transport) []string {
	if steps, ok := r.FormatBy[t]; ok {
		return steps
	}
	return r.Format
}

// Extract locates the attribute in f and formats it. ok is false when the
// batch does not carry the attribute, which is never an error.
func (r Rule) Extract(f Facts, channel int) (value any, ok bool, err error) {
	if r.Channel != nil {
		channel = *r.Channel
	}

	var raw any
	switch f.Transport {
	case CoAP:
		raw, ok = r.fromPositions(f.Positions, channel)
	case HTTP:
		if r.Path != "" {
			raw, ok = Lookup(f.Document, r.Path, channel)
		}
	case MQTT:
		raw, ok = r.fromTopic(f.Topic, f.Payload, channel)
	}
	if !ok || raw == nil {
		return nil, false, nil
	}

	value, err = Apply(raw, r.Steps(f.Transport))
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (r Rule) fromPositions(positions map[int]any, channel int) (any, bool) {
	for _, pos := range r.Positions {
		if v, ok := positions[Position(pos, channel)]; ok {
			return v, true
		}
	}
	return nil, false
}

func (r Rule) fromTopic(topic string, payload []byte, channel int) (any, bool) {
	if r.Topic == "" || topic != expand(r.Topic, channel) {
		return nil, false
	}
	if r.TopicPath == "" {
		return ParseScalar(payload), true
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, false
	}
	return Lookup(doc, r.TopicPath, channel)
}

func expand(pattern string, channel int) string {
	return strings.ReplaceAll(pattern, channelPlaceholder, strconv.Itoa(channel))
}

// Lookup walks a decoded JSON document along a slash separated path. A "$"
// segment selects the channel; numeric segments index arrays.
func Lookup(doc any, path string, channel int) (any, bool) {
	cur := doc
	for _, key := range strings.Split(path, "/") {
		if key == channelPlaceholder {
			key = strconv.Itoa(channel)
		}
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[key]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
