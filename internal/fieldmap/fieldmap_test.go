package fieldmap

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func mustJSON(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatalf("bad test JSON: %v", err)
	}
	return v
}

func TestPosition(t *testing.T) {
	tests := []struct {
		pos, ch, want int
	}{
		{112, 0, 112},
		{112, 1, 122},
		{33, 2, 53},
		{1101, 0, 1101},
		{1101, 1, 1201},
		{4101, 3, 4401},
	}
	for _, tt := range tests {
		if got := Position(tt.pos, tt.ch); got != tt.want {
			t.Errorf("Position(%d, %d) = %d, want %d", tt.pos, tt.ch, got, tt.want)
		}
	}
}

func TestApply(t *testing.T) {
	tests := []struct {
		name  string
		value any
		steps []string
		want  any
	}{
		{"no steps", 12.5, nil, 12.5},
		{"bool from number", 1.0, []string{"bool"}, true},
		{"bool from zero", 0.0, []string{"bool"}, false},
		{"bool from word", "on", []string{"bool"}, true},
		{"round", 41.6, []string{"round"}, 42.0},
		{"round digits", 21.456, []string{"round:1"}, 21.5},
		{"float from string", "3.5", []string{"float"}, 3.5},
		{"divide", 600.0, []string{"/60"}, 10.0},
		{"divide then round", 100.0, []string{"/60", "round:2"}, 1.67},
		{"version", "20210115-103659/v1.9.5@e7b9c3d9", []string{"ver"}, "v1.9.5"},
		{"version rc", "20200320-123430/v1.6.2-rc1@f2ab11a6", []string{"ver"}, "v1.6.2-rc1"},
		{"version passthrough", "v1.9.5", []string{"ver"}, "v1.9.5"},
		{"eq match", "open", []string{"eq:open"}, true},
		{"eq mismatch", "close", []string{"eq:open"}, false},
		{"eq on number", 1.0, []string{"eq:open"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Apply(tt.value, tt.steps)
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Apply() = %v (%T), want %v (%T)", got, got, tt.want, tt.want)
			}
		})
	}
}

func TestApply_BadStep(t *testing.T) {
	tests := []struct {
		name  string
		value any
		step  string
	}{
		{"unknown", 1.0, "upper"},
		{"divide by zero", 1.0, "/0"},
		{"round text", "abc", "round"},
		{"ver on number", 1.0, "ver"},
		{"bool on text", "maybe", "bool"},
		{"eq without word", "open", "eq"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Apply(tt.value, []string{tt.step})
			if !errors.Is(err, ErrBadStep) {
				t.Errorf("Apply() error = %v, want ErrBadStep", err)
			}
		})
	}
}

func TestValidateSteps(t *testing.T) {
	if err := ValidateSteps([]string{"bool", "round", "round:2", "float", "/60", "ver", "eq:open"}); err != nil {
		t.Errorf("ValidateSteps() error = %v", err)
	}
	for _, bad := range []string{"round:x", "/0", "/x", "nope", "eq", "eq:"} {
		if err := ValidateSteps([]string{bad}); !errors.Is(err, ErrBadStep) {
			t.Errorf("ValidateSteps(%q) error = %v, want ErrBadStep", bad, err)
		}
	}
}

func TestParseScalar(t *testing.T) {
	tests := []struct {
		in   string
		want any
	}{
		{"on", true},
		{"off", false},
		{"true", true},
		{"12.75", 12.75},
		{" 0 ", 0.0},
		{"overpower", "overpower"},
		{"stop", "stop"},
	}
	for _, tt := range tests {
		if got := ParseScalar([]byte(tt.in)); got != tt.want {
			t.Errorf("ParseScalar(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLookup(t *testing.T) {
	doc := mustJSON(t, `{"relays":[{"ison":false},{"ison":true}],"tmp":{"tC":41.6},"wifi_sta":{"ssid":"lan"}}`)

	tests := []struct {
		path    string
		channel int
		want    any
		ok      bool
	}{
		{"relays/$/ison", 1, true, true},
		{"relays/$/ison", 0, false, true},
		{"relays/$/ison", 2, nil, false},
		{"relays/1/ison", 0, true, true},
		{"tmp/tC", 0, 41.6, true},
		{"wifi_sta/ssid/deeper", 0, nil, false},
		{"missing", 0, nil, false},
	}
	for _, tt := range tests {
		got, ok := Lookup(doc, tt.path, tt.channel)
		if ok != tt.ok || !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Lookup(%q, %d) = %v, %v; want %v, %v", tt.path, tt.channel, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRule_Extract(t *testing.T) {
	power := Rule{
		Attribute: "power",
		Positions: []int{4101, 111},
		Path:      "meters/$/power",
		Topic:     "relay/$/power",
		Format:    []string{"round:1"},
	}
	state := Rule{
		Attribute: StateAttribute,
		Positions: []int{1101},
		Path:      "relays/$/ison",
		Topic:     "relay/$",
		FormatBy:  map[Transport][]string{CoAP: {"bool"}},
	}
	light := Rule{
		Attribute: "brightness",
		Topic:     "light/$/status",
		TopicPath: "brightness",
	}
	pinned := Rule{
		Attribute: "power",
		Positions: []int{4101},
		Channel:   Channel(0),
	}

	tests := []struct {
		name    string
		rule    Rule
		facts   Facts
		channel int
		want    any
		ok      bool
	}{
		{
			name:    "coap channel offset",
			rule:    power,
			facts:   Facts{Transport: CoAP, Positions: map[int]any{4101: 1.0, 4201: 35.26}},
			channel: 1,
			want:    35.3,
			ok:      true,
		},
		{
			name:  "coap fallback position",
			rule:  power,
			facts: Facts{Transport: CoAP, Positions: map[int]any{111: 20.0}},
			want:  20.0,
			ok:    true,
		},
		{
			name:  "coap per-transport format",
			rule:  state,
			facts: Facts{Transport: CoAP, Positions: map[int]any{1101: 1.0}},
			want:  true,
			ok:    true,
		},
		{
			name:    "channel override",
			rule:    pinned,
			facts:   Facts{Transport: CoAP, Positions: map[int]any{4101: 7.0, 4201: 9.0}},
			channel: 1,
			want:    7.0,
			ok:      true,
		},
		{
			name:    "http path",
			rule:    state,
			facts:   Facts{Transport: HTTP, Document: mustJSON(t, `{"relays":[{"ison":false},{"ison":true}]}`)},
			channel: 1,
			want:    true,
			ok:      true,
		},
		{
			name:  "http missing",
			rule:  state,
			facts: Facts{Transport: HTTP, Document: mustJSON(t, `{"meters":[]}`)},
		},
		{
			name:    "mqtt scalar",
			rule:    state,
			facts:   Facts{Transport: MQTT, Topic: "relay/1", Payload: []byte("on")},
			channel: 1,
			want:    true,
			ok:      true,
		},
		{
			name:  "mqtt other channel",
			rule:  state,
			facts: Facts{Transport: MQTT, Topic: "relay/1", Payload: []byte("on")},
		},
		{
			name:  "mqtt json sub path",
			rule:  light,
			facts: Facts{Transport: MQTT, Topic: "light/0/status", Payload: []byte(`{"ison":true,"brightness":55}`)},
			want:  55.0,
			ok:    true,
		},
		{
			name:  "mqtt broken json",
			rule:  light,
			facts: Facts{Transport: MQTT, Topic: "light/0/status", Payload: []byte(`{`)},
		},
		{
			name:  "no http locator",
			rule:  light,
			facts: Facts{Transport: HTTP, Document: mustJSON(t, `{"brightness":1}`)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := tt.rule.Extract(tt.facts, tt.channel)
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if ok != tt.ok || got != tt.want {
				t.Errorf("Extract() = %v, %v; want %v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestRule_ExtractFormatError(t *testing.T) {
	r := Rule{Attribute: "power", Topic: "relay/$/power", Format: []string{"round"}}
	_, ok, err := r.Extract(Facts{Transport: MQTT, Topic: "relay/0/power", Payload: []byte("n/a")}, 0)
	if !errors.Is(err, ErrBadStep) || ok {
		t.Errorf("Extract() = ok %v, err %v; want ErrBadStep", ok, err)
	}
}
