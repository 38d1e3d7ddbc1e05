package mqtt

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/gray-logic-shellybridge/internal/bridges/broker"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/config"
)

const waitFor = 3 * time.Second

// testBroker is the bridge's own embedded broker. It acks everything the
// client sends and can publish to the client by id, which is all these tests
// need from a broker.
type testBroker struct {
	srv *broker.Server

	mu   sync.Mutex
	msgs []broker.Message
}

func startBroker(t *testing.T) (*testBroker, config.MQTTConfig) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	tb := &testBroker{}
	tb.srv = broker.NewServer(broker.Options{Handler: tb.record})

	ctx, cancel := context.WithCancel(context.Background())
	go tb.srv.Serve(ctx, ln) //nolint:errcheck // returns nil on cancel
	t.Cleanup(func() {
		cancel()
		_ = tb.srv.Close()
	})

	port := ln.Addr().(*net.TCPAddr).Port
	return tb, testConfig(port)
}

func (b *testBroker) record(m broker.Message) {
	b.mu.Lock()
	b.msgs = append(b.msgs, m)
	b.mu.Unlock()
}

// received returns the payloads published to topic, in order.
func (b *testBroker) received(topic string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.msgs {
		if m.Topic == topic {
			out = append(out, string(m.Payload))
		}
	}
	return out
}

func (b *testBroker) waitReceived(t *testing.T, topic, payload string) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		for _, p := range b.received(topic) {
			if p == payload {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("broker never received %q on %s (got %v)", payload, topic, b.received(topic))
}

func testConfig(port int) config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     port,
			ClientID: "shellybridge-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     2,
		},
		TopicPrefix: "test",
	}
}

func connectTest(t *testing.T) (*Client, *testBroker) {
	t.Helper()
	tb, cfg := startBroker(t)

	client, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client, tb
}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	l.errors = append(l.errors, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	l.warns = append(l.warns, msg)
	l.mu.Unlock()
}

func (l *recordingLogger) counts() (errs, warns int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errors), len(l.warns)
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect(t *testing.T) {
	client, tb := connectTest(t)

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	tb.waitReceived(t, "test/bridge/status", PayloadOnline)
}

func TestConnect_BrokerRefused(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for the connect timeout")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	_, err = Connect(context.Background(), testConfig(port))
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_ContextCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = Connect(ctx, testConfig(port))
	if !errors.Is(err, ErrConnectionFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed wrapping the deadline", err)
	}
	if elapsed := time.Since(start); elapsed > defaultConnectTimeout/2 {
		t.Errorf("Connect() took %v, want it to stop with the context", elapsed)
	}
}

func TestStats(t *testing.T) {
	client, tb := connectTest(t)
	tb.waitReceived(t, "test/bridge/status", PayloadOnline)

	s := client.Stats()
	if s.Connects != 1 || s.Losses != 0 {
		t.Errorf("Stats() = %+v, want 1 connect and no losses", s)
	}
}

func TestClose(t *testing.T) {
	tb, cfg := startBroker(t)
	client, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	tb.waitReceived(t, "test/bridge/status", PayloadOnline)

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close(), want false")
	}
	tb.waitReceived(t, "test/bridge/status", PayloadOffline)
}

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v, want nil", err)
	}
}

func TestIsConnected_InitialState(t *testing.T) {
	client := &Client{}
	if client.IsConnected() {
		t.Error("IsConnected() = true for unconnected client")
	}
}

// =============================================================================
// HealthCheck Tests
// =============================================================================

func TestHealthCheck(t *testing.T) {
	client, _ := connectTest(t)

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v, want nil", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v, want context.Canceled", err)
	}
}

func TestHealthCheckDisconnected(t *testing.T) {
	client := &Client{}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

// =============================================================================
// Publish Tests
// =============================================================================

func TestPublish(t *testing.T) {
	client, tb := connectTest(t)
	topic := client.Topics().UnitState("A4CF12F454A3", "relay-0")

	if err := client.PublishRetained(topic, []byte(`{"state":true}`)); err != nil {
		t.Fatalf("PublishRetained() error = %v", err)
	}
	if err := client.PublishString(client.Topics().DeviceAvailable("A4CF12F454A3"), PayloadOnline, 0, true); err != nil {
		t.Fatalf("PublishString() error = %v", err)
	}

	tb.waitReceived(t, "test/device/A4CF12F454A3/relay-0/state", `{"state":true}`)
	tb.waitReceived(t, "test/device/A4CF12F454A3/available", PayloadOnline)
}

func TestPublish_Validation(t *testing.T) {
	client, _ := connectTest(t)

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		wantErr error
	}{
		{"empty topic", "", []byte("x"), 0, ErrInvalidTopic},
		{"qos 3", "test/x", []byte("x"), 3, ErrInvalidQoS},
		{"wildcard in name", "test/+/x", []byte("x"), 0, ErrInvalidTopic},
		{"payload too large", "test/x", make([]byte, maxPayloadSize+1), 0, ErrPublishFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Publish() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPublishNilPayload(t *testing.T) {
	client, tb := connectTest(t)

	if err := client.Publish("test/empty", nil, 1, false); err != nil {
		t.Fatalf("Publish(nil) error = %v", err)
	}
	tb.waitReceived(t, "test/empty", "")
}

func TestPublishDisconnected(t *testing.T) {
	client := &Client{}
	if err := client.Publish("test/x", []byte("x"), 0, false); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Publish() error = %v, want ErrNotConnected", err)
	}
}

func TestPublishDevice(t *testing.T) {
	client, tb := connectTest(t)

	if err := client.PublishDevice("shellyplug-s-7C87CE", "relay/0/command", "on"); err != nil {
		t.Fatalf("PublishDevice() error = %v", err)
	}
	tb.waitReceived(t, "shellies/shellyplug-s-7C87CE/relay/0/command", "on")

	if err := client.PublishDevice("", "relay/0/command", "on"); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("PublishDevice(no name) error = %v, want ErrInvalidTopic", err)
	}
}

// =============================================================================
// Subscribe Tests
// =============================================================================

type delivery struct {
	topic   string
	payload string
}

func TestSubscribe_WildcardDelivery(t *testing.T) {
	client, tb := connectTest(t)

	got := make(chan delivery, 4)
	err := client.Subscribe(client.Topics().AllUnitSets(), 1, func(topic string, payload []byte) error {
		got <- delivery{topic, string(payload)}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !client.HasSubscription("test/device/+/+/set") {
		t.Error("HasSubscription() = false after Subscribe")
	}

	publish := func(topic, payload string) {
		if err := tb.srv.Publish("shellybridge-test", topic, []byte(payload)); err != nil {
			t.Fatalf("server Publish() error = %v", err)
		}
	}
	publish("test/device/A4CF12F454A3/relay-0/state", "ignored")
	publish("test/device/A4CF12F454A3/relay-0/set", "on")

	select {
	case d := <-got:
		if d.topic != "test/device/A4CF12F454A3/relay-0/set" || d.payload != "on" {
			t.Errorf("delivery = %+v", d)
		}
	case <-time.After(waitFor):
		t.Fatal("no message delivered")
	}

	select {
	case d := <-got:
		t.Errorf("unexpected delivery %+v", d)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribe_Validation(t *testing.T) {
	client, _ := connectTest(t)
	noop := func(string, []byte) error { return nil }

	tests := []struct {
		name    string
		topic   string
		qos     byte
		handler MessageHandler
		wantErr error
	}{
		{"empty topic", "", 0, noop, ErrInvalidTopic},
		{"qos 3", "test/#", 3, noop, ErrInvalidQoS},
		{"nil handler", "test/#", 0, nil, ErrSubscribeFailed},
		{"hash not last", "test/#/x", 0, noop, ErrInvalidTopic},
		{"partial plus", "test/dev+/x", 0, noop, ErrInvalidTopic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := client.Subscribe(tt.topic, tt.qos, tt.handler)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if n := client.SubscriptionCount(); n != 0 {
		t.Errorf("SubscriptionCount() = %d after failed subscribes, want 0", n)
	}
}

func TestSubscribeDisconnected(t *testing.T) {
	client := &Client{subscriptions: make(map[string]subscription)}
	err := client.Subscribe(AllDeviceTelemetry, 0, func(string, []byte) error { return nil })
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	client, _ := connectTest(t)

	if err := client.Subscribe(AllDeviceTelemetry, 0, func(string, []byte) error { return nil }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := client.Unsubscribe(AllDeviceTelemetry); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if client.HasSubscription(AllDeviceTelemetry) {
		t.Error("HasSubscription() = true after Unsubscribe")
	}
	if err := client.Unsubscribe(""); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Unsubscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
}

func TestMultipleSubscriptions(t *testing.T) {
	client, _ := connectTest(t)
	noop := func(string, []byte) error { return nil }

	for _, topic := range []string{AllDeviceTelemetry, client.Topics().AllUnitSets(), AllDeviceTelemetry} {
		if err := client.Subscribe(topic, 0, noop); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}
	if n := client.SubscriptionCount(); n != 2 {
		t.Errorf("SubscriptionCount() = %d, want 2", n)
	}
}

func TestHandlerErrorsAndPanicsAreLogged(t *testing.T) {
	client, tb := connectTest(t)
	logger := &recordingLogger{}
	client.SetLogger(logger)

	delivered := make(chan string, 4)
	err := client.Subscribe("test/#", 0, func(topic string, payload []byte) error {
		delivered <- string(payload)
		switch string(payload) {
		case "panic":
			panic("handler blew up")
		case "fail":
			return errors.New("bad payload")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	for _, p := range []string{"panic", "fail", "ok"} {
		if err := tb.srv.Publish("shellybridge-test", "test/anything", []byte(p)); err != nil {
			t.Fatalf("server Publish() error = %v", err)
		}
	}

	for range 3 {
		select {
		case <-delivered:
		case <-time.After(waitFor):
			t.Fatal("handler stopped receiving after a panic")
		}
	}

	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		if errs, warns := logger.counts(); errs == 1 && warns == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	errs, warns := logger.counts()
	t.Errorf("logged errors=%d warns=%d, want 1 and 1", errs, warns)
}

// =============================================================================
// Topic Tests
// =============================================================================

func TestTopicBuilders(t *testing.T) {
	custom := Topics{Prefix: "home/shelly/"}
	var zero Topics

	tests := []struct {
		name     string
		got      string
		expected string
	}{
		{"BridgeStatus", custom.BridgeStatus(), "home/shelly/bridge/status"},
		{"UnitState", custom.UnitState("A4CF12F454A3", "relay-0"), "home/shelly/device/A4CF12F454A3/relay-0/state"},
		{"UnitSet", custom.UnitSet("A4CF12F454A3", "roller-0"), "home/shelly/device/A4CF12F454A3/roller-0/set"},
		{"DeviceAvailable", custom.DeviceAvailable("A4CF12F454A3"), "home/shelly/device/A4CF12F454A3/available"},
		{"AllUnitSets", custom.AllUnitSets(), "home/shelly/device/+/+/set"},
		{"default prefix", zero.BridgeStatus(), "shellybridge/bridge/status"},
		{"DeviceCommand", DeviceCommand("shelly1-ABC", "/relay/0/command"), "shellies/shelly1-ABC/relay/0/command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("got %q, want %q", tt.got, tt.expected)
			}
		})
	}
}

func TestParseUnitSet(t *testing.T) {
	topics := Topics{Prefix: "test"}

	tests := []struct {
		topic      string
		wantDevice string
		wantUnit   string
		wantOK     bool
	}{
		{"test/device/A4CF12F454A3/relay-0/set", "A4CF12F454A3", "relay-0", true},
		{topics.UnitSet("84CCA8ADD00F", "light-1"), "84CCA8ADD00F", "light-1", true},
		{"test/device/A4CF12F454A3/relay-0/state", "", "", false},
		{"test/device/A4CF12F454A3/set", "", "", false},
		{"test/device//relay-0/set", "", "", false},
		{"other/device/A4CF12F454A3/relay-0/set", "", "", false},
		{"test/device/A4CF12F454A3/relay-0/set/extra", "", "", false},
	}

	for _, tt := range tests {
		t.Run(strings.ReplaceAll(tt.topic, "/", "_"), func(t *testing.T) {
			dev, unit, ok := topics.ParseUnitSet(tt.topic)
			if ok != tt.wantOK || dev != tt.wantDevice || unit != tt.wantUnit {
				t.Errorf("ParseUnitSet(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.topic, dev, unit, ok, tt.wantDevice, tt.wantUnit, tt.wantOK)
			}
		})
	}
}

func TestCheckFilter(t *testing.T) {
	valid := []string{"#", "+", "shellies/+/relay/#", "test/device/+/+/set", "a/b/c"}
	for _, f := range valid {
		if err := checkFilter(f); err != nil {
			t.Errorf("checkFilter(%q) error = %v", f, err)
		}
	}
	invalid := []string{"", "a/#/b", "a/b#", "a+/b", "#/a"}
	for _, f := range invalid {
		if err := checkFilter(f); !errors.Is(err, ErrInvalidTopic) {
			t.Errorf("checkFilter(%q) error = %v, want ErrInvalidTopic", f, err)
		}
	}
}

func TestClientOptions(t *testing.T) {
	cfg := testConfig(1883)
	cfg.Broker.TLS = true
	cfg.Auth.Username = "bridge"

	opts := clientOptions(cfg, Topics{Prefix: "test"})
	if got := opts.Servers[0].String(); got != "ssl://127.0.0.1:1883" {
		t.Errorf("server = %s", got)
	}
	if opts.WillTopic != "test/bridge/status" || !opts.WillRetained || string(opts.WillPayload) != PayloadOffline {
		t.Errorf("will = %s %q retained=%v", opts.WillTopic, opts.WillPayload, opts.WillRetained)
	}
	if opts.Username != "bridge" || opts.TLSConfig == nil {
		t.Errorf("credentials or TLS not applied: user=%q tls=%v", opts.Username, opts.TLSConfig != nil)
	}
}

func TestClientID(t *testing.T) {
	if got := clientID(config.MQTTBrokerConfig{ClientID: "fixed"}); got != "fixed" {
		t.Errorf("clientID() = %s, want fixed", got)
	}
	a := clientID(config.MQTTBrokerConfig{})
	b := clientID(config.MQTTBrokerConfig{})
	if !strings.HasPrefix(a, clientIDPrefix) || a == b {
		t.Errorf("generated ids %q, %q", a, b)
	}
}
