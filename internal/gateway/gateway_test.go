package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/gray-logic-shellybridge/internal/bridges/shellyhttp"
	"github.com/nerrad567/gray-logic-shellybridge/internal/composer"
	"github.com/nerrad567/gray-logic-shellybridge/internal/device"
	"github.com/nerrad567/gray-logic-shellybridge/internal/fieldmap"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/mqtt"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// =============================================================================
// Mocks
// =============================================================================

// mockHTTP is a scripted device HTTP collaborator.
type mockHTTP struct {
	mu         sync.Mutex
	identities map[string]shellyhttp.Identity
	identErr   map[string]error
	modes      map[string]string
	docs       map[string]any // host+path -> document
	accept     bool           // answer ok for paths not in docs
	gets       []string
	identifies []string
	modeCalls  []string
}

func newMockHTTP() *mockHTTP {
	return &mockHTTP{
		identities: make(map[string]shellyhttp.Identity),
		identErr:   make(map[string]error),
		modes:      make(map[string]string),
		docs:       make(map[string]any),
	}
}

func (m *mockHTTP) Get(_ context.Context, host, path string) (bool, any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets = append(m.gets, host+path)
	if doc, ok := m.docs[host+path]; ok {
		return true, doc
	}
	return m.accept, nil
}

func (m *mockHTTP) Identify(_ context.Context, host string) (shellyhttp.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.identifies = append(m.identifies, host)
	if err, ok := m.identErr[host]; ok {
		return shellyhttp.Identity{}, err
	}
	id, ok := m.identities[host]
	if !ok {
		return shellyhttp.Identity{}, fmt.Errorf("%w: 404", shellyhttp.ErrBadStatus)
	}
	return id, nil
}

func (m *mockHTTP) Mode(_ context.Context, host string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modeCalls = append(m.modeCalls, host)
	mode, ok := m.modes[host]
	if !ok {
		return "", errors.New("unreachable")
	}
	return mode, nil
}

func (m *mockHTTP) setMode(host, mode string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modes[host] = mode
}

func (m *mockHTTP) getCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.gets...)
}

func (m *mockHTTP) identifyCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.identifies...)
}

func (m *mockHTTP) modeCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.modeCalls)
}

type brokerPublish struct {
	clientID string
	topic    string
	payload  string
}

// mockBroker stands in for the embedded broker.
type mockBroker struct {
	mu        sync.Mutex
	connected map[string]bool
	published []brokerPublish
}

func (m *mockBroker) Publish(clientID, topic string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected[clientID] {
		return errors.New("not connected")
	}
	m.published = append(m.published, brokerPublish{clientID, topic, string(payload)})
	return nil
}

func (m *mockBroker) IsConnected(clientID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected[clientID]
}

type mqttPublish struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// mockMQTT records publishes and subscriptions on the upstream bus.
type mockMQTT struct {
	mu        sync.Mutex
	connected bool
	published []mqttPublish
	handlers  map[string]mqtt.MessageHandler
}

func newMockMQTT() *mockMQTT {
	return &mockMQTT{connected: true, handlers: make(map[string]mqtt.MessageHandler)}
}

func (m *mockMQTT) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mqttPublish{topic, payload, qos, retained})
	return nil
}

func (m *mockMQTT) PublishRetained(topic string, payload []byte) error {
	return m.Publish(topic, payload, 1, true)
}

func (m *mockMQTT) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *mockMQTT) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockMQTT) Topics() mqtt.Topics {
	return mqtt.Topics{Prefix: "test"}
}

// last returns the most recent publish on a topic.
func (m *mockMQTT) last(topic string) (mqttPublish, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.published) - 1; i >= 0; i-- {
		if m.published[i].topic == topic {
			return m.published[i], true
		}
	}
	return mqttPublish{}, false
}

func (m *mockMQTT) count(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.published {
		if p.topic == topic {
			n++
		}
	}
	return n
}

func (m *mockMQTT) handler(topic string) mqtt.MessageHandler {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handlers[topic]
}

// memRepo is an in-memory device.Repository.
type memRepo struct {
	mu      sync.Mutex
	records map[string]device.Record
	saves   int
	deletes int
}

func newMemRepo(records ...device.Record) *memRepo {
	r := &memRepo{records: make(map[string]device.Record)}
	for _, rec := range records {
		r.records[rec.ID] = rec
	}
	return r
}

func (r *memRepo) GetByID(_ context.Context, id string) (*device.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	return &rec, nil
}

func (r *memRepo) List(context.Context) ([]device.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]device.Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, rec)
	}
	return out, nil
}

func (r *memRepo) Save(_ context.Context, rec *device.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID] = *rec
	r.saves++
	return nil
}

func (r *memRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return device.ErrDeviceNotFound
	}
	delete(r.records, id)
	r.deletes++
	return nil
}

func (r *memRepo) get(id string) (device.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[id]
	return rec, ok
}

func (r *memRepo) saveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saves
}

type historyCall struct {
	deviceID string
	unitID   string
	source   string
	state    any
}

// mockHistory records state history writes.
type mockHistory struct {
	mu      sync.Mutex
	calls   []historyCall
	pruned  int
	removes int64
}

func (h *mockHistory) RecordChange(_ context.Context, deviceID string, unit device.Unit, source string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, historyCall{deviceID, unit.ID, source, unit.State})
	return nil
}

func (h *mockHistory) GetHistory(context.Context, device.HistoryQuery) ([]device.StateHistoryEntry, error) {
	return nil, nil
}

func (h *mockHistory) PruneHistory(context.Context, time.Duration) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pruned++
	return h.removes, nil
}

type mockStore struct{ optimized atomic.Int32 }

func (s *mockStore) Optimize(context.Context) error {
	s.optimized.Add(1)
	return nil
}

func (h *mockHistory) recorded() []historyCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]historyCall(nil), h.calls...)
}

type unitWrite struct {
	tags   influxdb.UnitTags
	values map[string]any
}

// mockWriter records InfluxDB unit writes.
type mockWriter struct {
	mu     sync.Mutex
	writes []unitWrite
}

func (w *mockWriter) WriteUnit(tags influxdb.UnitTags, values map[string]any, _ time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writes = append(w.writes, unitWrite{tags, values})
	return true
}

func (w *mockWriter) written() []unitWrite {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]unitWrite(nil), w.writes...)
}

// =============================================================================
// Helpers
// =============================================================================

func testConfig() config.GatewayConfig {
	return config.GatewayConfig{
		Poll:  config.PollConfig{ScanInterval: 1, StatusInterval: 60},
		Click: config.ClickConfig{DebounceMS: 50},
	}
}

// newTestGateway builds a gateway over a fresh engine. Unset options get
// defaults: the default catalog and a scripted HTTP client.
func newTestGateway(t *testing.T, opts Options) (*Gateway, *mockHTTP) {
	t.Helper()

	if opts.Engine == nil {
		opts.Engine = device.NewEngine()
	}
	if opts.Composer == nil {
		opts.Composer = composer.New(composer.DefaultCatalog(), opts.Engine, composer.Options{})
	}
	httpMock, _ := opts.HTTP.(*mockHTTP)
	if opts.HTTP == nil {
		httpMock = newMockHTTP()
		opts.HTTP = httpMock
	}
	if opts.Config.Click.DebounceMS == 0 {
		cmds := opts.Config.Commands
		opts.Config = testConfig()
		opts.Config.Commands = cmds
	}

	g, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(g.clicks.Stop)
	return g, httpMock
}

// startSink subscribes the gateway to its engine and drains changes.
func startSink(t *testing.T, g *Gateway) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	g.setContext(ctx)
	unsubscribe := g.engine.Subscribe(g.queueChange)
	done := make(chan struct{})
	go func() {
		defer close(done)
		g.runSink(ctx)
	}()
	t.Cleanup(func() {
		unsubscribe()
		cancel()
		<-done
	})
}

// addDevice composes and registers a device directly in the engine.
func addDevice(t *testing.T, g *Gateway, id, hwType, mode, address, mqttName string) device.Device {
	t.Helper()
	comp, err := g.composer.Compose(context.Background(), id, hwType, composer.StaticProbe(mode))
	require.NoError(t, err)
	nd := comp.NewDevice(id, address)
	nd.MQTTName = mqttName
	dev, created, err := g.engine.AddDevice(nd)
	require.NoError(t, err)
	require.True(t, created)
	return dev
}

func unitOf(t *testing.T, g *Gateway, deviceID string, kind device.Kind) device.Unit {
	t.Helper()
	dev, err := g.engine.Get(deviceID)
	require.NoError(t, err)
	units := dev.UnitsOfKind(kind)
	require.NotEmpty(t, units, "device %s has no %s unit", deviceID, kind)
	return *units[0]
}

func eventuallyKnown(t *testing.T, g *Gateway, deviceID string) device.Device {
	t.Helper()
	require.Eventually(t, func() bool {
		_, err := g.engine.Get(deviceID)
		return err == nil
	}, waitFor, tick, "device %s never registered", deviceID)
	dev, err := g.engine.Get(deviceID)
	require.NoError(t, err)
	return dev
}

// =============================================================================
// Construction and lifecycle
// =============================================================================

func TestNew_RequiresCollaborators(t *testing.T) {
	engine := device.NewEngine()
	comp := composer.New(composer.DefaultCatalog(), engine, composer.Options{})

	tests := []struct {
		name string
		opts Options
	}{
		{"no engine", Options{Composer: comp, HTTP: newMockHTTP()}},
		{"no composer", Options{Engine: engine, HTTP: newMockHTTP()}},
		{"no http", Options{Engine: engine, Composer: comp}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestNew_EmbeddedBroker(t *testing.T) {
	cfg := testConfig()
	cfg.Broker = config.BrokerConfig{Enabled: true, Host: "127.0.0.1", Port: 0}

	g, _ := newTestGateway(t, Options{Config: cfg})
	assert.NotNil(t, g.server)
	assert.NotNil(t, g.broker)

	g2, _ := newTestGateway(t, Options{})
	assert.Nil(t, g2.server)
	assert.Nil(t, g2.broker)
}

func TestRun_LoadsSubscribesAndStops(t *testing.T) {
	repo := newMemRepo(device.Record{
		ID: "A4CF12F454A3", Type: "SHSW-25", Mode: composer.ModeRoller,
		Address: "10.0.0.5", MQTTName: "shellyswitch25-A4CF12F454A3",
	})
	upstream := newMockMQTT()

	cfg := testConfig()
	cfg.Broker = config.BrokerConfig{Enabled: true, Host: "127.0.0.1", Port: 0}

	g, _ := newTestGateway(t, Options{
		Config:           cfg,
		SubscribeDevices: true,
		MQTT:             upstream,
		Repository:       repo,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Run(ctx) }()

	dev := eventuallyKnown(t, g, "A4CF12F454A3")
	assert.Equal(t, composer.ModeRoller, dev.Mode)
	assert.Equal(t, "shellyswitch25-A4CF12F454A3", dev.MQTTName)

	require.Eventually(t, func() bool {
		return upstream.handler("test/device/+/+/set") != nil && upstream.handler(mqtt.AllDeviceTelemetry) != nil
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		return upstream.count(mqtt.DeviceAnnounceCommand) == 1
	}, waitFor, tick)

	// The loaded device is published but not written back.
	require.Eventually(t, func() bool {
		p, ok := upstream.last("test/device/A4CF12F454A3/available")
		return ok && string(p.payload) == mqtt.PayloadOnline
	}, waitFor, tick)
	assert.Zero(t, repo.saveCount())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestOnMQTTConnect_RepublishesEverything(t *testing.T) {
	upstream := newMockMQTT()
	g, _ := newTestGateway(t, Options{MQTT: upstream})
	addDevice(t, g, "98F4ABB929CC", "SHSW-1", "", "10.0.0.7", "")

	g.PublishAll()
	g.PublishAll()

	assert.Equal(t, 2, upstream.count("test/device/98F4ABB929CC/available"),
		"availability must be republished on every reconnect")
	assert.Equal(t, 2, upstream.count("test/device/98F4ABB929CC/98F4ABB929CC-relay/state"))
}

func TestMaintain_ChecksAvailability(t *testing.T) {
	g, _ := newTestGateway(t, Options{})

	// SHHT-1 is a battery device; it becomes unavailable after its window.
	comp, err := g.composer.Compose(context.Background(), "A1B2C3", "SHHT-1", nil)
	require.NoError(t, err)
	nd := comp.NewDevice("A1B2C3", "")
	nd.UnavailableAfter = time.Minute
	_, _, err = g.engine.AddDevice(nd)
	require.NoError(t, err)

	now := time.Now()
	dev, _, err := g.engine.ApplyFacts("A1B2C3", fieldmap.Facts{
		Transport: fieldmap.CoAP,
		At:        now,
		Positions: map[int]any{3101: 21.5},
	})
	require.NoError(t, err)
	require.True(t, dev.Available)

	changes := make(chan device.Change, 4)
	g.engine.Subscribe(func(c device.Change) { changes <- c })

	g.maintain(now.Add(2 * time.Minute))

	select {
	case c := <-changes:
		assert.Equal(t, device.ReasonAvailability, c.Reason)
		assert.False(t, c.Device.Available)
	case <-time.After(waitFor):
		t.Fatal("no availability change")
	}
}

func TestPruneHistory(t *testing.T) {
	history := &mockHistory{}
	g, _ := newTestGateway(t, Options{History: history})

	g.pruneHistory(context.Background())
	assert.Equal(t, 1, history.pruned)
}

func TestPruneHistory_OptimizesStore(t *testing.T) {
	store := &mockStore{}
	history := &mockHistory{}
	g, _ := newTestGateway(t, Options{History: history, Store: store})

	g.pruneHistory(context.Background())
	assert.Zero(t, store.optimized.Load(), "nothing pruned, nothing to optimize")

	history.removes = 12
	g.pruneHistory(context.Background())
	assert.Equal(t, int32(1), store.optimized.Load())
}
