package gateway

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-shellybridge/internal/bridges/broker"
	"github.com/nerrad567/gray-logic-shellybridge/internal/bridges/coap"
	"github.com/nerrad567/gray-logic-shellybridge/internal/bridges/shellyhttp"
	"github.com/nerrad567/gray-logic-shellybridge/internal/click"
	"github.com/nerrad567/gray-logic-shellybridge/internal/composer"
	"github.com/nerrad567/gray-logic-shellybridge/internal/device"
	"github.com/nerrad567/gray-logic-shellybridge/internal/discovery"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/mqtt"
)

// Gateway timing constants.
const (
	// composeRetryInterval is the fixed backoff for pending compositions.
	composeRetryInterval = 30 * time.Second

	// maintenanceInterval drives auto-reset and availability checks.
	maintenanceInterval = time.Second

	// gaugeInterval is how often the device gauges are refreshed.
	gaugeInterval = 10 * time.Second

	// historyRetention and pruneInterval bound the state history table.
	historyRetention = 30 * 24 * time.Hour
	pruneInterval    = 24 * time.Hour

	// changeQueueSize bounds engine changes waiting for the sink.
	changeQueueSize = 1024

	// storeTimeout bounds one SQLite write from the sink.
	storeTimeout = 5 * time.Second
)

// Logger defines the logging interface used by the gateway.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// DeviceHTTP is the device HTTP collaborator. *shellyhttp.Client implements it.
type DeviceHTTP interface {
	// Get never fails loudly: any error is reported as ok=false.
	Get(ctx context.Context, host, path string) (ok bool, doc any)

	// Identify reads GET /shelly.
	Identify(ctx context.Context, host string) (shellyhttp.Identity, error)

	// Mode reads the configured mode from GET /settings.
	Mode(ctx context.Context, host string) (string, error)
}

// DeviceBroker publishes to devices connected to the embedded broker.
// *broker.Server implements it.
type DeviceBroker interface {
	Publish(clientID, topic string, payload []byte) error
	IsConnected(clientID string) bool
}

// MQTTClient is the upstream bus. *mqtt.Client implements it.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	PublishRetained(topic string, payload []byte) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	IsConnected() bool
	Topics() mqtt.Topics
}

// PointWriter stores unit changes for graphing. *influxdb.Client implements it.
type PointWriter interface {
	WriteUnit(tags influxdb.UnitTags, values map[string]any, at time.Time) bool
}

// Options holds what a gateway is built from.
// Engine, Composer and HTTP are required; everything else is optional and
// the corresponding feature is skipped when nil.
type Options struct {
	Config config.GatewayConfig

	// SubscribeDevices makes the external broker a device transport too.
	SubscribeDevices bool

	Engine   *device.Engine
	Composer *composer.Composer
	HTTP     DeviceHTTP

	MQTT       MQTTClient
	Repository device.Repository
	History    device.StateHistoryRepository
	Influx     PointWriter
	Metrics    *metrics.Metrics

	// Store is optimized after each history prune that removed rows.
	Store StoreOptimizer

	Logger Logger
}

// StoreOptimizer compacts the backing store. Implemented by *database.DB.
type StoreOptimizer interface {
	Optimize(ctx context.Context) error
}

// Gateway runs the device transports and routes facts, changes and commands.
//
// Thread Safety: All methods are safe for concurrent use.
type Gateway struct {
	cfg              config.GatewayConfig
	subscribeDevices bool

	engine   *device.Engine
	composer *composer.Composer
	catalog  composer.Catalog
	http     DeviceHTTP

	mqtt    MQTTClient
	repo    device.Repository
	history device.StateHistoryRepository
	store   StoreOptimizer
	influx  PointWriter
	metrics *metrics.Metrics

	// server is the embedded broker; broker is what commands publish through.
	server *broker.Server
	broker DeviceBroker

	clicks *click.Detector
	dir    *directory

	pending   map[string]*pendingDevice
	pendingMu sync.Mutex

	polls  map[string]*pollState
	pollMu sync.Mutex
	pollWG sync.WaitGroup

	modeChecks map[string]time.Time
	modeMu     sync.Mutex

	changes chan device.Change
	sink    *sink

	lastAnnounce time.Time
	announceMu   sync.Mutex

	ctx   context.Context
	ctxMu sync.RWMutex

	now func() time.Time

	logger Logger
}

// New creates a gateway. The embedded broker is created here, when enabled,
// so commands can be routed through it as soon as Run starts serving.
func New(opts Options) (*Gateway, error) {
	if opts.Engine == nil {
		return nil, errors.New("gateway: engine is required")
	}
	if opts.Composer == nil {
		return nil, errors.New("gateway: composer is required")
	}
	if opts.HTTP == nil {
		return nil, errors.New("gateway: device HTTP client is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	g := &Gateway{
		cfg:              opts.Config,
		subscribeDevices: opts.SubscribeDevices,
		engine:           opts.Engine,
		composer:         opts.Composer,
		catalog:          opts.Composer.Catalog(),
		http:             opts.HTTP,
		mqtt:             opts.MQTT,
		repo:             opts.Repository,
		history:          opts.History,
		store:            opts.Store,
		influx:           opts.Influx,
		metrics:          opts.Metrics,
		dir:              newDirectory(),
		pending:          make(map[string]*pendingDevice),
		polls:            make(map[string]*pollState),
		modeChecks:       make(map[string]time.Time),
		changes:          make(chan device.Change, changeQueueSize),
		ctx:              context.Background(),
		now:              time.Now,
		logger:           logger,
	}
	g.sink = newSink(g)

	g.clicks = click.NewDetector(click.Options{
		Debounce: opts.Config.DebounceWindow(),
		Sink:     g.handleGesture,
		Logger:   logger,
	})

	if opts.Config.Broker.Enabled {
		g.server = broker.NewServer(broker.Options{
			Addr:         net.JoinHostPort(opts.Config.Broker.Host, strconv.Itoa(opts.Config.Broker.Port)),
			Handler:      g.handleBrokerMessage,
			OnConnect:    g.brokerConnected,
			OnDisconnect: g.brokerDisconnected,
			Logger:       logger,
		})
		g.broker = g.server
	}

	return g, nil
}

// Run starts every worker and blocks until ctx is cancelled or a worker
// fails to start.
//
// Startup order:
//  1. Subscribe to engine changes and start the change sink
//  2. Load persisted devices
//  3. Start the transports, the poller and the maintenance loops
//  4. Subscribe to the upstream bus
func (g *Gateway) Run(ctx context.Context) error {
	var listener *coap.Listener
	if g.cfg.CoAP.Enabled {
		var err error
		listener, err = coap.NewListener(coap.Options{
			Group:          g.cfg.CoAP.Group,
			Port:           g.cfg.CoAP.Port,
			Interface:      g.cfg.CoAP.Interface,
			ReadTimeout:    time.Duration(g.cfg.CoAP.ReadTimeout) * time.Second,
			RejoinInterval: time.Duration(g.cfg.CoAP.RejoinInterval) * time.Second,
			Handler:        g.HandleCoAP,
			OnResult:       g.countDatagram,
		})
		if err != nil {
			return err
		}
		listener.SetLogger(g.logger)
	}

	group, ctx := errgroup.WithContext(ctx)
	g.setContext(ctx)

	unsubscribe := g.engine.Subscribe(g.queueChange)
	defer unsubscribe()
	defer g.clicks.Stop()

	group.Go(func() error {
		g.runSink(ctx)
		return nil
	})

	if err := g.Load(ctx); err != nil {
		g.logger.Warn("loading persisted devices failed", "error", err)
	}

	if listener != nil {
		group.Go(func() error { return listener.Run(ctx) })
	}

	if g.server != nil {
		group.Go(func() error {
			err := g.server.ListenAndServe(ctx)
			if errors.Is(err, broker.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	group.Go(func() error {
		g.runPoller(ctx)
		return nil
	})
	group.Go(func() error {
		g.runComposeRetry(ctx)
		return nil
	})
	group.Go(func() error {
		g.runMaintenance(ctx)
		return nil
	})

	if g.cfg.Discovery.MDNS {
		browser := discovery.NewMDNS(discovery.MDNSConfig{Interface: g.cfg.Discovery.Interface})
		browser.SetLogger(g.logger)
		group.Go(func() error { return browser.Run(ctx, g.Discover) })
	}

	if g.mqtt != nil {
		g.subscribeUpstream()
	}

	g.logger.Info("gateway started",
		"coap", g.cfg.CoAP.Enabled,
		"broker", g.server != nil,
		"mdns", g.cfg.Discovery.MDNS,
		"upstream", g.mqtt != nil,
	)

	err := group.Wait()
	if g.server != nil {
		_ = g.server.Close()
	}
	g.logger.Info("gateway stopped")
	return err
}

// subscribeUpstream registers the command topic and, when configured, the
// device telemetry of the external broker. The client re-subscribes both
// after a reconnect.
func (g *Gateway) subscribeUpstream() {
	topics := g.mqtt.Topics()
	if err := g.mqtt.Subscribe(topics.AllUnitSets(), 1, g.handleSetMessage); err != nil {
		g.logger.Warn("subscribing to unit commands failed", "topic", topics.AllUnitSets(), "error", err)
	}

	if !g.subscribeDevices {
		return
	}
	if err := g.mqtt.Subscribe(mqtt.AllDeviceTelemetry, 0, g.handleExternalDeviceMessage); err != nil {
		g.logger.Warn("subscribing to device telemetry failed", "topic", mqtt.AllDeviceTelemetry, "error", err)
		return
	}
	g.requestAnnounce()
}

// OnMQTTConnect republishes every device after the upstream client
// (re)connects. Wire it with mqtt.Client.SetOnConnect.
func (g *Gateway) OnMQTTConnect() {
	go g.PublishAll()
	if g.subscribeDevices {
		g.requestAnnounce()
	}
}

func (g *Gateway) setContext(ctx context.Context) {
	g.ctxMu.Lock()
	defer g.ctxMu.Unlock()
	g.ctx = ctx
}

// context returns the context of the current Run, for work started from
// transport callbacks that carry none.
func (g *Gateway) context() context.Context {
	g.ctxMu.RLock()
	defer g.ctxMu.RUnlock()
	return g.ctx
}

func (g *Gateway) brokerConnected(clientID string, remote net.Addr) {
	g.logger.Info("device connected to broker", "client_id", clientID, "remote", remote.String())
	g.updateBrokerGauge()
}

func (g *Gateway) brokerDisconnected(clientID string, err error) {
	if err != nil {
		g.logger.Debug("device left broker", "client_id", clientID, "error", err)
	}
	g.updateBrokerGauge()
}

func (g *Gateway) updateBrokerGauge() {
	if g.metrics == nil || g.server == nil {
		return
	}
	g.metrics.BrokerClients.Set(float64(len(g.server.ClientIDs())))
}

func (g *Gateway) countDatagram(result string) {
	if g.metrics != nil {
		g.metrics.Datagrams.WithLabelValues(result).Inc()
	}
}
