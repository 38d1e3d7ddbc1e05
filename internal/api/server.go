// Package api provides the HTTP REST API and WebSocket server for the bridge.
//
// It exposes the reconciled device table, unit commands, manual discovery
// and a live change feed to dashboards and home automation front ends.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-shellybridge/internal/device"
	"github.com/nerrad567/gray-logic-shellybridge/internal/discovery"
	"github.com/nerrad567/gray-logic-shellybridge/internal/gateway"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/metrics"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Gateway is the part of the device gateway the API drives.
type Gateway interface {
	Execute(ctx context.Context, deviceID, unitID string, cmd gateway.Command) ([]string, error)
	AddCandidate(ctx context.Context, c discovery.Candidate) (device.Device, error)
	RemoveDevice(ctx context.Context, deviceID string) error
	PendingCount() int
}

// Database is the store as the API sees it. *database.DB implements it.
type Database interface {
	Stats() sql.DBStats
	HealthCheck(ctx context.Context) error
}

// ConnectionStatus reports whether an upstream connection is up.
type ConnectionStatus interface {
	IsConnected() bool
}

// HistoryWriter exposes the time-series writer's counters.
// *influxdb.Client implements it.
type HistoryWriter interface {
	IsConnected() bool
	Stats() influxdb.Stats
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Engine   *device.Engine
	Gateway  Gateway
	History  device.StateHistoryRepository // optional
	Metrics  *metrics.Metrics              // optional: enables GET /metrics
	MQTT     ConnectionStatus              // optional
	DB       Database                      // optional
	Influx   HistoryWriter                 // optional
	Version  string
}

// Server is the HTTP API server for the bridge.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	secCfg      config.SecurityConfig
	logger      *logging.Logger
	engine      *device.Engine
	gateway     Gateway
	history     device.StateHistoryRepository
	metrics     *metrics.Metrics
	mqtt        ConnectionStatus
	db          Database
	influx      HistoryWriter
	version     string
	startTime   time.Time
	server      *http.Server
	hub         *Hub
	tickets     *ticketStore
	cancel      context.CancelFunc // cancels background goroutines on Close()
	unsubscribe func()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, engine, gateway)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("device engine is required")
	}
	if deps.Gateway == nil {
		return nil, fmt.Errorf("gateway is required")
	}

	wsCfg := withWSDefaults(deps.WS)

	return &Server{
		cfg:       deps.Config,
		wsCfg:     wsCfg,
		secCfg:    deps.Security,
		logger:    deps.Logger,
		engine:    deps.Engine,
		gateway:   deps.Gateway,
		history:   deps.History,
		metrics:   deps.Metrics,
		mqtt:      deps.MQTT,
		db:        deps.DB,
		influx:    deps.Influx,
		version:   deps.Version,
		startTime: time.Now(),
		hub:       NewHub(deps.Logger, deps.Engine.List),
		tickets:   newTicketStore(),
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, subscribes to engine changes for real-time
// broadcast, and launches the HTTP listener in a background goroutine.
// The server can be stopped with Close().
//
// Parameters:
//   - ctx: Parent context for the hub and ticket cleanup
//
// Returns:
//   - error: If the server fails to start
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	go s.hub.Run(srvCtx)
	go s.cleanTicketsLoop(srvCtx)

	s.unsubscribe = s.engine.Subscribe(s.broadcastChange)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr, "auth", s.authEnabled())
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}

// broadcastChange relays one engine change to WebSocket subscribers.
// The engine calls it synchronously, so it must not block.
func (s *Server) broadcastChange(c device.Change) {
	if c.Reason == device.ReasonRemoved {
		s.hub.Broadcast(EventDeviceRemoved, c.Device.ID, map[string]string{"device_id": c.Device.ID})
		return
	}
	s.hub.Broadcast(EventDeviceChanged, c.Device.ID, deviceChangedEvent{
		Device: c.Device,
		Units:  c.Units,
		Reason: c.Reason,
	})
}

// deviceChangedEvent is the payload of a device.changed event.
type deviceChangedEvent struct {
	Device device.Device `json:"device"`
	Units  []string      `json:"units,omitempty"`
	Reason device.Reason `json:"reason"`
}
