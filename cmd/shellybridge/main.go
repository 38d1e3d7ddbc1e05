// Shelly Bridge - local gateway for Shelly Gen1 devices
//
// This is the main entry point for the bridge. It discovers Shelly devices
// on the LAN, keeps a live model of their state from CoIoT, MQTT and HTTP,
// and republishes that state as canonical MQTT topics while routing
// commands back to the devices.
//
// For configuration, see configs/config.yaml.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"

	"github.com/nerrad567/gray-logic-shellybridge/internal/api"
	"github.com/nerrad567/gray-logic-shellybridge/internal/bridges/shellyhttp"
	"github.com/nerrad567/gray-logic-shellybridge/internal/composer"
	"github.com/nerrad567/gray-logic-shellybridge/internal/device"
	"github.com/nerrad567/gray-logic-shellybridge/internal/gateway"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/metrics"
	"github.com/nerrad567/gray-logic-shellybridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-shellybridge/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	configEnvVar      = "SHELLYBRIDGE_CONFIG"
	defaultTokenTTL   = 24 * time.Hour
)

func main() {
	issueFor := flag.String("issue-token", "", "print an API bearer token for `subject` and exit")
	tokenTTL := flag.Duration("token-ttl", defaultTokenTTL, "lifetime of a token printed by -issue-token")
	flag.Parse()

	if *issueFor != "" {
		if err := printToken(*issueFor, *tokenTTL); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting shelly bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)
	go reloadLogLevel(ctx, log, configPath)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	schema, err := db.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	log.Info("database migrations complete", "schema", schema)

	engine := device.NewEngine()
	engine.SetLogger(log.Component("device"))
	deviceRepo := device.NewSQLiteRepository(db.DB)
	historyRepo := device.NewSQLiteStateHistoryRepository(db.DB)

	m := metrics.New()

	httpClient := shellyhttp.New(shellyhttp.Config{
		Timeout:  cfg.Gateway.HTTPTimeout(),
		Username: cfg.Gateway.HTTP.Username,
		Password: cfg.Gateway.HTTP.Password,
		OnResult: m.RecordHTTP,
	})
	httpClient.SetLogger(log.Component("http"))

	comp := composer.New(composer.DefaultCatalog(), engine, composer.Options{
		BatteryWindow: cfg.Gateway.BatteryWindow(),
		Logger:        log.Component("composer"),
	})

	opts := gateway.Options{
		Config:           cfg.Gateway,
		SubscribeDevices: cfg.MQTT.SubscribeDevices,
		Engine:           engine,
		Composer:         comp,
		HTTP:             httpClient,
		Repository:       deviceRepo,
		History:          historyRepo,
		Store:            db,
		Metrics:          m,
		Logger:           log.Component("gateway"),
	}

	var mqttClient *mqtt.Client
	if cfg.MQTT.Enabled {
		mqttClient, err = mqtt.Connect(ctx, cfg.MQTT)
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
			"client_id", cfg.MQTT.Broker.ClientID,
		)

		mqttClient.SetLogger(log.Component("mqtt"))
		mqttClient.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		opts.MQTT = mqttClient
	} else {
		log.Info("MQTT disabled, state is not republished upstream")
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB, influxdb.WithDefaultTag("site", cfg.Site.ID))
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		opts.Influx = influxClient
	} else {
		log.Info("InfluxDB disabled")
	}

	gw, err := gateway.New(opts)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	// Reconnects republish retained state; the initial connect is covered
	// by the gateway loading persisted devices.
	if mqttClient != nil {
		mqttClient.SetOnConnect(func() {
			log.Info("MQTT reconnected")
			gw.OnMQTTConnect()
		})
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	if cfg.API.Enabled {
		deps := api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.Component("api"),
			Engine:   engine,
			Gateway:  gw,
			History:  historyRepo,
			Metrics:  m,
			DB:       db,
			Version:  version,
		}
		if mqttClient != nil {
			deps.MQTT = mqttClient
		}
		if influxClient != nil {
			deps.Influx = influxClient
		}

		srv, apiErr := api.New(deps)
		if apiErr != nil {
			return fmt.Errorf("creating API server: %w", apiErr)
		}
		if startErr := srv.Start(ctx); startErr != nil {
			return fmt.Errorf("starting API server: %w", startErr)
		}
		defer func() {
			log.Info("stopping API server")
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error stopping API server", "error", closeErr)
			}
		}()
		log.Info("API server started",
			"address", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
			"auth", cfg.Security.JWT.Secret != "",
		)
	} else {
		log.Info("API disabled")
	}

	log.Info("initialisation complete, running gateway")

	// Run blocks until the shutdown signal cancels ctx.
	if err := gw.Run(ctx); err != nil {
		return fmt.Errorf("running gateway: %w", err)
	}

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// API server, InfluxDB, MQTT, database.

	log.Info("shelly bridge stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses SHELLYBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv(configEnvVar); path != "" {
		return path
	}
	return defaultConfigPath
}

// printToken mints a bearer token with the configured JWT secret.
func printToken(subject string, ttl time.Duration) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Security.JWT.Secret == "" {
		return fmt.Errorf("security.jwt.secret is not set, the API is open")
	}

	token, err := api.IssueToken(cfg.Security.JWT.Secret, subject, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

// reloadLogLevel re-reads the config on SIGHUP and applies its log level.
// Other settings need a restart.
func reloadLogLevel(ctx context.Context, log *logging.Logger, configPath string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			cfg, err := config.Load(configPath)
			if err != nil {
				log.Warn("config reload failed, keeping log level", "error", err)
				continue
			}
			if err := log.SetLevel(cfg.Logging.Level); err != nil {
				log.Warn("config reload: bad log level", "error", err)
				continue
			}
			log.Info("log level reloaded", "level", cfg.Logging.Level)
		}
	}
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: MQTT client to check (nil if disabled)
//   - influxClient: InfluxDB client to check (nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
