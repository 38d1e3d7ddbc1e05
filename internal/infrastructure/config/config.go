package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// envPrefix is prepended to every environment override.
const envPrefix = "SHELLYBRIDGE_"

// Config is the root configuration structure for the bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
	Gateway   GatewayConfig   `yaml:"gateway"`
}

// SiteConfig identifies the installation.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains settings for the external MQTT broker.
//
// The broker plays two roles: it is the upstream bus that receives canonical
// device state, and (with SubscribeDevices) a transport on which devices
// configured against the same broker report their telemetry.
type MQTTConfig struct {
	Enabled          bool                `yaml:"enabled"`
	Broker           MQTTBrokerConfig    `yaml:"broker"`
	Auth             MQTTAuthConfig      `yaml:"auth"`
	QoS              int                 `yaml:"qos"`
	Reconnect        MQTTReconnectConfig `yaml:"reconnect"`
	TopicPrefix      string              `yaml:"topic_prefix"`
	SubscribeDevices bool                `yaml:"subscribe_devices"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT settings. An empty secret leaves the API open,
// which is the normal setup on an isolated LAN.
type JWTConfig struct {
	Secret string `yaml:"secret"`
}

// GatewayConfig groups the device-facing transports and their timing.
type GatewayConfig struct {
	CoAP      CoAPConfig      `yaml:"coap"`
	Broker    BrokerConfig    `yaml:"broker"`
	HTTP      HTTPConfig      `yaml:"http"`
	Poll      PollConfig      `yaml:"poll"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Commands  CommandsConfig  `yaml:"commands"`
	Click     ClickConfig     `yaml:"click"`

	// BatteryUnavailableAfter is the availability window for battery
	// powered devices, in seconds.
	BatteryUnavailableAfter int `yaml:"battery_unavailable_after"`
}

// CoAPConfig configures the CoIoT multicast listener.
type CoAPConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Group          string `yaml:"group"`
	Port           int    `yaml:"port"`
	Interface      string `yaml:"interface"`
	ReadTimeout    int    `yaml:"read_timeout"`
	RejoinInterval int    `yaml:"rejoin_interval"`
}

// BrokerConfig configures the embedded MQTT broker that devices connect to.
type BrokerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// HTTPConfig configures the device HTTP client.
type HTTPConfig struct {
	Timeout  int    `yaml:"timeout"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PollConfig configures status polling (seconds).
type PollConfig struct {
	ScanInterval   int `yaml:"scan_interval"`
	StatusInterval int `yaml:"status_interval"`
}

// DiscoveryConfig configures passive discovery.
type DiscoveryConfig struct {
	MDNS      bool   `yaml:"mdns"`
	Interface string `yaml:"interface"`
}

// CommandsConfig configures outbound command routing.
type CommandsConfig struct {
	// RedundantHTTP also sends an HTTP GET when a broker publish succeeded.
	RedundantHTTP bool `yaml:"redundant_http"`
}

// ClickConfig configures the input gesture detector.
type ClickConfig struct {
	DebounceMS int `yaml:"debounce_ms"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: SHELLYBRIDGE_SECTION_KEY
// For example: SHELLYBRIDGE_DATABASE_PATH, SHELLYBRIDGE_BROKER_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Shelly Bridge",
		},
		Database: DatabaseConfig{
			Path:        "./data/shellybridge.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "shellybridge",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			TopicPrefix:      "shellybridge",
			SubscribeDevices: true,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Gateway: GatewayConfig{
			CoAP: CoAPConfig{
				Enabled:        true,
				Group:          "224.0.1.187",
				Port:           5683,
				ReadTimeout:    15,
				RejoinInterval: 60,
			},
			Broker: BrokerConfig{
				Enabled: true,
				Host:    "0.0.0.0",
				Port:    1884,
			},
			HTTP: HTTPConfig{
				Timeout: 5,
			},
			Poll: PollConfig{
				ScanInterval:   1,
				StatusInterval: 60,
			},
			Discovery: DiscoveryConfig{
				MDNS: true,
			},
			Click: ClickConfig{
				DebounceMS: 700,
			},
			BatteryUnavailableAfter: 13 * 60 * 60,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: SHELLYBRIDGE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envPrefix + "DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv(envPrefix + "MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv(envPrefix + "MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv(envPrefix + "MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv(envPrefix + "API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := envInt(envPrefix + "API_PORT"); v != 0 {
		cfg.API.Port = v
	}

	if v := os.Getenv(envPrefix + "INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv(envPrefix + "JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	if v := envInt(envPrefix + "BROKER_PORT"); v != 0 {
		cfg.Gateway.Broker.Port = v
	}
	if v := os.Getenv(envPrefix + "COAP_INTERFACE"); v != "" {
		cfg.Gateway.CoAP.Interface = v
	}
	if v := os.Getenv(envPrefix + "DEVICE_USERNAME"); v != "" {
		cfg.Gateway.HTTP.Username = v
	}
	if v := os.Getenv(envPrefix + "DEVICE_PASSWORD"); v != "" {
		cfg.Gateway.HTTP.Password = v
	}
}

// envInt reads an integer environment variable; unset or invalid yields 0.
func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.TopicPrefix == "" {
		errs = append(errs, "mqtt.topic_prefix is required when mqtt is enabled")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	const minJWTSecretLength = 32
	if c.Security.JWT.Secret != "" && len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters when set")
	}

	if c.Gateway.CoAP.Enabled {
		if c.Gateway.CoAP.Port < 1 || c.Gateway.CoAP.Port > 65535 {
			errs = append(errs, "gateway.coap.port must be between 1 and 65535")
		}
		if c.Gateway.CoAP.ReadTimeout <= 0 {
			errs = append(errs, "gateway.coap.read_timeout must be positive")
		}
	}

	if c.Gateway.Broker.Enabled && (c.Gateway.Broker.Port < 1 || c.Gateway.Broker.Port > 65535) {
		errs = append(errs, "gateway.broker.port must be between 1 and 65535")
	}

	if c.Gateway.Poll.ScanInterval <= 0 {
		errs = append(errs, "gateway.poll.scan_interval must be positive")
	}
	if c.Gateway.Poll.StatusInterval <= 0 {
		errs = append(errs, "gateway.poll.status_interval must be positive")
	}

	if c.Gateway.Click.DebounceMS <= 0 {
		errs = append(errs, "gateway.click.debounce_ms must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// BatteryWindow returns the availability window for battery powered devices.
func (g GatewayConfig) BatteryWindow() time.Duration {
	return time.Duration(g.BatteryUnavailableAfter) * time.Second
}

// DebounceWindow returns the click debounce window.
func (g GatewayConfig) DebounceWindow() time.Duration {
	return time.Duration(g.Click.DebounceMS) * time.Millisecond
}

// StatusInterval returns how often a mains device's status document is polled.
func (g GatewayConfig) StatusInterval() time.Duration {
	return time.Duration(g.Poll.StatusInterval) * time.Second
}

// ScanInterval returns the poll loop's sleep between scans.
func (g GatewayConfig) ScanInterval() time.Duration {
	return time.Duration(g.Poll.ScanInterval) * time.Second
}

// HTTPTimeout returns the device HTTP request timeout.
func (g GatewayConfig) HTTPTimeout() time.Duration {
	return time.Duration(g.HTTP.Timeout) * time.Second
}
