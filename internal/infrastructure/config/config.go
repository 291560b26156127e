package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the Hue synchronisation service.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Gateways GatewaysConfig `yaml:"gateways"`
	Exposure ExposureConfig `yaml:"exposure"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// EngineConfig contains the gateway synchronisation timing and request settings.
// Millisecond and second units follow the field names.
type EngineConfig struct {
	// Heartrate is the number of 1 second base ticks between collection polls.
	Heartrate int `yaml:"heartrate"`

	// Timeout is the per-request timeout in seconds.
	Timeout int `yaml:"timeout"`

	// ParallelRequests bounds in-flight requests per gateway.
	// 0 derives the bound from the gateway class (3 for BSB001, 10 otherwise).
	ParallelRequests int `yaml:"parallel_requests"`

	// WaitTimeResend is the delay in milliseconds before resending a request
	// that failed with a connection reset or a busy status.
	WaitTimeResend int `yaml:"wait_time_resend"`

	// MaxResends caps the resends of one request before the error is surfaced.
	MaxResends int `yaml:"max_resends"`

	// WriteSettle is the settle delay table for mutating requests.
	WriteSettle WriteSettleConfig `yaml:"write_settle"`

	// StartupRetry is the delay in seconds between bootstrap attempts.
	StartupRetry int `yaml:"startup_retry"`

	// ResourceWait is the delay in seconds before re-fetching state when the
	// gateway is not initialised or a resourcelink references a missing resource.
	ResourceWait int `yaml:"resource_wait"`

	// EventReconnect is the delay in seconds before reopening a closed event stream.
	EventReconnect int `yaml:"event_reconnect"`

	// HistoryInterval is the number of base ticks between sensor history samples.
	HistoryInterval int `yaml:"history_interval"`

	// HistorySize is the number of samples kept per sensor.
	HistorySize int `yaml:"history_size"`

	// ForceHTTP disables HTTPS even when the gateway supports it.
	ForceHTTP bool `yaml:"force_http"`

	// LinkButton forces link button polling on or off. Unset derives it from the API version.
	LinkButton *bool `yaml:"link_button,omitempty"`

	// AppName is the application part of the devicetype used when pairing.
	AppName string `yaml:"app_name"`
}

// WriteSettleConfig is the settle delay table for mutating requests, in milliseconds.
type WriteSettleConfig struct {
	// Default applies to every resource kind without an entry in PerKind.
	Default int `yaml:"default"`

	// PerKind maps a resource collection name (e.g. "groups") to its delay.
	PerKind map[string]int `yaml:"per_kind"`
}

// GatewaysConfig lists the gateways to connect to and their known credentials.
type GatewaysConfig struct {
	// Hosts are gateway addresses, optionally with a port ("192.168.1.10", "deconz.local:8080").
	Hosts []string `yaml:"hosts"`

	// Users maps a bridge id to the username (API key) issued by that gateway.
	Users map[string]string `yaml:"users"`

	// Fingerprints maps a bridge id to its pinned SHA-256 certificate fingerprint.
	Fingerprints map[string]string `yaml:"fingerprints"`
}

// ExposureConfig controls which gateway resources become devices.
type ExposureConfig struct {
	Lights    bool `yaml:"lights"`
	Groups    bool `yaml:"groups"`
	Group0    bool `yaml:"group0"`
	Rooms     bool `yaml:"rooms"`
	Sensors   bool `yaml:"sensors"`
	Schedules bool `yaml:"schedules"`
	Rules     bool `yaml:"rules"`

	// NativeLights and NativeSensors skip resources the gateway already exposes natively.
	NativeLights  bool `yaml:"native_lights"`
	NativeSensors bool `yaml:"native_sensors"`

	// ExcludeSensorTypes lists sensor types to skip. "CLIP" excludes every CLIP sensor.
	ExcludeSensorTypes []string `yaml:"exclude_sensor_types"`

	// HueMotionTemperatureHistory splits motion sensor temperature into its own device.
	HueMotionTemperatureHistory bool `yaml:"hue_motion_temperature_history"`

	// ResourceLinkName is the resourcelink name that carries classification directives.
	ResourceLinkName string `yaml:"resource_link_name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
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

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
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

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
// For example: GRAYLOGIC_DATABASE_PATH, GRAYLOGIC_HUE_HOSTS
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

// Default returns the default configuration without reading a file.
// Used by the one-shot CLI commands when no config file exists.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Heartrate:      5,
			Timeout:        5,
			WaitTimeResend: 300,
			MaxResends:     3,
			WriteSettle: WriteSettleConfig{
				Default: 50,
				PerKind: map[string]int{"groups": 1000},
			},
			StartupRetry:    15,
			ResourceWait:    60,
			EventReconnect:  30,
			HistoryInterval: 600,
			HistorySize:     144,
			AppName:         "graylogic-hue",
		},
		Gateways: GatewaysConfig{
			Users:        map[string]string{},
			Fingerprints: map[string]string{},
		},
		Exposure: ExposureConfig{
			Lights:           true,
			Sensors:          true,
			NativeLights:     true,
			NativeSensors:    true,
			ResourceLinkName: "homebridge-hue",
		},
		Database: DatabaseConfig{
			Path:        "./data/huesync.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "graylogic-hue",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: GRAYLOGIC_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GRAYLOGIC_HUE_HOSTS"); v != "" {
		var hosts []string
		for _, h := range strings.Split(v, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hosts = append(hosts, h)
			}
		}
		cfg.Gateways.Hosts = hosts
	}

	if v := os.Getenv("GRAYLOGIC_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("GRAYLOGIC_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("GRAYLOGIC_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("GRAYLOGIC_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("GRAYLOGIC_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
// Ranges follow what the supported gateways tolerate.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	e := c.Engine
	if e.Heartrate < 1 || e.Heartrate > 30 {
		errs = append(errs, "engine.heartrate must be between 1 and 30")
	}
	if e.Timeout < 5 || e.Timeout > 30 {
		errs = append(errs, "engine.timeout must be between 5 and 30 seconds")
	}
	if e.ParallelRequests < 0 || e.ParallelRequests > 30 {
		errs = append(errs, "engine.parallel_requests must be between 0 (auto) and 30")
	}
	if e.WaitTimeResend < 100 || e.WaitTimeResend > 1000 {
		errs = append(errs, "engine.wait_time_resend must be between 100 and 1000 ms")
	}
	if e.MaxResends < 0 {
		errs = append(errs, "engine.max_resends must not be negative")
	}
	if e.WriteSettle.Default < 0 || e.WriteSettle.Default > maxSettleDelay {
		errs = append(errs, fmt.Sprintf("engine.write_settle.default must be between 0 and %d ms", maxSettleDelay))
	}
	for _, kind := range sortedKeys(e.WriteSettle.PerKind) {
		if !isCollection(kind) {
			errs = append(errs, fmt.Sprintf("engine.write_settle.per_kind: unknown resource kind %q", kind))
			continue
		}
		if d := e.WriteSettle.PerKind[kind]; d < 0 || d > maxSettleDelay {
			errs = append(errs, fmt.Sprintf("engine.write_settle.per_kind.%s must be between 0 and %d ms", kind, maxSettleDelay))
		}
	}
	if e.StartupRetry < 1 {
		errs = append(errs, "engine.startup_retry must be at least 1 second")
	}
	if e.ResourceWait < 1 {
		errs = append(errs, "engine.resource_wait must be at least 1 second")
	}
	if e.EventReconnect < 1 {
		errs = append(errs, "engine.event_reconnect must be at least 1 second")
	}
	if e.HistoryInterval < 1 {
		errs = append(errs, "engine.history_interval must be at least 1 beat")
	}
	if e.HistorySize < 1 {
		errs = append(errs, "engine.history_size must be at least 1")
	}
	if e.AppName == "" {
		errs = append(errs, "engine.app_name is required")
	}

	if c.Exposure.ResourceLinkName == "" {
		errs = append(errs, "exposure.resource_link_name is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// maxSettleDelay is the largest accepted write settle delay in milliseconds.
const maxSettleDelay = 5000

// collections are the resource collection names accepted as settle table keys.
var collections = []string{"lights", "groups", "sensors", "schedules", "rules"}

func isCollection(name string) bool {
	for _, c := range collections {
		if c == name {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetTimeout returns the per-request timeout as a Duration.
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Engine.Timeout) * time.Second
}

// GetResendDelay returns the resend delay as a Duration.
func (c *Config) GetResendDelay() time.Duration {
	return time.Duration(c.Engine.WaitTimeResend) * time.Millisecond
}

// GetStartupRetry returns the bootstrap retry delay as a Duration.
func (c *Config) GetStartupRetry() time.Duration {
	return time.Duration(c.Engine.StartupRetry) * time.Second
}

// GetResourceWait returns the not-yet-initialised wait as a Duration.
func (c *Config) GetResourceWait() time.Duration {
	return time.Duration(c.Engine.ResourceWait) * time.Second
}

// GetEventReconnect returns the event stream reconnect delay as a Duration.
func (c *Config) GetEventReconnect() time.Duration {
	return time.Duration(c.Engine.EventReconnect) * time.Second
}

// GetSettleDelays returns the default settle delay and the per-collection table as Durations.
func (c *Config) GetSettleDelays() (time.Duration, map[string]time.Duration) {
	perKind := make(map[string]time.Duration, len(c.Engine.WriteSettle.PerKind))
	for kind, ms := range c.Engine.WriteSettle.PerKind {
		perKind[kind] = time.Duration(ms) * time.Millisecond
	}
	return time.Duration(c.Engine.WriteSettle.Default) * time.Millisecond, perKind
}

// ExcludedSensorTypes expands ExcludeSensorTypes into a lookup set.
// Hue (ZLL) sensor types also exclude their deCONZ (ZHA) counterpart.
func (c *Config) ExcludedSensorTypes() map[string]bool {
	aliases := map[string]string{
		"ZLLPresence":       "ZHAPresence",
		"ZLLLightLevel":     "ZHALightLevel",
		"ZLLTemperature":    "ZHATemperature",
		"ZLLRelativeRotary": "ZHARelativeRotary",
		"ZLLSwitch":         "ZHASwitch",
	}
	set := make(map[string]bool, len(c.Exposure.ExcludeSensorTypes))
	for _, t := range c.Exposure.ExcludeSensorTypes {
		set[t] = true
		if alias, ok := aliases[t]; ok {
			set[alias] = true
		}
	}
	return set
}

// String returns a log-safe rendering with credentials and tokens redacted.
func (c *Config) String() string {
	users := make([]string, 0, len(c.Gateways.Users))
	for id := range c.Gateways.Users {
		users = append(users, id+"=***")
	}
	sort.Strings(users)
	return fmt.Sprintf("hosts=%v users=%v heartrate=%d timeout=%ds mqtt=%s:%d influxdb=%t db=%s",
		c.Gateways.Hosts, users, c.Engine.Heartrate, c.Engine.Timeout,
		c.MQTT.Broker.Host, c.MQTT.Broker.Port, c.InfluxDB.Enabled, c.Database.Path)
}
