package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Transport TransportConfig `yaml:"transport"`
	Store     StoreConfig     `yaml:"store"`
	Engine    EngineConfig    `yaml:"engine"`
	API       APIConfig       `yaml:"api"`
	Log       LogConfig       `yaml:"log"`
}

// DeviceConfig identifies the simulated device
type DeviceConfig struct {
	ID string `yaml:"id"`
}

// TransportConfig selects and configures the pub/sub session
type TransportConfig struct {
	// Kind is "mqtt", "nats" or "mem". "mem" runs the embedded
	// shadow simulator in-process, which needs no broker at all.
	Kind string     `yaml:"kind"`
	MQTT MQTTConfig `yaml:"mqtt"`
	NATS NATSConfig `yaml:"nats"`
}

// MQTTConfig represents MQTT broker configuration
type MQTTConfig struct {
	BrokerURL      string        `yaml:"broker_url"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	CACertFile     string        `yaml:"ca_cert_file"`
	CertFile       string        `yaml:"cert_file"`
	KeyFile        string        `yaml:"key_file"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	// QoS is a pointer so an explicit 0 is distinguishable from an
	// absent key; only the latter defaults to 1.
	QoS *int `yaml:"qos"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	Username          string        `yaml:"username"`
	Password          string        `yaml:"password"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// StoreConfig selects where the local device state is persisted
type StoreConfig struct {
	// Kind is "file" or "postgres".
	Kind    string `yaml:"kind"`
	BaseDir string `yaml:"base_dir"`
	DSN     string `yaml:"dsn"`
}

// EngineConfig represents reconciliation engine configuration
type EngineConfig struct {
	// ResponseTimeout bounds every correlated get/report exchange.
	ResponseTimeout time.Duration `yaml:"response_timeout"`
}

// APIConfig represents the optional HTTP companion surface
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration that runs entirely in-process:
// in-memory transport with the embedded simulator and a file store.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return cfg
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if deviceID := os.Getenv("SHADOW_DEVICE_ID"); deviceID != "" {
		c.Device.ID = deviceID
	}

	if brokerURL := os.Getenv("SHADOW_BROKER_URL"); brokerURL != "" {
		c.Transport.Kind = "mqtt"
		c.Transport.MQTT.BrokerURL = brokerURL
	}

	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.Transport.Kind = "nats"
		c.Transport.NATS.URL = natsURL
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Store.Kind = "postgres"
		c.Store.DSN = dsn
	}

	if logLevel := os.Getenv("SHADOW_LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
}

func (c *Config) applyDefaults() {
	if c.Device.ID == "" {
		c.Device.ID = "sample-device"
	}
	if c.Transport.Kind == "" {
		c.Transport.Kind = "mem"
	}
	if c.Transport.MQTT.ConnectTimeout == 0 {
		c.Transport.MQTT.ConnectTimeout = 10 * time.Second
	}
	if c.Transport.MQTT.KeepAlive == 0 {
		c.Transport.MQTT.KeepAlive = 30 * time.Second
	}
	if c.Transport.MQTT.QoS == nil {
		qos := 1
		c.Transport.MQTT.QoS = &qos
	}
	if c.Transport.NATS.ReconnectInterval == 0 {
		c.Transport.NATS.ReconnectInterval = 2 * time.Second
	}
	if c.Transport.NATS.MaxReconnects == 0 {
		c.Transport.NATS.MaxReconnects = 10
	}
	if c.Store.Kind == "" {
		c.Store.Kind = "file"
	}
	if c.Store.BaseDir == "" {
		c.Store.BaseDir = "devices"
	}
	if c.Engine.ResponseTimeout == 0 {
		c.Engine.ResponseTimeout = 5 * time.Second
	}
	if c.API.Host == "" {
		c.API.Host = "127.0.0.1"
	}
	if c.API.Port == 0 {
		c.API.Port = 8090
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	switch c.Transport.Kind {
	case "mem":
	case "mqtt":
		if c.Transport.MQTT.BrokerURL == "" {
			return fmt.Errorf("transport.mqtt.broker_url is required for the mqtt transport")
		}
	case "nats":
		if c.Transport.NATS.URL == "" {
			return fmt.Errorf("transport.nats.url is required for the nats transport")
		}
	default:
		return fmt.Errorf("unknown transport kind %q", c.Transport.Kind)
	}

	switch c.Store.Kind {
	case "file":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store kind %q", c.Store.Kind)
	}

	if qos := *c.Transport.MQTT.QoS; qos < 0 || qos > 2 {
		return fmt.Errorf("transport.mqtt.qos must be 0, 1 or 2")
	}
	return nil
}
