package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	MQTT     MQTTConfig     `json:"mqtt" yaml:"mqtt"`
	Channels ChannelsConfig `json:"channels" yaml:"channels"`
	Bridge   BridgeConfig   `json:"bridge" yaml:"bridge"`
	Logging  LogConfig      `json:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
}

type MQTTConfig struct {
	Host             string          `json:"host" yaml:"host"`
	Port             int             `json:"port" yaml:"port"`
	ClientID         string          `json:"clientId" yaml:"clientId"`
	Username         string          `json:"username" yaml:"username"`
	Password         string          `json:"password" yaml:"password"`
	ProtocolVersion  int             `json:"protocolVersion" yaml:"protocolVersion"` // 50, 311 or 31
	FallbackVersion  int             `json:"fallbackVersion" yaml:"fallbackVersion"`
	KeepAlive        string          `json:"keepAlive" yaml:"keepAlive"`
	ConnectTimeout   string          `json:"connectTimeout" yaml:"connectTimeout"`
	OperationTimeout string          `json:"operationTimeout" yaml:"operationTimeout"`
	SubscribeQoS     int             `json:"subscribeQos" yaml:"subscribeQos"`
	DropRetained     *bool           `json:"dropRetained" yaml:"dropRetained"`
	TLS              TLSConfig       `json:"tls" yaml:"tls"`
	Reconnect        ReconnectConfig `json:"reconnect" yaml:"reconnect"`
}

type TLSConfig struct {
	Enable            bool   `json:"enable" yaml:"enable"`
	CertFile          string `json:"certFile" yaml:"certFile"`
	KeyFile           string `json:"keyFile" yaml:"keyFile"`
	CAFile            string `json:"caFile" yaml:"caFile"`
	SkipHostnameCheck bool   `json:"skipHostnameCheck" yaml:"skipHostnameCheck"`
}

type ReconnectConfig struct {
	InitialInterval string `json:"initialInterval" yaml:"initialInterval"`
	MaxInterval     string `json:"maxInterval" yaml:"maxInterval"`
	MaxAttempts     int    `json:"maxAttempts" yaml:"maxAttempts"` // 0 = retry until shutdown
}

type ChannelsConfig struct {
	Name    string      `json:"name" yaml:"name"`       // request channel and event type prefix
	Backend string      `json:"backend" yaml:"backend"` // nats, redis or memory
	NATS    NATSConfig  `json:"nats" yaml:"nats"`
	Redis   RedisConfig `json:"redis" yaml:"redis"`
}

type NATSConfig struct {
	URL           string `json:"url" yaml:"url"`
	ClientName    string `json:"clientName" yaml:"clientName"`
	Username      string `json:"username" yaml:"username"`
	Password      string `json:"password" yaml:"password"`
	SubjectPrefix string `json:"subjectPrefix" yaml:"subjectPrefix"`
	Queue         string `json:"queue" yaml:"queue"`
}

type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"keyPrefix" yaml:"keyPrefix"`
}

type BridgeConfig struct {
	PublishQoS         *int   `json:"publishQos" yaml:"publishQos"`
	PublishRetain      *bool  `json:"publishRetain" yaml:"publishRetain"`
	UnsubscribeOnEmpty bool   `json:"unsubscribeOnEmpty" yaml:"unsubscribeOnEmpty"`
	DeliveryTimeout    string `json:"deliveryTimeout" yaml:"deliveryTimeout"`
	ShutdownTimeout    string `json:"shutdownTimeout" yaml:"shutdownTimeout"`
}

type LogConfig struct {
	Level      string `json:"level" yaml:"level"`           // debug, info, warn, error
	OutputPath string `json:"outputPath" yaml:"outputPath"` // file path, "stdout" or "stderr"
	Encoding   string `json:"encoding" yaml:"encoding"`     // json or console
	MaxSize    int    `json:"maxSize" yaml:"maxSize"`       // megabytes, file output only
	MaxBackups int    `json:"maxBackups" yaml:"maxBackups"`
	MaxAge     int    `json:"maxAge" yaml:"maxAge"` // days
	Compress   bool   `json:"compress" yaml:"compress"`
}

type MetricsConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Address        string `json:"address" yaml:"address"`
	Path           string `json:"path" yaml:"path"`
	UpdateInterval string `json:"updateInterval" yaml:"updateInterval"` // Duration string
}

// Load reads and parses the configuration file. Files ending in .yaml or .yml
// are decoded as YAML, everything else as JSON. Environment overrides are
// applied before defaults and validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := config.applyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	config.setDefaults()

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func (c *Config) setDefaults() {
	// MQTT
	if c.MQTT.Port == 0 {
		if c.MQTT.TLS.Enable {
			c.MQTT.Port = 8883
		} else {
			c.MQTT.Port = 1883
		}
	}
	if c.MQTT.ClientID == "" {
		host, _ := os.Hostname()
		c.MQTT.ClientID = fmt.Sprintf("ChannelsMQTTBridge@%s.%d", host, os.Getpid())
	}
	if c.MQTT.ProtocolVersion == 0 {
		c.MQTT.ProtocolVersion = 50
	}
	c.MQTT.defaultFallback()
	if c.MQTT.KeepAlive == "" {
		c.MQTT.KeepAlive = "60s"
	}
	if c.MQTT.ConnectTimeout == "" {
		c.MQTT.ConnectTimeout = "10s"
	}
	if c.MQTT.OperationTimeout == "" {
		c.MQTT.OperationTimeout = "5s"
	}
	if c.MQTT.DropRetained == nil {
		drop := true
		c.MQTT.DropRetained = &drop
	}
	if c.MQTT.Reconnect.InitialInterval == "" {
		c.MQTT.Reconnect.InitialInterval = "1s"
	}
	if c.MQTT.Reconnect.MaxInterval == "" {
		c.MQTT.Reconnect.MaxInterval = "1m"
	}

	// Channels
	if c.Channels.Name == "" {
		c.Channels.Name = "mqtt"
	}
	if c.Channels.Backend == "" {
		c.Channels.Backend = "nats"
	}
	if c.Channels.NATS.URL == "" {
		c.Channels.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.Channels.NATS.ClientName == "" {
		c.Channels.NATS.ClientName = "mqtt-channel-bridge"
	}
	if c.Channels.NATS.SubjectPrefix == "" {
		c.Channels.NATS.SubjectPrefix = "channels"
	}
	if c.Channels.NATS.Queue == "" {
		c.Channels.NATS.Queue = "mqtt-channel-bridge"
	}
	if c.Channels.Redis.Addr == "" {
		c.Channels.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Channels.Redis.KeyPrefix == "" {
		c.Channels.Redis.KeyPrefix = "channels:"
	}

	// Bridge
	if c.Bridge.PublishQoS == nil {
		qos := 2
		c.Bridge.PublishQoS = &qos
	}
	if c.Bridge.PublishRetain == nil {
		retain := true
		c.Bridge.PublishRetain = &retain
	}
	if c.Bridge.DeliveryTimeout == "" {
		c.Bridge.DeliveryTimeout = "5s"
	}
	if c.Bridge.ShutdownTimeout == "" {
		c.Bridge.ShutdownTimeout = "10s"
	}

	// Logging
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.OutputPath == "" {
		c.Logging.OutputPath = "stdout"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}

	// Metrics
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":2112"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.UpdateInterval == "" {
		c.Metrics.UpdateInterval = "15s"
	}
}

// validateConfig performs validation of all configuration values
func validateConfig(cfg *Config) error {
	// Validate MQTT config
	if cfg.MQTT.Host == "" {
		return fmt.Errorf("mqtt host is required")
	}
	if cfg.MQTT.Port < 1 || cfg.MQTT.Port > 65535 {
		return fmt.Errorf("invalid mqtt port: %d", cfg.MQTT.Port)
	}
	if err := validateProtocolVersion(cfg.MQTT.ProtocolVersion); err != nil {
		return err
	}
	if cfg.MQTT.FallbackVersion != 0 {
		if err := validateProtocolVersion(cfg.MQTT.FallbackVersion); err != nil {
			return fmt.Errorf("fallback: %w", err)
		}
	}
	if cfg.MQTT.SubscribeQoS < 0 || cfg.MQTT.SubscribeQoS > 2 {
		return fmt.Errorf("invalid subscribe qos: %d", cfg.MQTT.SubscribeQoS)
	}
	if cfg.MQTT.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("reconnect max attempts must not be negative")
	}
	durations := map[string]string{
		"mqtt keepalive":          cfg.MQTT.KeepAlive,
		"mqtt connect timeout":    cfg.MQTT.ConnectTimeout,
		"mqtt operation timeout":  cfg.MQTT.OperationTimeout,
		"reconnect initial delay": cfg.MQTT.Reconnect.InitialInterval,
		"reconnect max delay":     cfg.MQTT.Reconnect.MaxInterval,
		"delivery timeout":        cfg.Bridge.DeliveryTimeout,
		"shutdown timeout":        cfg.Bridge.ShutdownTimeout,
	}
	for name, value := range durations {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	// Validate TLS config if enabled
	if cfg.MQTT.TLS.Enable {
		if cfg.MQTT.TLS.CertFile == "" {
			return fmt.Errorf("tls cert file is required when tls is enabled")
		}
		if cfg.MQTT.TLS.KeyFile == "" {
			return fmt.Errorf("tls key file is required when tls is enabled")
		}
		if cfg.MQTT.TLS.CAFile == "" {
			return fmt.Errorf("tls ca file is required when tls is enabled")
		}
	}

	// Validate channel layer config
	if strings.ContainsAny(cfg.Channels.Name, " .*>") {
		return fmt.Errorf("invalid channel name: %q", cfg.Channels.Name)
	}
	switch cfg.Channels.Backend {
	case "nats", "redis", "memory":
	default:
		return fmt.Errorf("invalid channel backend: %s", cfg.Channels.Backend)
	}

	// Validate bridge config
	if cfg.Bridge.PublishQoS != nil && (*cfg.Bridge.PublishQoS < 0 || *cfg.Bridge.PublishQoS > 2) {
		return fmt.Errorf("invalid publish qos: %d", *cfg.Bridge.PublishQoS)
	}

	// Validate logging config
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", cfg.Logging.Level)
	}

	switch cfg.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log encoding: %s", cfg.Logging.Encoding)
	}

	// Validate metrics config
	if cfg.Metrics.Enabled {
		if _, err := time.ParseDuration(cfg.Metrics.UpdateInterval); err != nil {
			return fmt.Errorf("invalid metrics update interval: %w", err)
		}
	}

	return nil
}

func validateProtocolVersion(v int) error {
	switch v {
	case 50, 311, 31:
		return nil
	default:
		return fmt.Errorf("invalid mqtt protocol version: %d (want 50, 311 or 31)", v)
	}
}

// applyEnv overlays the settings the bridge has always accepted from the
// environment. lookup is os.LookupEnv outside of tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("MQTT_HOST"); ok && v != "" {
		c.MQTT.Host = v
	}
	if v, ok := lookup("MQTT_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MQTT_PORT: %w", err)
		}
		c.MQTT.Port = port
	}
	if v, ok := lookup("MQTT_USER"); ok {
		c.MQTT.Username = v
	}
	if v, ok := lookup("MQTT_PASSWORD"); ok {
		c.MQTT.Password = v
	}
	if v, ok := lookup("MQTT_VERSION"); ok && v != "" {
		version, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("MQTT_VERSION: %w", err)
		}
		c.MQTT.ProtocolVersion = version
	}
	if v, ok := lookup("MQTT_CHANNEL_NAME"); ok && v != "" {
		c.Channels.Name = v
	}
	if v, ok := lookup("MQTT_TLS"); ok && v != "" {
		enable, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MQTT_TLS: %w", err)
		}
		c.MQTT.TLS.Enable = enable
	}
	if v, ok := lookup("MQTT_CERT"); ok {
		c.MQTT.TLS.CertFile = v
	}
	if v, ok := lookup("MQTT_KEY"); ok {
		c.MQTT.TLS.KeyFile = v
	}
	if v, ok := lookup("MQTT_CA"); ok {
		c.MQTT.TLS.CAFile = v
	}
	return nil
}

// ApplyOverrides applies command line flag overrides to the configuration
func (c *Config) ApplyOverrides(host string, protocolVersion int, backend, logLevel, metricsAddr, metricsPath string, metricsInterval time.Duration) {
	if host != "" {
		c.MQTT.Host = host
	}
	if protocolVersion > 0 {
		c.MQTT.ProtocolVersion = protocolVersion
		c.MQTT.defaultFallback()
	}
	if backend != "" {
		c.Channels.Backend = backend
	}
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if metricsAddr != "" {
		c.Metrics.Address = metricsAddr
	}
	if metricsPath != "" {
		c.Metrics.Path = metricsPath
	}
	if metricsInterval > 0 {
		c.Metrics.UpdateInterval = metricsInterval.String()
	}
}

// Validate re-runs validation, used after ApplyOverrides.
func (c *Config) Validate() error {
	return validateConfig(c)
}

// defaultFallback makes MQTT 5 fall back to 3.1.1 unless told otherwise.
// Setting the fallback equal to the preferred version disables it.
func (m *MQTTConfig) defaultFallback() {
	if m.FallbackVersion == 0 && m.ProtocolVersion == 50 {
		m.FallbackVersion = 311
	}
}

// BrokerURL returns the paho-style server URL for the configured broker.
func (m MQTTConfig) BrokerURL() string {
	scheme := "tcp"
	if m.TLS.Enable {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, m.Host, m.Port)
}

// Duration parses a duration that validateConfig has already accepted.
func Duration(value string) time.Duration {
	d, _ := time.ParseDuration(value)
	return d
}
