package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. NOTIFYSAFE_API_KEY
const EnvPrefix = "NOTIFYSAFE_"

// Config is the main configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	API      APIConfig      `yaml:"api"`
	Storage  StorageConfig  `yaml:"storage"`
	Channels ChannelsConfig `yaml:"channels"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Events   []EventConfig  `yaml:"events"`   // Added to or overriding the default catalog
	Consumer ConsumerConfig `yaml:"consumer"` // Kafka / AMQP ingestion
	Metrics  MetricsConfig  `yaml:"metrics"`  // Prometheus metrics configuration
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Name string `yaml:"name"` // Instance name used in logs
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	JWTSecret      string        `yaml:"jwt_secret"`       // HS256 secret for actor tokens
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
}

// Storage drivers
const (
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
)

// StorageConfig contains storage settings
type StorageConfig struct {
	Driver          string        `yaml:"driver"` // bolt, sqlite
	Path            string        `yaml:"path"`
	InboxRetention  time.Duration `yaml:"inbox_retention"`  // Delete inbox messages older than this (0 = keep forever)
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // How often to run inbox cleanup
	Seed            *bool         `yaml:"seed"`             // Seed default templates into an empty store (default: true)
}

// ShouldSeed reports whether default templates are seeded
func (s StorageConfig) ShouldSeed() bool {
	return s.Seed == nil || *s.Seed
}

// ChannelsConfig contains the channel simulator settings
type ChannelsConfig struct {
	Probabilities      map[string]float64 `yaml:"probabilities"` // channel -> success probability
	DefaultProbability float64            `yaml:"default_probability"`
	MinLatency         time.Duration      `yaml:"min_latency"`
	MaxLatency         time.Duration      `yaml:"max_latency"`
}

// DeliveryConfig contains orchestrator and policy settings
type DeliveryConfig struct {
	DefaultPolicy    string            `yaml:"default_policy"`
	CategoryPolicies map[string]string `yaml:"category_policies"` // category -> policy
	MaxAttempts      int               `yaml:"max_attempts"`
	RetryInterval    time.Duration     `yaml:"retry_interval"`
	MaxRetryInterval time.Duration     `yaml:"max_retry_interval"`
	Timeout          time.Duration     `yaml:"timeout"` // Bounds one delivery run
}

// EventConfig describes one catalog entry
type EventConfig struct {
	Type     string   `yaml:"type"`
	Channels []string `yaml:"channels"`
	Category string   `yaml:"category"`
	Policy   string   `yaml:"policy"`
}

// ConsumerConfig contains event ingestion settings
type ConsumerConfig struct {
	Workers   int         `yaml:"workers"`
	QueueSize int         `yaml:"queue_size"`
	Kafka     KafkaConfig `yaml:"kafka"`
	AMQP      AMQPConfig  `yaml:"amqp"`
}

// KafkaConfig contains Kafka consumer settings
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// AMQPConfig contains RabbitMQ consumer settings
type AMQPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load reads configuration from a YAML file. An empty path starts from
// defaults. A .env file, if present, and NOTIFYSAFE_* variables override
// file values.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// A missing .env is not an error
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	setDuration := func(key string, dst *time.Duration) error {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
		return nil
	}
	setInt := func(key string, dst *int) error {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}
	setBool := func(key string, dst *bool) error {
		v, ok := os.LookupEnv(EnvPrefix + key)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = b
		return nil
	}

	setString("API_LISTEN_ADDR", &c.API.ListenAddr)
	setString("API_KEY", &c.API.APIKey)
	setString("JWT_SECRET", &c.API.JWTSecret)
	setString("STORAGE_DRIVER", &c.Storage.Driver)
	setString("STORAGE_PATH", &c.Storage.Path)
	setString("DEFAULT_POLICY", &c.Delivery.DefaultPolicy)
	setString("LOG_LEVEL", &c.Logging.Level)
	setString("LOG_FORMAT", &c.Logging.Format)
	setString("AMQP_URL", &c.Consumer.AMQP.URL)
	setString("AMQP_QUEUE", &c.Consumer.AMQP.Queue)
	setString("KAFKA_TOPIC", &c.Consumer.Kafka.Topic)
	setString("KAFKA_GROUP_ID", &c.Consumer.Kafka.GroupID)
	if v, ok := os.LookupEnv(EnvPrefix + "KAFKA_BROKERS"); ok {
		c.Consumer.Kafka.Brokers = splitList(v)
	}

	if err := setInt("MAX_ATTEMPTS", &c.Delivery.MaxAttempts); err != nil {
		return err
	}
	if err := setInt("CONSUMER_WORKERS", &c.Consumer.Workers); err != nil {
		return err
	}
	if err := setDuration("DELIVERY_TIMEOUT", &c.Delivery.Timeout); err != nil {
		return err
	}
	if err := setDuration("RETRY_INTERVAL", &c.Delivery.RetryInterval); err != nil {
		return err
	}
	if err := setDuration("INBOX_RETENTION", &c.Storage.InboxRetention); err != nil {
		return err
	}
	if err := setBool("KAFKA_ENABLED", &c.Consumer.Kafka.Enabled); err != nil {
		return err
	}
	if err := setBool("AMQP_ENABLED", &c.Consumer.AMQP.Enabled); err != nil {
		return err
	}
	return setBool("METRICS_ENABLED", &c.Metrics.Enabled)
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		hostname, _ := os.Hostname()
		c.Server.Name = hostname
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverBolt
	}
	if c.Storage.Path == "" {
		if c.Storage.Driver == DriverSQLite {
			c.Storage.Path = "/var/lib/notifysafe/notifysafe.sqlite"
		} else {
			c.Storage.Path = "/var/lib/notifysafe/notifysafe.db"
		}
	}
	if c.Storage.CleanupInterval == 0 {
		c.Storage.CleanupInterval = time.Hour
	}

	if c.Channels.Probabilities == nil {
		c.Channels.Probabilities = map[string]float64{}
	}
	for name, p := range map[string]float64{"email": 0.85, "sms": 0.60, "inapp": 1.0} {
		if _, ok := c.Channels.Probabilities[name]; !ok {
			c.Channels.Probabilities[name] = p
		}
	}
	if c.Channels.DefaultProbability == 0 {
		c.Channels.DefaultProbability = 1.0
	}
	if c.Channels.MinLatency == 0 && c.Channels.MaxLatency == 0 {
		c.Channels.MinLatency = 300 * time.Millisecond
		c.Channels.MaxLatency = 600 * time.Millisecond
	}

	if c.Delivery.DefaultPolicy == "" {
		c.Delivery.DefaultPolicy = "ordered"
	}
	if c.Delivery.MaxAttempts == 0 {
		c.Delivery.MaxAttempts = 3
	}
	if c.Delivery.RetryInterval == 0 {
		c.Delivery.RetryInterval = time.Second
	}
	if c.Delivery.MaxRetryInterval == 0 {
		c.Delivery.MaxRetryInterval = time.Minute
	}
	if c.Delivery.Timeout == 0 {
		c.Delivery.Timeout = 2 * time.Minute
	}

	if c.Consumer.Workers == 0 {
		c.Consumer.Workers = 4
	}
	if c.Consumer.Kafka.Topic == "" {
		c.Consumer.Kafka.Topic = "notifysafe.events"
	}
	if c.Consumer.Kafka.GroupID == "" {
		c.Consumer.Kafka.GroupID = "notifysafe"
	}
	if c.Consumer.AMQP.Queue == "" {
		c.Consumer.AMQP.Queue = "notifysafe.events"
	}
	if c.Consumer.AMQP.Prefetch == 0 {
		c.Consumer.AMQP.Prefetch = 50
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Storage.Driver != DriverBolt && c.Storage.Driver != DriverSQLite {
		return fmt.Errorf("invalid storage.driver: %s (must be bolt or sqlite)", c.Storage.Driver)
	}
	if c.Storage.InboxRetention < 0 {
		return fmt.Errorf("storage.inbox_retention must not be negative")
	}

	for name, p := range c.Channels.Probabilities {
		if p < 0 || p > 1 {
			return fmt.Errorf("invalid channels.probabilities.%s: %v (must be between 0 and 1)", name, p)
		}
	}
	if c.Channels.DefaultProbability < 0 || c.Channels.DefaultProbability > 1 {
		return fmt.Errorf("invalid channels.default_probability: %v (must be between 0 and 1)", c.Channels.DefaultProbability)
	}
	if c.Channels.MinLatency < 0 || c.Channels.MaxLatency < c.Channels.MinLatency {
		return fmt.Errorf("channels.max_latency must be >= channels.min_latency >= 0")
	}

	validPolicies := map[string]bool{"ordered": true, "retry_all": true}
	if !validPolicies[c.Delivery.DefaultPolicy] {
		return fmt.Errorf("invalid delivery.default_policy: %s (must be ordered or retry_all)", c.Delivery.DefaultPolicy)
	}
	for category, policy := range c.Delivery.CategoryPolicies {
		if !validPolicies[policy] {
			return fmt.Errorf("invalid delivery.category_policies.%s: %s", category, policy)
		}
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery.max_attempts must be at least 1")
	}

	for i, ev := range c.Events {
		if strings.TrimSpace(ev.Type) == "" {
			return fmt.Errorf("events[%d].type is required", i)
		}
		if ev.Policy != "" && !validPolicies[ev.Policy] {
			return fmt.Errorf("invalid events[%d].policy: %s", i, ev.Policy)
		}
	}

	if c.Consumer.Kafka.Enabled && len(c.Consumer.Kafka.Brokers) == 0 {
		return fmt.Errorf("consumer.kafka.brokers must not be empty when kafka is enabled")
	}
	if c.Consumer.AMQP.Enabled && c.Consumer.AMQP.URL == "" {
		return fmt.Errorf("consumer.amqp.url is required when amqp is enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
