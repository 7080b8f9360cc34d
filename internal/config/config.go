package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535

	GuardMemory = "memory"
	GuardRedis  = "redis"
)

// Config represents the complete application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Remote  RemoteConfig  `yaml:"remote"`
	Sync    SyncConfig    `yaml:"sync"`
	Guard   GuardConfig   `yaml:"guard"`
	Archive ArchiveConfig `yaml:"archive"`
	Events  EventsConfig  `yaml:"events"`
	Logging LoggingConfig `yaml:"logging"`
	App     AppConfig     `yaml:"app"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

// RemoteConfig points at the Remote Job Service
type RemoteConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	ActionTimeout  time.Duration `yaml:"action_timeout"`
}

// SyncConfig holds the poll loop settings
type SyncConfig struct {
	Interval       time.Duration `yaml:"interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Autostart      bool          `yaml:"autostart"`
}

// GuardConfig selects the in-flight retry guard backend
type GuardConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings for the guard
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// ArchiveConfig enables snapshot persistence to PostgreSQL
type ArchiveConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Database DatabaseConfig `yaml:"database"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
}

// EventsConfig enables job lifecycle events
type EventsConfig struct {
	Enabled  bool           `yaml:"enabled"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Dispatch DispatchConfig `yaml:"dispatch"`
}

// DispatchConfig sizes the async publish pool
type DispatchConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	QueueSize      int           `yaml:"queue_size"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Durable bool   `yaml:"durable"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
	NoColor      bool   `yaml:"no_color"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// Load reads and parses the configuration file, then fills defaults
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// ApplyDefaults fills zero values
func (c *Config) ApplyDefaults() {
	setDuration(&c.Server.ReadTimeout, 15*time.Second)
	setDuration(&c.Server.WriteTimeout, 15*time.Second)
	setDuration(&c.Server.IdleTimeout, 60*time.Second)
	setDuration(&c.Server.ShutdownTimeout, 10*time.Second)

	setDuration(&c.Remote.RequestTimeout, 10*time.Second)
	setDuration(&c.Remote.ActionTimeout, 30*time.Second)

	setDuration(&c.Sync.Interval, 5*time.Second)
	if c.Sync.RequestTimeout == 0 {
		c.Sync.RequestTimeout = c.Remote.RequestTimeout
	}

	if c.Guard.Backend == "" {
		c.Guard.Backend = GuardMemory
	}
	if c.Guard.Redis.Prefix == "" {
		c.Guard.Redis.Prefix = "dashboard:retry:"
	}
	setDuration(&c.Guard.Redis.TTL, 2*time.Minute)

	db := &c.Archive.Database
	if db.Port == 0 {
		db.Port = 5432
	}
	if db.MaxOpenConns == 0 {
		db.MaxOpenConns = 5
	}
	if db.MaxIdleConns == 0 {
		db.MaxIdleConns = 2
	}

	mq := &c.Events.RabbitMQ
	if mq.Port == 0 {
		mq.Port = 5672
	}
	if mq.VHost == "" {
		mq.VHost = "/"
	}
	if mq.Exchange.Type == "" {
		mq.Exchange.Type = "topic"
	}
	if mq.Connection.RetryAttempts == 0 {
		mq.Connection.RetryAttempts = 3
	}
	setDuration(&mq.Connection.RetryInterval, 2*time.Second)

	dispatch := &c.Events.Dispatch
	if dispatch.Concurrency == 0 {
		dispatch.Concurrency = 2
	}
	if dispatch.QueueSize == 0 {
		dispatch.QueueSize = 256
	}
	setDuration(&dispatch.PublishTimeout, 10*time.Second)

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.App.Name == "" {
		c.App.Name = "training-dashboard"
	}
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d == 0 {
		*d = def
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validPort("server", c.Server.Port); err != nil {
		return err
	}

	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote base_url is required")
	}
	u, err := url.Parse(c.Remote.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid remote base_url: %q", c.Remote.BaseURL)
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"remote request_timeout", c.Remote.RequestTimeout},
		{"remote action_timeout", c.Remote.ActionTimeout},
		{"sync interval", c.Sync.Interval},
		{"sync request_timeout", c.Sync.RequestTimeout},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be greater than 0", d.name)
		}
	}

	switch c.Guard.Backend {
	case GuardMemory:
	case GuardRedis:
		if c.Guard.Redis.Addr == "" {
			return fmt.Errorf("guard redis addr is required")
		}
	default:
		return fmt.Errorf("invalid guard backend: %q (must be %s or %s)", c.Guard.Backend, GuardMemory, GuardRedis)
	}

	if c.Archive.Enabled {
		if c.Archive.Database.Host == "" {
			return fmt.Errorf("archive database host is required")
		}
		if err := validPort("archive database", c.Archive.Database.Port); err != nil {
			return err
		}
		if c.Archive.Database.Database == "" {
			return fmt.Errorf("archive database name is required")
		}
	}

	if c.Events.Enabled {
		if c.Events.RabbitMQ.Host == "" {
			return fmt.Errorf("events rabbitmq host is required")
		}
		if err := validPort("events rabbitmq", c.Events.RabbitMQ.Port); err != nil {
			return err
		}
		if c.Events.RabbitMQ.Exchange.Name == "" {
			return fmt.Errorf("events rabbitmq exchange name is required")
		}
		if c.Events.Dispatch.Concurrency < 0 || c.Events.Dispatch.QueueSize < 0 {
			return fmt.Errorf("events dispatch concurrency and queue_size must not be negative")
		}
	}

	return nil
}

func validPort(name string, port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", name, port, MinPort, MaxPort)
	}
	return nil
}
