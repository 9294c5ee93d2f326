package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Logging  LoggingConfig  `yaml:"logging"`
	Database DatabaseConfig `yaml:"database"`
	Builder  BuilderConfig  `yaml:"builder"`
	Agent    AgentConfig    `yaml:"agent"`
	Server   ServerConfig   `yaml:"server"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableSource bool   `yaml:"enable_source"`
	NoColor      bool   `yaml:"no_color"`
}

// DatabaseConfig holds store connection configuration. DSN, when set, wins
// over the individual postgres fields.
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
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
	// TxAttempts bounds retries of a transaction after a serialization conflict.
	TxAttempts int  `yaml:"tx_attempts"`
	Migrate    bool `yaml:"migrate"`
}

// BuilderConfig holds builder daemon configuration
type BuilderConfig struct {
	Interval      time.Duration `yaml:"interval"`
	Once          bool          `yaml:"once"`
	Node          string        `yaml:"node"`
	WorkflowsPath string        `yaml:"workflows_path"`
	Backoff       BackoffConfig `yaml:"backoff"`
	// ClaimTimeout enables stale-claim reclamation when positive.
	ClaimTimeout time.Duration `yaml:"claim_timeout"`
}

// BackoffConfig holds the retry delay settings
type BackoffConfig struct {
	Base time.Duration `yaml:"base"`
	Max  time.Duration `yaml:"max"`
}

// AgentConfig holds agent daemon configuration
type AgentConfig struct {
	Interval          time.Duration `yaml:"interval"`
	Once              bool          `yaml:"once"`
	Node              string        `yaml:"node"`
	Service           string        `yaml:"service"`
	Capacity          int           `yaml:"capacity"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Executor          string        `yaml:"executor"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RabbitMQConfig holds the event relay configuration
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
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
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
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

// TelemetryConfig selects the OpenTelemetry exporter of the daemons. When
// disabled the global noop providers stay installed.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Exporter       string        `yaml:"exporter"`
	MetricInterval time.Duration `yaml:"metric_interval"`
}

// Default returns a configuration that runs against a local sqlite file.
func Default() *Config {
	return &Config{
		App: AppConfig{Name: "taskorch", Environment: "development"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stdout",
		},
		Database: DatabaseConfig{
			Driver:          "sqlite3",
			DSN:             "file:taskorch.db?_busy_timeout=5000&_foreign_keys=on",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnectTimeout:  5 * time.Second,
			TxAttempts:      3,
			Migrate:         true,
		},
		Builder: BuilderConfig{
			Interval:      2 * time.Second,
			WorkflowsPath: "config/workflows.yaml",
			Backoff:       BackoffConfig{Base: 30 * time.Second, Max: time.Hour},
		},
		Agent: AgentConfig{
			Interval:          time.Second,
			Capacity:          1,
			HeartbeatInterval: 30 * time.Second,
			Executor:          "noop",
		},
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		RabbitMQ: RabbitMQConfig{
			Host:     "localhost",
			Port:     5672,
			User:     "guest",
			Password: "guest",
			VHost:    "/",
			Exchange: ExchangeConfig{Name: "taskorch.events", Type: "topic", Durable: true},
			Connection: ConnectionConfig{
				RetryAttempts: 5,
				RetryInterval: 2 * time.Second,
				Heartbeat:     10 * time.Second,
			},
			Publish: PublishConfig{
				RetryAttempts:     3,
				RetryInterval:     100 * time.Millisecond,
				BackoffMultiplier: 2,
			},
		},
		Telemetry: TelemetryConfig{
			Exporter:       "stdout",
			MetricInterval: time.Minute,
		},
	}
}

// Load reads the configuration file on top of Default
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadOrDefault loads configPath, or returns Default when the path is empty.
func LoadOrDefault(configPath string) (*Config, error) {
	if configPath == "" {
		return Default(), nil
	}
	return Load(configPath)
}

func (c *Config) validateDatabase() error {
	switch c.Database.Driver {
	case "", "postgres":
		if c.Database.DSN != "" {
			break
		}
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case "sqlite3":
		if c.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for sqlite3")
		}
	default:
		return fmt.Errorf("unsupported database driver: %q", c.Database.Driver)
	}
	return nil
}

func (c *Config) validateRabbitMQ() error {
	if !c.RabbitMQ.Enabled {
		return nil
	}
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}
	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}
	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}
	return nil
}

func (c *Config) validateTelemetry() error {
	if !c.Telemetry.Enabled {
		return nil
	}
	if c.Telemetry.Exporter != "stdout" {
		return fmt.Errorf("unsupported telemetry exporter: %q", c.Telemetry.Exporter)
	}
	if c.Telemetry.MetricInterval <= 0 {
		return fmt.Errorf("telemetry metric_interval must be greater than 0")
	}
	return nil
}

// ValidateBuilderConfig checks the configuration needed by the builder daemon
func (c *Config) ValidateBuilderConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if c.Builder.Interval <= 0 {
		return fmt.Errorf("builder interval must be greater than 0")
	}
	if c.Builder.WorkflowsPath == "" {
		return fmt.Errorf("builder workflows_path is required")
	}
	if c.Builder.Backoff.Base <= 0 {
		return fmt.Errorf("builder backoff base must be greater than 0")
	}
	if c.Builder.Backoff.Max < c.Builder.Backoff.Base {
		return fmt.Errorf("builder backoff max must not be less than base")
	}
	if c.Builder.ClaimTimeout < 0 {
		return fmt.Errorf("builder claim_timeout must not be negative")
	}
	return c.validateTelemetry()
}

// ValidateAgentConfig checks the configuration needed by the agent daemon
func (c *Config) ValidateAgentConfig() error {
	if err := c.validateDatabase(); err != nil {
		return err
	}
	if c.Agent.Service == "" {
		return fmt.Errorf("agent service is required")
	}
	if c.Agent.Node == "" {
		return fmt.Errorf("agent node is required")
	}
	if c.Agent.Capacity <= 0 {
		return fmt.Errorf("agent capacity must be greater than 0")
	}
	if c.Agent.Interval <= 0 {
		return fmt.Errorf("agent interval must be greater than 0")
	}
	if c.Agent.TaskTimeout < 0 {
		return fmt.Errorf("agent task_timeout must not be negative")
	}
	if c.Agent.HeartbeatInterval < 0 {
		return fmt.Errorf("agent heartbeat_interval must not be negative")
	}
	if err := c.validateTelemetry(); err != nil {
		return err
	}
	return c.validateRabbitMQ()
}

// ValidateAPIConfig checks the configuration needed by the API service
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}
	return c.validateDatabase()
}
