// Package bootstrap wires configuration into the shared clients every
// daemon needs: logger, database, store and the event relay.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/cuongbtq/taskorch/internal/config"
	"github.com/cuongbtq/taskorch/internal/storage"
	"github.com/cuongbtq/taskorch/internal/telemetry"
	"github.com/cuongbtq/taskorch/shared/database"
	"github.com/cuongbtq/taskorch/shared/logger"
	"github.com/cuongbtq/taskorch/shared/rabbitmq"
)

// Flag names shared by the daemons
const (
	FlagConfig   = "config"
	FlagEvery    = "every"
	FlagOnce     = "once"
	FlagNode     = "node"
	FlagDSN      = "dsn"
	FlagDriver   = "driver"
	FlagLogLevel = "log-level"
)

// CommonFlags returns the flags every daemon accepts. prefix selects the
// environment variable namespace, e.g. BUILDER gives BUILDER_CONFIG_PATH.
func CommonFlags(prefix string) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    FlagConfig,
			Usage:   "Path to the YAML configuration file.",
			EnvVars: []string{prefix + "_CONFIG_PATH"},
		},
		&cli.StringFlag{
			Name:    FlagDSN,
			Usage:   "Storage DSN, overrides database.dsn.",
			EnvVars: []string{"TASKORCH_DSN"},
		},
		&cli.StringFlag{
			Name:    FlagDriver,
			Usage:   "Storage driver (postgres or sqlite3).",
			EnvVars: []string{"TASKORCH_DRIVER"},
		},
		&cli.StringFlag{
			Name:    FlagLogLevel,
			Usage:   "Log level (debug, info, warn, error).",
			EnvVars: []string{"TASKORCH_LOG_LEVEL"},
		},
	}
}

// LoopFlags returns the polling loop flags of the builder and agent.
func LoopFlags(prefix string) []cli.Flag {
	return []cli.Flag{
		&cli.DurationFlag{
			Name:    FlagEvery,
			Usage:   "Poll interval between ticks.",
			EnvVars: []string{prefix + "_EVERY"},
		},
		&cli.BoolFlag{
			Name:    FlagOnce,
			Usage:   "Run a single tick and exit.",
			EnvVars: []string{prefix + "_ONCE"},
		},
		&cli.StringFlag{
			Name:    FlagNode,
			Usage:   "Node name recorded on claims and events.",
			EnvVars: []string{prefix + "_NODE"},
		},
	}
}

// LoadConfig loads the file named by --config and applies the common flag
// overrides on top of it.
func LoadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadOrDefault(c.String(FlagConfig))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if c.IsSet(FlagDSN) {
		cfg.Database.DSN = c.String(FlagDSN)
	}
	if c.IsSet(FlagDriver) {
		cfg.Database.Driver = c.String(FlagDriver)
	}
	if c.IsSet(FlagLogLevel) {
		cfg.Logging.Level = c.String(FlagLogLevel)
	}
	return cfg, nil
}

// DefaultNode names this process when no node is configured.
func DefaultNode() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig, component string) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Component:    component,
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableSource,
		NoColor:      cfg.NoColor,
		TimeFormat:   time.RFC3339,
	})
}

// DatabaseConfig maps the YAML section onto the client configuration.
func DatabaseConfig(cfg *config.DatabaseConfig) *database.Config {
	return &database.Config{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnectTimeout:  cfg.ConnectTimeout,
	}
}

// OpenStore connects to the database and returns a store on top of it,
// running migrations when database.migrate is set.
func OpenStore(ctx context.Context, cfg *config.DatabaseConfig, log *slog.Logger, opts ...storage.Option) (*database.Client, *storage.Store, error) {
	client, err := database.NewClient(DatabaseConfig(cfg), log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	opts = append([]storage.Option{
		storage.WithLogger(log),
		storage.WithTxAttempts(cfg.TxAttempts),
	}, opts...)
	store := storage.New(client.GetDB(), opts...)

	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return client, store, nil
}

// RabbitMQConfig maps the YAML section onto the client configuration.
func RabbitMQConfig(cfg *config.RabbitMQConfig) *rabbitmq.Config {
	return &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		AppID:              "taskorch",
	}
}

// InitRabbitMQ connects the event relay publisher. It returns nil when the
// relay is disabled.
func InitRabbitMQ(cfg *config.RabbitMQConfig, log *slog.Logger) (*rabbitmq.Client, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	client, err := rabbitmq.NewClient(RabbitMQConfig(cfg), log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	return client, nil
}

// InitTelemetry builds the engine telemetry. The returned provider must be
// shut down to flush exported data.
func InitTelemetry(cfg *config.TelemetryConfig, component string, log *slog.Logger) (*telemetry.Provider, error) {
	p, err := telemetry.Setup(telemetry.ProviderOptions{
		Enabled:        cfg.Enabled,
		Exporter:       cfg.Exporter,
		MetricInterval: cfg.MetricInterval,
		ServiceName:    component,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	if cfg.Enabled {
		log.Info("Telemetry enabled", slog.String("exporter", cfg.Exporter))
	}
	return p, nil
}

// ShutdownTelemetry flushes p within timeout, logging failures.
func ShutdownTelemetry(p *telemetry.Provider, timeout time.Duration, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		log.Warn("Failed to flush telemetry", slog.Any("error", err))
	}
}
