package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/cuongbtq/taskorch/internal/agent"
	"github.com/cuongbtq/taskorch/internal/bootstrap"
	"github.com/cuongbtq/taskorch/internal/config"
	"github.com/cuongbtq/taskorch/internal/notify"
	"github.com/cuongbtq/taskorch/internal/runner"
)

const (
	flagService     = "service"
	flagCapacity    = "capacity"
	flagExecutor    = "executor"
	flagTaskTimeout = "task-timeout"
)

var version = "dev"

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	flags := append(bootstrap.CommonFlags("AGENT"), bootstrap.LoopFlags("AGENT")...)
	flags = append(flags,
		&cli.StringFlag{
			Name:    flagService,
			Usage:   "Service whose tasks this agent executes.",
			EnvVars: []string{"AGENT_SERVICE"},
		},
		&cli.IntFlag{
			Name:    flagCapacity,
			Usage:   "Maximum tasks claimed per tick.",
			EnvVars: []string{"AGENT_CAPACITY"},
		},
		&cli.StringFlag{
			Name:    flagExecutor,
			Usage:   "Task executor (noop or command).",
			EnvVars: []string{"AGENT_EXECUTOR"},
		},
		&cli.DurationFlag{
			Name:    flagTaskTimeout,
			Usage:   "Per-task execution timeout (0 disables).",
			EnvVars: []string{"AGENT_TASK_TIMEOUT"},
		},
	)

	app := &cli.App{
		Name:    "agent-service",
		Usage:   "Claim and execute tasks of one service",
		Version: version,
		Flags:   flags,
		Action:  run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := bootstrap.LoadConfig(c)
	if err != nil {
		return err
	}
	applyFlags(c, cfg)

	if err := cfg.ValidateAgentConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging, "agent-service")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	executor, err := agent.NewExecutor(cfg.Agent.Executor)
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger.Info("Starting agent service",
		slog.String("app", cfg.App.Name),
		slog.String("version", version),
		slog.String("service", cfg.Agent.Service),
		slog.String("node", cfg.Agent.Node),
		slog.Int("capacity", cfg.Agent.Capacity),
		slog.String("executor", cfg.Agent.Executor),
		slog.Bool("once", cfg.Agent.Once),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, store, err := bootstrap.OpenStore(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return err
	}
	defer dbClient.Close()

	tel, err := bootstrap.InitTelemetry(&cfg.Telemetry, "agent-service", appLogger.Logger)
	if err != nil {
		return err
	}
	defer bootstrap.ShutdownTelemetry(tel, 5*time.Second, appLogger.Logger)

	var repo agent.Repo = store
	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return err
	}
	if rabbitClient != nil {
		defer rabbitClient.Close()
		repo = notify.Wrap(store, rabbitClient, cfg.Agent.Node, appLogger.Logger)
		appLogger.Info("Event relay enabled", slog.String("exchange", cfg.RabbitMQ.Exchange.Name))
	}

	engine := agent.NewEngine(&agent.Config{
		Logger:            appLogger.Logger,
		Repo:              repo,
		Executor:          executor,
		Service:           cfg.Agent.Service,
		Node:              cfg.Agent.Node,
		Capacity:          cfg.Agent.Capacity,
		TaskTimeout:       cfg.Agent.TaskTimeout,
		Heartbeater:       store,
		HeartbeatInterval: cfg.Agent.HeartbeatInterval,
		Telemetry:         tel.Telemetry,
	})

	loop := runner.New(&runner.Config{
		Name:              "agent",
		Logger:            appLogger.Logger,
		Interval:          cfg.Agent.Interval,
		Once:              cfg.Agent.Once,
		SkipSleepWhenBusy: true,
	}, engine.Tick)

	// an interrupt during a --once cycle is a clean stop
	if err := loop.Run(ctx); err != nil && !runner.IsStopped(err) {
		return fmt.Errorf("agent tick failed: %w", err)
	}

	appLogger.Info("Agent service stopped")
	return nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet(bootstrap.FlagEvery) {
		cfg.Agent.Interval = c.Duration(bootstrap.FlagEvery)
	}
	if c.IsSet(bootstrap.FlagOnce) {
		cfg.Agent.Once = c.Bool(bootstrap.FlagOnce)
	}
	if c.IsSet(bootstrap.FlagNode) {
		cfg.Agent.Node = c.String(bootstrap.FlagNode)
	}
	if c.IsSet(flagService) {
		cfg.Agent.Service = c.String(flagService)
	}
	if c.IsSet(flagCapacity) {
		cfg.Agent.Capacity = c.Int(flagCapacity)
	}
	if c.IsSet(flagExecutor) {
		cfg.Agent.Executor = c.String(flagExecutor)
	}
	if c.IsSet(flagTaskTimeout) {
		cfg.Agent.TaskTimeout = c.Duration(flagTaskTimeout)
	}
	if cfg.Agent.Node == "" {
		cfg.Agent.Node = bootstrap.DefaultNode()
	}
}
