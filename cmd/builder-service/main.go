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

	"github.com/cuongbtq/taskorch/internal/backoff"
	"github.com/cuongbtq/taskorch/internal/bootstrap"
	"github.com/cuongbtq/taskorch/internal/builder"
	"github.com/cuongbtq/taskorch/internal/config"
	"github.com/cuongbtq/taskorch/internal/runner"
	"github.com/cuongbtq/taskorch/internal/storage"
	"github.com/cuongbtq/taskorch/internal/workflow"
)

const (
	flagWorkflows    = "workflows"
	flagClaimTimeout = "claim-timeout"
)

var version = "dev"

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	flags := append(bootstrap.CommonFlags("BUILDER"), bootstrap.LoopFlags("BUILDER")...)
	flags = append(flags,
		&cli.StringFlag{
			Name:    flagWorkflows,
			Usage:   "Path to the workflow definitions file.",
			EnvVars: []string{"BUILDER_WORKFLOWS_PATH"},
		},
		&cli.DurationFlag{
			Name:    flagClaimTimeout,
			Usage:   "Requeue claims without a heartbeat for this long (0 disables).",
			EnvVars: []string{"BUILDER_CLAIM_TIMEOUT"},
		},
	)

	app := &cli.App{
		Name:    "builder-service",
		Usage:   "Expand due jobs into tasks, retry failed tasks and finish jobs",
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

	if err := cfg.ValidateBuilderConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging, "builder-service")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting builder service",
		slog.String("app", cfg.App.Name),
		slog.String("version", version),
		slog.String("node", cfg.Builder.Node),
		slog.Duration("interval", cfg.Builder.Interval),
		slog.Bool("once", cfg.Builder.Once),
	)

	registry, err := workflow.Load(cfg.Builder.WorkflowsPath)
	if err != nil {
		return fmt.Errorf("failed to load workflows: %w", err)
	}
	appLogger.Info("Workflows loaded", slog.Any("workflows", registry.Names()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbClient, store, err := bootstrap.OpenStore(ctx, &cfg.Database, appLogger.Logger,
		storage.WithWorkflows(registry),
		storage.WithBackoff(backoff.NewExponential(cfg.Builder.Backoff.Base, cfg.Builder.Backoff.Max)),
	)
	if err != nil {
		return err
	}
	defer dbClient.Close()

	tel, err := bootstrap.InitTelemetry(&cfg.Telemetry, "builder-service", appLogger.Logger)
	if err != nil {
		return err
	}
	defer bootstrap.ShutdownTelemetry(tel, 5*time.Second, appLogger.Logger)

	engine := builder.NewEngine(&builder.Config{
		Logger:       appLogger.With(slog.String("node", cfg.Builder.Node)).Logger,
		Repo:         store,
		Retrier:      store,
		Reclaimer:    store,
		ClaimTimeout: cfg.Builder.ClaimTimeout,
		Telemetry:    tel.Telemetry,
	})

	loop := runner.New(&runner.Config{
		Name:     "builder",
		Logger:   appLogger.Logger,
		Interval: cfg.Builder.Interval,
		Once:     cfg.Builder.Once,
	}, engine.Tick)

	// an interrupt during a --once cycle is a clean stop
	if err := loop.Run(ctx); err != nil && !runner.IsStopped(err) {
		return fmt.Errorf("builder tick failed: %w", err)
	}

	appLogger.Info("Builder service stopped")
	return nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet(bootstrap.FlagEvery) {
		cfg.Builder.Interval = c.Duration(bootstrap.FlagEvery)
	}
	if c.IsSet(bootstrap.FlagOnce) {
		cfg.Builder.Once = c.Bool(bootstrap.FlagOnce)
	}
	if c.IsSet(bootstrap.FlagNode) {
		cfg.Builder.Node = c.String(bootstrap.FlagNode)
	}
	if c.IsSet(flagWorkflows) {
		cfg.Builder.WorkflowsPath = c.String(flagWorkflows)
	}
	if c.IsSet(flagClaimTimeout) {
		cfg.Builder.ClaimTimeout = c.Duration(flagClaimTimeout)
	}
	if cfg.Builder.Node == "" {
		cfg.Builder.Node = bootstrap.DefaultNode()
	}
}
