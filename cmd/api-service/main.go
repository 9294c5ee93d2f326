package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/cuongbtq/taskorch/internal/api/handler"
	"github.com/cuongbtq/taskorch/internal/api/router"
	"github.com/cuongbtq/taskorch/internal/bootstrap"
	"github.com/cuongbtq/taskorch/internal/storage"
	"github.com/cuongbtq/taskorch/internal/workflow"
	"github.com/cuongbtq/taskorch/shared/database"
)

const (
	flagPort      = "port"
	flagWorkflows = "workflows"
)

var version = "dev"

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	flags := append(bootstrap.CommonFlags("API_SERVICE"),
		&cli.IntFlag{
			Name:    flagPort,
			Usage:   "HTTP listen port.",
			EnvVars: []string{"API_SERVICE_PORT"},
		},
		&cli.StringFlag{
			Name:    flagWorkflows,
			Usage:   "Path to the workflow definitions file used to validate new jobs.",
			EnvVars: []string{"API_SERVICE_WORKFLOWS_PATH"},
		},
	)

	app := &cli.App{
		Name:    "api-service",
		Usage:   "Accept jobs and expose job, task and event state over HTTP",
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
	if c.IsSet(flagPort) {
		cfg.Server.Port = c.Int(flagPort)
	}
	if c.IsSet(flagWorkflows) {
		cfg.Builder.WorkflowsPath = c.String(flagWorkflows)
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := bootstrap.InitLogger(&cfg.Logging, "api-service")
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", version),
		slog.String("environment", cfg.App.Environment),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var opts []storage.Option
	var registry *workflow.Registry
	if cfg.Builder.WorkflowsPath != "" {
		registry, err = workflow.Load(cfg.Builder.WorkflowsPath)
		if err != nil {
			return fmt.Errorf("failed to load workflows: %w", err)
		}
		opts = append(opts, storage.WithWorkflows(registry))
	}

	dbClient, store, err := bootstrap.OpenStore(ctx, &cfg.Database, appLogger.Logger, opts...)
	if err != nil {
		return err
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	r := initRouter(cfg.App.Environment, appLogger.Logger, store, dbClient, registry)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
	)

	errChan := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		appLogger.Info("Shutting down server...")
	case err := <-errChan:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter initializes the Gin router with all routes and middleware
func initRouter(environment string, logger *slog.Logger, store *storage.Store, dbClient *database.Client, registry *workflow.Registry) *gin.Engine {
	if environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	deps := &handler.Dependencies{
		Logger:  logger,
		Store:   store,
		DB:      dbClient,
		Service: "api-service",
	}
	// A nil *Registry in the interface would not compare equal to nil.
	if registry != nil {
		deps.Workflows = registry
	}

	return router.SetupRouter(deps)
}
