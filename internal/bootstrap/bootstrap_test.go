package bootstrap

import (
	"context"
	"flag"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/cuongbtq/taskorch/internal/config"
	"github.com/cuongbtq/taskorch/internal/storage"
	"github.com/cuongbtq/taskorch/shared/logger"
)

func cliContext(t *testing.T, flags []cli.Flag, args ...string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range flags {
		require.NoError(t, f.Apply(set))
	}
	require.NoError(t, set.Parse(args))
	return cli.NewContext(cli.NewApp(), set, nil)
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	c := cliContext(t, CommonFlags("BUILDER"),
		"--dsn", "file:other.db", "--driver", "sqlite3", "--log-level", "debug")

	cfg, err := LoadConfig(c)
	require.NoError(t, err)
	assert.Equal(t, "file:other.db", cfg.Database.DSN)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_DefaultsWithoutFile(t *testing.T) {
	cfg, err := LoadConfig(cliContext(t, CommonFlags("AGENT")))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(cliContext(t, CommonFlags("AGENT"), "--config", "does-not-exist.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestDefaultNode(t *testing.T) {
	node := DefaultNode()
	assert.NotEmpty(t, node)
	assert.True(t, strings.Contains(node, "-"))
}

func TestOpenStore_Migrates(t *testing.T) {
	cfg := config.Default().Database
	cfg.DSN = "file:" + filepath.Join(t.TempDir(), "boot.db") + "?_busy_timeout=5000&_foreign_keys=on"

	client, store, err := OpenStore(context.Background(), &cfg, logger.Discard())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.HealthCheck(context.Background()))
	jobs, err := store.ListJobs(context.Background(), storage.JobFilter{PageSize: 10})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestRabbitMQConfig(t *testing.T) {
	rc := config.Default().RabbitMQ
	got := RabbitMQConfig(&rc)
	assert.Equal(t, "taskorch.events", got.ExchangeName)
	assert.Equal(t, "topic", got.ExchangeType)
	assert.Equal(t, 3, got.PublishRetries)
	assert.Equal(t, 100*time.Millisecond, got.PublishRetryDelay)

	client, err := InitRabbitMQ(&rc, logger.Discard())
	require.NoError(t, err)
	assert.Nil(t, client)
}

func TestInitTelemetry(t *testing.T) {
	tc := config.Default().Telemetry
	p, err := InitTelemetry(&tc, "builder-service", logger.Discard())
	require.NoError(t, err)
	require.NotNil(t, p.Telemetry)
	ShutdownTelemetry(p, time.Second, logger.Discard())

	tc.Enabled = true
	tc.Exporter = "zipkin"
	_, err = InitTelemetry(&tc, "builder-service", logger.Discard())
	assert.ErrorContains(t, err, "failed to initialize telemetry")
}
