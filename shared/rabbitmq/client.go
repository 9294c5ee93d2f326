package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrClosed is returned by Publish after Close
var ErrClosed = errors.New("rabbitmq client closed")

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
	// AppID is stamped on every published message when set.
	AppID string
}

// URL returns the AMQP URL for the configuration with credentials escaped.
func (c *Config) URL() string {
	vhost := c.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.User,
		Password: c.Password,
		Vhost:    vhost,
	}.String()
}

// channel is the subset of *amqp.Channel the client uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// Client publishes messages to one exchange. A channel that fails is
// dropped and reopened on the next publish attempt.
type Client struct {
	config *Config
	logger *slog.Logger

	mu          sync.Mutex
	conn        *amqp.Connection
	channel     channel
	closed      bool
	openChannel func() (channel, error)
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewClient connects to RabbitMQ and declares the exchange
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	c := &Client{
		config: config,
		logger: logger,
		sleep:  sleepCtx,
	}
	c.openChannel = c.declareChannel

	if err := c.dial(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	ch, err := c.openChannel()
	if err != nil {
		c.conn.Close()
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}
	c.channel = ch

	c.logger.Info("RabbitMQ publisher initialized",
		slog.String("exchange", config.ExchangeName),
		slog.String("exchange_type", config.ExchangeType),
	)
	return c, nil
}

// dial opens the connection, retrying RetryAttempts times
func (c *Client) dial(ctx context.Context) error {
	attempts := max(c.config.RetryAttempts, 1)
	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		c.conn, err = amqp.DialConfig(c.config.URL(), amqpConfig)
		if err == nil {
			c.logger.Info("Connected to RabbitMQ",
				slog.String("host", c.config.Host),
				slog.Int("attempt", attempt),
			)
			return nil
		}

		c.logger.Warn("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)
		if attempt < attempts {
			if serr := c.sleep(ctx, c.config.RetryInterval); serr != nil {
				return serr
			}
		}
	}
	return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
}

// declareChannel opens a channel on the connection and declares the exchange
func (c *Client) declareChannel() (channel, error) {
	if c.conn == nil || c.conn.IsClosed() {
		return nil, amqp.ErrClosed
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		c.config.ExchangeName,
		c.config.ExchangeType,
		c.config.ExchangeDurable,
		c.config.ExchangeAutoDelete,
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", c.config.ExchangeName, err)
	}
	return ch, nil
}

// currentChannel returns the open channel, reopening it when needed
func (c *Client) currentChannel() (channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.channel != nil && !c.channel.IsClosed() {
		return c.channel, nil
	}

	ch, err := c.openChannel()
	if err != nil {
		return nil, err
	}
	c.channel = ch
	c.logger.Info("RabbitMQ channel reopened", slog.String("exchange", c.config.ExchangeName))
	return ch, nil
}

// dropChannel discards ch if it is still the current channel
func (c *Client) dropChannel(ch channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel == ch {
		_ = ch.Close()
		c.channel = nil
	}
}

// Publish sends body to the exchange under routingKey as a persistent
// message, retrying with exponential backoff.
func (c *Client) Publish(ctx context.Context, routingKey string, body []byte, contentType string) error {
	retries := max(c.config.PublishRetries, 0)
	delay := c.config.PublishRetryDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	mult := c.config.PublishBackoffMult
	if mult <= 0 {
		mult = 2.0
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		ch, err := c.currentChannel()
		if errors.Is(err, ErrClosed) {
			return err
		}
		if err == nil {
			err = ch.PublishWithContext(ctx, c.config.ExchangeName, routingKey,
				false, // mandatory
				false, // immediate
				amqp.Publishing{
					ContentType:  contentType,
					Body:         body,
					DeliveryMode: amqp.Persistent,
					Timestamp:    time.Now().UTC(),
					AppId:        c.config.AppID,
				},
			)
			if err == nil {
				if attempt > 0 {
					c.logger.Info("Published message after retry",
						slog.Int("attempt", attempt+1),
						slog.String("routing_key", routingKey),
					)
				}
				return nil
			}
			c.dropChannel(ch)
		}
		lastErr = err

		if attempt < retries {
			c.logger.Warn("Failed to publish message, retrying",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", retries),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)
			if err := c.sleep(ctx, delay); err != nil {
				return fmt.Errorf("publish canceled: %w", err)
			}
			delay = time.Duration(float64(delay) * mult)
		}
	}

	return fmt.Errorf("failed to publish message after %d attempts: %w", retries+1, lastErr)
}

// Close closes the channel and the connection. Later publishes fail with
// ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Warn("Failed to close RabbitMQ channel", slog.Any("error", err))
		}
		c.channel = nil
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("failed to close RabbitMQ connection: %w", err)
		}
	}

	c.logger.Info("RabbitMQ connection closed")
	return nil
}

// IsConnected reports whether the connection is open
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.conn != nil && !c.conn.IsClosed()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
