package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cuongbtq/lara-orchestrator/shared/retry"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned by operations attempted without a live connection
var ErrNotConnected = errors.New("not connected to RabbitMQ")

// Config holds RabbitMQ connection configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string

	// Queues are declared durable on every (re)connect
	Queues    []string
	QueueType string // quorum, classic or empty for broker default

	RetryAttempts     int
	RetryInterval     time.Duration
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration

	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
	ConfirmTimeout     time.Duration
}

// Client owns one broker connection with a consume channel and a
// publisher-confirm channel.
type Client struct {
	config *Config
	logger *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	channel     *amqp.Channel
	publishCh   *amqp.Channel
	closeChan   chan *amqp.Error
	isConnected bool
}

// NewClient creates a new RabbitMQ client. It fails when the broker cannot be
// reached within the configured connection attempts.
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// URL returns the AMQP URL with the password redacted
func (c *Client) URL() string {
	return redact(c.config.url())
}

func (cfg *Config) url() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(cfg.User, cfg.Password),
		Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Path:   cfg.VHost,
	}
	return u.String()
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Redacted()
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	dsn := c.config.url()

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var (
		conn *amqp.Connection
		err  error
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.String("url", redact(dsn)),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	publishCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create publish channel: %w", err)
	}
	if err := publishCh.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	if err := c.setup(channel); err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare queues: %w", err)
	}

	closeChan := make(chan *amqp.Error, 1)
	conn.NotifyClose(closeChan)

	c.mu.Lock()
	c.conn = conn
	c.channel = channel
	c.publishCh = publishCh
	c.closeChan = closeChan
	c.isConnected = true
	c.mu.Unlock()

	go c.watch(closeChan)

	c.logger.Info("RabbitMQ client initialized",
		slog.Any("queues", c.config.Queues),
		slog.String("queue_type", c.config.QueueType),
	)

	return nil
}

// watch flips the connected flag when the broker drops the connection
func (c *Client) watch(closeChan chan *amqp.Error) {
	amqpErr, ok := <-closeChan

	c.mu.Lock()
	if c.closeChan == closeChan {
		c.isConnected = false
	}
	c.mu.Unlock()

	if ok && amqpErr != nil {
		c.logger.Warn("RabbitMQ connection lost",
			slog.Int("code", amqpErr.Code),
			slog.String("reason", amqpErr.Reason),
		)
	}
}

// setup declares every configured queue; redeclaring with the same
// arguments is a no-op on the broker
func (c *Client) setup(channel *amqp.Channel) error {
	var args amqp.Table
	if c.config.QueueType != "" {
		args = amqp.Table{"x-queue-type": c.config.QueueType}
	}

	for _, name := range c.config.Queues {
		_, err := channel.QueueDeclare(
			name,  // name
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			args,  // arguments
		)
		if err != nil {
			return fmt.Errorf("failed to declare queue %s: %w", name, err)
		}
	}

	return nil
}

// Reconnect drops the current connection and dials again until it succeeds or
// ctx is done
func (c *Client) Reconnect(ctx context.Context) error {
	c.closeConnection()

	return retry.Do(ctx, retry.Persistent(), func(attempt int) error {
		c.logger.Info("Reconnecting to RabbitMQ", slog.Int("attempt", attempt))
		return c.connect()
	})
}

// Publish publishes a persistent message to the named queue through the
// default exchange and waits for the broker confirm
func (c *Client) Publish(ctx context.Context, queue string, body []byte, contentType string) error {
	c.mu.RLock()
	ch, connected := c.publishCh, c.isConnected
	c.mu.RUnlock()

	if !connected || ch == nil {
		return ErrNotConnected
	}

	if c.config.ConfirmTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ConfirmTimeout)
		defer cancel()
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(
		ctx,
		"",    // default exchange routes by queue name
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  contentType,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message to %s: %w", queue, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for publish confirm on %s: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked message published to %s", queue)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("queue", queue),
		slog.Int("body_size", len(body)),
	)

	return nil
}

// PublishWithRetry publishes with exponential backoff between attempts
func (c *Client) PublishWithRetry(ctx context.Context, queue string, body []byte, contentType string) error {
	maxRetries := c.config.PublishRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	backoffMult := c.config.PublishBackoffMult
	if backoffMult <= 0 {
		backoffMult = 2.0
	}

	cfg := retry.Config{
		MaxAttempts:  maxRetries + 1,
		InitialDelay: baseDelay,
		MaxDelay:     30 * baseDelay,
		Multiplier:   backoffMult,
		OnRetry: func(attempt int, delay time.Duration, err error) {
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.String("queue", queue),
				slog.Int("attempt", attempt),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)
		},
	}

	err := retry.Do(ctx, cfg, func(int) error {
		if !c.IsConnected() {
			return retry.NonRetryable(ErrNotConnected)
		}
		return c.Publish(ctx, queue, body, contentType)
	})
	if err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ after all retries",
			slog.String("queue", queue),
			slog.Any("error", err),
		)
		return err
	}

	return nil
}

// Consume sets the per-consumer prefetch and starts a manual-ack consumer
func (c *Client) Consume(queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	c.mu.RLock()
	ch, connected := c.channel, c.isConnected
	c.mu.RUnlock()

	if !connected || ch == nil {
		return nil, ErrNotConnected
	}

	// prefetch_size 0: no byte limit; global false: per consumer
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	messages, err := ch.Consume(
		queue,       // queue
		consumerTag, // consumer tag
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", queue),
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch", prefetch),
	)

	return messages, nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected && c.conn != nil && !c.conn.IsClosed()
}

// HealthCheck reports whether the broker is reachable
func (c *Client) HealthCheck(_ context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (c *Client) closeConnection() {
	c.mu.Lock()
	conn := c.conn
	c.isConnected = false
	c.conn, c.channel, c.publishCh, c.closeChan = nil, nil, nil, nil
	c.mu.Unlock()

	if conn != nil && !conn.IsClosed() {
		if err := conn.Close(); err != nil {
			c.logger.Warn("Failed to close RabbitMQ connection", slog.Any("error", err))
		}
	}
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")
	c.closeConnection()
	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}
