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

// ErrPublisherClosed is returned by Publish after Close
var ErrPublisherClosed = errors.New("publisher closed")

// Config holds RabbitMQ connection and exchange configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// Publisher publishes job events to a topic exchange. The channel is reopened
// lazily after the broker closes it.
type Publisher struct {
	config *Config
	logger *slog.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool
}

// NewPublisher connects to RabbitMQ and declares the exchange
func NewPublisher(config *Config, logger *slog.Logger) (*Publisher, error) {
	p := &Publisher{
		config: config,
		logger: logger,
	}

	if err := p.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ publisher: %w", err)
	}

	return p, nil
}

func (p *Publisher) dsn() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		p.config.User,
		p.config.Password,
		p.config.Host,
		p.config.Port,
		p.config.VHost,
	)
}

// connect dials with retry and declares the exchange. Caller must not hold mu.
func (p *Publisher) connect() error {
	attempts := p.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	amqpConfig := amqp.Config{
		Heartbeat: p.config.Heartbeat,
		Locale:    "en_US",
	}

	var conn *amqp.Connection
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		p.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		conn, err = amqp.DialConfig(p.dsn(), amqpConfig)
		if err == nil {
			break
		}

		p.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(p.config.RetryInterval)
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

	exchangeType := p.config.ExchangeType
	if exchangeType == "" {
		exchangeType = amqp.ExchangeTopic
	}

	err = channel.ExchangeDeclare(
		p.config.ExchangeName,    // name
		exchangeType,             // type
		p.config.ExchangeDurable, // durable
		false,                    // auto-deleted
		false,                    // internal
		false,                    // no-wait
		nil,                      // arguments
	)
	if err != nil {
		channel.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	p.mu.Lock()
	p.conn, p.channel = conn, channel
	p.mu.Unlock()

	p.logger.Info("RabbitMQ publisher initialized",
		slog.String("exchange", p.config.ExchangeName),
		slog.String("type", exchangeType),
	)
	return nil
}

func (p *Publisher) currentChannel() (*amqp.Channel, error) {
	p.mu.Lock()
	closed := p.closed
	channel, conn := p.channel, p.conn
	p.mu.Unlock()

	if closed {
		return nil, ErrPublisherClosed
	}
	if channel != nil && !channel.IsClosed() && conn != nil && !conn.IsClosed() {
		return channel, nil
	}

	p.logger.Warn("RabbitMQ channel closed, reconnecting")
	if err := p.connect(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel, nil
}

// Publish sends body with the given routing key, retrying with exponential backoff
func (p *Publisher) Publish(ctx context.Context, routingKey string, body []byte, contentType string) error {
	maxRetries := p.config.PublishRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	baseDelay := p.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}

	backoffMult := p.config.PublishBackoffMult
	if backoffMult <= 1 {
		backoffMult = 2.0
	}

	delay := baseDelay
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		channel, err := p.currentChannel()
		if err == nil {
			err = channel.PublishWithContext(
				ctx,
				p.config.ExchangeName, // exchange
				routingKey,            // routing key
				false,                 // mandatory
				false,                 // immediate
				amqp.Publishing{
					ContentType:  contentType,
					Body:         body,
					DeliveryMode: amqp.Persistent,
					Timestamp:    time.Now(),
				},
			)
		}

		if err == nil {
			p.logger.Debug("Message published to RabbitMQ",
				slog.String("routing_key", routingKey),
				slog.Int("body_size", len(body)),
				slog.Int("attempt", attempt+1),
			)
			return nil
		}
		lastErr = err

		if attempt < maxRetries {
			p.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("failed to publish message: %w", ctx.Err())
			}
			delay = time.Duration(float64(delay) * backoffMult)
		}
	}

	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

// Close closes the channel and connection
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Info("Closing RabbitMQ connection")
	p.closed = true

	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			p.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			p.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	p.logger.Info("RabbitMQ connection closed successfully")
	return nil
}
