package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/fulfillment-router/internal/types"
)

// OutcomeSink receives decoded outcomes from the queue.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, outcome types.OrderOutcome) error
}

// Config holds the outcome queue connection settings.
type Config struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	VHost    string `yaml:"vhost"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

// Consumer drains delivery outcome events published by partner integrations
// and feeds them into the reliability tracker. HTTP submission and queue
// ingestion share the same idempotency guarantee keyed on order id.
type Consumer struct {
	config *Config
	sink   OutcomeSink
	logger *logrus.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewConsumer creates an outcome queue consumer.
func NewConsumer(config *Config, sink OutcomeSink, logger *logrus.Logger) *Consumer {
	if config.VHost == "" {
		config.VHost = "/"
	}
	if config.Queue == "" {
		config.Queue = "fulfillment.outcomes"
	}
	if config.Prefetch <= 0 {
		config.Prefetch = 16
	}
	return &Consumer{config: config, sink: sink, logger: logger}
}

// Connect dials the broker and declares the outcome queue. Retries a few
// times so the router survives a broker that is still starting up.
func (c *Consumer) Connect() error {
	url := fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		c.config.User, c.config.Password, c.config.Host, c.config.Port, c.config.VHost)

	var conn *amqp.Connection
	var err error
	for attempt := 1; attempt <= 10; attempt++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		c.logger.WithError(err).WithField("attempt", attempt).Warn("RabbitMQ connection failed, retrying")
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(c.config.Queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to declare queue %s: %w", c.config.Queue, err)
	}

	if err := ch.Qos(c.config.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("failed to set prefetch: %w", err)
	}

	c.conn = conn
	c.ch = ch
	return nil
}

// Run consumes until the context is cancelled or the channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.ch.Consume(c.config.Queue, "fulfillment-router", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.WithField("queue", c.config.Queue).Info("Outcome consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("outcome delivery channel closed")
			}
			c.handle(ctx, d)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	var outcome types.OrderOutcome
	if err := json.Unmarshal(d.Body, &outcome); err != nil {
		c.logger.WithError(err).Warn("Discarding malformed outcome message")
		_ = d.Nack(false, false)
		return
	}
	if outcome.OrderID == "" || outcome.ProviderID == "" {
		c.logger.Warn("Discarding outcome without order_id or provider_id")
		_ = d.Nack(false, false)
		return
	}
	if outcome.RecordedAt.IsZero() {
		outcome.RecordedAt = time.Now()
	}

	err := c.sink.RecordOutcome(ctx, outcome)
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, types.ErrOutcomeAlreadyRecorded):
		// Redelivery after a crash between record and ack; safe to drop.
		c.logger.WithField("order_id", outcome.OrderID).Debug("Duplicate outcome from queue")
		_ = d.Ack(false)
	default:
		c.logger.WithError(err).WithField("order_id", outcome.OrderID).Warn("Outcome ingestion failed, requeueing")
		_ = d.Nack(false, !d.Redelivered)
	}
}

// Close shuts down the channel and connection.
func (c *Consumer) Close() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
