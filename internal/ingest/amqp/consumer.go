// Package amqp consumes rule-engine events from RabbitMQ and feeds them to
// the ingestion pipeline.
package amqp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/bissquit/alarm-relay/internal/domain"
	"github.com/bissquit/alarm-relay/internal/ingest"
	"github.com/bissquit/alarm-relay/internal/pkg/retry"
)

// Config contains consumer configuration.
type Config struct {
	URL             string
	Exchange        string
	Queue           string
	RoutingKey      string
	Prefetch        int
	ConsumerTag     string
	ConnectAttempts int
}

// Ingester accepts one event.
type Ingester interface {
	Ingest(ctx context.Context, raw domain.RawEvent, ectx domain.EventContext) (*ingest.Result, error)
}

// Consumer reads deliveries from one queue. Malformed messages are rejected
// without requeue; ingestion failures are requeued.
type Consumer struct {
	config   Config
	ingester Ingester
	logger   *slog.Logger

	conn *amqp091.Connection
	ch   *amqp091.Channel
	wg   sync.WaitGroup
}

// NewConsumer creates a consumer. Call Connect before Start.
func NewConsumer(config Config, ingester Ingester, logger *slog.Logger) *Consumer {
	if config.Prefetch <= 0 {
		config.Prefetch = 50
	}
	if config.ConsumerTag == "" {
		config.ConsumerTag = "alarm-relay"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{config: config, ingester: ingester, logger: logger}
}

// Connect dials the broker with retries and declares the topology.
func (c *Consumer) Connect(ctx context.Context) error {
	policy := retry.Policy{Attempts: c.config.ConnectAttempts, Logger: c.logger}
	conn, err := retry.Connect(ctx, "rabbitmq", policy, func(context.Context) (*amqp091.Connection, error) {
		return amqp091.Dial(c.config.URL)
	})
	if err != nil {
		return err
	}
	c.conn = conn

	c.ch, err = c.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}

	if c.config.Exchange != "" {
		if err := c.ch.ExchangeDeclare(c.config.Exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %q: %w", c.config.Exchange, err)
		}
	}
	if _, err := c.ch.QueueDeclare(c.config.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %q: %w", c.config.Queue, err)
	}
	if c.config.Exchange != "" {
		if err := c.ch.QueueBind(c.config.Queue, c.config.RoutingKey, c.config.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %q: %w", c.config.Queue, err)
		}
	}
	if err := c.ch.Qos(c.config.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	c.logger.Info("connected to rabbitmq",
		"exchange", c.config.Exchange,
		"queue", c.config.Queue,
		"routing_key", c.config.RoutingKey,
	)
	return nil
}

// Start begins consuming in the background until ctx is cancelled or Close is called.
func (c *Consumer) Start(ctx context.Context) error {
	if c.ch == nil {
		return errors.New("consumer is not connected")
	}
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.config.Queue, c.config.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.consume(ctx, deliveries)
	}()
	return nil
}

// Close stops consuming and closes the connection.
func (c *Consumer) Close() error {
	if c.ch != nil {
		if err := c.ch.Cancel(c.config.ConsumerTag, false); err != nil {
			c.logger.Warn("failed to cancel consumer", "error", err)
		}
	}
	c.wg.Wait()

	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Consumer) consume(ctx context.Context, deliveries <-chan amqp091.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Info("rabbitmq delivery channel closed")
				return
			}
			c.handle(ctx, d)
		}
	}
}

type envelope struct {
	Event   domain.RawEvent     `json:"event"`
	Context domain.EventContext `json:"context"`
}

func (c *Consumer) handle(ctx context.Context, d amqp091.Delivery) {
	raw, ectx, err := decode(d.Body)
	if err != nil {
		c.logger.Warn("rejecting malformed event", "delivery_tag", d.DeliveryTag, "error", err)
		messagesConsumed.WithLabelValues("rejected").Inc()
		if err := d.Reject(false); err != nil {
			c.logger.Error("failed to reject delivery", "error", err)
		}
		return
	}

	res, err := c.ingester.Ingest(ctx, raw, ectx)
	if err != nil {
		c.logger.Error("failed to ingest event, requeueing", "delivery_tag", d.DeliveryTag, "error", err)
		messagesConsumed.WithLabelValues("requeued").Inc()
		if err := d.Nack(false, true); err != nil {
			c.logger.Error("failed to nack delivery", "error", err)
		}
		return
	}

	messagesConsumed.WithLabelValues("ingested").Inc()
	if err := d.Ack(false); err != nil {
		c.logger.Error("failed to ack delivery", "queue_id", res.QueueID, "error", err)
	}
}

// decode accepts either {"event": {...}, "context": {...}} or a bare event.
func decode(body []byte) (domain.RawEvent, domain.EventContext, error) {
	var env envelope
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, domain.EventContext{}, fmt.Errorf("decode event: %w", err)
	}
	if env.Event != nil {
		return env.Event, env.Context, nil
	}

	var raw domain.RawEvent
	dec = json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, domain.EventContext{}, fmt.Errorf("decode event: %w", err)
	}
	return raw, domain.EventContext{}, nil
}
