// Package queue ingests readings published to RabbitMQ.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/sensorhub/internal/apperr"
	"procodus.dev/sensorhub/internal/ingest"
	"procodus.dev/sensorhub/internal/store"
	"procodus.dev/sensorhub/pkg/metrics"
	"procodus.dev/sensorhub/pkg/mq"
)

// Ingester stores raw reading payloads.
type Ingester interface {
	Ingest(ctx context.Context, source ingest.Source, body []byte) (*store.Reading, error)
}

type readyWaiter interface {
	WaitReady(ctx context.Context) error
}

// ConsumerConfig holds the configuration for the Consumer.
type ConsumerConfig struct {
	Logger       *slog.Logger
	Client       mq.ClientInterface
	Ingester     Ingester
	Queue        string             // Used as a metric label
	Metrics      *metrics.MQMetrics // Optional
	ReadyTimeout time.Duration      // Optional, defaults to 30s
	RetryDelay   time.Duration      // Optional, defaults to 1s
}

// Consumer feeds queued payloads through the ingest pipeline. Payloads that
// fail validation are acked and dropped; store failures are requeued.
type Consumer struct {
	logger       *slog.Logger
	client       mq.ClientInterface
	ingester     Ingester
	queue        string
	metrics      *metrics.MQMetrics
	readyTimeout time.Duration
	retryDelay   time.Duration
	stopCtx      context.Context
	stop         context.CancelFunc
	done         chan struct{}
}

// NewConsumer creates a new Consumer.
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	if cfg == nil {
		return nil, errors.New("consumer config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Client == nil {
		return nil, errors.New("mq client cannot be nil")
	}

	if cfg.Ingester == nil {
		return nil, errors.New("ingester cannot be nil")
	}

	queue := cfg.Queue
	if queue == "" {
		queue = mq.DefaultQueue
	}

	readyTimeout := cfg.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = 30 * time.Second
	}

	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	stopCtx, stop := context.WithCancel(context.Background())

	return &Consumer{
		logger:       cfg.Logger.With("component", "amqp-consumer", "queue", queue),
		client:       cfg.Client,
		ingester:     cfg.Ingester,
		queue:        queue,
		metrics:      cfg.Metrics,
		readyTimeout: readyTimeout,
		retryDelay:   retryDelay,
		stopCtx:      stopCtx,
		stop:         stop,
		done:         make(chan struct{}),
	}, nil
}

// Start waits for the broker and begins consuming in the background until
// ctx is canceled or Stop is called. A closed delivery channel means the
// client lost its connection; consuming resumes once it is ready again.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("starting consumer")

	if w, ok := c.client.(readyWaiter); ok {
		readyCtx, cancel := context.WithTimeout(ctx, c.readyTimeout)
		err := w.WaitReady(readyCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("broker not ready: %w", err)
		}
	}

	deliveries, err := c.client.Consume()
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started, waiting for messages")
	go c.processMessages(ctx, deliveries)

	return nil
}

// Done is closed once message processing has stopped.
func (c *Consumer) Done() <-chan struct{} {
	return c.done
}

func (c *Consumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer close(c.done)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("context canceled, stopping message processing")
			return
		case delivery, ok := <-deliveries:
			if ok {
				c.handleDelivery(ctx, delivery)
				continue
			}
			if c.stopCtx.Err() != nil {
				return
			}
			c.logger.Warn("deliveries channel closed, resubscribing")
			if deliveries, ok = c.resubscribe(ctx); !ok {
				return
			}
			c.logger.Info("consumer resumed")
		}
	}
}

// resubscribe waits for the client to reconnect and consumes again. It
// reports false once ctx is done, Stop was called or the client shut down.
func (c *Consumer) resubscribe(ctx context.Context) (<-chan amqp.Delivery, bool) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unregister := context.AfterFunc(c.stopCtx, cancel)
	defer unregister()

	for {
		if w, ok := c.client.(readyWaiter); ok {
			if err := w.WaitReady(ctx); err != nil {
				c.logger.Info("giving up on resubscribing", "error", err)
				return nil, false
			}
		}

		deliveries, err := c.client.Consume()
		if err == nil {
			return deliveries, true
		}
		c.logger.Warn("failed to resume consuming", "error", err, "retry_in", c.retryDelay)

		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(c.retryDelay):
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	if c.metrics != nil {
		timer := prometheus.NewTimer(c.metrics.ConsumeDuration.WithLabelValues(c.queue))
		defer timer.ObserveDuration()
	}

	reading, err := c.ingester.Ingest(ctx, ingest.SourceAMQP, delivery.Body)
	switch {
	case err == nil:
		c.ack(delivery)
		if c.metrics != nil {
			c.metrics.MessagesConsumed.WithLabelValues(c.queue).Inc()
		}
		c.logger.Debug("reading consumed", "id", reading.ID, "device_id", reading.DeviceID)

	case apperr.Is(err, apperr.Validation):
		c.logger.Warn("dropping invalid reading", "error", err, "delivery_tag", delivery.DeliveryTag)
		c.countFailure("invalid")
		c.ack(delivery)

	default:
		c.logger.Error("failed to store reading, requeueing", "error", err, "delivery_tag", delivery.DeliveryTag)
		c.countFailure("store")
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message", "error", nackErr)
			return
		}
		if c.metrics != nil {
			c.metrics.MessagesRequeued.WithLabelValues(c.queue).Inc()
		}
	}
}

func (c *Consumer) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack message", "error", err)
	}
}

func (c *Consumer) countFailure(reason string) {
	if c.metrics != nil {
		c.metrics.ConsumptionFailures.WithLabelValues(c.queue, reason).Inc()
	}
}

// Stop closes the broker client and waits for processing to finish.
func (c *Consumer) Stop(ctx context.Context) error {
	c.logger.Info("stopping consumer")
	c.stop()

	if err := c.client.Close(); err != nil {
		c.logger.Warn("failed to close mq client", "error", err)
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	c.logger.Info("consumer stopped")
	return nil
}
