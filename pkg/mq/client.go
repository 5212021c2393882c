// Package mq provides a RabbitMQ client for reading transport. It keeps a
// single connection alive, reconnecting in the background, and publishes
// with publisher confirms.
package mq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"

	"procodus.dev/sensorhub/pkg/metrics"
)

const (
	reconnectDelay = 5 * time.Second
	reInitDelay    = 2 * time.Second

	initialBackoff    = 100 * time.Millisecond
	maxBackoff        = 10 * time.Second
	backoffMultiplier = 2
	maxRetryAttempts  = 5

	// DefaultQueue is the queue readings travel on.
	DefaultQueue = "sensor_readings"
)

var (
	errNotConnected       = errors.New("not connected to a server")
	errAlreadyClosed      = errors.New("already closed: not connected to the server")
	errShutdown           = errors.New("client is shutting down")
	errMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
	errNacked             = errors.New("broker did not acknowledge the message")
)

// Config holds the configuration for the Client.
type Config struct {
	Logger   *slog.Logger
	URL      string
	Queue    string             // Optional, defaults to DefaultQueue
	Prefetch int                // Optional, defaults to 1
	Metrics  *metrics.MQMetrics // Optional
}

// Client is a RabbitMQ client bound to one durable queue.
type Client struct {
	m               sync.Mutex
	logger          *slog.Logger
	connection      *amqp.Connection
	channel         *amqp.Channel
	done            chan struct{}
	notifyConnClose chan *amqp.Error
	notifyChanClose chan *amqp.Error
	notifyConfirm   chan amqp.Confirmation
	queue           string
	prefetch        int
	isReady         bool
	metrics         *metrics.MQMetrics
}

// New creates a Client and starts connecting in the background. Use
// WaitReady to block until the queue is declared.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, errors.New("mq config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.URL == "" {
		return nil, errors.New("broker URL cannot be empty")
	}

	queue := cfg.Queue
	if queue == "" {
		queue = DefaultQueue
	}

	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}

	client := &Client{
		logger:   cfg.Logger.With("queue", queue),
		done:     make(chan struct{}),
		queue:    queue,
		prefetch: prefetch,
		metrics:  cfg.Metrics,
	}
	go client.handleReconnect(cfg.URL)

	return client, nil
}

// Queue returns the queue name.
func (client *Client) Queue() string {
	return client.queue
}

// IsReady reports whether the client holds an initialized channel.
func (client *Client) IsReady() bool {
	client.m.Lock()
	defer client.m.Unlock()
	return client.isReady
}

// WaitReady blocks until the client is ready, ctx is done or the client
// is closed.
func (client *Client) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for !client.IsReady() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-client.done:
			return errShutdown
		case <-ticker.C:
		}
	}
	return nil
}

func (client *Client) setReady(ready bool) {
	client.m.Lock()
	client.isReady = ready
	client.m.Unlock()

	if client.metrics == nil {
		return
	}
	if ready {
		client.metrics.ConnectionStatus.Set(1)
	} else {
		client.metrics.ConnectionStatus.Set(0)
	}
}

// handleReconnect dials until it succeeds, then hands the connection to
// handleReInit and starts over when the connection drops.
func (client *Client) handleReconnect(addr string) {
	for {
		client.setReady(false)
		client.logger.Info("attempting to connect")

		if client.metrics != nil {
			client.metrics.ReconnectAttempts.Inc()
		}

		conn, err := amqp.Dial(addr)
		if err != nil {
			client.logger.Error("failed to connect, retrying", "error", err, "delay", reconnectDelay)

			select {
			case <-client.done:
				return
			case <-time.After(reconnectDelay):
			}
			continue
		}

		client.changeConnection(conn)
		client.logger.Info("connected")

		if done := client.handleReInit(conn); done {
			return
		}
	}
}

// handleReInit opens a channel and keeps reopening it after channel
// errors. It returns true when the client is closed.
func (client *Client) handleReInit(conn *amqp.Connection) bool {
	for {
		client.setReady(false)

		if err := client.init(conn); err != nil {
			client.logger.Error("failed to initialize channel, retrying", "error", err)

			select {
			case <-client.done:
				return true
			case <-client.notifyConnClose:
				client.logger.Info("connection closed, reconnecting")
				return false
			case <-time.After(reInitDelay):
			}
			continue
		}

		select {
		case <-client.done:
			return true
		case <-client.notifyConnClose:
			client.logger.Info("connection closed, reconnecting")
			return false
		case <-client.notifyChanClose:
			client.logger.Info("channel closed, re-running init")
		}
	}
}

// init opens a confirming channel and declares the durable queue.
func (client *Client) init(conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	if err := ch.Confirm(false); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(
		client.queue,
		true,  // Durable
		false, // Delete when unused
		false, // Exclusive
		false, // No-wait
		nil,
	); err != nil {
		return err
	}

	client.changeChannel(ch)
	client.setReady(true)
	client.logger.Info("client init done")

	return nil
}

func (client *Client) changeConnection(connection *amqp.Connection) {
	client.m.Lock()
	defer client.m.Unlock()

	client.connection = connection
	client.notifyConnClose = make(chan *amqp.Error, 1)
	client.connection.NotifyClose(client.notifyConnClose)
}

func (client *Client) changeChannel(channel *amqp.Channel) {
	client.m.Lock()
	defer client.m.Unlock()

	client.channel = channel
	client.notifyChanClose = make(chan *amqp.Error, 1)
	client.notifyConfirm = make(chan amqp.Confirmation, 1)
	client.channel.NotifyClose(client.notifyChanClose)
	client.channel.NotifyPublish(client.notifyConfirm)
}

// Push publishes data and waits for the broker's confirm. While the client
// is disconnected or the broker nacks, it retries with exponential backoff
// up to maxRetryAttempts.
func (client *Client) Push(ctx context.Context, data []byte) error {
	if client.metrics != nil {
		timer := prometheus.NewTimer(client.metrics.PushDuration.WithLabelValues(client.queue))
		defer timer.ObserveDuration()
	}

	backoff := initialBackoff
	for attempt := 0; ; attempt++ {
		if attempt >= maxRetryAttempts {
			client.logger.Error("maximum retry attempts exceeded", "attempts", attempt)
			client.countFailure("max_retries_exceeded")
			return errMaxRetriesExceeded
		}

		err := client.publishConfirmed(ctx, data)
		if err == nil {
			if client.metrics != nil {
				client.metrics.MessagesPushed.WithLabelValues(client.queue).Inc()
			}
			return nil
		}

		if ctx.Err() != nil {
			client.countFailure("context_canceled")
			return ctx.Err()
		}

		client.logger.Warn("push failed, retrying", "error", err, "backoff", backoff, "attempt", attempt+1)

		select {
		case <-ctx.Done():
			client.countFailure("context_canceled")
			return ctx.Err()
		case <-client.done:
			return errShutdown
		case <-time.After(backoff):
		}

		backoff = min(backoff*backoffMultiplier, maxBackoff)
	}
}

func (client *Client) publishConfirmed(ctx context.Context, data []byte) error {
	if err := client.UnsafePush(ctx, data); err != nil {
		return err
	}

	client.m.Lock()
	confirms := client.notifyConfirm
	client.m.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case confirm, ok := <-confirms:
		if !ok {
			return errNotConnected
		}
		if !confirm.Ack {
			return errNacked
		}
		client.logger.Debug("push confirmed", "delivery_tag", confirm.DeliveryTag)
		return nil
	}
}

func (client *Client) countFailure(reason string) {
	if client.metrics != nil {
		client.metrics.PushFailures.WithLabelValues(client.queue, reason).Inc()
	}
}

// UnsafePush publishes a persistent JSON message without waiting for a
// confirm.
func (client *Client) UnsafePush(ctx context.Context, data []byte) error {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	return ch.PublishWithContext(
		ctx,
		"",           // Exchange
		client.queue, // Routing key
		false,        // Mandatory
		false,        // Immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         data,
		},
	)
}

// Consume starts a manual-ack consumer on the queue. Every delivery must be
// acked or nacked.
func (client *Client) Consume() (<-chan amqp.Delivery, error) {
	client.m.Lock()
	if !client.isReady {
		client.m.Unlock()
		return nil, errNotConnected
	}
	ch := client.channel
	client.m.Unlock()

	if err := ch.Qos(client.prefetch, 0, false); err != nil {
		return nil, err
	}

	return ch.Consume(
		client.queue,
		"",    // Consumer
		false, // Auto-Ack
		false, // Exclusive
		false, // No-local
		false, // No-Wait
		nil,
	)
}

// Close shuts down the channel and connection and stops reconnecting.
func (client *Client) Close() error {
	client.m.Lock()
	defer client.m.Unlock()

	select {
	case <-client.done:
		return errAlreadyClosed
	default:
	}
	close(client.done)

	if !client.isReady {
		return nil
	}
	client.isReady = false

	if client.metrics != nil {
		client.metrics.ConnectionStatus.Set(0)
	}

	if err := client.channel.Close(); err != nil {
		return err
	}
	return client.connection.Close()
}
