// Package mqttsub ingests readings published by devices over MQTT.
package mqttsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"procodus.dev/sensorhub/internal/apperr"
	"procodus.dev/sensorhub/internal/ingest"
	"procodus.dev/sensorhub/internal/store"
)

// DefaultTopic matches one reading topic per device.
const DefaultTopic = "sensors/+/readings"

// qos 1 gives at-least-once delivery.
const qos = byte(1)

// Ingester stores raw reading payloads.
type Ingester interface {
	Ingest(ctx context.Context, source ingest.Source, body []byte) (*store.Reading, error)
}

// Config holds the configuration for the Subscriber.
type Config struct {
	Logger   *slog.Logger
	Ingester Ingester
	Broker   string // e.g. tcp://localhost:1883
	Topic    string // Optional, defaults to DefaultTopic
	ClientID string // Optional, defaults to a random sensorhub-<id>
	Username string // Optional
	Password string // Optional
}

// Subscriber feeds MQTT messages through the ingest pipeline. It
// resubscribes after every reconnect.
type Subscriber struct {
	client   mqtt.Client
	ingester Ingester
	logger   *slog.Logger
	topic    string

	mu        sync.RWMutex
	connected bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewSubscriber creates a new Subscriber. It does not connect.
func NewSubscriber(cfg *Config) (*Subscriber, error) {
	if cfg == nil {
		return nil, errors.New("mqtt config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Ingester == nil {
		return nil, errors.New("ingester cannot be nil")
	}

	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker cannot be empty")
	}

	s := &Subscriber{
		ingester: cfg.Ingester,
		logger:   cfg.Logger.With("component", "mqtt-subscriber"),
		topic:    cfg.Topic,
		stopCh:   make(chan struct{}),
	}
	if s.topic == "" {
		s.topic = DefaultTopic
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "sensorhub-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(clientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetCleanSession(true)

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)

	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		s.setConnected(true)
		s.logger.Info("mqtt connected", "broker", cfg.Broker)
		s.subscribe(c)
	})

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.setConnected(false)
		s.logger.Warn("mqtt connection lost", "error", err)
	})

	s.client = mqtt.NewClient(opts)
	return s, nil
}

// Topic returns the subscribed topic filter.
func (s *Subscriber) Topic() string {
	return s.topic
}

// Connect blocks until the broker accepts the connection, ctx is done or
// the subscriber is stopped.
func (s *Subscriber) Connect(ctx context.Context) error {
	select {
	case <-s.stopCh:
		return errors.New("subscriber stopped")
	default:
	}

	if s.IsConnected() {
		return nil
	}

	token := s.client.Connect()

	const poll = 200 * time.Millisecond
	for !token.WaitTimeout(poll) {
		select {
		case <-ctx.Done():
			s.client.Disconnect(0)
			return ctx.Err()
		case <-s.stopCh:
			s.client.Disconnect(0)
			return errors.New("subscriber stopped")
		default:
		}
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	return nil
}

// subscribe runs from the connect handler so it must not block on the
// token.
func (s *Subscriber) subscribe(c mqtt.Client) {
	token := c.Subscribe(s.topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		s.Handle(msg.Topic(), msg.Payload())
	})

	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			s.logger.Error("mqtt subscribe timed out", "topic", s.topic)
			return
		}
		if err := token.Error(); err != nil {
			s.logger.Error("mqtt subscribe failed", "topic", s.topic, "error", err)
			return
		}
		s.logger.Info("subscribed to mqtt topic", "topic", s.topic, "qos", qos)
	}()
}

// Handle ingests one message payload. Invalid payloads are logged and
// dropped.
func (s *Subscriber) Handle(topic string, payload []byte) {
	s.logger.Debug("received mqtt message", "topic", topic, "size", len(payload))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reading, err := s.ingester.Ingest(ctx, ingest.SourceMQTT, payload)
	switch {
	case err == nil:
		s.logger.Debug("processed mqtt reading", "topic", topic, "id", reading.ID, "device_id", reading.DeviceID)
	case apperr.Is(err, apperr.Validation):
		s.logger.Warn("invalid mqtt reading", "topic", topic, "error", err)
	default:
		s.logger.Error("failed to store mqtt reading", "topic", topic, "error", err)
	}
}

// IsConnected returns whether the client is connected.
func (s *Subscriber) IsConnected() bool {
	s.mu.RLock()
	connected := s.connected
	s.mu.RUnlock()
	return connected && s.client.IsConnected()
}

// Disconnect stops the subscriber. It is safe to call more than once.
func (s *Subscriber) Disconnect() {
	s.stopOnce.Do(func() { close(s.stopCh) })

	if s.IsConnected() {
		s.client.Unsubscribe(s.topic).WaitTimeout(2 * time.Second)
	}
	s.client.Disconnect(250)

	s.setConnected(false)
	s.logger.Info("mqtt subscriber disconnected")
}

func (s *Subscriber) setConnected(v bool) {
	s.mu.Lock()
	s.connected = v
	s.mu.Unlock()
}
