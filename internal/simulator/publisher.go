package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"procodus.dev/sensorhub/pkg/client"
	"procodus.dev/sensorhub/pkg/generator"
	"procodus.dev/sensorhub/pkg/mq"
)

// Publisher delivers simulated readings to sensorhub.
type Publisher interface {
	// Transport names the delivery path for logs and metrics.
	Transport() string
	Publish(ctx context.Context, p generator.Payload) error
	Close() error
}

// HTTPPublisher posts readings to the ingest endpoint.
type HTTPPublisher struct {
	client *client.Client
}

// NewHTTPPublisher wraps an API client.
func NewHTTPPublisher(c *client.Client) (*HTTPPublisher, error) {
	if c == nil {
		return nil, errors.New("api client cannot be nil")
	}
	return &HTTPPublisher{client: c}, nil
}

// Transport implements Publisher.
func (p *HTTPPublisher) Transport() string { return "http" }

// Publish implements Publisher.
func (p *HTTPPublisher) Publish(ctx context.Context, payload generator.Payload) error {
	return p.client.Ingest(ctx, payload)
}

// Close implements Publisher.
func (p *HTTPPublisher) Close() error { return nil }

// AMQPPublisher pushes readings onto the broker queue.
type AMQPPublisher struct {
	client mq.ClientInterface
}

// NewAMQPPublisher wraps a broker client.
func NewAMQPPublisher(c mq.ClientInterface) (*AMQPPublisher, error) {
	if c == nil {
		return nil, errors.New("mq client cannot be nil")
	}
	return &AMQPPublisher{client: c}, nil
}

// Transport implements Publisher.
func (p *AMQPPublisher) Transport() string { return "amqp" }

// Publish implements Publisher.
func (p *AMQPPublisher) Publish(ctx context.Context, payload generator.Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode reading: %w", err)
	}
	return p.client.Push(ctx, body)
}

// Close implements Publisher.
func (p *AMQPPublisher) Close() error {
	return p.client.Close()
}
